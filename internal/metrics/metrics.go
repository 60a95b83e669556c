// Package metrics exposes Prometheus counters/histograms for the crawl
// core (SPEC_FULL.md §4.13), rewritten in place from the teacher's
// scrape-shaped metric names onto the crawl core's page/queue/worker
// vocabulary while keeping the teacher's promauto wiring and /metrics HTTP
// server shape.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mossgate/tendril/internal/pagerecord"
)

var (
	PagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_pages_total",
			Help: "Total number of pages reaching a terminal status",
		},
		[]string{"status"},
	)

	PageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_page_duration_seconds",
			Help:    "Duration of one page's navigate-through-finish processing",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawl_queue_depth",
			Help: "Current number of URLs queued but not yet claimed by a worker",
		},
	)

	BytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawl_bytes_total",
			Help: "Total response bytes observed across all archived pages",
		},
	)

	WorkerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_worker_errors_total",
			Help: "Total worker-level errors by kind (crash, timeout, navigate)",
		},
		[]string{"kind"},
	)
)

// RecordPage updates the page-level metrics for one terminal PageRecord.
func RecordPage(rec *pagerecord.PageRecord) {
	if rec == nil {
		return
	}
	status := string(rec.Status)
	PagesTotal.WithLabelValues(status).Inc()
	PageDuration.WithLabelValues(status).Observe(rec.Duration.Seconds())
	BytesTotal.Add(float64(rec.BytesLen))
}

// RecordWorkerError increments the worker-error counter for kind (e.g.
// "crash", "timeout", "navigate").
func RecordWorkerError(kind string) {
	WorkerErrorsTotal.WithLabelValues(kind).Inc()
}

// SetQueueDepth sets the current queue-depth gauge, called periodically by
// the coordinator from CrawlStore.QueueSize.
func SetQueueDepth(n int64) {
	QueueDepth.Set(float64(n))
}

// Server encapsulates an HTTP server exposing /metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on port and exposes /metrics. The server runs in a
// background goroutine and must be stopped via Server.Stop to release
// resources.
func Start(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server failed: %v\n", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
