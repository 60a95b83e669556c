package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mossgate/tendril/internal/pagerecord"
)

func TestMetricsServer(t *testing.T) {
	srv := Start(8889)
	time.Sleep(100 * time.Millisecond)
	defer srv.Stop(context.Background())

	RecordPage(&pagerecord.PageRecord{
		Status:     pagerecord.StatusDone,
		HTTPStatus: 200,
		BytesLen:   11,
		Duration:   1 * time.Second,
	})
	RecordWorkerError("crash")
	SetQueueDepth(42)

	resp, err := http.Get("http://localhost:8889/metrics")
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	output := string(body)

	for _, want := range []string{
		"crawl_pages_total",
		"crawl_page_duration_seconds_bucket",
		"crawl_queue_depth 42",
		"crawl_bytes_total 11",
		`crawl_worker_errors_total{kind="crash"} 1`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
