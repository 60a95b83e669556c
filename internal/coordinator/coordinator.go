// Package coordinator implements CrawlCoordinator (spec.md §4.8): the
// top-level control loop that loads or initializes crawl state, seeds the
// queue (including sitemap fan-out), launches the shared browser and
// WorkerPool, checkpoints periodically, enforces crawl-wide limits, and
// handles shutdown signals. Grounded on the teacher's cmd/burr/main.go
// top-level wiring (flag-driven config, signal-triggered graceful stop) and
// on cametumbling-web-crawler's coordinator.go lifecycle shape (load state,
// launch workers, wait, checkpoint on exit), generalized onto CrawlStore's
// durable state instead of an in-process map.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossgate/tendril/internal/browser"
	"github.com/mossgate/tendril/internal/checkpoint"
	"github.com/mossgate/tendril/internal/config"
	"github.com/mossgate/tendril/internal/logging"
	"github.com/mossgate/tendril/internal/metrics"
	"github.com/mossgate/tendril/internal/netfetch"
	"github.com/mossgate/tendril/internal/pagerecord"
	"github.com/mossgate/tendril/internal/queue"
	"github.com/mossgate/tendril/internal/robots"
	"github.com/mossgate/tendril/internal/scope"
	"github.com/mossgate/tendril/internal/sitemap"
	"github.com/mossgate/tendril/internal/worker"
)

// debugPollInterval is how often the coordinator rechecks crawl status while
// parked in the operator-inspection "debug" state.
const debugPollInterval = 2 * time.Second

// CrawlCoordinator owns one crawl's full lifecycle.
type CrawlCoordinator struct {
	cfg     config.Config
	crawlID string

	store  *queue.Store
	engine *scope.Engine
	pool   browser.Pool

	backend  pagerecord.Backend
	fetcher  *netfetch.Fetcher
	robots   *robots.Checker
	sitemap  *sitemap.Ingester
	logger   *logging.Logger
	ckptWrit *checkpoint.Writer

	lastCheckpoint time.Time
	pagesSinceCkpt int
	startedAt      time.Time
	archiveBytes   int64
}

// New builds a CrawlCoordinator. checkpointDir may be empty to disable
// checkpointing (SaveState is then forced to never).
func New(cfg config.Config, crawlID string, store *queue.Store, pool browser.Pool, backend pagerecord.Backend, fetcher *netfetch.Fetcher, logger *logging.Logger, checkpointDir string) (*CrawlCoordinator, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = logging.Default()
	}

	c := &CrawlCoordinator{
		cfg:     cfg,
		crawlID: crawlID,
		store:   store,
		engine:  scope.NewEngine(),
		pool:    pool,
		backend: backend,
		fetcher: fetcher,
		logger:  logger,
	}
	if fetcher != nil {
		c.robots = robots.New(fetcher, logger)
		c.sitemap = sitemap.New(fetcher, logger)
	}

	if checkpointDir != "" && cfg.SaveState != config.SaveStateNever {
		w, err := checkpoint.NewWriter(checkpointDir, crawlID, cfg.SaveStateHistory)
		if err != nil {
			return nil, fmt.Errorf("create checkpoint writer: %w", err)
		}
		c.ckptWrit = w
	}

	return c, nil
}

// Run executes the full coordinator lifecycle (spec.md §4.8) until the
// crawl reaches a terminal state or ctx is canceled.
func (c *CrawlCoordinator) Run(ctx context.Context) error {
	c.startedAt = time.Now()

	ctx, stopSignals := c.installSignalHandler(ctx)
	defer stopSignals()

	if err := c.loadOrInit(ctx); err != nil {
		return fmt.Errorf("load or initialize crawl state: %w", err)
	}

	if err := c.pollDebug(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return c.finalCheckpoint(context.Background())
	}

	status, err := c.store.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("read crawl status: %w", err)
	}
	if status == queue.StatusDone {
		if c.cfg.WaitOnDone {
			<-ctx.Done()
			return nil
		}
		return nil
	}

	if err := c.store.SetStatus(ctx, queue.StatusRunning); err != nil {
		return fmt.Errorf("set status running: %w", err)
	}

	if err := c.seedQueue(ctx); err != nil {
		return fmt.Errorf("seed queue: %w", err)
	}

	pool := worker.NewWorkerPool(c.cfg, c.store, c.engine, c.pool, c.backend, c.logger, func() {
		c.onPageFinished(ctx)
	})

	runErr := pool.Run(ctx, c.crawlID)

	finalStatus := queue.StatusDone
	if runErr != nil {
		finalStatus = queue.StatusFailed
	} else if ctx.Err() != nil {
		finalStatus = queue.StatusInterrupted
	}
	if err := c.store.SetStatus(context.Background(), finalStatus); err != nil {
		c.logger.Warn(logging.CtxCrawlStatus, "set final status failed", map[string]any{"error": err.Error()})
	}

	if err := c.finalCheckpoint(context.Background()); err != nil {
		c.logger.Warn(logging.CtxState, "final checkpoint failed", map[string]any{"error": err.Error()})
	}

	return runErr
}

// loadOrInit restores a previous checkpoint for crawlID if one exists and
// SaveState allows resuming, otherwise registers every configured seed fresh.
func (c *CrawlCoordinator) loadOrInit(ctx context.Context) error {
	if c.ckptWrit != nil {
		path, err := checkpoint.Latest(c.ckptWrit.Dir, c.crawlID)
		if err != nil {
			return fmt.Errorf("find latest checkpoint: %w", err)
		}
		if path != "" {
			file, err := checkpoint.Load(path)
			if err != nil {
				return fmt.Errorf("load checkpoint %s: %w", path, err)
			}

			seedIDs := make([]int, 0, len(c.cfg.Seeds)+len(file.State.ExtraSeeds))
			for _, s := range c.cfg.Seeds {
				seedIDs = append(seedIDs, s.SeedID)
			}
			for _, e := range file.State.ExtraSeeds {
				seedIDs = append(seedIDs, e.NewSeedID)
			}

			if err := c.store.Load(ctx, file.State, seedIDs, true); err != nil {
				return fmt.Errorf("restore queue state: %w", err)
			}

			for _, s := range c.cfg.Seeds {
				if err := c.engine.AddSeed(s); err != nil {
					return fmt.Errorf("register seed %d: %w", s.SeedID, err)
				}
			}
			for _, e := range file.State.ExtraSeeds {
				orig, ok := c.engine.Seed(e.OrigSeedID)
				if !ok {
					continue
				}
				extra := orig
				extra.SeedID = e.NewSeedID
				extra.URL = e.URL
				extra.Extra = true
				extra.OrigSeedID = e.OrigSeedID
				if err := c.engine.AddSeed(extra); err != nil {
					return fmt.Errorf("register extra seed %d: %w", e.NewSeedID, err)
				}
			}

			c.logger.Info(logging.CtxState, "resumed crawl from checkpoint", map[string]any{"crawlId": c.crawlID, "checkpoint": path})
			return nil
		}
	}

	for _, s := range c.cfg.Seeds {
		if err := c.engine.AddSeed(s); err != nil {
			return fmt.Errorf("register seed %d: %w", s.SeedID, err)
		}
	}
	return nil
}

// pollDebug parks here while the crawl-wide status is "debug", used by
// operators to pause a running crawl for inspection without tearing it down.
func (c *CrawlCoordinator) pollDebug(ctx context.Context) error {
	for {
		status, err := c.store.GetStatus(ctx)
		if err != nil {
			return fmt.Errorf("poll debug status: %w", err)
		}
		if status != queue.StatusDebug {
			return nil
		}
		select {
		case <-time.After(debugPollInterval):
		case <-ctx.Done():
			return nil
		}
	}
}

// seedQueue enqueues every configured seed at depth 0 and, for seeds that
// carry a sitemap, launches SitemapIngester against it.
func (c *CrawlCoordinator) seedQueue(ctx context.Context) error {
	for _, s := range c.cfg.Seeds {
		_, err := c.store.AddToQueue(ctx, queue.QueueEntry{
			URL:        s.URL,
			SeedID:     s.SeedID,
			Depth:      0,
			ExtraHops:  0,
			EnqueuedAt: time.Now().UTC(),
		}, c.cfg.PageLimit)
		if err != nil {
			return fmt.Errorf("enqueue seed %d: %w", s.SeedID, err)
		}

		if s.Sitemap == "" {
			continue
		}
		if err := c.launchSitemap(ctx, s); err != nil {
			c.logger.Warn(logging.CtxSitemap, "sitemap ingestion failed", map[string]any{"seedId": s.SeedID, "error": err.Error()})
		}
	}
	return nil
}

func (c *CrawlCoordinator) launchSitemap(ctx context.Context, seed config.Seed) error {
	if c.sitemap == nil {
		return fmt.Errorf("no netfetch fetcher configured, cannot ingest sitemaps")
	}

	done, err := c.store.IsSitemapDone(ctx, seed.SeedID)
	if err != nil {
		return fmt.Errorf("check sitemap-done flag: %w", err)
	}
	if done {
		return nil
	}

	sitemapURL := seed.Sitemap
	if sitemapURL == "detect" {
		urls, err := c.robots.SitemapURLs(ctx, seed.URL)
		if err != nil || len(urls) == 0 {
			return fmt.Errorf("detect sitemap from robots.txt: %w", err)
		}
		sitemapURL = urls[0]
	}

	return c.sitemap.Ingest(ctx, seed, sitemapURL, c.cfg.SitemapFromDate, c.cfg.SitemapToDate, c.engine, c.store, c.cfg.PageLimit)
}

// onPageFinished runs after every page a WorkerPool worker finishes: it
// updates the queue-depth gauge, triggers a checkpoint when due, and checks
// crawl-wide limits, escalating to canceled on a hard limit.
func (c *CrawlCoordinator) onPageFinished(ctx context.Context) {
	if n, err := c.store.QueueSize(ctx); err == nil {
		metrics.SetQueueDepth(n)
	}

	c.pagesSinceCkpt++
	c.maybeCheckpoint(ctx)
	c.checkLimits(ctx)
}

func (c *CrawlCoordinator) maybeCheckpoint(ctx context.Context) {
	if c.ckptWrit == nil || c.cfg.SaveState == config.SaveStateNever {
		return
	}
	if c.cfg.SaveState == config.SaveStatePartial && c.pagesSinceCkpt < 1 {
		return
	}
	if time.Since(c.lastCheckpoint) < c.cfg.SaveStateInterval {
		return
	}
	if err := c.writeCheckpoint(ctx); err != nil {
		c.logger.Warn(logging.CtxState, "checkpoint write failed", map[string]any{"error": err.Error()})
		return
	}
	c.lastCheckpoint = time.Now()
	c.pagesSinceCkpt = 0
}

func (c *CrawlCoordinator) writeCheckpoint(ctx context.Context) error {
	blob, err := c.store.Serialize(ctx)
	if err != nil {
		return fmt.Errorf("serialize crawl state: %w", err)
	}
	_, err = c.ckptWrit.Save(checkpoint.File{Config: c.cfg, State: blob})
	return err
}

func (c *CrawlCoordinator) finalCheckpoint(ctx context.Context) error {
	if c.ckptWrit == nil {
		return nil
	}
	return c.writeCheckpoint(ctx)
}

// checkLimits enforces spec.md §4.8 step 7's crawl-wide limits, canceling
// the crawl when one is exceeded.
func (c *CrawlCoordinator) checkLimits(ctx context.Context) {
	if c.cfg.TimeLimit > 0 && time.Since(c.startedAt) > c.cfg.TimeLimit {
		c.cancelWithReason(ctx, "time limit exceeded")
		return
	}
	if c.cfg.SizeLimit > 0 && c.archiveBytes > c.cfg.SizeLimit {
		c.cancelWithReason(ctx, "size limit exceeded")
		return
	}
	if c.cfg.FailOnFailedLimit > 0 {
		failed, err := c.store.NumFailed(ctx)
		if err == nil && failed >= int64(c.cfg.FailOnFailedLimit) {
			c.cancelWithReason(ctx, "fail-on-failed limit exceeded")
			return
		}
	}
}

func (c *CrawlCoordinator) cancelWithReason(ctx context.Context, reason string) {
	c.logger.Warn(logging.CtxCrawlStatus, "crawl limit exceeded, canceling", map[string]any{"reason": reason})
	if err := c.store.SetStatus(ctx, queue.StatusCanceled); err != nil {
		c.logger.Warn(logging.CtxCrawlStatus, "set canceled status failed", map[string]any{"error": err.Error()})
	}
}

// installSignalHandler wires SIGINT/SIGTERM/SIGABRT per spec.md §4.8 step 8:
// the first signal flips the crawl to interrupted and lets in-flight pages
// finish; a second signal arriving within 200ms of the previous one (or any
// signal after a prior SIGABRT) cancels immediately. A later signal outside
// that window is handled as another graceful one.
func (c *CrawlCoordinator) installSignalHandler(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	go func() {
		hardDeadline := time.Time{}
		sawAbort := false
		for {
			select {
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				now := time.Now()
				hard := sawAbort || (!hardDeadline.IsZero() && now.Before(hardDeadline))
				if sig == syscall.SIGABRT {
					sawAbort = true
				}
				if hard {
					c.logger.Warn(logging.CtxCrawlStatus, "hard shutdown signal received", map[string]any{"signal": sig.String()})
					_ = c.store.SetStatus(context.Background(), queue.StatusCanceled)
					cancel()
					return
				}
				c.logger.Warn(logging.CtxCrawlStatus, "graceful shutdown signal received", map[string]any{"signal": sig.String()})
				_ = c.store.SetStatus(context.Background(), queue.StatusInterrupted)
				hardDeadline = now.Add(200 * time.Millisecond)
			case <-ctx.Done():
				return
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}
