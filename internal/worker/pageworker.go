// pageworker.go holds PageWorker (spec.md §4.6): the loop that claims one
// URL at a time from CrawlStore, drives it through a pageDriver and
// LinkExtractor, and reports the terminal outcome back to CrawlStore and
// pagerecord. Grounded on the teacher's internal/scraper/crawler.go Run loop
// (claim-process-report cycle around a worker id), generalized from an
// in-process channel to CrawlStore's claim/lock protocol.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/redis/go-redis/v9"

	"github.com/mossgate/tendril/internal/browser"
	"github.com/mossgate/tendril/internal/config"
	"github.com/mossgate/tendril/internal/linkextract"
	"github.com/mossgate/tendril/internal/logging"
	"github.com/mossgate/tendril/internal/metrics"
	"github.com/mossgate/tendril/internal/pagerecord"
	"github.com/mossgate/tendril/internal/queue"
	"github.com/mossgate/tendril/internal/scope"
)

// MaxReuse is the default number of successive same-origin pages a worker
// drives through one window before closing and reopening it.
const MaxReuse = 5

// pageOpTimeout bounds one discrete browser operation (a frame's link
// extraction, a frame eval). It is also the unit the per-page deadline is
// built from, per spec.md §4.6.
const pageOpTimeout = 30 * time.Second

// pollWait is how long a worker sleeps between nextFromQueue attempts while
// other workers still have pending work in flight.
const pollWait = 500 * time.Millisecond

// ErrFatal wraps an error that must escalate the whole crawl to failed,
// rather than just failing the one page that triggered it (a failed seed
// when failOnFailedSeed is set, or MaxReuse consecutive window crashes).
var ErrFatal = errors.New("fatal worker error")

// PageWorker owns one browser window at a time and processes claimed pages
// serially, per spec.md §4.6.
type PageWorker struct {
	id        string
	cfg       config.Config
	store     *queue.Store
	engine    *scope.Engine
	pool      browser.Pool
	driver    *pageDriver
	extractor *linkextract.Extractor
	backend   pagerecord.Backend
	logger    *logging.Logger
	adBlocker browser.AdBlocker

	onPageFinished func()

	sub *redis.PubSub

	window       browser.Window
	windowOrigin string
	reuseCount   int

	consecutiveCrashes int
}

// NewPageWorker builds a PageWorker. backend and onPageFinished may be nil.
func NewPageWorker(id string, cfg config.Config, store *queue.Store, engine *scope.Engine, pool browser.Pool, backend pagerecord.Backend, logger *logging.Logger, onPageFinished func()) *PageWorker {
	if logger == nil {
		logger = logging.Default()
	}
	adBlocker := browser.NoAdBlocking
	if cfg.BlockAds {
		// Rule-source loading (the actual ad-network pattern list) is an
		// external collaborator; without one wired in we fall back to
		// never blocking rather than silently misbehaving.
		adBlocker = browser.NoAdBlocking
	}
	return &PageWorker{
		id:             id,
		cfg:            cfg,
		store:          store,
		engine:         engine,
		pool:           pool,
		driver:         newPageDriver(cfg, logger, adBlocker, nil),
		extractor:      linkextract.New(engine, store, logger, pageOpTimeout),
		backend:        backend,
		logger:         logger,
		adBlocker:      adBlocker,
		onPageFinished: onPageFinished,
	}
}

// Run executes the worker loop described in spec.md §4.6 until the crawl
// stops, the queue drains, or a fatal error is hit.
func (w *PageWorker) Run(ctx context.Context) error {
	w.sub = w.store.Subscribe(ctx)
	defer w.sub.Close()
	defer w.closeWindow(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := w.drainControlMessages(ctx); err != nil {
			return err
		}

		stopped, err := w.store.IsCrawlStopped(ctx)
		if err != nil {
			return fmt.Errorf("worker %s: check crawl status: %w", w.id, err)
		}
		if stopped {
			return nil
		}

		claim, err := w.store.NextFromQueue(ctx, w.id)
		if err != nil {
			return fmt.Errorf("worker %s: next from queue: %w", w.id, err)
		}
		if claim == nil {
			pending, err := w.store.NumPending(ctx)
			if err != nil {
				return fmt.Errorf("worker %s: count pending: %w", w.id, err)
			}
			if pending > 0 {
				select {
				case <-time.After(pollWait):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			size, err := w.store.QueueSize(ctx)
			if err != nil {
				return fmt.Errorf("worker %s: queue size: %w", w.id, err)
			}
			if size == 0 {
				return nil
			}
			continue
		}

		if err := w.processClaim(ctx, claim); err != nil {
			if errors.Is(err, ErrFatal) {
				return err
			}
			w.logger.Error(logging.CtxWorker, "unhandled page processing error", map[string]any{"worker": w.id, "url": claim.Entry.URL, "error": err.Error()})
		}

		if w.onPageFinished != nil {
			w.onPageFinished()
		}
	}
}

// drainControlMessages applies every pending control message without
// blocking for new ones.
func (w *PageWorker) drainControlMessages(ctx context.Context) error {
	for {
		msg, err := w.store.ProcessMessage(ctx, w.sub, 10*time.Millisecond)
		if err != nil {
			return fmt.Errorf("worker %s: process control message: %w", w.id, err)
		}
		if msg == nil {
			return nil
		}
		if err := w.applyControlMessage(ctx, *msg); err != nil {
			w.logger.Warn(logging.CtxWorker, "control message failed", map[string]any{"worker": w.id, "kind": msg.Kind, "error": err.Error()})
		}
	}
}

func (w *PageWorker) applyControlMessage(ctx context.Context, msg queue.ControlMessage) error {
	switch msg.Kind {
	case "addExclusion":
		return w.engine.AddExclusion(msg.SeedID, msg.Pattern)
	case "removeExclusion":
		return w.engine.RemoveExclusion(msg.SeedID, msg.Pattern)
	case "cancel":
		return w.store.SetStatus(ctx, queue.StatusCanceled)
	case "stop-gracefully":
		return w.store.SetStatus(ctx, queue.StatusInterrupted)
	case "pause", "resume":
		// Pause/resume is coordinator-level (stops feeding new seeds); a
		// worker already mid-loop just keeps draining the queue it has.
		return nil
	default:
		return fmt.Errorf("unknown control message kind %q", msg.Kind)
	}
}

// processClaim drives one claimed URL from recheck-scope through
// markFinished/markFailed, per spec.md §4.6 steps 3-6.
func (w *PageWorker) processClaim(ctx context.Context, claim *queue.Claim) error {
	entry := claim.Entry
	start := time.Now()
	rec := &pagerecord.PageRecord{
		URL:       entry.URL,
		SeedID:    entry.SeedID,
		Depth:     entry.Depth,
		CreatedAt: start.UTC(),
	}

	seed, ok := w.engine.Seed(entry.SeedID)
	if !ok {
		rec.Status = pagerecord.StatusFailed
		rec.Error = fmt.Sprintf("unknown seed %d", entry.SeedID)
		return w.finish(ctx, entry, claim.Token, rec, start)
	}

	if _, err := w.engine.IsIncluded(entry.SeedID, entry.URL, entry.Depth, entry.ExtraHops, false); err != nil {
		if errors.Is(err, scope.ErrRejected) {
			rec.Status = pagerecord.StatusExcluded
			return w.finish(ctx, entry, claim.Token, rec, start)
		}
		return err
	}

	deadline := w.cfg.PageLoadTimeout + w.cfg.BehaviorTimeout + 2*pageOpTimeout + w.cfg.PageExtraDelay
	pageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	win, err := w.obtainWindow(pageCtx, seed.URL)
	if err != nil {
		rec.Status = pagerecord.StatusFailed
		rec.Error = err.Error()
		return w.finish(ctx, entry, claim.Token, rec, start)
	}

	outcome, navErr := w.runPage(pageCtx, win, seed, entry, rec)
	if navErr != nil {
		rec.Error = navErr.Error()
	}

	if outcome == browser.NavLoadFailed && entry.Depth == 0 && w.cfg.FailOnFailedSeed {
		_ = w.finish(ctx, entry, claim.Token, markFailed(rec), start)
		return fmt.Errorf("%w: seed %d failed to load: %s", ErrFatal, entry.SeedID, entry.URL)
	}

	return w.finish(ctx, entry, claim.Token, rec, start)
}

func markFailed(rec *pagerecord.PageRecord) *pagerecord.PageRecord {
	rec.Status = pagerecord.StatusFailed
	return rec
}

// runPage drives navigation, anti-bot/net-idle/custom-load waits, and link
// extraction, filling rec in place. It never returns a fatal error itself;
// processClaim decides escalation from the returned NavOutcome.
func (w *PageWorker) runPage(ctx context.Context, win browser.Window, seed config.Seed, entry queue.QueueEntry, rec *pagerecord.PageRecord) (browser.NavOutcome, error) {
	onLink := func(rawURL string) {
		w.enqueueDiscovered(ctx, seed, rawURL, entry.Depth, entry.ExtraHops)
	}
	if err := w.driver.prepare(ctx, win, seed, entry.URL, onLink); err != nil {
		rec.Status = pagerecord.StatusFailed
		return browser.NavLoadFailed, fmt.Errorf("prepare page driver: %w", err)
	}

	res, err := w.driver.navigate(ctx, win, entry.URL)
	if err != nil {
		rec.Status = pagerecord.StatusFailed
		return browser.NavLoadFailed, fmt.Errorf("navigate: %w", err)
	}

	rec.HTTPStatus = res.StatusCode
	rec.MimeType = res.ContentType
	rec.LoadState = string(res.Outcome)

	// A depth-0 redirect lands the crawl in a different origin than the
	// configured seed; spin up a new seed anchored on the landed URL so
	// scope decisions for this page and its children match where the
	// crawl actually ended up, per spec.md §4.4's redirect handling.
	if entry.Depth == 0 && res.FinalURL != "" && res.FinalURL != entry.URL {
		if newSeedID, err := w.store.AddExtraSeed(ctx, seed.SeedID, res.FinalURL); err != nil {
			w.logger.Warn(logging.CtxWorker, "record redirect extra seed failed", map[string]any{"url": entry.URL, "landed": res.FinalURL, "error": err.Error()})
		} else {
			landed := seed
			landed.SeedID = newSeedID
			landed.URL = res.FinalURL
			landed.Extra = true
			landed.OrigSeedID = seed.SeedID
			if err := w.engine.AddSeed(landed); err != nil {
				w.logger.Warn(logging.CtxWorker, "register redirect extra seed failed", map[string]any{"url": entry.URL, "landed": res.FinalURL, "error": err.Error()})
			} else {
				seed = landed
				entry.SeedID = newSeedID
				rec.SeedID = newSeedID
			}
		}
	}

	switch res.Outcome {
	case browser.NavLoadFailed, browser.NavChromeError:
		rec.Status = pagerecord.StatusFailed
		return res.Outcome, nil
	case browser.NavHTTPError:
		if w.cfg.FailOnInvalidStatus {
			rec.Status = pagerecord.StatusFailed
			return res.Outcome, nil
		}
	case browser.NavDownloadDetected:
		rec.Status = pagerecord.StatusDone
		return res.Outcome, nil
	}

	if res.Outcome != browser.NavSlowPage {
		w.driver.awaitCustomPageLoad(ctx, win)
	}

	html, contentType, err := win.Content(ctx)
	if err == nil {
		rec.BytesLen = int64(len(html))
		if rec.MimeType == "" {
			rec.MimeType = contentType
		}
		rec.Title = extractTitle(html)
	}

	snap := browser.PageSnapshot{StatusCode: rec.HTTPStatus, Body: []byte(html)}
	if det := browser.Analyze(snap, browser.DefaultDetectors()); det.Detected {
		rec.DetectedBot = true
		rec.DetectionSource = det.Source
	}

	rec.Status = pagerecord.StatusDone

	isHTML := strings.Contains(rec.MimeType, "text/html")
	if isHTML && !w.engine.IsAtMaxDepth(entry.SeedID, entry.Depth, entry.ExtraHops) {
		frames, err := win.Frames(ctx)
		if err == nil {
			frames = browser.FilterFrames(frames, w.adBlocker)
			result := w.extractor.Extract(ctx, win, frames, seed, entry.Depth, entry.ExtraHops, seed.SelectLinks, w.cfg.PageLimit)
			w.logger.Debug(logging.CtxLinks, "link extraction complete", map[string]any{"url": entry.URL, "queued": result.Queued, "dupes": result.Dupes, "rejected": result.Rejected})
		}
	}

	return res.Outcome, nil
}

// enqueueDiscovered funnels one URL surfaced via the page's __addLink host
// callback through the same scope-check/addToQueue path LinkExtractor uses.
func (w *PageWorker) enqueueDiscovered(ctx context.Context, seed config.Seed, rawURL string, depth, extraHops int) {
	decision, err := w.engine.IsIncluded(seed.SeedID, rawURL, depth+1, extraHops, false)
	if err != nil {
		return
	}
	if decision.IsOOS {
		extraHops++
	}
	_, err = w.store.AddToQueue(ctx, queue.QueueEntry{
		URL:        decision.URL,
		SeedID:     seed.SeedID,
		Depth:      depth + 1,
		ExtraHops:  extraHops,
		EnqueuedAt: time.Now().UTC(),
	}, w.cfg.PageLimit)
	if err != nil {
		w.logger.Warn(logging.CtxLinks, "enqueue behavior-discovered link failed", map[string]any{"url": rawURL, "error": err.Error()})
	}
}

// finish records rec's terminal outcome to both CrawlStore and the
// pagerecord backend, and reports the worker-error metric for failures.
func (w *PageWorker) finish(ctx context.Context, entry queue.QueueEntry, token int64, rec *pagerecord.PageRecord, start time.Time) error {
	rec.Duration = time.Since(start)

	var storeErr error
	switch rec.Status {
	case pagerecord.StatusFailed:
		if rec.Error == "" {
			rec.Error = fmt.Sprintf("page failed with load state %q", rec.LoadState)
		}
		storeErr = w.store.MarkFailed(ctx, entry.URL, token)
		metrics.RecordWorkerError("navigate")
	case pagerecord.StatusExcluded:
		storeErr = w.store.MarkExcluded(ctx, entry.URL, token)
	default:
		rec.Status = pagerecord.StatusDone
		storeErr = w.store.MarkFinished(ctx, entry.URL, token)
	}

	metrics.RecordPage(rec)

	if w.backend != nil {
		if err := w.backend.Save(ctx, rec); err != nil {
			w.logger.Warn(logging.CtxWorker, "save page record failed", map[string]any{"url": entry.URL, "error": err.Error()})
		}
	}

	if storeErr != nil {
		return fmt.Errorf("worker %s: record outcome for %s: %w", w.id, entry.URL, storeErr)
	}
	return nil
}

// obtainWindow returns a window ready to navigate to a page under
// seedOrigin, reusing w.window when its reuse budget and origin still
// match, and opening a fresh one otherwise.
func (w *PageWorker) obtainWindow(ctx context.Context, seedOrigin string) (browser.Window, error) {
	origin, err := originOf(seedOrigin)
	if err != nil {
		return nil, fmt.Errorf("derive window origin: %w", err)
	}

	if w.window != nil {
		if crashErr := w.window.Err(); crashErr != nil {
			w.consecutiveCrashes++
			w.logger.Warn(logging.CtxWorker, "window crashed", map[string]any{"worker": w.id, "error": crashErr.Error(), "consecutiveCrashes": w.consecutiveCrashes})
			w.closeWindow(ctx)
			if w.consecutiveCrashes >= MaxReuse {
				return nil, fmt.Errorf("%w: worker %s: %d consecutive window crashes", ErrFatal, w.id, w.consecutiveCrashes)
			}
		} else if w.reuseCount >= MaxReuse || w.windowOrigin != origin {
			w.closeWindow(ctx)
		}
	}

	if w.window == nil {
		win, err := w.pool.NewWindow(ctx)
		if err != nil {
			return nil, fmt.Errorf("open window: %w", err)
		}
		w.window = win
		w.windowOrigin = origin
		w.reuseCount = 0
	}

	w.reuseCount++
	w.consecutiveCrashes = 0
	return w.window, nil
}

func (w *PageWorker) closeWindow(ctx context.Context) {
	if w.window == nil {
		return
	}
	if err := w.window.Close(ctx); err != nil {
		w.logger.Warn(logging.CtxWorker, "close window failed", map[string]any{"worker": w.id, "error": err.Error()})
	}
	w.window = nil
	w.windowOrigin = ""
	w.reuseCount = 0
}

func extractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
