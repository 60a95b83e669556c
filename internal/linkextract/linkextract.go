// Package linkextract implements LinkExtractor: for an HTML page below
// maxDepth, it runs a set of (cssSelector, attribute-or-property,
// isAttribute) triples against every eligible frame and funnels each
// resulting URL through ScopeEngine.IsIncluded and CrawlStore.AddToQueue.
// Grounded on the teacher's internal/scraper/crawler.go extractLinks
// (goquery-based href extraction, relative-URL resolution against the
// frame's own base URL), generalized from the teacher's single hardcoded
// "a[href]" rule into an arbitrary selector/attribute list per
// config.LinkSelector, and from one document into one per eligible frame
// (via browser.FilterFrames), per spec.md §4.5.
package linkextract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mossgate/tendril/internal/browser"
	"github.com/mossgate/tendril/internal/config"
	"github.com/mossgate/tendril/internal/logging"
	"github.com/mossgate/tendril/internal/queue"
	"github.com/mossgate/tendril/internal/scope"
)

// Extractor runs LinkExtractor's selector-based discovery.
type Extractor struct {
	engine      *scope.Engine
	store       *queue.Store
	logger      *logging.Logger
	frameTimeout time.Duration
}

// New builds an Extractor. frameTimeout bounds each per-frame extraction
// (PAGE_OP_TIMEOUT_SECS); a timed-out frame does not affect others.
func New(engine *scope.Engine, store *queue.Store, logger *logging.Logger, frameTimeout time.Duration) *Extractor {
	if logger == nil {
		logger = logging.Default()
	}
	if frameTimeout <= 0 {
		frameTimeout = 30 * time.Second
	}
	return &Extractor{engine: engine, store: store, logger: logger, frameTimeout: frameTimeout}
}

// Result summarizes what Extract queued, for the worker's log line.
type Result struct {
	Queued  int
	Dupes   int
	Rejected int
}

// Extract runs every selector in selectors (config.DefaultLinkSelectors when
// empty) against every frame in frames, queuing accepted URLs at
// depth=pageDepth+1, with extraHops bumped for OOS ones. win supplies each
// frame's current HTML via FrameContent.
func (e *Extractor) Extract(ctx context.Context, win browser.Window, frames []browser.Frame, seed config.Seed, pageDepth, pageExtraHops int, selectors []config.LinkSelector, pageLimit int) Result {
	if len(selectors) == 0 {
		selectors = config.DefaultLinkSelectors
	}

	var res Result
	for _, frame := range frames {
		frameCtx, cancel := context.WithTimeout(ctx, e.frameTimeout)
		urls, err := e.extractFrame(frameCtx, win, frame, selectors)
		cancel()
		if err != nil {
			e.logger.Warn(logging.CtxLinks, "frame link extraction failed", map[string]any{"frame": frame.ID, "url": frame.URL, "error": err.Error()})
			continue
		}

		for _, candidate := range urls {
			decision, err := e.engine.IsIncluded(seed.SeedID, candidate, pageDepth+1, pageExtraHops, false)
			if err != nil {
				res.Rejected++
				continue
			}

			extraHops := pageExtraHops
			if decision.IsOOS {
				extraHops = pageExtraHops + 1
			}

			addResult, err := e.store.AddToQueue(ctx, queue.QueueEntry{
				URL:        decision.URL,
				SeedID:     seed.SeedID,
				Depth:      pageDepth + 1,
				ExtraHops:  extraHops,
				EnqueuedAt: time.Now().UTC(),
			}, pageLimit)
			if err != nil {
				e.logger.Warn(logging.CtxLinks, "enqueue discovered link failed", map[string]any{"url": candidate, "error": err.Error()})
				continue
			}
			switch addResult {
			case queue.Added:
				res.Queued++
			case queue.DupeURL:
				res.Dupes++
			case queue.LimitHit:
				return res
			}
		}
	}
	return res
}

func (e *Extractor) extractFrame(ctx context.Context, win browser.Window, frame browser.Frame, selectors []config.LinkSelector) ([]string, error) {
	frameID := frame.ID
	if frame.IsMain {
		frameID = ""
	}

	html, err := win.FrameContent(ctx, frameID)
	if err != nil {
		return nil, fmt.Errorf("read frame content: %w", err)
	}

	base, err := url.Parse(frame.URL)
	if err != nil || frame.URL == "" {
		base = nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return nil, fmt.Errorf("parse frame html: %w", err)
	}

	var out []string
	for _, sel := range selectors {
		doc.Find(sel.CSSSelector).Each(func(_ int, s *goquery.Selection) {
			var raw string
			var exists bool
			if sel.IsAttribute {
				raw, exists = s.Attr(sel.Attribute)
			} else {
				raw = s.Text()
				exists = raw != ""
			}
			if !exists || raw == "" {
				return
			}

			resolved, err := url.Parse(raw)
			if err != nil {
				return
			}
			if !resolved.IsAbs() && base != nil {
				resolved = base.ResolveReference(resolved)
			}
			out = append(out, resolved.String())
		})
	}
	return out, nil
}
