// Package worker implements PageWorker and WorkerPool (spec.md §4.6/§4.7):
// the loop that owns one browser window at a time, pulls work from
// CrawlStore, drives it through navigation/anti-bot/link-extraction, and
// reports the outcome. Grounded on the teacher's internal/scraper/crawler.go
// Run/processJob errgroup-driven worker loop, generalized from an
// in-process channel queue into CrawlStore-backed pulls, and on
// cametumbling-web-crawler's coordinator.go WaitGroup/worker-exit-tracking
// shape for pool-wide shutdown.
//
// pagedriver.go holds the PageDriver capability (spec.md §4.4): the part of
// the worker loop that talks directly to one browser.Window. It is kept as
// an unexported helper here rather than its own package because its entire
// surface exists to serve PageWorker and nothing else ever drives a
// browser.Window directly.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mossgate/tendril/internal/browser"
	"github.com/mossgate/tendril/internal/config"
	"github.com/mossgate/tendril/internal/logging"
)

// ResourceExistsChecker reports whether a URL's resource already exists in
// the archive, used by the request-interception policy to skip re-fetching
// already-archived subresources when RecrawlUpdateData is false. The
// archive writer itself is an external collaborator (out of scope); this is
// only its contract.
type ResourceExistsChecker interface {
	Exists(url string) bool
}

// noopExistsChecker always reports "not on disk", i.e. never skips.
type noopExistsChecker struct{}

func (noopExistsChecker) Exists(string) bool { return false }

type requestPolicy struct {
	mainDocURL        string
	seedOrigin        string
	recrawlUpdateData bool
	disk              ResourceExistsChecker
}

var allowedResourceTypes = map[browser.ResourceType]bool{
	browser.ResourceDocument:   true,
	browser.ResourceScript:     true,
	browser.ResourceStylesheet: true,
	browser.ResourceImage:      true,
}

// Decide implements browser.RequestPolicy per spec.md §4.4's
// request-interception table: the main-document request is always allowed
// regardless of RecrawlUpdateData (see DESIGN.md's Open Question decision);
// subsequent same-origin requests of an allowed resource type are allowed
// unless the resource already exists on disk and RecrawlUpdateData is
// false; everything else is aborted.
func (p *requestPolicy) Decide(req browser.InterceptedRequest) browser.RequestDecision {
	if req.IsMainDoc || req.URL == p.mainDocURL {
		return browser.RequestAllow
	}
	if !sameOrigin(req.URL, p.seedOrigin) {
		return browser.RequestAbort
	}
	if !allowedResourceTypes[req.ResourceType] {
		return browser.RequestAbort
	}
	if !p.recrawlUpdateData && p.disk != nil && p.disk.Exists(req.URL) {
		return browser.RequestAbort
	}
	return browser.RequestAllow
}

func sameOrigin(rawURL, origin string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Scheme == o.Scheme && u.Host == o.Host
}

// pageDriver wraps one browser.Window for the duration of a single page.
type pageDriver struct {
	cfg       config.Config
	logger    *logging.Logger
	adBlocker browser.AdBlocker
	disk      ResourceExistsChecker
}

func newPageDriver(cfg config.Config, logger *logging.Logger, adBlocker browser.AdBlocker, disk ResourceExistsChecker) *pageDriver {
	if logger == nil {
		logger = logging.Default()
	}
	if adBlocker == nil {
		adBlocker = browser.NoAdBlocking
	}
	if disk == nil {
		disk = noopExistsChecker{}
	}
	return &pageDriver{cfg: cfg, logger: logger, adBlocker: adBlocker, disk: disk}
}

// prepare installs request interception, basic-auth headers, and the
// __addLink/__behaviorLog host callbacks custom behavior scripts call into.
func (d *pageDriver) prepare(ctx context.Context, win browser.Window, seed config.Seed, targetURL string, onLink func(url string)) error {
	seedOrigin, err := originOf(seed.URL)
	if err != nil {
		return fmt.Errorf("derive seed origin: %w", err)
	}

	policy := &requestPolicy{
		mainDocURL:        targetURL,
		seedOrigin:        seedOrigin,
		recrawlUpdateData: d.cfg.RecrawlUpdateData,
		disk:              d.disk,
	}
	if err := win.InterceptRequests(ctx, policy); err != nil {
		return fmt.Errorf("install request policy: %w", err)
	}

	if seed.Auth != nil {
		headers := map[string]string{
			"Authorization": "Basic " + basicAuthValue(seed.Auth.Username, seed.Auth.Password),
		}
		if err := win.SetExtraHeaders(ctx, headers); err != nil {
			return fmt.Errorf("set basic auth header: %w", err)
		}
	}

	if onLink != nil {
		if err := win.ExposeFunc(ctx, "__addLink", func(args []byte) {
			onLink(strings.Trim(string(args), `"`))
		}); err != nil {
			return fmt.Errorf("expose __addLink: %w", err)
		}
	}
	if err := win.ExposeFunc(ctx, "__behaviorLog", func(args []byte) {
		d.logger.Debug(logging.CtxBehavior, "behavior log", map[string]any{"record": string(args)})
	}); err != nil {
		return fmt.Errorf("expose __behaviorLog: %w", err)
	}

	return nil
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

func basicAuthValue(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// navigate drives win to targetURL and, on success, runs checkAntiBot and
// awaitNetIdle in sequence. awaitCustomPageLoad is not run here; the
// caller invokes it separately.
func (d *pageDriver) navigate(ctx context.Context, win browser.Window, targetURL string) (browser.NavResult, error) {
	opts := browser.GotoOptions{
		WaitUntil: browser.WaitUntil(d.cfg.WaitUntil),
		Timeout:   d.cfg.PageLoadTimeout,
	}
	res, err := win.Navigate(ctx, targetURL, opts)
	if err != nil {
		return res, err
	}
	if res.Outcome != browser.NavOK && res.Outcome != browser.NavSlowPage {
		return res, nil
	}

	if det, err := browser.CheckAntiBot(ctx, win, d.cfg.BehaviorTimeout, 500*time.Millisecond); err == nil && det.Detected {
		d.logger.Warn(logging.CtxPageStatus, "anti-bot interstitial detected", map[string]any{"url": targetURL, "source": det.Source})
	}

	d.awaitNetIdle(ctx, win)
	return res, nil
}

// awaitNetIdle is a best-effort wait for network quiescence: it just sleeps
// NetIdleWait, since the browser.Window contract doesn't expose a network
// event stream to this package (that detail lives entirely inside the
// chromedp implementation's Navigate).
func (d *pageDriver) awaitNetIdle(ctx context.Context, win browser.Window) {
	select {
	case <-time.After(d.cfg.NetIdleWait):
	case <-ctx.Done():
	}
}

// awaitCustomPageLoad signals an injected behavior's "page loaded" hook in
// the main frame, then sleeps PostLoadDelay.
func (d *pageDriver) awaitCustomPageLoad(ctx context.Context, win browser.Window) {
	_ = win.Eval(ctx, "", `if (window.__onPageLoaded) { window.__onPageLoaded(); }`, nil)
	select {
	case <-time.After(d.cfg.PostLoadDelay):
	case <-ctx.Done():
	}
}
