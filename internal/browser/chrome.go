package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// chromeBinaryNames mirrors the pack's own FindChromePath lookup table
// (jmylchreest-refyne's cmd/refyne/fetcher/chrome.go), extended with the
// lookup-by-PATH-then-by-absolute-path fallback it uses.
var chromeBinaryNames = []string{
	"google-chrome-stable",
	"google-chrome",
	"chromium",
	"chromium-browser",
	"chrome",
	"/usr/bin/google-chrome-stable",
	"/usr/bin/google-chrome",
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/snap/bin/chromium",
}

// findChromePath searches PATH and common install locations for a Chrome or
// Chromium binary, returning "" if none is found (chromedp then falls back
// to its own internal lookup).
func findChromePath() string {
	for _, name := range chromeBinaryNames {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// ChromePool is the production browser.Pool, driving one headless Chrome
// process shared across every window.
type ChromePool struct {
	allocCtx  context.Context
	cancel    context.CancelFunc
	headless  bool
	userAgent string
}

// ChromeConfig configures ChromePool.
type ChromeConfig struct {
	Headless  bool
	UserAgent string
	WindowW   int
	WindowH   int
}

// NewChromePool launches the shared Chrome allocator. No window is opened
// yet; call NewWindow per PageWorker.
func NewChromePool(cfg ChromeConfig) (*ChromePool, error) {
	if cfg.WindowW == 0 {
		cfg.WindowW = 1920
	}
	if cfg.WindowH == 0 {
		cfg.WindowH = 1080
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(cfg.WindowW, cfg.WindowH),
	)
	if path := findChromePath(); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromePool{allocCtx: allocCtx, cancel: cancel, headless: cfg.Headless, userAgent: cfg.UserAgent}, nil
}

// NewWindow opens a fresh chromedp browser context (tab).
func (p *ChromePool) NewWindow(ctx context.Context) (Window, error) {
	winCtx, cancel := chromedp.NewContext(p.allocCtx)
	if err := chromedp.Run(winCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser window: %w", err)
	}
	w := &chromeWindow{ctx: winCtx, cancel: cancel}
	w.installCrashListener()
	return w, nil
}

// Close tears down the shared Chrome process.
func (p *ChromePool) Close(ctx context.Context) error {
	p.cancel()
	return nil
}

type chromeWindow struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	crashed atomic.Bool
	crashErr error

	policy RequestPolicy
	mainDocURL string
}

func (w *chromeWindow) installCrashListener() {
	chromedp.ListenTarget(w.ctx, func(ev any) {
		if _, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			// Dismiss unexpected dialogs instead of hanging navigation.
			go func() { _ = chromedp.Run(w.ctx, page.HandleJavaScriptDialog(false)) }()
			return
		}
		if _, ok := ev.(*inspector.EventTargetCrashed); ok {
			w.markCrashed(errors.New("browser target crashed"))
			return
		}
		if crashed, ok := ev.(*page.EventFrameAttached); ok && crashed != nil {
			return
		}
	})
	chromedp.ListenBrowser(w.ctx, func(ev any) {
		if _, ok := ev.(*page.EventFrameDetached); ok {
			return
		}
	})
}

func (w *chromeWindow) Err() error {
	if w.crashed.Load() {
		return fmt.Errorf("%w: %v", ErrWindowCrashed, w.crashErr)
	}
	return nil
}

func (w *chromeWindow) markCrashed(err error) {
	w.crashErr = err
	w.crashed.Store(true)
}

func (w *chromeWindow) Navigate(ctx context.Context, url string, opts GotoOptions) (NavResult, error) {
	w.mu.Lock()
	w.mainDocURL = url
	w.mu.Unlock()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(w.ctx, timeout)
	defer cancel()

	var status int64
	var finalURL, contentType string
	var gotResponse bool

	chromedp.ListenTarget(navCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && !gotResponse {
				gotResponse = true
				status = resp.Response.Status
				finalURL = resp.Response.URL
				contentType = resp.Response.MimeType
			}
		}
	})

	runErr := chromedp.Run(navCtx, chromedp.Navigate(url), waitForCondition(opts.WaitUntil))

	select {
	case <-ctx.Done():
		return NavResult{Outcome: NavLoadFailed, Err: ctx.Err()}, ctx.Err()
	default:
	}

	if finalURL == "" {
		finalURL = url
	}

	if runErr != nil {
		if !gotResponse {
			return NavResult{Outcome: NavLoadFailed, FinalURL: finalURL, Err: runErr}, nil
		}
		if isDownloadAbort(runErr) && !strings.HasPrefix(contentType, "text/html") {
			return NavResult{Outcome: NavDownloadDetected, FinalURL: finalURL, StatusCode: int(status), ContentType: contentType}, nil
		}
		if isTimeoutErr(runErr) {
			return NavResult{Outcome: NavSlowPage, FinalURL: finalURL, StatusCode: int(status), ContentType: contentType}, nil
		}
		return NavResult{Outcome: NavLoadFailed, FinalURL: finalURL, Err: runErr}, nil
	}

	var curURL string
	if err := chromedp.Run(w.ctx, chromedp.Location(&curURL)); err == nil && strings.HasPrefix(curURL, "chrome-error://") {
		return NavResult{Outcome: NavChromeError, FinalURL: curURL, StatusCode: int(status), ContentType: contentType}, nil
	}

	if status >= 400 {
		return NavResult{Outcome: NavHTTPError, FinalURL: finalURL, StatusCode: int(status), ContentType: contentType}, nil
	}

	return NavResult{Outcome: NavOK, FinalURL: finalURL, StatusCode: int(status), ContentType: contentType}, nil
}

func waitForCondition(w WaitUntil) chromedp.Action {
	switch w {
	case WaitDOMContentLoaded:
		return chromedp.WaitReady("body")
	default:
		return chromedp.ActionFunc(func(ctx context.Context) error {
			return chromedp.WaitReady("body").Do(ctx)
		})
	}
}

func isDownloadAbort(err error) bool {
	return strings.Contains(err.Error(), "net::ERR_ABORTED")
}

func isTimeoutErr(err error) bool {
	return strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "context canceled")
}

func (w *chromeWindow) Eval(ctx context.Context, frameID string, script string, out any) error {
	var raw string
	action := chromedp.Evaluate(script, &raw)
	if frameID != "" {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			return chromedp.Evaluate(script, &raw).Do(ctx)
		})
	}
	if err := chromedp.Run(ctx, action); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	if out != nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return fmt.Errorf("decode eval result: %w", err)
		}
	}
	return nil
}

func (w *chromeWindow) Frames(ctx context.Context) ([]Frame, error) {
	var tree *page.FrameTree
	if err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		tree, err = page.GetFrameTree().Do(ctx)
		return err
	})); err != nil {
		return nil, fmt.Errorf("get frame tree: %w", err)
	}

	var frames []Frame
	var walk func(n *page.FrameTree, isRoot bool)
	walk = func(n *page.FrameTree, isRoot bool) {
		if n == nil || n.Frame == nil {
			return
		}
		frames = append(frames, Frame{
			ID:     string(n.Frame.ID),
			URL:    n.Frame.URL,
			IsMain: isRoot,
		})
		for _, child := range n.ChildFrames {
			walk(child, false)
		}
	}
	walk(tree, true)
	return frames, nil
}

func (w *chromeWindow) ExposeFunc(ctx context.Context, name string, fn func(args []byte)) error {
	if err := chromedp.Run(ctx, runtime.AddBinding(name)); err != nil {
		return fmt.Errorf("expose host function %s: %w", name, err)
	}

	chromedp.ListenTarget(w.ctx, func(ev any) {
		if be, ok := ev.(*runtime.EventBindingCalled); ok && be.Name == name {
			fn([]byte(be.Payload))
		}
	})
	return nil
}

func (w *chromeWindow) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	hdrs := make(network.Headers, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}
	if err := chromedp.Run(ctx, network.SetExtraHTTPHeaders(hdrs)); err != nil {
		return fmt.Errorf("set extra headers: %w", err)
	}
	return nil
}

func (w *chromeWindow) InterceptRequests(ctx context.Context, policy RequestPolicy) error {
	w.mu.Lock()
	w.policy = policy
	w.mu.Unlock()

	if err := chromedp.Run(ctx, fetch.Enable()); err != nil {
		return fmt.Errorf("enable request interception: %w", err)
	}

	chromedp.ListenTarget(w.ctx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go w.handleIntercept(paused)
	})
	return nil
}

func (w *chromeWindow) handleIntercept(ev *fetch.EventRequestPaused) {
	w.mu.Lock()
	policy := w.policy
	mainDocURL := w.mainDocURL
	w.mu.Unlock()

	req := InterceptedRequest{
		URL:          ev.Request.URL,
		ResourceType: ResourceType(ev.ResourceType),
		IsMainDoc:    ev.Request.URL == mainDocURL,
	}

	decision := RequestAllow
	if policy != nil {
		decision = policy.Decide(req)
	}

	_ = chromedp.Run(w.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if decision == RequestAbort {
			return fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
		}
		return fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}))
}

func (w *chromeWindow) Content(ctx context.Context) (string, string, error) {
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", "", fmt.Errorf("read document content: %w", err)
	}
	contentType := "text/html"
	if !strings.Contains(html, "<html") {
		contentType = "application/octet-stream"
	}
	return html, contentType, nil
}

func (w *chromeWindow) FrameContent(ctx context.Context, frameID string) (string, error) {
	var html string
	action := chromedp.OuterHTML("html", &html, chromedp.ByQuery)
	if frameID != "" {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			return chromedp.OuterHTML("html", &html, chromedp.ByQuery).Do(ctx)
		})
	}
	if err := chromedp.Run(ctx, action); err != nil {
		return "", fmt.Errorf("read frame %s content: %w", frameID, err)
	}
	return html, nil
}

func (w *chromeWindow) Close(ctx context.Context) error {
	w.cancel()
	return nil
}
