// Package browser wraps a single window of the shared browser process that
// PageDriver drives: navigation, request interception, frame enumeration and
// per-frame script evaluation, host callback installation. The production
// implementation in chrome.go drives real headless Chrome via
// github.com/chromedp/chromedp, grounded on the teacher's own TLS-transport
// package pairing with the pack's refyne repo, whose cmd/refyne/fetcher
// package is the only chromedp-driven browser automation in the retrieval
// pack (dynamic.go/chrome.go). Tests use the fake Window in fake.go instead,
// so the queue/scope/worker logic never needs a real Chrome binary.
package browser

import (
	"context"
	"errors"
	"time"
)

// WaitUntil mirrors the navigation readiness conditions a caller can ask
// PageDriver.navigate to wait for.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle0     WaitUntil = "networkidle0"
	WaitNetworkIdle2     WaitUntil = "networkidle2"
)

// GotoOptions configures one Navigate call.
type GotoOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
}

// NavOutcome is the tagged result of a Navigate call, replacing the
// original's race between three separate event listeners (response,
// domcontentloaded, load) with a single return value, per the Design Notes'
// "bounded channels / tagged variants instead of event emitters" redesign.
type NavOutcome string

const (
	// NavOK is a normal, fully-loaded navigation.
	NavOK NavOutcome = "ok"
	// NavDownloadDetected means navigation aborted because the response was
	// a non-HTML download rather than a renderable document.
	NavDownloadDetected NavOutcome = "downloadDetected"
	// NavSlowPage means DOM content loaded but the full-load wait timed out.
	NavSlowPage NavOutcome = "slowPage"
	// NavLoadFailed means no response was ever received.
	NavLoadFailed NavOutcome = "loadFailed"
	// NavChromeError means the window ended up on a chrome-error:// page.
	NavChromeError NavOutcome = "chromeError"
	// NavHTTPError means the response carried a status >= 400.
	NavHTTPError NavOutcome = "httpError"
)

// NavResult carries the outcome plus the observed response metadata, since
// several of PageDriver's downstream decisions (redirect-seed creation,
// content-type sniffing, isHTMLPage) need the response even on failure.
type NavResult struct {
	Outcome     NavOutcome
	FinalURL    string
	StatusCode  int
	ContentType string
	Err         error
}

// ResourceType is the subset of Chrome's network.ResourceType values the
// request-interception policy cares about.
type ResourceType string

const (
	ResourceDocument   ResourceType = "Document"
	ResourceScript     ResourceType = "Script"
	ResourceStylesheet ResourceType = "Stylesheet"
	ResourceImage      ResourceType = "Image"
	ResourceOther      ResourceType = "Other"
)

// InterceptedRequest is what RequestPolicy.Decide inspects to allow or abort
// one outgoing request.
type InterceptedRequest struct {
	URL          string
	ResourceType ResourceType
	IsMainFrame  bool
	SameOrigin   bool
	IsMainDoc    bool // the target URL of this navigation, not a subresource
}

// RequestDecision is what RequestPolicy.Decide returns.
type RequestDecision int

const (
	RequestAllow RequestDecision = iota
	RequestAbort
)

// RequestPolicy decides whether an intercepted request proceeds. Built once
// per window in prepare(); Decide is called once per request.
type RequestPolicy interface {
	Decide(req InterceptedRequest) RequestDecision
}

// Frame identifies one document context inside a window: the main document
// or a nested iframe/frame.
type Frame struct {
	ID       string
	URL      string
	IsMain   bool
	NodeName string // "IFRAME", "FRAME", or "" for the main frame
}

// ErrWindowCrashed is returned by any Window method after the window has
// reported a crash ("error" event in the original automation library).
var ErrWindowCrashed = errors.New("browser window crashed")

// Window is the capability surface PageDriver needs from a single browser
// tab/page, kept deliberately narrow: the automation library itself is an
// external collaborator (see spec's out-of-scope list), this is only its
// contract.
type Window interface {
	// Navigate drives the window to url, honoring opts.Timeout and
	// opts.WaitUntil, and returns the tagged NavResult described above.
	Navigate(ctx context.Context, url string, opts GotoOptions) (NavResult, error)
	// Eval evaluates script in frameID ("" for the main frame) and decodes
	// the JSON result into out (which may be nil to discard it).
	Eval(ctx context.Context, frameID string, script string, out any) error
	// Frames lists every frame currently attached to the window.
	Frames(ctx context.Context) ([]Frame, error)
	// ExposeFunc installs a host callback reachable from page scripts as
	// window[name](...args); fn receives the call's JSON-decoded arguments.
	ExposeFunc(ctx context.Context, name string, fn func(args []byte)) error
	// SetExtraHeaders applies headers (e.g. Authorization: Basic ...) to the
	// window's next and subsequent navigations.
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	// InterceptRequests installs policy as the request-interception decision
	// for every request this window makes, for the lifetime of the window.
	InterceptRequests(ctx context.Context, policy RequestPolicy) error
	// Content returns the current document's outer HTML and content type,
	// used by checkAntiBot and by the download/HTML sniff in navigate.
	Content(ctx context.Context) (html string, contentType string, err error)
	// FrameContent returns the outer HTML of one frame (frameID from
	// Frames), used by LinkExtractor to run CSS-selector extraction
	// without round-tripping every selector through a JS Eval call.
	FrameContent(ctx context.Context, frameID string) (html string, err error)
	// Close releases the window's resources.
	Close(ctx context.Context) error
	// Err returns a non-nil error (ErrWindowCrashed, wrapped) once the
	// window has reported a crash; nil while healthy.
	Err() error
}

// Pool opens and closes windows against one shared browser process, common
// to every PageWorker.
type Pool interface {
	// NewWindow opens a fresh window ready for Navigate.
	NewWindow(ctx context.Context) (Window, error)
	// Close shuts down the shared browser process and every open window.
	Close(ctx context.Context) error
}
