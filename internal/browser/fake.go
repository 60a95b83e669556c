package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// FakePool is an in-process browser.Pool that never launches a real
// browser: each FakeWindow drives a plain net/http client against whatever
// httptest fixture server the test points it at. This is what lets the
// crawl core's queue/scope/worker logic run in tests without a Chrome
// binary, per the Design Notes' testability requirement.
type FakePool struct {
	Client *http.Client
}

// NewFakePool builds a FakePool using http.DefaultClient unless client is
// given.
func NewFakePool(client *http.Client) *FakePool {
	if client == nil {
		client = http.DefaultClient
	}
	return &FakePool{Client: client}
}

func (p *FakePool) NewWindow(ctx context.Context) (Window, error) {
	return &FakeWindow{client: p.Client, headers: map[string]string{}}, nil
}

func (p *FakePool) Close(ctx context.Context) error { return nil }

// FakeWindow is the test Window: it fetches the main document with a real
// HTTP GET (following redirects itself so it can report the final URL, the
// way a browser would), stores the body as the sole "frame", and lets tests
// force a crash via Crash().
type FakeWindow struct {
	client  *http.Client
	mu      sync.Mutex
	headers map[string]string
	policy  RequestPolicy

	lastHTML string
	lastCT   string
	crashed  bool
	crashErr error
	closed   bool
}

// Crash marks the window as crashed, simulating a window "error" event for
// worker crash-isolation tests.
func (w *FakeWindow) Crash(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.crashed = true
	w.crashErr = err
}

func (w *FakeWindow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.crashed {
		return fmt.Errorf("%w: %v", ErrWindowCrashed, w.crashErr)
	}
	return nil
}

func (w *FakeWindow) Navigate(ctx context.Context, targetURL string, opts GotoOptions) (NavResult, error) {
	if err := w.Err(); err != nil {
		return NavResult{Outcome: NavLoadFailed, Err: err}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return NavResult{Outcome: NavLoadFailed, Err: err}, nil
	}
	w.mu.Lock()
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	w.mu.Unlock()

	resp, err := w.client.Do(req)
	if err != nil {
		return NavResult{Outcome: NavLoadFailed, FinalURL: targetURL, Err: err}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	contentType := resp.Header.Get("Content-Type")
	finalURL := resp.Request.URL.String()

	w.mu.Lock()
	w.lastHTML = string(body)
	w.lastCT = contentType
	w.mu.Unlock()

	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") && contentType != "" {
		return NavResult{Outcome: NavDownloadDetected, FinalURL: finalURL, StatusCode: resp.StatusCode, ContentType: contentType}, nil
	}
	if strings.HasPrefix(finalURL, "chrome-error://") {
		return NavResult{Outcome: NavChromeError, FinalURL: finalURL, StatusCode: resp.StatusCode, ContentType: contentType}, nil
	}
	if resp.StatusCode >= 400 {
		return NavResult{Outcome: NavHTTPError, FinalURL: finalURL, StatusCode: resp.StatusCode, ContentType: contentType}, nil
	}
	return NavResult{Outcome: NavOK, FinalURL: finalURL, StatusCode: resp.StatusCode, ContentType: contentType}, nil
}

func (w *FakeWindow) Eval(ctx context.Context, frameID string, script string, out any) error {
	return nil
}

func (w *FakeWindow) Frames(ctx context.Context) ([]Frame, error) {
	return []Frame{{ID: "main", IsMain: true, URL: ""}}, nil
}

func (w *FakeWindow) ExposeFunc(ctx context.Context, name string, fn func(args []byte)) error {
	return nil
}

func (w *FakeWindow) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range headers {
		w.headers[k] = v
	}
	return nil
}

func (w *FakeWindow) InterceptRequests(ctx context.Context, policy RequestPolicy) error {
	w.mu.Lock()
	w.policy = policy
	w.mu.Unlock()
	return nil
}

func (w *FakeWindow) Content(ctx context.Context) (string, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHTML, w.lastCT, nil
}

func (w *FakeWindow) FrameContent(ctx context.Context, frameID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHTML, nil
}

func (w *FakeWindow) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
