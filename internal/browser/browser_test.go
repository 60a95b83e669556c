package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFakeWindow_NavigateOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/next">next</a></body></html>`))
	}))
	defer ts.Close()

	pool := NewFakePool(nil)
	win, err := pool.NewWindow(context.Background())
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	res, err := win.Navigate(context.Background(), ts.URL, GotoOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if res.Outcome != NavOK {
		t.Errorf("expected NavOK, got %v", res.Outcome)
	}
}

func TestFakeWindow_NavigateHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	pool := NewFakePool(nil)
	win, _ := pool.NewWindow(context.Background())
	res, err := win.Navigate(context.Background(), ts.URL, GotoOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if res.Outcome != NavHTTPError {
		t.Errorf("expected NavHTTPError, got %v", res.Outcome)
	}
}

func TestFakeWindow_Crash(t *testing.T) {
	pool := NewFakePool(nil)
	win, _ := pool.NewWindow(context.Background())
	fw := win.(*FakeWindow)
	fw.Crash(nil)

	if win.Err() == nil {
		t.Fatalf("expected crashed error")
	}
	_, err := win.Navigate(context.Background(), "http://example.invalid", GotoOptions{})
	if err == nil {
		t.Errorf("expected navigate to fail on crashed window")
	}
}

func TestAnalyze_CloudflareSignature(t *testing.T) {
	snap := PageSnapshot{
		StatusCode: http.StatusForbidden,
		Body:       []byte("Attention Required! | Cloudflare"),
	}
	det := Analyze(snap, DefaultDetectors())
	if !det.Detected || det.Source != "Cloudflare" {
		t.Errorf("expected Cloudflare detection, got %+v", det)
	}
}

func TestAnalyze_NoSignature(t *testing.T) {
	snap := PageSnapshot{StatusCode: http.StatusOK, Body: []byte("<html>hi</html>")}
	det := Analyze(snap, DefaultDetectors())
	if det.Detected {
		t.Errorf("expected no detection, got %+v", det)
	}
}

func TestFilterFrames(t *testing.T) {
	frames := []Frame{
		{IsMain: true, URL: "http://s/"},
		{NodeName: "IFRAME", URL: "http://ads.example/slot"},
		{NodeName: "IFRAME", URL: "about:blank"},
		{NodeName: "IFRAME", URL: "http://s/widget"},
	}
	blocker := blockerFunc(func(u string) bool { return u == "http://ads.example/slot" })

	out := FilterFrames(frames, blocker)
	if len(out) != 2 {
		t.Fatalf("expected 2 eligible frames, got %d: %+v", len(out), out)
	}
	if !out[0].IsMain || out[1].URL != "http://s/widget" {
		t.Errorf("unexpected frame selection: %+v", out)
	}
}

type blockerFunc func(string) bool

func (f blockerFunc) IsAd(url string) bool { return f(url) }
