package browser

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"
)

// PageSnapshot is what a detector inspects: the rendered page's HTTP status,
// response headers, and current document body. Grounded on the teacher's
// internal/bypass/detection.go, which ran the same signatures against a
// storage.ScrapeResult (a raw HTTP fetch); here the equivalent data comes
// from the browser window's last navigation response and its live DOM,
// since PageDriver runs anti-bot detection against a rendered page, not a
// plain HTTP body.
type PageSnapshot struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Detection is the result of running every detector against a snapshot.
type Detection struct {
	Detected bool
	Source   string // e.g. "Cloudflare", "Akamai", "DataDome", "PerimeterX"
}

// Detector examines one page snapshot for a known bot-protection signature.
type Detector func(snap PageSnapshot) (detected bool, source string)

// DefaultDetectors returns the standard signature set, unchanged in
// substance from the teacher's DefaultDetectors.
func DefaultDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
	}
}

// Analyze runs snap through every detector in order, stopping at the first
// match.
func Analyze(snap PageSnapshot, detectors []Detector) Detection {
	for _, d := range detectors {
		if detected, source := d(snap); detected {
			return Detection{Detected: true, Source: source}
		}
	}
	return Detection{}
}

func getHeader(h http.Header, key string) string {
	if h == nil {
		return ""
	}
	return h.Get(key)
}

func detectCloudflare(snap PageSnapshot) (bool, string) {
	if snap.StatusCode == http.StatusForbidden || snap.StatusCode == http.StatusServiceUnavailable {
		if strings.Contains(strings.ToLower(getHeader(snap.Headers, "Server")), "cloudflare") {
			return true, "Cloudflare"
		}
		if bytes.Contains(snap.Body, []byte("cf-browser-verification")) ||
			bytes.Contains(snap.Body, []byte("cloudflare-nginx")) ||
			bytes.Contains(snap.Body, []byte("cf-turnstile")) ||
			bytes.Contains(snap.Body, []byte("Attention Required! | Cloudflare")) ||
			bytes.Contains(snap.Body, []byte("Just a moment...")) {
			return true, "Cloudflare"
		}
	}
	return false, ""
}

func detectAkamai(snap PageSnapshot) (bool, string) {
	if snap.StatusCode == http.StatusForbidden {
		if strings.Contains(strings.ToLower(getHeader(snap.Headers, "Server")), "akamai") {
			return true, "Akamai"
		}
		if bytes.Contains(snap.Body, []byte("Reference #")) && bytes.Contains(snap.Body, []byte("Access Denied")) {
			return true, "Akamai"
		}
	}
	return false, ""
}

func detectDataDome(snap PageSnapshot) (bool, string) {
	if snap.StatusCode == http.StatusForbidden {
		if strings.Contains(strings.ToLower(getHeader(snap.Headers, "Server")), "datadome") {
			return true, "DataDome"
		}
		if getHeader(snap.Headers, "X-DataDome") != "" || getHeader(snap.Headers, "X-DataDome-Response") != "" {
			return true, "DataDome"
		}
		if bytes.Contains(snap.Body, []byte("geo.captcha-delivery.com")) || bytes.Contains(snap.Body, []byte("datadome")) {
			return true, "DataDome"
		}
	}
	return false, ""
}

func detectPerimeterX(snap PageSnapshot) (bool, string) {
	if snap.StatusCode == http.StatusForbidden {
		if getHeader(snap.Headers, "X-Px-Captcha") != "" {
			return true, "PerimeterX"
		}
		if bytes.Contains(snap.Body, []byte("client.perimeterx.net")) ||
			bytes.Contains(snap.Body, []byte("px-captcha")) ||
			bytes.Contains(snap.Body, []byte("_pxBlock")) {
			return true, "PerimeterX"
		}
	}
	return false, ""
}

// interstitialSelectors are DOM markers checkAntiBot polls for directly in
// the live page, distinct from the static Body-sniff detectors above — a
// challenge widget can appear after the initial response via injected JS.
var interstitialSelectors = []string{
	"div.cf-browser-verification",
	"#challenge-form",
	"div#px-captcha",
	"iframe[src*='captcha-delivery.com']",
}

// CheckAntiBot polls win for a known interstitial for up to timeout,
// rechecking every pollInterval while one is present. Best-effort and
// idempotent: a page with no interstitial returns immediately.
func CheckAntiBot(ctx context.Context, win Window, timeout, pollInterval time.Duration) (Detection, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		html, _, err := win.Content(ctx)
		if err != nil {
			return Detection{}, err
		}

		found := ""
		for _, sel := range interstitialSelectors {
			if containsSelectorMarker(html, sel) {
				found = sel
				break
			}
		}
		if found == "" {
			return Detection{}, nil
		}
		if time.Now().After(deadline) {
			return Detection{Detected: true, Source: found}, nil
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return Detection{Detected: true, Source: found}, ctx.Err()
		}
	}
}

// containsSelectorMarker is a crude substitute for a real CSS-selector query
// against raw HTML, matching on the selector's most distinctive fragment
// (id/class/attribute-value token) rather than doing full selector parsing,
// since checkAntiBot only needs a presence check, not extraction.
func containsSelectorMarker(html, selector string) bool {
	token := selector
	for _, cut := range []string{"div.", "div#", "#", "iframe[src*='", "']"} {
		token = strings.ReplaceAll(token, cut, "")
	}
	return strings.Contains(html, token)
}
