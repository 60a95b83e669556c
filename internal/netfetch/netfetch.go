// Package netfetch is the plain net/http client used only by the sitemap
// and robots.txt fetchers — page navigation itself always goes through the
// browser package. Grounded on the teacher's internal/scraper/fetcher.go,
// stripped of the anti-bot detection it ran on every response (that belongs
// to PageDriver's checkAntiBot, which inspects the page DOM, not a raw HTTP
// body) and extended with basic-auth support for seeds that carry
// credentials.
package netfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mossgate/tendril/internal/fingerprint"
	"github.com/mossgate/tendril/pkg/httpclient"
	"github.com/mossgate/tendril/pkg/proxy"
	"github.com/mossgate/tendril/pkg/ratelimit"
	"github.com/mossgate/tendril/pkg/useragent"
)

type contextKey string

const proxyKey contextKey = "proxy_url"

// Config configures a Fetcher.
type Config struct {
	Timeout      time.Duration
	MaxRedirects int
	UseCookieJar bool
	ProxyPool    *proxy.Pool
	UAPool       *useragent.Pool
	Fingerprint  fingerprint.Profile
	Limiter      *ratelimit.Limiter
}

// Result is the outcome of one plain-HTTP fetch.
type Result struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Error      string
}

// Fetcher performs single-URL GET fetches with TLS fingerprinting, proxy
// rotation, UA rotation, and rate limiting.
type Fetcher struct {
	Config Config
	client *httpclient.Client
}

// New builds a Fetcher, defaulting Timeout/UAPool/Fingerprint the way the
// teacher's NewFetcher does.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if string(cfg.Fingerprint) == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}

	proxyFunc := func(req *http.Request) (*url.URL, error) {
		if val := req.Context().Value(proxyKey); val != nil {
			if u, ok := val.(*url.URL); ok {
				return u, nil
			}
		}
		if req.URL.Hostname() == "127.0.0.1" || req.URL.Hostname() == "localhost" {
			return nil, nil
		}
		return http.ProxyFromEnvironment(req)
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, proxyFunc)
	if err != nil {
		return nil, fmt.Errorf("set up transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}

	return &Fetcher{Config: cfg, client: client}, nil
}

// BasicAuth, when non-nil, is set on the request before it is sent.
type BasicAuth struct {
	Username string
	Password string
}

// Fetch performs a GET request against targetURL.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string, auth *BasicAuth) (*Result, error) {
	if f.Config.Limiter != nil {
		if err := f.Config.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	start := time.Now()
	result := &Result{URL: targetURL}

	var activeProxy *url.URL
	if f.Config.ProxyPool != nil {
		activeProxy = f.Config.ProxyPool.Next()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, nil
	}
	if activeProxy != nil {
		req = req.WithContext(context.WithValue(req.Context(), proxyKey, activeProxy))
	}

	req.Header.Set("User-Agent", f.Config.UAPool.GetSequential())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := f.client.Do(req.Context(), req)
	if err != nil {
		if activeProxy != nil {
			_ = f.Config.ProxyPool.MarkFailure(activeProxy)
		}
		result.Error = fmt.Sprintf("request failed: %v", err)
		result.Duration = time.Since(start)
		return result, nil
	}
	defer resp.Body.Close()

	if activeProxy != nil {
		_ = f.Config.ProxyPool.MarkSuccess(activeProxy)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Error = fmt.Sprintf("read body: %v", err)
	}

	result.StatusCode = resp.StatusCode
	result.Headers = resp.Header
	result.Body = body
	result.Duration = time.Since(start)
	return result, nil
}
