// Package robots implements optional per-seed robots.txt compliance,
// grounded on the teacher's internal/scraper/robots.go (RobotsTxtAuditor),
// rewired to run over netfetch instead of the scraper's own Fetcher, and
// to fail open with a logged warning instead of a silent default-allow.
package robots

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"

	"github.com/mossgate/tendril/internal/logging"
	"github.com/mossgate/tendril/internal/netfetch"
)

// Checker caches parsed robots.txt data per scheme+host.
type Checker struct {
	fetcher *netfetch.Fetcher
	logger  *logging.Logger

	mu    sync.RWMutex
	cache map[string]*robotstxt.RobotsData
}

// New builds a Checker over fetcher. A nil logger uses logging.Default().
func New(fetcher *netfetch.Fetcher, logger *logging.Logger) *Checker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Checker{
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[string]*robotstxt.RobotsData),
	}
}

// IsAllowed reports whether targetURL is allowed by its host's robots.txt
// for userAgent. Fetch failures fail open (allowed) and are logged at warn.
func (c *Checker) IsAllowed(ctx context.Context, targetURL string, userAgent string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("parse url for robots check: %w", err)
	}
	host := u.Scheme + "://" + u.Host

	data, err := c.getOrFetch(ctx, host)
	if err != nil {
		c.logger.Warn(logging.CtxRobots, "robots.txt fetch failed, defaulting to allow", map[string]any{"host": host, "error": err.Error()})
		return true, nil
	}
	if data == nil {
		return true, nil
	}

	if userAgent == "" {
		userAgent = "*"
	}
	group := data.FindGroup(userAgent)
	return group.Test(u.Path), nil
}

func (c *Checker) getOrFetch(ctx context.Context, host string) (*robotstxt.RobotsData, error) {
	c.mu.RLock()
	data, exists := c.cache[host]
	c.mu.RUnlock()
	if exists {
		return data, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, exists = c.cache[host]
	if exists {
		return data, nil
	}

	robotsURL := host + "/robots.txt"
	result, err := c.fetcher.Fetch(ctx, robotsURL, nil)
	if err != nil {
		c.cache[host] = nil
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	if result.Error != "" {
		c.cache[host] = nil
		return nil, fmt.Errorf("fetch robots.txt: %s", result.Error)
	}
	if result.StatusCode >= 400 {
		c.cache[host] = nil
		return nil, nil
	}

	parsed, err := robotstxt.FromBytes(result.Body)
	if err != nil {
		c.cache[host] = nil
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	c.cache[host] = parsed
	return parsed, nil
}

// SitemapURLs returns the sitemap URLs advertised by host's robots.txt,
// used when a seed's sitemap is set to "detect". host may be a bare host,
// scheme://host, or any URL on that host; only its scheme and host are used.
func (c *Checker) SitemapURLs(ctx context.Context, host string) ([]string, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	if u, err := url.Parse(host); err == nil {
		host = u.Scheme + "://" + u.Host
	}
	data, err := c.getOrFetch(ctx, host)
	if err != nil || data == nil {
		return nil, nil
	}
	return data.Sitemaps, nil
}
