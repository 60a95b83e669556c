// Package scope implements the per-seed include/exclude decision a
// candidate URL must pass before it is queued. Grounded on the domain-scope
// filtering in the teacher's internal/scraper/crawler.go (shouldVisit),
// generalized from a single "same-suffix domain" check into the full
// scope-type derivation table of a production crawler.
package scope

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/mossgate/tendril/internal/config"
)

// Decision is the outcome of evaluating a candidate URL against a seed.
type Decision struct {
	URL   string // normalized
	IsOOS bool
}

// ErrRejected is returned by IsIncluded when the URL does not belong in
// scope (not a rejection of the call itself).
var ErrRejected = fmt.Errorf("url rejected by scope")

type compiledSeed struct {
	seed       config.Seed
	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
	allowHash  bool
}

// Engine holds the compiled scope rules for every seed registered with it.
// It is the only place regex derivation and compilation happens; everything
// downstream works with an Engine handle plus a seed id.
type Engine struct {
	mu    sync.RWMutex
	seeds map[int]*compiledSeed
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{seeds: make(map[int]*compiledSeed)}
}

// AddSeed registers seed, deriving its include regex list from ScopeType
// when the seed does not supply a custom one, and compiling include/exclude
// patterns. It is idempotent for the same SeedID (last write wins), which
// matters for extra seeds materialized mid-crawl.
func (e *Engine) AddSeed(seed config.Seed) error {
	cs := &compiledSeed{seed: seed}

	includePatterns := seed.Include
	allowHash := false

	if len(includePatterns) == 0 && seed.ScopeType != config.ScopeCustom {
		derived, hash, err := derive(seed)
		if err != nil {
			return fmt.Errorf("derive scope for seed %d: %w", seed.SeedID, err)
		}
		if derived != "" {
			includePatterns = []string{derived}
		}
		allowHash = hash
	} else if seed.ScopeType == config.ScopePageSPA {
		allowHash = true
	}
	cs.allowHash = allowHash

	for _, pat := range includePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("compile include regex %q for seed %d: %w", pat, seed.SeedID, err)
		}
		cs.include = append(cs.include, re)
	}
	for _, pat := range seed.Exclude {
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("compile exclude regex %q for seed %d: %w", pat, seed.SeedID, err)
		}
		cs.exclude = append(cs.exclude, re)
	}

	e.mu.Lock()
	e.seeds[seed.SeedID] = cs
	e.mu.Unlock()
	return nil
}

// Seed returns the registered seed by id.
func (e *Engine) Seed(seedID int) (config.Seed, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cs, ok := e.seeds[seedID]
	if !ok {
		return config.Seed{}, false
	}
	return cs.seed, true
}

// derive computes the include regex and allowHash flag for a seed lacking a
// custom include list, per the scope-type derivation table.
func derive(seed config.Seed) (pattern string, allowHash bool, err error) {
	u, err := url.Parse(seed.URL)
	if err != nil {
		return "", false, fmt.Errorf("parse seed url: %w", err)
	}

	switch seed.ScopeType {
	case config.ScopePage, "":
		// Only the seed URL itself is in scope; no derived include pattern
		// beyond the direct-equality check IsIncluded already performs.
		return "", false, nil
	case config.ScopePageSPA:
		return "^" + regexp.QuoteMeta(seed.URL) + "#.+", true, nil
	case config.ScopePrefix:
		dir := path.Dir(u.Path)
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		prefix := u.Scheme + "://" + u.Host + dir
		return "^" + schemeAgnostic(regexp.QuoteMeta(prefix)), false, nil
	case config.ScopeHost:
		origin := u.Scheme + "://" + u.Host + "/"
		return "^" + schemeAgnostic(regexp.QuoteMeta(origin)), false, nil
	case config.ScopeDomain:
		host := registeredHost(u.Host)
		pat := fmt.Sprintf(`^%s://([^/]+\.)*%s/`, "https?", regexp.QuoteMeta(host))
		return pat, false, nil
	case config.ScopeAny:
		return ".*", false, nil
	default:
		return "", false, fmt.Errorf("unknown scope type %q", seed.ScopeType)
	}
}

// schemeAgnostic rewrites a quoted "http://" or "https://" prefix to
// "https?:" so http<->https is treated as in-scope, per spec.
func schemeAgnostic(quoted string) string {
	for _, scheme := range []string{"http", "https"} {
		q := regexp.QuoteMeta(scheme + "://")
		if strings.HasPrefix(quoted, q) {
			return "https?://" + strings.TrimPrefix(quoted, q)
		}
	}
	return quoted
}

// registeredHost strips a single leading "www." label; this module does not
// carry a public-suffix list, so "registered domain" is approximated as the
// host with any www. prefix removed.
func registeredHost(host string) string {
	return strings.TrimPrefix(host, "www.")
}

// AddExclusion compiles pattern and appends it to seedID's exclude list,
// applying immediately to every IsIncluded call made after it returns. Used
// by processMessage's addExclusion control command.
func (e *Engine) AddExclusion(seedID int, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile exclude regex %q for seed %d: %w", pattern, seedID, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.seeds[seedID]
	if !ok {
		return fmt.Errorf("scope: unknown seed %d", seedID)
	}
	cs.exclude = append(cs.exclude, re)
	return nil
}

// RemoveExclusion drops every compiled exclude pattern on seedID whose
// source matches pattern exactly. A no-op if none match.
func (e *Engine) RemoveExclusion(seedID int, pattern string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.seeds[seedID]
	if !ok {
		return fmt.Errorf("scope: unknown seed %d", seedID)
	}
	kept := cs.exclude[:0]
	for _, re := range cs.exclude {
		if re.String() != pattern {
			kept = append(kept, re)
		}
	}
	cs.exclude = kept
	return nil
}

// IsIncluded decides whether rawURL, discovered at (depth, extraHops) under
// seedID, should be queued, and whether accepting it consumes an extra hop.
func (e *Engine) IsIncluded(seedID int, rawURL string, depth, extraHops int, noOOS bool) (Decision, error) {
	e.mu.RLock()
	cs, ok := e.seeds[seedID]
	e.mu.RUnlock()
	if !ok {
		return Decision{}, fmt.Errorf("scope: unknown seed %d", seedID)
	}
	seed := cs.seed

	u, err := url.Parse(rawURL)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: parse url: %v", ErrRejected, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Decision{}, fmt.Errorf("%w: non-http(s) scheme %q", ErrRejected, u.Scheme)
	}

	if !cs.allowHash {
		u.Fragment = ""
	}
	normalized := u.String()

	if normalized == seed.URL {
		return Decision{URL: normalized, IsOOS: false}, nil
	}

	maxDepth := seed.MaxDepth
	if maxDepth < 0 {
		maxDepth = 1 << 30
	}

	inScope := false
	if depth <= maxDepth {
		for _, re := range cs.include {
			if re.MatchString(normalized) {
				inScope = true
				break
			}
		}
	}

	isOOS := false
	if !inScope {
		if noOOS || extraHops >= seed.MaxExtraHops {
			return Decision{}, fmt.Errorf("%w: out of scope", ErrRejected)
		}
		isOOS = true
	}

	for _, re := range cs.exclude {
		if re.MatchString(normalized) {
			return Decision{}, fmt.Errorf("%w: excluded", ErrRejected)
		}
	}

	return Decision{URL: normalized, IsOOS: isOOS}, nil
}

// IsAtMaxDepth reports whether a page at (depth, extraHops) can no longer
// produce an acceptable child (true means none can be accepted), letting a
// worker skip link extraction entirely in that case.
func (e *Engine) IsAtMaxDepth(seedID int, depth, extraHops int) bool {
	e.mu.RLock()
	cs, ok := e.seeds[seedID]
	e.mu.RUnlock()
	if !ok {
		return true
	}
	maxDepth := cs.seed.MaxDepth
	if maxDepth < 0 {
		maxDepth = 1 << 30
	}
	if depth+1 <= maxDepth {
		return false
	}
	// A child could still be accepted out-of-scope if hops remain.
	return extraHops >= cs.seed.MaxExtraHops
}
