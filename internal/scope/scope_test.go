package scope

import (
	"errors"
	"testing"

	"github.com/mossgate/tendril/internal/config"
)

// TestIsIncluded_DepthLimit covers spec.md §8 scenario 1: a prefix-scoped
// seed with maxDepth=1 accepts children at depth<=1 and rejects anything a
// hop further out.
func TestIsIncluded_DepthLimit(t *testing.T) {
	e := NewEngine()
	seed := config.Seed{SeedID: 1, URL: "http://s/a", ScopeType: config.ScopePrefix, MaxDepth: 1}
	if err := e.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	// /b and /c are discovered from the seed page itself, at depth 1.
	for _, u := range []string{"http://s/b", "http://s/c"} {
		d, err := e.IsIncluded(1, u, 1, 0, false)
		if err != nil {
			t.Errorf("IsIncluded(%s, depth=1): unexpected reject: %v", u, err)
		}
		if d.IsOOS {
			t.Errorf("IsIncluded(%s): expected in-scope, got isOOS=true", u)
		}
	}

	// /d is discovered from /b, at depth 2 — beyond maxDepth=1.
	if _, err := e.IsIncluded(1, "http://s/d", 2, 0, false); !errors.Is(err, ErrRejected) {
		t.Errorf("IsIncluded(/d, depth=2): expected rejection past maxDepth, got %v", err)
	}
}

// TestIsIncluded_ExtraHopsBoundary covers spec.md §8 scenario 2: with
// maxExtraHops=1, a single out-of-scope hop is accepted and consumes the
// budget, but a second consecutive out-of-scope hop is rejected.
func TestIsIncluded_ExtraHopsBoundary(t *testing.T) {
	e := NewEngine()
	seed := config.Seed{SeedID: 1, URL: "http://s/", ScopeType: config.ScopeHost, MaxExtraHops: 1}
	if err := e.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	// http://other/x is discovered from the in-scope seed page, extraHops=0
	// on the parent, so this hop is still within budget.
	d, err := e.IsIncluded(1, "http://other/x", 1, 0, false)
	if err != nil {
		t.Fatalf("IsIncluded(/x): expected acceptance as an extra hop, got reject: %v", err)
	}
	if !d.IsOOS {
		t.Fatalf("IsIncluded(/x): expected isOOS=true")
	}

	// The extractor would enqueue /x with extraHops=parent(0)+1=1. /y is
	// discovered from /x, so the call carries that same extraHops=1 — a
	// second out-of-scope hop, which must be rejected since maxExtraHops=1.
	if _, err := e.IsIncluded(1, "http://other/y", 2, 1, false); !errors.Is(err, ErrRejected) {
		t.Fatalf("IsIncluded(/y, extraHops=1): expected rejection (would need extraHops=2), got %v", err)
	}
}

// TestIsIncluded_ExcludeWinsOverInclude covers spec.md §8 scenario 3: an
// exclude pattern rejects a URL even though it matches the seed's include
// scope.
func TestIsIncluded_ExcludeWinsOverInclude(t *testing.T) {
	e := NewEngine()
	seed := config.Seed{SeedID: 1, URL: "http://s/", ScopeType: config.ScopeHost, MaxDepth: -1, Exclude: []string{"/admin/"}}
	if err := e.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	d, err := e.IsIncluded(1, "http://s/public", 1, 0, false)
	if err != nil {
		t.Fatalf("IsIncluded(/public): unexpected reject: %v", err)
	}
	if d.IsOOS {
		t.Errorf("IsIncluded(/public): expected in-scope, not out-of-scope")
	}

	if _, err := e.IsIncluded(1, "http://s/admin/login", 1, 0, false); !errors.Is(err, ErrRejected) {
		t.Fatalf("IsIncluded(/admin/login): expected rejection by exclude pattern, got %v", err)
	}
}

// TestIsIncluded_SeedURLAlwaysAccepted covers the direct-equality short
// circuit: the seed URL itself is always in scope, regardless of its
// derived include pattern.
func TestIsIncluded_SeedURLAlwaysAccepted(t *testing.T) {
	e := NewEngine()
	seed := config.Seed{SeedID: 1, URL: "http://s/only", ScopeType: config.ScopePage}
	if err := e.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	d, err := e.IsIncluded(1, "http://s/only", 0, 0, false)
	if err != nil {
		t.Fatalf("IsIncluded(seed url): unexpected reject: %v", err)
	}
	if d.IsOOS {
		t.Errorf("IsIncluded(seed url): expected isOOS=false")
	}

	if _, err := e.IsIncluded(1, "http://s/other", 1, 0, false); !errors.Is(err, ErrRejected) {
		t.Fatalf("IsIncluded(/other) under scope=page: expected rejection, got %v", err)
	}
}

// TestIsAtMaxDepth_ExtraHopsBudget mirrors the extra-hops ceiling check
// IsIncluded applies, confirming IsAtMaxDepth's own >= comparison (scope.go
// already used it) agrees with IsIncluded's.
func TestIsAtMaxDepth_ExtraHopsBudget(t *testing.T) {
	e := NewEngine()
	// MaxDepth=0 means depth+1 already exceeds it at depth=0, so whether a
	// page at depth 0 is "at max depth" comes down entirely to whether an
	// out-of-scope hop is still available.
	seed := config.Seed{SeedID: 1, URL: "http://s/", ScopeType: config.ScopeHost, MaxDepth: 0, MaxExtraHops: 1}
	if err := e.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	if e.IsAtMaxDepth(1, 0, 0) {
		t.Errorf("IsAtMaxDepth(depth=0, extraHops=0): expected false, an extra hop is still available")
	}
	if !e.IsAtMaxDepth(1, 0, 1) {
		t.Errorf("IsAtMaxDepth(depth=0, extraHops=1): expected true, extra-hop budget is exhausted")
	}
}
