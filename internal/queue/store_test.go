package queue

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T, crawlID string, maxPageTime time.Duration) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, crawlID, maxPageTime)
}

func TestAddToQueue_DedupAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "dedup", time.Minute)

	res, err := s.AddToQueue(ctx, QueueEntry{URL: "http://s/a", Depth: 0}, 0)
	if err != nil || res != Added {
		t.Fatalf("first add: got (%v, %v), want (Added, nil)", res, err)
	}

	res, err = s.AddToQueue(ctx, QueueEntry{URL: "http://s/a", Depth: 0}, 0)
	if err != nil || res != DupeURL {
		t.Fatalf("duplicate add: got (%v, %v), want (DupeURL, nil)", res, err)
	}

	res, err = s.AddToQueue(ctx, QueueEntry{URL: "http://s/b", Depth: 1}, 1)
	if err != nil || res != LimitHit {
		t.Fatalf("over-limit add: got (%v, %v), want (LimitHit, nil)", res, err)
	}

	// LimitHit is sticky: even a URL that would otherwise be accepted is
	// now rejected without being added to the seen-set.
	res, err = s.AddToQueue(ctx, QueueEntry{URL: "http://s/c", Depth: 1}, 1)
	if err != nil || res != LimitHit {
		t.Fatalf("add after limit hit: got (%v, %v), want (LimitHit, nil)", res, err)
	}
}

func TestNextFromQueue_LockExclusivity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "exclusivity", time.Minute)

	if _, err := s.AddToQueue(ctx, QueueEntry{URL: "http://s/a", Depth: 0}, 0); err != nil {
		t.Fatalf("add: %v", err)
	}

	claim1, err := s.NextFromQueue(ctx, "worker-0")
	if err != nil || claim1 == nil {
		t.Fatalf("first claim: got (%v, %v), want a claim", claim1, err)
	}

	claim2, err := s.NextFromQueue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claim2 != nil {
		t.Fatalf("second worker claimed an already in-progress URL: %+v", claim2)
	}

	if err := s.MarkFinished(ctx, "http://s/a", claim1.Token); err != nil {
		t.Fatalf("mark finished: %v", err)
	}
	done, err := s.NumDone(ctx)
	if err != nil || done != 1 {
		t.Fatalf("numDone: got (%d, %v), want (1, nil)", done, err)
	}
}

// TestNextFromQueue_ReclaimsExpiredLockAndIgnoresStaleFinish covers spec.md
// §3's lock-reclamation invariant and §8 invariant 1: once a lock's deadline
// passes, a different worker may claim it, and the original worker's later
// markFinished (presenting the old token) must be a silent no-op rather than
// clobbering the reclaiming worker's outcome.
func TestNextFromQueue_ReclaimsExpiredLockAndIgnoresStaleFinish(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "reclaim", time.Millisecond)

	if _, err := s.AddToQueue(ctx, QueueEntry{URL: "http://s/a", Depth: 0}, 0); err != nil {
		t.Fatalf("add: %v", err)
	}

	staleClaim, err := s.NextFromQueue(ctx, "worker-0")
	if err != nil || staleClaim == nil {
		t.Fatalf("initial claim: got (%v, %v), want a claim", staleClaim, err)
	}

	time.Sleep(5 * time.Millisecond)

	freshClaim, err := s.NextFromQueue(ctx, "worker-1")
	if err != nil || freshClaim == nil {
		t.Fatalf("reclaim after deadline: got (%v, %v), want a claim", freshClaim, err)
	}
	if freshClaim.Token == staleClaim.Token {
		t.Fatalf("reclaimed claim should carry a fresh token, got the same one")
	}

	// The original worker never knew it lost the lock; its markFinished
	// still arrives with the stale token and must be ignored.
	if err := s.MarkFinished(ctx, "http://s/a", staleClaim.Token); err != nil {
		t.Fatalf("stale mark finished: %v", err)
	}
	if done, _ := s.NumDone(ctx); done != 0 {
		t.Fatalf("stale markFinished must not have moved the url to done, numDone=%d", done)
	}

	if err := s.MarkFinished(ctx, "http://s/a", freshClaim.Token); err != nil {
		t.Fatalf("fresh mark finished: %v", err)
	}
	if done, _ := s.NumDone(ctx); done != 1 {
		t.Fatalf("fresh markFinished should have moved the url to done, numDone=%d", done)
	}
}

func TestClearOwnPendingLocks_ScopesToOwnedWorkerIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "clear-own", time.Minute)

	for _, u := range []string{"http://s/a", "http://s/b"} {
		if _, err := s.AddToQueue(ctx, QueueEntry{URL: u, Depth: 0}, 0); err != nil {
			t.Fatalf("add %s: %v", u, err)
		}
	}

	if _, err := s.NextFromQueue(ctx, "worker-0"); err != nil {
		t.Fatalf("claim for worker-0: %v", err)
	}
	if _, err := s.NextFromQueue(ctx, "worker-5"); err != nil {
		t.Fatalf("claim for worker-5: %v", err)
	}

	// Only worker-0's lock belongs to this host's [0,1) range; worker-5's
	// lock belongs to a different, still-live replica and must survive.
	owns := func(workerID string) bool { return workerID == "worker-0" }
	if err := s.ClearOwnPendingLocks(ctx, owns); err != nil {
		t.Fatalf("clear own pending locks: %v", err)
	}

	size, err := s.QueueSize(ctx)
	if err != nil {
		t.Fatalf("queue size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected exactly the worker-0 lock to be requeued, queue size = %d", size)
	}

	pending, err := s.NumPending(ctx)
	if err != nil {
		t.Fatalf("num pending: %v", err)
	}
	if pending != 2 {
		t.Fatalf("expected worker-5's lock to still be in-progress, numPending = %d", pending)
	}
}

func TestClearOwnPendingLocks_NilOwnsIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "clear-nil", time.Minute)

	if _, err := s.AddToQueue(ctx, QueueEntry{URL: "http://s/a", Depth: 0}, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.NextFromQueue(ctx, "worker-0"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.ClearOwnPendingLocks(ctx, nil); err != nil {
		t.Fatalf("clear with nil owns: %v", err)
	}

	pending, err := s.NumPending(ctx)
	if err != nil || pending != 1 {
		t.Fatalf("expected the lock to remain untouched, numPending = (%d, %v)", pending, err)
	}
}

// TestSerializeLoad_RoundTrip covers spec.md §8 invariant 7: every piece of
// durable state (queue-by-depth, seen-set, terminal sets, extra seeds,
// sitemap-done flags, status, limitHit) survives a Serialize/Load cycle.
func TestSerializeLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, "roundtrip-src", time.Minute)

	for i, u := range []string{"http://s/a", "http://s/b", "http://s/c"} {
		if _, err := src.AddToQueue(ctx, QueueEntry{URL: u, Depth: i}, 0); err != nil {
			t.Fatalf("add %s: %v", u, err)
		}
	}
	doneClaim, err := src.NextFromQueue(ctx, "worker-0")
	if err != nil || doneClaim == nil {
		t.Fatalf("claim to finish: %v", err)
	}
	if err := src.MarkFinished(ctx, doneClaim.Entry.URL, doneClaim.Token); err != nil {
		t.Fatalf("mark finished: %v", err)
	}
	failClaim, err := src.NextFromQueue(ctx, "worker-0")
	if err != nil || failClaim == nil {
		t.Fatalf("claim to fail: %v", err)
	}
	if err := src.MarkFailed(ctx, failClaim.Entry.URL, failClaim.Token); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	newSeedID, err := src.AddExtraSeed(ctx, 1, "http://t/welcome")
	if err != nil {
		t.Fatalf("add extra seed: %v", err)
	}
	if err := src.MarkSitemapDone(ctx, newSeedID); err != nil {
		t.Fatalf("mark sitemap done: %v", err)
	}
	if err := src.SetStatus(ctx, StatusInterrupted); err != nil {
		t.Fatalf("set status: %v", err)
	}

	blob, err := src.Serialize(ctx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	dst := newTestStore(t, "roundtrip-dst", time.Minute)
	if err := dst.Load(ctx, blob, []int{1, newSeedID}, false); err != nil {
		t.Fatalf("load: %v", err)
	}

	reblob, err := dst.Serialize(ctx)
	if err != nil {
		t.Fatalf("re-serialize after load: %v", err)
	}

	if reblob.Status != blob.Status {
		t.Errorf("status: got %q, want %q", reblob.Status, blob.Status)
	}
	if len(reblob.Done) != len(blob.Done) || len(reblob.Failed) != len(blob.Failed) {
		t.Errorf("terminal sets: got done=%d failed=%d, want done=%d failed=%d",
			len(reblob.Done), len(reblob.Failed), len(blob.Done), len(blob.Failed))
	}

	pending, err := dst.GetPendingList(ctx)
	if err != nil {
		t.Fatalf("get pending list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly one still-queued url to survive, got %d", len(pending))
	}

	gotExtras, err := dst.GetExtraSeeds(ctx)
	if err != nil {
		t.Fatalf("get extra seeds: %v", err)
	}
	if len(gotExtras) != 1 || gotExtras[0].NewSeedID != newSeedID || gotExtras[0].URL != "http://t/welcome" {
		t.Fatalf("extra seeds did not round-trip: %+v", gotExtras)
	}

	sitemapDone, err := dst.IsSitemapDone(ctx, newSeedID)
	if err != nil {
		t.Fatalf("is sitemap done: %v", err)
	}
	if !sitemapDone {
		t.Fatalf("sitemap-done flag for extra seed %d did not round-trip", newSeedID)
	}

	gotSeen := append([]string(nil), reblob.Seen...)
	wantSeen := append([]string(nil), blob.Seen...)
	sort.Strings(gotSeen)
	sort.Strings(wantSeen)
	if len(gotSeen) != len(wantSeen) {
		t.Fatalf("seen-set size mismatch: got %d, want %d", len(gotSeen), len(wantSeen))
	}
	for i := range gotSeen {
		if gotSeen[i] != wantSeen[i] {
			t.Fatalf("seen-set mismatch at %d: got %q, want %q", i, gotSeen[i], wantSeen[i])
		}
	}
}
