//go:build integration

// Package test exercises the crawl core end to end: CrawlStore backed by a
// real (in-process) Redis, ScopeEngine, WorkerPool/PageWorker driving
// browser.FakePool against an httptest fixture, and a PageRecord backend,
// the way the teacher's test/integration_test.go drove internal/scraper
// against a mock target server and an in-memory storage.Backend.
package test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mossgate/tendril/internal/browser"
	"github.com/mossgate/tendril/internal/config"
	"github.com/mossgate/tendril/internal/pagerecord"
	"github.com/mossgate/tendril/internal/queue"
	"github.com/mossgate/tendril/internal/scope"
	"github.com/mossgate/tendril/internal/worker"
)

// memBackend is an in-memory pagerecord.Backend for asserting on what a
// crawl recorded, mirroring the teacher's mockBackend shape.
type memBackend struct {
	mu      sync.Mutex
	records []*pagerecord.PageRecord
}

func (b *memBackend) Save(ctx context.Context, rec *pagerecord.PageRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *rec
	b.records = append(b.records, &cp)
	return nil
}

func (b *memBackend) Query(ctx context.Context, filter pagerecord.Filter) ([]*pagerecord.PageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*pagerecord.PageRecord(nil), b.records...), nil
}

func (b *memBackend) Close() error { return nil }

func (b *memBackend) byURL(url string) *pagerecord.PageRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.records {
		if r.URL == url {
			return r
		}
	}
	return nil
}

func (b *memBackend) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// newTestStore spins up an in-process miniredis instance and a queue.Store
// bound to it, cleaning both up at test end.
func newTestStore(t *testing.T, crawlID string) *queue.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.New(rdb, crawlID, 30*time.Second)
}

// baseConfig returns a Config with every sleep-based timing knob trimmed to
// near-zero, so PageWorker's navigate/net-idle/post-load waits don't slow
// the test down.
func baseConfig() config.Config {
	cfg := config.Config{
		Workers:         1,
		PageLoadTimeout: 2 * time.Second,
		BehaviorTimeout: 10 * time.Millisecond,
		NetIdleWait:     1 * time.Millisecond,
		PostLoadDelay:   0,
		WaitUntil:       config.WaitLoad,
	}
	return cfg.WithDefaults()
}

// runCrawl drives cfg's seeds to completion against pool/store/engine and
// returns the backend that recorded every finished page.
func runCrawl(t *testing.T, cfg config.Config, store *queue.Store, engine *scope.Engine, crawlID string) *memBackend {
	t.Helper()
	backend := &memBackend{}
	pool := browser.NewFakePool(nil)
	wp := worker.NewWorkerPool(cfg, store, engine, pool, backend, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wp.Run(ctx, crawlID); err != nil {
		t.Fatalf("worker pool run: %v", err)
	}
	return backend
}

// linkedSiteServer serves a small three-page site: "/" links to "/page1"
// and "/page2", both of which are leaves.
func linkedSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Home</title></head><body>
			<a href="/page1">One</a>
			<a href="/page2">Two</a>
			<a href="https://example.com/outside">Outside</a>
		</body></html>`)
	})
	mux.HandleFunc("/page1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>One</title></head><body>leaf</body></html>`)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Two</title></head><body>leaf</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCrawl_BasicDiscovery(t *testing.T) {
	srv := linkedSiteServer(t)
	crawlID := "crawl-basic"
	store := newTestStore(t, crawlID)

	// MaxExtraHops -1 means "extraHops(0) >= -1" is always true, so even a
	// single out-of-scope hop is rejected: the outside link below must never
	// be queued.
	seed := config.Seed{SeedID: 1, URL: srv.URL + "/", ScopeType: config.ScopeHost, MaxDepth: 2, MaxExtraHops: -1}
	engine := scope.NewEngine()
	if err := engine.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	if _, err := store.AddToQueue(context.Background(), queue.QueueEntry{
		URL: seed.URL, SeedID: seed.SeedID, Depth: 0, EnqueuedAt: time.Now().UTC(),
	}, 0); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	backend := runCrawl(t, baseConfig(), store, engine, crawlID)

	if got := backend.len(); got != 3 {
		t.Fatalf("expected 3 page records (home + 2 children), got %d", got)
	}
	for _, url := range []string{srv.URL + "/", srv.URL + "/page1", srv.URL + "/page2"} {
		rec := backend.byURL(url)
		if rec == nil {
			t.Fatalf("missing record for %s", url)
		}
		if rec.Status != pagerecord.StatusDone {
			t.Errorf("%s: status = %s, want done", url, rec.Status)
		}
	}
	if rec := backend.byURL("https://example.com/outside"); rec != nil {
		t.Fatalf("out-of-scope link should never have been queued, got a record for it")
	}
}

func TestCrawl_ExcludeWinsOverInclude(t *testing.T) {
	srv := linkedSiteServer(t)
	crawlID := "crawl-exclude"
	store := newTestStore(t, crawlID)

	seed := config.Seed{
		SeedID:    1,
		URL:       srv.URL + "/",
		ScopeType: config.ScopeHost,
		MaxDepth:  2,
		Exclude:   []string{`/page1$`},
	}
	engine := scope.NewEngine()
	if err := engine.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}
	if _, err := store.AddToQueue(context.Background(), queue.QueueEntry{
		URL: seed.URL, SeedID: seed.SeedID, Depth: 0, EnqueuedAt: time.Now().UTC(),
	}, 0); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	backend := runCrawl(t, baseConfig(), store, engine, crawlID)

	if rec := backend.byURL(srv.URL + "/page1"); rec != nil {
		t.Fatalf("page1 matches an exclude pattern and must not be crawled, got a record for it")
	}
	if rec := backend.byURL(srv.URL + "/page2"); rec == nil || rec.Status != pagerecord.StatusDone {
		t.Fatalf("page2 should have been crawled normally")
	}
}

func TestCrawl_PageLimitStopsEarly(t *testing.T) {
	srv := linkedSiteServer(t)
	crawlID := "crawl-pagelimit"
	store := newTestStore(t, crawlID)

	seed := config.Seed{SeedID: 1, URL: srv.URL + "/", ScopeType: config.ScopeHost, MaxDepth: 2}
	engine := scope.NewEngine()
	if err := engine.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}
	if _, err := store.AddToQueue(context.Background(), queue.QueueEntry{
		URL: seed.URL, SeedID: seed.SeedID, Depth: 0, EnqueuedAt: time.Now().UTC(),
	}, 1); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	cfg := baseConfig()
	cfg.PageLimit = 1
	backend := runCrawl(t, cfg, store, engine, crawlID)

	if got := backend.len(); got != 1 {
		t.Fatalf("pageLimit=1 should cap the crawl at one page, got %d records", got)
	}
}

func TestCrawl_DepthZeroRedirectCreatesExtraSeed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>New</title></head><body><a href="/new/child">Child</a></body></html>`)
	})
	mux.HandleFunc("/new/child", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Child</title></head><body>leaf</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	crawlID := "crawl-redirect"
	store := newTestStore(t, crawlID)

	seed := config.Seed{SeedID: 1, URL: srv.URL + "/old/", ScopeType: config.ScopeHost, MaxDepth: 2}
	engine := scope.NewEngine()
	if err := engine.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}
	if _, err := store.AddToQueue(context.Background(), queue.QueueEntry{
		URL: seed.URL, SeedID: seed.SeedID, Depth: 0, EnqueuedAt: time.Now().UTC(),
	}, 0); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	backend := runCrawl(t, baseConfig(), store, engine, crawlID)

	landed := backend.byURL(srv.URL + "/new/")
	if landed == nil {
		t.Fatalf("expected a record for the landed URL after redirect")
	}
	if landed.SeedID == seed.SeedID {
		t.Fatalf("landed page should have been reassigned to a new extra seed, still has the original seed id")
	}
	if _, ok := engine.Seed(landed.SeedID); !ok {
		t.Fatalf("extra seed %d should be registered with the scope engine", landed.SeedID)
	}

	child := backend.byURL(srv.URL + "/new/child")
	if child == nil {
		t.Fatalf("expected the redirect-landed page's own link to have been crawled")
	}
	if child.SeedID != landed.SeedID {
		t.Fatalf("child discovered from the landed page should inherit the extra seed, got seed %d want %d", child.SeedID, landed.SeedID)
	}

	extras, err := store.GetExtraSeeds(context.Background())
	if err != nil {
		t.Fatalf("get extra seeds: %v", err)
	}
	if len(extras) != 1 || extras[0].OrigSeedID != seed.SeedID {
		t.Fatalf("expected one extra seed derived from seed %d, got %+v", seed.SeedID, extras)
	}
}
