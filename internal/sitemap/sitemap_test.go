package sitemap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alicebob/miniredis/v2"

	"github.com/mossgate/tendril/internal/config"
	"github.com/mossgate/tendril/internal/fingerprint"
	"github.com/mossgate/tendril/internal/netfetch"
	"github.com/mossgate/tendril/internal/queue"
	"github.com/mossgate/tendril/internal/scope"
)

func newTestStore(t *testing.T) *queue.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.New(rdb, "sitemap-test", time.Minute)
}

func TestIngester_FlatSitemapQueuesInScopeURLs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
   <url><loc>` + "REPLACED" + `/a</loc></url>
   <url><loc>` + "REPLACED" + `/b</loc></url>
</urlset>`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/sitemap2.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
   <url><loc>` + ts.URL + `/a</loc></url>
   <url><loc>` + ts.URL + `/b</loc></url>
</urlset>`))
	})

	fetcher, err := netfetch.New(netfetch.Config{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	engine := scope.NewEngine()
	seed := config.Seed{SeedID: 1, URL: ts.URL + "/", ScopeType: config.ScopeHost}
	if err := engine.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	store := newTestStore(t)
	ing := New(fetcher, nil)

	ctx := context.Background()
	if err := ing.Ingest(ctx, seed, ts.URL+"/sitemap2.xml", time.Time{}, time.Time{}, engine, store, 0); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	size, err := store.QueueSize(ctx)
	if err != nil {
		t.Fatalf("queue size: %v", err)
	}
	if size != 2 {
		t.Errorf("expected 2 queued URLs, got %d", size)
	}

	done, err := store.IsSitemapDone(ctx, seed.SeedID)
	if err != nil {
		t.Fatalf("is sitemap done: %v", err)
	}
	if !done {
		t.Errorf("expected sitemap marked done")
	}
}

func TestIngester_InvalidXMLIsLoggedNotFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bad.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not xml at all"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	fetcher, _ := netfetch.New(netfetch.Config{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo})
	engine := scope.NewEngine()
	seed := config.Seed{SeedID: 7, URL: ts.URL + "/", ScopeType: config.ScopeHost}
	_ = engine.AddSeed(seed)

	store := newTestStore(t)
	ing := New(fetcher, nil)

	ctx := context.Background()
	if err := ing.Ingest(ctx, seed, ts.URL+"/bad.xml", time.Time{}, time.Time{}, engine, store, 0); err != nil {
		t.Fatalf("ingest should not return an error for a bad sitemap: %v", err)
	}

	done, _ := store.IsSitemapDone(ctx, seed.SeedID)
	if !done {
		t.Errorf("expected sitemap marked done even after a parse failure")
	}
}
