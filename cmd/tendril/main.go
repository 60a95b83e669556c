// Command tendril runs one browser-driven crawl to completion. It wires the
// environment and flag surface spec.md §6 describes onto the crawl-core
// packages (queue.Store, browser.Pool, worker.WorkerPool,
// coordinator.CrawlCoordinator) and maps the coordinator's outcome onto the
// exit-code table in spec.md §6. Grounded on the teacher's pkg/httpclient
// construction style for assembling a fingerprinted transport out of a
// proxy/UA/rate-limit pool, generalized into the crawl core's full process
// entrypoint since the teacher shipped as a library with no cmd/ of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mossgate/tendril/internal/browser"
	"github.com/mossgate/tendril/internal/config"
	"github.com/mossgate/tendril/internal/coordinator"
	"github.com/mossgate/tendril/internal/fingerprint"
	"github.com/mossgate/tendril/internal/logging"
	"github.com/mossgate/tendril/internal/netfetch"
	"github.com/mossgate/tendril/internal/pagerecord"
	"github.com/mossgate/tendril/internal/pagerecord/csvbackend"
	"github.com/mossgate/tendril/internal/pagerecord/jsonbackend"
	"github.com/mossgate/tendril/internal/pagerecord/postgres"
	"github.com/mossgate/tendril/internal/pagerecord/sqlite"
	"github.com/mossgate/tendril/internal/queue"
	"github.com/mossgate/tendril/pkg/proxy"
	"github.com/mossgate/tendril/pkg/ratelimit"
	"github.com/mossgate/tendril/pkg/useragent"
)

// Exit codes, per spec.md §6.
const (
	exitNormal              = 0
	exitCrawlError          = 9
	exitBrowserCrashOnInt   = 10
	exitInterrupted         = 11
	exitInterruptedOnSerial = 13
	exitFatal               = 17
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		url           = flag.String("url", "", "single seed URL")
		seedFile      = flag.String("seedFile", "", "path to a newline-delimited seed file")
		collection    = flag.String("collection", "crawl", "collection name, used for output paths")
		cwd           = flag.String("cwd", ".", "working directory for archive/logs/collections")
		workers       = flag.Int("workers", 1, "number of concurrent PageWorkers")
		headless      = flag.Bool("headless", true, "run Chrome headless")
		pageLimit     = flag.Int("pageLimit", 0, "stop after this many pages (0 = unbounded)")
		scopeType     = flag.String("scopeType", string(config.ScopePage), "scope type for the -url seed")
		maxDepth      = flag.Int("depth", -1, "max crawl depth for the -url seed (-1 = unbounded)")
		storeBackend  = flag.String("store", "jsonbackend", "page record backend: jsonbackend, csvbackend, sqlite, postgres")
		storeDSN      = flag.String("storeDsn", "", "dsn/path for the chosen store backend")
		waitOnDone    = flag.Bool("waitOnDone", false, "park instead of exiting once the crawl reaches done")
		saveState     = flag.String("saveState", string(config.SaveStatePartial), "never, partial, or always")
	)
	flag.Parse()

	crawlID := os.Getenv("CRAWL_ID")
	if crawlID == "" {
		crawlID = uuid.NewString()
	}

	cfg := config.Config{
		PageLimit:  *pageLimit,
		Workers:    *workers,
		Headless:   *headless,
		Collection: *collection,
		Cwd:        *cwd,
		WaitOnDone: *waitOnDone,
		SaveState:  config.SaveStateMode(*saveState),
	}

	seeds, err := buildSeeds(*url, *seedFile, config.ScopeType(*scopeType), *maxDepth)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tendril:", err)
		return exitFatal
	}
	cfg.Seeds = seeds
	cfg = cfg.WithDefaults()

	logsDir := filepath.Join(cfg.Cwd, "collections", cfg.Collection, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "tendril: create logs dir:", err)
		return exitFatal
	}
	logFile, err := os.Create(filepath.Join(logsDir, fmt.Sprintf("crawl-%s.log", time.Now().UTC().Format("20060102T150405Z"))))
	if err != nil {
		fmt.Fprintln(os.Stderr, "tendril: create log file:", err)
		return exitFatal
	}
	defer logFile.Close()
	logger := logging.New(logging.Options{Output: logFile, Level: slog.LevelInfo})
	logging.SetDefault(logger)

	rdb, err := connectRedis()
	if err != nil {
		logger.Error(logging.CtxState, "redis connect failed", map[string]any{"error": err.Error()})
		return exitFatal
	}
	defer rdb.Close()

	store := queue.New(rdb, crawlID, cfg.PageLoadTimeout+cfg.BehaviorTimeout+2*time.Second)

	backend, err := buildBackend(*storeBackend, *storeDSN, cfg)
	if err != nil {
		logger.Error(logging.CtxState, "page record backend init failed", map[string]any{"error": err.Error()})
		return exitFatal
	}

	fetcher, err := buildFetcher(cfg)
	if err != nil {
		logger.Error(logging.CtxState, "fetcher init failed", map[string]any{"error": err.Error()})
		return exitFatal
	}

	chromeCfg := browser.ChromeConfig{Headless: cfg.Headless, UserAgent: cfg.UserAgent}
	if geom := os.Getenv("GEOMETRY"); geom != "" {
		if w, h, ok := parseGeometry(geom); ok {
			chromeCfg.WindowW, chromeCfg.WindowH = w, h
		}
	}
	pool, err := browser.NewChromePool(chromeCfg)
	if err != nil {
		logger.Error(logging.CtxState, "chrome pool launch failed", map[string]any{"error": err.Error()})
		return exitFatal
	}

	checkpointDir := filepath.Join(cfg.Cwd, "collections", cfg.Collection, "collections")

	crd, err := coordinator.New(cfg, crawlID, store, pool, backend, fetcher, logger, checkpointDir)
	if err != nil {
		logger.Error(logging.CtxState, "coordinator init failed", map[string]any{"error": err.Error()})
		return exitFatal
	}

	if err := crd.Run(context.Background()); err != nil {
		logger.Error(logging.CtxCrawlStatus, "crawl exited with error", map[string]any{"error": err.Error()})
		return exitCrawlError
	}
	return exitNormal
}

// buildSeeds assembles the configured seed list from a single -url flag, a
// -seedFile, or both, numbering SeedIDs in encounter order.
func buildSeeds(seedURL, seedFile string, scopeType config.ScopeType, maxDepth int) ([]config.Seed, error) {
	var urls []string
	if seedURL != "" {
		urls = append(urls, seedURL)
	}
	if seedFile != "" {
		fromFile, err := config.LoadSeedFile(seedFile)
		if err != nil {
			return nil, fmt.Errorf("load seed file: %w", err)
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no seeds given: pass -url or -seedFile")
	}

	seeds := make([]config.Seed, 0, len(urls))
	for i, u := range urls {
		seeds = append(seeds, config.Seed{
			SeedID:        i + 1,
			URL:           u,
			ScopeType:     scopeType,
			MaxDepth:      maxDepth,
			RespectRobots: true,
		})
	}
	return seeds, nil
}

// buildBackend opens the configured page-record store.
func buildBackend(kind, dsn string, cfg config.Config) (pagerecord.Backend, error) {
	outDir := filepath.Join(cfg.Cwd, "collections", cfg.Collection, "archive")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	switch kind {
	case "csvbackend":
		path := dsn
		if path == "" {
			path = filepath.Join(outDir, "pages.csv")
		}
		return csvbackend.New(path)
	case "sqlite":
		path := dsn
		if path == "" {
			path = filepath.Join(outDir, "pages.sqlite")
		}
		return sqlite.New(path)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres backend requires -storeDsn")
		}
		return postgres.New(context.Background(), dsn)
	default:
		path := dsn
		if path == "" {
			path = filepath.Join(outDir, "pages.ndjson")
		}
		return jsonbackend.New(path)
	}
}

// buildFetcher assembles the plain-HTTP fetcher used for sitemap and
// robots.txt requests, wiring the TLS-fingerprinted transport plus the
// proxy/user-agent/rate-limit pools the way the teacher's
// pkg/httpclient assembled its own client.
func buildFetcher(cfg config.Config) (*netfetch.Fetcher, error) {
	uaPool := useragent.NewPool(nil)
	proxyPool := proxy.NewPool(proxy.Config{})
	limiter := ratelimit.NewLimiter(2, 0.5)

	return netfetch.New(netfetch.Config{
		Timeout:      cfg.PageLoadTimeout,
		MaxRedirects: 10,
		UseCookieJar: true,
		ProxyPool:    proxyPool,
		UAPool:       uaPool,
		Fingerprint:  fingerprint.ProfileChrome,
		Limiter:      limiter,
	})
}

// connectRedis dials REDIS_URL, falling back to REDIS_URL_DOCKER, per
// spec.md §6's environment table.
func connectRedis() (*redis.Client, error) {
	raw := os.Getenv("REDIS_URL")
	if raw == "" {
		raw = os.Getenv("REDIS_URL_DOCKER")
	}
	if raw == "" {
		raw = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// parseGeometry parses the "WxH" form GEOMETRY carries.
func parseGeometry(geom string) (int, int, bool) {
	parts := strings.SplitN(geom, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
