// workerpool.go holds WorkerPool (spec.md §4.7): spawns the configured
// number of PageWorkers with sequential IDs derived from this replica's
// ordinal, runs them concurrently, and waits for every one to exit before
// releasing the shared browser. Grounded on cametumbling-web-crawler's
// coordinator.go WaitGroup/worker-exit-tracking shape, generalized from a
// fixed in-process worker count to one derived from the host's ordinal in a
// stateful replica set.
package worker

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/mossgate/tendril/internal/browser"
	"github.com/mossgate/tendril/internal/config"
	"github.com/mossgate/tendril/internal/logging"
	"github.com/mossgate/tendril/internal/pagerecord"
	"github.com/mossgate/tendril/internal/queue"
	"github.com/mossgate/tendril/internal/scope"
)

var hostOrdinalRe = regexp.MustCompile(`-(\d+)$`)

// HostOrdinal parses the trailing "-N" suffix off hostname (the StatefulSet
// pod-ordinal convention), returning 0 if hostname carries none.
func HostOrdinal(hostname string) int {
	m := hostOrdinalRe.FindStringSubmatch(hostname)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

var workerIDRe = regexp.MustCompile(`^worker-(\d+)$`)

// ownsWorkerID reports whether workerID falls in this host's assigned
// [offset, offset+n) range, i.e. whether this host could have spawned it.
// Used to scope ClearOwnPendingLocks to locks this host itself left
// dangling, never another live replica's (spec §4.2, §4.7).
func ownsWorkerID(offset, n int, workerID string) bool {
	m := workerIDRe.FindStringSubmatch(workerID)
	if m == nil {
		return false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	return id >= offset && id < offset+n
}

// WorkerPool runs cfg.Workers PageWorkers concurrently against one shared
// browser.Pool, per spec.md §4.7.
type WorkerPool struct {
	cfg     config.Config
	store   *queue.Store
	engine  *scope.Engine
	pool    browser.Pool
	backend pagerecord.Backend
	logger  *logging.Logger

	onPageFinished func()
}

// NewWorkerPool builds a WorkerPool. backend and onPageFinished may be nil.
func NewWorkerPool(cfg config.Config, store *queue.Store, engine *scope.Engine, pool browser.Pool, backend pagerecord.Backend, logger *logging.Logger, onPageFinished func()) *WorkerPool {
	if logger == nil {
		logger = logging.Default()
	}
	return &WorkerPool{cfg: cfg, store: store, engine: engine, pool: pool, backend: backend, logger: logger, onPageFinished: onPageFinished}
}

// Run spawns cfg.Workers PageWorkers with IDs [offset, offset+N), offset
// derived from the process hostname's ordinal against crawlID, and blocks
// until every worker has exited. It always closes the shared browser pool
// before returning, even on error.
func (p *WorkerPool) Run(ctx context.Context, crawlID string) error {
	hostname, _ := os.Hostname()
	offset := HostOrdinal(hostname) * p.cfg.Workers

	n := p.cfg.Workers
	if n <= 0 {
		n = 1
	}

	if err := p.store.ClearOwnPendingLocks(ctx, func(workerID string) bool {
		return ownsWorkerID(offset, n, workerID)
	}); err != nil {
		p.logger.Warn(logging.CtxWorker, "clear stale locks failed", map[string]any{"error": err.Error()})
	}

	p.logger.Info(logging.CtxWorker, "worker pool starting", map[string]any{"crawlId": crawlID, "count": n, "offset": offset})

	var g errgroup.Group
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("worker-%d", offset+i)
		w := NewPageWorker(id, p.cfg, p.store, p.engine, p.pool, p.backend, p.logger, p.onPageFinished)
		g.Go(func() error { return w.Run(ctx) })
	}

	runErr := g.Wait()
	closeErr := p.pool.Close(ctx)

	if runErr != nil {
		p.logger.Error(logging.CtxWorker, "worker pool exiting with error", map[string]any{"error": runErr.Error()})
		return runErr
	}
	if closeErr != nil {
		return fmt.Errorf("close browser pool: %w", closeErr)
	}
	return nil
}
