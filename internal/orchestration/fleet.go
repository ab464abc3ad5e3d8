package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
)

// ErrWorkerActive indicates a runner for the key is already running in this
// process.
var ErrWorkerActive = errors.New("worker already active")

// Fleet runs one Runner per worker key in parallel. Units within a key stay
// sequential; parallelism exists only across keys.
type Fleet struct {
	proc        UnitProcessor
	store       checkpoint.Store
	queue       *Queue
	runnerOpts  []RunnerOption
	parallelism int
	limits      map[domain.WorkerKey]int
	logger      *slog.Logger

	mu     sync.Mutex
	active map[domain.WorkerKey]struct{}
}

// FleetOption configures a Fleet.
type FleetOption func(*Fleet)

// WithParallelism caps how many runners execute at once. Zero means one per
// key.
func WithParallelism(n int) FleetOption {
	return func(f *Fleet) { f.parallelism = n }
}

// WithRunnerOptions applies opts to every runner the fleet starts.
func WithRunnerOptions(opts ...RunnerOption) FleetOption {
	return func(f *Fleet) { f.runnerOpts = append(f.runnerOpts, opts...) }
}

// WithSampleLimits sets per-worker sample limits used when Run is called
// without an explicit limit.
func WithSampleLimits(limits map[domain.WorkerKey]int) FleetOption {
	return func(f *Fleet) { f.limits = limits }
}

// NewFleet returns a Fleet.
func NewFleet(proc UnitProcessor, store checkpoint.Store, queue *Queue, opts ...FleetOption) *Fleet {
	f := &Fleet{
		proc:   proc,
		store:  store,
		queue:  queue,
		logger: slog.Default().With("component", "fleet"),
		active: make(map[domain.WorkerKey]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run populates and drains a queue for every key. limit overrides the
// configured per-worker limits when positive. One worker's failure does not
// stop the others; all failures are returned combined.
func (f *Fleet) Run(ctx context.Context, keys []domain.WorkerKey, limit int) (map[domain.WorkerKey]RunStats, error) {
	var (
		mu      sync.Mutex
		results = make(map[domain.WorkerKey]RunStats, len(keys))
		errs    error
	)
	record := func(key domain.WorkerKey, stats RunStats, err error) {
		mu.Lock()
		defer mu.Unlock()
		results[key] = stats
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("worker %s: %w", key, err))
		}
	}

	var g errgroup.Group
	if f.parallelism > 0 {
		g.SetLimit(f.parallelism)
	}
	seen := make(map[domain.WorkerKey]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if !f.claim(key) {
			record(key, RunStats{Key: key}, ErrWorkerActive)
			continue
		}
		g.Go(func() error {
			defer f.release(key)
			stats, err := f.runOne(ctx, key, f.limitFor(key, limit))
			record(key, stats, err)
			return nil
		})
	}
	_ = g.Wait()

	f.logger.Info("fleet finished", "workers", len(results), "failed", len(multierr.Errors(errs)))
	return results, errs
}

// Active reports the keys with a running runner.
func (f *Fleet) Active() []domain.WorkerKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]domain.WorkerKey, 0, len(f.active))
	for k := range f.active {
		keys = append(keys, k)
	}
	return keys
}

func (f *Fleet) runOne(ctx context.Context, key domain.WorkerKey, limit int) (RunStats, error) {
	units, _, err := f.queue.PopulateQueue(ctx, key, limit)
	if err != nil {
		return RunStats{Key: key}, err
	}
	return NewRunner(key, f.proc, f.store, f.runnerOpts...).Run(ctx, units)
}

func (f *Fleet) limitFor(key domain.WorkerKey, override int) int {
	if override > 0 {
		return override
	}
	return f.limits[key]
}

func (f *Fleet) claim(key domain.WorkerKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[key]; ok {
		return false
	}
	f.active[key] = struct{}{}
	return true
}

func (f *Fleet) release(key domain.WorkerKey) {
	f.mu.Lock()
	delete(f.active, key)
	f.mu.Unlock()
}
