package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
)

// Runner defaults.
const (
	DefaultMaxResubmits           = 3
	DefaultMaxConsecutiveFailures = 5
	DefaultPausePoll              = 2 * time.Second
)

// ErrTooManyFailures stops a runner after repeated unexpected failures.
var ErrTooManyFailures = errors.New("too many consecutive failures")

// UnitProcessor is the per-unit state machine. *Processor satisfies it.
type UnitProcessor interface {
	Process(ctx context.Context, unit domain.UnitOfWork) (Result, error)
	RecordTerminal(ctx context.Context, unit domain.UnitOfWork, reason string) (Result, error)
}

// Control tells a runner whether to keep pulling units.
type Control interface {
	Status(ctx context.Context, key domain.WorkerKey) (domain.WorkerStatus, error)
}

// StoreControl reads the desired status from the worker registration record,
// so pause and stop requests can come from any process.
type StoreControl struct {
	Store checkpoint.Store
}

// Status implements Control.
func (c StoreControl) Status(ctx context.Context, key domain.WorkerKey) (domain.WorkerStatus, error) {
	st, err := c.Store.WorkerState(ctx, key)
	if err != nil {
		return domain.WorkerUnknown, err
	}
	return st.Status, nil
}

// Gate is an in-process Control.
type Gate struct {
	mu     sync.RWMutex
	status map[domain.WorkerKey]domain.WorkerStatus
}

// NewGate returns a Gate with every worker running.
func NewGate() *Gate {
	return &Gate{status: make(map[domain.WorkerKey]domain.WorkerStatus)}
}

// Pause asks the worker to stop after its in-flight unit.
func (g *Gate) Pause(key domain.WorkerKey) { g.set(key, domain.WorkerPaused) }

// Resume lets a paused worker continue.
func (g *Gate) Resume(key domain.WorkerKey) { g.set(key, domain.WorkerRunning) }

// Stop makes the worker exit after its in-flight unit.
func (g *Gate) Stop(key domain.WorkerKey) { g.set(key, domain.WorkerStopped) }

func (g *Gate) set(key domain.WorkerKey, st domain.WorkerStatus) {
	g.mu.Lock()
	g.status[key] = st
	g.mu.Unlock()
}

// Status implements Control.
func (g *Gate) Status(_ context.Context, key domain.WorkerKey) (domain.WorkerStatus, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if st, ok := g.status[key]; ok {
		return st, nil
	}
	return domain.WorkerRunning, nil
}

// RunStats summarizes one runner pass over its queue.
type RunStats struct {
	Key       domain.WorkerKey `json:"key"`
	Queued    int              `json:"queued"`
	Processed int64            `json:"processed"`
	Succeeded int              `json:"succeeded"`
	Malformed int              `json:"malformed"`
	Errors    int              `json:"errors"`
	Skipped   int              `json:"skipped"`
	Resubmits int              `json:"resubmits"`
	Stopped   bool             `json:"stopped"`
}

// Add counts one processed unit with the given outcome.
func (s *RunStats) Add(status domain.TaskStatus) {
	s.Processed++
	switch status {
	case domain.TaskSuccess:
		s.Succeeded++
	case domain.TaskMalformed:
		s.Malformed++
	case domain.TaskSkipped:
		s.Skipped++
	default:
		s.Errors++
	}
}

// Runner processes one worker's queue strictly in order. Retry outcomes are
// slept out and the same unit is re-submitted; pause is honored only between
// units.
type Runner struct {
	key          domain.WorkerKey
	proc         UnitProcessor
	store        checkpoint.Store
	control      Control
	handle       string
	maxResubmits int
	maxFailures  int
	pausePoll    time.Duration
	sleep        func(context.Context, time.Duration) error
	logger       *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithControl replaces the pause/stop source. The default reads the worker
// registration record.
func WithControl(c Control) RunnerOption {
	return func(r *Runner) { r.control = c }
}

// WithMaxResubmits bounds how often one unit is re-submitted after Retry
// outcomes before it is recorded as terminal.
func WithMaxResubmits(n int) RunnerOption {
	return func(r *Runner) {
		if n >= 0 {
			r.maxResubmits = n
		}
	}
}

// WithMaxConsecutiveFailures stops the runner after n unexpected failures in
// a row. Zero disables the limit.
func WithMaxConsecutiveFailures(n int) RunnerOption {
	return func(r *Runner) { r.maxFailures = n }
}

// WithPausePoll sets how often a paused runner re-checks its status.
func WithPausePoll(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.pausePoll = d
		}
	}
}

// WithProcessHandle sets the handle stored in the worker record.
func WithProcessHandle(h string) RunnerOption {
	return func(r *Runner) { r.handle = h }
}

// WithSleeper replaces the context-aware sleep used for retry delays and
// pause polling.
func WithSleeper(fn func(context.Context, time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = fn }
}

// NewRunner returns a Runner for key.
func NewRunner(key domain.WorkerKey, proc UnitProcessor, store checkpoint.Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		key:          key,
		proc:         proc,
		store:        store,
		control:      StoreControl{Store: store},
		handle:       strconv.Itoa(os.Getpid()),
		maxResubmits: DefaultMaxResubmits,
		maxFailures:  DefaultMaxConsecutiveFailures,
		pausePoll:    DefaultPausePoll,
		sleep:        sleepCtx,
		logger:       slog.Default().With("component", "runner", "worker", key.String()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run registers the worker and processes queue in order. It returns when the
// queue is drained, the worker is stopped, ctx ends, or failures pile up.
func (r *Runner) Run(ctx context.Context, queue []domain.UnitOfWork) (stats RunStats, err error) {
	stats = RunStats{Key: r.key, Queued: len(queue)}
	if err := r.store.RegisterWorker(ctx, r.key, r.handle); err != nil {
		return stats, fmt.Errorf("register worker %s: %w", r.key, err)
	}
	r.logger.Info("worker started", "queued", len(queue))

	defer func() {
		final := domain.WorkerStopped
		if err != nil && !errors.Is(err, context.Canceled) {
			final = domain.WorkerError
		}
		// The worker record must reflect the exit even when ctx is done.
		if uerr := r.store.UpdateWorkerStatus(context.WithoutCancel(ctx), r.key, final); uerr != nil {
			r.logger.Warn("failed to record final worker status", "status", string(final), "error", uerr)
		}
		r.logger.Info("worker finished",
			"status", string(final),
			"processed", stats.Processed,
			"succeeded", stats.Succeeded,
			"malformed", stats.Malformed,
			"errors", stats.Errors)
	}()

	failures := 0
	for _, unit := range queue {
		runnable, err := r.awaitRunnable(ctx)
		if err != nil {
			return stats, err
		}
		if !runnable {
			stats.Stopped = true
			return stats, nil
		}

		res, err := r.processUnit(ctx, unit, &stats)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stats, ctxErr
			}
		}
		stats.Add(res.Status)
		r.heartbeat(ctx, stats.Processed)

		if err == nil {
			failures = 0
			continue
		}
		failures++
		r.logger.Error("unit failed", "sample_id", unit.SampleID, "consecutive_failures", failures, "error", err)
		if r.maxFailures > 0 && failures >= r.maxFailures {
			return stats, fmt.Errorf("worker %s: %w: %w", r.key, ErrTooManyFailures, err)
		}
	}
	return stats, nil
}

// processUnit submits unit until it leaves the retry state.
func (r *Runner) processUnit(ctx context.Context, unit domain.UnitOfWork, stats *RunStats) (Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := r.proc.Process(ctx, unit)
		if err != nil || res.Status != domain.TaskRetry {
			return res, err
		}
		if attempt >= r.maxResubmits {
			reason := fmt.Sprintf("re-submission limit %d reached: %s", r.maxResubmits, res.Error)
			return r.proc.RecordTerminal(ctx, unit, reason)
		}
		stats.Resubmits++
		r.logger.Info("re-submitting unit",
			"sample_id", unit.SampleID,
			"attempt", attempt+1,
			"retry_after", res.RetryAfter)
		if err := r.sleep(ctx, res.RetryAfter); err != nil {
			return Result{SampleID: unit.SampleID, State: StatePending}, err
		}
	}
}

// awaitRunnable blocks while the worker is paused. It reports false when the
// worker was stopped. Control read errors do not stall the worker.
func (r *Runner) awaitRunnable(ctx context.Context) (bool, error) {
	logged := false
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		st, err := r.control.Status(ctx, r.key)
		if err != nil {
			r.logger.Warn("failed to read worker control status", "error", err)
			return true, nil
		}
		switch st {
		case domain.WorkerStopped:
			r.logger.Info("worker stop requested")
			return false, nil
		case domain.WorkerPaused:
			if !logged {
				r.logger.Info("worker paused")
				logged = true
			}
			if err := r.sleep(ctx, r.pausePoll); err != nil {
				return false, err
			}
		default:
			if logged {
				r.logger.Info("worker resumed")
			}
			return true, nil
		}
	}
}

func (r *Runner) heartbeat(ctx context.Context, processed int64) {
	if err := r.store.Heartbeat(ctx, r.key, processed); err != nil {
		r.logger.Warn("heartbeat failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
