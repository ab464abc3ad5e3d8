// Package monitor checks worker health from the coordination store, task
// metrics and the durable records, and flags workers that stalled or keep
// failing.
package monitor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/metrics"
	"github.com/ahrav/go-annotator/internal/storage"
)

// Health thresholds.
const (
	DefaultStaleAfter = 60 * time.Second
	// DefaultMaxErrorRate is the error plus malformed fraction above which a
	// worker is unhealthy.
	DefaultMaxErrorRate = 0.10
	// DefaultErrorWorkerRate is the default DetectErrorWorkers threshold.
	DefaultErrorWorkerRate = 0.20
	// MinTasksForErrorRate is the sample size DetectErrorWorkers needs before
	// judging a worker.
	MinTasksForErrorRate = 10
	// LargeRecordBytes marks a durable record worth warning about.
	LargeRecordBytes = 100 << 20

	// MaxRestartsPerHour throttles Recover per worker.
	MaxRestartsPerHour = 3

	warmup    = time.Minute
	idleLimit = 5 * time.Minute
)

// Check names used in Health.Checks.
const (
	CheckHeartbeat  = "heartbeat"
	CheckCompletion = "completion_rate"
	CheckErrorRate  = "error_rate"
	CheckRecord     = "durable_record"
)

// Result is the outcome of one check.
type Result string

// Check results.
const (
	ResultPass      Result = "PASS"
	ResultFail      Result = "FAIL"
	ResultPending   Result = "PENDING"
	ResultNoData    Result = "NO_DATA"
	ResultNoFile    Result = "NO_FILE"
	ResultCorrupted Result = "CORRUPTED"
	ResultError     Result = "ERROR"
)

// Health is the outcome of CheckWorker.
type Health struct {
	Key            domain.WorkerKey  `json:"key"`
	Healthy        bool              `json:"healthy"`
	Checks         map[string]Result `json:"checks"`
	Issues         []string          `json:"issues,omitempty"`
	HeartbeatAge   time.Duration     `json:"heartbeat_age"`
	TasksPerMinute float64           `json:"tasks_per_minute"`
	ErrorRate      float64           `json:"error_rate"`
	RecordRows     int               `json:"record_rows"`
	CheckedAt      time.Time         `json:"checked_at"`
}

func (h *Health) fail(check string, r Result, issue string) {
	h.Checks[check] = r
	h.Healthy = false
	if issue != "" {
		h.Issues = append(h.Issues, issue)
	}
}

// Restarter relaunches a worker.
type Restarter func(ctx context.Context, key domain.WorkerKey) error

// Monitor inspects workers. It is safe for concurrent use.
type Monitor struct {
	store        checkpoint.Store
	records      storage.RecordStore
	sink         metrics.Sink
	client       redis.UniversalClient
	staleAfter   time.Duration
	maxErrorRate float64
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.Mutex
	restarts map[domain.WorkerKey][]time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithStaleAfter sets the heartbeat age after which a worker is stale.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithMaxErrorRate sets the unhealthy error fraction.
func WithMaxErrorRate(rate float64) Option {
	return func(m *Monitor) { m.maxErrorRate = rate }
}

// WithRedisInfo adds Redis server statistics to SystemMetrics.
func WithRedisInfo(client redis.UniversalClient) Option {
	return func(m *Monitor) { m.client = client }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New returns a Monitor.
func New(store checkpoint.Store, records storage.RecordStore, sink metrics.Sink, opts ...Option) *Monitor {
	m := &Monitor{
		store:        store,
		records:      records,
		sink:         sink,
		staleAfter:   DefaultStaleAfter,
		maxErrorRate: DefaultMaxErrorRate,
		now:          time.Now,
		logger:       slog.Default().With("component", "monitor"),
		restarts:     make(map[domain.WorkerKey][]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckWorker runs every health check for key. A worker is healthy only when
// it is registered and no check failed.
func (m *Monitor) CheckWorker(ctx context.Context, key domain.WorkerKey) (Health, error) {
	now := m.now()
	h := Health{Key: key, Healthy: true, Checks: make(map[string]Result), CheckedAt: now}

	w, err := m.store.WorkerState(ctx, key)
	if errors.Is(err, domain.ErrWorkerNotFound) {
		h.Healthy = false
		h.Issues = append(h.Issues, "worker not registered")
		return h, nil
	}
	if err != nil {
		return h, fmt.Errorf("check worker %s: %w", key, err)
	}

	m.checkHeartbeat(&h, w, now)
	m.checkCompletion(&h, w, now)
	if err := m.checkErrorRate(ctx, &h); err != nil {
		return h, err
	}
	m.checkRecord(ctx, &h)
	return h, nil
}

func (m *Monitor) checkHeartbeat(h *Health, w domain.WorkerState, now time.Time) {
	if w.LastHeartbeat.IsZero() {
		h.fail(CheckHeartbeat, ResultFail, "no heartbeat recorded")
		return
	}
	h.HeartbeatAge = w.HeartbeatAge(now)
	if h.HeartbeatAge > m.staleAfter {
		h.fail(CheckHeartbeat, ResultFail, fmt.Sprintf("heartbeat stale (%.0fs old)", h.HeartbeatAge.Seconds()))
		return
	}
	h.Checks[CheckHeartbeat] = ResultPass
}

// checkCompletion fails a worker that processed nothing after idleLimit.
func (m *Monitor) checkCompletion(h *Health, w domain.WorkerState, now time.Time) {
	if w.StartedAt.IsZero() {
		h.Checks[CheckCompletion] = ResultNoData
		return
	}
	elapsed := now.Sub(w.StartedAt)
	if elapsed < warmup {
		h.Checks[CheckCompletion] = ResultPending
		return
	}
	h.TasksPerMinute = float64(w.ProcessedCount) / elapsed.Minutes()
	if w.ProcessedCount == 0 && elapsed > idleLimit {
		h.fail(CheckCompletion, ResultFail, "no tasks completed in 5+ minutes")
		return
	}
	h.Checks[CheckCompletion] = ResultPass
}

func (m *Monitor) checkErrorRate(ctx context.Context, h *Health) error {
	if m.sink == nil {
		h.Checks[CheckErrorRate] = ResultNoData
		return nil
	}
	tm, err := m.sink.TaskMetrics(ctx, h.Key)
	if err != nil {
		return fmt.Errorf("task metrics %s: %w", h.Key, err)
	}
	if tm.TotalTasks == 0 {
		h.Checks[CheckErrorRate] = ResultNoData
		return nil
	}
	h.ErrorRate = failureRate(tm)
	if h.ErrorRate > m.maxErrorRate {
		h.fail(CheckErrorRate, ResultFail, fmt.Sprintf("high error rate: %.1f%%", h.ErrorRate*100))
		return nil
	}
	h.Checks[CheckErrorRate] = ResultPass
	return nil
}

func (m *Monitor) checkRecord(ctx context.Context, h *Health) {
	integ, err := m.records.Verify(ctx, h.Key)
	switch {
	case err != nil:
		h.fail(CheckRecord, ResultError, "record check failed: "+err.Error())
	case !integ.Exists:
		h.fail(CheckRecord, ResultNoFile, "durable record does not exist")
	case !integ.Readable || !integ.HeaderOK:
		issue := "durable record unreadable"
		if integ.Error != "" {
			issue += ": " + storage.Truncate(integ.Error, 100)
		}
		h.fail(CheckRecord, ResultCorrupted, issue)
	default:
		h.RecordRows = integ.Rows
		h.Checks[CheckRecord] = ResultPass
	}
}

func failureRate(tm metrics.TaskMetrics) float64 {
	if tm.TotalTasks == 0 {
		return 0
	}
	return float64(tm.ErrorTasks+tm.MalformedTasks) / float64(tm.TotalTasks)
}

// DetectStalled returns running workers whose heartbeat is missing or older
// than threshold, ordered by key.
func (m *Monitor) DetectStalled(ctx context.Context, threshold time.Duration) ([]domain.WorkerKey, error) {
	workers, err := m.store.AllWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var stalled []domain.WorkerKey
	for key, w := range workers {
		if w.Status != domain.WorkerRunning {
			continue
		}
		if w.LastHeartbeat.IsZero() || now.Sub(w.LastHeartbeat) > threshold {
			stalled = append(stalled, key)
		}
	}
	sortKeys(stalled)
	if len(stalled) > 0 {
		m.logger.Warn("stalled workers detected", "count", len(stalled))
	}
	return stalled, nil
}

// DetectErrorWorkers returns workers among keys with at least
// MinTasksForErrorRate tasks whose error plus malformed fraction exceeds
// threshold.
func (m *Monitor) DetectErrorWorkers(ctx context.Context, keys []domain.WorkerKey, threshold float64) ([]domain.WorkerKey, error) {
	if m.sink == nil {
		return nil, nil
	}
	var out []domain.WorkerKey
	for _, key := range keys {
		tm, err := m.sink.TaskMetrics(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("task metrics %s: %w", key, err)
		}
		if tm.TotalTasks < MinTasksForErrorRate {
			continue
		}
		if failureRate(tm) > threshold {
			out = append(out, key)
		}
	}
	if len(out) > 0 {
		m.logger.Warn("workers with high error rate", "count", len(out))
	}
	return out, nil
}

// Recover restarts stalled workers, at most MaxRestartsPerHour times per
// worker. It returns how many restarts were issued.
func (m *Monitor) Recover(ctx context.Context, threshold time.Duration, restart Restarter) (int, error) {
	stalled, err := m.DetectStalled(ctx, threshold)
	if err != nil {
		return 0, err
	}
	restarted := 0
	for _, key := range stalled {
		if !m.allowRestart(key) {
			m.logger.Warn("restart throttled", "worker", key.String())
			continue
		}
		m.logger.Warn("restarting stalled worker", "worker", key.String())
		if err := restart(ctx, key); err != nil {
			m.logger.Error("restart failed", "worker", key.String(), "error", err)
			continue
		}
		restarted++
	}
	return restarted, nil
}

func (m *Monitor) allowRestart(key domain.WorkerKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-time.Hour)
	recent := m.restarts[key][:0]
	for _, t := range m.restarts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= MaxRestartsPerHour {
		m.restarts[key] = recent
		return false
	}
	m.restarts[key] = append(recent, m.now())
	return true
}

// WorkerStatus is one row of the status overview.
type WorkerStatus struct {
	Key      domain.WorkerKey   `json:"key"`
	State    domain.WorkerState `json:"state"`
	Progress domain.Progress    `json:"progress"`
	Record   storage.FileInfo   `json:"record"`
	Health   Health             `json:"health"`
}

// Statuses returns every registered worker with its progress, durable record
// and health, ordered by key.
func (m *Monitor) Statuses(ctx context.Context) ([]WorkerStatus, error) {
	workers, err := m.store.AllWorkers(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]domain.WorkerKey, 0, len(workers))
	for key := range workers {
		keys = append(keys, key)
	}
	sortKeys(keys)

	out := make([]WorkerStatus, 0, len(keys))
	for _, key := range keys {
		st := WorkerStatus{Key: key, State: workers[key]}
		if st.Progress, err = m.store.Progress(ctx, key); err != nil {
			return nil, err
		}
		if st.Record, err = m.records.FileInfo(ctx, key); err != nil {
			return nil, err
		}
		if st.Record.SizeBytes > LargeRecordBytes {
			m.logger.Warn("large durable record", "worker", key.String(), "size_mb", st.Record.SizeBytes>>20)
		}
		if st.Health, err = m.CheckWorker(ctx, key); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// SystemMetrics describes the monitoring process and the coordination store.
type SystemMetrics struct {
	CollectedAt time.Time          `json:"collected_at"`
	Goroutines  int                `json:"goroutines"`
	HeapAllocMB float64            `json:"heap_alloc_mb"`
	SysMB       float64            `json:"sys_mb"`
	Store       checkpoint.Health  `json:"store"`
	Summary     checkpoint.Summary `json:"summary"`
	Redis       map[string]string  `json:"redis,omitempty"`
}

// redisInfoFields are the INFO fields reported by SystemMetrics.
var redisInfoFields = []string{"used_memory", "connected_clients", "total_commands_processed", "uptime_in_seconds"}

// SystemMetrics collects process memory, store health and progress summary.
// Redis statistics are best effort.
func (m *Monitor) SystemMetrics(ctx context.Context) (SystemMetrics, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out := SystemMetrics{
		CollectedAt: m.now(),
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / (1 << 20),
		SysMB:       float64(ms.Sys) / (1 << 20),
		Store:       m.store.HealthCheck(ctx),
	}
	summary, err := m.store.Summary(ctx)
	if err != nil {
		return out, err
	}
	out.Summary = summary

	if m.client != nil {
		info, err := m.client.Info(ctx).Result()
		if err != nil {
			m.logger.Warn("failed to read redis info", "error", err)
			return out, nil
		}
		out.Redis = parseInfo(info, redisInfoFields)
	}
	return out, nil
}

// parseInfo extracts fields from an INFO reply.
func parseInfo(info string, fields []string) map[string]string {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	out := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && want[k] {
			out[k] = v
		}
	}
	return out
}

func sortKeys(keys []domain.WorkerKey) {
	slices.SortFunc(keys, func(a, b domain.WorkerKey) int {
		if a.AnnotatorID != b.AnnotatorID {
			return int(a.AnnotatorID) - int(b.AnnotatorID)
		}
		return cmp.Compare(a.Domain, b.Domain)
	})
}
