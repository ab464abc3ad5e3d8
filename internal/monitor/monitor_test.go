package monitor //nolint:testpackage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/metrics"
	"github.com/ahrav/go-annotator/internal/storage"
)

var (
	urgency1   = domain.WorkerKey{AnnotatorID: 1, Domain: domain.DomainUrgency}
	intensity2 = domain.WorkerKey{AnnotatorID: 2, Domain: domain.DomainIntensity}
	modality1  = domain.WorkerKey{AnnotatorID: 1, Domain: domain.DomainModality}
)

type fixture struct {
	store   *checkpoint.MemoryStore
	records *storage.MemoryRecordStore
	sink    *metrics.MemorySink
	now     time.Time
}

func newFixture() *fixture {
	return &fixture{
		store:   checkpoint.NewMemoryStore(),
		records: storage.NewMemoryRecordStore(),
		sink:    metrics.NewMemorySink(),
		now:     time.Now(),
	}
}

// monitor returns a Monitor whose clock runs offset ahead of the store's.
func (f *fixture) monitor(offset time.Duration, opts ...Option) *Monitor {
	opts = append(opts, WithClock(func() time.Time { return f.now.Add(offset) }))
	return New(f.store, f.records, f.sink, opts...)
}

func (f *fixture) tasks(t *testing.T, key domain.WorkerKey, status domain.TaskStatus, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, f.sink.RecordTask(context.Background(), metrics.TaskMetric{
			TaskID:      fmt.Sprintf("%s-%s-%d", key, status, i),
			AnnotatorID: key.AnnotatorID,
			Domain:      key.Domain,
			SampleID:    fmt.Sprintf("S%d", i),
			Status:      status,
			Duration:    time.Second,
		}))
	}
}

func (f *fixture) record(t *testing.T, key domain.WorkerKey, rows int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.records.Initialize(ctx, key))
	for i := range rows {
		require.NoError(t, f.records.AppendRow(ctx, key, domain.AnnotationRecord{
			SampleID: fmt.Sprintf("S%d", i),
			Label:    "LEVEL_1",
		}))
	}
}

func TestCheckWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("unregistered worker", func(t *testing.T) {
		f := newFixture()
		h, err := f.monitor(0).CheckWorker(ctx, urgency1)
		require.NoError(t, err)
		assert.False(t, h.Healthy)
		assert.Equal(t, []string{"worker not registered"}, h.Issues)
	})

	t.Run("healthy worker", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.store.RegisterWorker(ctx, urgency1, "h"))
		require.NoError(t, f.store.Heartbeat(ctx, urgency1, 20))
		f.tasks(t, urgency1, domain.TaskSuccess, 20)
		f.record(t, urgency1, 20)

		h, err := f.monitor(2*time.Minute, WithStaleAfter(5*time.Minute)).CheckWorker(ctx, urgency1)
		require.NoError(t, err)
		assert.True(t, h.Healthy, h.Issues)
		assert.Equal(t, map[string]Result{
			CheckHeartbeat:  ResultPass,
			CheckCompletion: ResultPass,
			CheckErrorRate:  ResultPass,
			CheckRecord:     ResultPass,
		}, h.Checks)
		assert.Equal(t, 20, h.RecordRows)
		assert.InDelta(t, 10.0, h.TasksPerMinute, 0.5)
	})

	t.Run("fresh worker is pending", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.store.RegisterWorker(ctx, urgency1, "h"))
		f.record(t, urgency1, 0)

		h, err := f.monitor(10 * time.Second).CheckWorker(ctx, urgency1)
		require.NoError(t, err)
		assert.True(t, h.Healthy)
		assert.Equal(t, ResultPending, h.Checks[CheckCompletion])
		assert.Equal(t, ResultNoData, h.Checks[CheckErrorRate])
	})

	t.Run("stale idle worker", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.store.RegisterWorker(ctx, urgency1, "h"))

		h, err := f.monitor(6 * time.Minute).CheckWorker(ctx, urgency1)
		require.NoError(t, err)
		assert.False(t, h.Healthy)
		assert.Equal(t, ResultFail, h.Checks[CheckHeartbeat])
		assert.Equal(t, ResultFail, h.Checks[CheckCompletion])
		assert.Equal(t, ResultNoFile, h.Checks[CheckRecord])
		assert.Contains(t, h.Issues, "no tasks completed in 5+ minutes")
		assert.Len(t, h.Issues, 3)
	})

	t.Run("malformed output counts toward error rate", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.store.RegisterWorker(ctx, urgency1, "h"))
		f.tasks(t, urgency1, domain.TaskSuccess, 8)
		f.tasks(t, urgency1, domain.TaskMalformed, 1)
		f.tasks(t, urgency1, domain.TaskError, 1)
		f.record(t, urgency1, 9)

		h, err := f.monitor(0).CheckWorker(ctx, urgency1)
		require.NoError(t, err)
		assert.InDelta(t, 0.2, h.ErrorRate, 1e-9)
		assert.Equal(t, ResultFail, h.Checks[CheckErrorRate])
		assert.Contains(t, h.Issues, "high error rate: 20.0%")
	})
}

func TestDetectStalled(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.store.RegisterWorker(ctx, intensity2, "a"))
	require.NoError(t, f.store.RegisterWorker(ctx, urgency1, "b"))
	require.NoError(t, f.store.RegisterWorker(ctx, modality1, "c"))
	require.NoError(t, f.store.UpdateWorkerStatus(ctx, modality1, domain.WorkerPaused))

	stalled, err := f.monitor(2*time.Minute).DetectStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkerKey{urgency1, intensity2}, stalled, "paused workers are not stalled")

	stalled, err = f.monitor(30*time.Second).DetectStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stalled)
}

func TestDetectErrorWorkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	// Too few tasks to judge.
	f.tasks(t, urgency1, domain.TaskError, 5)
	// 3 of 10 failed.
	f.tasks(t, intensity2, domain.TaskSuccess, 7)
	f.tasks(t, intensity2, domain.TaskError, 2)
	f.tasks(t, intensity2, domain.TaskMalformed, 1)
	// 1 of 10 failed.
	f.tasks(t, modality1, domain.TaskSuccess, 9)
	f.tasks(t, modality1, domain.TaskError, 1)

	got, err := f.monitor(0).DetectErrorWorkers(ctx, []domain.WorkerKey{urgency1, intensity2, modality1}, DefaultErrorWorkerRate)
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkerKey{intensity2}, got)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.store.RegisterWorker(ctx, urgency1, "h"))

	offset := 2 * time.Minute
	m := New(f.store, f.records, f.sink, WithClock(func() time.Time { return f.now.Add(offset) }))

	var restarted []domain.WorkerKey
	restart := func(_ context.Context, key domain.WorkerKey) error {
		restarted = append(restarted, key)
		return nil
	}

	for range MaxRestartsPerHour {
		n, err := m.Recover(ctx, time.Minute, restart)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	n, err := m.Recover(ctx, time.Minute, restart)
	require.NoError(t, err)
	assert.Zero(t, n, "fourth restart within the hour is throttled")
	assert.Len(t, restarted, MaxRestartsPerHour)

	offset += time.Hour
	n, err = m.Recover(ctx, time.Minute, restart)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "throttle window slides")

	failing := func(context.Context, domain.WorkerKey) error { return errors.New("boom") }
	offset += 2 * time.Hour
	n, err = m.Recover(ctx, time.Minute, failing)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.store.RegisterWorker(ctx, intensity2, "a"))
	require.NoError(t, f.store.RegisterWorker(ctx, urgency1, "b"))
	require.NoError(t, f.store.InitializeProgress(ctx, urgency1, 10))
	require.NoError(t, f.store.MarkCompleted(ctx, urgency1, "S0"))
	f.record(t, urgency1, 1)

	got, err := f.monitor(0).Statuses(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, urgency1, got[0].Key)
	assert.Equal(t, int64(1), got[0].Progress.Completed)
	assert.Equal(t, int64(10), got[0].Progress.Total)
	assert.True(t, got[0].Record.Exists)
	assert.Equal(t, ResultPass, got[0].Health.Checks[CheckRecord])

	assert.Equal(t, intensity2, got[1].Key)
	assert.False(t, got[1].Record.Exists)
	assert.False(t, got[1].Health.Healthy)
}

func TestSystemMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.store.RegisterWorker(ctx, urgency1, "h"))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sm, err := f.monitor(0, WithRedisInfo(client)).SystemMetrics(ctx)
	require.NoError(t, err)
	assert.Positive(t, sm.Goroutines)
	assert.Positive(t, sm.SysMB)
	assert.True(t, sm.Store.Healthy)
	assert.Equal(t, 1, sm.Summary.TotalWorkers)
}

func TestParseInfo(t *testing.T) {
	info := "# Memory\r\nused_memory:1024\r\nused_memory_human:1K\r\n# Clients\r\nconnected_clients:3\r\n"
	got := parseInfo(info, redisInfoFields)
	assert.Equal(t, map[string]string{"used_memory": "1024", "connected_clients": "3"}, got)
}
