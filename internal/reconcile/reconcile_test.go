package reconcile //nolint:testpackage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/metrics"
	"github.com/ahrav/go-annotator/internal/storage"
)

var (
	urgency1    = domain.WorkerKey{AnnotatorID: 1, Domain: domain.DomainUrgency}
	therapeutic = domain.WorkerKey{AnnotatorID: 1, Domain: domain.DomainTherapeutic}
	adjunct2    = domain.WorkerKey{AnnotatorID: 2, Domain: domain.DomainAdjunct}
	reportTime  = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
)

func appendRows(t *testing.T, records storage.RecordStore, key domain.WorkerKey, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, records.AppendRow(context.Background(), key, domain.AnnotationRecord{
			SampleID: id,
			Text:     "text " + id,
			Label:    "LEVEL_1",
		}))
	}
}

func sampleIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("MH-%04d", i+1)
	}
	return ids
}

// failingRecords fails reads for one worker.
type failingRecords struct {
	storage.RecordStore
	fail domain.WorkerKey
}

var errDisk = errors.New("disk unavailable")

func (f failingRecords) CompletedIDs(ctx context.Context, key domain.WorkerKey) ([]string, error) {
	if key == f.fail {
		return nil, errDisk
	}
	return f.RecordStore.CompletedIDs(ctx, key)
}

func (f failingRecords) Verify(ctx context.Context, key domain.WorkerKey) (storage.Integrity, error) {
	if key == f.fail {
		return storage.Integrity{}, errDisk
	}
	return f.RecordStore.Verify(ctx, key)
}

func TestSyncFromDurableRecord_RecoversFromStoreLoss(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := checkpoint.NewRedisStore(client)
	records := storage.NewMemoryRecordStore()
	appendRows(t, records, urgency1, sampleIDs(40)...)
	_, err := store.MarkCompletedBatch(ctx, urgency1, sampleIDs(40))
	require.NoError(t, err)

	mr.FlushAll()
	n, err := store.CompletedCount(ctx, urgency1)
	require.NoError(t, err)
	require.Zero(t, n)

	svc := NewService(store, records)
	synced, err := svc.SyncFromDurableRecord(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, 40, synced)

	n, err = store.CompletedCount(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)

	synced, err = svc.SyncFromDurableRecord(ctx, urgency1)
	require.NoError(t, err)
	assert.Zero(t, synced, "second sync is a no-op")
}

func TestSyncFromDurableRecord(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		durable      []string
		checkpointed []string
		want         int
		wantCount    int64
	}{
		{"empty record", nil, nil, 0, 0},
		{"partial checkpoint", []string{"a", "b", "c"}, []string{"a"}, 2, 3},
		{"checkpoint ahead keeps extras", []string{"a"}, []string{"a", "x", "y"}, 0, 3},
		{"duplicate rows count once", []string{"a", "b", "a"}, nil, 2, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := checkpoint.NewMemoryStore()
			records := storage.NewMemoryRecordStore()
			appendRows(t, records, urgency1, tc.durable...)
			if len(tc.checkpointed) > 0 {
				_, err := store.MarkCompletedBatch(ctx, urgency1, tc.checkpointed)
				require.NoError(t, err)
			}

			got, err := NewService(store, records).SyncFromDurableRecord(ctx, urgency1)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			n, err := store.CompletedCount(ctx, urgency1)
			require.NoError(t, err)
			assert.Equal(t, tc.wantCount, n)
		})
	}
}

func TestSyncFromDurableRecord_ReportsToPrometheus(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg)

	records := storage.NewMemoryRecordStore()
	appendRows(t, records, urgency1, "a", "b")
	svc := NewService(checkpoint.NewMemoryStore(), records, WithCollectors(collectors))

	_, err := svc.SyncFromDurableRecord(ctx, urgency1)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "annotator_reconciled_samples_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.InDelta(t, 2.0, testutil.ToFloat64(collectors.Reconciled.WithLabelValues("1", "urgency")), 0)
}

func TestSyncAll_AggregatesErrors(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	mem := storage.NewMemoryRecordStore()
	appendRows(t, mem, urgency1, "a", "b")
	appendRows(t, mem, adjunct2, "c")
	records := failingRecords{RecordStore: mem, fail: therapeutic}

	results, err := NewService(store, records).SyncAll(ctx, []domain.WorkerKey{urgency1, therapeutic, adjunct2})
	require.Error(t, err)
	require.ErrorIs(t, err, errDisk)
	assert.Len(t, multierr.Errors(err), 1)

	require.Len(t, results, 3)
	assert.Equal(t, 2, results[0].Synced)
	assert.NotEmpty(t, results[1].Error)
	assert.Equal(t, 1, results[2].Synced, "later workers still sync")
	assert.Equal(t, 3, TotalSynced(results))
}

func TestConsolidate(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	records := storage.NewMemoryRecordStore()

	appendRows(t, records, urgency1, "a", "b")
	_, err := store.MarkCompletedBatch(ctx, urgency1, []string{"a", "b"})
	require.NoError(t, err)

	appendRows(t, records, therapeutic, "a", "b", "c")
	_, err = store.MarkCompletedBatch(ctx, therapeutic, []string{"a"})
	require.NoError(t, err)

	_, err = store.MarkCompletedBatch(ctx, adjunct2, []string{"z"})
	require.NoError(t, err)

	svc := NewService(store, records, WithClock(func() time.Time { return reportTime }))
	report, err := svc.Consolidate(ctx, []domain.WorkerKey{urgency1, therapeutic, adjunct2})
	require.NoError(t, err)

	assert.Equal(t, reportTime, report.GeneratedAt)
	assert.Len(t, report.Workers, 3)
	assert.False(t, report.Consistent())
	require.Len(t, report.Discrepancies, 2)
	assert.Equal(t, therapeutic, report.Discrepancies[0].Key)
	assert.Equal(t, int64(-2), report.Discrepancies[0].Difference())
	assert.Equal(t, adjunct2, report.Discrepancies[1].Key)
	assert.Equal(t, int64(1), report.Discrepancies[1].Difference())

	n, err := store.CompletedCount(ctx, therapeutic)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "consolidation never corrects")
}

func TestVerifyIntegrity(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		store := checkpoint.NewMemoryStore()
		records := storage.NewMemoryRecordStore()
		appendRows(t, records, urgency1, "a", "b")
		_, err := store.MarkCompletedBatch(ctx, urgency1, []string{"a", "b"})
		require.NoError(t, err)
		require.NoError(t, store.InitializeProgress(ctx, urgency1, 10))

		report, err := NewService(store, records).VerifyIntegrity(ctx, []domain.WorkerKey{urgency1, adjunct2})
		require.NoError(t, err)
		assert.True(t, report.Healthy)
		assert.Equal(t, 2, report.WorkersChecked)
		assert.Equal(t, 1, report.RecordsVerified)
		assert.Empty(t, report.Issues())
	})

	t.Run("all three checks", func(t *testing.T) {
		store := checkpoint.NewMemoryStore()
		records := storage.NewMemoryRecordStore()

		// Counter above total.
		_, err := store.MarkCompletedBatch(ctx, urgency1, []string{"a", "b", "c"})
		require.NoError(t, err)
		require.NoError(t, store.InitializeProgress(ctx, urgency1, 2))
		appendRows(t, records, urgency1, "a", "b", "c")

		// Duplicate durable rows.
		appendRows(t, records, therapeutic, "x", "x")
		_, err = store.MarkCompletedBatch(ctx, therapeutic, []string{"x"})
		require.NoError(t, err)

		// Completions without a record.
		_, err = store.MarkCompletedBatch(ctx, adjunct2, []string{"q"})
		require.NoError(t, err)

		report, err := NewService(store, records).VerifyIntegrity(ctx, []domain.WorkerKey{urgency1, therapeutic, adjunct2})
		require.NoError(t, err)
		assert.False(t, report.Healthy)

		require.Len(t, report.ProgressIssues, 1)
		assert.Contains(t, report.ProgressIssues[0].Message, "exceeds total")
		require.Len(t, report.DurableIssues, 1)
		assert.Equal(t, therapeutic, report.DurableIssues[0].Key)
		assert.Contains(t, report.DurableIssues[0].Message, "duplicate")
		require.Len(t, report.MissingFiles, 1)
		assert.Equal(t, adjunct2, report.MissingFiles[0].Key)
		assert.Len(t, report.Issues(), 3)
	})

	t.Run("counter drift", func(t *testing.T) {
		store := checkpoint.NewMemoryStore()
		records := storage.NewMemoryRecordStore()
		require.NoError(t, store.Import(ctx, checkpoint.State{
			Checkpoints: map[string][]string{"checkpoint:1:urgency": {"a"}},
			Progress: map[string]map[string]string{
				"progress:1:urgency": {"completed": "5", "total": "10"},
			},
		}))
		appendRows(t, records, urgency1, "a")

		report, err := NewService(store, records).VerifyIntegrity(ctx, []domain.WorkerKey{urgency1})
		require.NoError(t, err)
		require.Len(t, report.ProgressIssues, 1)
		assert.Equal(t, CheckProgress, report.ProgressIssues[0].Check)
		assert.Contains(t, report.ProgressIssues[0].Message, "5 != completion set size 1")
	})

	t.Run("read errors are returned", func(t *testing.T) {
		store := checkpoint.NewMemoryStore()
		records := failingRecords{RecordStore: storage.NewMemoryRecordStore(), fail: urgency1}
		report, err := NewService(store, records).VerifyIntegrity(ctx, []domain.WorkerKey{urgency1, adjunct2})
		require.ErrorIs(t, err, errDisk)
		assert.False(t, report.Healthy)
		assert.Equal(t, 2, report.WorkersChecked)
	})
}
