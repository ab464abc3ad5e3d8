package orchestration //nolint:testpackage

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
	"github.com/ahrav/go-annotator/internal/reconcile"
	"github.com/ahrav/go-annotator/internal/storage"
)

// sliceSource serves a fixed dataset.
type sliceSource struct {
	samples []domain.Sample
	err     error
}

func (s sliceSource) LoadAll(context.Context) ([]domain.Sample, error) {
	return s.samples, s.err
}

func samplesN(n int) []domain.Sample {
	out := make([]domain.Sample, n)
	for i := range out {
		out[i] = domain.Sample{SampleID: fmt.Sprintf("S%d", i+1), Text: fmt.Sprintf("text %d", i+1)}
	}
	return out
}

func sampleIDsOf(units []domain.UnitOfWork) []string {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.SampleID
	}
	return ids
}

func TestPopulateQueue(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := checkpoint.NewMemoryStore()
	records := storage.NewMemoryRecordStore()
	// S1 was written before a crash but never checkpointed; S3 was both.
	require.NoError(t, records.AppendRow(ctx, urgency1, domain.AnnotationRecord{SampleID: "S1", Label: "LEVEL_1"}))
	require.NoError(t, records.AppendRow(ctx, urgency1, domain.AnnotationRecord{SampleID: "S3", Label: "LEVEL_2"}))
	require.NoError(t, store.MarkCompleted(ctx, urgency1, "S3"))

	q := NewQueue(store, reconcile.NewService(store, records), sliceSource{samples: samplesN(6)}, client,
		WithQueueClock(func() time.Time { return stamp }))

	units, meta, err := q.PopulateQueue(ctx, urgency1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"S2", "S4"}, sampleIDsOf(units))
	assert.Equal(t, unit(urgency1, "S2", "text 2"), units[0])

	assert.Equal(t, QueueMeta{
		Key:          urgency1,
		TotalSamples: 6,
		Completed:    2,
		Pending:      4,
		TotalQueued:  2,
		SampleLimit:  2,
		Synced:       1,
		QueuedAt:     stamp,
	}, meta)

	prog, err := store.Progress(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), prog.Total)
	assert.Equal(t, int64(2), prog.Completed)

	assert.Equal(t, "2", mr.HGet(QueueMetaKey(urgency1), "total_queued"))
	assert.Equal(t, QueueMetaTTL, mr.TTL(QueueMetaKey(urgency1)))

	stored, err := q.Meta(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, meta.TotalQueued, stored.TotalQueued)
	assert.Equal(t, meta.Synced, stored.Synced)
	assert.True(t, stamp.Equal(stored.QueuedAt))

	require.NoError(t, q.ClearMeta(ctx, urgency1))
	assert.False(t, mr.Exists(QueueMetaKey(urgency1)))
	_, err = q.Meta(ctx, urgency1)
	require.ErrorIs(t, err, ErrNoQueueMeta)
}

func TestPopulateQueue_NoLimitAndLocalMeta(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	records := storage.NewMemoryRecordStore()
	q := NewQueue(store, reconcile.NewService(store, records), sliceSource{samples: samplesN(3)}, nil)

	units, meta, err := q.PopulateQueue(ctx, modality2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2", "S3"}, sampleIDsOf(units))
	assert.Equal(t, domain.DomainModality, units[0].Domain)
	assert.Zero(t, meta.SampleLimit)

	stored, err := q.Meta(ctx, modality2)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.TotalQueued)

	require.NoError(t, q.ClearMeta(ctx, modality2))
	_, err = q.Meta(ctx, modality2)
	require.ErrorIs(t, err, ErrNoQueueMeta)
}

func TestPopulateQueue_Errors(t *testing.T) {
	ctx := context.Background()
	errSource := errors.New("source missing")
	store := checkpoint.NewMemoryStore()
	records := storage.NewMemoryRecordStore()

	q := NewQueue(store, reconcile.NewService(store, records), sliceSource{err: errSource}, nil)
	_, _, err := q.PopulateQueue(ctx, urgency1, 0)
	require.ErrorIs(t, err, errSource)

	_, _, err = q.PopulateQueue(ctx, domain.WorkerKey{AnnotatorID: 7, Domain: domain.DomainUrgency}, 0)
	require.ErrorIs(t, err, domain.ErrInvalidAnnotator)
}
