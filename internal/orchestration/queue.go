package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
	"github.com/ahrav/go-annotator/internal/reconcile"
)

// QueueMetaTTL is how long queue metadata survives in Redis.
const QueueMetaTTL = 24 * time.Hour

// ErrNoQueueMeta indicates a worker has never had its queue populated.
var ErrNoQueueMeta = errors.New("no queue metadata")

// QueueMetaKey returns the Redis hash holding queue metadata for key.
func QueueMetaKey(key domain.WorkerKey) string {
	return fmt.Sprintf("queue_meta:%d:%s", key.AnnotatorID, key.Domain)
}

// SampleSource supplies the dataset. source.Loader satisfies it.
type SampleSource interface {
	LoadAll(ctx context.Context) ([]domain.Sample, error)
}

// QueueMeta describes the last queue populated for a worker.
type QueueMeta struct {
	Key          domain.WorkerKey `json:"key"`
	TotalSamples int              `json:"total_samples"`
	Completed    int              `json:"completed"`
	Pending      int              `json:"pending"`
	TotalQueued  int              `json:"total_queued"`
	SampleLimit  int              `json:"sample_limit,omitempty"`
	Synced       int              `json:"synced"`
	QueuedAt     time.Time        `json:"queued_at"`
}

// Queue builds per-worker queues of pending units.
type Queue struct {
	store      checkpoint.Store
	reconciler *reconcile.Service
	samples    SampleSource
	client     redis.UniversalClient
	now        func() time.Time
	logger     *slog.Logger

	// local holds metadata when no Redis client is configured.
	mu    sync.Mutex
	local map[domain.WorkerKey]QueueMeta
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueClock replaces the metadata time source.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue returns a Queue. A nil client keeps metadata in process.
func NewQueue(
	store checkpoint.Store,
	reconciler *reconcile.Service,
	samples SampleSource,
	client redis.UniversalClient,
	opts ...QueueOption,
) *Queue {
	q := &Queue{
		store:      store,
		reconciler: reconciler,
		samples:    samples,
		client:     client,
		now:        time.Now,
		logger:     slog.Default().With("component", "queue"),
		local:      make(map[domain.WorkerKey]QueueMeta),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// PopulateQueue returns the ordered pending units for key. It first syncs the
// checkpoint from the durable record so work finished before a crash is not
// repeated, then filters the dataset down to samples not yet completed and
// applies limit when positive.
func (q *Queue) PopulateQueue(ctx context.Context, key domain.WorkerKey, limit int) ([]domain.UnitOfWork, QueueMeta, error) {
	meta := QueueMeta{Key: key, SampleLimit: max(limit, 0)}
	if err := key.Validate(); err != nil {
		return nil, meta, err
	}

	synced, err := q.reconciler.SyncFromDurableRecord(ctx, key)
	if err != nil {
		return nil, meta, fmt.Errorf("sync %s before queueing: %w", key, err)
	}
	meta.Synced = synced

	samples, err := q.samples.LoadAll(ctx)
	if err != nil {
		return nil, meta, fmt.Errorf("load samples: %w", err)
	}
	meta.TotalSamples = len(samples)

	if err := q.store.InitializeProgress(ctx, key, int64(len(samples))); err != nil {
		return nil, meta, fmt.Errorf("initialize progress for %s: %w", key, err)
	}

	ids := make([]string, len(samples))
	for i, s := range samples {
		ids[i] = s.SampleID
	}
	pending, err := q.store.PendingSamples(ctx, key, ids)
	if err != nil {
		return nil, meta, fmt.Errorf("filter pending for %s: %w", key, err)
	}
	meta.Pending = len(pending)
	meta.Completed = len(samples) - len(pending)

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	byID := make(map[string]domain.Sample, len(samples))
	for _, s := range samples {
		byID[s.SampleID] = s
	}
	units := make([]domain.UnitOfWork, 0, len(pending))
	for _, id := range pending {
		units = append(units, byID[id].Unit(key))
	}

	meta.TotalQueued = len(units)
	meta.QueuedAt = q.now()
	if err := q.saveMeta(ctx, meta); err != nil {
		q.logger.Warn("failed to store queue metadata", "worker", key.String(), "error", err)
	}
	q.logger.Info("populated queue",
		"worker", key.String(),
		"synced", synced,
		"completed", meta.Completed,
		"queued", meta.TotalQueued)
	return units, meta, nil
}

// Meta returns the last stored metadata for key.
func (q *Queue) Meta(ctx context.Context, key domain.WorkerKey) (QueueMeta, error) {
	if q.client == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		m, ok := q.local[key]
		if !ok {
			return QueueMeta{}, fmt.Errorf("%w: %s", ErrNoQueueMeta, key)
		}
		return m, nil
	}

	hk := QueueMetaKey(key)
	f, err := q.client.HGetAll(ctx, hk).Result()
	if err != nil {
		return QueueMeta{}, llmerrors.NewStorageError("hgetall", hk, err)
	}
	if len(f) == 0 {
		return QueueMeta{}, fmt.Errorf("%w: %s", ErrNoQueueMeta, key)
	}
	atoi := func(s string) int { n, _ := strconv.Atoi(s); return n }
	queuedAt, _ := time.Parse(time.RFC3339Nano, f["queued_at"])
	return QueueMeta{
		Key:          key,
		TotalSamples: atoi(f["total_samples"]),
		Completed:    atoi(f["completed"]),
		Pending:      atoi(f["pending"]),
		TotalQueued:  atoi(f["total_queued"]),
		SampleLimit:  atoi(f["sample_limit"]),
		Synced:       atoi(f["synced"]),
		QueuedAt:     queuedAt,
	}, nil
}

// ClearMeta removes the metadata for key.
func (q *Queue) ClearMeta(ctx context.Context, key domain.WorkerKey) error {
	if q.client == nil {
		q.mu.Lock()
		delete(q.local, key)
		q.mu.Unlock()
		return nil
	}
	hk := QueueMetaKey(key)
	if err := q.client.Del(ctx, hk).Err(); err != nil {
		return llmerrors.NewStorageError("del", hk, err)
	}
	return nil
}

func (q *Queue) saveMeta(ctx context.Context, m QueueMeta) error {
	if q.client == nil {
		q.mu.Lock()
		q.local[m.Key] = m
		q.mu.Unlock()
		return nil
	}
	hk := QueueMetaKey(m.Key)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hk,
			"total_samples", m.TotalSamples,
			"completed", m.Completed,
			"pending", m.Pending,
			"total_queued", m.TotalQueued,
			"sample_limit", m.SampleLimit,
			"synced", m.Synced,
			"queued_at", m.QueuedAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, hk, QueueMetaTTL)
		return nil
	})
	if err != nil {
		return llmerrors.NewStorageError("hset", hk, err)
	}
	return nil
}
