// Package reconcile brings the checkpoint store back in line with the
// durable records. The durable record is treated as proof that a sample was
// processed; checkpoints are only ever added, never removed.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/metrics"
	"github.com/ahrav/go-annotator/internal/observability"
	"github.com/ahrav/go-annotator/internal/storage"
)

// Service reconciles the checkpoint store with the durable records.
type Service struct {
	store      checkpoint.Store
	records    storage.RecordStore
	collectors *metrics.Collectors
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCollectors reports synced counts to Prometheus.
func WithCollectors(c *metrics.Collectors) Option {
	return func(s *Service) { s.collectors = c }
}

// WithClock replaces the report time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service.
func NewService(store checkpoint.Store, records storage.RecordStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		records: records,
		now:     time.Now,
		logger:  slog.Default().With("component", "reconcile"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func spanAttrs(key domain.WorkerKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("annotator_id", int(key.AnnotatorID)),
		attribute.String("domain", string(key.Domain)),
	}
}

// SyncFromDurableRecord marks every sample present in the durable record of
// key as completed and returns how many were missing from the checkpoint.
func (s *Service) SyncFromDurableRecord(ctx context.Context, key domain.WorkerKey) (synced int, err error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.sync", spanAttrs(key)...)
	defer func() {
		span.SetAttributes(attribute.Int("synced", synced))
		observability.EndSpan(span, err)
	}()

	ids, err := s.records.CompletedIDs(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read durable record for %s: %w", key, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	missing, err := s.store.PendingSamples(ctx, key, ids)
	if err != nil {
		return 0, fmt.Errorf("diff checkpoint for %s: %w", key, err)
	}
	if len(missing) == 0 {
		s.logger.Debug("checkpoint already in sync", "worker", key.String(), "durable_ids", len(ids))
		return 0, nil
	}

	synced, err = s.store.MarkCompletedBatch(ctx, key, missing)
	if err != nil {
		return synced, fmt.Errorf("mark synced samples for %s: %w", key, err)
	}
	if s.collectors != nil {
		s.collectors.AddReconciled(key, synced)
	}
	s.logger.Info("synced checkpoint from durable record",
		"worker", key.String(),
		"durable_ids", len(ids),
		"synced", synced)
	return synced, nil
}

// SyncResult is the outcome of syncing one worker.
type SyncResult struct {
	Key    domain.WorkerKey `json:"key"`
	Synced int              `json:"synced"`
	Error  string           `json:"error,omitempty"`
}

// SyncAll syncs every key. A failure on one worker does not stop the rest;
// all failures are returned combined.
func (s *Service) SyncAll(ctx context.Context, keys []domain.WorkerKey) ([]SyncResult, error) {
	results := make([]SyncResult, 0, len(keys))
	var errs error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return results, multierr.Append(errs, err)
		}
		n, err := s.SyncFromDurableRecord(ctx, key)
		res := SyncResult{Key: key, Synced: n}
		if err != nil {
			res.Error = err.Error()
			errs = multierr.Append(errs, err)
		}
		results = append(results, res)
	}
	return results, errs
}

// TotalSynced sums the synced counts of results.
func TotalSynced(results []SyncResult) int {
	total := 0
	for _, r := range results {
		total += r.Synced
	}
	return total
}
