// Package checkpoint tracks which samples each worker has finished, the
// advisory progress counters, and the worker registration records.
//
// The completion set is the only authority on what is done. Progress
// counters are bookkeeping that may lag; readers that need an exact number
// use CompletedCount.
package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ahrav/go-annotator/internal/domain"
)

// Key prefixes in the coordination store.
const (
	CheckpointPrefix = "checkpoint"
	ProgressPrefix   = "progress"
	WorkerPrefix     = "worker"
)

// MarkBatchSize bounds the ids passed to one mark script call.
const MarkBatchSize = 1000

// Store is the coordination store. Every method is safe for concurrent use by
// many workers and many processes.
type Store interface {
	IsCompleted(ctx context.Context, key domain.WorkerKey, sampleID string) (bool, error)
	// MarkCompleted adds sampleID to the completion set and bumps the
	// progress counter if it was not already present.
	MarkCompleted(ctx context.Context, key domain.WorkerKey, sampleID string) error
	// MarkCompletedBatch adds ids and returns how many were new.
	MarkCompletedBatch(ctx context.Context, key domain.WorkerKey, ids []string) (int, error)
	CompletedSamples(ctx context.Context, key domain.WorkerKey) (map[string]struct{}, error)
	CompletedCount(ctx context.Context, key domain.WorkerKey) (int64, error)

	// InitializeProgress sets the target total and re-seeds the completed
	// counter from the completion set.
	InitializeProgress(ctx context.Context, key domain.WorkerKey, total int64) error
	Progress(ctx context.Context, key domain.WorkerKey) (domain.Progress, error)
	ProgressPercentage(ctx context.Context, key domain.WorkerKey) (float64, error)
	AllProgress(ctx context.Context) (map[domain.WorkerKey]domain.Progress, error)
	// PendingSamples filters all down to ids not yet completed, keeping order.
	PendingSamples(ctx context.Context, key domain.WorkerKey, all []string) ([]string, error)

	RegisterWorker(ctx context.Context, key domain.WorkerKey, handle string) error
	UpdateWorkerStatus(ctx context.Context, key domain.WorkerKey, status domain.WorkerStatus) error
	// Heartbeat stamps last_heartbeat and sets processed_count. It returns
	// domain.ErrWorkerNotFound for an unregistered worker.
	Heartbeat(ctx context.Context, key domain.WorkerKey, processed int64) error
	// WorkerState returns domain.ErrWorkerNotFound for unregistered workers.
	WorkerState(ctx context.Context, key domain.WorkerKey) (domain.WorkerState, error)
	AllWorkers(ctx context.Context) (map[domain.WorkerKey]domain.WorkerState, error)
	UnregisterWorker(ctx context.Context, key domain.WorkerKey) error

	// ClearDomain removes the completion set, progress and worker record for key.
	ClearDomain(ctx context.Context, key domain.WorkerKey) error
	// ClearAnnotator removes every key of one annotator and returns how many
	// were deleted.
	ClearAnnotator(ctx context.Context, annotator domain.AnnotatorID) (int, error)
	// FactoryReset removes every checkpoint, progress and worker key.
	FactoryReset(ctx context.Context) (int, error)

	Export(ctx context.Context) (State, error)
	// Import merges state: completion sets are unioned, hashes overwritten.
	Import(ctx context.Context, state State) error

	Summary(ctx context.Context) (Summary, error)
	HealthCheck(ctx context.Context) Health
}

// State is the raw content of the store keyed by coordination-store key
// strings, e.g. "checkpoint:1:urgency".
type State struct {
	Checkpoints map[string][]string          `json:"checkpoints"`
	Progress    map[string]map[string]string `json:"progress"`
	Workers     map[string]map[string]string `json:"workers"`
}

// NewState returns an empty State with allocated maps.
func NewState() State {
	return State{
		Checkpoints: make(map[string][]string),
		Progress:    make(map[string]map[string]string),
		Workers:     make(map[string]map[string]string),
	}
}

// Summary aggregates the store across workers.
type Summary struct {
	TotalWorkers      int                            `json:"total_workers"`
	ActiveWorkers     int                            `json:"active_workers"`
	TotalCompleted    int64                          `json:"total_completed"`
	TotalTarget       int64                          `json:"total_target"`
	OverallPercentage float64                        `json:"overall_percentage"`
	ByAnnotator       map[domain.AnnotatorID]int64   `json:"by_annotator"`
	ByDomain          map[domain.Domain]int64        `json:"by_domain"`
	Progress          map[string]domain.Progress     `json:"progress"`
	Workers           map[string]domain.WorkerStatus `json:"workers"`
}

// Health is the result of a store health check.
type Health struct {
	Healthy bool          `json:"healthy"`
	Backend string        `json:"backend"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckpointKey returns the completion set key, e.g. "checkpoint:1:urgency".
func CheckpointKey(k domain.WorkerKey) string { return joinKey(CheckpointPrefix, k) }

// ProgressKey returns the progress hash key.
func ProgressKey(k domain.WorkerKey) string { return joinKey(ProgressPrefix, k) }

// WorkerRecordKey returns the worker registration hash key.
func WorkerRecordKey(k domain.WorkerKey) string { return joinKey(WorkerPrefix, k) }

func joinKey(prefix string, k domain.WorkerKey) string {
	return fmt.Sprintf("%s:%d:%s", prefix, k.AnnotatorID, k.Domain)
}

// ParseKey splits a store key into its prefix and worker key.
func ParseKey(s string) (string, domain.WorkerKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return "", domain.WorkerKey{}, fmt.Errorf("%w: store key %q", domain.ErrInvalidWorkerKey, s)
	}
	id, err := domain.ParseAnnotatorID(parts[1])
	if err != nil {
		return "", domain.WorkerKey{}, err
	}
	d, err := domain.ParseDomain(parts[2])
	if err != nil {
		return "", domain.WorkerKey{}, err
	}
	return parts[0], domain.WorkerKey{AnnotatorID: id, Domain: d}, nil
}

// Progress hash fields.
const (
	fieldCompleted   = "completed"
	fieldTotal       = "total"
	fieldLastUpdated = "last_updated"
)

// Worker hash fields.
const (
	fieldStatus         = "status"
	fieldPID            = "pid"
	fieldStartedAt      = "started_at"
	fieldLastHeartbeat  = "last_heartbeat"
	fieldProcessedCount = "processed_count"
)

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func progressFields(p domain.Progress) map[string]string {
	m := map[string]string{
		fieldCompleted: strconv.FormatInt(p.Completed, 10),
		fieldTotal:     strconv.FormatInt(p.Total, 10),
	}
	if !p.LastUpdated.IsZero() {
		m[fieldLastUpdated] = formatTime(p.LastUpdated)
	}
	return m
}

func parseProgress(m map[string]string) domain.Progress {
	return domain.Progress{
		Completed:   parseInt(m[fieldCompleted]),
		Total:       parseInt(m[fieldTotal]),
		LastUpdated: parseTime(m[fieldLastUpdated]),
	}
}

func workerFields(w domain.WorkerState) map[string]string {
	m := map[string]string{
		fieldStatus:         string(w.Status),
		fieldPID:            w.ProcessHandle,
		fieldProcessedCount: strconv.FormatInt(w.ProcessedCount, 10),
	}
	if !w.StartedAt.IsZero() {
		m[fieldStartedAt] = formatTime(w.StartedAt)
	}
	if !w.LastHeartbeat.IsZero() {
		m[fieldLastHeartbeat] = formatTime(w.LastHeartbeat)
	}
	return m
}

func parseWorker(m map[string]string) domain.WorkerState {
	return domain.WorkerState{
		Status:         domain.ParseWorkerStatus(m[fieldStatus]),
		ProcessHandle:  m[fieldPID],
		StartedAt:      parseTime(m[fieldStartedAt]),
		LastHeartbeat:  parseTime(m[fieldLastHeartbeat]),
		ProcessedCount: parseInt(m[fieldProcessedCount]),
	}
}

// summarize builds a Summary from per-worker progress and worker records.
func summarize(progress map[domain.WorkerKey]domain.Progress, workers map[domain.WorkerKey]domain.WorkerState) Summary {
	s := Summary{
		TotalWorkers: len(workers),
		ByAnnotator:  make(map[domain.AnnotatorID]int64),
		ByDomain:     make(map[domain.Domain]int64),
		Progress:     make(map[string]domain.Progress, len(progress)),
		Workers:      make(map[string]domain.WorkerStatus, len(workers)),
	}
	for k, p := range progress {
		s.TotalCompleted += p.Completed
		s.TotalTarget += p.Total
		s.ByAnnotator[k.AnnotatorID] += p.Completed
		s.ByDomain[k.Domain] += p.Completed
		s.Progress[k.String()] = p
	}
	for k, w := range workers {
		if w.Status.Active() {
			s.ActiveWorkers++
		}
		s.Workers[k.String()] = w.Status
	}
	if s.TotalTarget > 0 {
		s.OverallPercentage = float64(s.TotalCompleted) / float64(s.TotalTarget) * 100
	}
	return s
}

// pending keeps the ids of all that are absent from done, in order.
func pending(all []string, done map[string]struct{}) []string {
	out := make([]string, 0, len(all))
	for _, id := range all {
		if _, ok := done[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// dedupe drops empty and repeated ids, keeping first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
