package checkpoint

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/go-annotator/internal/domain"
)

// MemoryStore implements Store in process memory. It backs single-process
// runs and tests, with the same semantics as RedisStore.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	completed map[domain.WorkerKey]map[string]struct{}
	progress  map[domain.WorkerKey]domain.Progress
	workers   map[domain.WorkerKey]domain.WorkerState
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		completed: make(map[domain.WorkerKey]map[string]struct{}),
		progress:  make(map[domain.WorkerKey]domain.Progress),
		workers:   make(map[domain.WorkerKey]domain.WorkerState),
	}
}

// IsCompleted implements Store.
func (s *MemoryStore) IsCompleted(_ context.Context, key domain.WorkerKey, sampleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.completed[key][sampleID]
	return ok, nil
}

// MarkCompleted implements Store.
func (s *MemoryStore) MarkCompleted(_ context.Context, key domain.WorkerKey, sampleID string) error {
	if sampleID == "" {
		return domain.ErrInvalidSampleID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(key, []string{sampleID})
	return nil
}

// MarkCompletedBatch implements Store.
func (s *MemoryStore) MarkCompletedBatch(_ context.Context, key domain.WorkerKey, ids []string) (int, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(key, ids), nil
}

func (s *MemoryStore) markLocked(key domain.WorkerKey, ids []string) int {
	set, ok := s.completed[key]
	if !ok {
		set = make(map[string]struct{}, len(ids))
		s.completed[key] = set
	}
	added := 0
	for _, id := range ids {
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		added++
	}
	p := s.progress[key]
	p.Completed += int64(added)
	p.LastUpdated = s.now()
	s.progress[key] = p
	return added
}

// CompletedSamples implements Store.
func (s *MemoryStore) CompletedSamples(_ context.Context, key domain.WorkerKey) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.completed[key]), nil
}

// CompletedCount implements Store.
func (s *MemoryStore) CompletedCount(_ context.Context, key domain.WorkerKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.completed[key])), nil
}

// InitializeProgress implements Store.
func (s *MemoryStore) InitializeProgress(_ context.Context, key domain.WorkerKey, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[key] = domain.Progress{
		Completed:   int64(len(s.completed[key])),
		Total:       total,
		LastUpdated: s.now(),
	}
	return nil
}

// Progress implements Store.
func (s *MemoryStore) Progress(_ context.Context, key domain.WorkerKey) (domain.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress[key], nil
}

// ProgressPercentage implements Store.
func (s *MemoryStore) ProgressPercentage(ctx context.Context, key domain.WorkerKey) (float64, error) {
	p, err := s.Progress(ctx, key)
	return p.Percentage(), err
}

// AllProgress implements Store.
func (s *MemoryStore) AllProgress(context.Context) (map[domain.WorkerKey]domain.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.progress), nil
}

// PendingSamples implements Store.
func (s *MemoryStore) PendingSamples(_ context.Context, key domain.WorkerKey, all []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pending(all, s.completed[key]), nil
}

// RegisterWorker implements Store.
func (s *MemoryStore) RegisterWorker(_ context.Context, key domain.WorkerKey, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.workers[key] = domain.WorkerState{
		Status:        domain.WorkerRunning,
		ProcessHandle: handle,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	return nil
}

// UpdateWorkerStatus implements Store.
func (s *MemoryStore) UpdateWorkerStatus(_ context.Context, key domain.WorkerKey, status domain.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[key]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, key)
	}
	w.Status = status
	s.workers[key] = w
	return nil
}

// Heartbeat implements Store.
func (s *MemoryStore) Heartbeat(_ context.Context, key domain.WorkerKey, processed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[key]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, key)
	}
	w.LastHeartbeat = s.now()
	w.ProcessedCount = processed
	s.workers[key] = w
	return nil
}

// WorkerState implements Store.
func (s *MemoryStore) WorkerState(_ context.Context, key domain.WorkerKey) (domain.WorkerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[key]
	if !ok {
		return domain.WorkerState{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, key)
	}
	return w, nil
}

// AllWorkers implements Store.
func (s *MemoryStore) AllWorkers(context.Context) (map[domain.WorkerKey]domain.WorkerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.workers), nil
}

// UnregisterWorker implements Store.
func (s *MemoryStore) UnregisterWorker(_ context.Context, key domain.WorkerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, key)
	return nil
}

// ClearDomain implements Store.
func (s *MemoryStore) ClearDomain(_ context.Context, key domain.WorkerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.completed, key)
	delete(s.progress, key)
	delete(s.workers, key)
	return nil
}

// ClearAnnotator implements Store.
func (s *MemoryStore) ClearAnnotator(_ context.Context, annotator domain.AnnotatorID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteWhere(func(k domain.WorkerKey) bool { return k.AnnotatorID == annotator }), nil
}

// FactoryReset implements Store.
func (s *MemoryStore) FactoryReset(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteWhere(func(domain.WorkerKey) bool { return true }), nil
}

// deleteWhere removes matching entries and counts them the way Redis counts
// deleted keys.
func (s *MemoryStore) deleteWhere(match func(domain.WorkerKey) bool) int {
	n := 0
	for k, set := range s.completed {
		if match(k) {
			if len(set) > 0 {
				n++
			}
			delete(s.completed, k)
		}
	}
	for k := range s.progress {
		if match(k) {
			n++
			delete(s.progress, k)
		}
	}
	for k := range s.workers {
		if match(k) {
			n++
			delete(s.workers, k)
		}
	}
	return n
}

// Export implements Store.
func (s *MemoryStore) Export(context.Context) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := NewState()
	for k, set := range s.completed {
		if len(set) == 0 {
			continue
		}
		state.Checkpoints[CheckpointKey(k)] = slices.Sorted(maps.Keys(set))
	}
	for k, p := range s.progress {
		state.Progress[ProgressKey(k)] = progressFields(p)
	}
	for k, w := range s.workers {
		state.Workers[WorkerRecordKey(k)] = workerFields(w)
	}
	return state, nil
}

// Import implements Store.
func (s *MemoryStore) Import(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for raw, members := range state.Checkpoints {
		key, err := parseKeyWithPrefix(raw, CheckpointPrefix)
		if err != nil {
			return err
		}
		set, ok := s.completed[key]
		if !ok {
			set = make(map[string]struct{}, len(members))
			s.completed[key] = set
		}
		for _, m := range members {
			set[m] = struct{}{}
		}
	}
	for raw, fields := range state.Progress {
		key, err := parseKeyWithPrefix(raw, ProgressPrefix)
		if err != nil {
			return err
		}
		merged := progressFields(s.progress[key])
		maps.Copy(merged, fields)
		s.progress[key] = parseProgress(merged)
	}
	for raw, fields := range state.Workers {
		key, err := parseKeyWithPrefix(raw, WorkerPrefix)
		if err != nil {
			return err
		}
		merged := workerFields(s.workers[key])
		maps.Copy(merged, fields)
		s.workers[key] = parseWorker(merged)
	}
	return nil
}

func parseKeyWithPrefix(raw, want string) (domain.WorkerKey, error) {
	prefix, key, err := ParseKey(raw)
	if err != nil {
		return domain.WorkerKey{}, err
	}
	if !strings.EqualFold(prefix, want) {
		return domain.WorkerKey{}, fmt.Errorf("%w: expected %s key, got %q", domain.ErrInvalidWorkerKey, want, raw)
	}
	return key, nil
}

// Summary implements Store.
func (s *MemoryStore) Summary(context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return summarize(s.progress, s.workers), nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) Health {
	return Health{Healthy: true, Backend: "memory"}
}
