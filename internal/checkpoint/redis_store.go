package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-annotator/internal/domain"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
)

// scanCount is the COUNT hint for SCAN iterations.
const scanCount = 500

// markScript adds ids to the completion set and bumps the progress counter by
// the number actually added. ARGV[1] is the timestamp, the rest are ids.
var markScript = redis.NewScript(`
local added = 0
for i = 2, #ARGV do
  added = added + redis.call('SADD', KEYS[1], ARGV[i])
end
if added > 0 then
  redis.call('HINCRBY', KEYS[2], 'completed', added)
end
redis.call('HSET', KEYS[2], 'last_updated', ARGV[1])
return added
`)

// initScript seeds the progress hash from the completion set cardinality.
var initScript = redis.NewScript(`
local done = redis.call('SCARD', KEYS[1])
redis.call('HSET', KEYS[2], 'completed', done, 'total', ARGV[1], 'last_updated', ARGV[2])
return done
`)

// statusScript sets the status field only on an existing worker record.
var statusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

// heartbeatScript stamps liveness fields only on an existing worker record.
var heartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_heartbeat', ARGV[1], 'processed_count', ARGV[2])
return 1
`)

// RedisStore implements Store on Redis. Mark operations are single Lua
// scripts, so concurrent workers in separate processes never lose updates.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
	logger *slog.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithClock replaces the store's time source.
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a store over client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		now:    time.Now,
		logger: slog.Default().With("component", "checkpoint"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsCompleted implements Store.
func (s *RedisStore) IsCompleted(ctx context.Context, key domain.WorkerKey, sampleID string) (bool, error) {
	k := CheckpointKey(key)
	ok, err := s.client.SIsMember(ctx, k, sampleID).Result()
	if err != nil {
		return false, llmerrors.NewStorageError("sismember", k, err)
	}
	return ok, nil
}

// MarkCompleted implements Store.
func (s *RedisStore) MarkCompleted(ctx context.Context, key domain.WorkerKey, sampleID string) error {
	if sampleID == "" {
		return domain.ErrInvalidSampleID
	}
	_, err := s.mark(ctx, key, []string{sampleID})
	return err
}

// MarkCompletedBatch implements Store.
func (s *RedisStore) MarkCompletedBatch(ctx context.Context, key domain.WorkerKey, ids []string) (int, error) {
	ids = dedupe(ids)
	added := 0
	for start := 0; start < len(ids); start += MarkBatchSize {
		end := min(start+MarkBatchSize, len(ids))
		n, err := s.mark(ctx, key, ids[start:end])
		added += n
		if err != nil {
			return added, err
		}
	}
	if added > 0 {
		s.logger.Info("marked samples completed",
			"annotator_id", key.AnnotatorID,
			"domain", key.Domain,
			"requested", len(ids),
			"added", added)
	}
	return added, nil
}

func (s *RedisStore) mark(ctx context.Context, key domain.WorkerKey, ids []string) (int, error) {
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(s.now()))
	for _, id := range ids {
		args = append(args, id)
	}
	ck := CheckpointKey(key)
	n, err := markScript.Run(ctx, s.client, []string{ck, ProgressKey(key)}, args...).Int64()
	if err != nil {
		return 0, llmerrors.NewStorageError("mark", ck, err)
	}
	return int(n), nil
}

// CompletedSamples implements Store.
func (s *RedisStore) CompletedSamples(ctx context.Context, key domain.WorkerKey) (map[string]struct{}, error) {
	k := CheckpointKey(key)
	members, err := s.client.SMembers(ctx, k).Result()
	if err != nil {
		return nil, llmerrors.NewStorageError("smembers", k, err)
	}
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}

// CompletedCount implements Store.
func (s *RedisStore) CompletedCount(ctx context.Context, key domain.WorkerKey) (int64, error) {
	k := CheckpointKey(key)
	n, err := s.client.SCard(ctx, k).Result()
	if err != nil {
		return 0, llmerrors.NewStorageError("scard", k, err)
	}
	return n, nil
}

// InitializeProgress implements Store.
func (s *RedisStore) InitializeProgress(ctx context.Context, key domain.WorkerKey, total int64) error {
	pk := ProgressKey(key)
	done, err := initScript.Run(ctx, s.client, []string{CheckpointKey(key), pk},
		strconv.FormatInt(total, 10), formatTime(s.now())).Int64()
	if err != nil {
		return llmerrors.NewStorageError("init_progress", pk, err)
	}
	s.logger.Info("initialized progress",
		"annotator_id", key.AnnotatorID,
		"domain", key.Domain,
		"total", total,
		"completed", done)
	return nil
}

// Progress implements Store.
func (s *RedisStore) Progress(ctx context.Context, key domain.WorkerKey) (domain.Progress, error) {
	pk := ProgressKey(key)
	fields, err := s.client.HGetAll(ctx, pk).Result()
	if err != nil {
		return domain.Progress{}, llmerrors.NewStorageError("hgetall", pk, err)
	}
	return parseProgress(fields), nil
}

// ProgressPercentage implements Store.
func (s *RedisStore) ProgressPercentage(ctx context.Context, key domain.WorkerKey) (float64, error) {
	p, err := s.Progress(ctx, key)
	if err != nil {
		return 0, err
	}
	return p.Percentage(), nil
}

// AllProgress implements Store.
func (s *RedisStore) AllProgress(ctx context.Context) (map[domain.WorkerKey]domain.Progress, error) {
	hashes, err := s.hashesByPattern(ctx, ProgressPrefix+":*")
	if err != nil {
		return nil, err
	}
	out := make(map[domain.WorkerKey]domain.Progress, len(hashes))
	for k, fields := range hashes {
		_, wk, err := ParseKey(k)
		if err != nil {
			s.logger.Warn("skipping unparseable progress key", "key", k, "error", err)
			continue
		}
		out[wk] = parseProgress(fields)
	}
	return out, nil
}

// PendingSamples implements Store.
func (s *RedisStore) PendingSamples(ctx context.Context, key domain.WorkerKey, all []string) ([]string, error) {
	done, err := s.CompletedSamples(ctx, key)
	if err != nil {
		return nil, err
	}
	return pending(all, done), nil
}

// RegisterWorker implements Store.
func (s *RedisStore) RegisterWorker(ctx context.Context, key domain.WorkerKey, handle string) error {
	wk := WorkerRecordKey(key)
	now := s.now()
	fields := workerFields(domain.WorkerState{
		Status:        domain.WorkerRunning,
		ProcessHandle: handle,
		StartedAt:     now,
		LastHeartbeat: now,
	})
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, wk)
		pipe.HSet(ctx, wk, fields)
		return nil
	})
	if err != nil {
		return llmerrors.NewStorageError("register_worker", wk, err)
	}
	return nil
}

// UpdateWorkerStatus implements Store.
func (s *RedisStore) UpdateWorkerStatus(ctx context.Context, key domain.WorkerKey, status domain.WorkerStatus) error {
	wk := WorkerRecordKey(key)
	n, err := statusScript.Run(ctx, s.client, []string{wk}, string(status)).Int64()
	if err != nil {
		return llmerrors.NewStorageError("update_status", wk, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, key)
	}
	return nil
}

// Heartbeat implements Store.
func (s *RedisStore) Heartbeat(ctx context.Context, key domain.WorkerKey, processed int64) error {
	wk := WorkerRecordKey(key)
	n, err := heartbeatScript.Run(ctx, s.client, []string{wk},
		formatTime(s.now()), strconv.FormatInt(processed, 10)).Int64()
	if err != nil {
		return llmerrors.NewStorageError("heartbeat", wk, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, key)
	}
	return nil
}

// WorkerState implements Store.
func (s *RedisStore) WorkerState(ctx context.Context, key domain.WorkerKey) (domain.WorkerState, error) {
	wk := WorkerRecordKey(key)
	fields, err := s.client.HGetAll(ctx, wk).Result()
	if err != nil {
		return domain.WorkerState{}, llmerrors.NewStorageError("hgetall", wk, err)
	}
	if len(fields) == 0 {
		return domain.WorkerState{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, key)
	}
	return parseWorker(fields), nil
}

// AllWorkers implements Store.
func (s *RedisStore) AllWorkers(ctx context.Context) (map[domain.WorkerKey]domain.WorkerState, error) {
	hashes, err := s.hashesByPattern(ctx, WorkerPrefix+":*")
	if err != nil {
		return nil, err
	}
	out := make(map[domain.WorkerKey]domain.WorkerState, len(hashes))
	for k, fields := range hashes {
		_, wk, err := ParseKey(k)
		if err != nil {
			s.logger.Warn("skipping unparseable worker key", "key", k, "error", err)
			continue
		}
		out[wk] = parseWorker(fields)
	}
	return out, nil
}

// UnregisterWorker implements Store.
func (s *RedisStore) UnregisterWorker(ctx context.Context, key domain.WorkerKey) error {
	wk := WorkerRecordKey(key)
	if err := s.client.Del(ctx, wk).Err(); err != nil {
		return llmerrors.NewStorageError("del", wk, err)
	}
	return nil
}

// ClearDomain implements Store.
func (s *RedisStore) ClearDomain(ctx context.Context, key domain.WorkerKey) error {
	ck := CheckpointKey(key)
	if err := s.client.Del(ctx, ck, ProgressKey(key), WorkerRecordKey(key)).Err(); err != nil {
		return llmerrors.NewStorageError("clear_domain", ck, err)
	}
	s.logger.Info("cleared worker checkpoint", "annotator_id", key.AnnotatorID, "domain", key.Domain)
	return nil
}

// ClearAnnotator implements Store.
func (s *RedisStore) ClearAnnotator(ctx context.Context, annotator domain.AnnotatorID) (int, error) {
	var patterns []string
	for _, prefix := range []string{CheckpointPrefix, ProgressPrefix, WorkerPrefix} {
		patterns = append(patterns, fmt.Sprintf("%s:%d:*", prefix, annotator))
	}
	n, err := s.deleteByPatterns(ctx, patterns...)
	if err != nil {
		return n, err
	}
	s.logger.Info("cleared annotator checkpoints", "annotator_id", annotator, "keys", n)
	return n, nil
}

// FactoryReset implements Store.
func (s *RedisStore) FactoryReset(ctx context.Context) (int, error) {
	n, err := s.deleteByPatterns(ctx, CheckpointPrefix+":*", ProgressPrefix+":*", WorkerPrefix+":*")
	if err != nil {
		return n, err
	}
	s.logger.Warn("factory reset of coordination store", "keys", n)
	return n, nil
}

// Export implements Store.
func (s *RedisStore) Export(ctx context.Context) (State, error) {
	state := NewState()

	keys, err := s.scanKeys(ctx, CheckpointPrefix+":*")
	if err != nil {
		return state, err
	}
	for _, k := range keys {
		members, err := s.client.SMembers(ctx, k).Result()
		if err != nil {
			return state, llmerrors.NewStorageError("smembers", k, err)
		}
		state.Checkpoints[k] = members
	}

	if state.Progress, err = s.hashesByPattern(ctx, ProgressPrefix+":*"); err != nil {
		return state, err
	}
	if state.Workers, err = s.hashesByPattern(ctx, WorkerPrefix+":*"); err != nil {
		return state, err
	}
	return state, nil
}

// Import implements Store.
func (s *RedisStore) Import(ctx context.Context, state State) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, members := range state.Checkpoints {
			if len(members) == 0 {
				continue
			}
			args := make([]any, len(members))
			for i, m := range members {
				args[i] = m
			}
			pipe.SAdd(ctx, k, args...)
		}
		for k, fields := range state.Progress {
			if len(fields) > 0 {
				pipe.HSet(ctx, k, maps.Clone(fields))
			}
		}
		for k, fields := range state.Workers {
			if len(fields) > 0 {
				pipe.HSet(ctx, k, maps.Clone(fields))
			}
		}
		return nil
	})
	if err != nil {
		return llmerrors.NewStorageError("import", "snapshot", err)
	}
	return nil
}

// Summary implements Store.
func (s *RedisStore) Summary(ctx context.Context) (Summary, error) {
	progress, err := s.AllProgress(ctx)
	if err != nil {
		return Summary{}, err
	}
	workers, err := s.AllWorkers(ctx)
	if err != nil {
		return Summary{}, err
	}
	return summarize(progress, workers), nil
}

// HealthCheck implements Store.
func (s *RedisStore) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	err := s.client.Ping(ctx).Err()
	h := Health{Healthy: err == nil, Backend: "redis", Latency: time.Since(start)}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, llmerrors.NewStorageError("scan", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) hashesByPattern(ctx context.Context, pattern string) (map[string]map[string]string, error) {
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string, len(keys))
	for _, k := range keys {
		fields, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, llmerrors.NewStorageError("hgetall", k, err)
		}
		out[k] = fields
	}
	return out, nil
}

func (s *RedisStore) deleteByPatterns(ctx context.Context, patterns ...string) (int, error) {
	deleted := 0
	for _, p := range patterns {
		keys, err := s.scanKeys(ctx, p)
		if err != nil {
			return deleted, err
		}
		if len(keys) == 0 {
			continue
		}
		n, err := s.client.Del(ctx, keys...).Result()
		deleted += int(n)
		if err != nil {
			return deleted, llmerrors.NewStorageError("del", p, err)
		}
	}
	return deleted, nil
}
