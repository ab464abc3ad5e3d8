package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-annotator/internal/domain"
)

// RedisSink writes metrics hashes to Redis. Every write is one MULTI/EXEC
// transaction so concurrent workers never interleave partial updates.
type RedisSink struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisSink creates a sink over client.
func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client, now: time.Now}
}

// RecordRequest implements Sink.
func (s *RedisSink) RecordRequest(ctx context.Context, key domain.WorkerKey, d time.Duration, success bool) error {
	hkey := RequestKey(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, hkey, "total_requests", 1)
		if success {
			pipe.HIncrBy(ctx, hkey, "successful_requests", 1)
			pipe.HIncrByFloat(ctx, hkey, "total_duration", d.Seconds())
		} else {
			pipe.HIncrBy(ctx, hkey, "failed_requests", 1)
		}
		pipe.HSet(ctx, hkey, "last_request_time", s.now().Format(time.RFC3339Nano))
		pipe.Expire(ctx, hkey, Retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record request metrics for %s: %w", key, err)
	}
	return nil
}

// RecordTask implements Sink.
func (s *RedisSink) RecordTask(ctx context.Context, t TaskMetric) error {
	completedAt := t.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}
	agg := TaskAggregateKey(t.Key())
	taskKey := TaskKey(t.TaskID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if t.TaskID != "" {
			pipe.HSet(ctx, taskKey,
				"annotator_id", int(t.AnnotatorID),
				"domain", string(t.Domain),
				"sample_id", t.SampleID,
				"duration", strconv.FormatFloat(t.Duration.Seconds(), 'f', -1, 64),
				"status", string(t.Status),
				"completed_at", completedAt.Format(time.RFC3339Nano),
			)
			pipe.Expire(ctx, taskKey, Retention)
		}

		pipe.HIncrBy(ctx, agg, "total_tasks", 1)
		pipe.HIncrByFloat(ctx, agg, "total_duration", t.Duration.Seconds())
		switch t.Status {
		case domain.TaskSuccess:
			pipe.HIncrBy(ctx, agg, "successful_tasks", 1)
		case domain.TaskMalformed:
			pipe.HIncrBy(ctx, agg, "malformed_tasks", 1)
		default:
			pipe.HIncrBy(ctx, agg, "error_tasks", 1)
		}
		pipe.Expire(ctx, agg, Retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record task metrics for %s: %w", t.Key(), err)
	}
	return nil
}

// RequestMetrics implements Sink.
func (s *RedisSink) RequestMetrics(ctx context.Context, key domain.WorkerKey) (RequestMetrics, error) {
	fields, err := s.client.HGetAll(ctx, RequestKey(key)).Result()
	if err != nil {
		return RequestMetrics{}, fmt.Errorf("read request metrics for %s: %w", key, err)
	}
	m := RequestMetrics{
		TotalRequests:      parseInt(fields["total_requests"]),
		SuccessfulRequests: parseInt(fields["successful_requests"]),
		FailedRequests:     parseInt(fields["failed_requests"]),
		TotalDuration:      parseFloat(fields["total_duration"]),
	}
	if ts := fields["last_request_time"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.LastRequestTime = t
		}
	}
	return m, nil
}

// TaskMetrics implements Sink.
func (s *RedisSink) TaskMetrics(ctx context.Context, key domain.WorkerKey) (TaskMetrics, error) {
	fields, err := s.client.HGetAll(ctx, TaskAggregateKey(key)).Result()
	if err != nil {
		return TaskMetrics{}, fmt.Errorf("read task metrics for %s: %w", key, err)
	}
	return TaskMetrics{
		TotalTasks:      parseInt(fields["total_tasks"]),
		SuccessfulTasks: parseInt(fields["successful_tasks"]),
		MalformedTasks:  parseInt(fields["malformed_tasks"]),
		ErrorTasks:      parseInt(fields["error_tasks"]),
		TotalDuration:   parseFloat(fields["total_duration"]),
	}, nil
}

// Task reads one task hash. A missing task yields redis.Nil.
func (s *RedisSink) Task(ctx context.Context, taskID string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, TaskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}
	return fields, nil
}

// Clear removes the request and task aggregates for key.
func (s *RedisSink) Clear(ctx context.Context, key domain.WorkerKey) error {
	return s.client.Del(ctx, RequestKey(key), TaskAggregateKey(key)).Err()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
