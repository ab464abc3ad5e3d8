// Package metrics records per-request and per-task counters keyed by worker
// (annotator, domain).
//
// The Redis sink keeps the hashes monitoring tools read: metrics:{a}:{d} for
// vendor requests, task_metrics:{a}:{d} for task aggregates and task:{id} for
// individual tasks, all expiring after 24 hours. PrometheusSink tees any sink
// into Prometheus collectors.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/go-annotator/internal/domain"
)

// Retention is the expiry applied to every metrics hash.
const Retention = 24 * time.Hour

// RequestMetrics aggregates vendor calls for one worker.
type RequestMetrics struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	TotalDuration      float64   `json:"total_duration"` // seconds, successful calls only
	LastRequestTime    time.Time `json:"last_request_time,omitzero"`
}

// SuccessRate returns successful/total as a percentage.
func (m RequestMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests) * 100
}

// AverageDuration returns the mean successful call duration.
func (m RequestMetrics) AverageDuration() time.Duration {
	if m.SuccessfulRequests == 0 {
		return 0
	}
	return time.Duration(m.TotalDuration / float64(m.SuccessfulRequests) * float64(time.Second))
}

// TaskMetric is one processed unit of work.
type TaskMetric struct {
	TaskID      string             `json:"task_id"`
	AnnotatorID domain.AnnotatorID `json:"annotator_id"`
	Domain      domain.Domain      `json:"domain"`
	SampleID    string             `json:"sample_id"`
	Status      domain.TaskStatus  `json:"status"`
	Duration    time.Duration      `json:"duration"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Key returns the worker the task belongs to.
func (t TaskMetric) Key() domain.WorkerKey {
	return domain.WorkerKey{AnnotatorID: t.AnnotatorID, Domain: t.Domain}
}

// TaskMetrics aggregates processed tasks for one worker.
type TaskMetrics struct {
	TotalTasks      int64   `json:"total_tasks"`
	SuccessfulTasks int64   `json:"successful_tasks"`
	MalformedTasks  int64   `json:"malformed_tasks"`
	ErrorTasks      int64   `json:"error_tasks"`
	TotalDuration   float64 `json:"total_duration"` // seconds
}

// ErrorRate returns error tasks as a fraction of all tasks.
func (m TaskMetrics) ErrorRate() float64 {
	if m.TotalTasks == 0 {
		return 0
	}
	return float64(m.ErrorTasks) / float64(m.TotalTasks)
}

// MalformedRate returns malformed tasks as a fraction of all tasks.
func (m TaskMetrics) MalformedRate() float64 {
	if m.TotalTasks == 0 {
		return 0
	}
	return float64(m.MalformedTasks) / float64(m.TotalTasks)
}

// AverageDuration returns the mean task duration.
func (m TaskMetrics) AverageDuration() time.Duration {
	if m.TotalTasks == 0 {
		return 0
	}
	return time.Duration(m.TotalDuration / float64(m.TotalTasks) * float64(time.Second))
}

// add folds one task into the aggregate. Statuses other than success and
// malformed count as errors.
func (m *TaskMetrics) add(t TaskMetric) {
	m.TotalTasks++
	m.TotalDuration += t.Duration.Seconds()
	switch t.Status {
	case domain.TaskSuccess:
		m.SuccessfulTasks++
	case domain.TaskMalformed:
		m.MalformedTasks++
	default:
		m.ErrorTasks++
	}
}

// Sink receives request and task metrics.
type Sink interface {
	RecordRequest(ctx context.Context, key domain.WorkerKey, d time.Duration, success bool) error
	RecordTask(ctx context.Context, t TaskMetric) error
	RequestMetrics(ctx context.Context, key domain.WorkerKey) (RequestMetrics, error)
	TaskMetrics(ctx context.Context, key domain.WorkerKey) (TaskMetrics, error)
}

// RequestKey is the Redis hash holding request metrics for key.
func RequestKey(key domain.WorkerKey) string {
	return fmt.Sprintf("metrics:%d:%s", key.AnnotatorID, key.Domain)
}

// TaskAggregateKey is the Redis hash holding task aggregates for key.
func TaskAggregateKey(key domain.WorkerKey) string {
	return fmt.Sprintf("task_metrics:%d:%s", key.AnnotatorID, key.Domain)
}

// TaskKey is the Redis hash holding one task's details.
func TaskKey(taskID string) string {
	return "task:" + taskID
}
