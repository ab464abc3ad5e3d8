package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/ahrav/go-annotator/internal/domain"
)

// MemorySink keeps metrics in process memory.
type MemorySink struct {
	mu       sync.Mutex
	now      func() time.Time
	requests map[domain.WorkerKey]RequestMetrics
	tasks    map[domain.WorkerKey]TaskMetrics
	history  []TaskMetric
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		now:      time.Now,
		requests: make(map[domain.WorkerKey]RequestMetrics),
		tasks:    make(map[domain.WorkerKey]TaskMetrics),
	}
}

// RecordRequest implements Sink.
func (s *MemorySink) RecordRequest(_ context.Context, key domain.WorkerKey, d time.Duration, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.requests[key]
	m.TotalRequests++
	if success {
		m.SuccessfulRequests++
		m.TotalDuration += d.Seconds()
	} else {
		m.FailedRequests++
	}
	m.LastRequestTime = s.now()
	s.requests[key] = m
	return nil
}

// RecordTask implements Sink.
func (s *MemorySink) RecordTask(_ context.Context, t TaskMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tasks[t.Key()]
	m.add(t)
	s.tasks[t.Key()] = m
	s.history = append(s.history, t)
	return nil
}

// RequestMetrics implements Sink.
func (s *MemorySink) RequestMetrics(_ context.Context, key domain.WorkerKey) (RequestMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key], nil
}

// TaskMetrics implements Sink.
func (s *MemorySink) TaskMetrics(_ context.Context, key domain.WorkerKey) (TaskMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[key], nil
}

// Tasks returns every recorded task in order.
func (s *MemorySink) Tasks() []TaskMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskMetric, len(s.history))
	copy(out, s.history)
	return out
}
