package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahrav/go-annotator/internal/domain"
)

const namespace = "annotator"

// Collectors holds the Prometheus instruments for the annotation pipeline.
type Collectors struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Tasks           *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	RateLimitWaits  *prometheus.HistogramVec
	Reconciled      *prometheus.CounterVec
	Malformed       *prometheus.CounterVec
}

// NewCollectors creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Vendor call attempts by worker and result.",
			},
			[]string{"annotator", "domain", "result"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Vendor call attempt latency.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
			},
			[]string{"annotator", "domain"},
		),
		Tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Processed units of work by worker and final status.",
			},
			[]string{"annotator", "domain", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "End-to-end time to process one unit of work.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 9),
			},
			[]string{"annotator", "domain"},
		),
		RateLimitWaits: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ratelimit_wait_seconds",
				Help:      "Time spent waiting for a rate limit token.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"annotator"},
		),
		Reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciled_samples_total",
				Help:      "Sample IDs added to the completion set from durable records.",
			},
			[]string{"annotator", "domain"},
		),
		Malformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_responses_total",
				Help:      "Invalid model responses by worker and error category.",
			},
			[]string{"annotator", "domain", "category"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			c.Requests, c.RequestDuration,
			c.Tasks, c.TaskDuration,
			c.RateLimitWaits, c.Reconciled, c.Malformed,
		)
	}
	return c
}

// ObserveRateLimitWait records a limiter wait. Its signature matches
// ratelimit.WaitObserver.
func (c *Collectors) ObserveRateLimitWait(actor string, waited time.Duration) {
	c.RateLimitWaits.WithLabelValues(actor).Observe(waited.Seconds())
}

// AddReconciled counts ids recovered by reconciliation.
func (c *Collectors) AddReconciled(key domain.WorkerKey, n int) {
	if n <= 0 {
		return
	}
	c.Reconciled.WithLabelValues(annotatorLabel(key.AnnotatorID), string(key.Domain)).Add(float64(n))
}

// IncMalformed counts one invalid response. category is "parsing" or
// "validity".
func (c *Collectors) IncMalformed(key domain.WorkerKey, category string) {
	c.Malformed.WithLabelValues(annotatorLabel(key.AnnotatorID), string(key.Domain), category).Inc()
}

// PrometheusSink forwards to an inner Sink and mirrors every write into
// Prometheus collectors. Reads go to the inner sink.
type PrometheusSink struct {
	Sink
	c *Collectors
}

// NewPrometheusSink wraps inner.
func NewPrometheusSink(inner Sink, c *Collectors) *PrometheusSink {
	return &PrometheusSink{Sink: inner, c: c}
}

// Collectors returns the wrapped collectors.
func (p *PrometheusSink) Collectors() *Collectors { return p.c }

// RecordRequest implements Sink.
func (p *PrometheusSink) RecordRequest(ctx context.Context, key domain.WorkerKey, d time.Duration, success bool) error {
	a, dom := annotatorLabel(key.AnnotatorID), string(key.Domain)
	result := "success"
	if !success {
		result = "failure"
	}
	p.c.Requests.WithLabelValues(a, dom, result).Inc()
	if success {
		p.c.RequestDuration.WithLabelValues(a, dom).Observe(d.Seconds())
	}
	return p.Sink.RecordRequest(ctx, key, d, success)
}

// RecordTask implements Sink.
func (p *PrometheusSink) RecordTask(ctx context.Context, t TaskMetric) error {
	a, dom := annotatorLabel(t.AnnotatorID), string(t.Domain)
	p.c.Tasks.WithLabelValues(a, dom, string(t.Status)).Inc()
	p.c.TaskDuration.WithLabelValues(a, dom).Observe(t.Duration.Seconds())
	return p.Sink.RecordTask(ctx, t)
}

func annotatorLabel(id domain.AnnotatorID) string {
	return strconv.Itoa(int(id))
}
