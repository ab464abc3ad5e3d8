// Package transport defines the request/response types and the middleware
// pipeline that every vendor call passes through.
package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ahrav/go-annotator/internal/domain"
)

// Request is one generation call for a unit of work.
type Request struct {
	// AnnotatorID selects the credential and the rate budget.
	AnnotatorID domain.AnnotatorID `json:"annotator_id"`

	// Domain and SampleID identify the unit of work for metrics and logs.
	Domain   domain.Domain `json:"domain"`
	SampleID string        `json:"sample_id"`

	// Prompt is the fully rendered prompt text.
	Prompt string `json:"prompt"`

	// Model parameters. A nil Temperature takes the client default; an
	// explicit zero is kept.
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens"`

	// Retry policy for this call. Zero values fall back to client defaults;
	// a negative MaxRetries disables retries.
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`

	// Control fields.
	Timeout        time.Duration `json:"timeout"`
	IdempotencyKey string        `json:"idempotency_key"`
	TraceID        string        `json:"trace_id"`
}

// Actor returns the rate-limit identity for the request.
func (r *Request) Actor() string {
	return strconv.Itoa(int(r.AnnotatorID))
}

// SamplingTemperature returns the temperature sent to the vendor, zero when
// unset.
func (r *Request) SamplingTemperature() float64 {
	if r.Temperature == nil {
		return 0
	}
	return *r.Temperature
}

// Key returns the worker key the request belongs to.
func (r *Request) Key() domain.WorkerKey {
	return domain.WorkerKey{AnnotatorID: r.AnnotatorID, Domain: r.Domain}
}

// Response is the normalized vendor output.
type Response struct {
	// Text is the generated output.
	Text string `json:"text"`

	// FinishReason is the vendor's stop reason, upper-cased.
	FinishReason string `json:"finish_reason"`

	// RequestIDs enables cross-system correlation.
	RequestIDs []string `json:"request_ids"`

	// Latency of the successful attempt.
	Latency time.Duration `json:"latency"`

	// Attempts made by the retry layer, including the successful one.
	Attempts int `json:"attempts"`

	// Headers preserves raw response headers for debugging.
	Headers http.Header `json:"-"`
}
