package errors

import "fmt"

// WorkflowError is the classified form of any envelope, vendor or storage
// failure. Activities log it with its Details and hand Retryable to the
// processor, which decides between a resubmission and a recorded error.
type WorkflowError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	// Code is the vendor status or one of the classifier's codes, e.g.
	// "RATE_LIMIT" or "MAX_RETRIES".
	Code      string         `json:"code"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details"`
	Cause     error          `json:"-"`
}

func (e *WorkflowError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("[%s] %s", e.Type, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *WorkflowError) Unwrap() error { return e.Cause }

// ShouldRetry reports the classifier's decision, which may differ from the
// type default, e.g. an exhausted retry budget on a provider error.
func (e *WorkflowError) ShouldRetry() bool { return e.Retryable }

// IsRetryable reports whether errors of this type are transient.
func (e *WorkflowError) IsRetryable() bool { return e.Type.Transient() }
