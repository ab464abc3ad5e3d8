package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies a failure. Timeouts, rate limits, network and
// provider failures are transient; everything else is terminal for the call.
type ErrorType string

const (
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeProvider       ErrorType = "provider_unavailable"
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeAuth           ErrorType = "authentication"
	ErrorTypePermission     ErrorType = "permission_denied"
	ErrorTypeStorage        ErrorType = "storage" // durable record or coordination store
	ErrorTypeCanceled       ErrorType = "canceled"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Transient reports whether failures of type t may succeed on retry.
func (t ErrorType) Transient() bool {
	switch t {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeProvider:
		return true
	}
	return false
}

// Common errors for consistent error handling.
var (
	// ErrProviderUnavailable indicates the vendor service is down or unreachable.
	ErrProviderUnavailable = errors.New("provider service unavailable")

	// ErrRateLimitExceeded indicates rate limit has been exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrUnknownProvider indicates an unknown or unsupported provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrInvalidResponse indicates the provider returned an unusable response.
	ErrInvalidResponse = errors.New("invalid provider response")

	// ErrMaxRetriesExceeded indicates maximum retry attempts exceeded.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrLockTimeout indicates a file lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrStoreUnavailable indicates the coordination store could not be reached.
	ErrStoreUnavailable = errors.New("coordination store unavailable")
)

// ProviderError captures structured error responses from the vendor API.
// Includes HTTP status codes, vendor error codes, and retry timing so the
// envelope can pick backoff or terminal handling.
type ProviderError struct {
	Provider   string    `json:"provider"`    // Provider name
	StatusCode int       `json:"status_code"` // HTTP status code
	Message    string    `json:"message"`     // Error message
	Code       string    `json:"code"`        // Provider error code
	Type       ErrorType `json:"type"`        // Classified error type
	RetryAfter int       `json:"retry_after"` // Retry-After header value in seconds
}

// Error returns formatted provider error with status code context.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable reports whether the vendor failure is transient.
func (e *ProviderError) IsRetryable() bool { return e.Type.Transient() }

// GetRetryAfter implements RetryAfterProvider interface.
func (e *ProviderError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// RateLimitError is returned once the envelope has exhausted its retries
// while the vendor keeps rate limiting. The unit of work must be
// re-submitted after RetryAfter.
type RateLimitError struct {
	Actor      string        `json:"actor"`
	RetryAfter time.Duration `json:"retry_after"`
	Attempts   int           `json:"attempts"`
	LocalLimit bool          `json:"local_limit"` // Whether the local bucket denied the call
	Cause      error         `json:"-"`
}

// Error returns formatted rate limit error with retry guidance.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for annotator %s, retry after %s", e.Actor, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for annotator %s", e.Actor)
}

// Unwrap returns the last vendor error.
func (e *RateLimitError) Unwrap() error { return e.Cause }

// GetRetryAfter implements RetryAfterProvider interface.
func (e *RateLimitError) GetRetryAfter() time.Duration { return e.RetryAfter }

// InvalidRequestError means the vendor rejected the input. Retrying the same
// prompt cannot succeed.
type InvalidRequestError struct {
	Actor   string `json:"actor"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// Error implements error.
func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request for annotator %s: %s", e.Actor, e.Message)
}

// Unwrap returns the vendor error.
func (e *InvalidRequestError) Unwrap() error { return e.Cause }

// GenericAPIError wraps any other vendor failure after retries were
// exhausted. It is transient by default.
type GenericAPIError struct {
	Actor    string `json:"actor"`
	Attempts int    `json:"attempts"`
	Cause    error  `json:"-"`
}

// Error implements error.
func (e *GenericAPIError) Error() string {
	return fmt.Sprintf("api call for annotator %s failed after %d attempts: %v", e.Actor, e.Attempts, e.Cause)
}

// Unwrap returns the last failure.
func (e *GenericAPIError) Unwrap() error { return e.Cause }

// StorageError reports a durable record or coordination store failure:
// lock timeouts, corrupt files, connectivity loss.
type StorageError struct {
	Op       string `json:"op"`
	Resource string `json:"resource"`
	Cause    error  `json:"-"`
}

// Error implements error.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Resource, e.Cause)
}

// Unwrap returns the underlying failure.
func (e *StorageError) Unwrap() error { return e.Cause }

// NewStorageError wraps err, returning nil for a nil err.
func NewStorageError(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Resource: resource, Cause: err}
}

// ValidationError captures input validation failures with structured context.
type ValidationError struct {
	Field   string `json:"field"`   // Field that failed validation
	Value   any    `json:"value"`   // Invalid value
	Message string `json:"message"` // Validation message
}

// Error returns formatted validation error with field-specific context.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// IsRetryableError reports whether err is worth another attempt. Unknown
// errors are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		return wfErr.ShouldRetry()
	}

	var invalid *InvalidRequestError
	if errors.As(err, &invalid) {
		return false
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}

	var generic *GenericAPIError
	if errors.As(err, &generic) {
		return true
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.IsRetryable()
	}

	if errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrProviderUnavailable) {
		return true
	}

	return false
}

// IsRateLimitError identifies rate limiting errors for backoff handling.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		return wfErr.Type == ErrorTypeRateLimit
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Type == ErrorTypeRateLimit
	}

	return errors.Is(err, ErrRateLimitExceeded)
}

// IsInvalidRequest reports whether the vendor rejected the input.
func IsInvalidRequest(err error) bool {
	if err == nil {
		return false
	}
	var invalid *InvalidRequestError
	if errors.As(err, &invalid) {
		return true
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Type == ErrorTypeInvalidRequest
	}
	return false
}

// GetRetryAfter extracts the suggested wait from rate limit errors,
// or 0 if no specific retry guidance is available.
func GetRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimitErr.RetryAfter
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.GetRetryAfter()
	}

	return 0
}
