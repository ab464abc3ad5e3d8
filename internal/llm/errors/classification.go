package errors

import (
	"context"
	"errors"
	"strings"
)

// Classify transforms envelope and storage errors into a WorkflowError with
// retry guidance. Strongly-typed errors are checked first, then sentinels,
// then message patterns for untyped errors.
func Classify(err error) *WorkflowError {
	if err == nil {
		return nil
	}

	if workflowErr := classifyTypedErrors(err); workflowErr != nil {
		return workflowErr
	}

	if workflowErr := classifySentinelErrors(err); workflowErr != nil {
		return workflowErr
	}

	return classifyStringPatternErrors(err)
}

// classifyTypedErrors handles strongly-typed error classification.
func classifyTypedErrors(err error) *WorkflowError {
	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		return wfErr
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return &WorkflowError{
			Type:      ErrorTypeRateLimit,
			Message:   rateLimitErr.Error(),
			Code:      "RATE_LIMIT",
			Retryable: true,
			Details: map[string]any{
				"actor":       rateLimitErr.Actor,
				"retry_after": rateLimitErr.RetryAfter.Seconds(),
				"attempts":    rateLimitErr.Attempts,
			},
			Cause: err,
		}
	}

	var invalidErr *InvalidRequestError
	if errors.As(err, &invalidErr) {
		return &WorkflowError{
			Type:      ErrorTypeInvalidRequest,
			Message:   invalidErr.Error(),
			Code:      "INVALID_REQUEST",
			Retryable: false,
			Details:   map[string]any{"actor": invalidErr.Actor},
			Cause:     err,
		}
	}

	var genericErr *GenericAPIError
	if errors.As(err, &genericErr) {
		return &WorkflowError{
			Type:      ErrorTypeProvider,
			Message:   genericErr.Error(),
			Code:      "API_ERROR",
			Retryable: true,
			Details: map[string]any{
				"actor":    genericErr.Actor,
				"attempts": genericErr.Attempts,
			},
			Cause: err,
		}
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return &WorkflowError{
			Type:      ErrorTypeStorage,
			Message:   storageErr.Error(),
			Code:      "STORAGE",
			Retryable: false,
			Details: map[string]any{
				"op":       storageErr.Op,
				"resource": storageErr.Resource,
			},
			Cause: err,
		}
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return &WorkflowError{
			Type:      providerErr.Type,
			Message:   providerErr.Message,
			Code:      providerErr.Code,
			Retryable: providerErr.IsRetryable(),
			Details: map[string]any{
				"provider":    providerErr.Provider,
				"status_code": providerErr.StatusCode,
			},
			Cause: err,
		}
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return &WorkflowError{
			Type:      ErrorTypeInvalidRequest,
			Message:   valErr.Error(),
			Code:      "VALIDATION",
			Retryable: false,
			Details: map[string]any{
				"field": valErr.Field,
				"value": valErr.Value,
			},
			Cause: err,
		}
	}

	return nil
}

// sentinelRule maps a sentinel error to its classification.
type sentinelRule struct {
	target    error
	typ       ErrorType
	code      string
	retryable bool
}

// Order matters: a context error wrapped inside a storage failure is still
// reported as a cancellation or timeout.
var sentinelRules = []sentinelRule{
	{context.Canceled, ErrorTypeCanceled, "CANCELED", false},
	{context.DeadlineExceeded, ErrorTypeTimeout, "TIMEOUT", true},
	{ErrRateLimitExceeded, ErrorTypeRateLimit, "RATE_LIMIT", true},
	{ErrProviderUnavailable, ErrorTypeProvider, "PROVIDER_UNAVAILABLE", true},
	{ErrLockTimeout, ErrorTypeStorage, "STORAGE", false},
	{ErrStoreUnavailable, ErrorTypeStorage, "STORAGE", false},
	{ErrMaxRetriesExceeded, ErrorTypeProvider, "MAX_RETRIES", false},
}

// classifySentinelErrors handles sentinel error classification.
func classifySentinelErrors(err error) *WorkflowError {
	for _, r := range sentinelRules {
		if !errors.Is(err, r.target) {
			continue
		}
		wf := &WorkflowError{
			Type:      r.typ,
			Message:   err.Error(),
			Code:      r.code,
			Retryable: r.retryable,
			Cause:     err,
		}
		if r.target == ErrMaxRetriesExceeded {
			wf.Details = map[string]any{"original_error": err.Error()}
		}
		return wf
	}
	return nil
}

// patternRule classifies an untyped error whose lowercased message contains
// any of its needles.
type patternRule struct {
	needles   []string
	typ       ErrorType
	code      string
	message   string
	retryable bool
}

var patternRules = []patternRule{
	{[]string{"rate limit", "resource exhausted"}, ErrorTypeRateLimit, "RATE_LIMIT", "Rate limit exceeded", true},
	{[]string{"timeout", "deadline"}, ErrorTypeTimeout, "TIMEOUT", "Request timeout", true},
	{[]string{"invalid argument", "invalid request"}, ErrorTypeInvalidRequest, "INVALID_REQUEST", "Invalid request", false},
	{[]string{"unauthorized", "authentication"}, ErrorTypeAuth, "AUTH_FAILED", "Authentication failed", false},
	{[]string{"forbidden", "permission"}, ErrorTypePermission, "PERMISSION_DENIED", "Permission denied", false},
	{[]string{"network", "connection"}, ErrorTypeNetwork, "NETWORK_ERROR", "Network error", true},
}

var unknownRule = patternRule{typ: ErrorTypeUnknown, code: "UNKNOWN", message: "Unknown error"}

// classifyStringPatternErrors handles untyped error classification by
// matching on the lowercased error message. Unmatched errors are unknown and
// not retryable.
func classifyStringPatternErrors(err error) *WorkflowError {
	msg := strings.ToLower(err.Error())
	rule := unknownRule
	for _, r := range patternRules {
		if containsAny(msg, r.needles) {
			rule = r
			break
		}
	}
	return &WorkflowError{
		Type:      rule.typ,
		Message:   rule.message,
		Code:      rule.code,
		Retryable: rule.retryable,
		Details:   map[string]any{"original_error": err.Error()},
		Cause:     err,
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
