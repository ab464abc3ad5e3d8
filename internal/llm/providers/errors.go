package providers

import (
	"net/http"
	"strconv"
	"strings"

	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
)

// ServerErrorStatusThreshold defines the HTTP status code threshold for server errors.
const ServerErrorStatusThreshold = 500

// classifyErrorType determines ErrorType from HTTP status and the vendor's
// status string. Vendor codes are checked before HTTP status.
func classifyErrorType(statusCode int, errorCode string) llmerrors.ErrorType {
	switch strings.ToUpper(errorCode) {
	case "RESOURCE_EXHAUSTED":
		return llmerrors.ErrorTypeRateLimit
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE":
		return llmerrors.ErrorTypeInvalidRequest
	case "UNAUTHENTICATED":
		return llmerrors.ErrorTypeAuth
	case "PERMISSION_DENIED":
		return llmerrors.ErrorTypePermission
	case "DEADLINE_EXCEEDED":
		return llmerrors.ErrorTypeTimeout
	case "UNAVAILABLE", "INTERNAL":
		return llmerrors.ErrorTypeProvider
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return llmerrors.ErrorTypeRateLimit
	case http.StatusUnauthorized:
		return llmerrors.ErrorTypeAuth
	case http.StatusForbidden:
		return llmerrors.ErrorTypePermission
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return llmerrors.ErrorTypeTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return llmerrors.ErrorTypeInvalidRequest
	default:
		if statusCode >= ServerErrorStatusThreshold {
			return llmerrors.ErrorTypeProvider
		}
		return llmerrors.ErrorTypeUnknown
	}
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(h http.Header) int {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
