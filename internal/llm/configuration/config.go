// Package configuration holds the knobs for the external call envelope:
// vendor endpoints and credentials per annotator, the retry policy, the
// token-bucket rate limit, and model parameters.
package configuration

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Configuration validation errors.
var (
	ErrInvalidRetry     = errors.New("invalid retry configuration")
	ErrInvalidRateLimit = errors.New("invalid rate limit configuration")
	ErrInvalidModel     = errors.New("invalid model configuration")
	ErrMissingAPIKey    = errors.New("missing api key")
)

// Config holds the full configuration for the envelope client.
type Config struct {
	// HTTP client configuration
	HTTPTimeout time.Duration `json:"http_timeout"`
	HTTPClient  *http.Client  `json:"-"`

	// Providers maps an annotator ID (as a decimal string) to its vendor
	// settings. Each annotator owns one credential and one rate budget.
	Providers map[string]ProviderConfig `json:"providers"`

	// Model parameters sent with every request.
	Model ModelConfig `json:"model"`

	// Retry configuration
	Retry RetryConfig `json:"retry"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `json:"rate_limit"`

	// Observability configuration
	Observability ObservabilityConfig `json:"observability"`
}

// ProviderConfig holds vendor endpoint settings and authentication for one
// annotator.
type ProviderConfig struct {
	Endpoint  string            `json:"endpoint"`
	APIKey    string            `json:"-"` // Sensitive, not serialized
	APIKeyEnv string            `json:"api_key_env"`
	Timeout   time.Duration     `json:"timeout"`
	Headers   map[string]string `json:"headers"`
}

// ResolveAPIKey returns the inline key, falling back to the environment.
func (p ProviderConfig) ResolveAPIKey() (string, error) {
	if p.APIKey != "" {
		return p.APIKey, nil
	}
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("%w: environment variable %s is empty", ErrMissingAPIKey, p.APIKeyEnv)
	}
	return "", ErrMissingAPIKey
}

// ModelConfig controls generation parameters.
type ModelConfig struct {
	Name        string  `json:"name"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// RetryConfig controls the in-call retry loop and the re-submission delay
// applied when a unit has to be processed again later.
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries"`    // Retries after the first attempt
	BaseDelay     time.Duration `json:"base_delay"`     // Backoff is BaseDelay * 2^(attempt-1)
	MaxDelay      time.Duration `json:"max_delay"`      // Cap on a single backoff (0 = uncapped)
	UseJitter     bool          `json:"use_jitter"`     // Add up to 10% random jitter
	ResubmitDelay time.Duration `json:"resubmit_delay"` // Delay before re-submitting after a generic API error
	MaxResubmits  int           `json:"max_resubmits"`  // Re-submissions before a unit is recorded as failed
}

// RateLimitConfig controls the per-annotator token bucket.
type RateLimitConfig struct {
	Enabled           bool          `json:"enabled"`
	Backend           string        `json:"backend"` // "redis" or "local"
	RequestsPerMinute float64       `json:"requests_per_minute"`
	Capacity          float64       `json:"capacity"`
	KeyTTL            time.Duration `json:"key_ttl"`
}

// RefillRate returns tokens added per second.
func (r RateLimitConfig) RefillRate() float64 {
	return r.RequestsPerMinute / SecondsPerMinute
}

// ObservabilityConfig controls logging of prompts and tracing.
type ObservabilityConfig struct {
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	RedactPrompts bool   `json:"redact_prompts"`
	Tracing       bool   `json:"tracing"`
}

// Validate checks the configuration for values the envelope cannot run with.
func (c *Config) Validate() error {
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("%w: max_retries %d not in [0,%d]", ErrInvalidRetry, c.Retry.MaxRetries, MaxRetriesLimit)
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("%w: base_delay must not be negative", ErrInvalidRetry)
	}
	if c.Retry.MaxResubmits < 0 {
		return fmt.Errorf("%w: max_resubmits must not be negative", ErrInvalidRetry)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("%w: requests_per_minute must be positive", ErrInvalidRateLimit)
		}
		if c.RateLimit.Capacity <= 0 {
			return fmt.Errorf("%w: capacity must be positive", ErrInvalidRateLimit)
		}
		switch c.RateLimit.Backend {
		case RateLimitBackendRedis, RateLimitBackendLocal:
		default:
			return fmt.Errorf("%w: unknown backend %q", ErrInvalidRateLimit, c.RateLimit.Backend)
		}
	}
	if c.Model.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidModel)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f not in [0,2]", ErrInvalidModel, c.Model.Temperature)
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidModel)
	}
	return nil
}
