package configuration

import (
	"time"
)

// HTTP constants.
const (
	DefaultHTTPTimeoutSeconds = 60
	DefaultGeminiEndpoint     = "https://generativelanguage.googleapis.com/v1beta"
)

// Retry constants.
const (
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = 2 * time.Second
	DefaultMaxDelay      = 0
	DefaultResubmitDelay = 60 * time.Second
	DefaultMaxResubmits  = 3
	MaxRetriesLimit      = 10
)

// Rate limiting constants.
const (
	DefaultRequestsPerMinute = 60
	DefaultBucketCapacity    = 60
	DefaultRateLimitKeyTTL   = time.Hour
	SecondsPerMinute         = 60.0
	RateLimitBackendRedis    = "redis"
	RateLimitBackendLocal    = "local"
)

// Model constants.
const (
	DefaultModelName   = "gemini-2.0-flash"
	DefaultTemperature = 0.0
	DefaultMaxTokens   = 2048
)

// DefaultConfig returns configuration matching the production annotation
// setup: 60 requests per minute per annotator, three retries from a two
// second base delay, Redis-backed buckets.
func DefaultConfig() *Config {
	return &Config{
		HTTPTimeout: DefaultHTTPTimeoutSeconds * time.Second,
		Providers:   map[string]ProviderConfig{},
		Model: ModelConfig{
			Name:        DefaultModelName,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
		},
		Retry: RetryConfig{
			MaxRetries:    DefaultMaxRetries,
			BaseDelay:     DefaultBaseDelay,
			MaxDelay:      DefaultMaxDelay,
			UseJitter:     false,
			ResubmitDelay: DefaultResubmitDelay,
			MaxResubmits:  DefaultMaxResubmits,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			Backend:           RateLimitBackendRedis,
			RequestsPerMinute: DefaultRequestsPerMinute,
			Capacity:          DefaultBucketCapacity,
			KeyTTL:            DefaultRateLimitKeyTTL,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			RedactPrompts: true,
		},
	}
}
