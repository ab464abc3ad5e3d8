// Package ratelimit bounds the vendor call rate per annotator with a token
// bucket.
//
// Each annotator owns one bucket of Capacity tokens that refills continuously
// at RequestsPerMinute/60 tokens per second. The Redis-backed bucket shares
// that budget between every process working for the same annotator; the
// local bucket serves single-process runs and tests. A FallbackBucket puts the
// two together and degrades to local limiting while Redis is unreachable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ahrav/go-annotator/internal/llm/configuration"
)

// Redis connection constants used by NewRedisClient.
const (
	// RedisReadTimeoutSeconds defines the read timeout for Redis operations.
	RedisReadTimeoutSeconds = 5

	// RedisWriteTimeoutSeconds matches the read timeout.
	RedisWriteTimeoutSeconds = 5

	// RedisPoolSize sets the maximum number of connections in the Redis pool.
	// Workers are sequential, so a handful of connections per process is enough.
	RedisPoolSize = 10

	// MillisecondsPerSecond converts bucket timestamps.
	MillisecondsPerSecond = 1000

	// KeyPrefix is prepended to the actor to form the bucket hash key.
	KeyPrefix = "ratelimit:"
)

var (
	errInvalidCapacity = errors.New("capacity must be positive")
	errInvalidRate     = errors.New("requests per minute must be positive")
	errInvalidCost     = errors.New("cost must be positive")
	errCostExceedsCap  = errors.New("cost exceeds bucket capacity")
)

// Bucket is a per-actor token bucket.
//
// Acquire consumes cost tokens if they are available and reports whether it
// did. WaitTime reports how long until cost tokens will be available, zero if
// they already are. Reset returns the actor to a full bucket.
type Bucket interface {
	Acquire(ctx context.Context, actor string, cost int) (bool, error)
	WaitTime(ctx context.Context, actor string, cost int) (time.Duration, error)
	Reset(ctx context.Context, actor string) error
}

// Config sizes a bucket.
type Config struct {
	// RequestsPerMinute is the sustained rate; the refill rate is this over 60.
	RequestsPerMinute float64 `json:"requests_per_minute"`
	// Capacity is the burst size. Zero defaults to RequestsPerMinute.
	Capacity float64 `json:"capacity"`
	// KeyTTL expires idle Redis state. Zero defaults to one hour.
	KeyTTL time.Duration `json:"key_ttl"`
}

// ConfigFrom adapts the envelope's rate limit settings.
func ConfigFrom(cfg configuration.RateLimitConfig) Config {
	return Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Capacity:          cfg.Capacity,
		KeyTTL:            cfg.KeyTTL,
	}
}

// RefillRate returns the number of tokens added per second.
func (c Config) RefillRate() float64 {
	return c.RequestsPerMinute / configuration.SecondsPerMinute
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = c.RequestsPerMinute
	}
	if c.KeyTTL <= 0 {
		c.KeyTTL = configuration.DefaultRateLimitKeyTTL
	}
	return c
}

// validate rejects configurations that could never grant a token.
func (c Config) validate() error {
	if c.RequestsPerMinute <= 0 || math.IsNaN(c.RequestsPerMinute) || math.IsInf(c.RequestsPerMinute, 0) {
		return fmt.Errorf("invalid rate limit: %w (got %v)", errInvalidRate, c.RequestsPerMinute)
	}
	if c.Capacity <= 0 || math.IsNaN(c.Capacity) || math.IsInf(c.Capacity, 0) {
		return fmt.Errorf("invalid rate limit: %w (got %v)", errInvalidCapacity, c.Capacity)
	}
	return nil
}

// checkCost validates a per-call cost against the bucket.
func (c Config) checkCost(cost int) error {
	if cost <= 0 {
		return fmt.Errorf("%w (got %d)", errInvalidCost, cost)
	}
	if float64(cost) > c.Capacity {
		return fmt.Errorf("%w (cost %d, capacity %v)", errCostExceedsCap, cost, c.Capacity)
	}
	return nil
}

// waitFor converts a token deficit into a duration: (cost - tokens) / rate,
// floored at zero.
func waitFor(cost, tokens, refillRate float64) time.Duration {
	deficit := cost - tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(deficit / refillRate * float64(time.Second)))
}

// Option configures a bucket.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock injects the clock used to compute refills.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
