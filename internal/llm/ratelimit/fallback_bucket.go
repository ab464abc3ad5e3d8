package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-annotator/internal/llm/configuration"
)

// DefaultProbeInterval is how long a FallbackBucket stays on the secondary
// before trying the primary again.
const DefaultProbeInterval = 30 * time.Second

// FallbackBucket uses a primary bucket (normally Redis) and switches to a
// secondary (normally local) when the primary fails. It never fails open: a
// primary error is answered by the secondary, not by granting the call.
type FallbackBucket struct {
	primary   Bucket
	secondary Bucket
	probe     time.Duration
	now       func() time.Time
	logger    *slog.Logger

	// degradedUntil is a unix nanosecond deadline; zero when healthy.
	degradedUntil atomic.Int64
	fallbacks     atomic.Int64
}

// NewFallbackBucket wraps primary with secondary.
func NewFallbackBucket(primary, secondary Bucket, probe time.Duration, opts ...Option) *FallbackBucket {
	if probe <= 0 {
		probe = DefaultProbeInterval
	}
	o := buildOptions(opts)
	return &FallbackBucket{
		primary:   primary,
		secondary: secondary,
		probe:     probe,
		now:       o.now,
		logger:    slog.Default().With("component", "ratelimit", "backend", "fallback"),
	}
}

// Degraded reports whether calls are currently served by the secondary.
func (f *FallbackBucket) Degraded() bool {
	until := f.degradedUntil.Load()
	return until != 0 && f.now().UnixNano() < until
}

// Fallbacks returns how many calls the secondary has answered.
func (f *FallbackBucket) Fallbacks() int64 { return f.fallbacks.Load() }

// Acquire implements Bucket.
func (f *FallbackBucket) Acquire(ctx context.Context, actor string, cost int) (bool, error) {
	if !f.Degraded() {
		ok, err := f.primary.Acquire(ctx, actor, cost)
		if err == nil {
			f.recover()
			return ok, nil
		}
		if ctx.Err() != nil {
			return false, err
		}
		f.degrade(err)
	}
	f.fallbacks.Add(1)
	return f.secondary.Acquire(ctx, actor, cost)
}

// WaitTime implements Bucket.
func (f *FallbackBucket) WaitTime(ctx context.Context, actor string, cost int) (time.Duration, error) {
	if !f.Degraded() {
		d, err := f.primary.WaitTime(ctx, actor, cost)
		if err == nil {
			f.recover()
			return d, nil
		}
		if ctx.Err() != nil {
			return 0, err
		}
		f.degrade(err)
	}
	f.fallbacks.Add(1)
	return f.secondary.WaitTime(ctx, actor, cost)
}

// Reset implements Bucket. Both buckets are reset; the primary's error wins.
func (f *FallbackBucket) Reset(ctx context.Context, actor string) error {
	secErr := f.secondary.Reset(ctx, actor)
	if err := f.primary.Reset(ctx, actor); err != nil {
		return err
	}
	return secErr
}

func (f *FallbackBucket) degrade(err error) {
	until := f.now().Add(f.probe).UnixNano()
	if f.degradedUntil.Swap(until) == 0 {
		f.logger.Warn("primary rate limiter unavailable, using local bucket",
			"error", err,
			"probe_after", f.probe)
	}
}

func (f *FallbackBucket) recover() {
	if f.degradedUntil.Swap(0) != 0 {
		f.logger.Info("primary rate limiter recovered")
	}
}

// NewFromConfig builds the bucket selected by cfg.Backend. The Redis backend
// is wrapped in a FallbackBucket over a local bucket of the same size; the
// local backend ignores client.
func NewFromConfig(cfg configuration.RateLimitConfig, client redis.UniversalClient, opts ...Option) (Bucket, error) {
	bc := ConfigFrom(cfg)
	local, err := NewLocalBucket(bc, opts...)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case configuration.RateLimitBackendLocal:
		return local, nil
	case configuration.RateLimitBackendRedis, "":
		if client == nil {
			return nil, fmt.Errorf("redis rate limit backend requires a client")
		}
		rb, err := NewRedisBucket(client, bc, opts...)
		if err != nil {
			return nil, err
		}
		return NewFallbackBucket(rb, local, DefaultProbeInterval, opts...), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}
