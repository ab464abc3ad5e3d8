package ratelimit //nolint:testpackage // exercises unexported wait loop and stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-annotator/internal/llm/configuration"
	"github.com/ahrav/go-annotator/internal/llm/transport"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type bucketFactory func(t *testing.T, cfg Config, clock *fakeClock) Bucket

func bucketFactories() map[string]bucketFactory {
	return map[string]bucketFactory{
		"redis": func(t *testing.T, cfg Config, clock *fakeClock) Bucket {
			_, client := newMiniredis(t)
			b, err := NewRedisBucket(client, cfg, WithClock(clock.Now))
			require.NoError(t, err)
			return b
		},
		"local": func(t *testing.T, cfg Config, clock *fakeClock) Bucket {
			b, err := NewLocalBucket(cfg, WithClock(clock.Now))
			require.NoError(t, err)
			return b
		},
	}
}

// TestBucket_Conservation drains a full bucket of capacity C, checks the
// (C+1)th acquire fails, and that one token is back after 1/refill_rate.
func TestBucket_Conservation(t *testing.T) {
	for name, factory := range bucketFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			cfg := Config{RequestsPerMinute: 60, Capacity: 60}
			b := factory(t, cfg, clock)

			for i := range 60 {
				ok, err := b.Acquire(ctx, "1", 1)
				require.NoError(t, err)
				require.True(t, ok, "acquire %d should succeed", i+1)
			}

			ok, err := b.Acquire(ctx, "1", 1)
			require.NoError(t, err)
			assert.False(t, ok, "acquire past capacity must fail")

			wait, err := b.WaitTime(ctx, "1", 1)
			require.NoError(t, err)
			assert.Equal(t, time.Second, wait)

			clock.Advance(time.Duration(float64(time.Second) / cfg.RefillRate()))

			ok, err = b.Acquire(ctx, "1", 1)
			require.NoError(t, err)
			assert.True(t, ok, "one token refilled after 1/refill_rate")

			ok, err = b.Acquire(ctx, "1", 1)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBucket_ActorsAreIndependent(t *testing.T) {
	for name, factory := range bucketFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t, Config{RequestsPerMinute: 60, Capacity: 2}, newFakeClock())

			for range 2 {
				ok, err := b.Acquire(ctx, "1", 1)
				require.NoError(t, err)
				require.True(t, ok)
			}
			ok, err := b.Acquire(ctx, "1", 1)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = b.Acquire(ctx, "2", 1)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestBucket_RefillCapsAtCapacity(t *testing.T) {
	for name, factory := range bucketFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			b := factory(t, Config{RequestsPerMinute: 120, Capacity: 3}, clock)

			ok, err := b.Acquire(ctx, "3", 3)
			require.NoError(t, err)
			require.True(t, ok)

			clock.Advance(time.Hour)

			for range 3 {
				ok, err = b.Acquire(ctx, "3", 1)
				require.NoError(t, err)
				require.True(t, ok)
			}
			ok, err = b.Acquire(ctx, "3", 1)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBucket_WaitTime(t *testing.T) {
	for name, factory := range bucketFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			// Two tokens per second.
			b := factory(t, Config{RequestsPerMinute: 120, Capacity: 4}, clock)

			wait, err := b.WaitTime(ctx, "1", 1)
			require.NoError(t, err)
			assert.Zero(t, wait, "full bucket has no wait")

			ok, err := b.Acquire(ctx, "1", 4)
			require.NoError(t, err)
			require.True(t, ok)

			wait, err = b.WaitTime(ctx, "1", 3)
			require.NoError(t, err)
			assert.Equal(t, 1500*time.Millisecond, wait)

			clock.Advance(500 * time.Millisecond)
			wait, err = b.WaitTime(ctx, "1", 1)
			require.NoError(t, err)
			assert.Zero(t, wait)
		})
	}
}

func TestBucket_Reset(t *testing.T) {
	for name, factory := range bucketFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t, Config{RequestsPerMinute: 60, Capacity: 1}, newFakeClock())

			ok, err := b.Acquire(ctx, "5", 1)
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = b.Acquire(ctx, "5", 1)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, b.Reset(ctx, "5"))

			ok, err = b.Acquire(ctx, "5", 1)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestBucket_InvalidCost(t *testing.T) {
	for name, factory := range bucketFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t, Config{RequestsPerMinute: 60, Capacity: 5}, newFakeClock())

			_, err := b.Acquire(ctx, "1", 0)
			require.ErrorIs(t, err, errInvalidCost)

			_, err = b.WaitTime(ctx, "1", 6)
			require.ErrorIs(t, err, errCostExceedsCap)
		})
	}
}

func TestConfig_Validation(t *testing.T) {
	_, err := NewLocalBucket(Config{})
	require.ErrorIs(t, err, errInvalidRate)

	_, err = NewLocalBucket(Config{RequestsPerMinute: 60, Capacity: -1})
	require.ErrorIs(t, err, errInvalidCapacity)

	b, err := NewLocalBucket(Config{RequestsPerMinute: 30})
	require.NoError(t, err)
	assert.InDelta(t, 30.0, b.cfg.Capacity, 1e-9, "capacity defaults to requests per minute")
	assert.InDelta(t, 0.5, b.cfg.RefillRate(), 1e-9)
	assert.Equal(t, configuration.DefaultRateLimitKeyTTL, b.cfg.KeyTTL)
}

func TestRedisBucket_StateHash(t *testing.T) {
	mr, client := newMiniredis(t)
	clock := newFakeClock()
	b, err := NewRedisBucket(client, Config{RequestsPerMinute: 60, Capacity: 10}, WithClock(clock.Now))
	require.NoError(t, err)

	ok, err := b.Acquire(context.Background(), "2", 3)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "7", mr.HGet("ratelimit:2", "tokens"))
	assert.Equal(t, "1700000000000", mr.HGet("ratelimit:2", "last_update"))
	assert.Equal(t, time.Hour, mr.TTL("ratelimit:2"))

	tokens, err := b.Tokens(context.Background(), "2")
	require.NoError(t, err)
	assert.InDelta(t, 7.0, tokens, 1e-9)
}

// TestRedisBucket_ConcurrentAcquire checks that concurrent callers sharing one
// bucket never receive more tokens than the capacity.
func TestRedisBucket_ConcurrentAcquire(t *testing.T) {
	_, client := newMiniredis(t)
	clock := newFakeClock()

	// Two bucket instances model two processes sharing the same actor.
	b1, err := NewRedisBucket(client, Config{RequestsPerMinute: 60, Capacity: 10}, WithClock(clock.Now))
	require.NoError(t, err)
	b2, err := NewRedisBucket(client, Config{RequestsPerMinute: 60, Capacity: 10}, WithClock(clock.Now))
	require.NoError(t, err)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := range 50 {
		b := b1
		if i%2 == 1 {
			b = b2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := b.Acquire(context.Background(), "1", 1)
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), granted.Load())
}

func TestRedisBucket_StoreError(t *testing.T) {
	mr, client := newMiniredis(t)
	b, err := NewRedisBucket(client, Config{RequestsPerMinute: 60})
	require.NoError(t, err)

	mr.Close()

	_, err = b.Acquire(context.Background(), "1", 1)
	require.Error(t, err)
}

func TestLocalBucket_Prune(t *testing.T) {
	clock := newFakeClock()
	b, err := NewLocalBucket(Config{RequestsPerMinute: 60, Capacity: 2}, WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Acquire(ctx, "1", 1)
	require.NoError(t, err)
	_, err = b.Acquire(ctx, "2", 2)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())

	clock.Advance(1500 * time.Millisecond)
	// Actor 1 has refilled to 2; actor 2 is at 1.5 and must be kept.
	assert.Equal(t, 1, b.Prune(time.Second))
	assert.Equal(t, 1, b.Len())

	clock.Advance(time.Second)
	assert.Equal(t, 1, b.Prune(time.Second))
	assert.Zero(t, b.Len())
}

// failingBucket returns err from every call.
type failingBucket struct {
	err   error
	calls atomic.Int64
}

func (f *failingBucket) Acquire(context.Context, string, int) (bool, error) {
	f.calls.Add(1)
	return false, f.err
}

func (f *failingBucket) WaitTime(context.Context, string, int) (time.Duration, error) {
	f.calls.Add(1)
	return 0, f.err
}

func (f *failingBucket) Reset(context.Context, string) error { return f.err }

func TestFallbackBucket(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	primary := &failingBucket{err: errors.New("connection refused")}
	local, err := NewLocalBucket(Config{RequestsPerMinute: 60, Capacity: 1}, WithClock(clock.Now))
	require.NoError(t, err)

	fb := NewFallbackBucket(primary, local, 10*time.Second, WithClock(clock.Now))

	ok, err := fb.Acquire(ctx, "1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, fb.Degraded())
	assert.Equal(t, int64(1), primary.calls.Load())

	// Degraded calls skip the primary and never fail open.
	ok, err = fb.Acquire(ctx, "1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), primary.calls.Load())
	assert.Equal(t, int64(2), fb.Fallbacks())

	clock.Advance(11 * time.Second)
	assert.False(t, fb.Degraded())

	_, err = fb.WaitTime(ctx, "1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), primary.calls.Load(), "primary probed after interval")
}

func TestFallbackBucket_Recovers(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	_, client := newMiniredis(t)
	primary, err := NewRedisBucket(client, Config{RequestsPerMinute: 60}, WithClock(clock.Now))
	require.NoError(t, err)
	local, err := NewLocalBucket(Config{RequestsPerMinute: 60}, WithClock(clock.Now))
	require.NoError(t, err)

	fb := NewFallbackBucket(primary, local, time.Second, WithClock(clock.Now))
	fb.degrade(errors.New("boom"))
	require.True(t, fb.Degraded())

	clock.Advance(2 * time.Second)
	ok, err := fb.Acquire(ctx, "1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, fb.Degraded())
	assert.Zero(t, fb.degradedUntil.Load())
}

func TestNewFromConfig(t *testing.T) {
	_, client := newMiniredis(t)

	cfg := configuration.DefaultConfig().RateLimit

	cfg.Backend = configuration.RateLimitBackendLocal
	b, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalBucket{}, b)

	cfg.Backend = configuration.RateLimitBackendRedis
	b, err = NewFromConfig(cfg, client)
	require.NoError(t, err)
	assert.IsType(t, &FallbackBucket{}, b)

	_, err = NewFromConfig(cfg, nil)
	require.Error(t, err)

	cfg.Backend = "memcached"
	_, err = NewFromConfig(cfg, client)
	require.Error(t, err)
}

// scriptedBucket denies a fixed number of times before granting.
type scriptedBucket struct {
	denials int
	wait    time.Duration
	mu      sync.Mutex
	calls   int
}

func (s *scriptedBucket) Acquire(context.Context, string, int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.calls > s.denials, nil
}

func (s *scriptedBucket) WaitTime(context.Context, string, int) (time.Duration, error) {
	return s.wait, nil
}

func (s *scriptedBucket) Reset(context.Context, string) error { return nil }

func TestMiddleware_WaitsThenProceeds(t *testing.T) {
	bucket := &scriptedBucket{denials: 2, wait: 500 * time.Millisecond}

	var slept []time.Duration
	var observed time.Duration
	mw := NewMiddleware(bucket,
		WithSleeper(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
		WithWaitObserver(func(actor string, d time.Duration) {
			assert.Equal(t, "3", actor)
			observed = d
		}),
	)

	var called bool
	h := transport.Chain(transport.HandlerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		called = true
		return &transport.Response{Text: "<<LEVEL_1>>"}, nil
	}), mw.Middleware())

	resp, err := h.Handle(context.Background(), &transport.Request{AnnotatorID: 3})
	require.NoError(t, err)
	assert.Equal(t, "<<LEVEL_1>>", resp.Text)
	assert.True(t, called)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, slept)
	assert.Equal(t, time.Second, observed)

	stats := mw.Stats()
	assert.Equal(t, Stats{
		Acquired:  1,
		Denied:    2,
		Waits:     1,
		TotalWait: time.Second,
		MaxWait:   time.Second,
	}, stats)
}

func TestMiddleware_ZeroWaitIsClamped(t *testing.T) {
	bucket := &scriptedBucket{denials: 1}
	var slept time.Duration
	mw := NewMiddleware(bucket, WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}))

	h := transport.Chain(transport.HandlerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		return &transport.Response{}, nil
	}), mw.Middleware())

	_, err := h.Handle(context.Background(), &transport.Request{AnnotatorID: 1})
	require.NoError(t, err)
	assert.Equal(t, minWait, slept)
}

func TestMiddleware_ContextCanceledDuringWait(t *testing.T) {
	bucket := &scriptedBucket{denials: 1000, wait: time.Hour}
	mw := NewMiddleware(bucket)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := transport.Chain(transport.HandlerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}), mw.Middleware())

	_, err := h.Handle(ctx, &transport.Request{AnnotatorID: 1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMiddleware_BucketError(t *testing.T) {
	mw := NewMiddleware(&failingBucket{err: errors.New("down")})
	h := transport.Chain(transport.HandlerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		return &transport.Response{}, nil
	}), mw.Middleware())

	_, err := h.Handle(context.Background(), &transport.Request{AnnotatorID: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "annotator 2")
}

// TestMiddleware_RealBucketPacesCalls drives the middleware with a local bucket
// and a sleeper that advances the fake clock.
func TestMiddleware_RealBucketPacesCalls(t *testing.T) {
	clock := newFakeClock()
	bucket, err := NewLocalBucket(Config{RequestsPerMinute: 60, Capacity: 2}, WithClock(clock.Now))
	require.NoError(t, err)

	mw := NewMiddleware(bucket, WithSleeper(func(_ context.Context, d time.Duration) error {
		clock.Advance(d)
		return nil
	}))
	h := transport.Chain(transport.HandlerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		return &transport.Response{}, nil
	}), mw.Middleware())

	start := clock.Now()
	for range 5 {
		_, err := h.Handle(context.Background(), &transport.Request{AnnotatorID: 1})
		require.NoError(t, err)
	}

	// Two burst tokens, then one per second for the remaining three calls.
	assert.Equal(t, 3*time.Second, clock.Now().Sub(start))
	assert.Equal(t, int64(5), mw.Stats().Acquired)
	assert.Equal(t, int64(3), mw.Stats().Waits)
}
