package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// timedLimiter pairs a limiter with its last use so idle actors can be pruned.
type timedLimiter struct {
	limiter *rate.Limiter
	// lastUsed is a unix nanosecond timestamp, updated atomically.
	lastUsed atomic.Int64
}

// LocalBucket keeps one golang.org/x/time/rate limiter per actor in process
// memory. Every call passes the injected clock's time explicitly, so tests
// can step time without sleeping.
type LocalBucket struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.RWMutex
	limiters map[string]*timedLimiter
}

// NewLocalBucket creates an in-process bucket.
func NewLocalBucket(cfg Config, opts ...Option) (*LocalBucket, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &LocalBucket{
		cfg:      cfg,
		now:      o.now,
		logger:   slog.Default().With("component", "ratelimit", "backend", "local"),
		limiters: make(map[string]*timedLimiter),
	}, nil
}

// Acquire implements Bucket.
func (b *LocalBucket) Acquire(_ context.Context, actor string, cost int) (bool, error) {
	if err := b.cfg.checkCost(cost); err != nil {
		return false, err
	}
	now := b.now()
	return b.getOrCreate(actor, now).AllowN(now, cost), nil
}

// WaitTime implements Bucket.
func (b *LocalBucket) WaitTime(_ context.Context, actor string, cost int) (time.Duration, error) {
	if err := b.cfg.checkCost(cost); err != nil {
		return 0, err
	}
	now := b.now()
	tokens := b.getOrCreate(actor, now).TokensAt(now)
	return waitFor(float64(cost), tokens, b.cfg.RefillRate()), nil
}

// Reset implements Bucket.
func (b *LocalBucket) Reset(_ context.Context, actor string) error {
	b.mu.Lock()
	delete(b.limiters, actor)
	b.mu.Unlock()
	return nil
}

// Tokens returns the refilled token count for actor.
func (b *LocalBucket) Tokens(actor string) float64 {
	now := b.now()
	return b.getOrCreate(actor, now).TokensAt(now)
}

// Prune drops limiters idle for longer than idle whose bucket has fully
// refilled. Dropping a partially drained limiter would hand out a fresh burst.
func (b *LocalBucket) Prune(idle time.Duration) int {
	now := b.now()
	cutoff := now.Add(-idle).UnixNano()

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for actor, tl := range b.limiters {
		if tl.lastUsed.Load() >= cutoff {
			continue
		}
		if tl.limiter.TokensAt(now) < float64(tl.limiter.Burst()) {
			continue
		}
		delete(b.limiters, actor)
		removed++
	}
	if removed > 0 {
		b.logger.Debug("pruned idle limiters", "count", removed)
	}
	return removed
}

// Len returns the number of tracked actors.
func (b *LocalBucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.limiters)
}

func (b *LocalBucket) getOrCreate(actor string, now time.Time) *rate.Limiter {
	b.mu.RLock()
	tl, ok := b.limiters[actor]
	b.mu.RUnlock()
	if ok {
		tl.lastUsed.Store(now.UnixNano())
		return tl.limiter
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if tl, ok = b.limiters[actor]; ok {
		tl.lastUsed.Store(now.UnixNano())
		return tl.limiter
	}

	burst := int(math.Floor(b.cfg.Capacity))
	lim := rate.NewLimiter(rate.Limit(b.cfg.RefillRate()), burst)
	// A new limiter starts full; pin its clock to the injected time.
	lim.SetBurstAt(now, burst)
	tl = &timedLimiter{limiter: lim}
	tl.lastUsed.Store(now.UnixNano())
	b.limiters[actor] = tl
	return lim
}
