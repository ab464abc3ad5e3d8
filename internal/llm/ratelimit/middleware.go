package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-annotator/internal/llm/transport"
)

// minWait keeps a zero WaitTime (another caller took the token first) from
// turning into a hot loop.
const minWait = 10 * time.Millisecond

// WaitObserver is notified after every limiter wait.
type WaitObserver func(actor string, waited time.Duration)

// MiddlewareOption configures the rate limit middleware.
type MiddlewareOption func(*rateLimitMiddleware)

// WithWaitObserver registers an observer for limiter waits.
func WithWaitObserver(obs WaitObserver) MiddlewareOption {
	return func(m *rateLimitMiddleware) { m.observer = obs }
}

// WithSleeper replaces the context-aware sleep.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) MiddlewareOption {
	return func(m *rateLimitMiddleware) { m.sleep = sleep }
}

// rateLimitMiddleware blocks each attempt until the actor's bucket grants a
// token.
type rateLimitMiddleware struct {
	bucket   Bucket
	observer WaitObserver
	sleep    func(ctx context.Context, d time.Duration) error
	stats    *stats
	logger   *slog.Logger
}

// Middleware is the transport middleware plus its statistics.
type Middleware struct {
	m *rateLimitMiddleware
}

// NewMiddleware creates rate limit middleware over bucket. Before each attempt
// it acquires one token; if the bucket is empty it sleeps for WaitTime and
// tries again, until the token is granted or ctx ends.
func NewMiddleware(bucket Bucket, opts ...MiddlewareOption) *Middleware {
	m := &rateLimitMiddleware{
		bucket: bucket,
		sleep:  sleepCtx,
		stats:  &stats{},
		logger: slog.Default().With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return &Middleware{m: m}
}

// Middleware returns the transport middleware.
func (mw *Middleware) Middleware() transport.Middleware {
	return mw.m.middleware()
}

// Stats returns a snapshot of the middleware statistics.
func (mw *Middleware) Stats() Stats {
	return mw.m.stats.snapshot()
}

func (r *rateLimitMiddleware) middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if err := r.wait(ctx, req.Actor()); err != nil {
				return nil, err
			}
			return next.Handle(ctx, req)
		})
	}
}

// wait loops acquire, then sleep for the refill time, until a token is granted.
func (r *rateLimitMiddleware) wait(ctx context.Context, actor string) error {
	var waited time.Duration
	for {
		ok, err := r.bucket.Acquire(ctx, actor, 1)
		if err != nil {
			return fmt.Errorf("rate limiter acquire for annotator %s: %w", actor, err)
		}
		if ok {
			r.stats.acquired.Add(1)
			if waited > 0 {
				r.stats.recordWait(waited)
				if r.observer != nil {
					r.observer(actor, waited)
				}
			}
			return nil
		}
		r.stats.denied.Add(1)

		d, err := r.bucket.WaitTime(ctx, actor, 1)
		if err != nil {
			return fmt.Errorf("rate limiter wait time for annotator %s: %w", actor, err)
		}
		if d < minWait {
			d = minWait
		}

		r.logger.Debug("rate limited, waiting", "annotator_id", actor, "wait", d)
		if err := r.sleep(ctx, d); err != nil {
			return err
		}
		waited += d
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait interrupted: %w", ctx.Err())
	}
}
