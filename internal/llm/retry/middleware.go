// Package retry implements the envelope's in-call retry loop and the Outcome
// type that tells the orchestration layer what to do with a unit of work.
//
// The loop makes up to MaxRetries+1 attempts. A vendor rate limit or any
// other transient failure is retried after base_delay * 2^(attempt-1); an
// invalid request is never retried. Exhausted retries surface as
// RateLimitError (carrying the last backoff as RetryAfter) or
// GenericAPIError.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-annotator/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
	"github.com/ahrav/go-annotator/internal/llm/transport"
)

var (
	errMaxRetriesInvalid = errors.New("max retries must be in [0, 10]")
	errBaseDelayInvalid  = errors.New("base delay must not be negative")
)

// Option configures the retry middleware.
type Option func(*retryMiddleware)

// WithSleeper replaces the context-aware sleep between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *retryMiddleware) { r.sleep = sleep }
}

// retryMiddleware carries the default policy; per-request MaxRetries and
// BaseDelay override it.
type retryMiddleware struct {
	config configuration.RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
	stats  *retryStats
}

// Middleware is the retry transport middleware plus its statistics.
type Middleware struct {
	r *retryMiddleware
}

// NewMiddleware validates cfg and creates retry middleware.
func NewMiddleware(cfg configuration.RetryConfig, opts ...Option) (*Middleware, error) {
	if cfg.MaxRetries < 0 || cfg.MaxRetries > configuration.MaxRetriesLimit {
		return nil, fmt.Errorf("%w, got %d", errMaxRetriesInvalid, cfg.MaxRetries)
	}
	if cfg.BaseDelay < 0 {
		return nil, fmt.Errorf("%w, got %v", errBaseDelayInvalid, cfg.BaseDelay)
	}

	r := &retryMiddleware{
		config: cfg,
		sleep:  sleepCtx,
		logger: slog.Default().With("component", "retry"),
		stats:  &retryStats{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return &Middleware{r: r}, nil
}

// Middleware returns the transport middleware.
func (m *Middleware) Middleware() transport.Middleware {
	return m.r.middleware()
}

// Stats returns a snapshot of retry activity.
func (m *Middleware) Stats() Stats {
	return m.r.stats.snapshot()
}

// policy resolves the effective retry count and base delay for req.
func (r *retryMiddleware) policy(req *transport.Request) (int, time.Duration) {
	maxRetries := r.config.MaxRetries
	switch {
	case req.MaxRetries < 0:
		maxRetries = 0
	case req.MaxRetries > 0:
		maxRetries = min(req.MaxRetries, configuration.MaxRetriesLimit)
	}
	base := r.config.BaseDelay
	if req.BaseDelay > 0 {
		base = req.BaseDelay
	}
	return maxRetries, base
}

// failureKind groups vendor failures by how the loop treats them.
type failureKind int

const (
	failureGeneric failureKind = iota
	failureRateLimit
	failureInvalid
)

func classify(err error) failureKind {
	switch {
	case llmerrors.IsInvalidRequest(err):
		return failureInvalid
	case llmerrors.IsRateLimitError(err):
		return failureRateLimit
	default:
		return failureGeneric
	}
}

func (r *retryMiddleware) middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			maxRetries, base := r.policy(req)
			attempts := maxRetries + 1
			actor := req.Actor()

			var (
				lastErr   error
				lastKind  failureKind
				lastDelay time.Duration
			)

			for attempt := 1; attempt <= attempts; attempt++ {
				if err := ctx.Err(); err != nil {
					return nil, fmt.Errorf("retry loop for annotator %s: %w", actor, err)
				}

				resp, err := next.Handle(ctx, req)
				r.stats.totalAttempts.Add(1)

				if err == nil {
					resp.Attempts = attempt
					if attempt > 1 {
						r.stats.successfulRetries.Add(1)
						r.logger.Info("request succeeded after retry",
							"annotator_id", actor,
							"domain", req.Domain,
							"sample_id", req.SampleID,
							"attempt", attempt)
					} else {
						r.stats.successfulFirstAttempts.Add(1)
					}
					return resp, nil
				}

				// The caller gave up; no classification applies.
				if ctx.Err() != nil {
					return nil, fmt.Errorf("retry loop for annotator %s: %w", actor, err)
				}

				kind := classify(err)
				if kind == failureInvalid {
					r.stats.invalidRequests.Add(1)
					r.logger.Error("invalid request, not retrying",
						"annotator_id", actor,
						"domain", req.Domain,
						"sample_id", req.SampleID,
						"error", err)
					var invalid *llmerrors.InvalidRequestError
					if errors.As(err, &invalid) {
						return nil, err
					}
					return nil, &llmerrors.InvalidRequestError{Actor: actor, Message: err.Error(), Cause: err}
				}

				lastErr = err
				lastKind = kind
				lastDelay = Backoff(base, attempt, r.config.MaxDelay)
				if r.config.UseJitter {
					lastDelay = AddJitter(lastDelay)
				}

				if attempt == attempts {
					break
				}

				r.logger.Warn("attempt failed, backing off",
					"annotator_id", actor,
					"domain", req.Domain,
					"sample_id", req.SampleID,
					"attempt", attempt,
					"max_retries", maxRetries,
					"rate_limited", kind == failureRateLimit,
					"backoff", lastDelay,
					"error", err)
				r.stats.recordBackoff(lastDelay)

				if err := r.sleep(ctx, lastDelay); err != nil {
					return nil, fmt.Errorf("retry loop for annotator %s: %w", actor, err)
				}
			}

			r.stats.exhausted.Add(1)
			r.logger.Error("retries exhausted",
				"annotator_id", actor,
				"domain", req.Domain,
				"sample_id", req.SampleID,
				"attempts", attempts,
				"rate_limited", lastKind == failureRateLimit,
				"error", lastErr)

			if lastKind == failureRateLimit {
				return nil, &llmerrors.RateLimitError{
					Actor:      actor,
					RetryAfter: lastDelay,
					Attempts:   attempts,
					Cause:      lastErr,
				}
			}
			return nil, &llmerrors.GenericAPIError{
				Actor:    actor,
				Attempts: attempts,
				Cause:    lastErr,
			}
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
