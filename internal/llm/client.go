// Package llm is the external call envelope: one resilient generation call
// per unit of work against the labeling vendor.
//
// Architecture:
//   - Per-annotator provider adapters behind a router (credentials differ by
//     annotator)
//   - Middleware chain, outermost first: logging and tracing, retry, rate
//     limit, metrics, vendor HTTP
//   - Rate limiting and metrics run once per attempt; logging once per call
//   - Failures surface as typed errors (Generate) or as an Outcome (Call)
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/llm/configuration"
	"github.com/ahrav/go-annotator/internal/llm/providers"
	"github.com/ahrav/go-annotator/internal/llm/ratelimit"
	"github.com/ahrav/go-annotator/internal/llm/resilience"
	"github.com/ahrav/go-annotator/internal/llm/retry"
	"github.com/ahrav/go-annotator/internal/llm/transport"
	"github.com/ahrav/go-annotator/internal/metrics"
)

// HTTP transport constants.
const (
	DefaultMaxIdleConns       = 100
	DefaultIdleTimeoutSeconds = 90
	DefaultTLSTimeoutSeconds  = 10
)

var errEmptyPrompt = errors.New("prompt must not be empty")

// Client performs envelope calls.
type Client interface {
	// Generate returns the vendor text or a typed failure: RateLimitError,
	// InvalidRequestError or GenericAPIError.
	Generate(ctx context.Context, req *transport.Request) (string, error)

	// Call runs Generate and maps the result to an Outcome for the
	// orchestration layer.
	Call(ctx context.Context, req *transport.Request) retry.Outcome
}

// Deps are the collaborators the envelope is built from. Nil fields fall back
// to defaults: a router built from the provider config, no rate limiting, no
// metrics, http.Client from the config.
type Deps struct {
	Router       transport.Router
	Bucket       ratelimit.Bucket
	Sink         metrics.Sink
	HTTPClient   *http.Client
	WaitObserver ratelimit.WaitObserver

	// RetryOptions and LimiterOptions are passed through to the middleware;
	// tests use them to replace sleeps.
	RetryOptions   []retry.Option
	LimiterOptions []ratelimit.MiddlewareOption
}

// client implements Client over a middleware pipeline.
type client struct {
	config  *configuration.Config
	handler transport.Handler
	retry   *retry.Middleware
	limiter *ratelimit.Middleware
}

// NewClient builds the envelope from cfg and deps.
func NewClient(cfg *configuration.Config, deps Deps) (Client, error) {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	router := deps.Router
	if router == nil {
		r, err := providers.NewRouter(cfg.Providers)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize router: %w", err)
		}
		router = r
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = cfg.HTTPClient
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          DefaultMaxIdleConns,
				IdleConnTimeout:       DefaultIdleTimeoutSeconds * time.Second,
				TLSHandshakeTimeout:   DefaultTLSTimeoutSeconds * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
			Timeout: cfg.HTTPTimeout,
		}
	}

	coreHandler := transport.NewHTTPHandler(httpClient, router)

	// Attempt-level middleware runs once per retry attempt.
	var attemptMiddlewares []transport.Middleware
	var limiter *ratelimit.Middleware
	if cfg.RateLimit.Enabled && deps.Bucket != nil {
		opts := deps.LimiterOptions
		if deps.WaitObserver != nil {
			opts = append([]ratelimit.MiddlewareOption{ratelimit.WithWaitObserver(deps.WaitObserver)}, opts...)
		}
		limiter = ratelimit.NewMiddleware(deps.Bucket, opts...)
		attemptMiddlewares = append(attemptMiddlewares, limiter.Middleware())
	}
	if deps.Sink != nil {
		attemptMiddlewares = append(attemptMiddlewares, metrics.NewMiddleware(deps.Sink))
	}
	attemptHandler := transport.Chain(coreHandler, attemptMiddlewares...)

	retryMiddleware, err := retry.NewMiddleware(cfg.Retry, deps.RetryOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize retry middleware: %w", err)
	}

	// Call-level middleware runs once per logical call.
	handler := transport.Chain(attemptHandler,
		resilience.NewLoggingMiddleware(cfg.Observability, nil),
		retryMiddleware.Middleware(),
	)

	return &client{
		config:  cfg,
		handler: handler,
		retry:   retryMiddleware,
		limiter: limiter,
	}, nil
}

// Generate implements Client.Generate.
func (c *client) Generate(ctx context.Context, req *transport.Request) (string, error) {
	if req == nil || req.Prompt == "" {
		return "", errEmptyPrompt
	}
	if !req.Domain.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidDomain, req.Domain)
	}
	c.applyDefaults(req)

	resp, err := c.handler.Handle(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Call implements Client.Call.
func (c *client) Call(ctx context.Context, req *transport.Request) retry.Outcome {
	text, err := c.Generate(ctx, req)
	if err != nil && (errors.Is(err, errEmptyPrompt) || errors.Is(err, domain.ErrInvalidDomain)) {
		return retry.Terminal(err)
	}
	return retry.ToOutcome(ctx, text, err, c.config.Retry.ResubmitDelay)
}

func (c *client) applyDefaults(req *transport.Request) {
	if req.Model == "" {
		req.Model = c.config.Model.Name
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.config.Model.MaxTokens
	}
	if req.Temperature == nil {
		t := c.config.Model.Temperature
		req.Temperature = &t
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = transport.IdempotencyKey(req)
	}
}

// RetryStats returns retry counters for the client built by NewClient. It
// reports zero values for other Client implementations.
func RetryStats(c Client) retry.Stats {
	if cl, ok := c.(*client); ok {
		return cl.retry.Stats()
	}
	return retry.Stats{}
}

// LimiterStats returns rate limiter counters, zero when limiting is off.
func LimiterStats(c Client) ratelimit.Stats {
	if cl, ok := c.(*client); ok && cl.limiter != nil {
		return cl.limiter.Stats()
	}
	return ratelimit.Stats{}
}
