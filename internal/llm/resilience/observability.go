// Package resilience holds the outermost envelope middleware: structured
// request logging and tracing around the retry loop.
package resilience

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/go-annotator/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
	"github.com/ahrav/go-annotator/internal/llm/transport"
	"github.com/ahrav/go-annotator/internal/observability"
)

// ContentTruncationLimit is the longest response preview written to logs.
const ContentTruncationLimit = 200

// LoggingMiddleware logs the lifecycle of each envelope call and wraps it in
// a span. Spans go to the global tracer provider, which is a no-op until
// observability.InitTracing installs one. Prompts and responses are reduced
// to their lengths when redaction is on.
type LoggingMiddleware struct {
	logger        *slog.Logger
	redactPrompts bool
}

// NewLoggingMiddleware creates the middleware. A nil logger uses the default
// logger.
func NewLoggingMiddleware(config configuration.ObservabilityConfig, logger *slog.Logger) transport.Middleware {
	if logger == nil {
		logger = slog.Default().With("component", "envelope")
	}
	lm := &LoggingMiddleware{
		logger:        logger,
		redactPrompts: config.RedactPrompts,
	}
	return lm.Middleware()
}

// Middleware returns the transport.Middleware.
func (m *LoggingMiddleware) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			spanCtx, span := observability.StartSpan(ctx, "envelope.call",
				attribute.Int("annotator_id", int(req.AnnotatorID)),
				attribute.String("domain", string(req.Domain)),
				attribute.String("sample_id", req.SampleID),
				attribute.String("model", req.Model),
			)

			if req.TraceID == "" {
				if id := observability.TraceID(spanCtx); id != "" {
					req.TraceID = id
				} else {
					req.TraceID = uuid.New().String()
				}
			}

			m.logRequest(req)

			start := time.Now()
			resp, err := next.Handle(spanCtx, req)
			duration := time.Since(start)

			if err != nil {
				m.logError(req, err, duration)
			} else if resp != nil {
				span.SetAttributes(attribute.Int("attempts", resp.Attempts))
				m.logSuccess(req, resp, duration)
			}
			observability.EndSpan(span, err)

			return resp, err
		})
	}
}

func (m *LoggingMiddleware) logRequest(req *transport.Request) {
	fields := []any{
		"request_id", req.TraceID,
		"annotator_id", req.AnnotatorID,
		"domain", req.Domain,
		"sample_id", req.SampleID,
		"model", req.Model,
		"max_tokens", req.MaxTokens,
		"temperature", req.SamplingTemperature(),
	}
	if m.redactPrompts {
		fields = append(fields, "prompt_length", len(req.Prompt))
	} else {
		fields = append(fields, "prompt", req.Prompt)
	}
	m.logger.Debug("envelope call started", fields...)
}

// ErrorType returns the classification label used in logs for err.
func ErrorType(err error) string {
	if wfErr := llmerrors.Classify(err); wfErr != nil {
		return string(wfErr.Type)
	}
	return string(llmerrors.ErrorTypeUnknown)
}

func (m *LoggingMiddleware) logError(req *transport.Request, err error, duration time.Duration) {
	m.logger.Warn("envelope call failed",
		"request_id", req.TraceID,
		"annotator_id", req.AnnotatorID,
		"domain", req.Domain,
		"sample_id", req.SampleID,
		"duration_ms", duration.Milliseconds(),
		"error_type", ErrorType(err),
		"retry_after", llmerrors.GetRetryAfter(err),
		"error", err.Error(),
	)
}

func (m *LoggingMiddleware) logSuccess(req *transport.Request, resp *transport.Response, duration time.Duration) {
	fields := []any{
		"request_id", req.TraceID,
		"annotator_id", req.AnnotatorID,
		"domain", req.Domain,
		"sample_id", req.SampleID,
		"duration_ms", duration.Milliseconds(),
		"attempts", resp.Attempts,
		"finish_reason", resp.FinishReason,
		"provider_request_ids", strings.Join(resp.RequestIDs, ","),
	}
	if m.redactPrompts {
		fields = append(fields, "response_length", len(resp.Text))
	} else {
		content := resp.Text
		if len(content) > ContentTruncationLimit {
			content = content[:ContentTruncationLimit] + "..."
		}
		fields = append(fields, "response_preview", content)
	}
	m.logger.Info("envelope call completed", fields...)
}
