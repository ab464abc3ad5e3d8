package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/ahrav/go-annotator/internal/llm/transport"
)

// NewMiddleware records every vendor attempt into sink: count, duration and
// success. It sits inside the retry loop so each attempt is counted. Sink
// failures are logged and never fail the call.
func NewMiddleware(sink Sink) transport.Middleware {
	logger := slog.Default().With("component", "metrics")
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			start := time.Now()
			resp, err := next.Handle(ctx, req)
			elapsed := time.Since(start)

			if recErr := sink.RecordRequest(ctx, req.Key(), elapsed, err == nil); recErr != nil {
				logger.Warn("failed to record request metrics",
					"annotator_id", req.AnnotatorID,
					"domain", req.Domain,
					"error", recErr)
			}
			return resp, err
		})
	}
}
