// Package activity holds what every annotation activity shares: execution
// metadata, logging and heartbeats that degrade to no-ops outside Temporal,
// and event emission that never fails the caller.
package activity

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/ahrav/go-annotator/pkg/events"
)

// Event emission retry policy.
const (
	emitAttempts   = 2
	emitRetryDelay = 200 * time.Millisecond
)

// localID is reported for every execution field outside an activity.
const localID = "local"

// WorkflowContext identifies the activity execution that emitted an event.
type WorkflowContext struct {
	WorkflowID string
	RunID      string
	ActivityID string
	Attempt    int32
}

// BaseActivities is embedded by activity structs.
type BaseActivities struct {
	eventSink events.EventSink
}

// NewBaseActivities returns a BaseActivities emitting to sink. A nil sink
// disables emission.
func NewBaseActivities(sink events.EventSink) BaseActivities {
	return BaseActivities{eventSink: sink}
}

// GetWorkflowContext returns the execution metadata of the running activity,
// or "local" identifiers with attempt 1 when ctx is not an activity context.
func (b *BaseActivities) GetWorkflowContext(ctx context.Context) WorkflowContext {
	if !activity.IsActivity(ctx) {
		return WorkflowContext{WorkflowID: localID, RunID: localID, ActivityID: localID, Attempt: 1}
	}
	info := activity.GetInfo(ctx)
	return WorkflowContext{
		WorkflowID: info.WorkflowExecution.ID,
		RunID:      info.WorkflowExecution.RunID,
		ActivityID: info.ActivityID,
		Attempt:    info.Attempt,
	}
}

// EmitEventSafe appends envelope to the sink, retrying once. A failed
// emission is logged and dropped.
func (b *BaseActivities) EmitEventSafe(ctx context.Context, envelope events.Envelope, description string) {
	if b.eventSink == nil {
		return
	}

	var err error
	for attempt := range emitAttempts {
		if attempt > 0 {
			t := time.NewTimer(emitRetryDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				SafeLogError(ctx, "Event emission canceled", "event", description, "event_type", envelope.Type)
				return
			}
		}
		if err = b.eventSink.Append(ctx, envelope); err == nil {
			SafeLog(ctx, "Event emitted", "event", description,
				"event_type", envelope.Type, "idempotency_key", envelope.IdempotencyKey)
			return
		}
	}
	SafeLogError(ctx, "Event dropped", "event", description,
		"event_type", envelope.Type, "attempts", emitAttempts, "error", err)
}

// RecordHeartbeat records a heartbeat for the running activity.
func (b *BaseActivities) RecordHeartbeat(ctx context.Context, details ...any) {
	RecordHeartbeat(ctx, details...)
}

// SafeLog logs at info level through the activity logger. Outside an
// activity it does nothing.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	if activity.IsActivity(ctx) {
		activity.GetLogger(ctx).Info(msg, keyvals...)
	}
}

// SafeLogError is SafeLog at error level.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	if activity.IsActivity(ctx) {
		activity.GetLogger(ctx).Error(msg, keyvals...)
	}
}

// RecordHeartbeat heartbeats the running activity. Outside an activity it
// does nothing.
func RecordHeartbeat(ctx context.Context, details ...any) {
	if activity.IsActivity(ctx) {
		activity.RecordHeartbeat(ctx, details...)
	}
}
