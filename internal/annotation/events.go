package annotation

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/orchestration"
	"github.com/ahrav/go-annotator/pkg/activity"
	"github.com/ahrav/go-annotator/pkg/events"
)

// Event types emitted by the annotation activities.
const (
	EventQueuePrepared = "annotation.queue_prepared"
	EventUnitProcessed = "annotation.unit_processed"

	eventSource  = "annotation-activity"
	eventVersion = "1.0.0"
)

type queuePreparedEvent struct {
	AnnotatorID  domain.AnnotatorID `json:"annotator_id"`
	Domain       domain.Domain      `json:"domain"`
	TotalSamples int                `json:"total_samples"`
	Completed    int                `json:"completed"`
	Pending      int                `json:"pending"`
	Queued       int                `json:"queued"`
	Synced       int                `json:"synced"`
}

type unitProcessedEvent struct {
	AnnotatorID domain.AnnotatorID  `json:"annotator_id"`
	Domain      domain.Domain       `json:"domain"`
	SampleID    string              `json:"sample_id"`
	TaskID      string              `json:"task_id"`
	Status      domain.TaskStatus   `json:"status"`
	State       orchestration.State `json:"state"`
	Label       string              `json:"label,omitempty"`
	Error       string              `json:"error,omitempty"`
	DurationMS  int64               `json:"duration_ms"`
}

// EventEmitter builds and emits annotation events.
type EventEmitter struct {
	base activity.BaseActivities
	now  func() time.Time
}

// NewEventEmitter creates a new EventEmitter with the provided base activities.
func NewEventEmitter(base activity.BaseActivities) *EventEmitter {
	return &EventEmitter{base: base, now: time.Now}
}

// EmitQueuePrepared reports the size of a freshly built queue.
func (e *EventEmitter) EmitQueuePrepared(ctx context.Context, wfCtx activity.WorkflowContext, meta orchestration.QueueMeta) {
	e.emit(ctx, wfCtx, EventQueuePrepared, queuePreparedEvent{
		AnnotatorID:  meta.Key.AnnotatorID,
		Domain:       meta.Key.Domain,
		TotalSamples: meta.TotalSamples,
		Completed:    meta.Completed,
		Pending:      meta.Pending,
		Queued:       meta.TotalQueued,
		Synced:       meta.Synced,
	}, events.IdempotencyKey(wfCtx.RunID, EventQueuePrepared, meta.Key.String()))
}

// EmitUnitProcessed reports one unit outcome. attempt distinguishes
// re-submissions of the same unit; -1 marks a terminal record written
// without a model call.
func (e *EventEmitter) EmitUnitProcessed(
	ctx context.Context,
	wfCtx activity.WorkflowContext,
	unit domain.UnitOfWork,
	attempt int,
	res orchestration.Result,
) {
	e.emit(ctx, wfCtx, EventUnitProcessed, unitProcessedEvent{
		AnnotatorID: unit.AnnotatorID,
		Domain:      unit.Domain,
		SampleID:    unit.SampleID,
		TaskID:      res.TaskID,
		Status:      res.Status,
		State:       res.State,
		Label:       res.Label,
		Error:       res.Error,
		DurationMS:  res.Duration.Milliseconds(),
	}, events.IdempotencyKey(wfCtx.WorkflowID, EventUnitProcessed, unit.Key().String(), unit.SampleID, strconv.Itoa(attempt)))
}

func (e *EventEmitter) emit(ctx context.Context, wfCtx activity.WorkflowContext, typ string, payload any, idemKey string) {
	b, err := json.Marshal(payload)
	if err != nil {
		activity.SafeLogError(ctx, "Failed to marshal event", "event_type", typ, "error", err)
		return
	}
	envelope := events.Envelope{
		ID:             uuid.New().String(),
		Type:           typ,
		Source:         eventSource,
		Version:        eventVersion,
		Timestamp:      e.now(),
		IdempotencyKey: idemKey,
		WorkflowID:     wfCtx.WorkflowID,
		RunID:          wfCtx.RunID,
		Payload:        b,
	}
	e.base.EmitEventSafe(ctx, envelope, typ)
}
