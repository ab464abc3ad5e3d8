// Package annotation implements the Temporal activities behind the worker
// workflow: preparing a worker's queue, processing one unit, recording a unit
// that ran out of re-submissions, and mirroring worker status into the
// coordination store.
package annotation

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/orchestration"
	"github.com/ahrav/go-annotator/pkg/activity"
)

// Registered activity names.
const (
	ActivityPrepareQueue    = "annotation.PrepareQueue"
	ActivityProcessSample   = "annotation.ProcessSample"
	ActivityRecordTerminal  = "annotation.RecordTerminal"
	ActivitySetWorkerStatus = "annotation.SetWorkerStatus"
)

// Application error types returned to the workflow.
const (
	ErrTypeValidation     = "Validation"
	ErrTypeSampleNotFound = "SampleNotFound"
)

// QueuePopulator builds a worker's pending queue. *orchestration.Queue
// satisfies it.
type QueuePopulator interface {
	PopulateQueue(ctx context.Context, key domain.WorkerKey, limit int) ([]domain.UnitOfWork, orchestration.QueueMeta, error)
}

// SampleLookup resolves sample text by id. *source.Loader satisfies it.
type SampleLookup interface {
	Get(ctx context.Context, id string) (domain.Sample, bool, error)
}

// PrepareInput selects the worker whose queue is built.
type PrepareInput struct {
	Key         domain.WorkerKey `json:"key"`
	SampleLimit int              `json:"sample_limit"`
}

// PrepareOutput lists the pending sample ids in processing order. Texts stay
// out of workflow history.
type PrepareOutput struct {
	SampleIDs []string                `json:"sample_ids"`
	Meta      orchestration.QueueMeta `json:"meta"`
}

// ProcessInput identifies one unit. Processed is the worker's running count,
// reported with the heartbeat.
type ProcessInput struct {
	Key       domain.WorkerKey `json:"key"`
	SampleID  string           `json:"sample_id"`
	Attempt   int              `json:"attempt"`
	Processed int64            `json:"processed"`
}

// ProcessOutput is the unit result. Failure carries the processing error when
// the unit was recorded as failed because a collaborator broke, as opposed to
// a terminal model response.
type ProcessOutput struct {
	orchestration.Result
	Failure string `json:"failure,omitempty"`
}

// TerminalInput records a unit that exhausted its re-submissions.
type TerminalInput struct {
	Key       domain.WorkerKey `json:"key"`
	SampleID  string           `json:"sample_id"`
	Reason    string           `json:"reason"`
	Processed int64            `json:"processed"`
}

// StatusInput mirrors a worker status into the coordination store.
type StatusInput struct {
	Key    domain.WorkerKey    `json:"key"`
	Status domain.WorkerStatus `json:"status"`
}

// Activities holds the collaborators of the annotation activities.
type Activities struct {
	activity.BaseActivities
	proc    orchestration.UnitProcessor
	queue   QueuePopulator
	samples SampleLookup
	store   checkpoint.Store
	events  *EventEmitter
}

// NewActivities wires the activities.
func NewActivities(
	base activity.BaseActivities,
	proc orchestration.UnitProcessor,
	queue QueuePopulator,
	samples SampleLookup,
	store checkpoint.Store,
) *Activities {
	return &Activities{
		BaseActivities: base,
		proc:           proc,
		queue:          queue,
		samples:        samples,
		store:          store,
		events:         NewEventEmitter(base),
	}
}

// PrepareQueue reconciles the worker's state, builds its pending queue and
// registers the worker under the workflow id.
func (a *Activities) PrepareQueue(ctx context.Context, in PrepareInput) (PrepareOutput, error) {
	if err := in.Key.Validate(); err != nil {
		return PrepareOutput{}, temporal.NewNonRetryableApplicationError("invalid worker key", ErrTypeValidation, err)
	}
	wfCtx := a.GetWorkflowContext(ctx)

	units, meta, err := a.queue.PopulateQueue(ctx, in.Key, in.SampleLimit)
	if err != nil {
		return PrepareOutput{}, fmt.Errorf("prepare queue %s: %w", in.Key, err)
	}
	if err := a.store.RegisterWorker(ctx, in.Key, wfCtx.WorkflowID); err != nil {
		return PrepareOutput{}, fmt.Errorf("register worker %s: %w", in.Key, err)
	}

	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.SampleID
	}
	activity.SafeLog(ctx, "Queue prepared",
		"worker", in.Key.String(),
		"queued", len(ids),
		"pending", meta.Pending)
	a.events.EmitQueuePrepared(ctx, wfCtx, meta)
	return PrepareOutput{SampleIDs: ids, Meta: meta}, nil
}

// ProcessSample runs one unit through the processor. Processing failures
// that were already recorded come back as a result, not an error, so the
// workflow moves on; only interruptions and invalid input are errors.
func (a *Activities) ProcessSample(ctx context.Context, in ProcessInput) (ProcessOutput, error) {
	wfCtx := a.GetWorkflowContext(ctx)
	unit, err := a.unit(ctx, in.Key, in.SampleID)
	if err != nil {
		return ProcessOutput{}, err
	}

	a.RecordHeartbeat(ctx, in.SampleID)
	res, err := a.proc.Process(ctx, unit)
	out := ProcessOutput{Result: res}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidUnit) || errors.Is(err, orchestration.ErrMissingPrompt) {
			return ProcessOutput{}, temporal.NewNonRetryableApplicationError(
				"invalid unit of work", ErrTypeValidation, err)
		}
		if res.State != orchestration.StateFailedTerminal {
			return ProcessOutput{}, err
		}
		out.Failure = err.Error()
		activity.SafeLogError(ctx, "Unit failed", "unit", unit.String(), "error", err)
	}

	if res.Status != domain.TaskRetry {
		if hbErr := a.store.Heartbeat(ctx, in.Key, in.Processed+1); hbErr != nil {
			activity.SafeLogError(ctx, "Heartbeat failed", "worker", in.Key.String(), "error", hbErr)
		}
	}
	a.events.EmitUnitProcessed(ctx, wfCtx, unit, in.Attempt, res)
	return out, nil
}

// RecordTerminal writes a terminal error row for a unit without calling the
// model.
func (a *Activities) RecordTerminal(ctx context.Context, in TerminalInput) (orchestration.Result, error) {
	wfCtx := a.GetWorkflowContext(ctx)
	unit, err := a.unit(ctx, in.Key, in.SampleID)
	if err != nil {
		return orchestration.Result{}, err
	}
	res, err := a.proc.RecordTerminal(ctx, unit, in.Reason)
	if err != nil && res.State != orchestration.StateFailedTerminal {
		return orchestration.Result{}, err
	}
	if hbErr := a.store.Heartbeat(ctx, in.Key, in.Processed+1); hbErr != nil {
		activity.SafeLogError(ctx, "Heartbeat failed", "worker", in.Key.String(), "error", hbErr)
	}
	a.events.EmitUnitProcessed(ctx, wfCtx, unit, -1, res)
	return res, nil
}

// SetWorkerStatus mirrors status into the worker record. A missing record is
// re-registered first so status changes are never lost.
func (a *Activities) SetWorkerStatus(ctx context.Context, in StatusInput) error {
	err := a.store.UpdateWorkerStatus(ctx, in.Key, in.Status)
	if errors.Is(err, domain.ErrWorkerNotFound) {
		wfCtx := a.GetWorkflowContext(ctx)
		if err = a.store.RegisterWorker(ctx, in.Key, wfCtx.WorkflowID); err == nil {
			err = a.store.UpdateWorkerStatus(ctx, in.Key, in.Status)
		}
	}
	if err != nil {
		return fmt.Errorf("set worker %s status %s: %w", in.Key, in.Status, err)
	}
	activity.SafeLog(ctx, "Worker status changed", "worker", in.Key.String(), "status", string(in.Status))
	return nil
}

func (a *Activities) unit(ctx context.Context, key domain.WorkerKey, sampleID string) (domain.UnitOfWork, error) {
	s, ok, err := a.samples.Get(ctx, sampleID)
	if err != nil {
		return domain.UnitOfWork{}, fmt.Errorf("load sample %s: %w", sampleID, err)
	}
	if !ok {
		return domain.UnitOfWork{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("sample %s not in source dataset", sampleID), ErrTypeSampleNotFound, nil)
	}
	return s.Unit(key), nil
}
