package workflow

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-annotator/internal/annotation"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/orchestration"
)

// Registration name, signals and queries of the worker workflow.
const (
	WorkflowName = "AnnotationWorkflow"
	SignalPause  = "pause"
	SignalResume = "resume"
	QueryStatus  = "status"
)

// Defaults applied to zero-valued WorkerInput fields.
const (
	DefaultHistoryBudget          = 500
	DefaultMaxResubmits           = orchestration.DefaultMaxResubmits
	DefaultMaxConsecutiveFailures = orchestration.DefaultMaxConsecutiveFailures
	DefaultActivityTimeout        = 5 * time.Minute
)

// ErrTypeTooManyFailures is the application error type returned when a worker
// gives up after repeated unit failures.
const ErrTypeTooManyFailures = "TooManyFailures"

// WorkflowID is the stable workflow id of a worker, so at most one run per
// worker is open at a time.
func WorkflowID(key domain.WorkerKey) string { return "annotation-" + key.String() }

// WorkerInput starts or continues a worker workflow.
//
// MaxResubmits and MaxConsecutiveFailures use their defaults when zero; a
// negative value disables re-submission and the failure limit respectively.
// The fields after ActivityTimeout carry state across continue-as-new and are
// left empty by callers.
type WorkerInput struct {
	Key                    domain.WorkerKey `json:"key"`
	SampleLimit            int              `json:"sample_limit"`
	MaxResubmits           int              `json:"max_resubmits"`
	MaxConsecutiveFailures int              `json:"max_consecutive_failures"`
	HistoryBudget          int              `json:"history_budget"`
	ActivityTimeout        time.Duration    `json:"activity_timeout"`

	Pending             []string               `json:"pending,omitempty"`
	Prepared            bool                   `json:"prepared,omitempty"`
	Stats               orchestration.RunStats `json:"stats"`
	Paused              bool                   `json:"paused,omitempty"`
	ConsecutiveFailures int                    `json:"consecutive_failures,omitempty"`
}

func (in WorkerInput) withDefaults() WorkerInput {
	if in.MaxResubmits == 0 {
		in.MaxResubmits = DefaultMaxResubmits
	}
	if in.MaxConsecutiveFailures == 0 {
		in.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if in.HistoryBudget <= 0 {
		in.HistoryBudget = DefaultHistoryBudget
	}
	if in.ActivityTimeout <= 0 {
		in.ActivityTimeout = DefaultActivityTimeout
	}
	return in
}

// Status answers QueryStatus.
type Status struct {
	Key       domain.WorkerKey       `json:"key"`
	Paused    bool                   `json:"paused"`
	Current   string                 `json:"current,omitempty"`
	Remaining int                    `json:"remaining"`
	Stats     orchestration.RunStats `json:"stats"`
}

type runState struct {
	key     domain.WorkerKey
	paused  bool
	current string
	pending []string
	stats   orchestration.RunStats
}

func (s *runState) status() (Status, error) {
	return Status{
		Key:       s.key,
		Paused:    s.paused,
		Current:   s.current,
		Remaining: len(s.pending),
		Stats:     s.stats,
	}, nil
}

// AnnotationWorkflow processes one worker's queue in order. It returns when
// the queue is drained, the workflow is canceled, or failures pile up, and
// mirrors the final worker status into the coordination store.
func AnnotationWorkflow(ctx workflow.Context, in WorkerInput) (orchestration.RunStats, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "annotation.v", workflow.DefaultVersion, currentVersion)

	if err := in.Key.Validate(); err != nil {
		return orchestration.RunStats{}, temporal.NewNonRetryableApplicationError(
			"invalid worker key",
			annotation.ErrTypeValidation,
			err,
		)
	}
	in = in.withDefaults()
	logger := workflow.GetLogger(ctx)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: in.ActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{annotation.ErrTypeValidation, annotation.ErrTypeSampleNotFound},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	st := &runState{key: in.Key, paused: in.Paused, pending: in.Pending, stats: in.Stats}
	st.stats.Key = in.Key
	if err := workflow.SetQueryHandler(ctx, QueryStatus, st.status); err != nil {
		return st.stats, err
	}

	pauseCh := workflow.GetSignalChannel(ctx, SignalPause)
	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			sel := workflow.NewSelector(gctx)
			sel.AddReceive(pauseCh, func(c workflow.ReceiveChannel, _ bool) {
				c.Receive(gctx, nil)
				st.paused = true
			})
			sel.AddReceive(resumeCh, func(c workflow.ReceiveChannel, _ bool) {
				c.Receive(gctx, nil)
				st.paused = false
			})
			sel.Select(gctx)
		}
	})

	stats, err := run(ctx, in, st, pauseCh, resumeCh)
	if err != nil && workflow.IsContinueAsNewError(err) {
		return stats, err
	}

	final := domain.WorkerStopped
	if err != nil && !temporal.IsCanceledError(err) {
		final = domain.WorkerError
	}
	// The worker record must reflect the exit even after cancellation.
	dctx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	setStatus(dctx, in.Key, final)
	logger.Info("Worker finished",
		"worker", in.Key.String(),
		"status", string(final),
		"processed", stats.Processed,
		"succeeded", stats.Succeeded,
		"malformed", stats.Malformed,
		"errors", stats.Errors)
	return stats, err
}

func run(
	ctx workflow.Context,
	in WorkerInput,
	st *runState,
	pauseCh, resumeCh workflow.ReceiveChannel,
) (orchestration.RunStats, error) {
	logger := workflow.GetLogger(ctx)

	if !in.Prepared {
		var out annotation.PrepareOutput
		err := workflow.ExecuteActivity(ctx, annotation.ActivityPrepareQueue,
			annotation.PrepareInput{Key: in.Key, SampleLimit: in.SampleLimit}).Get(ctx, &out)
		if err != nil {
			return st.stats, err
		}
		st.pending = out.SampleIDs
		st.stats.Queued = len(out.SampleIDs)
		logger.Info("Worker started", "worker", in.Key.String(), "queued", len(out.SampleIDs))
	}

	failures := in.ConsecutiveFailures
	ran := 0
	for len(st.pending) > 0 {
		if st.paused {
			if err := awaitResume(ctx, st); err != nil {
				st.stats.Stopped = true
				return st.stats, err
			}
		}

		if ran >= in.HistoryBudget {
			drainSignals(st, pauseCh, resumeCh)
			next := in
			next.Pending = st.pending
			next.Prepared = true
			next.Stats = st.stats
			next.Paused = st.paused
			next.ConsecutiveFailures = failures
			logger.Info("Continuing as new", "worker", in.Key.String(), "remaining", len(st.pending))
			return st.stats, workflow.NewContinueAsNewError(ctx, WorkflowName, next)
		}

		sampleID := st.pending[0]
		st.current = sampleID
		out, err := processUnit(ctx, in, sampleID, &st.stats)
		if err != nil && ctx.Err() != nil {
			st.stats.Stopped = true
			return st.stats, err
		}
		st.pending = st.pending[1:]
		st.current = ""
		if err != nil {
			out.Status = domain.TaskError
		}
		st.stats.Add(out.Status)
		ran++

		if err == nil && out.Failure == "" {
			failures = 0
			continue
		}
		if err == nil {
			err = errors.New(out.Failure)
		}
		failures++
		logger.Error("Unit failed",
			"worker", in.Key.String(),
			"sample_id", sampleID,
			"consecutive_failures", failures,
			"error", err)
		if in.MaxConsecutiveFailures > 0 && failures >= in.MaxConsecutiveFailures {
			return st.stats, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("worker %s: %d consecutive failures", in.Key, failures),
				ErrTypeTooManyFailures,
				err,
			)
		}
	}
	return st.stats, nil
}

// processUnit submits one sample until it leaves the retry state. The retry
// delay is a durable timer, so a worker restart does not shorten it.
func processUnit(
	ctx workflow.Context,
	in WorkerInput,
	sampleID string,
	stats *orchestration.RunStats,
) (annotation.ProcessOutput, error) {
	for attempt := 0; ; attempt++ {
		var out annotation.ProcessOutput
		err := workflow.ExecuteActivity(ctx, annotation.ActivityProcessSample, annotation.ProcessInput{
			Key:       in.Key,
			SampleID:  sampleID,
			Attempt:   attempt,
			Processed: stats.Processed,
		}).Get(ctx, &out)
		if err != nil || out.Status != domain.TaskRetry {
			return out, err
		}

		if attempt >= in.MaxResubmits {
			reason := fmt.Sprintf("re-submission limit %d reached: %s", max(in.MaxResubmits, 0), out.Error)
			var res orchestration.Result
			err = workflow.ExecuteActivity(ctx, annotation.ActivityRecordTerminal, annotation.TerminalInput{
				Key:       in.Key,
				SampleID:  sampleID,
				Reason:    reason,
				Processed: stats.Processed,
			}).Get(ctx, &res)
			return annotation.ProcessOutput{Result: res}, err
		}

		stats.Resubmits++
		workflow.GetLogger(ctx).Info("Re-submitting unit",
			"worker", in.Key.String(),
			"sample_id", sampleID,
			"attempt", attempt+1,
			"retry_after", out.RetryAfter)
		if err := workflow.Sleep(ctx, out.RetryAfter); err != nil {
			return annotation.ProcessOutput{
				Result: orchestration.Result{SampleID: sampleID, State: orchestration.StatePending},
			}, err
		}
	}
}

func awaitResume(ctx workflow.Context, st *runState) error {
	logger := workflow.GetLogger(ctx)
	setStatus(ctx, st.key, domain.WorkerPaused)
	logger.Info("Worker paused", "worker", st.key.String())
	if err := workflow.Await(ctx, func() bool { return !st.paused }); err != nil {
		return err
	}
	logger.Info("Worker resumed", "worker", st.key.String())
	setStatus(ctx, st.key, domain.WorkerRunning)
	return nil
}

// setStatus mirrors status into the worker record. Failures are logged only;
// a stale record never stalls the worker.
func setStatus(ctx workflow.Context, key domain.WorkerKey, status domain.WorkerStatus) {
	err := workflow.ExecuteActivity(ctx, annotation.ActivitySetWorkerStatus,
		annotation.StatusInput{Key: key, Status: status}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("Failed to record worker status",
			"worker", key.String(),
			"status", string(status),
			"error", err)
	}
}

// drainSignals applies signals that arrived but were not yet handled, so none
// are lost across continue-as-new.
func drainSignals(st *runState, pauseCh, resumeCh workflow.ReceiveChannel) {
	for pauseCh.ReceiveAsync(nil) {
		st.paused = true
	}
	for resumeCh.ReceiveAsync(nil) {
		st.paused = false
	}
}
