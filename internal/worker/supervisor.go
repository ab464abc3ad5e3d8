package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.uber.org/multierr"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/config"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/workflow"
)

// ErrWorkerDisabled indicates a launch request for a worker that is disabled
// in the worker pool configuration.
var ErrWorkerDisabled = errors.New("worker disabled")

// WorkflowClient is the part of client.Client the supervisor uses.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg any) error
	CancelWorkflow(ctx context.Context, workflowID, runID string) error
	QueryWorkflow(ctx context.Context, workflowID, runID, queryType string, args ...any) (converter.EncodedValue, error)
}

// Launched describes one started worker workflow.
type Launched struct {
	Key        domain.WorkerKey `json:"key"`
	WorkflowID string           `json:"workflow_id"`
	RunID      string           `json:"run_id"`
}

// View combines a worker's record with its live workflow status. Live is nil
// when the workflow could not be queried.
type View struct {
	Key        domain.WorkerKey   `json:"key"`
	Record     domain.WorkerState `json:"record"`
	Live       *workflow.Status   `json:"live,omitempty"`
	QueryError string             `json:"query_error,omitempty"`
}

// Supervisor launches and controls worker workflows and mirrors every
// control action into the worker records.
type Supervisor struct {
	client WorkflowClient
	store  checkpoint.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewSupervisor returns a Supervisor.
func NewSupervisor(c WorkflowClient, store checkpoint.Store, cfg *config.Config) *Supervisor {
	return &Supervisor{
		client: c,
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "supervisor"),
	}
}

// Input builds the workflow input for key from the task settings. A zero
// setting in configuration disables the matching limit.
func (s *Supervisor) Input(key domain.WorkerKey) workflow.WorkerInput {
	wc, _ := s.cfg.Worker(key)
	t := s.cfg.Settings.Tasks
	return workflow.WorkerInput{
		Key:                    key,
		SampleLimit:            wc.SampleLimit,
		MaxResubmits:           disabledAsNegative(t.MaxResubmits),
		MaxConsecutiveFailures: disabledAsNegative(t.MaxConsecutiveFailures),
		HistoryBudget:          s.cfg.Settings.Temporal.HistoryBudget,
		ActivityTimeout:        t.TimeLimit,
	}
}

func disabledAsNegative(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// Launch starts a workflow for each key. Launching a worker whose workflow is
// already open returns the open run. Keys that fail do not stop the others.
func (s *Supervisor) Launch(ctx context.Context, keys []domain.WorkerKey) ([]Launched, error) {
	var (
		out  []Launched
		errs error
	)
	for _, key := range keys {
		l, err := s.launch(ctx, key)
		if err != nil {
			s.logger.Error("launch failed", "worker", key.String(), "error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		s.logger.Info("worker launched", "worker", key.String(), "workflow_id", l.WorkflowID, "run_id", l.RunID)
		out = append(out, l)
	}
	return out, errs
}

func (s *Supervisor) launch(ctx context.Context, key domain.WorkerKey) (Launched, error) {
	if err := key.Validate(); err != nil {
		return Launched{}, err
	}
	wc, ok := s.cfg.Worker(key)
	if !ok {
		return Launched{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, key)
	}
	if !wc.IsEnabled() {
		return Launched{}, fmt.Errorf("%w: %s", ErrWorkerDisabled, key)
	}

	id := workflow.WorkflowID(key)
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: key.QueueName(),
	}, workflow.WorkflowName, s.Input(key))
	if err != nil {
		return Launched{}, fmt.Errorf("start workflow %s: %w", id, err)
	}
	if err := s.store.RegisterWorker(ctx, key, id); err != nil {
		return Launched{}, fmt.Errorf("register worker %s: %w", key, err)
	}
	return Launched{Key: key, WorkflowID: run.GetID(), RunID: run.GetRunID()}, nil
}

// Pause asks the worker to stop pulling units after the one in flight.
func (s *Supervisor) Pause(ctx context.Context, key domain.WorkerKey) error {
	if err := s.client.SignalWorkflow(ctx, workflow.WorkflowID(key), "", workflow.SignalPause, nil); err != nil {
		return fmt.Errorf("pause %s: %w", key, err)
	}
	return s.mirror(ctx, key, domain.WorkerPaused)
}

// Resume lets a paused worker continue.
func (s *Supervisor) Resume(ctx context.Context, key domain.WorkerKey) error {
	if err := s.client.SignalWorkflow(ctx, workflow.WorkflowID(key), "", workflow.SignalResume, nil); err != nil {
		return fmt.Errorf("resume %s: %w", key, err)
	}
	return s.mirror(ctx, key, domain.WorkerRunning)
}

// Stop cancels the worker's workflow. The unit in flight stays pending.
func (s *Supervisor) Stop(ctx context.Context, key domain.WorkerKey) error {
	if err := s.client.CancelWorkflow(ctx, workflow.WorkflowID(key), ""); err != nil {
		return fmt.Errorf("stop %s: %w", key, err)
	}
	return s.mirror(ctx, key, domain.WorkerStopped)
}

// StopAll stops every key, collecting failures.
func (s *Supervisor) StopAll(ctx context.Context, keys []domain.WorkerKey) error {
	var errs error
	for _, key := range keys {
		errs = multierr.Append(errs, s.Stop(ctx, key))
	}
	return errs
}

func (s *Supervisor) mirror(ctx context.Context, key domain.WorkerKey, status domain.WorkerStatus) error {
	err := s.store.UpdateWorkerStatus(ctx, key, status)
	if errors.Is(err, domain.ErrWorkerNotFound) {
		s.logger.Warn("no worker record to update", "worker", key.String(), "status", string(status))
		return nil
	}
	return err
}

// Status returns the record and live status of key.
func (s *Supervisor) Status(ctx context.Context, key domain.WorkerKey) (View, error) {
	v := View{Key: key}
	rec, err := s.store.WorkerState(ctx, key)
	switch {
	case errors.Is(err, domain.ErrWorkerNotFound):
		rec = domain.WorkerState{Status: domain.WorkerUnknown}
	case err != nil:
		return v, err
	}
	v.Record = rec

	val, err := s.client.QueryWorkflow(ctx, workflow.WorkflowID(key), "", workflow.QueryStatus)
	if err != nil {
		v.QueryError = err.Error()
		return v, nil
	}
	var live workflow.Status
	if err := val.Get(&live); err != nil {
		v.QueryError = err.Error()
		return v, nil
	}
	v.Live = &live
	return v, nil
}

// StatusAll returns a view for every key.
func (s *Supervisor) StatusAll(ctx context.Context, keys []domain.WorkerKey) ([]View, error) {
	out := make([]View, 0, len(keys))
	for _, key := range keys {
		v, err := s.Status(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
