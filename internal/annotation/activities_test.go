package annotation //nolint:testpackage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/orchestration"
	"github.com/ahrav/go-annotator/pkg/activity"
	"github.com/ahrav/go-annotator/pkg/events"
)

var urgency1 = domain.WorkerKey{AnnotatorID: 1, Domain: domain.DomainUrgency}

type fixture struct {
	env   *testsuite.TestActivityEnvironment
	proc  *mockProcessor
	store *checkpoint.MemoryStore
	sink  *events.MemorySink
}

func newFixture(t *testing.T, queue mockQueue) *fixture {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	f := &fixture{
		env:   suite.NewTestActivityEnvironment(),
		proc:  &mockProcessor{result: orchestration.Result{Status: domain.TaskSuccess, State: orchestration.StateDone, Label: "LEVEL_2"}},
		store: checkpoint.NewMemoryStore(),
		sink:  events.NewMemorySink(),
	}
	samples := mapSamples{"S1": "first", "S2": "second"}
	NewActivities(activity.NewBaseActivities(f.sink), f.proc, queue, samples, f.store).Register(f.env)
	return f
}

func (f *fixture) process(t *testing.T, in ProcessInput) (ProcessOutput, error) {
	t.Helper()
	val, err := f.env.ExecuteActivity(ActivityProcessSample, in)
	if err != nil {
		return ProcessOutput{}, err
	}
	var res ProcessOutput
	require.NoError(t, val.Get(&res))
	return res, nil
}

func eventTypes(sink *events.MemorySink) []string {
	var out []string
	for _, e := range sink.Events() {
		out = append(out, e.Type)
	}
	return out
}

func TestPrepareQueue(t *testing.T) {
	queue := mockQueue{
		units: []domain.UnitOfWork{{SampleID: "S1"}, {SampleID: "S2"}},
		meta:  orchestration.QueueMeta{TotalSamples: 5, Completed: 3, Pending: 2, TotalQueued: 2},
	}
	f := newFixture(t, queue)

	val, err := f.env.ExecuteActivity(ActivityPrepareQueue, PrepareInput{Key: urgency1})
	require.NoError(t, err)
	var out PrepareOutput
	require.NoError(t, val.Get(&out))

	assert.Equal(t, []string{"S1", "S2"}, out.SampleIDs)
	assert.Equal(t, 2, out.Meta.TotalQueued)
	assert.Equal(t, urgency1, out.Meta.Key)

	st, err := f.store.WorkerState(context.Background(), urgency1)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerRunning, st.Status)
	assert.NotEmpty(t, st.ProcessHandle, "registered under the workflow id")
	assert.Equal(t, []string{EventQueuePrepared}, eventTypes(f.sink))
}

func TestPrepareQueue_Errors(t *testing.T) {
	t.Run("invalid key is not retried", func(t *testing.T) {
		f := newFixture(t, mockQueue{})
		_, err := f.env.ExecuteActivity(ActivityPrepareQueue, PrepareInput{Key: domain.WorkerKey{AnnotatorID: 9, Domain: domain.DomainUrgency}})
		var appErr *temporal.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, ErrTypeValidation, appErr.Type())
		assert.True(t, appErr.NonRetryable())
	})

	t.Run("queue failure is retryable", func(t *testing.T) {
		f := newFixture(t, mockQueue{err: errors.New("redis down")})
		_, err := f.env.ExecuteActivity(ActivityPrepareQueue, PrepareInput{Key: urgency1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis down")
		var appErr *temporal.ApplicationError
		if errors.As(err, &appErr) {
			assert.False(t, appErr.NonRetryable())
		}
	})
}

func TestProcessSample(t *testing.T) {
	f := newFixture(t, mockQueue{})
	ctx := context.Background()
	require.NoError(t, f.store.RegisterWorker(ctx, urgency1, "wf"))

	res, err := f.process(t, ProcessInput{Key: urgency1, SampleID: "S1", Processed: 4})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSuccess, res.Status)
	assert.Equal(t, "LEVEL_2", res.Label)
	assert.Empty(t, res.Failure)
	require.Len(t, f.proc.processed, 1)
	assert.Equal(t, domain.UnitOfWork{AnnotatorID: 1, Domain: domain.DomainUrgency, SampleID: "S1", Text: "first"}, f.proc.processed[0])

	st, err := f.store.WorkerState(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.ProcessedCount)

	// An activity retry of the same attempt does not duplicate the event.
	_, err = f.process(t, ProcessInput{Key: urgency1, SampleID: "S1", Processed: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{EventUnitProcessed}, eventTypes(f.sink))
}

func TestProcessSample_RetryDoesNotHeartbeat(t *testing.T) {
	f := newFixture(t, mockQueue{})
	ctx := context.Background()
	require.NoError(t, f.store.RegisterWorker(ctx, urgency1, "wf"))
	f.proc.result = orchestration.Result{Status: domain.TaskRetry, State: orchestration.StatePending, RetryAfter: time.Minute}

	res, err := f.process(t, ProcessInput{Key: urgency1, SampleID: "S2", Processed: 7})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRetry, res.Status)
	assert.Equal(t, time.Minute, res.RetryAfter)

	st, err := f.store.WorkerState(ctx, urgency1)
	require.NoError(t, err)
	assert.Zero(t, st.ProcessedCount)
}

func TestProcessSample_Errors(t *testing.T) {
	tests := []struct {
		name          string
		sampleID      string
		result        orchestration.Result
		procErr       error
		wantType      string
		wantRetryable bool
		wantResult    domain.TaskStatus
	}{
		{
			name:     "sample missing from dataset",
			sampleID: "S404",
			wantType: ErrTypeSampleNotFound,
		},
		{
			name:     "invalid unit",
			sampleID: "S1",
			procErr:  fmt.Errorf("process: %w", domain.ErrInvalidUnit),
			wantType: ErrTypeValidation,
		},
		{
			name:     "missing prompt",
			sampleID: "S1",
			procErr:  fmt.Errorf("render: %w", orchestration.ErrMissingPrompt),
			wantType: ErrTypeValidation,
		},
		{
			name:          "interrupted unit stays pending",
			sampleID:      "S1",
			result:        orchestration.Result{State: orchestration.StatePending},
			procErr:       errors.New("process 1_urgency/S1: context canceled"),
			wantRetryable: true,
		},
		{
			name:       "recorded failure is a result",
			sampleID:   "S1",
			result:     orchestration.Result{Status: domain.TaskError, State: orchestration.StateFailedTerminal, Error: "disk"},
			procErr:    errors.New("disk unavailable"),
			wantResult: domain.TaskError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mockQueue{})
			f.proc.result = tt.result
			f.proc.err = tt.procErr

			res, err := f.process(t, ProcessInput{Key: urgency1, SampleID: tt.sampleID})
			if tt.wantResult != "" {
				require.NoError(t, err)
				assert.Equal(t, tt.wantResult, res.Status)
				assert.Equal(t, "disk unavailable", res.Failure)
				return
			}
			require.Error(t, err)
			var appErr *temporal.ApplicationError
			if tt.wantRetryable {
				if errors.As(err, &appErr) {
					assert.False(t, appErr.NonRetryable())
				}
				return
			}
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantType, appErr.Type())
			assert.True(t, appErr.NonRetryable())
		})
	}
}

func TestRecordTerminal(t *testing.T) {
	f := newFixture(t, mockQueue{})

	val, err := f.env.ExecuteActivity(ActivityRecordTerminal, TerminalInput{Key: urgency1, SampleID: "S2", Reason: "limit reached"})
	require.NoError(t, err)
	var res orchestration.Result
	require.NoError(t, val.Get(&res))
	assert.Equal(t, domain.TaskError, res.Status)
	assert.Equal(t, []string{"S2: limit reached"}, f.proc.terminal)
	assert.Empty(t, f.proc.processed)
}

func TestSetWorkerStatus(t *testing.T) {
	f := newFixture(t, mockQueue{})
	ctx := context.Background()

	_, err := f.env.ExecuteActivity(ActivitySetWorkerStatus, StatusInput{Key: urgency1, Status: domain.WorkerPaused})
	require.NoError(t, err)
	st, err := f.store.WorkerState(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerPaused, st.Status, "unregistered worker is registered first")

	_, err = f.env.ExecuteActivity(ActivitySetWorkerStatus, StatusInput{Key: urgency1, Status: domain.WorkerRunning})
	require.NoError(t, err)
	st, err = f.store.WorkerState(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerRunning, st.Status)
}
