package worker //nolint:testpackage

import (
	"context"
	"errors"
	"sync"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"

	"github.com/ahrav/go-annotator/internal/workflow"
)

type startCall struct {
	options client.StartWorkflowOptions
	name    any
	input   workflow.WorkerInput
}

type signalCall struct {
	workflowID string
	signal     string
}

// fakeClient records workflow client calls.
type fakeClient struct {
	mu        sync.Mutex
	starts    []startCall
	signals   []signalCall
	cancels   []string
	live      map[string]workflow.Status
	startErr  error
	signalErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{live: make(map[string]workflow.Status)}
}

func (f *fakeClient) ExecuteWorkflow(
	_ context.Context,
	options client.StartWorkflowOptions,
	wf any,
	args ...any,
) (client.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	call := startCall{options: options, name: wf}
	if len(args) == 1 {
		call.input, _ = args[0].(workflow.WorkerInput)
	}
	f.starts = append(f.starts, call)
	return fakeRun{id: options.ID, runID: "run-" + options.ID}, nil
}

func (f *fakeClient) SignalWorkflow(_ context.Context, workflowID, _, signalName string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	f.signals = append(f.signals, signalCall{workflowID: workflowID, signal: signalName})
	return nil
}

func (f *fakeClient) CancelWorkflow(_ context.Context, workflowID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, workflowID)
	return nil
}

func (f *fakeClient) QueryWorkflow(_ context.Context, workflowID, _, queryType string, _ ...any) (converter.EncodedValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.live[workflowID]
	if !ok || queryType != workflow.QueryStatus {
		return nil, errors.New("workflow not found")
	}
	return statusValue{st: st}, nil
}

// fakeRun embeds the interface so only the used methods need bodies.
type fakeRun struct {
	client.WorkflowRun
	id    string
	runID string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return r.runID }

type statusValue struct{ st workflow.Status }

func (v statusValue) HasValue() bool { return true }

func (v statusValue) Get(valuePtr any) error {
	p, ok := valuePtr.(*workflow.Status)
	if !ok {
		return errors.New("unexpected value type")
	}
	*p = v.st
	return nil
}
