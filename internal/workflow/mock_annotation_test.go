package workflow //nolint:testpackage

import (
	"context"
	"sync"

	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/orchestration"
)

type step struct {
	res orchestration.Result
	err error
}

// scriptedProcessor replays a per-sample script of outcomes. The last step of
// a script repeats; samples without a script succeed.
type scriptedProcessor struct {
	mu       sync.Mutex
	scripts  map[string][]step
	calls    []string
	terminal map[string]string
}

func newScriptedProcessor() *scriptedProcessor {
	return &scriptedProcessor{scripts: make(map[string][]step), terminal: make(map[string]string)}
}

func (p *scriptedProcessor) script(sampleID string, steps ...step) { p.scripts[sampleID] = steps }

func (p *scriptedProcessor) Process(_ context.Context, unit domain.UnitOfWork) (orchestration.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, unit.SampleID)

	s := step{res: orchestration.Result{Status: domain.TaskSuccess, State: orchestration.StateDone, Label: "LEVEL_1"}}
	if steps := p.scripts[unit.SampleID]; len(steps) > 0 {
		s = steps[0]
		if len(steps) > 1 {
			p.scripts[unit.SampleID] = steps[1:]
		}
	}
	s.res.SampleID = unit.SampleID
	return s.res, s.err
}

func (p *scriptedProcessor) RecordTerminal(_ context.Context, unit domain.UnitOfWork, reason string) (orchestration.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminal[unit.SampleID] = reason
	return orchestration.Result{
		SampleID: unit.SampleID,
		Status:   domain.TaskError,
		Error:    reason,
		State:    orchestration.StateFailedTerminal,
	}, nil
}

func (p *scriptedProcessor) callsFor(sampleID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == sampleID {
			n++
		}
	}
	return n
}

func (p *scriptedProcessor) order() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// staticQueue queues every sample it was built with.
type staticQueue []string

func (q staticQueue) PopulateQueue(_ context.Context, key domain.WorkerKey, _ int) ([]domain.UnitOfWork, orchestration.QueueMeta, error) {
	units := make([]domain.UnitOfWork, len(q))
	for i, id := range q {
		units[i] = domain.UnitOfWork{AnnotatorID: key.AnnotatorID, Domain: key.Domain, SampleID: id}
	}
	return units, orchestration.QueueMeta{Key: key, TotalSamples: len(q), Pending: len(q), TotalQueued: len(q)}, nil
}

// echoSamples resolves every id to a sample whose text is the id.
type echoSamples struct{}

func (echoSamples) Get(_ context.Context, id string) (domain.Sample, bool, error) {
	return domain.Sample{SampleID: id, Text: "text of " + id}, true, nil
}
