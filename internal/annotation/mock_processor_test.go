package annotation //nolint:testpackage

import (
	"context"
	"sync"

	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/orchestration"
)

// mockProcessor returns canned results and remembers what it saw.
type mockProcessor struct {
	mu        sync.Mutex
	result    orchestration.Result
	err       error
	processed []domain.UnitOfWork
	terminal  []string
}

func (m *mockProcessor) Process(_ context.Context, unit domain.UnitOfWork) (orchestration.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, unit)
	res := m.result
	res.SampleID = unit.SampleID
	return res, m.err
}

func (m *mockProcessor) RecordTerminal(_ context.Context, unit domain.UnitOfWork, reason string) (orchestration.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminal = append(m.terminal, unit.SampleID+": "+reason)
	return orchestration.Result{
		SampleID: unit.SampleID,
		Status:   domain.TaskError,
		Error:    reason,
		State:    orchestration.StateFailedTerminal,
	}, nil
}

// mockQueue serves a fixed queue.
type mockQueue struct {
	units []domain.UnitOfWork
	meta  orchestration.QueueMeta
	err   error
}

func (m mockQueue) PopulateQueue(_ context.Context, key domain.WorkerKey, _ int) ([]domain.UnitOfWork, orchestration.QueueMeta, error) {
	meta := m.meta
	meta.Key = key
	return m.units, meta, m.err
}

// mapSamples looks samples up in a map.
type mapSamples map[string]string

func (m mapSamples) Get(_ context.Context, id string) (domain.Sample, bool, error) {
	text, ok := m[id]
	if !ok {
		return domain.Sample{}, false, nil
	}
	return domain.Sample{SampleID: id, Text: text}, true, nil
}
