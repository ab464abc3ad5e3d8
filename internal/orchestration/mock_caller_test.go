package orchestration //nolint:testpackage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/llm/retry"
	"github.com/ahrav/go-annotator/internal/llm/transport"
	"github.com/ahrav/go-annotator/internal/metrics"
	"github.com/ahrav/go-annotator/internal/storage"
)

var (
	urgency1  = domain.WorkerKey{AnnotatorID: 1, Domain: domain.DomainUrgency}
	modality2 = domain.WorkerKey{AnnotatorID: 2, Domain: domain.DomainModality}
	stamp     = time.Date(2025, 3, 2, 9, 30, 0, 0, time.Local)
	errDisk   = errors.New("disk unavailable")
)

var testPrompts = Prompts{
	domain.DomainUrgency:  "Rate urgency: {text}",
	domain.DomainModality: "Pick modalities for: {text}",
}

// mockCaller replays scripted outcomes per sample. The last scripted outcome
// repeats; unscripted samples get fallback.
type mockCaller struct {
	mu       sync.Mutex
	script   map[string][]retry.Outcome
	fallback retry.Outcome
	requests []transport.Request
	onCall   func(req *transport.Request)
}

func newMockCaller(fallback retry.Outcome) *mockCaller {
	return &mockCaller{script: make(map[string][]retry.Outcome), fallback: fallback}
}

func (m *mockCaller) on(sampleID string, outs ...retry.Outcome) *mockCaller {
	m.mu.Lock()
	m.script[sampleID] = outs
	m.mu.Unlock()
	return m
}

// Call implements Caller.
func (m *mockCaller) Call(_ context.Context, req *transport.Request) retry.Outcome {
	m.mu.Lock()
	m.requests = append(m.requests, *req)
	out := m.fallback
	if s := m.script[req.SampleID]; len(s) > 0 {
		out = s[0]
		if len(s) > 1 {
			m.script[req.SampleID] = s[1:]
		}
	}
	hook := m.onCall
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return out
}

func (m *mockCaller) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockCaller) sampleOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.requests))
	for i, r := range m.requests {
		ids[i] = r.SampleID
	}
	return ids
}

// mockMalforms collects logged malform entries.
type mockMalforms struct {
	mu      sync.Mutex
	entries []domain.MalformError
	err     error
}

// Log implements MalformRecorder.
func (m *mockMalforms) Log(_ context.Context, e domain.MalformError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockMalforms) all() []domain.MalformError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.MalformError(nil), m.entries...)
}

// failingRecords fails appends with errDisk.
type failingRecords struct {
	storage.RecordStore
}

func (failingRecords) AppendRow(context.Context, domain.WorkerKey, domain.AnnotationRecord) error {
	return errDisk
}

type harness struct {
	store    *checkpoint.MemoryStore
	records  *storage.MemoryRecordStore
	caller   *mockCaller
	malforms *mockMalforms
	sink     *metrics.MemorySink
	proc     *Processor
}

func newHarness(t *testing.T, caller *mockCaller, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    checkpoint.NewMemoryStore(),
		records:  storage.NewMemoryRecordStore(),
		caller:   caller,
		malforms: &mockMalforms{},
		sink:     metrics.NewMemorySink(),
	}
	base := []Option{
		WithClock(func() time.Time { return stamp }),
		WithTaskIDs(func() string { return "task-1" }),
	}
	proc, err := NewProcessor(Deps{
		Caller:   caller,
		Store:    h.store,
		Records:  h.records,
		Malforms: h.malforms,
		Sink:     h.sink,
		Prompts:  testPrompts,
	}, append(base, opts...)...)
	require.NoError(t, err)
	h.proc = proc
	return h
}

func (h *harness) completed(t *testing.T, key domain.WorkerKey, id string) bool {
	t.Helper()
	done, err := h.store.IsCompleted(context.Background(), key, id)
	require.NoError(t, err)
	return done
}

func (h *harness) rows(t *testing.T, key domain.WorkerKey) []domain.AnnotationRecord {
	t.Helper()
	recs, err := h.records.Records(context.Background(), key)
	if errors.Is(err, storage.ErrNotInitialized) {
		return nil
	}
	require.NoError(t, err)
	return recs
}

func unit(key domain.WorkerKey, id, text string) domain.UnitOfWork {
	return domain.UnitOfWork{AnnotatorID: key.AnnotatorID, Domain: key.Domain, SampleID: id, Text: text}
}

// sleepRecorder replaces real sleeps and remembers the requested durations.
type sleepRecorder struct {
	mu     sync.Mutex
	slept  []time.Duration
	onCall func(n int)
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	n := len(s.slept)
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (s *sleepRecorder) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}
