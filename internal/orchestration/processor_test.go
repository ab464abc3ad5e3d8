package orchestration //nolint:testpackage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/llm"
	"github.com/ahrav/go-annotator/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
	"github.com/ahrav/go-annotator/internal/llm/providers"
	"github.com/ahrav/go-annotator/internal/llm/retry"
	"github.com/ahrav/go-annotator/internal/metrics"
	"github.com/ahrav/go-annotator/internal/storage"
)

func TestProcess_EndToEndLabeled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newMockCaller(retry.Success("Reasoning... <<LEVEL_3>>")))
	u := unit(urgency1, "MH-0001", "I feel hopeless")

	res, err := h.proc.Process(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, Result{
		TaskID:   "task-1",
		SampleID: "MH-0001",
		Status:   domain.TaskSuccess,
		Label:    "LEVEL_3",
		State:    StateDone,
	}, res)

	rows := h.rows(t, urgency1)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.AnnotationRecord{
		SampleID:    "MH-0001",
		Text:        "I feel hopeless",
		RawResponse: "Reasoning... <<LEVEL_3>>",
		Label:       "LEVEL_3",
		Timestamp:   stamp,
	}, rows[0])
	assert.True(t, h.completed(t, urgency1, "MH-0001"))
	assert.Empty(t, h.malforms.all())

	tasks := h.sink.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskSuccess, tasks[0].Status)
	assert.Equal(t, "task-1", tasks[0].TaskID)

	// Re-submitting the same unit is a no-op.
	again, err := h.proc.Process(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSkipped, again.Status)
	assert.Equal(t, StateDone, again.State)
	assert.Equal(t, 1, h.caller.calls())
	assert.Len(t, h.rows(t, urgency1), 1)
	assert.Len(t, h.sink.Tasks(), 1)
}

func TestProcess_EndToEndMalformed(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg)
	h := newHarness(t, newMockCaller(retry.Success("I cannot classify this.")), WithCollectors(collectors))

	res, err := h.proc.Process(ctx, unit(urgency1, "MH-0001", "I feel hopeless"))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskMalformed, res.Status)
	assert.Empty(t, res.Label)
	assert.Equal(t, "no delimited tag found", res.Error)
	assert.Equal(t, StateDone, res.State)

	rows := h.rows(t, urgency1)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].Label)
	assert.True(t, rows[0].Malformed)
	assert.Equal(t, "no delimited tag found", rows[0].ParsingError)

	entries := h.malforms.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "MH-0001", entries[0].SampleID)
	assert.Equal(t, "I cannot classify this.", entries[0].RawResponse)
	assert.Equal(t, "task-1", entries[0].TaskID)
	assert.Equal(t, stamp, entries[0].Timestamp)

	assert.True(t, h.completed(t, urgency1, "MH-0001"), "malformed responses are not retried")
	assert.InDelta(t, 1.0, testutil.ToFloat64(collectors.Malformed.WithLabelValues("1", "urgency", "parsing")), 0)
}

func TestProcess_SafetyBlockedReplyIsMalformed(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int64
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`))
	}))
	t.Cleanup(vendor.Close)

	adapter, err := providers.NewGeminiAdapter(configuration.ProviderConfig{Endpoint: vendor.URL, APIKey: "k"})
	require.NoError(t, err)
	cfg := configuration.DefaultConfig()
	cfg.RateLimit.Enabled = false
	client, err := llm.NewClient(cfg, llm.Deps{Router: providers.NewStaticRouter(adapter), HTTPClient: vendor.Client()})
	require.NoError(t, err)

	store := checkpoint.NewMemoryStore()
	records := storage.NewMemoryRecordStore()
	malforms := &mockMalforms{}
	proc, err := NewProcessor(Deps{
		Caller:   client,
		Store:    store,
		Records:  records,
		Malforms: malforms,
		Prompts:  testPrompts,
	}, WithClock(func() time.Time { return stamp }), WithTaskIDs(func() string { return "task-1" }))
	require.NoError(t, err)

	res, err := proc.Process(ctx, unit(urgency1, "MH-0042", "I want to hurt myself"))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskMalformed, res.Status)
	assert.Equal(t, "no delimited tag found", res.Error)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, int64(1), hits.Load(), "an empty reply is not retried")

	entries := malforms.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "MH-0042", entries[0].SampleID)
	assert.Empty(t, entries[0].RawResponse)
	assert.Equal(t, "no delimited tag found", entries[0].ParsingError)

	rows, err := records.Records(ctx, urgency1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Malformed)

	done, err := store.IsCompleted(ctx, urgency1, "MH-0042")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestProcess_RetryLeavesUnitPending(t *testing.T) {
	ctx := context.Background()
	rl := &llmerrors.RateLimitError{Actor: "1", RetryAfter: 30 * time.Second}
	h := newHarness(t, newMockCaller(retry.Retry(30*time.Second, rl)))

	res, err := h.proc.Process(ctx, unit(urgency1, "MH-0002", "text"))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRetry, res.Status)
	assert.Equal(t, 30*time.Second, res.RetryAfter)
	assert.Equal(t, StatePending, res.State)
	assert.Contains(t, res.Error, "rate limit exceeded")

	assert.False(t, h.completed(t, urgency1, "MH-0002"))
	assert.Empty(t, h.rows(t, urgency1))
	assert.Empty(t, h.sink.Tasks())
}

func TestProcess_TerminalIsRecordedAndCompleted(t *testing.T) {
	ctx := context.Background()
	invalid := &llmerrors.InvalidRequestError{Actor: "1", Message: "prompt blocked"}
	h := newHarness(t, newMockCaller(retry.Terminal(invalid)))

	res, err := h.proc.Process(ctx, unit(urgency1, "MH-0003", "text"))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskError, res.Status)
	assert.Equal(t, StateFailedTerminal, res.State)
	assert.Equal(t, invalid.Error(), res.Error)

	rows := h.rows(t, urgency1)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Malformed)
	assert.Empty(t, rows[0].Label)
	assert.Equal(t, invalid.Error(), rows[0].ValidityError)
	assert.Equal(t, invalid.Error(), rows[0].RawResponse)

	assert.True(t, h.completed(t, urgency1, "MH-0003"))
	assert.Empty(t, h.malforms.all(), "terminal errors are not malformed responses")
	tasks := h.sink.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskError, tasks[0].Status)
}

func TestProcess_CancellationLeavesUnitPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, newMockCaller(retry.Terminal(context.Canceled)))

	res, err := h.proc.Process(ctx, unit(urgency1, "MH-0004", "text"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatePending, res.State)
	assert.False(t, h.completed(t, urgency1, "MH-0004"))
	assert.Empty(t, h.rows(t, urgency1))
}

func TestProcess_StorageFailureStillCheckpoints(t *testing.T) {
	ctx := context.Background()
	caller := newMockCaller(retry.Success("<<LEVEL_1>>"))
	store := checkpoint.NewMemoryStore()
	sink := metrics.NewMemorySink()
	proc, err := NewProcessor(Deps{
		Caller:  caller,
		Store:   store,
		Records: failingRecords{RecordStore: storage.NewMemoryRecordStore()},
		Sink:    sink,
		Prompts: testPrompts,
	})
	require.NoError(t, err)

	res, err := proc.Process(ctx, unit(urgency1, "MH-0005", "text"))
	require.ErrorIs(t, err, errDisk)
	assert.Contains(t, err.Error(), "PERSISTING")
	assert.Equal(t, domain.TaskError, res.Status)
	assert.Equal(t, StateFailedTerminal, res.State)

	done, err := store.IsCompleted(ctx, urgency1, "MH-0005")
	require.NoError(t, err)
	assert.True(t, done, "best-effort checkpoint prevents retry storms")

	tasks := sink.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskError, tasks[0].Status)
}

func TestProcess_MalformLogFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newMockCaller(retry.Success("no tag")))
	h.malforms.err = errDisk

	res, err := h.proc.Process(ctx, unit(urgency1, "MH-0006", "text"))
	require.ErrorIs(t, err, errDisk)
	assert.Equal(t, domain.TaskError, res.Status)
	assert.Len(t, h.rows(t, urgency1), 1, "row was written before the malform log failed")
	assert.True(t, h.completed(t, urgency1, "MH-0006"))
}

func TestProcess_RejectsBadInput(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		unit    domain.UnitOfWork
		wantErr error
	}{
		{"empty sample id", unit(urgency1, " ", "text"), domain.ErrInvalidSampleID},
		{"bad annotator", domain.UnitOfWork{AnnotatorID: 9, Domain: domain.DomainUrgency, SampleID: "S"}, domain.ErrInvalidUnit},
		{"no prompt for domain", unit(domain.WorkerKey{AnnotatorID: 1, Domain: domain.DomainRedressal}, "S", "x"), ErrMissingPrompt},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, newMockCaller(retry.Success("<<LEVEL_1>>")))
			res, err := h.proc.Process(ctx, tc.unit)
			require.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, StatePending, res.State)
			assert.Zero(t, h.caller.calls())
			assert.Empty(t, h.sink.Tasks())
		})
	}
}

func TestProcess_BuildsRequest(t *testing.T) {
	ctx := context.Background()
	temperature := 0.2
	h := newHarness(t, newMockCaller(retry.Success("<<MOD-2>>")),
		WithRequestDefaults(RequestDefaults{Model: "gemini-1.5-flash", Temperature: &temperature, MaxTokens: 512}))

	res, err := h.proc.Process(ctx, unit(modality2, "S9", "I talk to my sister"))
	require.NoError(t, err)
	assert.Equal(t, "MOD-2", res.Label)

	require.Len(t, h.caller.requests, 1)
	req := h.caller.requests[0]
	assert.Equal(t, "Pick modalities for: I talk to my sister", req.Prompt)
	assert.Equal(t, domain.AnnotatorID(2), req.AnnotatorID)
	assert.Equal(t, domain.DomainModality, req.Domain)
	assert.Equal(t, "S9", req.SampleID)
	assert.Equal(t, "gemini-1.5-flash", req.Model)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 0)
	assert.Equal(t, 512, req.MaxTokens)
	assert.Equal(t, "task-1", req.TraceID)
}

func TestProcess_RecordTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newMockCaller(retry.Success("<<LEVEL_1>>")))

	res, err := h.proc.RecordTerminal(ctx, unit(urgency1, "S1", "text"), "gave up")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskError, res.Status)
	assert.Equal(t, StateFailedTerminal, res.State)
	assert.Zero(t, h.caller.calls())

	rows := h.rows(t, urgency1)
	require.Len(t, rows, 1)
	assert.Equal(t, "gave up", rows[0].ValidityError)
	assert.True(t, h.completed(t, urgency1, "S1"))
}

func TestPrompts_Render(t *testing.T) {
	p := Prompts{domain.DomainUrgency: "A {text} B {text}", domain.DomainIntensity: "  "}

	got, err := p.Render(domain.DomainUrgency, "x")
	require.NoError(t, err)
	assert.Equal(t, "A x B x", got)

	_, err = p.Render(domain.DomainIntensity, "x")
	require.ErrorIs(t, err, ErrMissingPrompt)
	_, err = p.Render(domain.DomainAdjunct, "x")
	require.ErrorIs(t, err, ErrMissingPrompt)
}

func TestNewProcessor_RequiresDeps(t *testing.T) {
	caller := newMockCaller(retry.Success(""))
	store := checkpoint.NewMemoryStore()
	records := storage.NewMemoryRecordStore()

	tests := []struct {
		name string
		deps Deps
		want string
	}{
		{"caller", Deps{Store: store, Records: records, Prompts: testPrompts}, "caller"},
		{"store", Deps{Caller: caller, Records: records, Prompts: testPrompts}, "checkpoint store"},
		{"records", Deps{Caller: caller, Store: store, Prompts: testPrompts}, "record store"},
		{"prompts", Deps{Caller: caller, Store: store, Records: records}, "prompt templates"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewProcessor(tc.deps)
			require.ErrorIs(t, err, ErrMissingDependency)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	_, err := NewProcessor(Deps{Caller: caller, Store: store, Records: records, Prompts: testPrompts})
	require.NoError(t, err, "malforms and sink are optional")
}
