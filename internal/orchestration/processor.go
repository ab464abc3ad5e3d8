// Package orchestration turns one unit of work into a durable annotation:
// consult the checkpoint, call the model, validate the response, persist the
// row, mark the checkpoint. It also owns the per-worker re-submission loop
// and the parallel fleet of workers.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/labeling"
	"github.com/ahrav/go-annotator/internal/llm/retry"
	"github.com/ahrav/go-annotator/internal/llm/transport"
	"github.com/ahrav/go-annotator/internal/metrics"
	"github.com/ahrav/go-annotator/internal/observability"
	"github.com/ahrav/go-annotator/internal/storage"
)

// State is a step of the per-unit state machine.
type State string

// Processing states. A unit moves forward only; FailedTerminal is absorbing
// and is still checkpointed so the unit is not retried forever.
const (
	StatePending         State = "PENDING"
	StateCallingExternal State = "CALLING_EXTERNAL"
	StateValidating      State = "VALIDATING"
	StatePersisting      State = "PERSISTING"
	StateCheckpointing   State = "CHECKPOINTING"
	StateDone            State = "DONE"
	StateFailedTerminal  State = "FAILED_TERMINAL"
)

// Placeholder is replaced by the sample text when rendering a prompt.
const Placeholder = "{text}"

var (
	// ErrMissingPrompt indicates no prompt template is configured for a domain.
	ErrMissingPrompt = errors.New("no prompt template for domain")
	// ErrMissingDependency indicates a required collaborator was not supplied.
	ErrMissingDependency = errors.New("missing dependency")
)

// Prompts maps each domain to its prompt template.
type Prompts map[domain.Domain]string

// Render substitutes text into the template for d.
func (p Prompts) Render(d domain.Domain, text string) (string, error) {
	tmpl, ok := p[d]
	if !ok || strings.TrimSpace(tmpl) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingPrompt, d)
	}
	return strings.ReplaceAll(tmpl, Placeholder, text), nil
}

// Caller is the external call envelope. llm.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, req *transport.Request) retry.Outcome
}

// MalformRecorder persists invalid responses. malform.Logger satisfies it.
type MalformRecorder interface {
	Log(ctx context.Context, m domain.MalformError) error
}

// ResponseValidator maps raw model output to a validation result.
type ResponseValidator interface {
	Validate(d domain.Domain, raw string) domain.ValidationResult
}

// RequestDefaults are the model parameters stamped on every call. Zero
// values and a nil Temperature defer to the client's configuration.
type RequestDefaults struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	MaxRetries  int
	BaseDelay   time.Duration
	Timeout     time.Duration
}

// Result is the outcome of processing one unit.
type Result struct {
	TaskID     string            `json:"task_id"`
	SampleID   string            `json:"sample_id"`
	Status     domain.TaskStatus `json:"status"`
	Label      string            `json:"label,omitempty"`
	Error      string            `json:"error,omitempty"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	State      State             `json:"state"`
	Duration   time.Duration     `json:"duration"`
}

// Deps are the collaborators of a Processor. Malforms and Sink are optional.
type Deps struct {
	Caller   Caller
	Store    checkpoint.Store
	Records  storage.RecordStore
	Malforms MalformRecorder
	Sink     metrics.Sink
	Prompts  Prompts
}

// Processor runs the per-unit state machine. It is safe for concurrent use
// across workers; a single worker key must still be processed sequentially.
type Processor struct {
	caller     Caller
	store      checkpoint.Store
	records    storage.RecordStore
	malforms   MalformRecorder
	sink       metrics.Sink
	collectors *metrics.Collectors
	validator  ResponseValidator
	prompts    Prompts
	defaults   RequestDefaults
	now        func() time.Time
	newTaskID  func() string
	logger     *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithRequestDefaults sets the model parameters for every call.
func WithRequestDefaults(d RequestDefaults) Option {
	return func(p *Processor) { p.defaults = d }
}

// WithCollectors counts malformed responses in Prometheus.
func WithCollectors(c *metrics.Collectors) Option {
	return func(p *Processor) { p.collectors = c }
}

// WithValidator replaces the response validator.
func WithValidator(v ResponseValidator) Option {
	return func(p *Processor) { p.validator = v }
}

// WithClock replaces the time source used for row timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithTaskIDs replaces the task ID generator.
func WithTaskIDs(gen func() string) Option {
	return func(p *Processor) { p.newTaskID = gen }
}

// NewProcessor validates deps and returns a Processor.
func NewProcessor(deps Deps, opts ...Option) (*Processor, error) {
	switch {
	case deps.Caller == nil:
		return nil, fmt.Errorf("%w: caller", ErrMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: checkpoint store", ErrMissingDependency)
	case deps.Records == nil:
		return nil, fmt.Errorf("%w: record store", ErrMissingDependency)
	case len(deps.Prompts) == 0:
		return nil, fmt.Errorf("%w: prompt templates", ErrMissingDependency)
	}
	p := &Processor{
		caller:    deps.Caller,
		store:     deps.Store,
		records:   deps.Records,
		malforms:  deps.Malforms,
		sink:      deps.Sink,
		validator: labeling.Validator{},
		prompts:   deps.Prompts,
		now:       time.Now,
		newTaskID: uuid.NewString,
		logger:    slog.Default().With("component", "orchestration"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process runs one unit through the state machine.
//
// A unit that is already checkpointed is skipped with no side effects. A
// Retry outcome from the envelope returns Status retry and leaves the unit
// pending; the caller re-submits it after RetryAfter. A Terminal outcome is
// written as an error row and checkpointed. A successful call is validated,
// persisted, logged as a malform when invalid, and checkpointed.
//
// An error is returned only for invalid input, cancellation, or an
// unexpected failure. Unexpected failures still attempt to checkpoint the
// unit before returning.
func (p *Processor) Process(ctx context.Context, unit domain.UnitOfWork) (res Result, err error) {
	res = Result{SampleID: unit.SampleID, State: StatePending}
	if err := unit.Validate(); err != nil {
		return res, err
	}
	prompt, err := p.prompts.Render(unit.Domain, unit.Text)
	if err != nil {
		return res, err
	}

	res.TaskID = p.newTaskID()
	start := p.now()
	ctx, span := observability.StartSpan(ctx, "orchestration.process",
		attribute.Int("annotator_id", int(unit.AnnotatorID)),
		attribute.String("domain", string(unit.Domain)),
		attribute.String("sample_id", unit.SampleID),
		attribute.String("task_id", res.TaskID),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("status", string(res.Status)),
			attribute.String("state", string(res.State)),
		)
		observability.EndSpan(span, err)
	}()
	log := p.logger.With(
		"task_id", res.TaskID,
		"annotator_id", int(unit.AnnotatorID),
		"domain", string(unit.Domain),
		"sample_id", unit.SampleID,
	)

	done, err := p.store.IsCompleted(ctx, unit.Key(), unit.SampleID)
	if err != nil {
		return p.fail(ctx, log, unit, res, start, fmt.Errorf("check checkpoint: %w", err))
	}
	if done {
		log.Info("sample already completed, skipping")
		res.Status = domain.TaskSkipped
		res.State = StateDone
		res.Duration = p.now().Sub(start)
		return res, nil
	}

	res.State = StateCallingExternal
	out := p.caller.Call(ctx, p.request(unit, prompt, res.TaskID))
	switch out.Kind {
	case retry.OutcomeRetry:
		log.Warn("call must be re-submitted", "retry_after", out.RetryAfter, "error", out.Reason)
		res.Status = domain.TaskRetry
		res.State = StatePending
		res.RetryAfter = out.RetryAfter
		res.Error = out.Reason
		res.Duration = p.now().Sub(start)
		return res, nil

	case retry.OutcomeTerminal:
		// Cancellation is not a verdict on the unit; leave it pending.
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.State = StatePending
			return res, fmt.Errorf("process %s: %w", unit, ctxErr)
		}
		log.Error("non-retryable call failure", "error", out.Reason)
		res.State = StateFailedTerminal
		return p.finish(ctx, log, unit, res, start, out.Reason, domain.Invalid(out.Reason), domain.TaskError)
	}

	res.State = StateValidating
	vr := p.validator.Validate(unit.Domain, out.Text)
	status := domain.TaskSuccess
	if vr.IsValid() {
		log.Info("annotated sample", "label", vr.Label)
	} else {
		status = domain.TaskMalformed
		log.Warn("malformed response", "parsing_error", vr.ParsingError, "validity_error", vr.ValidityError)
	}
	return p.finish(ctx, log, unit, res, start, out.Text, vr, status)
}

// RecordTerminal writes unit as a terminal error without calling the model.
// Runners use it when a unit exhausts its re-submissions.
func (p *Processor) RecordTerminal(ctx context.Context, unit domain.UnitOfWork, reason string) (Result, error) {
	res := Result{SampleID: unit.SampleID, State: StateFailedTerminal}
	if err := unit.Validate(); err != nil {
		res.State = StatePending
		return res, err
	}
	res.TaskID = p.newTaskID()
	log := p.logger.With(
		"task_id", res.TaskID,
		"annotator_id", int(unit.AnnotatorID),
		"domain", string(unit.Domain),
		"sample_id", unit.SampleID,
	)
	log.Error("recording unit as terminal", "error", reason)
	return p.finish(ctx, log, unit, res, p.now(), reason, domain.Invalid(reason), domain.TaskError)
}

// finish persists the row, the malform entry when status is malformed, and
// the checkpoint, then records the task metric.
func (p *Processor) finish(
	ctx context.Context,
	log *slog.Logger,
	unit domain.UnitOfWork,
	res Result,
	start time.Time,
	raw string,
	vr domain.ValidationResult,
	status domain.TaskStatus,
) (Result, error) {
	terminal := res.State == StateFailedTerminal
	key := unit.Key()

	if !terminal {
		res.State = StatePersisting
	}
	rec := domain.NewAnnotationRecord(unit, raw, vr, p.now())
	if err := p.persist(ctx, key, rec); err != nil {
		return p.fail(ctx, log, unit, res, start, err)
	}
	if status == domain.TaskMalformed {
		if err := p.logMalform(ctx, unit, raw, vr, res.TaskID, rec.Timestamp); err != nil {
			return p.fail(ctx, log, unit, res, start, err)
		}
	}

	if !terminal {
		res.State = StateCheckpointing
	}
	if err := p.store.MarkCompleted(ctx, key, unit.SampleID); err != nil {
		return p.fail(ctx, log, unit, res, start, fmt.Errorf("mark completed: %w", err))
	}

	if !terminal {
		res.State = StateDone
	}
	res.Status = status
	res.Label = rec.Label
	res.Error = vr.Error()
	res.Duration = p.now().Sub(start)
	p.recordTask(ctx, log, unit, res)
	log.Info("task completed", "status", string(status), "duration", res.Duration)
	return res, nil
}

// persist writes the row and flushes it so the checkpoint never runs ahead
// of the durable record.
func (p *Processor) persist(ctx context.Context, key domain.WorkerKey, rec domain.AnnotationRecord) error {
	if err := p.records.Initialize(ctx, key); err != nil {
		return fmt.Errorf("initialize durable record: %w", err)
	}
	if err := p.records.AppendRow(ctx, key, rec); err != nil {
		return fmt.Errorf("append durable row: %w", err)
	}
	if err := p.records.Flush(ctx, key); err != nil {
		return fmt.Errorf("flush durable row: %w", err)
	}
	return nil
}

func (p *Processor) logMalform(
	ctx context.Context,
	unit domain.UnitOfWork,
	raw string,
	vr domain.ValidationResult,
	taskID string,
	at time.Time,
) error {
	if p.collectors != nil {
		p.collectors.IncMalformed(unit.Key(), malformCategory(vr))
	}
	if p.malforms == nil {
		return nil
	}
	m, err := domain.NewMalformError(unit, raw, vr, taskID, at)
	if err != nil {
		return err
	}
	if err := p.malforms.Log(ctx, m); err != nil {
		return fmt.Errorf("log malform: %w", err)
	}
	return nil
}

func malformCategory(vr domain.ValidationResult) string {
	if vr.ParsingError != "" {
		return "parsing"
	}
	return "validity"
}

// fail is the unexpected-failure path: checkpoint the unit if possible so
// it is not retried forever, record an error task, and return the cause.
func (p *Processor) fail(
	ctx context.Context,
	log *slog.Logger,
	unit domain.UnitOfWork,
	res Result,
	start time.Time,
	cause error,
) (Result, error) {
	failedIn := res.State
	log.Error("unexpected failure processing unit", "state", string(failedIn), "error", cause)

	if err := p.store.MarkCompleted(ctx, unit.Key(), unit.SampleID); err != nil {
		log.Warn("best-effort checkpoint failed", "error", err)
	}

	res.Status = domain.TaskError
	res.State = StateFailedTerminal
	res.Label = ""
	res.Error = cause.Error()
	res.Duration = p.now().Sub(start)
	p.recordTask(ctx, log, unit, res)
	return res, fmt.Errorf("process %s in state %s: %w", unit, failedIn, cause)
}

func (p *Processor) recordTask(ctx context.Context, log *slog.Logger, unit domain.UnitOfWork, res Result) {
	if p.sink == nil {
		return
	}
	err := p.sink.RecordTask(ctx, metrics.TaskMetric{
		TaskID:      res.TaskID,
		AnnotatorID: unit.AnnotatorID,
		Domain:      unit.Domain,
		SampleID:    unit.SampleID,
		Status:      res.Status,
		Duration:    res.Duration,
		CompletedAt: p.now(),
	})
	if err != nil {
		log.Warn("failed to record task metrics", "error", err)
	}
}

func (p *Processor) request(unit domain.UnitOfWork, prompt, taskID string) *transport.Request {
	return &transport.Request{
		AnnotatorID: unit.AnnotatorID,
		Domain:      unit.Domain,
		SampleID:    unit.SampleID,
		Prompt:      prompt,
		Model:       p.defaults.Model,
		Temperature: p.defaults.Temperature,
		MaxTokens:   p.defaults.MaxTokens,
		MaxRetries:  p.defaults.MaxRetries,
		BaseDelay:   p.defaults.BaseDelay,
		Timeout:     p.defaults.Timeout,
		TraceID:     taskID,
	}
}
