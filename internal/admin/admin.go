// Package admin implements the operator-level recovery operations: resetting
// one worker, one annotator or the whole system, and exporting or importing
// the coordination state.
//
// Every operation runs all of its steps even when earlier ones fail. Each
// step's outcome is recorded as "SUCCESS..." or "FAILED: ..." in the returned
// Result, the failures are combined into the returned error, and the whole
// result is appended to the audit log.
//
// A unit that reached a terminal error stays completed until one of these
// resets clears it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/ahrav/go-annotator/internal/archive"
	"github.com/ahrav/go-annotator/internal/checkpoint"
	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/storage"
)

// ErrConfirmationRequired is returned by destructive operations invoked
// without confirmation.
var ErrConfirmationRequired = domain.ErrConfirmationRequired

// Step names.
const (
	StepStopWorker      = "stop_worker"
	StepClearCheckpoint = "clear_checkpoint"
	StepClearMalforms   = "clear_malforms"
	StepHandleExcel     = "handle_excel"
	StepClearQueue      = "clear_queue"
	StepStopAll         = "stop_all_workers"
	StepArchiveData     = "archive_data"
	StepFlushStore      = "flush_store"
	StepClearExcel      = "clear_excel"
	StepClearLogs       = "clear_logs"
	StepStopWorkers     = "stop_workers"
	StepImport          = "import_state"
)

// Archive categories.
const (
	CategoryAnnotations = "annotations"
	CategoryMalforms    = "malform_logs"
	CategorySnapshots   = "snapshots"
	CategoryBackups     = "factory_reset"
)

// Stopper stops running workers. worker.Supervisor implements it.
type Stopper interface {
	Stop(ctx context.Context, key domain.WorkerKey) error
}

// MalformStore is the part of malform.Logger resets need.
type MalformStore interface {
	Clear(ctx context.Context, key domain.WorkerKey) (int, error)
	FilePath(key domain.WorkerKey) string
}

// QueueMeta is the part of orchestration.Queue resets need.
type QueueMeta interface {
	ClearMeta(ctx context.Context, key domain.WorkerKey) error
}

// Deps are the collaborators an Admin operates on. Workers may be nil when no
// supervised workers exist, e.g. for a local run.
type Deps struct {
	Store    checkpoint.Store
	Records  storage.RecordStore
	Malforms MalformStore
	Queue    QueueMeta
	Archiver archive.Archiver
	Workers  Stopper
}

// Dirs are the on-disk locations swept by FactoryReset and used for
// snapshots and bundles.
type Dirs struct {
	Output  string
	Malform string
	Logs    string
	Archive string
}

// Step is one recorded step of an operation.
type Step struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
}

// Failed reports whether the step failed.
func (s Step) Failed() bool { return strings.HasPrefix(s.Outcome, "FAILED") }

// Result is the outcome of one operation.
type Result struct {
	AuditID   string            `json:"audit_id"`
	Operation string            `json:"operation"`
	Target    string            `json:"target,omitempty"`
	KeepExcel bool              `json:"keep_excel,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Steps     []Step            `json:"steps"`
	Archived  map[string]string `json:"archived,omitempty"`
	Success   bool              `json:"success"`
}

// Step returns the named step's outcome.
func (r Result) Step(name string) (string, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s.Outcome, true
		}
	}
	return "", false
}

// Admin runs administrative operations.
type Admin struct {
	deps   Deps
	dirs   Dirs
	audit  string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Admin.
type Option func(*Admin)

// WithDirs sets the data directories.
func WithDirs(d Dirs) Option {
	return func(a *Admin) { a.dirs = d }
}

// WithAuditLog sets the audit log path.
func WithAuditLog(path string) Option {
	return func(a *Admin) { a.audit = path }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Admin) { a.now = now }
}

// New returns an Admin. Store, Records, Malforms, Queue and Archiver are
// required.
func New(deps Deps, opts ...Option) (*Admin, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("admin: checkpoint store is required")
	case deps.Records == nil:
		return nil, errors.New("admin: record store is required")
	case deps.Malforms == nil:
		return nil, errors.New("admin: malform store is required")
	case deps.Queue == nil:
		return nil, errors.New("admin: queue is required")
	case deps.Archiver == nil:
		return nil, errors.New("admin: archiver is required")
	}
	a := &Admin{
		deps:   deps,
		audit:  "admin_audit.log",
		now:    time.Now,
		logger: slog.Default().With("component", "admin"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// recorder accumulates steps and their errors.
type recorder struct {
	res  *Result
	errs error
}

func (r *recorder) ok(name, outcome string) {
	if outcome == "" {
		outcome = "SUCCESS"
	} else {
		outcome = "SUCCESS: " + outcome
	}
	r.res.Steps = append(r.res.Steps, Step{Name: name, Outcome: outcome})
}

func (r *recorder) fail(name string, err error) {
	r.res.Steps = append(r.res.Steps, Step{Name: name, Outcome: "FAILED: " + err.Error()})
	r.errs = multierr.Append(r.errs, fmt.Errorf("%s: %w", name, err))
}

func (a *Admin) newResult(op, target string) *Result {
	return &Result{
		AuditID:   uuid.NewString(),
		Operation: op,
		Target:    target,
		Timestamp: a.now().UTC(),
		Archived:  make(map[string]string),
	}
}

// finish marks success, writes the audit entry and returns the combined error.
func (a *Admin) finish(ctx context.Context, rec *recorder) (Result, error) {
	rec.res.Success = rec.errs == nil
	if len(rec.res.Archived) == 0 {
		rec.res.Archived = nil
	}
	a.writeAudit(ctx, rec.res.Operation, rec.res.AuditID, rec.res)
	return *rec.res, rec.errs
}

// ResetDomain clears every trace of key: it stops the worker, clears its
// completions, progress and malform entries, archives or deletes its durable
// record and clears its queue metadata. With keepExcel the durable record
// and malform file are archived before removal.
func (a *Admin) ResetDomain(ctx context.Context, key domain.WorkerKey, keepExcel bool) (Result, error) {
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	a.logger.Warn("resetting worker", "worker", key.String(), "keep_excel", keepExcel)

	res := a.newResult("reset_domain", key.String())
	res.KeepExcel = keepExcel
	rec := &recorder{res: res}

	a.stopWorker(ctx, rec, key)
	a.clearCheckpoint(ctx, rec, key)
	a.clearMalforms(ctx, rec, key, keepExcel)
	a.handleExcel(ctx, rec, key, keepExcel)

	if err := a.deps.Queue.ClearMeta(ctx, key); err != nil {
		rec.fail(StepClearQueue, err)
	} else {
		rec.ok(StepClearQueue, "")
	}
	return a.finish(ctx, rec)
}

func (a *Admin) stopWorker(ctx context.Context, rec *recorder, key domain.WorkerKey) {
	if a.deps.Workers == nil {
		rec.ok(StepStopWorker, "no supervisor")
		return
	}
	w, err := a.deps.Store.WorkerState(ctx, key)
	switch {
	case errors.Is(err, domain.ErrWorkerNotFound):
		rec.ok(StepStopWorker, "not registered")
		return
	case err != nil:
		rec.fail(StepStopWorker, err)
		return
	case w.Status == domain.WorkerStopped:
		rec.ok(StepStopWorker, "already stopped")
		return
	}
	if err := a.deps.Workers.Stop(ctx, key); err != nil {
		rec.fail(StepStopWorker, err)
		return
	}
	rec.ok(StepStopWorker, "")
}

func (a *Admin) clearCheckpoint(ctx context.Context, rec *recorder, key domain.WorkerKey) {
	if err := a.deps.Store.ClearDomain(ctx, key); err != nil {
		rec.fail(StepClearCheckpoint, err)
		return
	}
	rec.ok(StepClearCheckpoint, "")
}

func (a *Admin) clearMalforms(ctx context.Context, rec *recorder, key domain.WorkerKey, keep bool) {
	cleared, err := a.deps.Malforms.Clear(ctx, key)
	if err != nil {
		rec.fail(StepClearMalforms, err)
		return
	}
	if err := a.disposeFile(ctx, rec, a.deps.Malforms.FilePath(key), CategoryMalforms, keep); err != nil {
		rec.fail(StepClearMalforms, err)
		return
	}
	rec.ok(StepClearMalforms, fmt.Sprintf("%d cleared", cleared))
}

// disposeFile archives p when keep is set, then deletes it. A missing file
// is not an error.
func (a *Admin) disposeFile(ctx context.Context, rec *recorder, p, category string, keep bool) error {
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if keep {
		dest, err := a.deps.Archiver.Archive(ctx, p, category)
		if err != nil {
			return err
		}
		rec.res.Archived[category] = dest
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (a *Admin) handleExcel(ctx context.Context, rec *recorder, key domain.WorkerKey, keep bool) {
	// Buffered rows must reach the file before it is archived.
	if err := a.deps.Records.Flush(ctx, key); err != nil {
		rec.fail(StepHandleExcel, err)
		return
	}
	info, err := a.deps.Records.FileInfo(ctx, key)
	if err != nil {
		rec.fail(StepHandleExcel, err)
		return
	}
	if !info.Exists {
		rec.ok(StepHandleExcel, "no file found")
		return
	}
	outcome := "deleted"
	if keep {
		dest, err := a.deps.Archiver.Archive(ctx, a.deps.Records.Path(key), CategoryAnnotations)
		if err != nil {
			rec.fail(StepHandleExcel, err)
			return
		}
		rec.res.Archived[CategoryAnnotations] = dest
		outcome = "archived to " + dest
	}
	if err := a.deps.Records.Remove(ctx, key); err != nil {
		rec.fail(StepHandleExcel, err)
		return
	}
	rec.ok(StepHandleExcel, outcome)
}

// AnnotatorResult is the outcome of ResetAnnotator.
type AnnotatorResult struct {
	AuditID   string                   `json:"audit_id"`
	Annotator domain.AnnotatorID       `json:"annotator_id"`
	KeepExcel bool                     `json:"keep_excel"`
	Timestamp time.Time                `json:"timestamp"`
	Domains   map[domain.Domain]Result `json:"domains"`
	Success   bool                     `json:"success"`
}

// ResetAnnotator resets every domain of annotator.
func (a *Admin) ResetAnnotator(ctx context.Context, annotator domain.AnnotatorID, keepExcel bool) (AnnotatorResult, error) {
	if !annotator.Valid() {
		return AnnotatorResult{}, fmt.Errorf("%w: %d", domain.ErrInvalidAnnotator, annotator)
	}
	a.logger.Warn("resetting annotator", "annotator_id", int(annotator), "keep_excel", keepExcel)

	out := AnnotatorResult{
		AuditID:   uuid.NewString(),
		Annotator: annotator,
		KeepExcel: keepExcel,
		Timestamp: a.now().UTC(),
		Domains:   make(map[domain.Domain]Result),
	}
	var errs error
	for _, d := range domain.AllDomains() {
		res, err := a.ResetDomain(ctx, domain.WorkerKey{AnnotatorID: annotator, Domain: d}, keepExcel)
		out.Domains[d] = res
		errs = multierr.Append(errs, err)
	}
	out.Success = errs == nil
	a.writeAudit(ctx, "reset_annotator", out.AuditID, out)
	return out, errs
}

// FactoryReset stops every worker, bundles all durable data into the
// archive, then clears the coordination store and every data file. It does
// nothing unless confirm is set.
func (a *Admin) FactoryReset(ctx context.Context, confirm bool) (Result, error) {
	if !confirm {
		return Result{}, ErrConfirmationRequired
	}
	a.logger.Error("factory reset initiated")

	res := a.newResult("factory_reset", "")
	rec := &recorder{res: res}

	// Workers that never ran have no state, and clearing them is a no-op.
	keys := domain.AllWorkerKeys(nil, nil)
	a.stopAll(ctx, rec, keys, StepStopAll)
	a.archiveData(ctx, rec)

	if n, err := a.deps.Store.FactoryReset(ctx); err != nil {
		rec.fail(StepFlushStore, err)
	} else {
		rec.ok(StepFlushStore, fmt.Sprintf("%d keys deleted", n))
	}

	a.clearAll(ctx, rec, keys)
	if err := removeMatching(a.dirs.Logs, "*.log", a.audit); err != nil {
		rec.fail(StepClearLogs, err)
	} else {
		rec.ok(StepClearLogs, "")
	}

	out, err := a.finish(ctx, rec)
	a.logger.Error("factory reset complete", "archive", out.Archived[CategoryBackups], "success", out.Success)
	return out, err
}

func (a *Admin) stopAll(ctx context.Context, rec *recorder, keys []domain.WorkerKey, step string) {
	if a.deps.Workers == nil {
		rec.ok(step, "no supervisor")
		return
	}
	workers, err := a.deps.Store.AllWorkers(ctx)
	if err != nil {
		rec.fail(step, err)
		return
	}
	var (
		errs    error
		stopped int
	)
	for _, key := range keys {
		w, ok := workers[key]
		if !ok || w.Status == domain.WorkerStopped {
			continue
		}
		if err := a.deps.Workers.Stop(ctx, key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		stopped++
	}
	if errs != nil {
		rec.fail(step, errs)
		return
	}
	rec.ok(step, fmt.Sprintf("%d workers stopped", stopped))
}

func (a *Admin) archiveData(ctx context.Context, rec *recorder) {
	if err := a.deps.Records.FlushAll(ctx); err != nil {
		rec.fail(StepArchiveData, err)
		return
	}
	staging, err := os.MkdirTemp("", "annotator-backup-")
	if err != nil {
		rec.fail(StepArchiveData, err)
		return
	}
	defer os.RemoveAll(staging)

	if _, err := checkpoint.SaveSnapshot(ctx, a.deps.Store, "factory_reset", staging); err != nil {
		rec.fail(StepArchiveData, err)
		return
	}
	bundle, _, err := archive.Bundle(ctx, a.archiveDir(), "factory_reset_backup", a.now(), []archive.Source{
		{Prefix: CategoryAnnotations, Dir: a.dirs.Output, Pattern: "*.xlsx"},
		{Prefix: CategoryMalforms, Dir: a.dirs.Malform, Pattern: "*.json"},
		{Prefix: "logs", Dir: a.dirs.Logs, Pattern: "*.log"},
		{Prefix: "state", Dir: staging, Pattern: "*.json"},
	})
	if err != nil {
		rec.fail(StepArchiveData, err)
		return
	}
	loc := bundle
	if _, local := a.deps.Archiver.(*archive.LocalArchive); !local {
		if loc, err = a.deps.Archiver.Archive(ctx, bundle, CategoryBackups); err != nil {
			rec.fail(StepArchiveData, err)
			return
		}
	}
	rec.res.Archived[CategoryBackups] = loc
	rec.ok(StepArchiveData, loc)
}

// clearAll removes durable records, malform entries and files, and queue
// metadata for every key.
func (a *Admin) clearAll(ctx context.Context, rec *recorder, keys []domain.WorkerKey) {
	var excelErrs, malformErrs error
	for _, key := range keys {
		excelErrs = multierr.Append(excelErrs, a.deps.Records.Remove(ctx, key))
		if _, err := a.deps.Malforms.Clear(ctx, key); err != nil {
			malformErrs = multierr.Append(malformErrs, err)
		}
		excelErrs = multierr.Append(excelErrs, a.deps.Queue.ClearMeta(ctx, key))
	}
	if a.dirs.Output != "" {
		excelErrs = multierr.Append(excelErrs, removeMatching(a.dirs.Output, "*.xlsx"))
	}
	if a.dirs.Malform != "" {
		malformErrs = multierr.Append(malformErrs, removeMatching(a.dirs.Malform, "*.json"))
	}
	if excelErrs != nil {
		rec.fail(StepClearExcel, excelErrs)
	} else {
		rec.ok(StepClearExcel, "")
	}
	if malformErrs != nil {
		rec.fail(StepClearMalforms, malformErrs)
	} else {
		rec.ok(StepClearMalforms, "")
	}
}

// removeMatching deletes the files in dir matching pattern, except keep.
func removeMatching(dir, pattern string, keep ...string) error {
	if dir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return err
	}
	var errs error
	for _, p := range matches {
		if slices.ContainsFunc(keep, func(k string) bool { return sameFile(k, p) }) {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func sameFile(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

func (a *Admin) archiveDir() string {
	if a.dirs.Archive != "" {
		return a.dirs.Archive
	}
	return "archive"
}
