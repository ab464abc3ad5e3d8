package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/ahrav/go-annotator/internal/domain"
	"github.com/ahrav/go-annotator/internal/observability"
)

// WorkerCounts compares one worker's checkpoint with its durable record.
type WorkerCounts struct {
	Key             domain.WorkerKey `json:"key"`
	CheckpointCount int64            `json:"checkpoint_count"`
	DurableRowCount int              `json:"durable_row_count"`
}

// Difference is checkpoint minus durable rows. Positive means samples were
// checkpointed without a row, negative means rows are not checkpointed.
func (w WorkerCounts) Difference() int64 {
	return w.CheckpointCount - int64(w.DurableRowCount)
}

// ConsolidationReport lists every worker and the ones whose counts differ.
// Nothing is corrected.
type ConsolidationReport struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	Workers       []WorkerCounts `json:"workers"`
	Discrepancies []WorkerCounts `json:"discrepancies"`
}

// Consistent reports whether no discrepancy was found.
func (r ConsolidationReport) Consistent() bool { return len(r.Discrepancies) == 0 }

// Consolidate compares checkpoint counts with durable row counts. Workers that
// cannot be read are skipped and their errors returned combined.
func (s *Service) Consolidate(ctx context.Context, keys []domain.WorkerKey) (report ConsolidationReport, err error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.consolidate", attribute.Int("workers", len(keys)))
	defer func() {
		span.SetAttributes(attribute.Int("discrepancies", len(report.Discrepancies)))
		observability.EndSpan(span, err)
	}()

	report.GeneratedAt = s.now()
	for _, key := range keys {
		done, cerr := s.store.CompletedCount(ctx, key)
		if cerr != nil {
			err = multierr.Append(err, fmt.Errorf("checkpoint count for %s: %w", key, cerr))
			continue
		}
		rows, rerr := s.records.RowCount(ctx, key)
		if rerr != nil {
			err = multierr.Append(err, fmt.Errorf("row count for %s: %w", key, rerr))
			continue
		}
		w := WorkerCounts{Key: key, CheckpointCount: done, DurableRowCount: rows}
		report.Workers = append(report.Workers, w)
		if w.Difference() != 0 {
			report.Discrepancies = append(report.Discrepancies, w)
		}
	}
	if len(report.Discrepancies) > 0 {
		s.logger.Warn("checkpoint and durable records disagree", "discrepancies", len(report.Discrepancies))
	}
	return report, err
}

// Integrity check names.
const (
	CheckProgress      = "progress_consistency"
	CheckDurableRecord = "durable_record"
	CheckMissingFile   = "missing_file"
)

// Issue is one failed integrity check.
type Issue struct {
	Key     domain.WorkerKey `json:"key"`
	Check   string           `json:"check"`
	Message string           `json:"message"`
}

// IntegrityReport is the result of VerifyIntegrity.
type IntegrityReport struct {
	GeneratedAt     time.Time `json:"generated_at"`
	WorkersChecked  int       `json:"workers_checked"`
	ProgressIssues  []Issue   `json:"progress_issues"`
	DurableIssues   []Issue   `json:"durable_issues"`
	MissingFiles    []Issue   `json:"missing_files"`
	Healthy         bool      `json:"healthy"`
	RecordsVerified int       `json:"records_verified"`
}

// Issues returns every issue in check order.
func (r IntegrityReport) Issues() []Issue {
	out := make([]Issue, 0, len(r.ProgressIssues)+len(r.DurableIssues)+len(r.MissingFiles))
	out = append(out, r.ProgressIssues...)
	out = append(out, r.DurableIssues...)
	return append(out, r.MissingFiles...)
}

// VerifyIntegrity runs three checks per worker: the progress counter matches
// the completion set and does not exceed the total; the durable record is
// readable with the expected header and no duplicate samples; a worker with
// completions has a durable record.
func (s *Service) VerifyIntegrity(ctx context.Context, keys []domain.WorkerKey) (report IntegrityReport, err error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.verify", attribute.Int("workers", len(keys)))
	defer func() {
		span.SetAttributes(attribute.Bool("healthy", report.Healthy))
		observability.EndSpan(span, err)
	}()

	report.GeneratedAt = s.now()
	for _, key := range keys {
		report.WorkersChecked++

		done, cerr := s.store.CompletedCount(ctx, key)
		if cerr != nil {
			err = multierr.Append(err, fmt.Errorf("checkpoint count for %s: %w", key, cerr))
			continue
		}
		prog, perr := s.store.Progress(ctx, key)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("progress for %s: %w", key, perr))
			continue
		}
		if prog.Completed != done {
			report.ProgressIssues = append(report.ProgressIssues, Issue{
				Key:     key,
				Check:   CheckProgress,
				Message: fmt.Sprintf("progress counter %d != completion set size %d", prog.Completed, done),
			})
		}
		if prog.Total > 0 && prog.Completed > prog.Total {
			report.ProgressIssues = append(report.ProgressIssues, Issue{
				Key:     key,
				Check:   CheckProgress,
				Message: fmt.Sprintf("progress counter %d exceeds total %d", prog.Completed, prog.Total),
			})
		}

		integrity, verr := s.records.Verify(ctx, key)
		if verr != nil {
			err = multierr.Append(err, fmt.Errorf("verify durable record for %s: %w", key, verr))
			continue
		}
		switch {
		case !integrity.Exists:
			if done > 0 {
				report.MissingFiles = append(report.MissingFiles, Issue{
					Key:     key,
					Check:   CheckMissingFile,
					Message: fmt.Sprintf("%d completions but no durable record at %s", done, s.records.Path(key)),
				})
			}
		case !integrity.OK():
			report.DurableIssues = append(report.DurableIssues, Issue{
				Key:     key,
				Check:   CheckDurableRecord,
				Message: describe(integrity.Readable, integrity.HeaderOK, integrity.DuplicateIDs, integrity.Error),
			})
		default:
			report.RecordsVerified++
		}
	}
	report.Healthy = err == nil && len(report.Issues()) == 0
	if !report.Healthy {
		s.logger.Warn("integrity check failed",
			"progress_issues", len(report.ProgressIssues),
			"durable_issues", len(report.DurableIssues),
			"missing_files", len(report.MissingFiles))
	}
	return report, err
}

func describe(readable, headerOK bool, dups []string, detail string) string {
	switch {
	case !readable:
		return "unreadable: " + detail
	case !headerOK:
		return "unexpected header: " + detail
	default:
		return fmt.Sprintf("%d duplicate sample ids: %v", len(dups), dups)
	}
}
