package domain

import (
	"fmt"
	"time"
)

// TimestampLayout is the wall-clock format written to durable records.
const TimestampLayout = "2006-01-02 15:04:05"

// ValidationResult is the outcome of validating one model response.
// Exactly one of Label or an error field is set; use the constructors to
// keep that true.
type ValidationResult struct {
	Label         string `json:"label,omitempty"`
	ParsingError  string `json:"parsing_error,omitempty"`
	ValidityError string `json:"validity_error,omitempty"`
}

// Labeled returns a successful result.
func Labeled(label string) ValidationResult {
	return ValidationResult{Label: label}
}

// ParseFailure returns a result for output missing the expected structure.
func ParseFailure(msg string) ValidationResult {
	return ValidationResult{ParsingError: msg}
}

// Invalid returns a result for output whose content is outside the label space.
func Invalid(msg string) ValidationResult {
	return ValidationResult{ValidityError: msg}
}

// IsValid reports whether the result carries a label and no errors.
func (r ValidationResult) IsValid() bool {
	return r.Label != "" && r.ParsingError == "" && r.ValidityError == ""
}

// Error returns the first error message, or "" for a valid result.
func (r ValidationResult) Error() string {
	if r.ParsingError != "" {
		return r.ParsingError
	}
	return r.ValidityError
}

// TaskStatus is the final status of processing one unit of work.
type TaskStatus string

// Task statuses.
const (
	TaskSuccess   TaskStatus = "success"
	TaskMalformed TaskStatus = "malformed"
	TaskError     TaskStatus = "error"
	TaskSkipped   TaskStatus = "skipped"
	TaskRetry     TaskStatus = "retry"
)

// AnnotationRecord is one durable row. Records are append-only per worker.
type AnnotationRecord struct {
	SampleID      string    `json:"sample_id"`
	Text          string    `json:"text"`
	RawResponse   string    `json:"raw_response"`
	Label         string    `json:"label"`
	Malformed     bool      `json:"malformed_flag"`
	ParsingError  string    `json:"parsing_error"`
	ValidityError string    `json:"validity_error"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewAnnotationRecord builds the durable row for a processed unit. The label
// is written only for valid results.
func NewAnnotationRecord(u UnitOfWork, raw string, res ValidationResult, at time.Time) AnnotationRecord {
	rec := AnnotationRecord{
		SampleID:      u.SampleID,
		Text:          u.Text,
		RawResponse:   raw,
		Malformed:     !res.IsValid(),
		ParsingError:  res.ParsingError,
		ValidityError: res.ValidityError,
		Timestamp:     at,
	}
	if res.IsValid() {
		rec.Label = res.Label
	}
	return rec
}

// MalformedFlag renders the malformed flag the way durable records store it.
func (r AnnotationRecord) MalformedFlag() string {
	if r.Malformed {
		return "YES"
	}
	return "NO"
}

// MalformError describes one invalid model response. It has its own retention
// and export path independent of the annotation record.
type MalformError struct {
	SampleID      string      `json:"sample_id"`
	Domain        Domain      `json:"domain"`
	AnnotatorID   AnnotatorID `json:"annotator_id"`
	Timestamp     time.Time   `json:"timestamp"`
	SampleText    string      `json:"sample_text"`
	RawResponse   string      `json:"raw_response"`
	ParsingError  string      `json:"parsing_error,omitempty"`
	ValidityError string      `json:"validity_error,omitempty"`
	RetryCount    int         `json:"retry_count"`
	TaskID        string      `json:"task_id,omitempty"`
}

// NewMalformError builds a malform record. It refuses valid results.
func NewMalformError(u UnitOfWork, raw string, res ValidationResult, taskID string, at time.Time) (MalformError, error) {
	if res.IsValid() {
		return MalformError{}, fmt.Errorf("sample %s: %w", u.SampleID, ErrValidResult)
	}
	return MalformError{
		SampleID:      u.SampleID,
		Domain:        u.Domain,
		AnnotatorID:   u.AnnotatorID,
		Timestamp:     at,
		SampleText:    u.Text,
		RawResponse:   raw,
		ParsingError:  res.ParsingError,
		ValidityError: res.ValidityError,
		TaskID:        taskID,
	}, nil
}

// Key returns the worker key the malform belongs to.
func (m MalformError) Key() WorkerKey {
	return WorkerKey{AnnotatorID: m.AnnotatorID, Domain: m.Domain}
}
