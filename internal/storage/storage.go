// Package storage holds the durable annotation records: one append-only
// spreadsheet per worker, guarded by a cross-process file lock.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ahrav/go-annotator/internal/domain"
)

// MaxCellLength is the number of characters kept from text and raw response
// columns.
const MaxCellLength = 500

// DefaultBufferSize flushes every row immediately.
const DefaultBufferSize = 1

// Headers is the header row of every durable record.
var Headers = []string{
	"Sample_ID",
	"Text",
	"Raw_Response",
	"Label",
	"Malformed_Flag",
	"Parsing_Error",
	"Validity_Error",
	"Timestamp",
}

// Column indexes into Headers.
const (
	colSampleID = iota
	colText
	colRawResponse
	colLabel
	colMalformed
	colParsingError
	colValidityError
	colTimestamp
)

var (
	// ErrNotInitialized is returned when a record does not exist yet.
	ErrNotInitialized = errors.New("durable record not initialized")
	// ErrHeaderMismatch reports a record whose header row differs from Headers.
	ErrHeaderMismatch = errors.New("durable record header mismatch")
)

// RecordStore persists annotation records per worker.
type RecordStore interface {
	// Initialize creates the record with its header row if it does not exist.
	Initialize(ctx context.Context, key domain.WorkerKey) error
	// AppendRow buffers rec and flushes once the buffer is full.
	AppendRow(ctx context.Context, key domain.WorkerKey, rec domain.AnnotationRecord) error
	Flush(ctx context.Context, key domain.WorkerKey) error
	FlushAll(ctx context.Context) error

	// CompletedIDs returns sample ids in row order.
	CompletedIDs(ctx context.Context, key domain.WorkerKey) ([]string, error)
	Records(ctx context.Context, key domain.WorkerKey) ([]domain.AnnotationRecord, error)
	RowCount(ctx context.Context, key domain.WorkerKey) (int, error)
	MalformedCount(ctx context.Context, key domain.WorkerKey) (int, error)
	// LastCompletedID returns "" for an empty or missing record.
	LastCompletedID(ctx context.Context, key domain.WorkerKey) (string, error)
	FileInfo(ctx context.Context, key domain.WorkerKey) (FileInfo, error)
	// Verify checks the record can be read, has the expected header and holds
	// no duplicate sample ids.
	Verify(ctx context.Context, key domain.WorkerKey) (Integrity, error)

	Path(key domain.WorkerKey) string
	// Remove drops buffered rows and deletes the record.
	Remove(ctx context.Context, key domain.WorkerKey) error
}

// FileInfo describes one durable record.
type FileInfo struct {
	Path           string    `json:"path"`
	Exists         bool      `json:"exists"`
	SizeBytes      int64     `json:"size_bytes"`
	ModTime        time.Time `json:"mod_time"`
	Rows           int       `json:"rows"`
	MalformedRows  int       `json:"malformed_rows"`
	BufferedRows   int       `json:"buffered_rows"`
	LastCompleteID string    `json:"last_completed_id,omitempty"`
}

// Integrity is the result of Verify.
type Integrity struct {
	Exists       bool     `json:"exists"`
	Readable     bool     `json:"readable"`
	HeaderOK     bool     `json:"header_ok"`
	Rows         int      `json:"rows"`
	DuplicateIDs []string `json:"duplicate_ids,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// OK reports whether every check passed.
func (i Integrity) OK() bool {
	return i.Exists && i.Readable && i.HeaderOK && len(i.DuplicateIDs) == 0
}

// FileName returns "annotator_{a}_{d}.xlsx".
func FileName(key domain.WorkerKey) string {
	return fmt.Sprintf("annotator_%d_%s.xlsx", key.AnnotatorID, key.Domain)
}

// SheetName is the worksheet holding the records of key.
func SheetName(key domain.WorkerKey) string { return string(key.Domain) }

// Truncate keeps at most n characters of s.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// toRow renders rec as a spreadsheet row.
func toRow(rec domain.AnnotationRecord) []any {
	ts := ""
	if !rec.Timestamp.IsZero() {
		ts = rec.Timestamp.Format(domain.TimestampLayout)
	}
	return []any{
		rec.SampleID,
		Truncate(rec.Text, MaxCellLength),
		Truncate(rec.RawResponse, MaxCellLength),
		rec.Label,
		rec.MalformedFlag(),
		rec.ParsingError,
		rec.ValidityError,
		ts,
	}
}

// fromRow parses a data row. Short rows are padded.
func fromRow(row []string) domain.AnnotationRecord {
	cell := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	rec := domain.AnnotationRecord{
		SampleID:      cell(colSampleID),
		Text:          cell(colText),
		RawResponse:   cell(colRawResponse),
		Label:         cell(colLabel),
		Malformed:     cell(colMalformed) == "YES",
		ParsingError:  cell(colParsingError),
		ValidityError: cell(colValidityError),
	}
	if ts, err := time.ParseInLocation(domain.TimestampLayout, cell(colTimestamp), time.Local); err == nil {
		rec.Timestamp = ts
	}
	return rec
}

// headerMatches reports whether row starts with Headers.
func headerMatches(row []string) bool {
	if len(row) < len(Headers) {
		return false
	}
	for i, h := range Headers {
		if row[i] != h {
			return false
		}
	}
	return true
}

// duplicates returns ids that appear more than once, in first-repeat order.
func duplicates(ids []string) []string {
	seen := make(map[string]int, len(ids))
	var out []string
	for _, id := range ids {
		seen[id]++
		if seen[id] == 2 {
			out = append(out, id)
		}
	}
	return out
}

func sampleIDs(recs []domain.AnnotationRecord) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.SampleID != "" {
			ids = append(ids, r.SampleID)
		}
	}
	return ids
}

func countMalformed(recs []domain.AnnotationRecord) int {
	n := 0
	for _, r := range recs {
		if r.Malformed {
			n++
		}
	}
	return n
}
