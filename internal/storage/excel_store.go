package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ahrav/go-annotator/internal/domain"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
)

// Column widths for the record sheet, by header position.
var columnWidths = []float64{15, 50, 50, 20, 15, 30, 30, 20}

// ExcelStore writes one .xlsx workbook per worker into a directory. Rows are
// buffered per worker and written under a FileLock so several processes can
// share the directory.
type ExcelStore struct {
	dir        string
	bufferSize int
	lockOpts   []LockOption
	logger     *slog.Logger

	mu      sync.Mutex
	buffers map[domain.WorkerKey][]domain.AnnotationRecord
	cursors map[domain.WorkerKey]rowCursor
}

// rowCursor is the next free row of a workbook as of the store's last write.
// It is trusted only while the file's size and mtime are unchanged, so edits
// by hand or by another process force a recount.
type rowCursor struct {
	next  int
	size  int64
	mtime time.Time
}

func (c rowCursor) matches(info fs.FileInfo) bool {
	return info.Size() == c.size && info.ModTime().Equal(c.mtime)
}

// ExcelOption configures an ExcelStore.
type ExcelOption func(*ExcelStore)

// WithBufferSize sets how many rows are held before a flush. Values below 1
// mean 1.
func WithBufferSize(n int) ExcelOption {
	return func(s *ExcelStore) {
		if n < 1 {
			n = 1
		}
		s.bufferSize = n
	}
}

// WithLockOptions configures the per-file lock.
func WithLockOptions(opts ...LockOption) ExcelOption {
	return func(s *ExcelStore) { s.lockOpts = append(s.lockOpts, opts...) }
}

// NewExcelStore returns a store rooted at dir, creating dir if needed.
func NewExcelStore(dir string, opts ...ExcelOption) (*ExcelStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, llmerrors.NewStorageError("mkdir", dir, err)
	}
	s := &ExcelStore{
		dir:        dir,
		bufferSize: DefaultBufferSize,
		logger:     slog.Default().With("component", "storage"),
		buffers:    make(map[domain.WorkerKey][]domain.AnnotationRecord),
		cursors:    make(map[domain.WorkerKey]rowCursor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ RecordStore = (*ExcelStore)(nil)

// Path implements RecordStore.
func (s *ExcelStore) Path(key domain.WorkerKey) string {
	return filepath.Join(s.dir, FileName(key))
}

func (s *ExcelStore) lock(key domain.WorkerKey) *FileLock {
	return NewFileLock(s.Path(key), s.lockOpts...)
}

// Initialize implements RecordStore.
func (s *ExcelStore) Initialize(ctx context.Context, key domain.WorkerKey) error {
	path := s.Path(key)
	return s.lock(key).WithLock(ctx, func() error {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		f, err := newWorkbook(SheetName(key))
		if err != nil {
			return llmerrors.NewStorageError("initialize", path, err)
		}
		defer f.Close()
		if err := saveAtomic(f, path); err != nil {
			return llmerrors.NewStorageError("initialize", path, err)
		}
		s.setCursor(key, path, 2)
		s.logger.Info("created durable record", "worker", key.String(), "path", path)
		return nil
	})
}

// newWorkbook returns a workbook with a styled header row and a frozen pane.
func newWorkbook(sheet string) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		_ = f.Close()
		return nil, err
	}
	header := make([]any, len(Headers))
	for i, h := range Headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		_ = f.Close()
		return nil, err
	}

	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"366092"}},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	last, _ := excelize.CoordinatesToCellName(len(Headers), 1)
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		_ = f.Close()
		return nil, err
	}
	for i, w := range columnWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheet, col, col, w); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// saveAtomic writes f next to path and renames it into place.
func saveAtomic(f *excelize.File, path string) error {
	tmp := strings.TrimSuffix(path, filepath.Ext(path)) + ".tmp.xlsx"
	if err := f.SaveAs(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// AppendRow implements RecordStore.
func (s *ExcelStore) AppendRow(ctx context.Context, key domain.WorkerKey, rec domain.AnnotationRecord) error {
	if rec.SampleID == "" {
		return domain.ErrInvalidSampleID
	}
	s.mu.Lock()
	s.buffers[key] = append(s.buffers[key], rec)
	full := len(s.buffers[key]) >= s.bufferSize
	s.mu.Unlock()

	if !full {
		return nil
	}
	return s.Flush(ctx, key)
}

// Flush implements RecordStore. Rows stay buffered if the write fails.
func (s *ExcelStore) Flush(ctx context.Context, key domain.WorkerKey) error {
	s.mu.Lock()
	rows := s.buffers[key]
	s.buffers[key] = nil
	s.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	path := s.Path(key)
	err := s.lock(key).WithLock(ctx, func() error {
		return s.appendRows(key, path, rows)
	})
	if err != nil {
		s.mu.Lock()
		s.buffers[key] = append(rows, s.buffers[key]...)
		s.mu.Unlock()
		s.logger.Error("flush failed", "worker", key.String(), "rows", len(rows), "error", err)
		return llmerrors.NewStorageError("flush", path, unwrapStorage(err))
	}
	s.logger.Debug("flushed rows", "worker", key.String(), "rows", len(rows))
	return nil
}

// appendRows writes rows after the last used row. Callers hold the file lock.
func (s *ExcelStore) appendRows(key domain.WorkerKey, path string, rows []domain.AnnotationRecord) error {
	sheet := SheetName(key)
	f, err := openOrCreate(path, sheet)
	if err != nil {
		return err
	}
	defer f.Close()

	next, ok := s.cursor(key, path)
	if !ok {
		existing, err := f.GetRows(sheet)
		if err != nil {
			return err
		}
		next = len(existing) + 1
	}
	for i, rec := range rows {
		cell, err := excelize.CoordinatesToCellName(1, next+i)
		if err != nil {
			return err
		}
		row := toRow(rec)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	if err := saveAtomic(f, path); err != nil {
		s.dropCursor(key)
		return err
	}
	s.setCursor(key, path, next+len(rows))
	return nil
}

// cursor returns the cached next row for key if the file is unchanged since
// the store last wrote it.
func (s *ExcelStore) cursor(key domain.WorkerKey, path string) (int, bool) {
	s.mu.Lock()
	c, ok := s.cursors[key]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	info, err := os.Stat(path)
	if err != nil || !c.matches(info) {
		return 0, false
	}
	return c.next, true
}

func (s *ExcelStore) setCursor(key domain.WorkerKey, path string, next int) {
	info, err := os.Stat(path)
	if err != nil {
		s.dropCursor(key)
		return
	}
	s.mu.Lock()
	s.cursors[key] = rowCursor{next: next, size: info.Size(), mtime: info.ModTime()}
	s.mu.Unlock()
}

func (s *ExcelStore) dropCursor(key domain.WorkerKey) {
	s.mu.Lock()
	delete(s.cursors, key)
	s.mu.Unlock()
}

func openOrCreate(path, sheet string) (*excelize.File, error) {
	f, err := excelize.OpenFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newWorkbook(sheet)
	}
	if err != nil {
		return nil, err
	}
	idx, err := f.GetSheetIndex(sheet)
	if err != nil || idx < 0 {
		_ = f.Close()
		return nil, fmt.Errorf("sheet %q missing in %s", sheet, path)
	}
	return f, nil
}

// FlushAll implements RecordStore. Every buffer is attempted; the first error
// is returned.
func (s *ExcelStore) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]domain.WorkerKey, 0, len(s.buffers))
	for k, rows := range s.buffers {
		if len(rows) > 0 {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	var first error
	for _, k := range keys {
		if err := s.Flush(ctx, k); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Buffered returns how many rows are waiting for key.
func (s *ExcelStore) Buffered(key domain.WorkerKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[key])
}

// readRows returns the header and data rows of key's record.
func (s *ExcelStore) readRows(ctx context.Context, key domain.WorkerKey) (header []string, data [][]string, err error) {
	path := s.Path(key)
	err = s.lock(key).WithLock(ctx, func() error {
		f, err := excelize.OpenFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return ErrNotInitialized
			}
			return err
		}
		defer f.Close()
		rows, err := f.GetRows(SheetName(key))
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			header, data = rows[0], rows[1:]
		}
		return nil
	})
	return header, data, err
}

// Records implements RecordStore. A missing record yields no rows.
func (s *ExcelStore) Records(ctx context.Context, key domain.WorkerKey) ([]domain.AnnotationRecord, error) {
	_, data, err := s.readRows(ctx, key)
	if errors.Is(err, ErrNotInitialized) {
		return nil, nil
	}
	if err != nil {
		return nil, llmerrors.NewStorageError("read", s.Path(key), unwrapStorage(err))
	}
	recs := make([]domain.AnnotationRecord, 0, len(data))
	for _, row := range data {
		rec := fromRow(row)
		if rec.SampleID == "" {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// CompletedIDs implements RecordStore.
func (s *ExcelStore) CompletedIDs(ctx context.Context, key domain.WorkerKey) ([]string, error) {
	recs, err := s.Records(ctx, key)
	if err != nil {
		return nil, err
	}
	return sampleIDs(recs), nil
}

// RowCount implements RecordStore.
func (s *ExcelStore) RowCount(ctx context.Context, key domain.WorkerKey) (int, error) {
	recs, err := s.Records(ctx, key)
	return len(recs), err
}

// MalformedCount implements RecordStore.
func (s *ExcelStore) MalformedCount(ctx context.Context, key domain.WorkerKey) (int, error) {
	recs, err := s.Records(ctx, key)
	return countMalformed(recs), err
}

// LastCompletedID implements RecordStore.
func (s *ExcelStore) LastCompletedID(ctx context.Context, key domain.WorkerKey) (string, error) {
	ids, err := s.CompletedIDs(ctx, key)
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[len(ids)-1], nil
}

// FileInfo implements RecordStore.
func (s *ExcelStore) FileInfo(ctx context.Context, key domain.WorkerKey) (FileInfo, error) {
	info := FileInfo{Path: s.Path(key), BufferedRows: s.Buffered(key)}
	st, err := os.Stat(info.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return info, llmerrors.NewStorageError("stat", info.Path, err)
	}
	info.Exists = true
	info.SizeBytes = st.Size()
	info.ModTime = st.ModTime()

	recs, err := s.Records(ctx, key)
	if err != nil {
		return info, err
	}
	info.Rows = len(recs)
	info.MalformedRows = countMalformed(recs)
	if ids := sampleIDs(recs); len(ids) > 0 {
		info.LastCompleteID = ids[len(ids)-1]
	}
	return info, nil
}

// Verify implements RecordStore. Check failures are reported in Integrity;
// the error is reserved for lock failures.
func (s *ExcelStore) Verify(ctx context.Context, key domain.WorkerKey) (Integrity, error) {
	var res Integrity
	header, data, err := s.readRows(ctx, key)
	switch {
	case errors.Is(err, ErrNotInitialized):
		return res, nil
	case errors.Is(err, llmerrors.ErrLockTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return res, err
	case err != nil:
		res.Exists = true
		res.Error = err.Error()
		return res, nil
	}
	res.Exists = true
	res.Readable = true
	res.HeaderOK = headerMatches(header)
	if !res.HeaderOK {
		res.Error = fmt.Sprintf("%v: got %v", ErrHeaderMismatch, header)
	}
	ids := make([]string, 0, len(data))
	for _, row := range data {
		if rec := fromRow(row); rec.SampleID != "" {
			ids = append(ids, rec.SampleID)
		}
	}
	res.Rows = len(ids)
	res.DuplicateIDs = duplicates(ids)
	return res, nil
}

// Remove implements RecordStore.
func (s *ExcelStore) Remove(ctx context.Context, key domain.WorkerKey) error {
	s.mu.Lock()
	delete(s.buffers, key)
	delete(s.cursors, key)
	s.mu.Unlock()

	path := s.Path(key)
	err := s.lock(key).WithLock(ctx, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
	if err != nil {
		return llmerrors.NewStorageError("remove", path, unwrapStorage(err))
	}
	_ = os.Remove(path + ".lock")
	s.logger.Info("removed durable record", "worker", key.String(), "path", path)
	return nil
}

// unwrapStorage strips a StorageError so it is not wrapped twice.
func unwrapStorage(err error) error {
	var se *llmerrors.StorageError
	if errors.As(err, &se) {
		return se.Cause
	}
	return err
}
