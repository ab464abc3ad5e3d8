package storage //nolint:testpackage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ahrav/go-annotator/internal/domain"
	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
)

var (
	urgency1  = domain.WorkerKey{AnnotatorID: 1, Domain: domain.DomainUrgency}
	modality2 = domain.WorkerKey{AnnotatorID: 2, Domain: domain.DomainModality}
	stamp     = time.Date(2025, 3, 1, 9, 30, 0, 0, time.Local)
)

func validRecord(id, label string) domain.AnnotationRecord {
	return domain.AnnotationRecord{
		SampleID:    id,
		Text:        "I have not slept in days",
		RawResponse: "<<" + label + ">>",
		Label:       label,
		Timestamp:   stamp,
	}
}

func malformedRecord(id string) domain.AnnotationRecord {
	return domain.AnnotationRecord{
		SampleID:     id,
		Text:         "some text",
		RawResponse:  "no tag here",
		Malformed:    true,
		ParsingError: "no delimited tag found",
		Timestamp:    stamp,
	}
}

func newExcelStore(t *testing.T, opts ...ExcelOption) *ExcelStore {
	t.Helper()
	opts = append([]ExcelOption{WithLockOptions(withLockSleeper(func(context.Context, time.Duration) error { return nil }))}, opts...)
	s, err := NewExcelStore(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func recordStores(t *testing.T) map[string]RecordStore {
	t.Helper()
	return map[string]RecordStore{
		"excel":  newExcelStore(t),
		"memory": NewMemoryRecordStore(),
	}
}

func TestRecordStore_AppendAndRead(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Initialize(ctx, urgency1))

			require.NoError(t, store.AppendRow(ctx, urgency1, validRecord("s1", "LEVEL_2")))
			require.NoError(t, store.AppendRow(ctx, urgency1, malformedRecord("s2")))
			require.NoError(t, store.AppendRow(ctx, urgency1, validRecord("s3", "LEVEL_0")))

			ids, err := store.CompletedIDs(ctx, urgency1)
			require.NoError(t, err)
			assert.Equal(t, []string{"s1", "s2", "s3"}, ids)

			rows, err := store.RowCount(ctx, urgency1)
			require.NoError(t, err)
			assert.Equal(t, 3, rows)

			malformed, err := store.MalformedCount(ctx, urgency1)
			require.NoError(t, err)
			assert.Equal(t, 1, malformed)

			last, err := store.LastCompletedID(ctx, urgency1)
			require.NoError(t, err)
			assert.Equal(t, "s3", last)

			recs, err := store.Records(ctx, urgency1)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, validRecord("s1", "LEVEL_2"), recs[0])
			assert.Equal(t, malformedRecord("s2"), recs[1])
		})
	}
}

func TestRecordStore_MissingRecord(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ids, err := store.CompletedIDs(ctx, modality2)
			require.NoError(t, err)
			assert.Empty(t, ids)

			last, err := store.LastCompletedID(ctx, modality2)
			require.NoError(t, err)
			assert.Empty(t, last)

			info, err := store.FileInfo(ctx, modality2)
			require.NoError(t, err)
			assert.False(t, info.Exists)

			integrity, err := store.Verify(ctx, modality2)
			require.NoError(t, err)
			assert.False(t, integrity.Exists)
			assert.False(t, integrity.OK())
		})
	}
}

func TestRecordStore_TruncatesLongCells(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := validRecord("long", "LEVEL_1")
			rec.Text = strings.Repeat("a", 800)
			rec.RawResponse = strings.Repeat("é", 600)
			require.NoError(t, store.AppendRow(ctx, urgency1, rec))

			recs, err := store.Records(ctx, urgency1)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Len(t, recs[0].Text, MaxCellLength)
			assert.Equal(t, MaxCellLength, len([]rune(recs[0].RawResponse)))
		})
	}
}

func TestRecordStore_VerifyDetectsDuplicates(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"a", "b", "a", "c", "b", "a"} {
				require.NoError(t, store.AppendRow(ctx, urgency1, validRecord(id, "LEVEL_1")))
			}
			res, err := store.Verify(ctx, urgency1)
			require.NoError(t, err)
			assert.True(t, res.Readable)
			assert.True(t, res.HeaderOK)
			assert.Equal(t, 6, res.Rows)
			assert.Equal(t, []string{"a", "b"}, res.DuplicateIDs)
			assert.False(t, res.OK())
		})
	}
}

func TestRecordStore_Remove(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.AppendRow(ctx, urgency1, validRecord("s1", "LEVEL_1")))
			require.NoError(t, store.Remove(ctx, urgency1))

			info, err := store.FileInfo(ctx, urgency1)
			require.NoError(t, err)
			assert.False(t, info.Exists)
			assert.Zero(t, info.Rows)

			require.NoError(t, store.Remove(ctx, urgency1), "removing twice is not an error")
		})
	}
}

func TestExcelStore_InitializeLayout(t *testing.T) {
	ctx := context.Background()
	s := newExcelStore(t)
	require.NoError(t, s.Initialize(ctx, urgency1))

	path := s.Path(urgency1)
	assert.Equal(t, "annotator_1_urgency.xlsx", filepath.Base(path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"urgency"}, f.GetSheetList())
	rows, err := f.GetRows("urgency")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, Headers, rows[0])

	panes, err := f.GetPanes("urgency")
	require.NoError(t, err)
	assert.True(t, panes.Freeze)
	assert.Equal(t, "A2", panes.TopLeftCell)

	styleID, err := f.GetCellStyle("urgency", "A1")
	require.NoError(t, err)
	style, err := f.GetStyle(styleID)
	require.NoError(t, err)
	require.NotNil(t, style.Font)
	assert.True(t, style.Font.Bold)
}

func TestExcelStore_InitializeKeepsExistingRows(t *testing.T) {
	ctx := context.Background()
	s := newExcelStore(t)
	require.NoError(t, s.AppendRow(ctx, urgency1, validRecord("s1", "LEVEL_3")))
	require.NoError(t, s.Initialize(ctx, urgency1))

	n, err := s.RowCount(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExcelStore_RowLayout(t *testing.T) {
	ctx := context.Background()
	s := newExcelStore(t)
	require.NoError(t, s.AppendRow(ctx, urgency1, malformedRecord("s9")))

	f, err := excelize.OpenFile(s.Path(urgency1))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("urgency")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{
		"s9", "some text", "no tag here", "", "YES", "no delimited tag found", "", "2025-03-01 09:30:00",
	}, rows[1])
}

func TestExcelStore_Buffering(t *testing.T) {
	ctx := context.Background()
	s := newExcelStore(t, WithBufferSize(3))

	require.NoError(t, s.AppendRow(ctx, urgency1, validRecord("s1", "LEVEL_1")))
	require.NoError(t, s.AppendRow(ctx, urgency1, validRecord("s2", "LEVEL_1")))
	assert.Equal(t, 2, s.Buffered(urgency1))

	n, err := s.RowCount(ctx, urgency1)
	require.NoError(t, err)
	assert.Zero(t, n, "buffered rows are not on disk yet")

	require.NoError(t, s.AppendRow(ctx, urgency1, validRecord("s3", "LEVEL_1")))
	assert.Zero(t, s.Buffered(urgency1))

	require.NoError(t, s.AppendRow(ctx, modality2, validRecord("m1", "MOD-1")))
	require.NoError(t, s.AppendRow(ctx, urgency1, validRecord("s4", "LEVEL_1")))
	require.NoError(t, s.FlushAll(ctx))

	ids, err := s.CompletedIDs(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, ids)
	ids, err = s.CompletedIDs(ctx, modality2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids)

	info, err := s.FileInfo(ctx, urgency1)
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Positive(t, info.SizeBytes)
	assert.Equal(t, 4, info.Rows)
	assert.Equal(t, "s4", info.LastCompleteID)
}

func TestExcelStore_RowCursor(t *testing.T) {
	ctx := context.Background()
	s := newExcelStore(t, WithBufferSize(1))
	require.NoError(t, s.Initialize(ctx, urgency1))
	assert.Equal(t, 2, s.cursors[urgency1].next)

	require.NoError(t, s.AppendRow(ctx, urgency1, validRecord("s1", "LEVEL_1")))
	require.NoError(t, s.AppendRow(ctx, urgency1, validRecord("s2", "LEVEL_2")))
	assert.Equal(t, 4, s.cursors[urgency1].next)

	// A row added outside the store changes the file, so the next flush
	// recounts instead of overwriting it.
	f, err := excelize.OpenFile(s.Path(urgency1))
	require.NoError(t, err)
	row := toRow(validRecord("h1", "LEVEL_3"))
	require.NoError(t, f.SetSheetRow("urgency", "A4", &row))
	require.NoError(t, f.Save())
	require.NoError(t, f.Close())

	require.NoError(t, s.AppendRow(ctx, urgency1, validRecord("s3", "LEVEL_4")))
	assert.Equal(t, 6, s.cursors[urgency1].next)

	ids, err := s.CompletedIDs(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "h1", "s3"}, ids)

	require.NoError(t, s.Remove(ctx, urgency1))
	assert.NotContains(t, s.cursors, urgency1)
}

func TestExcelStore_FlushFailureKeepsRows(t *testing.T) {
	ctx := context.Background()
	s := newExcelStore(t)

	held := flock.New(s.Path(urgency1) + ".lock")
	require.NoError(t, held.Lock())

	err := s.AppendRow(ctx, urgency1, validRecord("s1", "LEVEL_1"))
	require.Error(t, err)
	var se *llmerrors.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "flush", se.Op)
	assert.ErrorIs(t, err, llmerrors.ErrLockTimeout)
	assert.Equal(t, 1, s.Buffered(urgency1))

	require.NoError(t, held.Unlock())
	require.NoError(t, s.Flush(ctx, urgency1))
	ids, err := s.CompletedIDs(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestExcelStore_VerifyBadFiles(t *testing.T) {
	ctx := context.Background()

	t.Run("corrupt", func(t *testing.T) {
		s := newExcelStore(t)
		require.NoError(t, os.WriteFile(s.Path(urgency1), []byte("not a workbook"), 0o600))

		res, err := s.Verify(ctx, urgency1)
		require.NoError(t, err)
		assert.True(t, res.Exists)
		assert.False(t, res.Readable)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("wrong header", func(t *testing.T) {
		s := newExcelStore(t)
		f := excelize.NewFile()
		require.NoError(t, f.SetSheetName("Sheet1", "urgency"))
		header := []any{"id", "text"}
		require.NoError(t, f.SetSheetRow("urgency", "A1", &header))
		require.NoError(t, f.SaveAs(s.Path(urgency1)))
		require.NoError(t, f.Close())

		res, err := s.Verify(ctx, urgency1)
		require.NoError(t, err)
		assert.True(t, res.Readable)
		assert.False(t, res.HeaderOK)
		assert.Contains(t, res.Error, ErrHeaderMismatch.Error())
	})
}

func TestFileLock(t *testing.T) {
	target := filepath.Join(t.TempDir(), "annotator_1_urgency.xlsx")

	t.Run("backs off then times out", func(t *testing.T) {
		held := flock.New(target + ".lock")
		require.NoError(t, held.Lock())
		defer held.Unlock() //nolint:errcheck

		var delays []time.Duration
		l := NewFileLock(target, withLockSleeper(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}))
		called := false
		err := l.WithLock(context.Background(), func() error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, llmerrors.ErrLockTimeout)
		assert.False(t, called)
		assert.Equal(t, []time.Duration{
			500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		}, delays)
	})

	t.Run("released after error", func(t *testing.T) {
		l := NewFileLock(target)
		err := l.WithLock(context.Background(), func() error { return assert.AnError })
		require.ErrorIs(t, err, assert.AnError)

		probe := flock.New(l.Path())
		ok, err := probe.TryLock()
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, probe.Unlock())
	})

	t.Run("canceled while waiting", func(t *testing.T) {
		held := flock.New(target + ".lock")
		require.NoError(t, held.Lock())
		defer held.Unlock() //nolint:errcheck

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := NewFileLock(target).WithLock(ctx, func() error { return nil })
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRecordStore()
	require.NoError(t, store.AppendRow(ctx, urgency1, validRecord("s1", "LEVEL_2")))
	require.NoError(t, store.AppendRow(ctx, urgency1, malformedRecord("s2")))

	var buf bytes.Buffer
	n, err := ExportCSV(ctx, store, urgency1, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(Headers, ","), lines[0])
	assert.Equal(t, "s1,I have not slept in days,<<LEVEL_2>>,LEVEL_2,NO,,,2025-03-01 09:30:00", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "s2,"))
}

func TestConsolidateWorkbook(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRecordStore()
	urgency2 := domain.WorkerKey{AnnotatorID: 2, Domain: domain.DomainUrgency}
	for _, key := range []domain.WorkerKey{urgency1, modality2} {
		require.NoError(t, store.Initialize(ctx, key))
	}
	require.NoError(t, store.AppendRow(ctx, urgency1, validRecord("s1", "LEVEL_2")))
	require.NoError(t, store.AppendRow(ctx, urgency1, malformedRecord("s2")))
	require.NoError(t, store.AppendRow(ctx, modality2, validRecord("m1", "IND")))

	path := filepath.Join(t.TempDir(), "out", ConsolidatedFileName(stamp))
	got, err := ConsolidateWorkbook(ctx, store, []domain.WorkerKey{modality2, urgency1, urgency2}, path, stamp)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalRows)
	assert.Equal(t, map[string]int{"Annotator_1": 2, "Annotator_2": 1}, got.Sheets)
	assert.Equal(t, "consolidated_annotations_20250301_093000.xlsx", filepath.Base(path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{SummarySheet, "Annotator_1", "Annotator_2"}, f.GetSheetList())

	rows, err := f.GetRows("Annotator_1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, append([]string{"Domain"}, Headers...), rows[0])
	assert.Equal(t, []string{"urgency", "s1"}, rows[1][:2])

	total, err := f.GetCellValue(SummarySheet, "B8")
	require.NoError(t, err)
	assert.Equal(t, "3", total)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"longer text", 6, "longer"},
		{"héllo", 2, "hé"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Truncate(tc.in, tc.n))
	}
}
