package malform

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ahrav/go-annotator/internal/domain"
)

const (
	exportSheet   = "Malforms"
	exportPreview = 200
)

var exportHeaders = []any{
	"Annotator_ID", "Domain", "Sample_ID", "Timestamp", "Sample_Text",
	"Raw_Response", "Parsing_Error", "Validity_Error", "Retry_Count", "Task_ID",
}

// ExportWorkbook consolidates every synced JSON file in the log directory into
// one spreadsheet at out. It returns the number of rows written; no file is
// created when there are none.
func (l *Logger) ExportWorkbook(out string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(l.dir, "annotator_*_malforms.json"))
	if err != nil {
		return 0, err
	}
	slices.Sort(paths)

	var rows [][]any
	for _, p := range paths {
		file, err := readFile(p)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", p, err)
		}
		ids := make([]string, 0, len(file.Malforms))
		for sid := range file.Malforms {
			ids = append(ids, sid)
		}
		slices.Sort(ids)
		for _, sid := range ids {
			m := file.Malforms[sid]
			rows = append(rows, []any{
				int(file.AnnotatorID),
				string(file.Domain),
				sid,
				m.Timestamp.Format(domain.TimestampLayout),
				preview(m.SampleText),
				preview(m.RawResponse),
				m.ParsingError,
				m.ValidityError,
				m.RetryCount,
				m.TaskID,
			})
		}
	}
	if len(rows) == 0 {
		l.logger.Warn("no malforms to export", "dir", l.dir)
		return 0, nil
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return 0, err
	}
	header := slices.Clone(exportHeaders)
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return 0, err
	}
	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(exportSheet, cell, &rows[i]); err != nil {
			return 0, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
		return 0, err
	}
	if err := f.SaveAs(out); err != nil {
		return 0, fmt.Errorf("save %s: %w", out, err)
	}
	l.logger.Info("exported malforms", "path", out, "rows", len(rows))
	return len(rows), nil
}

func preview(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) > exportPreview {
		return string(r[:exportPreview])
	}
	return string(r)
}
