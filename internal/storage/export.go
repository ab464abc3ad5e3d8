package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ahrav/go-annotator/internal/domain"
)

// ExportCSV writes the header and every record of key to w as CSV. It returns
// the number of data rows written.
func ExportCSV(ctx context.Context, store RecordStore, key domain.WorkerKey, w io.Writer) (int, error) {
	recs, err := store.Records(ctx, key)
	if err != nil {
		return 0, err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Headers); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range recs {
		row := toRow(rec)
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		if err := cw.Write(cells); err != nil {
			return 0, fmt.Errorf("write csv row %s: %w", rec.SampleID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("flush csv: %w", err)
	}
	return len(recs), nil
}

// SummarySheet is the first worksheet of a consolidated workbook.
const SummarySheet = "Summary"

// Consolidated describes a workbook written by ConsolidateWorkbook.
type Consolidated struct {
	Path      string         `json:"path"`
	Sheets    map[string]int `json:"sheets"`
	TotalRows int            `json:"total_rows"`
}

// ConsolidatedFileName returns "consolidated_annotations_{YYYYmmdd_HHMMSS}.xlsx".
func ConsolidatedFileName(at time.Time) string {
	return "consolidated_annotations_" + at.Format("20060102_150405") + ".xlsx"
}

// ConsolidateWorkbook merges the records of keys into one workbook at path:
// a summary sheet followed by one "Annotator_N" sheet per annotator whose rows
// carry a leading Domain column. Workers without a record contribute nothing.
func ConsolidateWorkbook(ctx context.Context, store RecordStore, keys []domain.WorkerKey, path string, at time.Time) (Consolidated, error) {
	out := Consolidated{Path: path, Sheets: make(map[string]int)}

	byAnnotator := make(map[domain.AnnotatorID][]domain.WorkerKey)
	for _, k := range keys {
		byAnnotator[k.AnnotatorID] = append(byAnnotator[k.AnnotatorID], k)
	}
	annotators := make([]domain.AnnotatorID, 0, len(byAnnotator))
	for id := range byAnnotator {
		annotators = append(annotators, id)
	}
	slices.Sort(annotators)

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), SummarySheet); err != nil {
		return out, err
	}

	header := append([]any{"Domain"}, toAny(Headers)...)
	for _, id := range annotators {
		sheet := "Annotator_" + id.String()
		if _, err := f.NewSheet(sheet); err != nil {
			return out, err
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return out, err
		}
		row := 2
		for _, key := range byAnnotator[id] {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			info, err := store.FileInfo(ctx, key)
			if err != nil {
				return out, err
			}
			if !info.Exists {
				continue
			}
			recs, err := store.Records(ctx, key)
			if err != nil {
				return out, fmt.Errorf("read %s: %w", key, err)
			}
			for _, rec := range recs {
				cells := append([]any{string(key.Domain)}, toRow(rec)...)
				cell, _ := excelize.CoordinatesToCellName(1, row)
				if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
					return out, err
				}
				row++
			}
		}
		out.Sheets[sheet] = row - 2
		out.TotalRows += row - 2
	}

	summary := [][]any{
		{"Consolidated Annotation Summary"},
		{"Generated:", at.Format(time.RFC3339)},
		{},
		{"Annotator", "Total Annotations"},
	}
	for _, id := range annotators {
		summary = append(summary, []any{"Annotator " + id.String(), out.Sheets["Annotator_"+id.String()]})
	}
	summary = append(summary, []any{}, []any{"Grand Total", out.TotalRows})
	for i, r := range summary {
		if len(r) == 0 {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SummarySheet, cell, &r); err != nil {
			return out, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return out, err
	}
	if err := saveAtomic(f, path); err != nil {
		return out, fmt.Errorf("save consolidated workbook: %w", err)
	}
	return out, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
