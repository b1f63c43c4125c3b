package workbook

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
	"github.com/xuri/excelize/v2"
)

// TimeLayout is the timestamp format used in run log rows.
const TimeLayout = "2006-01-02 15:04:05"

// RunLog appends job rows to a log sheet inside a workbook.
type RunLog struct {
	wb    *Workbook
	sheet string
}

// NewRunLog returns a run log stored in sheet. The sheet is created on first append.
func NewRunLog(wb *Workbook, sheet string) *RunLog {
	return &RunLog{wb: wb, sheet: sheet}
}

// Sheet returns the log sheet name.
func (l *RunLog) Sheet() string {
	return l.sheet
}

// NextJobKey returns 1 for an empty log, otherwise the last row's job key plus one.
func (l *RunLog) NextJobKey(ctx context.Context) (int, error) {
	var key int
	err := l.wb.view(ctx, func(f *excelize.File) error {
		rows, err := logRows(f, l.sheet)
		if err != nil {
			return err
		}
		last := lastDataRow(rows)
		if last < 1 {
			key = 1
			return nil
		}
		prev, err := parseJobKey(rows[last])
		if err != nil {
			return fmt.Errorf("run log row %d: %w", last+1, err)
		}
		key = prev + 1
		return nil
	})
	return key, err
}

// Append writes entry below the last non-empty row.
func (l *RunLog) Append(ctx context.Context, entry models.RunLogEntry) error {
	return l.wb.update(ctx, func(f *excelize.File) error {
		if err := ensureRunLogSheet(f, l.sheet); err != nil {
			return err
		}
		rows, err := f.GetRows(l.sheet)
		if err != nil {
			return err
		}
		cell, err := excelize.CoordinatesToCellName(1, lastDataRow(rows)+2)
		if err != nil {
			return err
		}
		row := entry.Row()
		return f.SetSheetRow(l.sheet, cell, &row)
	})
}

// Entries returns all logged rows, oldest first.
func (l *RunLog) Entries(ctx context.Context) ([]models.RunLogEntry, error) {
	var entries []models.RunLogEntry
	err := l.wb.view(ctx, func(f *excelize.File) error {
		rows, err := logRows(f, l.sheet)
		if err != nil {
			return err
		}
		for i := 1; i <= lastDataRow(rows); i++ {
			row := rows[i]
			if isBlank(row) {
				continue
			}
			key, err := parseJobKey(row)
			if err != nil {
				return fmt.Errorf("run log row %d: %w", i+1, err)
			}
			entries = append(entries, models.RunLogEntry{
				JobKey: key,
				Start:  column(row, 1),
				End:    column(row, 2),
				Log:    column(row, 3),
				RunID:  column(row, 4),
			})
		}
		return nil
	})
	return entries, err
}

// Timestamp formats t for a run log row.
func Timestamp(t time.Time) string {
	return t.Format(TimeLayout)
}

// logRows returns the sheet rows, or nil when the sheet has not been created yet.
func logRows(f *excelize.File, sheet string) ([][]string, error) {
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return nil, nil
	}
	return f.GetRows(sheet)
}

func ensureRunLogSheet(f *excelize.File, sheet string) error {
	if idx, err := f.GetSheetIndex(sheet); err == nil && idx >= 0 {
		return nil
	}
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet %q: %w", sheet, err)
	}
	headers := make([]interface{}, len(models.RunLogHeaders))
	for i, h := range models.RunLogHeaders {
		headers[i] = h
	}
	return f.SetSheetRow(sheet, "A1", &headers)
}

// lastDataRow returns the 0-based index of the last row holding any value, or -1.
func lastDataRow(rows [][]string) int {
	for rowIdx := len(rows) - 1; rowIdx >= 0; rowIdx-- {
		if !isBlank(rows[rowIdx]) {
			return rowIdx
		}
	}
	return -1
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func parseJobKey(row []string) (int, error) {
	raw := strings.TrimSpace(column(row, 0))
	if key, err := strconv.Atoi(raw); err == nil {
		return key, nil
	}
	// Spreadsheet tools often store integers as floats
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job key %q", raw)
	}
	return int(f), nil
}

func column(row []string, idx int) string {
	if idx < len(row) {
		return row[idx]
	}
	return ""
}
