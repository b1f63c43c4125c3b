package workbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
	"github.com/xuri/excelize/v2"
)

// Workbook is a cell store over an xlsx workbook.
//
// A file-backed workbook is reloaded before every access and saved after every
// write, so values written by other processes are observed and values written
// here are visible to them immediately. A workbook created with New lives only
// in memory.
type Workbook struct {
	mu   sync.Mutex
	path string
	file *excelize.File
}

// New returns an empty in-memory workbook containing the given sheets.
func New(sheets ...string) (*Workbook, error) {
	f := excelize.NewFile()
	w := &Workbook{file: f}
	if err := w.ensureSheets(sheets...); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Open opens an existing xlsx file.
func Open(path string) (*Workbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return &Workbook{path: path, file: f}, nil
}

// Create writes a new workbook at path holding the control cell (set to "false")
// with a label in the column to its left, plus an empty run log sheet.
func Create(path string, control models.CellRef, logSheet string) (*Workbook, error) {
	w, err := New(control.Sheet)
	if err != nil {
		return nil, err
	}
	f := w.file
	if err := f.SetCellStr(control.Sheet, control.Cell, models.ValueIdle); err != nil {
		f.Close()
		return nil, err
	}
	col, row, _ := excelize.CellNameToCoordinates(control.Cell)
	if col > 1 {
		label, _ := excelize.CoordinatesToCellName(col-1, row)
		if err := f.SetCellStr(control.Sheet, label, "Export Requested"); err != nil {
			f.Close()
			return nil, err
		}
	}
	if logSheet != "" {
		if err := ensureRunLogSheet(f, logSheet); err != nil {
			f.Close()
			return nil, err
		}
	}
	// Drop the default sheet excelize creates unless it was asked for
	if control.Sheet != "Sheet1" && logSheet != "Sheet1" {
		if idx, _ := f.GetSheetIndex("Sheet1"); idx >= 0 {
			if err := f.DeleteSheet("Sheet1"); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	if err := saveFile(f, path); err != nil {
		f.Close()
		return nil, err
	}
	w.path = path
	return w, nil
}

// Path returns the backing file path, or "" for in-memory workbooks.
func (w *Workbook) Path() string {
	return w.path
}

// Close releases the underlying workbook.
func (w *Workbook) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadCell returns the raw string value at ref. Cells that were never written read as "".
func (w *Workbook) ReadCell(ctx context.Context, ref models.CellRef) (string, error) {
	var value string
	err := w.view(ctx, func(f *excelize.File) error {
		if err := requireSheet(f, ref.Sheet); err != nil {
			return err
		}
		v, err := f.GetCellValue(ref.Sheet, ref.Cell, excelize.Options{RawCellValue: true})
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// WriteCell stores value at ref as a string cell, without any type coercion.
// Values a workbook cannot hold verbatim are rejected with ErrUnrepresentableValue.
func (w *Workbook) WriteCell(ctx context.Context, ref models.CellRef, value string) error {
	if err := CheckValue(value); err != nil {
		return err
	}
	return w.update(ctx, func(f *excelize.File) error {
		if err := requireSheet(f, ref.Sheet); err != nil {
			return err
		}
		return f.SetCellStr(ref.Sheet, ref.Cell, value)
	})
}

// Sheets lists the sheet names in workbook order.
func (w *Workbook) Sheets(ctx context.Context) ([]string, error) {
	var sheets []string
	err := w.view(ctx, func(f *excelize.File) error {
		sheets = f.GetSheetList()
		return nil
	})
	return sheets, err
}

// view runs fn against a freshly loaded copy of the workbook.
func (w *Workbook) view(ctx context.Context, fn func(f *excelize.File) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.reload(); err != nil {
		return err
	}
	return fn(w.file)
}

// update runs fn and persists the result for file-backed workbooks.
func (w *Workbook) update(ctx context.Context, fn func(f *excelize.File) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.reload(); err != nil {
		return err
	}
	if err := fn(w.file); err != nil {
		return err
	}
	if w.path == "" {
		return nil
	}
	return saveFile(w.file, w.path)
}

// saveFile writes f next to path and renames it into place, so concurrent
// readers see either the previous or the new workbook, never a partial one.
func saveFile(f *excelize.File, path string) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	// Temp files start out 0600; keep the workbook readable by the worker
	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// CheckValue reports whether value survives a round trip through a cell.
// excelize truncates long strings and replaces invalid UTF-8 and characters
// XML 1.0 cannot carry.
func CheckValue(value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: invalid UTF-8", ErrUnrepresentableValue)
	}
	// The cell limit counts UTF-16 code units
	units := 0
	for i, r := range value {
		if !isXMLChar(r) {
			return fmt.Errorf("%w: character %U at byte %d", ErrUnrepresentableValue, r, i)
		}
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
	}
	if units > excelize.TotalCellChars {
		return fmt.Errorf("%w: %d characters exceeds the %d cell limit", ErrUnrepresentableValue, units, excelize.TotalCellChars)
	}
	return nil
}

func isXMLChar(r rune) bool {
	switch {
	case r == 0x09 || r == 0x0A || r == 0x0D:
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}

// reload replaces the in-memory copy with the current file contents.
func (w *Workbook) reload() error {
	if w.file == nil {
		return fmt.Errorf("workbook is closed")
	}
	if w.path == "" {
		return nil
	}
	f, err := excelize.OpenFile(w.path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrUnreadable, w.path, err)
	}
	w.file.Close()
	w.file = f
	return nil
}

func (w *Workbook) ensureSheets(sheets ...string) error {
	for _, sheet := range sheets {
		if idx, err := w.file.GetSheetIndex(sheet); err == nil && idx >= 0 {
			continue
		}
		if _, err := w.file.NewSheet(sheet); err != nil {
			return fmt.Errorf("create sheet %q: %w", sheet, err)
		}
	}
	return nil
}

func requireSheet(f *excelize.File, sheet string) error {
	idx, err := f.GetSheetIndex(sheet)
	if err != nil || idx < 0 {
		return fmt.Errorf("%w: %q", ErrSheetNotFound, sheet)
	}
	return nil
}
