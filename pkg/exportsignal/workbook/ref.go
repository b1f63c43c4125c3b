// Package workbook provides excelize-backed access to the control workbook.
package workbook

import (
	"fmt"
	"strings"

	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
	"github.com/xuri/excelize/v2"
)

// ParseRef parses a cell reference such as B2, $B$2, Control!B2 or 'My Sheet'!B2.
// Unqualified references resolve against defaultSheet.
func ParseRef(ref, defaultSheet string) (models.CellRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.CellRef{}, fmt.Errorf("%w: empty reference", ErrInvalidCellRef)
	}

	sheet := defaultSheet
	cell := ref
	// Split by the last ! to separate sheet name and cell
	if idx := strings.LastIndex(ref, "!"); idx >= 0 {
		sheet = unquoteSheet(ref[:idx])
		cell = ref[idx+1:]
	}
	if sheet == "" {
		return models.CellRef{}, fmt.Errorf("%w: %q has no sheet name", ErrInvalidCellRef, ref)
	}

	name, err := normalizeCell(cell)
	if err != nil {
		return models.CellRef{}, fmt.Errorf("%w: %q: %v", ErrInvalidCellRef, ref, err)
	}
	return models.CellRef{Sheet: sheet, Cell: name}, nil
}

// normalizeCell strips absolute markers and returns the canonical upper-case name.
func normalizeCell(cell string) (string, error) {
	cell = strings.ReplaceAll(strings.TrimSpace(cell), "$", "")
	if strings.Contains(cell, ":") {
		return "", fmt.Errorf("ranges are not supported")
	}
	col, row, err := excelize.CellNameToCoordinates(cell)
	if err != nil {
		return "", err
	}
	return excelize.CoordinatesToCellName(col, row)
}

// unquoteSheet removes surrounding quotes, undoing '' escapes.
func unquoteSheet(sheet string) string {
	sheet = strings.TrimSpace(sheet)
	if len(sheet) >= 2 && sheet[0] == '\'' && sheet[len(sheet)-1] == '\'' {
		sheet = strings.ReplaceAll(sheet[1:len(sheet)-1], "''", "'")
	}
	return sheet
}
