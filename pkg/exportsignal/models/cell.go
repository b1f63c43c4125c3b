// Package models defines data structures shared by the export signaler.
package models

import "strings"

// Control cell values recognized by the signaling contract.
const (
	ValueRequested = "true"
	ValueIdle      = "false"
)

// CellRef addresses a single cell within a named sheet.
type CellRef struct {
	// Sheet is the worksheet name (e.g., "Control").
	Sheet string `json:"sheet"`
	// Cell is the A1-style cell address (e.g., "B2").
	Cell string `json:"cell"`
}

// String returns the reference in Sheet!Cell form. Sheet names other than plain
// identifiers are quoted, with embedded quotes doubled.
func (r CellRef) String() string {
	if needsQuotes(r.Sheet) {
		return "'" + strings.ReplaceAll(r.Sheet, "'", "''") + "'!" + r.Cell
	}
	return r.Sheet + "!" + r.Cell
}

// needsQuotes reports whether sheet must be quoted to parse back as a sheet name.
// Names made of letters, digits and underscores pass bare unless they start with
// a digit or read like a cell address such as "AB12".
func needsQuotes(sheet string) bool {
	if sheet == "" {
		return false
	}
	letters, digits := 0, 0
	for i, c := range sheet {
		switch {
		case c >= '0' && c <= '9':
			if i == 0 {
				return true
			}
			digits++
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
			if digits > 0 {
				letters = -1
			} else if letters >= 0 {
				letters++
			}
		case c == '_':
			letters = -1
		default:
			return true
		}
	}
	return letters > 0 && letters <= 3 && digits > 0
}

// ControlSnapshot is a point-in-time read of the control cell.
type ControlSnapshot struct {
	Ref   CellRef `json:"ref"`
	Value string  `json:"value"`
	// Requested reports whether Value equals "true".
	Requested bool `json:"requested"`
}
