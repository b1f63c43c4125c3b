package workbook

import "errors"

// ErrInvalidCellRef indicates a malformed cell reference.
var ErrInvalidCellRef = errors.New("invalid cell reference")

// ErrSheetNotFound indicates the referenced sheet does not exist in the workbook.
var ErrSheetNotFound = errors.New("sheet not found")

// ErrUnrepresentableValue indicates a value a cell cannot store verbatim.
var ErrUnrepresentableValue = errors.New("value cannot be stored in a cell")

// ErrUnreadable indicates the workbook file could not be opened or parsed,
// for example while another process is still writing it.
var ErrUnreadable = errors.New("workbook unreadable")
