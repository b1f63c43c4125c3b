package exportsignal

import (
	"errors"
	"fmt"

	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/workbook"
)

// ErrInvalidCellRef indicates a malformed cell address.
var ErrInvalidCellRef = workbook.ErrInvalidCellRef

// ErrSheetNotFound indicates the control sheet is missing from the workbook.
var ErrSheetNotFound = workbook.ErrSheetNotFound

// ErrUnrepresentableValue indicates a value a cell cannot store verbatim.
var ErrUnrepresentableValue = workbook.ErrUnrepresentableValue

// ErrUnreadable indicates the workbook file could not be opened or parsed.
var ErrUnreadable = workbook.ErrUnreadable

// ErrInvalidOptions indicates a bad signaler configuration.
var ErrInvalidOptions = errors.New("invalid options")

// ErrTimeout indicates await mode gave up before the worker cleared the cell.
var ErrTimeout = errors.New("timed out waiting for control cell")

// ErrTriggerInProgress indicates another trigger is already running on this signaler.
var ErrTriggerInProgress = errors.New("export trigger already in progress")

// SignalError represents a failure during a control cell operation.
type SignalError struct {
	Op  string // "read", "write", "notify", "wait", "log"
	Ref models.CellRef
	Err error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *SignalError) Unwrap() error {
	return e.Err
}

// NewSignalError creates a new SignalError.
func NewSignalError(op string, ref models.CellRef, err error) *SignalError {
	return &SignalError{
		Op:  op,
		Ref: ref,
		Err: err,
	}
}
