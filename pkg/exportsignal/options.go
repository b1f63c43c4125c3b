// Package exportsignal requests an export from an external worker by setting a
// control cell in a shared workbook and waiting for it to be cleared.
package exportsignal

import (
	"fmt"
	"time"

	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/workbook"
)

// Mode selects how TriggerExport waits after signaling.
type Mode string

const (
	// ModeLegacy sleeps once, forces the cell back to "false" and returns. The
	// external worker's state is never consulted.
	ModeLegacy Mode = "legacy"
	// ModeAwait polls without writing until the cell no longer reads "true".
	ModeAwait Mode = "await"
)

// Defaults for the control cell and wait loop.
const (
	DefaultSheet        = "Control"
	DefaultCell         = "B2"
	DefaultPollInterval = 5 * time.Second
	StartMessage        = "Running Export Process..."
)

// Options configures the signaler.
type Options struct {
	// Sheet and Cell address the control cell.
	Sheet string
	Cell  string
	// Mode is the wait strategy.
	Mode Mode
	// PollInterval is the sleep between checks.
	PollInterval time.Duration
	// Timeout bounds await mode. Zero waits until the context ends.
	Timeout time.Duration
}

// DefaultOptions returns the Control!B2 handshake with a 5s interval in legacy mode.
func DefaultOptions() Options {
	return Options{
		Sheet:        DefaultSheet,
		Cell:         DefaultCell,
		Mode:         ModeLegacy,
		PollInterval: DefaultPollInterval,
	}
}

// ParseMode converts a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLegacy, ModeAwait:
		return Mode(s), nil
	case "":
		return ModeLegacy, nil
	default:
		return "", fmt.Errorf("%w: mode %q (must be legacy or await)", ErrInvalidOptions, s)
	}
}

// Ref resolves the control cell reference.
func (o Options) Ref() (models.CellRef, error) {
	return workbook.ParseRef(o.Cell, o.Sheet)
}

// Validate reports the first invalid field.
func (o Options) Validate() error {
	if _, err := ParseMode(string(o.Mode)); err != nil {
		return err
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", ErrInvalidOptions, o.PollInterval)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative, got %s", ErrInvalidOptions, o.Timeout)
	}
	if _, err := o.Ref(); err != nil {
		return err
	}
	return nil
}
