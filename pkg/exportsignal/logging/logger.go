// Package logging writes timestamped log lines for the export signaler.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger is the minimal logging surface used across the module.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

// StreamLogger appends "[RFC3339] message" lines to a writer.
type StreamLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	clock  func() time.Time
}

// New returns a logger writing to w.
func New(w io.Writer) *StreamLogger {
	return &StreamLogger{w: w, clock: time.Now}
}

// Open creates (or reuses) the log file at path in append mode.
func Open(path string) (*StreamLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// Close releases the file handle, if any.
func (l *StreamLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Printf writes a single timestamped line.
func (l *StreamLogger) Printf(format string, args ...any) {
	if l == nil || l.w == nil {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "[%s] %s\n", l.clock().Format(time.RFC3339), line)
}
