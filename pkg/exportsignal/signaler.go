package exportsignal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/logging"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/workbook"
)

// CellStore reads and writes string cell values.
type CellStore interface {
	ReadCell(ctx context.Context, ref models.CellRef) (string, error)
	WriteCell(ctx context.Context, ref models.CellRef, value string) error
}

// Watcher is implemented by stores that can report external changes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Recorder receives run log rows for each trigger.
type Recorder interface {
	NextJobKey(ctx context.Context) (int, error)
	Append(ctx context.Context, entry models.RunLogEntry) error
}

// Notifier shows the user that an export is starting.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, message string) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, message string) error {
	return f(ctx, message)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customizes signaler construction.
type Option func(*Signaler)

// WithNotifier overrides the default no-op notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Signaler) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithRecorder attaches a run log.
func WithRecorder(r Recorder) Option {
	return func(s *Signaler) {
		s.recorder = r
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Signaler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSleeper lets tests observe and shortcut poll waits.
func WithSleeper(sleep Sleeper) Option {
	return func(s *Signaler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Signaler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// TriggerOption customizes a single TriggerExport call.
type TriggerOption func(*triggerConfig)

type triggerConfig struct {
	notes []string
}

// WithNote writes note to the run log ahead of the start row, under the same job key.
func WithNote(note string) TriggerOption {
	return func(c *triggerConfig) {
		if note != "" {
			c.notes = append(c.notes, note)
		}
	}
}

// Signaler runs the export handshake against a single control cell.
type Signaler struct {
	store    CellStore
	opts     Options
	ref      models.CellRef
	notifier Notifier
	recorder Recorder
	logger   logging.Logger
	sleep    Sleeper
	clock    func() time.Time

	running atomic.Bool
}

// New validates opts and returns a signaler over store.
func New(store CellStore, opts Options, options ...Option) (*Signaler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil cell store", ErrInvalidOptions)
	}
	if opts.Mode == "" {
		opts.Mode = ModeLegacy
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ref, _ := opts.Ref()
	s := &Signaler{
		store:    store,
		opts:     opts,
		ref:      ref,
		notifier: NotifierFunc(func(context.Context, string) error { return nil }),
		logger:   logging.Nop(),
		sleep:    sleepContext,
		clock:    time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Ref returns the control cell reference.
func (s *Signaler) Ref() models.CellRef {
	return s.ref
}

// Options returns the effective options.
func (s *Signaler) Options() Options {
	return s.opts
}

// ReadCell returns the value at address. Unqualified addresses resolve in the control sheet.
func (s *Signaler) ReadCell(ctx context.Context, address string) (string, error) {
	ref, err := workbook.ParseRef(address, s.ref.Sheet)
	if err != nil {
		return "", err
	}
	v, err := s.store.ReadCell(ctx, ref)
	if err != nil {
		return "", NewSignalError("read", ref, err)
	}
	return v, nil
}

// WriteCell stores value verbatim at address.
func (s *Signaler) WriteCell(ctx context.Context, address, value string) error {
	ref, err := workbook.ParseRef(address, s.ref.Sheet)
	if err != nil {
		return err
	}
	if err := s.store.WriteCell(ctx, ref, value); err != nil {
		return NewSignalError("write", ref, err)
	}
	return nil
}

// Snapshot reads the control cell.
func (s *Signaler) Snapshot(ctx context.Context) (models.ControlSnapshot, error) {
	v, err := s.store.ReadCell(ctx, s.ref)
	if err != nil {
		return models.ControlSnapshot{}, NewSignalError("read", s.ref, err)
	}
	return models.ControlSnapshot{
		Ref:       s.ref,
		Value:     v,
		Requested: v == models.ValueRequested,
	}, nil
}

// TriggerExport notifies the user, sets the control cell to "true" and waits
// according to the configured mode. Only one trigger runs at a time per signaler.
func (s *Signaler) TriggerExport(ctx context.Context, opts ...TriggerOption) (*models.TriggerResult, error) {
	var tc triggerConfig
	for _, opt := range opts {
		opt(&tc)
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrTriggerInProgress
	}
	defer s.running.Store(false)

	res := &models.TriggerResult{
		Ref:     s.ref,
		Mode:    string(s.opts.Mode),
		RunID:   uuid.NewString(),
		Started: s.clock(),
		States:  []models.State{models.StateIdle},
	}

	if s.recorder != nil {
		key, err := s.recorder.NextJobKey(ctx)
		if err != nil {
			return res, NewSignalError("log", s.ref, err)
		}
		res.JobKey = key
		for _, note := range tc.notes {
			if err := s.record(ctx, res, note); err != nil {
				return res, err
			}
		}
		if err := s.record(ctx, res, "Started export trigger"); err != nil {
			return res, err
		}
	}

	err := s.run(ctx, res)
	res.Finished = s.clock()
	if err != nil {
		s.logger.Printf("export trigger %s failed after %d sleep(s): %v", res.RunID, res.Sleeps, err)
		if recErr := s.record(ctx, res, fmt.Sprintf("Export trigger failed: %v", err)); recErr != nil {
			s.logger.Printf("export trigger %s: %v", res.RunID, recErr)
		}
		return res, err
	}

	s.logger.Printf("export trigger %s done: %s=%q after %d sleep(s)", res.RunID, s.ref, res.FinalValue, res.Sleeps)
	if err := s.record(ctx, res, "Finished export trigger"); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Signaler) run(ctx context.Context, res *models.TriggerResult) error {
	if err := s.notifier.Notify(ctx, StartMessage); err != nil {
		return NewSignalError("notify", s.ref, err)
	}
	if err := s.write(ctx, res, models.ValueRequested); err != nil {
		return err
	}
	enter(res, models.StateSignaled)
	s.logger.Printf("export trigger %s: signaled %s", res.RunID, s.ref)

	var err error
	switch s.opts.Mode {
	case ModeAwait:
		err = s.await(ctx, res)
	default:
		err = s.settle(ctx, res)
	}
	if err != nil {
		return err
	}
	enter(res, models.StateDone)
	return nil
}

// settle is the legacy loop: while the cell reads "true", sleep, force it to
// "false", and stop once "false" reads back. Values written by the worker
// during the sleep are overwritten.
func (s *Signaler) settle(ctx context.Context, res *models.TriggerResult) error {
	for {
		v, err := s.read(ctx, res)
		if err != nil {
			return err
		}
		if v != models.ValueRequested {
			return nil
		}
		if err := s.sleep(ctx, s.opts.PollInterval); err != nil {
			return NewSignalError("wait", s.ref, err)
		}
		res.Sleeps++
		if err := s.write(ctx, res, models.ValueIdle); err != nil {
			return err
		}
		enter(res, models.StateSettling)
		v, err = s.read(ctx, res)
		if err != nil {
			return err
		}
		if v == models.ValueIdle {
			return nil
		}
	}
}

// Bounds for re-reading a workbook caught in the middle of another process's save.
const (
	maxUnreadable   = 5
	unreadableRetry = 50 * time.Millisecond
)

// await re-reads the cell every poll interval, or sooner when the store reports
// a change, until it no longer reads "true". It never writes the cell.
func (s *Signaler) await(ctx context.Context, res *models.TriggerResult) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		waitCtx, cancelTimeout = context.WithTimeout(waitCtx, s.opts.Timeout)
		defer cancelTimeout()
	}

	var changes <-chan struct{}
	if w, ok := s.store.(Watcher); ok {
		ch, err := w.Watch(waitCtx)
		if err != nil {
			s.logger.Printf("export trigger %s: watch unavailable, polling only: %v", res.RunID, err)
		} else {
			changes = ch
		}
	}

	unreadable := 0
	for {
		v, err := s.read(waitCtx, res)
		if err != nil && errors.Is(err, ErrUnreadable) && unreadable < maxUnreadable && waitCtx.Err() == nil {
			unreadable++
			s.logger.Printf("export trigger %s: re-reading %s (%d/%d): %v", res.RunID, s.ref, unreadable, maxUnreadable, err)
			if err := s.sleep(waitCtx, min(unreadableRetry, s.opts.PollInterval)); err != nil {
				return s.waitError(ctx, waitCtx, err)
			}
			continue
		}
		if err != nil {
			return s.waitError(ctx, waitCtx, err)
		}
		unreadable = 0
		if v != models.ValueRequested {
			return nil
		}
		if err := s.pause(waitCtx, &changes); err != nil {
			return s.waitError(ctx, waitCtx, err)
		}
		res.Sleeps++
	}
}

// pause sleeps one poll interval, cut short by a change notification.
func (s *Signaler) pause(ctx context.Context, changes *<-chan struct{}) error {
	if *changes == nil {
		return s.sleep(ctx, s.opts.PollInterval)
	}
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := *changes
	woke := make(chan bool, 1)
	go func() {
		select {
		case _, ok := <-ch:
			woke <- ok
			cancel()
		case <-sleepCtx.Done():
			woke <- true
		}
	}()
	err := s.sleep(sleepCtx, s.opts.PollInterval)
	cancel()
	if ok := <-woke; !ok {
		*changes = nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Signaler) waitError(parent, waitCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return NewSignalError("wait", s.ref, fmt.Errorf("%w after %s", ErrTimeout, s.opts.Timeout))
	}
	var sigErr *SignalError
	if errors.As(err, &sigErr) {
		return err
	}
	return NewSignalError("wait", s.ref, err)
}

func (s *Signaler) read(ctx context.Context, res *models.TriggerResult) (string, error) {
	v, err := s.store.ReadCell(ctx, s.ref)
	if err != nil {
		return "", NewSignalError("read", s.ref, err)
	}
	res.FinalValue = v
	return v, nil
}

func (s *Signaler) write(ctx context.Context, res *models.TriggerResult, value string) error {
	if err := s.store.WriteCell(ctx, s.ref, value); err != nil {
		return NewSignalError("write", s.ref, err)
	}
	res.Writes++
	return nil
}

func (s *Signaler) record(ctx context.Context, res *models.TriggerResult, message string) error {
	if s.recorder == nil {
		return nil
	}
	entry := models.RunLogEntry{
		JobKey: res.JobKey,
		Start:  workbook.Timestamp(res.Started),
		End:    workbook.Timestamp(s.clock()),
		Log:    message,
		RunID:  res.RunID,
	}
	if err := s.recorder.Append(ctx, entry); err != nil {
		return NewSignalError("log", s.ref, err)
	}
	return nil
}

func enter(res *models.TriggerResult, state models.State) {
	if res.State() != state {
		res.States = append(res.States, state)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
