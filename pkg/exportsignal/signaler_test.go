package exportsignal

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/workbook"
	"github.com/xuri/excelize/v2"
)

// hookStore wraps a workbook and lets tests intercept writes.
type hookStore struct {
	*workbook.Workbook
	mu      sync.Mutex
	writes  []string
	onWrite func(ref models.CellRef, value string) string
}

func (h *hookStore) WriteCell(ctx context.Context, ref models.CellRef, value string) error {
	h.mu.Lock()
	h.writes = append(h.writes, value)
	hook := h.onWrite
	h.mu.Unlock()
	if hook != nil {
		value = hook(ref, value)
	}
	return h.Workbook.WriteCell(ctx, ref, value)
}

// watchStore hands the signaler a change channel the test controls.
type watchStore struct {
	*hookStore
	changes chan struct{}
}

func (w *watchStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	return w.changes, nil
}

// newControlFile creates a control workbook on disk and returns its path.
func newControlFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.xlsx")
	wb, err := workbook.Create(path, models.CellRef{Sheet: DefaultSheet, Cell: DefaultCell}, "")
	require.NoError(t, err)
	require.NoError(t, wb.Close())
	return path
}

func openWorkbook(t *testing.T, path string) *workbook.Workbook {
	t.Helper()
	wb, err := workbook.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { wb.Close() })
	return wb
}

func newControlWorkbook(t *testing.T, initial string) *workbook.Workbook {
	t.Helper()
	wb, err := workbook.New(DefaultSheet)
	require.NoError(t, err)
	t.Cleanup(func() { wb.Close() })
	if initial != "" {
		require.NoError(t, wb.WriteCell(context.Background(), models.CellRef{Sheet: DefaultSheet, Cell: DefaultCell}, initial))
	}
	return wb
}

type sleepCounter struct {
	mu    sync.Mutex
	calls []time.Duration
	during func()
}

func (c *sleepCounter) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.calls = append(c.calls, d)
	during := c.during
	c.mu.Unlock()
	if during != nil {
		during()
	}
	return ctx.Err()
}

func (c *sleepCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestWriteThenReadReturnsValue(t *testing.T) {
	sig, err := New(newControlWorkbook(t, ""), DefaultOptions())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sig.WriteCell(ctx, "B2", "true"))
	got, err := sig.ReadCell(ctx, "B2")
	require.NoError(t, err)
	require.Equal(t, "true", got)
}

func TestUnwrittenCellReadsEmpty(t *testing.T) {
	sig, err := New(newControlWorkbook(t, ""), DefaultOptions())
	require.NoError(t, err)

	got, err := sig.ReadCell(context.Background(), "Z99")
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestRoundTripPreservesStrings(t *testing.T) {
	sig, err := New(newControlWorkbook(t, ""), DefaultOptions())
	require.NoError(t, err)
	ctx := context.Background()

	values := []string{
		"true", "false", "TRUE", "", "  padded  ", "=SUM(A1:A2)", "0012", "1e3", "héllo\nworld",
		strings.Repeat("z", excelize.TotalCellChars),
	}
	for _, value := range values {
		require.NoError(t, sig.WriteCell(ctx, "C3", value))
		got, err := sig.ReadCell(ctx, "C3")
		require.NoError(t, err)
		require.Equal(t, value, got, "value %.40q", value)
	}

	// Values a cell would silently alter are refused and leave the cell as it was
	for _, value := range []string{strings.Repeat("z", 40000), "x\x01y", "\xff\xfe"} {
		err := sig.WriteCell(ctx, "C3", value)
		require.ErrorIs(t, err, ErrUnrepresentableValue, "value %.40q", value)
		got, err := sig.ReadCell(ctx, "C3")
		require.NoError(t, err)
		require.Equal(t, strings.Repeat("z", excelize.TotalCellChars), got)
	}
}

func TestTriggerSleepsOnceAndForcesFalse(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	store := &hookStore{Workbook: wb}
	sleeps := &sleepCounter{}
	sig, err := New(store, DefaultOptions(), WithSleeper(sleeps.sleep))
	require.NoError(t, err)

	res, err := sig.TriggerExport(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, sleeps.count())
	require.Equal(t, DefaultPollInterval, sleeps.calls[0])
	require.Equal(t, []string{"true", "false"}, store.writes)
	require.Equal(t, models.ValueIdle, res.FinalValue)
	require.Equal(t, 1, res.Sleeps)
	require.Equal(t, 2, res.Writes)
	require.Equal(t, []models.State{models.StateIdle, models.StateSignaled, models.StateSettling, models.StateDone}, res.States)

	final, err := sig.ReadCell(context.Background(), "B2")
	require.NoError(t, err)
	require.Equal(t, models.ValueIdle, final)
}

func TestTriggerOverwritesExternalWriteDuringSleep(t *testing.T) {
	for _, external := range []string{"false", "true", "done"} {
		t.Run(external, func(t *testing.T) {
			wb := newControlWorkbook(t, models.ValueIdle)
			ref := models.CellRef{Sheet: DefaultSheet, Cell: DefaultCell}
			sleeps := &sleepCounter{during: func() {
				require.NoError(t, wb.WriteCell(context.Background(), ref, external))
			}}
			sig, err := New(wb, DefaultOptions(), WithSleeper(sleeps.sleep))
			require.NoError(t, err)

			res, err := sig.TriggerExport(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, sleeps.count())
			require.Equal(t, models.ValueIdle, res.FinalValue)
		})
	}
}

func TestTriggerSkipsLoopWhenCellNotTrue(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	// An external writer replaces the signal before the loop checks it.
	store := &hookStore{Workbook: wb, onWrite: func(_ models.CellRef, value string) string {
		if value == models.ValueRequested {
			return "pending"
		}
		return value
	}}
	sleeps := &sleepCounter{}
	sig, err := New(store, DefaultOptions(), WithSleeper(sleeps.sleep))
	require.NoError(t, err)

	res, err := sig.TriggerExport(context.Background())
	require.NoError(t, err)
	require.Zero(t, sleeps.count())
	require.Equal(t, []string{"true"}, store.writes)
	require.Equal(t, "pending", res.FinalValue)
	require.Equal(t, []models.State{models.StateIdle, models.StateSignaled, models.StateDone}, res.States)
}

func TestTriggerNotifiesBeforeSignaling(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	var seen []string
	notifier := NotifierFunc(func(ctx context.Context, message string) error {
		v, err := wb.ReadCell(ctx, models.CellRef{Sheet: DefaultSheet, Cell: DefaultCell})
		require.NoError(t, err)
		seen = append(seen, message, v)
		return nil
	})
	sig, err := New(wb, DefaultOptions(), WithNotifier(notifier), WithSleeper((&sleepCounter{}).sleep))
	require.NoError(t, err)

	_, err = sig.TriggerExport(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{StartMessage, models.ValueIdle}, seen)
}

func TestTriggerNotifyFailureLeavesCellUntouched(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	boom := errors.New("dialog closed")
	sig, err := New(wb, DefaultOptions(), WithNotifier(NotifierFunc(func(context.Context, string) error { return boom })))
	require.NoError(t, err)

	_, err = sig.TriggerExport(context.Background())
	require.ErrorIs(t, err, boom)
	var sigErr *SignalError
	require.ErrorAs(t, err, &sigErr)
	require.Equal(t, "notify", sigErr.Op)

	v, err := sig.ReadCell(context.Background(), "B2")
	require.NoError(t, err)
	require.Equal(t, models.ValueIdle, v)
}

func TestTriggerMissingSheet(t *testing.T) {
	wb, err := workbook.New()
	require.NoError(t, err)
	defer wb.Close()
	sig, err := New(wb, DefaultOptions())
	require.NoError(t, err)

	_, err = sig.TriggerExport(context.Background())
	require.ErrorIs(t, err, ErrSheetNotFound)
}

func TestTriggerCancelledDuringSleep(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	opts := DefaultOptions()
	opts.PollInterval = time.Hour
	sig, err := New(wb, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res, err := sig.TriggerExport(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, res.Sleeps)
	require.Equal(t, models.StateSignaled, res.State())
}

func TestAwaitWaitsForWorker(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	store := &hookStore{Workbook: wb}
	ref := models.CellRef{Sheet: DefaultSheet, Cell: DefaultCell}
	sleeps := &sleepCounter{}
	sleeps.during = func() {
		// The worker finishes on the third poll.
		if len(sleeps.calls) == 3 {
			require.NoError(t, wb.WriteCell(context.Background(), ref, models.ValueIdle))
		}
	}
	opts := DefaultOptions()
	opts.Mode = ModeAwait
	opts.PollInterval = time.Second
	sig, err := New(store, opts, WithSleeper(sleeps.sleep))
	require.NoError(t, err)

	res, err := sig.TriggerExport(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, sleeps.count())
	require.Equal(t, 3, res.Sleeps)
	require.Equal(t, []string{"true"}, store.writes)
	require.Equal(t, models.ValueIdle, res.FinalValue)
	require.Equal(t, []models.State{models.StateIdle, models.StateSignaled, models.StateDone}, res.States)
}

func TestAwaitTimesOut(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	opts := DefaultOptions()
	opts.Mode = ModeAwait
	opts.PollInterval = 5 * time.Millisecond
	opts.Timeout = 30 * time.Millisecond
	sig, err := New(wb, opts)
	require.NoError(t, err)

	res, err := sig.TriggerExport(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, models.ValueRequested, res.FinalValue)

	// The signal is left in place for the worker.
	v, err := sig.ReadCell(context.Background(), "B2")
	require.NoError(t, err)
	require.Equal(t, models.ValueRequested, v)
}

func TestTriggerRecordsRunLog(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	runLog := workbook.NewRunLog(wb, "Logs")
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	sig, err := New(wb, DefaultOptions(),
		WithRecorder(runLog),
		WithClock(func() time.Time { return now }),
		WithSleeper((&sleepCounter{}).sleep))
	require.NoError(t, err)

	first, err := sig.TriggerExport(context.Background())
	require.NoError(t, err)
	second, err := sig.TriggerExport(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, first.JobKey)
	require.Equal(t, 2, second.JobKey)
	require.NotEqual(t, first.RunID, second.RunID)

	entries, err := runLog.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, models.RunLogEntry{
		JobKey: 1,
		Start:  "2024-05-06 07:08:09",
		End:    "2024-05-06 07:08:09",
		Log:    "Started export trigger",
		RunID:  first.RunID,
	}, entries[0])
	require.Equal(t, "Finished export trigger", entries[3].Log)
	require.Equal(t, 2, entries[3].JobKey)
}

func TestTriggerRejectsConcurrentRun(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	entered := make(chan struct{})
	release := make(chan struct{})
	sleeper := func(ctx context.Context, d time.Duration) error {
		close(entered)
		<-release
		return nil
	}
	sig, err := New(wb, DefaultOptions(), WithSleeper(sleeper))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sig.TriggerExport(context.Background())
		done <- err
	}()
	<-entered

	_, err = sig.TriggerExport(context.Background())
	require.ErrorIs(t, err, ErrTriggerInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestNewValidatesOptions(t *testing.T) {
	wb := newControlWorkbook(t, "")
	tests := []struct {
		name   string
		mutate func(*Options)
		want   error
	}{
		{"bad mode", func(o *Options) { o.Mode = "eventually" }, ErrInvalidOptions},
		{"zero interval", func(o *Options) { o.PollInterval = 0 }, ErrInvalidOptions},
		{"negative timeout", func(o *Options) { o.Timeout = -time.Second }, ErrInvalidOptions},
		{"bad cell", func(o *Options) { o.Cell = "B0" }, ErrInvalidCellRef},
		{"range", func(o *Options) { o.Cell = "B2:C3" }, ErrInvalidCellRef},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := New(wb, opts)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := New(nil, DefaultOptions())
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestCustomControlCell(t *testing.T) {
	wb, err := workbook.New("Export Control")
	require.NoError(t, err)
	defer wb.Close()
	opts := DefaultOptions()
	opts.Sheet = "Export Control"
	opts.Cell = "$d$4"
	sig, err := New(wb, opts, WithSleeper((&sleepCounter{}).sleep))
	require.NoError(t, err)
	require.Equal(t, "'Export Control'!D4", sig.Ref().String())

	_, err = sig.TriggerExport(context.Background())
	require.NoError(t, err)

	snap, err := sig.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.ValueIdle, snap.Value)
	require.False(t, snap.Requested)
}

func TestAwaitFileWorker(t *testing.T) {
	path := newControlFile(t)
	store := &hookStore{Workbook: openWorkbook(t, path)}
	worker := openWorkbook(t, path)
	ref := models.CellRef{Sheet: DefaultSheet, Cell: DefaultCell}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerErr := make(chan error, 1)
	go func() {
		// The worker polls its own handle and resets the flag once it sees it
		for {
			v, err := worker.ReadCell(ctx, ref)
			if err == nil && v == models.ValueRequested {
				workerErr <- worker.WriteCell(ctx, ref, models.ValueIdle)
				return
			}
			select {
			case <-ctx.Done():
				workerErr <- ctx.Err()
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	opts := DefaultOptions()
	opts.Mode = ModeAwait
	opts.PollInterval = time.Hour
	opts.Timeout = 10 * time.Second
	sig, err := New(store, opts)
	require.NoError(t, err)

	start := time.Now()
	res, err := sig.TriggerExport(ctx)
	require.NoError(t, err)
	require.NoError(t, <-workerErr)
	require.Less(t, time.Since(start), opts.Timeout)
	require.Equal(t, models.ValueIdle, res.FinalValue)
	require.Equal(t, []string{"true"}, store.writes)
}

func TestAwaitReleasesWatcher(t *testing.T) {
	path := newControlFile(t)
	store := &hookStore{
		Workbook: openWorkbook(t, path),
		// The worker answers before the first poll
		onWrite: func(ref models.CellRef, value string) string { return models.ValueIdle },
	}
	opts := DefaultOptions()
	opts.Mode = ModeAwait
	sig, err := New(store, opts)
	require.NoError(t, err)

	runtime.GC()
	baseline := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		res, err := sig.TriggerExport(context.Background())
		require.NoError(t, err)
		require.Equal(t, 0, res.Sleeps)
	}
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+1
	}, 5*time.Second, 20*time.Millisecond, "watch goroutines outlived their triggers")
}

func TestAwaitChangeEndsPoll(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	store := &watchStore{hookStore: &hookStore{Workbook: wb}, changes: make(chan struct{}, 1)}
	ref := models.CellRef{Sheet: DefaultSheet, Cell: DefaultCell}

	entered := make(chan struct{}, 1)
	sleeps := &sleepCounter{during: func() { entered <- struct{}{} }}
	sleeper := func(ctx context.Context, d time.Duration) error {
		sleeps.sleep(ctx, d)
		<-ctx.Done()
		return ctx.Err()
	}
	workerErr := make(chan error, 1)
	go func() {
		<-entered
		err := wb.WriteCell(context.Background(), ref, models.ValueIdle)
		store.changes <- struct{}{}
		workerErr <- err
	}()

	opts := DefaultOptions()
	opts.Mode = ModeAwait
	opts.PollInterval = time.Hour
	sig, err := New(store, opts, WithSleeper(sleeper))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := sig.TriggerExport(ctx)
	require.NoError(t, err)
	require.NoError(t, <-workerErr)
	// A wake-up ends the poll early but still counts as one
	require.Equal(t, 1, sleeps.count())
	require.Equal(t, 1, res.Sleeps)
	require.Equal(t, models.ValueIdle, res.FinalValue)
}

func TestAwaitClosedChangesFallsBackToPolling(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	changes := make(chan struct{})
	close(changes)
	store := &watchStore{hookStore: &hookStore{Workbook: wb}, changes: changes}
	ref := models.CellRef{Sheet: DefaultSheet, Cell: DefaultCell}

	var mu sync.Mutex
	calls := 0
	sleeper := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			// Only the closed channel can end this poll
			<-ctx.Done()
			return ctx.Err()
		}
		if err := wb.WriteCell(context.Background(), ref, models.ValueIdle); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.New("poll cut short after the change channel closed")
		case <-time.After(50 * time.Millisecond):
			return nil
		}
	}

	opts := DefaultOptions()
	opts.Mode = ModeAwait
	opts.PollInterval = time.Hour
	sig, err := New(store, opts, WithSleeper(sleeper))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := sig.TriggerExport(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Sleeps)
	require.Equal(t, 2, calls)
	require.Equal(t, models.ValueIdle, res.FinalValue)
}

func TestTriggerRecordsNote(t *testing.T) {
	wb := newControlWorkbook(t, models.ValueIdle)
	runLog := workbook.NewRunLog(wb, "Logs")
	sig, err := New(wb, DefaultOptions(), WithRecorder(runLog), WithSleeper((&sleepCounter{}).sleep))
	require.NoError(t, err)

	res, err := sig.TriggerExport(context.Background(), WithNote("HTTP Function Trigger: ops"), WithNote(""))
	require.NoError(t, err)

	entries, err := runLog.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "HTTP Function Trigger: ops", entries[0].Log)
	require.Equal(t, "Started export trigger", entries[1].Log)
	require.Equal(t, "Finished export trigger", entries[2].Log)
	for _, e := range entries {
		require.Equal(t, res.JobKey, e.JobKey)
		require.Equal(t, res.RunID, e.RunID)
	}
}
