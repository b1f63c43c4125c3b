package workbook

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports changes to the workbook file until ctx is done. The returned
// channel is closed when watching stops. In-memory workbooks return a nil channel.
//
// The parent directory is watched rather than the file, because spreadsheet
// tools commonly save by replacing the file.
func (w *Workbook) Watch(ctx context.Context) (<-chan struct{}, error) {
	if w.path == "" {
		return nil, nil
	}
	target, err := filepath.Abs(w.path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return nil, err
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				name, err := filepath.Abs(ev.Name)
				if err != nil || name != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// Coalesce bursts; the reader re-reads the cell anyway
				select {
				case changes <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return changes, nil
}
