package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of write events editors and
// atomic-rename saves produce for a single logical change.
const reloadDebounce = 200 * time.Millisecond

// Watch watches the config file and invokes onChange after each change,
// debounced. Blocks until ctx is cancelled. Watching the parent
// directory instead of the file itself survives rename-based saves.
func Watch(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			timer.Reset(reloadDebounce)
			pending = true
		case <-timer.C:
			pending = false
			onChange()
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// Watcher errors are transient; keep watching.
		}
	}
}
