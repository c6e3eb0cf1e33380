package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds the callback that fires when the allowlist file
// changes on disk. In limit mode this is what lets an operator hand-edit
// config.yaml and have it take effect without restarting the proxy.
type WatchTargets struct {
	// OnAllowlistChange fires when the watched allowlist file is written
	// or created. Typically calls Allowlist.Reload, which re-reads the
	// file and swaps the collections in under the allowlist's write lock.
	OnAllowlistChange func()
}

// Watcher monitors the directory containing the allowlist file for
// changes using fsnotify, firing OnAllowlistChange when the file itself
// is written or (re)created.
//
// The watcher runs a background goroutine that processes fsnotify
// events. Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the directory containing path,
// firing targets.OnAllowlistChange whenever filepath.Base(path) is
// written or created in that directory.
//
// The watcher immediately starts processing events in a background
// goroutine. Events are debounced naturally by fsnotify — rapid
// successive writes typically produce a single event. Save's
// write-temp-then-rename pattern surfaces as a Create event for the
// final name, which this watcher treats the same as a direct Write.
func NewWatcher(path string, targets WatchTargets) (*Watcher, error) {
	dir := filepath.Dir(path)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(filepath.Base(path), targets)

	slog.Info("allowlist watcher started", "dir", dir, "file", filepath.Base(path))
	return w, nil
}

// processEvents reads fsnotify events and fires the callback when the
// watched filename changes. Runs in a background goroutine until
// Close() is called.
func (w *Watcher) processEvents(watchedName string, targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// We only care about write and create events — not remove
			// or rename, which would indicate the file was deleted.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != watchedName {
				continue
			}

			slog.Info("allowlist file changed, triggering reload", "file", watchedName)
			if targets.OnAllowlistChange != nil {
				targets.OnAllowlistChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
