// Package filewatcher provides file system monitoring adapters.
// Clean Architecture: Adapter implementing ports.FileWatcher.
package filewatcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FSNotifyWatcher watches the input directory for arriving documents.
// On Watch it first emits every matching file already present (startup
// scan), then streams new arrivals. Stabilization is the coordinator's
// job; the watcher only reports paths.
type FSNotifyWatcher struct {
	watcher    *fsnotify.Watcher
	extensions []string
	log        *slog.Logger
}

// NewFSNotifyWatcher creates a new file watcher.
func NewFSNotifyWatcher(extensions []string, log *slog.Logger) (*FSNotifyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if len(extensions) == 0 {
		extensions = []string{".pdf"}
	}
	if log == nil {
		log = slog.Default()
	}

	return &FSNotifyWatcher{
		watcher:    w,
		extensions: extensions,
		log:        log,
	}, nil
}

// Watch starts monitoring the directory and emits the path of each
// arriving file, including files already present at startup.
func (w *FSNotifyWatcher) Watch(ctx context.Context, dir string) (<-chan string, error) {
	if err := w.watcher.Add(dir); err != nil {
		return nil, err
	}

	paths := make(chan string, 100)

	go func() {
		defer close(paths)

		// Startup scan: anything already sitting in the input directory
		// was missed while we were down.
		entries, err := os.ReadDir(dir)
		if err != nil {
			w.log.Error("startup scan failed", "dir", dir, "error", err)
		}
		for _, e := range entries {
			if e.IsDir() || !w.isWatchedExtension(e.Name()) {
				continue
			}
			select {
			case paths <- filepath.Join(dir, e.Name()):
			case <-ctx.Done():
				return
			}
		}

		seen := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !w.isWatchedExtension(event.Name) {
					continue
				}
				// A copied-in file produces Create followed by many
				// Writes; emit the path once per arrival.
				switch {
				case event.Op&fsnotify.Create == fsnotify.Create:
					seen[event.Name] = true
				case event.Op&fsnotify.Write == fsnotify.Write:
					if seen[event.Name] {
						continue
					}
					seen[event.Name] = true
				case event.Op&fsnotify.Remove == fsnotify.Remove:
					delete(seen, event.Name)
					continue
				default:
					continue
				}

				select {
				case paths <- event.Name:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watcher error", "error", err)
			}
		}
	}()

	return paths, nil
}

// Stop stops the watcher.
func (w *FSNotifyWatcher) Stop() error {
	return w.watcher.Close()
}

// isWatchedExtension checks if the file has a watched extension.
func (w *FSNotifyWatcher) isWatchedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.extensions {
		if ext == e {
			return true
		}
	}
	return false
}
