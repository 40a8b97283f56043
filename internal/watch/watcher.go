// Package watch notices edits to tracked artifacts and log files so the
// detector can analyze them ahead of its next tick.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/psantana5/healwatch/internal/logging"
)

// Handler is called with the distinct tracked paths changed in one
// debounce window
type Handler func(paths []string)

// DefaultDebounce is how long the watcher waits for more changes
const DefaultDebounce = 250 * time.Millisecond

// Watcher watches the parent directories of a fixed set of files and
// reports changes to those files only
type Watcher struct {
	watcher  *fsnotify.Watcher
	tracked  map[string]bool
	dirs     []string
	handler  Handler
	debounce time.Duration
	logger   *logging.Logger

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher for paths. Directories are watched rather than the
// files themselves so that atomic rename-over writes are still seen.
func New(paths []string, handler Handler, debounce time.Duration, logger *logging.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logging.Discard()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		watcher:  fw,
		tracked:  make(map[string]bool),
		handler:  handler,
		debounce: debounce,
		logger:   logger.Component("watch"),
		changes:  make(chan string, 256),
		done:     make(chan struct{}),
	}

	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("resolving path %s: %w", p, err)
		}
		w.tracked[abs] = true
		dir := filepath.Dir(abs)
		if !seen[dir] {
			seen[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	sort.Strings(w.dirs)
	return w, nil
}

// Start begins watching. Directories that do not exist are skipped with a
// warning.
func (w *Watcher) Start(ctx context.Context) error {
	added := 0
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn("Cannot watch directory", map[string]interface{}{
				"dir":   dir,
				"error": err.Error(),
			})
			continue
		}
		added++
	}
	if added == 0 && len(w.dirs) > 0 {
		return fmt.Errorf("none of %d directories could be watched", len(w.dirs))
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.tracked[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.changes <- filepath.Clean(event.Name):
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	batch := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 && w.handler != nil {
			paths := make([]string, 0, len(batch))
			for p := range batch {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			w.logger.Debug("Tracked files changed", map[string]interface{}{"paths": paths})
			w.handler(paths)
		}
		batch = make(map[string]bool)
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case path := <-w.changes:
			batch[path] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}
