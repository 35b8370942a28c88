// Package filewatch notifies a callback when a single file changes.
//
// The watch is placed on the file's directory rather than the file itself so
// that editors which save by writing a temp file and renaming it over the
// original keep triggering events, and so that a file created after startup
// is picked up. Bursts of events (truncate then write, or rename then create)
// are coalesced over a debounce window into one callback.
package filewatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// DefaultDebounce is used when Watch is given a non-positive debounce.
const DefaultDebounce = 100 * time.Millisecond

// Watcher delivers change notifications for one file path.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(path string)
	logger   log.Logger

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	callMu sync.Mutex
	done   chan struct{}
}

// Watch starts watching path and calls onChange with the cleaned path after
// every settled burst of write, create or rename events for it. The watch
// runs until ctx is cancelled or Close is called. onChange runs on a timer
// goroutine and never concurrently with itself.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(path string), logger log.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch directory of %s: %w", abs, err)
	}

	w := &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   log.With(logger, "component", "filewatch", "path", abs),
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string {
	return w.path
}

// Close stops the watcher and waits for its event loop to exit.
// A pending debounced callback is dropped.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			_ = w.fsw.Close()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			level.Debug(w.logger).Log("msg", "file event", "op", event.Op.String())
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			level.Error(w.logger).Log("msg", "file watcher error", "err", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()

	w.callMu.Lock()
	defer w.callMu.Unlock()
	w.onChange(w.path)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
