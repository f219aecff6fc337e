// Package watcher monitors metric source files and coalesces bursts of
// filesystem events into single debounced change notifications per path.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/atelierops/pipewatch/pkg/model"
)

// DefaultDebounce is the window during which repeated events for one path
// collapse into a single notification. Covers atomic write-then-rename
// sequences from the metric producers.
const DefaultDebounce = 500 * time.Millisecond

// Change is one debounced, classified file change.
type Change struct {
	Path           string
	Classification model.Classification
}

// Status reports watcher state for observability endpoints.
type Status struct {
	Active    bool   `json:"active"`
	Watched   int    `json:"watched_paths"`
	Pending   int    `json:"pending_changes"`
	LastError string `json:"last_error,omitempty"`
}

// classifyRules is the fixed name/extension table, checked in order
// against the lowercased path. First match wins.
var classifyRules = []struct {
	substr string
	class  model.Classification
}{
	{"cost-tracking", model.ClassSpendSource},
	{"spend", model.ClassSpendSource},
	{"error-log", model.ClassHealthSource},
	{"health", model.ClassHealthSource},
	{"smoke", model.ClassSmokeTestSource},
	{"test-results", model.ClassTestResultSource},
	{"test-result", model.ClassTestResultSource},
}

// Classify maps a path to its change classification. The second return is
// false for paths that feed no metric collection.
func Classify(path string) (model.Classification, bool) {
	p := strings.ToLower(filepath.ToSlash(path))
	for _, r := range classifyRules {
		if strings.Contains(p, r.substr) {
			return r.class, true
		}
	}
	return "", false
}

// pendingChange is one armed debounce timer. The deadline is advanced on
// every reset; a timer callback that runs before the current deadline lost
// a race with a reset and must not deliver.
type pendingChange struct {
	timer    *time.Timer
	deadline time.Time
	class    model.Classification
}

// Watcher owns the fsnotify handle and the per-path debounce timers.
type Watcher struct {
	mu       sync.Mutex
	fs       *fsnotify.Watcher
	debounce time.Duration
	pending  map[string]*pendingChange
	events   chan Change
	watched  int
	active   bool
	stopped  bool
	lastErr  error
	logger   *slog.Logger
	done     chan struct{}
}

// New creates a watcher. Debounce values at or below zero fall back to
// DefaultDebounce.
func New(debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fs:       fs,
		debounce: debounce,
		pending:  make(map[string]*pendingChange),
		events:   make(chan Change, 64),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events returns the channel debounced changes are published on. The
// channel is buffered; if no consumer keeps up, further changes are
// dropped with a log line rather than blocking the timers.
func (w *Watcher) Events() <-chan Change {
	return w.events
}

// Watch begins monitoring the given paths. Files are watched through their
// parent directory so atomic renames are seen. A missing or unreadable
// path is logged and skipped; the watcher keeps running for the rest.
func (w *Watcher) Watch(paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("watcher is stopped")
	}

	added := 0
	for _, p := range paths {
		target := p
		info, err := os.Stat(p)
		switch {
		case err != nil:
			// Watch the parent so the path is picked up if it appears later.
			target = filepath.Dir(p)
		case !info.IsDir():
			target = filepath.Dir(p)
		}
		if err := w.fs.Add(target); err != nil {
			w.logger.Warn("watch path failed", "path", p, "error", err)
			w.lastErr = err
			continue
		}
		added++
	}
	w.watched += added
	w.active = w.watched > 0
	w.logger.Info("watching source paths", "requested", len(paths), "active", added)
	return nil
}

// run consumes raw fsnotify events until Stop.
func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.lastErr = err
			w.mu.Unlock()
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// schedule starts or resets the debounce timer for a path. Unclassified
// paths are ignored.
func (w *Watcher) schedule(path string) {
	class, ok := Classify(path)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if p, ok := w.pending[path]; ok {
		p.deadline = time.Now().Add(w.debounce)
		p.timer.Reset(w.debounce)
		return
	}
	p := &pendingChange{deadline: time.Now().Add(w.debounce), class: class}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.fire(path)
	})
	w.pending[path] = p
}

// fire delivers one debounced change and removes its pending entry. An
// expired timer whose callback lost a race with a reset sees a future
// deadline and yields to the rearmed timer, so one burst delivers once.
func (w *Watcher) fire(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok || w.stopped {
		w.mu.Unlock()
		return
	}
	if time.Now().Before(p.deadline) {
		w.mu.Unlock()
		return
	}
	class := p.class
	delete(w.pending, path)
	w.mu.Unlock()

	select {
	case w.events <- Change{Path: path, Classification: class}:
	default:
		w.logger.Warn("change dropped, event channel full", "path", path)
	}
}

// Stop cancels all pending timers and releases the underlying watch
// handles. Safe to call more than once; no callback fires after it
// returns.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.active = false
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	close(w.done)
	if err := w.fs.Close(); err != nil {
		w.logger.Warn("close watcher", "error", err)
	}
}

// Status reports whether watching is active and how many changes are
// pending, without exposing timer internals.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		Active:  w.active && !w.stopped,
		Watched: w.watched,
		Pending: len(w.pending),
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}
