// Package watch observes the project's content and source trees and reports
// debounced change notifications. The session maps them onto orchestrator
// events; the watcher itself knows nothing about states.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/strataforge/strata/internal/journal"
)

// Kind classifies which tree a change belongs to.
type Kind string

const (
	// KindContent marks changes under a content root; they become node
	// mutations.
	KindContent Kind = "content"
	// KindSource marks changes under the bundleable source root; they dirty
	// the session.
	KindSource Kind = "source"
)

// Change is one debounced filesystem notification.
type Change struct {
	Path    string
	Kind    Kind
	Removed bool
}

const defaultDebounce = 150 * time.Millisecond

// Watcher wraps fsnotify with recursive roots and per-path debouncing.
type Watcher struct {
	fsw      *fsnotify.Watcher
	emit     func(Change)
	debounce time.Duration
	journal  *journal.Journal

	mu      sync.Mutex
	roots   map[string]Kind
	pending map[string]*time.Timer
	closed  bool

	done chan struct{}
}

// Option customizes a Watcher during construction.
type Option func(*Watcher)

// WithJournal attaches the session journal.
func WithJournal(j *journal.Journal) Option {
	return func(w *Watcher) {
		w.journal = j
	}
}

// WithDebounce overrides the settle window for bursty editors.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a Watcher delivering changes to emit. Call AddRoot for each
// tree, then Start.
func New(emit func(Change), opts ...Option) (*Watcher, error) {
	if emit == nil {
		return nil, fmt.Errorf("watch: emit callback is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		emit:     emit,
		debounce: defaultDebounce,
		roots:    map[string]Kind{},
		pending:  map[string]*time.Timer{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// AddRoot watches dir and every directory below it. A missing root is
// skipped; it may be created later in the project's life, but watching starts
// on the next session.
func (w *Watcher) AddRoot(dir string, kind Kind) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("watch: resolve %s: %w", dir, err)
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		w.journal.Warn("watch root %s does not exist; skipped", dir)
		return nil
	}
	w.mu.Lock()
	w.roots[abs] = kind
	w.mu.Unlock()
	return w.watchTree(abs)
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add %s: %w", path, err)
		}
		return nil
	})
}

// Start begins delivering changes. It returns immediately; Close stops the
// loop.
func (w *Watcher) Start() {
	go w.loop()
}

// Close stops watching and releases the underlying watcher. Pending
// debounced changes are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = map[string]*time.Timer{}
	w.mu.Unlock()
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.journal.Warn("watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if isEditorArtifact(event.Name) {
		return
	}
	kind, ok := w.classify(event.Name)
	if !ok {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				w.journal.Warn("watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	removed := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	w.schedule(Change{Path: event.Name, Kind: kind, Removed: removed})
}

// isEditorArtifact reports whether a path is editor noise rather than a real
// edit: vim and emacs swap, backup, and lock files, vim's directory probe,
// and macOS metadata.
func isEditorArtifact(path string) bool {
	name := filepath.Base(path)
	if strings.HasSuffix(name, "~") || strings.HasPrefix(name, ".#") {
		return true
	}
	if strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#") {
		return true
	}
	switch filepath.Ext(name) {
	case ".swp", ".swo", ".swx":
		return true
	}
	switch name {
	case "4913", ".DS_Store":
		return true
	}
	return false
}

// classify maps a path to the kind of its longest matching root.
func (w *Watcher) classify(path string) (Kind, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var bestRoot string
	var bestKind Kind
	for root, kind := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			if len(root) > len(bestRoot) {
				bestRoot, bestKind = root, kind
			}
		}
	}
	return bestKind, bestRoot != ""
}

// schedule emits the change once the path has settled for the debounce
// window. Later events for the same path restart the window; a removal
// arriving mid-window wins over an earlier write.
func (w *Watcher) schedule(change Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[change.Path]; ok {
		timer.Stop()
	}
	w.pending[change.Path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		delete(w.pending, change.Path)
		w.mu.Unlock()
		w.emit(change)
	})
}
