package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joescharf/tracecast/internal/notify"
)

// DefaultDebounce coalesces bursts of writes from a producer that appends to
// a trace incrementally.
const DefaultDebounce = 500 * time.Millisecond

// Detected reports that a watched trace changed.
type Detected struct {
	Path string
}

// Watcher turns file system notifications for trace files into debounced
// Detected events.
type Watcher struct {
	fsw    *fsnotify.Watcher
	window time.Duration
	log    *slog.Logger

	mu       sync.Mutex
	files    map[string]bool // watched individual files
	dirs     map[string]bool // directories watched wholesale
	timers   map[string]*pending
	suppress bool
	closed   bool

	detected notify.Broadcaster[Detected]
}

// NewWatcher creates a watcher. A non-positive window uses DefaultDebounce.
func NewWatcher(window time.Duration, logger *slog.Logger) (*Watcher, error) {
	if window <= 0 {
		window = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		fsw:    fsw,
		window: window,
		log:    logger,
		files:  make(map[string]bool),
		dirs:   make(map[string]bool),
		timers: make(map[string]*pending),
	}, nil
}

// Add watches path. A directory reports changes to any file in it; a file is
// watched through its parent directory so that atomic replacements are seen.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	dir := abs
	w.mu.Lock()
	if info.IsDir() {
		w.dirs[abs] = true
	} else {
		dir = filepath.Dir(abs)
		w.files[abs] = true
	}
	w.mu.Unlock()

	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	return nil
}

// OnDetected subscribes to debounced change events.
func (w *Watcher) OnDetected(fn func(Detected)) (unsubscribe func()) {
	return w.detected.Subscribe(fn)
}

// Suppress makes the next detection a no-op. Call it before writing a watched
// file yourself.
func (w *Watcher) Suppress() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.suppress = true
}

// Run dispatches file system events until ctx is cancelled or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if w.matches(ev.Name) {
				w.notify(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", "error", err)
		}
	}
}

// Close stops the watcher and any pending detections.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for path, p := range w.timers {
		p.timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

// Watches reports whether changes to path would be detected.
func (w *Watcher) Watches(path string) bool { return w.matches(path) }

func (w *Watcher) matches(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[abs] || w.dirs[filepath.Dir(abs)]
}

// notify (re)starts the debounce window for path.
func (w *Watcher) notify(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if prev, ok := w.timers[path]; ok {
		prev.timer.Stop()
	}
	p := &pending{}
	p.timer = time.AfterFunc(w.window, func() { w.fire(path, p) })
	w.timers[path] = p
}

type pending struct {
	timer *time.Timer
}

func (w *Watcher) fire(path string, p *pending) {
	w.mu.Lock()
	if w.timers[path] != p {
		// Superseded by a later write.
		w.mu.Unlock()
		return
	}
	delete(w.timers, path)
	if w.suppress {
		w.suppress = false
		w.mu.Unlock()
		w.log.Debug("ignoring own write", "path", path)
		return
	}
	w.mu.Unlock()

	w.detected.Publish(Detected{Path: path})
}
