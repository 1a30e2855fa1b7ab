package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Aman-CERP/amanindex/internal/ignore"
)

// Watcher watches a workspace recursively and forwards file events to a
// Notifier.
type Watcher struct {
	root      string
	policy    *ignore.Policy
	filter    *Filter
	opts      Options
	fsWatcher *fsnotify.Watcher
	poller    *poller
	logger    *slog.Logger

	stopCh  chan struct{}
	mu      sync.Mutex
	stopped bool
	dirs    map[string]bool
}

// New creates a watcher for root. It uses fsnotify when available and falls
// back to polling otherwise. policy may be nil.
func New(root string, policy *ignore.Policy, opts Options) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path: %w", err)
	}
	opts = opts.WithDefaults()

	w := &Watcher{
		root:   absRoot,
		policy: policy,
		filter: NewFilter(absRoot, policy, opts.Extensions),
		opts:   opts,
		logger: slog.Default(),
		stopCh: make(chan struct{}),
		dirs:   make(map[string]bool),
	}

	if !opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			w.fsWatcher = fsw
			return w, nil
		}
		w.logger.Warn("fsnotify_unavailable",
			slog.String("root", absRoot),
			slog.String("error", err.Error()))
	}
	w.poller = newPoller(absRoot, w.filter, opts.PollInterval)
	return w, nil
}

// Mode returns "fsnotify" or "polling".
func (w *Watcher) Mode() string {
	if w.fsWatcher != nil {
		return "fsnotify"
	}
	return "polling"
}

// Root returns the absolute watched root.
func (w *Watcher) Root() string {
	return w.root
}

// Run forwards events to n until ctx is cancelled or Stop is called.
func (w *Watcher) Run(ctx context.Context, n Notifier) error {
	if w.fsWatcher == nil {
		return w.poller.run(ctx, w.stopCh, n)
	}

	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("add directories to watcher: %w", err)
	}
	w.logger.Info("watcher_started",
		slog.String("root", w.root),
		slog.String("mode", w.Mode()),
		slog.Int("directories", w.watchedDirs()))

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event, n)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent converts one fsnotify event into zero or more FileEvents.
func (w *Watcher) handleEvent(event fsnotify.Event, n Notifier) {
	if event.Op == fsnotify.Chmod {
		return
	}

	isDir := false
	if info, err := os.Lstat(event.Name); err == nil {
		isDir = info.IsDir()
	}

	if isDir {
		if event.Op.Has(fsnotify.Create) && !w.filter.SkipDir(event.Name) {
			// Files may land in a new directory before its watch exists.
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("watch_directory_failed",
					slog.String("path", event.Name),
					slog.String("error", err.Error()))
			}
			w.emitTree(event.Name, n)
		}
		return
	}

	if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		w.forgetDir(event.Name)
	}

	if filepath.Base(event.Name) == ignore.GitIgnoreFile && w.policy != nil &&
		(event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write)) {
		if err := w.policy.AddNested(event.Name); err != nil {
			w.logger.Warn("gitignore_reload_failed",
				slog.String("path", event.Name),
				slog.String("error", err.Error()))
		}
		return
	}

	if !w.filter.WantFile(event.Name) {
		return
	}

	var kind EventKind
	switch {
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		kind = EventDelete
	case event.Op.Has(fsnotify.Create):
		kind = EventCreate
	case event.Op.Has(fsnotify.Write):
		kind = EventChange
	default:
		return
	}

	n.Notify(FileEvent{Path: event.Name, Kind: kind, ObservedAt: time.Now()})
}

// addRecursive adds dir and every non-ignored directory below it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.filter.SkipDir(path) {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return err
		}
		w.mu.Lock()
		w.dirs[path] = true
		w.mu.Unlock()
		return nil
	})
}

// emitTree reports every wanted file below dir as created.
func (w *Watcher) emitTree(dir string, n Notifier) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && w.filter.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.filter.WantFile(path) {
			n.Notify(FileEvent{Path: path, Kind: EventCreate, ObservedAt: time.Now()})
		}
		return nil
	})
}

func (w *Watcher) forgetDir(path string) {
	w.mu.Lock()
	delete(w.dirs, path)
	w.mu.Unlock()
}

func (w *Watcher) watchedDirs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// Stop stops the watcher and releases resources. Safe to call multiple
// times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)

	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}
