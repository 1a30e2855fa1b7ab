package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// poller detects changes by periodically scanning the workspace.
// Used as a fallback when fsnotify is not available.
type poller struct {
	root     string
	filter   *Filter
	interval time.Duration

	mu        sync.Mutex
	fileState map[string]fileSnapshot
}

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

func newPoller(root string, filter *Filter, interval time.Duration) *poller {
	return &poller{
		root:      root,
		filter:    filter,
		interval:  interval,
		fileState: make(map[string]fileSnapshot),
	}
}

// run establishes a baseline and then reports differences every interval.
func (p *poller) run(ctx context.Context, stopCh <-chan struct{}, n Notifier) error {
	if err := p.scan(); err != nil {
		return fmt.Errorf("perform initial scan: %w", err)
	}
	slog.Info("watcher_started",
		slog.String("root", p.root),
		slog.String("mode", "polling"),
		slog.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			if err := p.detectChanges(n); err != nil {
				slog.Warn("watcher_error", slog.String("error", err.Error()))
			}
		}
	}
}

// snapshot walks the workspace and records wanted files.
func (p *poller) snapshot() (map[string]fileSnapshot, error) {
	files := make(map[string]fileSnapshot)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if d.IsDir() {
			if path != p.root && p.filter.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !p.filter.WantFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[path] = fileSnapshot{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	return files, err
}

// scan records the current state without emitting events.
func (p *poller) scan() error {
	files, err := p.snapshot()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.fileState = files
	p.mu.Unlock()
	return nil
}

// detectChanges compares the current state with the previous scan and
// notifies creates, changes and deletes.
func (p *poller) detectChanges(n Notifier) error {
	current, err := p.snapshot()
	if err != nil {
		return fmt.Errorf("walk directory for changes: %w", err)
	}

	p.mu.Lock()
	previous := p.fileState
	p.fileState = current
	p.mu.Unlock()

	now := time.Now()
	for path, snap := range current {
		prev, exists := previous[path]
		switch {
		case !exists:
			n.Notify(FileEvent{Path: path, Kind: EventCreate, ObservedAt: now})
		case prev.modTime != snap.modTime || prev.size != snap.size:
			n.Notify(FileEvent{Path: path, Kind: EventChange, ObservedAt: now})
		}
	}
	for path := range previous {
		if _, exists := current[path]; !exists {
			n.Notify(FileEvent{Path: path, Kind: EventDelete, ObservedAt: now})
		}
	}
	return nil
}
