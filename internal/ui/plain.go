package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer outputs plain text progress (for CI/pipes).
type PlainRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	errors int
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Total == 0 {
		return
	}
	_, _ = fmt.Fprintf(r.out, "[INDEX] %d/%d - %d indexed, %d skipped, %d failed\n",
		event.Current, event.Total, event.Indexed, event.Skipped, event.Failed)
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	} else {
		r.errors++
	}

	if event.File != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.File, event.Err)
	} else {
		_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Complete: %d files (%d indexed, %d unchanged, %d removed) in %s",
		stats.Files, stats.Indexed, stats.Skipped, stats.Removed, stats.Duration.Round(100*time.Millisecond))
	if stats.Errors > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d errors)", stats.Errors)
	}
	_, _ = fmt.Fprintln(r.out)

	if stats.Model != "" {
		_, _ = fmt.Fprintf(r.out, "Backend: %s (%s, %d dims)\n", stats.Backend, stats.Model, stats.Dimensions)
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

var _ Renderer = (*PlainRenderer)(nil)
