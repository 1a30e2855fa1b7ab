package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Aman-CERP/amanindex/internal/chunk"
	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
	"github.com/Aman-CERP/amanindex/internal/store"
	"github.com/Aman-CERP/amanindex/internal/watcher"
)

// Coordinator defaults.
const (
	DefaultDebounce    = 1000 * time.Millisecond
	DefaultMaxFileSize = 1 << 20
)

// CoordinatorConfig contains configuration for the Coordinator.
type CoordinatorConfig struct {
	// Root is the absolute workspace root. Point IDs are derived from
	// paths relative to it.
	Root string

	Store     PointWriter
	Embedder  Embedder
	Segmenter Segmenter
	Cache     ChangeCache

	// Policy rejects ignored paths before they are read (optional).
	Policy AccessPolicy

	// Debounce is the quiet period after the last event before a batch
	// starts. Defaults to DefaultDebounce.
	Debounce time.Duration

	// MaxFileSize in bytes; larger files are skipped before reading.
	// Defaults to DefaultMaxFileSize.
	MaxFileSize int64

	// Retry bounds vector store writes.
	Retry amerrors.RetryConfig

	Logger *slog.Logger
}

// Coordinator turns file events into vector store updates, one batch at a
// time.
type Coordinator struct {
	cfg    CoordinatorConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]watcher.FileEvent
	timer   *time.Timer
	closed  bool

	ready chan struct{}
	done  chan struct{}

	// processMu ensures exactly one batch is in flight.
	processMu sync.Mutex

	listenersMu  sync.Mutex
	listeners    map[int]func(BatchSummary)
	nextListener int
}

// NewCoordinator creates a coordinator. Call Run to start processing
// notified events.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.Retry.MaxRetries < 1 {
		cfg.Retry = amerrors.DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		logger:    logger,
		pending:   make(map[string]watcher.FileEvent),
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		listeners: make(map[int]func(BatchSummary)),
	}
}

// Notify records event, replacing any pending event for the same path, and
// restarts the debounce timer.
func (c *Coordinator) Notify(event watcher.FileEvent) {
	event.Path = filepath.Clean(event.Path)
	if event.ObservedAt.IsZero() {
		event.ObservedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending[event.Path] = event

	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.Debounce, c.signal)
		return
	}
	c.timer.Stop()
	c.timer.Reset(c.cfg.Debounce)
}

// Flush starts the pending batch without waiting for the debounce timer.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.signal()
}

// Pending returns the number of paths waiting for the next batch.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// OnBatchFinished registers fn to receive every batch summary. The returned
// function unregisters it.
func (c *Coordinator) OnBatchFinished(fn func(BatchSummary)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Coordinator) emit(summary BatchSummary) {
	c.listenersMu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(BatchSummary), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(summary)
	}
}

// Run processes batches until ctx is cancelled or Close is called. A batch
// that has started runs to completion even if ctx is cancelled meanwhile.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-c.ready:
			events, ok := c.drain()
			if !ok {
				return nil
			}
			c.process(context.WithoutCancel(ctx), events)
		}
	}
}

// drain swaps the pending map for an empty one.
func (c *Coordinator) drain() (map[string]watcher.FileEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	events := c.pending
	c.pending = make(map[string]watcher.FileEvent)
	return events, true
}

// Close stops scheduling batches and discards pending events. A batch in
// flight is not interrupted. Safe to call multiple times.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.pending = make(map[string]watcher.FileEvent)
	close(c.done)
}

// ProcessEvents processes events synchronously as one batch, waiting for
// any batch in flight. Later events for a path replace earlier ones.
func (c *Coordinator) ProcessEvents(ctx context.Context, events []watcher.FileEvent) BatchSummary {
	batch := make(map[string]watcher.FileEvent, len(events))
	for _, e := range events {
		e.Path = filepath.Clean(e.Path)
		batch[e.Path] = e
	}
	return c.process(ctx, batch)
}

func (c *Coordinator) process(ctx context.Context, events map[string]watcher.FileEvent) BatchSummary {
	c.processMu.Lock()
	defer c.processMu.Unlock()

	start := time.Now()
	summary := c.runBatch(ctx, events)

	attrs := []any{
		slog.Int("files", len(summary.ProcessedFiles)),
		slog.Int("success", summary.Count(StatusSuccess)),
		slog.Int("skipped", summary.Count(StatusSkipped)),
		slog.Int("errors", summary.Count(StatusError)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if summary.BatchError != nil {
		c.logger.Error("batch_failed", append(attrs, slog.String("error", summary.BatchError.Error()))...)
	} else if len(summary.ProcessedFiles) > 0 {
		c.logger.Info("batch_finished", attrs...)
	} else {
		c.logger.Debug("batch_finished", attrs...)
	}

	c.emit(summary)
	return summary
}

// stagedFile is a changed file whose points await the batch upsert.
type stagedFile struct {
	path   string
	hash   string
	points []store.Point
	// replaces is set for a change to an indexed file; its superseded
	// points are removed once the new ones are stored.
	replaces bool
}

func (c *Coordinator) runBatch(ctx context.Context, events map[string]watcher.FileEvent) BatchSummary {
	summary := BatchSummary{ProcessedFiles: []FileResult{}}
	if len(events) == 0 {
		return summary
	}

	var deletes, upserts []string
	for path, e := range events {
		if e.Kind == watcher.EventDelete {
			deletes = append(deletes, path)
		} else {
			upserts = append(upserts, path)
		}
	}
	sort.Strings(deletes)
	sort.Strings(upserts)

	if len(deletes) > 0 {
		err := c.withRetry(ctx, "delete", func() error {
			return c.cfg.Store.DeletePointsByMultipleFilePaths(ctx, deletes)
		})
		if err != nil {
			summary.BatchError = err
			for _, path := range append(deletes, upserts...) {
				summary.add(path, StatusError, "", err)
			}
			return summary
		}

		if err := c.cfg.Cache.Delete(ctx, deletes...); err != nil {
			summary.BatchError = err
			for _, path := range deletes {
				summary.add(path, StatusError, "", err)
			}
		} else {
			for _, path := range deletes {
				summary.add(path, StatusSuccess, ReasonDeleted, nil)
			}
		}
	}

	var staged []stagedFile
	for _, path := range upserts {
		if f, ok := c.prepare(ctx, events[path], &summary); ok {
			staged = append(staged, f)
		}
	}
	if len(staged) == 0 {
		return summary
	}

	var points []store.Point
	for _, f := range staged {
		points = append(points, f.points...)
	}
	if len(points) > 0 {
		err := c.withRetry(ctx, "upsert", func() error {
			return c.cfg.Store.UpsertPoints(ctx, points)
		})
		if err != nil {
			summary.BatchError = err
			for _, f := range staged {
				summary.add(f.path, StatusError, "", err)
			}
			return summary
		}
	}

	staged = c.removeStale(ctx, staged, &summary)
	if len(staged) == 0 {
		return summary
	}

	entries := make(map[string]string, len(staged))
	for _, f := range staged {
		entries[f.path] = f.hash
	}
	if err := c.cfg.Cache.SetMany(ctx, entries); err != nil {
		summary.BatchError = err
		for _, f := range staged {
			summary.add(f.path, StatusError, "", err)
		}
		return summary
	}
	for _, f := range staged {
		summary.add(f.path, StatusSuccess, "", nil)
	}
	return summary
}

// prepare runs the per-file pipeline up to staged points. Files that are
// skipped or fail locally are recorded in summary and not staged.
func (c *Coordinator) prepare(ctx context.Context, event watcher.FileEvent, summary *BatchSummary) (stagedFile, bool) {
	path := event.Path
	if c.cfg.Policy != nil && !c.cfg.Policy.ValidateAccess(path) {
		summary.add(path, StatusSkipped, ReasonIgnored, nil)
		return stagedFile{}, false
	}

	info, err := os.Stat(path)
	if err != nil {
		code := amerrors.ErrCodeFilePermission
		if errors.Is(err, fs.ErrNotExist) {
			code = amerrors.ErrCodeFileNotFound
		}
		summary.add(path, StatusError, "", amerrors.New(code, "stat file", err).WithDetail("path", path))
		return stagedFile{}, false
	}
	if info.IsDir() {
		summary.add(path, StatusSkipped, ReasonIgnored, nil)
		return stagedFile{}, false
	}
	if info.Size() > c.cfg.MaxFileSize {
		c.logger.Warn("file_too_large",
			slog.String("path", path),
			slog.Int64("size", info.Size()),
			slog.Int64("limit", c.cfg.MaxFileSize))
		summary.add(path, StatusSkipped, ReasonTooLarge, nil)
		return stagedFile{}, false
	}

	content, err := os.ReadFile(path)
	if err != nil {
		summary.add(path, StatusError, "", amerrors.New(amerrors.ErrCodeFilePermission, "read file", err).WithDetail("path", path))
		return stagedFile{}, false
	}
	hash := chunk.HashContent(content)
	previous, indexed := c.cfg.Cache.Get(path)
	if indexed && previous == hash {
		summary.add(path, StatusSkipped, ReasonUnchanged, nil)
		return stagedFile{}, false
	}

	blocks, err := c.cfg.Segmenter.ParseFile(ctx, path, content, hash)
	if err != nil {
		summary.add(path, StatusError, "", amerrors.Wrap(amerrors.ErrCodeChunkingFailed, err).WithDetail("path", path))
		return stagedFile{}, false
	}

	points, err := c.embedBlocks(ctx, path, blocks)
	if err != nil {
		summary.add(path, StatusError, "", err)
		return stagedFile{}, false
	}
	replaces := indexed && event.Kind == watcher.EventChange
	return stagedFile{path: path, hash: hash, points: points, replaces: replaces}, true
}

func (c *Coordinator) embedBlocks(ctx context.Context, path string, blocks []chunk.CodeBlock) ([]store.Point, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(blocks))
	for i, b := range blocks {
		texts[i] = b.Content
	}
	resp, err := c.cfg.Embedder.CreateEmbeddings(ctx, texts, "")
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", path, err)
	}
	if len(resp.Embeddings) != len(blocks) {
		return nil, amerrors.New(amerrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("expected %d embeddings, got %d", len(blocks), len(resp.Embeddings)), nil).
			WithDetail("path", path)
	}

	rel := store.NormalizePath(c.cfg.Root, path)
	points := make([]store.Point, len(blocks))
	for i, b := range blocks {
		points[i] = store.Point{
			ID:     store.PointID(rel, b.SegmentHash),
			Vector: resp.Embeddings[i],
			Payload: store.Payload{
				FilePath:  path,
				CodeChunk: b.Content,
				StartLine: b.StartLine,
				EndLine:   b.EndLine,
			},
		}
	}
	return points, nil
}

// removeStale drops the points of replaced files that the new upsert did
// not rewrite. A file whose cleanup fails is recorded as an error and left
// out of the cache update, so its next change retries the cleanup.
func (c *Coordinator) removeStale(ctx context.Context, staged []stagedFile, summary *BatchSummary) []stagedFile {
	kept := staged[:0]
	for _, f := range staged {
		if !f.replaces {
			kept = append(kept, f)
			continue
		}
		keep := make([]string, len(f.points))
		for i, p := range f.points {
			keep[i] = p.ID
		}
		err := c.withRetry(ctx, "delete_stale", func() error {
			return c.cfg.Store.DeletePointsByFilePathExcept(ctx, f.path, keep)
		})
		if err != nil {
			summary.BatchError = err
			summary.add(f.path, StatusError, "", err)
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	cfg := c.cfg.Retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("store_retry",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.Retry.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
	}
	return amerrors.Retry(ctx, cfg, fn)
}

func (s *BatchSummary) add(path string, status FileStatus, reason string, err error) {
	s.ProcessedFiles = append(s.ProcessedFiles, FileResult{Path: path, Status: status, Reason: reason, Err: err})
}
