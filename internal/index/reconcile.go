package index

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/Aman-CERP/amanindex/internal/watcher"
)

// DefaultReconcileBatchSize is the number of files fed per reconcile batch.
const DefaultReconcileBatchSize = 200

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Root        string
	Filter      *watcher.Filter
	Policy      AccessPolicy
	Cache       ChangeCache
	Coordinator *Coordinator
	BatchSize   int
	// Progress, when set, is called after every batch.
	Progress ProgressFunc
	Logger   *slog.Logger
}

// ProgressFunc receives the number of events processed so far, the total
// for the pass and the summary of the batch just finished.
type ProgressFunc func(done, total int, summary BatchSummary)

// ReconcileResult contains the outcome of a reconcile pass.
type ReconcileResult struct {
	// Candidates is the number of indexable files found on disk.
	Candidates int
	// Removed is the number of cached paths that are gone or now excluded.
	Removed int
	Batches int

	Success int
	Skipped int
	Errors  int

	Duration time.Duration
	// LastBatchError is the most recent vector store failure, if any.
	LastBatchError error
}

// Reconciler brings the index up to date with the workspace on disk. A
// candidate file already in the change cache is reported as changed, any
// other as created; the cache skips unchanged ones. Cache entries without a
// file on disk are reported as deleted.
type Reconciler struct {
	cfg    ReconcilerConfig
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReconcileBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{cfg: cfg, logger: logger}
}

// Run walks the workspace and processes the resulting events in bounded
// batches. It stops between batches when ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileResult, error) {
	start := time.Now()
	r.logger.Info("reconcile_started", slog.String("path", r.cfg.Root))

	candidates, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var events []watcher.FileEvent
	for _, path := range r.cfg.Cache.Paths() {
		if !candidates[path] {
			events = append(events, watcher.FileEvent{Path: path, Kind: watcher.EventDelete, ObservedAt: now})
		}
	}
	result := &ReconcileResult{Candidates: len(candidates), Removed: len(events)}

	paths := make([]string, 0, len(candidates))
	for path := range candidates {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		kind := watcher.EventCreate
		if _, ok := r.cfg.Cache.Get(path); ok {
			kind = watcher.EventChange
		}
		events = append(events, watcher.FileEvent{Path: path, Kind: kind, ObservedAt: now})
	}

	for i := 0; i < len(events); i += r.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := min(i+r.cfg.BatchSize, len(events))
		summary := r.cfg.Coordinator.ProcessEvents(ctx, events[i:end])

		result.Batches++
		if r.cfg.Progress != nil {
			r.cfg.Progress(end, len(events), summary)
		}
		result.Success += summary.Count(StatusSuccess)
		result.Skipped += summary.Count(StatusSkipped)
		result.Errors += summary.Count(StatusError)
		if summary.BatchError != nil {
			result.LastBatchError = summary.BatchError
		}
	}

	result.Duration = time.Since(start)
	r.logger.Info("reconcile_complete",
		slog.String("path", r.cfg.Root),
		slog.Int("candidates", result.Candidates),
		slog.Int("removed", result.Removed),
		slog.Int("batches", result.Batches),
		slog.Int("success", result.Success),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors),
		slog.Int64("duration_ms", result.Duration.Milliseconds()))
	return result, nil
}

// scan returns the set of indexable files under the root.
func (r *Reconciler) scan(ctx context.Context) (map[string]bool, error) {
	files := make(map[string]bool)
	err := filepath.WalkDir(r.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Warn("reconcile_skip_path",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != r.cfg.Root && r.cfg.Filter.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !r.cfg.Filter.WantFile(path) {
			return nil
		}
		if r.cfg.Policy != nil && !r.cfg.Policy.ValidateAccess(path) {
			return nil
		}
		files[filepath.Clean(path)] = true
		return nil
	})
	return files, err
}
