package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amanindex/internal/cache"
	"github.com/Aman-CERP/amanindex/internal/chunk"
	"github.com/Aman-CERP/amanindex/internal/config"
	"github.com/Aman-CERP/amanindex/internal/embed"
	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
	"github.com/Aman-CERP/amanindex/internal/ignore"
	"github.com/Aman-CERP/amanindex/internal/search"
	"github.com/Aman-CERP/amanindex/internal/store"
	"github.com/Aman-CERP/amanindex/internal/watcher"
)

// CacheFileName is the change cache database inside the data directory.
const CacheFileName = "cache.db"

// State is the indexing state reported by Status.
type State string

// Manager states.
const (
	StateStandby  State = "standby"
	StateIndexing State = "indexing"
	StateIndexed  State = "indexed"
	StateError    State = "error"
)

// BatchStats condenses the most recent batch summary.
type BatchStats struct {
	Files      int       `json:"files"`
	Success    int       `json:"success"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Status describes a workspace index.
type Status struct {
	State        State       `json:"state"`
	Root         string      `json:"root"`
	DataDir      string      `json:"dataDir"`
	Backend      string      `json:"backend"`
	Model        string      `json:"model"`
	Dimensions   int         `json:"dimensions"`
	IndexedFiles int         `json:"indexedFiles"`
	Pending      int         `json:"pending"`
	LastBatch    *BatchStats `json:"lastBatch,omitempty"`
	LastError    string      `json:"lastError,omitempty"`
}

// Options configures Open.
type Options struct {
	// Root is the workspace root.
	Root   string
	Config *config.Config

	// ReadOnly opens an existing index for searching without taking the
	// writer lock. Indexing operations are refused.
	ReadOnly bool

	// Embedder and Store replace the configured ones, mainly for tests.
	Embedder embed.Embedder
	Store    store.VectorStore

	Logger *slog.Logger
}

// Manager owns every component of one workspace index.
type Manager struct {
	root     string
	dataDir  string
	cfg      *config.Config
	readOnly bool
	logger   *slog.Logger

	lock        *FileLock
	cache       *cache.Cache
	store       store.VectorStore
	embedder    *embed.CachedEmbedder
	dimensions  int
	policy      *ignore.Policy
	filter      *watcher.Filter
	coordinator *Coordinator
	searcher    *search.Service
	unsubscribe func()

	mu        sync.RWMutex
	state     State
	lastBatch *BatchStats
	lastErr   error
	closed    bool
}

// Open prepares the index for opts.Root: it takes the writer lock, opens the
// change cache and initializes the vector store. A newly created collection
// invalidates the change cache.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Config == nil {
		opts.Config = config.NewConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if info, statErr := os.Stat(root); statErr != nil || !info.IsDir() {
		return nil, amerrors.New(amerrors.ErrCodeInvalidPath, "workspace root is not a directory", statErr).
			WithDetail("path", root)
	}

	cfg := opts.Config
	m := &Manager{
		root:     root,
		dataDir:  cfg.WorkspaceDataDir(root),
		cfg:      cfg,
		readOnly: opts.ReadOnly,
		logger:   logger,
		state:    StateStandby,
	}
	opened := false
	defer func() {
		if !opened {
			_ = m.Close()
		}
	}()

	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return nil, amerrors.New(amerrors.ErrCodeFilePermission, "create data directory", err).
			WithDetail("path", m.dataDir)
	}
	if !m.readOnly {
		m.lock = NewFileLock(m.dataDir)
		if err := m.lock.TryLock(); err != nil {
			return nil, err
		}
	}

	inner := opts.Embedder
	if inner == nil {
		client, err := NewEmbedder(cfg, logger)
		if err != nil {
			return nil, err
		}
		inner = client
	}
	m.embedder = embed.NewCachedEmbedder(inner, cfg.Embedder.QueryCacheSize)

	m.dimensions = cfg.Embedder.Dimensions
	if m.dimensions == 0 {
		m.dimensions = inner.Dimensions()
	}
	if m.dimensions == 0 {
		dims, err := embed.DetectDimensions(ctx, inner)
		if err != nil {
			return nil, err
		}
		m.dimensions = dims
	}

	m.store = opts.Store
	if m.store == nil {
		vs, err := store.New(store.Config{
			Backend:      cfg.Store.Backend,
			Workspace:    root,
			Dimensions:   m.dimensions,
			DataDir:      m.dataDir,
			QdrantURL:    cfg.Store.QdrantURL,
			QdrantAPIKey: cfg.Store.QdrantAPIKey,
			Collection:   cfg.Store.Collection,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		m.store = vs
	}

	if m.readOnly {
		exists, err := m.store.CollectionExists(ctx)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, amerrors.New(amerrors.ErrCodeIndexFailed, "workspace has not been indexed", nil).
				WithDetail("root", root).
				WithSuggestion("run 'amanindex index' first")
		}
	}
	created, err := m.store.Initialize(ctx)
	if err != nil {
		return nil, err
	}

	changeCache, err := cache.Open(filepath.Join(m.dataDir, CacheFileName))
	if err != nil {
		return nil, err
	}
	m.cache = changeCache
	if created && !m.readOnly {
		logger.Info("collection_created_cache_reset",
			slog.String("root", root),
			slog.Int("dimensions", m.dimensions))
		if err := m.cache.Clear(ctx); err != nil {
			return nil, err
		}
	}

	policy, err := ignore.New(root, cfg.Watch.Exclude)
	if err != nil {
		return nil, amerrors.ConfigError("load ignore rules", err)
	}
	m.policy = policy
	m.filter = watcher.NewFilter(root, m.policy, cfg.Watch.Extensions)

	m.coordinator = NewCoordinator(CoordinatorConfig{
		Root:  root,
		Store: m.store,
		// Indexing bypasses the query cache; block texts rarely repeat.
		Embedder: inner,
		Segmenter: chunk.NewSegmenter(chunk.Options{
			MinBlockLines: cfg.Segment.MinBlockLines,
			MinBlockChars: cfg.Segment.MinBlockChars,
			MaxBlockChars: cfg.Segment.MaxBlockChars,
		}),
		Cache:       m.cache,
		Policy:      m.policy,
		Debounce:    cfg.Watch.Debounce,
		MaxFileSize: cfg.Watch.MaxFileSize,
		Retry: amerrors.RetryConfig{
			MaxRetries:   cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     30 * time.Second,
		},
		Logger: logger,
	})
	m.unsubscribe = m.coordinator.OnBatchFinished(m.recordBatch)

	searcher, err := search.New(m.embedder, m.store, search.Config{
		Root:       root,
		MinScore:   cfg.Search.MinScore,
		MaxResults: cfg.Search.MaxResults,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	m.searcher = searcher

	logger.Info("index_opened",
		slog.String("root", root),
		slog.String("data_dir", m.dataDir),
		slog.String("backend", cfg.Store.Backend),
		slog.String("model", inner.ModelName()),
		slog.Int("dimensions", m.dimensions),
		slog.Bool("read_only", m.readOnly),
		slog.Bool("collection_created", created))
	opened = true
	return m, nil
}

// NewEmbedder builds the configured embedding client.
func NewEmbedder(cfg *config.Config, logger *slog.Logger) (*embed.Client, error) {
	return embed.New(embed.Config{
		Provider:       cfg.Embedder.Provider,
		Model:          cfg.Embedder.Model,
		BaseURL:        cfg.Embedder.BaseURL,
		APIKey:         cfg.ResolveAPIKey(),
		Dimensions:     cfg.Embedder.Dimensions,
		MaxBatchTokens: cfg.Embedder.MaxBatchTokens,
		Retry:          embed.DefaultRetryConfig(),
		Logger:         logger,
	})
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Coordinator returns the batch coordinator.
func (m *Manager) Coordinator() *Coordinator { return m.coordinator }

// Embedder returns the query embedder.
func (m *Manager) Embedder() *embed.CachedEmbedder { return m.embedder }

// Search runs a query against the index.
func (m *Manager) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	return m.searcher.Search(ctx, query, opts)
}

func (m *Manager) checkWritable() error {
	if m.readOnly {
		return amerrors.New(amerrors.ErrCodeIndexLocked, "index was opened read-only", nil)
	}
	return nil
}

// Index brings the index up to date with the workspace.
func (m *Manager) Index(ctx context.Context) (*ReconcileResult, error) {
	return m.IndexWithProgress(ctx, nil)
}

// IndexWithProgress is Index with a per-batch progress callback.
func (m *Manager) IndexWithProgress(ctx context.Context, progress ProgressFunc) (*ReconcileResult, error) {
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	m.setState(StateIndexing, nil)

	result, err := NewReconciler(ReconcilerConfig{
		Root:        m.root,
		Filter:      m.filter,
		Policy:      m.policy,
		Cache:       m.cache,
		Coordinator: m.coordinator,
		BatchSize:   m.cfg.Watch.ReconcileBatchSize,
		Progress:    progress,
		Logger:      m.logger,
	}).Run(ctx)
	switch {
	case err != nil:
		m.setState(StateError, err)
		return result, err
	case result.LastBatchError != nil:
		m.setState(StateError, result.LastBatchError)
	default:
		m.setState(StateIndexed, nil)
	}
	return result, nil
}

// Watch indexes the workspace and then keeps it in sync until ctx is
// cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	if _, err := m.Index(ctx); err != nil {
		return err
	}

	w, err := watcher.New(m.root, m.policy, watcher.Options{Extensions: m.cfg.Watch.Extensions})
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.coordinator.Run(gctx) })
	g.Go(func() error { return w.Run(gctx, m.coordinator) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Clear removes every indexed point and cache entry, leaving an empty
// collection behind.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	m.coordinator.processMu.Lock()
	defer m.coordinator.processMu.Unlock()

	if err := m.store.DeleteCollection(ctx); err != nil {
		return err
	}
	if err := m.cache.Clear(ctx); err != nil {
		return err
	}
	if _, err := m.store.Initialize(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = StateStandby
	m.lastBatch = nil
	m.lastErr = nil
	m.mu.Unlock()
	m.logger.Info("index_cleared", slog.String("root", m.root))
	return nil
}

func (m *Manager) recordBatch(summary BatchSummary) {
	stats := &BatchStats{
		Files:      len(summary.ProcessedFiles),
		Success:    summary.Count(StatusSuccess),
		Skipped:    summary.Count(StatusSkipped),
		Errors:     summary.Count(StatusError),
		FinishedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBatch = stats
	if summary.BatchError != nil {
		m.state = StateError
		m.lastErr = summary.BatchError
		return
	}
	if m.state == StateError {
		m.state = StateIndexed
		m.lastErr = nil
	}
}

func (m *Manager) setState(state State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.lastErr = err
}

// Status reports the current state of the index.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		State:        m.state,
		Root:         m.root,
		DataDir:      m.dataDir,
		Backend:      m.cfg.Store.Backend,
		Model:        m.embedder.ModelName(),
		Dimensions:   m.dimensions,
		IndexedFiles: m.cache.Len(),
		Pending:      m.coordinator.Pending(),
	}
	if m.lastBatch != nil {
		b := *m.lastBatch
		s.LastBatch = &b
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Close stops the coordinator and releases the store, the cache and the
// writer lock. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.coordinator != nil {
		m.coordinator.Close()
		// Wait for a batch in flight.
		m.coordinator.processMu.Lock()
		defer m.coordinator.processMu.Unlock()
	}
	if m.store != nil {
		errs = append(errs, m.store.Close())
	}
	if m.cache != nil {
		errs = append(errs, m.cache.Close())
	}
	if m.lock != nil {
		errs = append(errs, m.lock.Unlock())
	}
	return errors.Join(errs...)
}
