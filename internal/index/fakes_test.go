package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanindex/internal/cache"
	"github.com/Aman-CERP/amanindex/internal/chunk"
	"github.com/Aman-CERP/amanindex/internal/embed"
	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
	"github.com/Aman-CERP/amanindex/internal/store"
)

var errUnavailable = amerrors.New(amerrors.ErrCodeNetworkUnavailable, "store unavailable", nil)

// fakeStore records writes and can fail a number of calls.
type fakeStore struct {
	mu          sync.Mutex
	points      map[string]store.Point
	ops         []string
	deleteCalls [][]string
	staleCalls  []string
	upsertCalls int

	failDeletes int
	failStale   int
	failUpserts int
	failErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{points: make(map[string]store.Point), failErr: errUnavailable}
}

func (f *fakeStore) UpsertPoints(_ context.Context, points []store.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	f.ops = append(f.ops, "upsert")
	if f.failUpserts != 0 {
		if f.failUpserts > 0 {
			f.failUpserts--
		}
		return f.failErr
	}
	for _, p := range points {
		f.points[p.ID] = p
	}
	return nil
}

func (f *fakeStore) DeletePointsByMultipleFilePaths(_ context.Context, paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, append([]string(nil), paths...))
	f.ops = append(f.ops, "delete")
	if f.failDeletes != 0 {
		if f.failDeletes > 0 {
			f.failDeletes--
		}
		return f.failErr
	}
	drop := make(map[string]bool, len(paths))
	for _, p := range paths {
		drop[p] = true
	}
	for id, p := range f.points {
		if drop[p.Payload.FilePath] {
			delete(f.points, id)
		}
	}
	return nil
}

func (f *fakeStore) DeletePointsByFilePathExcept(_ context.Context, path string, keepIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCalls = append(f.staleCalls, path)
	f.ops = append(f.ops, "delete_stale")
	if f.failStale != 0 {
		if f.failStale > 0 {
			f.failStale--
		}
		return f.failErr
	}
	keep := make(map[string]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = true
	}
	for id, p := range f.points {
		if p.Payload.FilePath == path && !keep[id] {
			delete(f.points, id)
		}
	}
	return nil
}

func (f *fakeStore) pointsFor(path string) []store.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Point
	for _, p := range f.points {
		if p.Payload.FilePath == path {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeStore) calls() (deletes, upserts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleteCalls), f.upsertCalls
}

// fakeEmbedder returns a fixed vector per text and fails for texts that
// contain failOn.
type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	texts  int
	failOn string

	// gate, when set, holds every call until it is closed. entered
	// receives a value as each call starts waiting.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeEmbedder) CreateEmbeddings(_ context.Context, texts []string, _ string) (*embed.EmbeddingResponse, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts += len(texts)
	resp := &embed.EmbeddingResponse{}
	for _, t := range texts {
		if f.failOn != "" && strings.Contains(t, f.failOn) {
			return nil, amerrors.New(amerrors.ErrCodeEmbeddingFailed, "embedding rejected", nil)
		}
		resp.Embeddings = append(resp.Embeddings, []float32{1, 0.5, 0.25, 0})
	}
	return resp, nil
}

func (f *fakeEmbedder) ValidateConfiguration(context.Context) embed.ValidationResult {
	return embed.ValidationResult{Valid: true}
}

func (f *fakeEmbedder) ModelName() string { return "fake-model" }

func (f *fakeEmbedder) Dimensions() int { return 4 }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// lineSegmenter yields one block per file.
type lineSegmenter struct {
	mu    sync.Mutex
	calls int
}

func (l *lineSegmenter) ParseFile(_ context.Context, path string, content []byte, fileHash string) ([]chunk.CodeBlock, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()

	text := string(content)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []chunk.CodeBlock{{
		FilePath:    path,
		Type:        chunk.BlockTypeFile,
		StartLine:   1,
		EndLine:     strings.Count(text, "\n") + 1,
		Content:     text,
		FileHash:    fileHash,
		SegmentHash: chunk.HashContent([]byte(path + ":" + text)),
	}}, nil
}

func (l *lineSegmenter) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// countingCache counts batch writes to the change cache and can fail deletes.
type countingCache struct {
	*cache.Cache

	mu         sync.Mutex
	setMany    int
	failDelete error
}

func (c *countingCache) Delete(ctx context.Context, paths ...string) error {
	c.mu.Lock()
	err := c.failDelete
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Cache.Delete(ctx, paths...)
}

func (c *countingCache) SetMany(ctx context.Context, entries map[string]string) error {
	c.mu.Lock()
	c.setMany++
	c.mu.Unlock()
	return c.Cache.SetMany(ctx, entries)
}

func (c *countingCache) setManyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setMany
}

// denyPolicy rejects paths containing any of its fragments.
type denyPolicy []string

func (d denyPolicy) ValidateAccess(absPath string) bool {
	for _, frag := range d {
		if strings.Contains(absPath, frag) {
			return false
		}
	}
	return true
}

type harness struct {
	root      string
	store     *fakeStore
	embedder  *fakeEmbedder
	segmenter *lineSegmenter
	cache     *cache.Cache
	writes    *countingCache
	coord     *Coordinator
}

func newHarness(t *testing.T, mutate ...func(*CoordinatorConfig)) *harness {
	t.Helper()
	c, err := cache.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	h := &harness{
		root:      t.TempDir(),
		store:     newFakeStore(),
		embedder:  &fakeEmbedder{},
		segmenter: &lineSegmenter{},
		cache:     c,
		writes:    &countingCache{Cache: c},
	}
	cfg := CoordinatorConfig{
		Root:      h.root,
		Store:     h.store,
		Embedder:  h.embedder,
		Segmenter: h.segmenter,
		Cache:     h.writes,
		Debounce:  20 * time.Millisecond,
		Retry:     amerrors.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.coord = NewCoordinator(cfg)
	t.Cleanup(h.coord.Close)
	return h
}

func (h *harness) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func isRetryExhausted(err error) bool {
	return err != nil && strings.Contains(err.Error(), "failed after 3 retries") && errors.Is(err, errUnavailable)
}
