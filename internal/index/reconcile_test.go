package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanindex/internal/ignore"
	"github.com/Aman-CERP/amanindex/internal/watcher"
)

func newReconciler(t *testing.T, h *harness, batchSize int) *Reconciler {
	t.Helper()
	policy, err := ignore.New(h.root, []string{"node_modules/"})
	require.NoError(t, err)
	return NewReconciler(ReconcilerConfig{
		Root:        h.root,
		Filter:      watcher.NewFilter(h.root, policy, []string{".go"}),
		Policy:      policy,
		Cache:       h.cache,
		Coordinator: h.coord,
		BatchSize:   batchSize,
	})
}

func TestReconciler_IndexesCandidatesAndRemovesStaleEntries(t *testing.T) {
	// Given: two source files, an ignored one, a foreign extension and a
	// cache entry for a file that no longer exists
	h := newHarness(t)
	a := h.write(t, "a.go", goSource)
	b := h.write(t, "pkg/b.go", goSource+"\n// b\n")
	h.write(t, "node_modules/dep/x.go", goSource)
	h.write(t, "README.md", "# readme\n")
	gone := filepath.Join(h.root, "gone.go")
	require.NoError(t, h.cache.SetMany(context.Background(), map[string]string{gone: "deadbeef"}))

	// When: reconciling in batches of two
	result, err := newReconciler(t, h, 2).Run(context.Background())
	require.NoError(t, err)

	// Then: both candidates are indexed and the stale entry is removed
	assert.Equal(t, 2, result.Candidates)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 2, result.Batches)
	assert.Equal(t, 3, result.Success)
	assert.Zero(t, result.Errors)
	assert.NoError(t, result.LastBatchError)

	assert.ElementsMatch(t, []string{a, b}, h.cache.Paths())
	assert.Equal(t, [][]string{{gone}}, h.store.deleteCalls)
}

func TestReconciler_ReportsProgressPerBatch(t *testing.T) {
	// Given: three files reconciled in batches of two
	h := newHarness(t)
	h.write(t, "a.go", goSource)
	h.write(t, "b.go", goSource+"\n// b\n")
	h.write(t, "c.go", goSource+"\n// c\n")
	r := newReconciler(t, h, 2)

	type step struct{ done, total, files int }
	var steps []step
	r.cfg.Progress = func(done, total int, summary BatchSummary) {
		steps = append(steps, step{done, total, len(summary.ProcessedFiles)})
	}

	// When: reconciling
	_, err := r.Run(context.Background())

	// Then: each batch reports the running count
	require.NoError(t, err)
	assert.Equal(t, []step{{2, 3, 2}, {3, 3, 1}}, steps)
}

func TestReconciler_SecondRunSkipsUnchangedFiles(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.go", goSource)
	h.write(t, "b.go", goSource+"\n// b\n")

	_, err := newReconciler(t, h, 10).Run(context.Background())
	require.NoError(t, err)
	calls := h.embedder.callCount()

	result, err := newReconciler(t, h, 10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, calls, h.embedder.callCount())
}

func TestReconciler_OfflineEditReplacesPreviousPoints(t *testing.T) {
	// Given: an indexed file edited while nothing was watching
	h := newHarness(t)
	a := h.write(t, "a.go", goSource)
	_, err := newReconciler(t, h, 10).Run(context.Background())
	require.NoError(t, err)
	edited := goSource + "\n// edited offline\n"
	h.write(t, "a.go", edited)

	// When: reconciling again
	result, err := newReconciler(t, h, 10).Run(context.Background())
	require.NoError(t, err)

	// Then: only the edited content remains indexed
	assert.Equal(t, 1, result.Success)
	points := h.store.pointsFor(a)
	require.Len(t, points, 1)
	assert.Equal(t, edited, points[0].Payload.CodeChunk)
	assert.Equal(t, []string{a}, h.store.staleCalls)
}

func TestReconciler_RemovesNewlyIgnoredFiles(t *testing.T) {
	// Given: a file indexed before node_modules was excluded
	h := newHarness(t)
	dep := h.write(t, "node_modules/dep.go", goSource)
	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(dep)})
	_, ok := h.cache.Get(dep)
	require.True(t, ok)

	// When: reconciling with the exclusion in place
	result, err := newReconciler(t, h, 10).Run(context.Background())
	require.NoError(t, err)

	// Then: its points and cache entry are removed
	assert.Equal(t, 1, result.Removed)
	_, ok = h.cache.Get(dep)
	assert.False(t, ok)
	assert.Empty(t, h.store.pointsFor(dep))
}

func TestReconciler_ReportsBatchErrors(t *testing.T) {
	h := newHarness(t)
	h.store.failUpserts = -1
	h.write(t, "a.go", goSource)

	result, err := newReconciler(t, h, 10).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
	assert.True(t, isRetryExhausted(result.LastBatchError))
}

func TestReconciler_StopsWhenCancelled(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.go", goSource)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newReconciler(t, h, 10).Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.embedder.callCount())
}
