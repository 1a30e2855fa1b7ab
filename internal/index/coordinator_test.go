package index

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
	"github.com/Aman-CERP/amanindex/internal/store"
	"github.com/Aman-CERP/amanindex/internal/watcher"
)

func create(path string) watcher.FileEvent {
	return watcher.FileEvent{Path: path, Kind: watcher.EventCreate}
}

func change(path string) watcher.FileEvent {
	return watcher.FileEvent{Path: path, Kind: watcher.EventChange}
}

func remove(path string) watcher.FileEvent {
	return watcher.FileEvent{Path: path, Kind: watcher.EventDelete}
}

const goSource = "package a\n\nfunc A() int {\n\treturn 1\n}\n"

func requireResult(t *testing.T, s BatchSummary, path string, status FileStatus, reason string) FileResult {
	t.Helper()
	r, ok := s.Result(path)
	require.True(t, ok, "no result for %s", path)
	assert.Equal(t, status, r.Status, "status of %s", path)
	assert.Equal(t, reason, r.Reason, "reason of %s", path)
	return r
}

func TestProcessEvents_IndexesNewFile(t *testing.T) {
	// Given: a new source file
	h := newHarness(t)
	path := h.write(t, "src/a.go", goSource)

	// When: a create event is processed
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})

	// Then: the file is stored with a deterministic point ID and cached
	require.NoError(t, summary.BatchError)
	requireResult(t, summary, path, StatusSuccess, "")

	points := h.store.pointsFor(path)
	require.Len(t, points, 1)
	assert.Equal(t, goSource, points[0].Payload.CodeChunk)
	assert.Equal(t, 1, points[0].Payload.StartLine)

	hash, ok := h.cache.Get(path)
	assert.True(t, ok)
	assert.Len(t, hash, 64)

	deletes, upserts := h.store.calls()
	assert.Equal(t, 0, deletes)
	assert.Equal(t, 1, upserts)
	assert.Empty(t, h.store.staleCalls, "new files have no superseded points")
}

func TestProcessEvents_PointIDsAreWorkspaceRelative(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "pkg/b.go", goSource)

	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})

	points := h.store.pointsFor(path)
	require.Len(t, points, 1)
	block, err := (&lineSegmenter{}).ParseFile(context.Background(), path, []byte(goSource), "")
	require.NoError(t, err)
	assert.Equal(t, store.PointID("pkg/b.go", block[0].SegmentHash), points[0].ID)
}

func TestProcessEvents_UnchangedFileIsSkipped(t *testing.T) {
	// Given: an indexed file
	h := newHarness(t)
	path := h.write(t, "a.go", goSource)
	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})
	require.Equal(t, 1, h.embedder.callCount())

	// When: a change event arrives without a content change
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{change(path)})

	// Then: nothing is embedded or written
	requireResult(t, summary, path, StatusSkipped, ReasonUnchanged)
	assert.Equal(t, 1, h.embedder.callCount())
	_, upserts := h.store.calls()
	assert.Equal(t, 1, upserts)
}

func TestProcessEvents_ChangedFileReplacesStalePoints(t *testing.T) {
	// Given: an indexed file
	h := newHarness(t)
	path := h.write(t, "a.go", goSource)
	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})
	oldHash, _ := h.cache.Get(path)

	// When: its content changes
	updated := goSource + "\nfunc B() int {\n\treturn 2\n}\n"
	h.write(t, "a.go", updated)
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{change(path)})

	// Then: new points are written first, then the superseded ones removed
	requireResult(t, summary, path, StatusSuccess, "")
	assert.Equal(t, []string{"upsert", "upsert", "delete_stale"}, h.store.ops)
	assert.Empty(t, h.store.deleteCalls)
	assert.Equal(t, []string{path}, h.store.staleCalls)

	points := h.store.pointsFor(path)
	require.Len(t, points, 1)
	assert.Equal(t, updated, points[0].Payload.CodeChunk)

	newHash, _ := h.cache.Get(path)
	assert.NotEqual(t, oldHash, newHash)
}

func TestProcessEvents_RecreatedFileIssuesNoDelete(t *testing.T) {
	// Given: an indexed file that is removed and written again with new content
	h := newHarness(t)
	path := h.write(t, "f.go", goSource)
	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})
	recreated := goSource + "\n// recreated\n"
	h.write(t, "f.go", recreated)

	// When: delete and create land in the same batch
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{remove(path), create(path)})

	// Then: the create wins and no delete of any kind reaches the store
	require.NoError(t, summary.BatchError)
	require.Len(t, summary.ProcessedFiles, 1)
	requireResult(t, summary, path, StatusSuccess, "")
	assert.Empty(t, h.store.deleteCalls)
	assert.Empty(t, h.store.staleCalls)

	var chunks []string
	for _, p := range h.store.pointsFor(path) {
		chunks = append(chunks, p.Payload.CodeChunk)
	}
	assert.Contains(t, chunks, recreated)
}

func TestProcessEvents_FailedUpsertKeepsPreviousPoints(t *testing.T) {
	// Given: an indexed file that is then edited
	h := newHarness(t)
	path := h.write(t, "a.go", goSource)
	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})
	oldHash, _ := h.cache.Get(path)
	h.write(t, "a.go", goSource+"\n// edited\n")

	// When: every upsert fails
	h.store.failUpserts = -1
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{change(path)})

	// Then: the old points and cache entry survive and nothing was deleted
	assert.True(t, isRetryExhausted(summary.BatchError), "got %v", summary.BatchError)
	requireResult(t, summary, path, StatusError, "")
	assert.Empty(t, h.store.staleCalls)
	points := h.store.pointsFor(path)
	require.Len(t, points, 1)
	assert.Equal(t, goSource, points[0].Payload.CodeChunk)
	hash, _ := h.cache.Get(path)
	assert.Equal(t, oldHash, hash)
}

func TestProcessEvents_DeleteRemovesPointsAndCacheEntry(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "a.go", goSource)
	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})
	require.NoError(t, os.Remove(path))

	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{remove(path)})

	requireResult(t, summary, path, StatusSuccess, ReasonDeleted)
	assert.Empty(t, h.store.pointsFor(path))
	_, ok := h.cache.Get(path)
	assert.False(t, ok)
}

func TestProcessEvents_DeletesAreOneCall(t *testing.T) {
	h := newHarness(t)
	a, b := h.write(t, "a.go", goSource), h.write(t, "b.go", goSource)

	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{remove(b), remove(a)})

	assert.Equal(t, [][]string{{a, b}}, h.store.deleteCalls)
}

func TestProcessEvents_LaterEventForPathWins(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "a.go", goSource)

	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path), remove(path)})

	require.Len(t, summary.ProcessedFiles, 1)
	requireResult(t, summary, path, StatusSuccess, ReasonDeleted)
	_, upserts := h.store.calls()
	assert.Equal(t, 0, upserts)
}

func TestProcessEvents_PolicySkips(t *testing.T) {
	tests := []struct {
		name   string
		rel    string
		size   int
		reason string
	}{
		{"ignored path", "vendor/x.go", 10, ReasonIgnored},
		{"too large", "big.go", 2048, ReasonTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *CoordinatorConfig) {
				c.Policy = denyPolicy{"vendor"}
				c.MaxFileSize = 1024
			})
			path := h.write(t, tt.rel, strings.Repeat("x", tt.size))

			summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})

			r := requireResult(t, summary, path, StatusSkipped, tt.reason)
			assert.NoError(t, r.Err)
			assert.NoError(t, summary.BatchError)
			assert.Equal(t, 0, h.segmenter.callCount())
			assert.Equal(t, 0, h.embedder.callCount())
			_, ok := h.cache.Get(path)
			assert.False(t, ok)
		})
	}
}

func TestProcessEvents_LocalFailuresAreIsolated(t *testing.T) {
	// Given: one file the embedder rejects, one missing file and one good file
	h := newHarness(t)
	h.embedder.failOn = "REJECT"
	bad := h.write(t, "bad.go", "package bad // REJECT\n")
	good := h.write(t, "good.go", goSource)
	missing := h.root + "/missing.go"

	// When: all three are processed together
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{
		create(bad), create(good), create(missing),
	})

	// Then: only the failing files are errors and the batch itself succeeds
	assert.NoError(t, summary.BatchError)
	requireResult(t, summary, good, StatusSuccess, "")
	rBad := requireResult(t, summary, bad, StatusError, "")
	assert.Error(t, rBad.Err)
	rMissing := requireResult(t, summary, missing, StatusError, "")
	assert.Equal(t, amerrors.ErrCodeFileNotFound, amerrors.GetCode(rMissing.Err))

	_, ok := h.cache.Get(bad)
	assert.False(t, ok)
	_, ok = h.cache.Get(good)
	assert.True(t, ok)
}

func TestProcessEvents_FailedDeleteFailsWholeBatch(t *testing.T) {
	// Given: a store that rejects every delete
	h := newHarness(t)
	h.store.failDeletes = -1
	gone := h.write(t, "gone.go", goSource)
	fresh := h.write(t, "fresh.go", goSource)

	// When: a batch mixes a delete and a create
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{remove(gone), create(fresh)})

	// Then: the delete is tried exactly MaxRetries times and nothing is upserted
	assert.True(t, isRetryExhausted(summary.BatchError), "got %v", summary.BatchError)
	deletes, upserts := h.store.calls()
	assert.Equal(t, 3, deletes)
	assert.Equal(t, 0, upserts)
	assert.Equal(t, 0, h.embedder.callCount())

	// And: every file in the batch carries the batch error
	require.Len(t, summary.ProcessedFiles, 2)
	for _, r := range summary.ProcessedFiles {
		assert.Equal(t, StatusError, r.Status)
		assert.Equal(t, summary.BatchError, r.Err)
	}
	_, ok := h.cache.Get(fresh)
	assert.False(t, ok)
}

func TestProcessEvents_UpsertRetriesThenCommitsCache(t *testing.T) {
	// Given: a store that fails the first two upserts
	h := newHarness(t)
	h.store.failUpserts = 2
	path := h.write(t, "a.go", goSource)

	// When: a file is indexed
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})

	// Then: the third attempt succeeds and the cache is written once
	require.NoError(t, summary.BatchError)
	requireResult(t, summary, path, StatusSuccess, "")
	_, upserts := h.store.calls()
	assert.Equal(t, 3, upserts)
	assert.Equal(t, 1, h.writes.setManyCalls())
	_, ok := h.cache.Get(path)
	assert.True(t, ok)
}

func TestProcessEvents_UpsertExhaustionLeavesCacheUntouched(t *testing.T) {
	// Given: a store that rejects every upsert
	h := newHarness(t)
	h.store.failUpserts = -1
	a := h.write(t, "a.go", goSource)
	b := h.write(t, "b.go", goSource+"\n// b\n")

	// When: two files are indexed
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(a), create(b)})

	// Then: one upsert call carried both files, retried three times
	assert.True(t, isRetryExhausted(summary.BatchError), "got %v", summary.BatchError)
	_, upserts := h.store.calls()
	assert.Equal(t, 3, upserts)
	assert.Zero(t, h.writes.setManyCalls())
	for _, path := range []string{a, b} {
		requireResult(t, summary, path, StatusError, "")
		_, ok := h.cache.Get(path)
		assert.False(t, ok, "cache must not record %s", path)
	}

	// And: a later successful batch indexes them again
	h.store.failUpserts = 0
	summary = h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{change(a), change(b)})
	require.NoError(t, summary.BatchError)
	assert.Equal(t, 2, summary.Count(StatusSuccess))
}

func TestProcessEvents_PermanentErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.store.failUpserts = -1
	h.store.failErr = amerrors.Permanent(amerrors.StoreError("schema rejected", nil))
	path := h.write(t, "a.go", goSource)

	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})

	require.Error(t, summary.BatchError)
	assert.True(t, amerrors.IsPermanent(summary.BatchError))
	_, upserts := h.store.calls()
	assert.Equal(t, 1, upserts)
}

func TestProcessEvents_FailedStaleDeleteOnlyAffectsReplacedFiles(t *testing.T) {
	// Given: one indexed file that then changes, and one new file
	h := newHarness(t)
	old := h.write(t, "old.go", goSource)
	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(old)})
	oldHash, _ := h.cache.Get(old)
	edited := goSource + "\n// edited\n"
	h.write(t, "old.go", edited)
	fresh := h.write(t, "fresh.go", goSource+"\n// fresh\n")

	// When: removing superseded points keeps failing
	h.store.failStale = -1
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{change(old), create(fresh)})

	// Then: the replaced file fails, the new one is still indexed
	require.Error(t, summary.BatchError)
	requireResult(t, summary, old, StatusError, "")
	requireResult(t, summary, fresh, StatusSuccess, "")
	_, ok := h.cache.Get(fresh)
	assert.True(t, ok)

	// And: the edit is searchable but the cache still holds the old hash,
	// so the next change retries the cleanup
	var chunks []string
	for _, p := range h.store.pointsFor(old) {
		chunks = append(chunks, p.Payload.CodeChunk)
	}
	assert.Contains(t, chunks, edited)
	hash, _ := h.cache.Get(old)
	assert.Equal(t, oldHash, hash)
}

func TestProcessEvents_CacheDeleteFailureSetsBatchError(t *testing.T) {
	// Given: a change cache that rejects deletes
	h := newHarness(t)
	path := h.write(t, "a.go", goSource)
	h.writes.failDelete = errors.New("disk full")

	// When: a delete is processed
	summary := h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{remove(path)})

	// Then: the path fails and the batch reports the failure
	require.ErrorContains(t, summary.BatchError, "disk full")
	r := requireResult(t, summary, path, StatusError, "")
	assert.Equal(t, summary.BatchError, r.Err)
}

func TestProcessEvents_EmptyBatch(t *testing.T) {
	h := newHarness(t)
	var got []BatchSummary
	h.coord.OnBatchFinished(func(s BatchSummary) { got = append(got, s) })

	summary := h.coord.ProcessEvents(context.Background(), nil)

	assert.NotNil(t, summary.ProcessedFiles)
	assert.Empty(t, summary.ProcessedFiles)
	assert.NoError(t, summary.BatchError)
	deletes, upserts := h.store.calls()
	assert.Zero(t, deletes+upserts)
	assert.Len(t, got, 1)
}

func TestProcessEvents_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "a.go", goSource)

	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})
	first := h.store.pointsFor(path)
	require.NoError(t, h.cache.Delete(context.Background(), path))
	h.coord.ProcessEvents(context.Background(), []watcher.FileEvent{create(path)})

	assert.ElementsMatch(t, first, h.store.pointsFor(path))
}

// summaries collects non-empty batch summaries from a running coordinator.
type summaries struct {
	mu  sync.Mutex
	all []BatchSummary
}

func (s *summaries) add(b BatchSummary) {
	if len(b.ProcessedFiles) == 0 {
		return
	}
	s.mu.Lock()
	s.all = append(s.all, b)
	s.mu.Unlock()
}

func (s *summaries) list() []BatchSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BatchSummary(nil), s.all...)
}

func runCoordinator(t *testing.T, h *harness) *summaries {
	t.Helper()
	got := &summaries{}
	h.coord.OnBatchFinished(got.add)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return got
}

func TestCoordinator_DebouncesNotificationsIntoOneBatch(t *testing.T) {
	// Given: a running coordinator
	h := newHarness(t, func(c *CoordinatorConfig) { c.Debounce = 200 * time.Millisecond })
	got := runCoordinator(t, h)
	a, b := h.write(t, "a.go", goSource), h.write(t, "b.go", goSource+"\n// b\n")

	// When: several events arrive inside the debounce window
	h.coord.Notify(create(a))
	h.coord.Notify(change(a))
	h.coord.Notify(create(b))

	// Then: they are processed as one batch with one result per path
	require.Eventually(t, func() bool { return len(got.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	batch := got.list()[0]
	assert.Len(t, batch.ProcessedFiles, 2)
	assert.Equal(t, 2, batch.Count(StatusSuccess))
	assert.Equal(t, 0, h.coord.Pending())
}

func TestCoordinator_EventsDuringBatchGoToNextBatch(t *testing.T) {
	// Given: a running coordinator whose embedder blocks until released
	h := newHarness(t, func(c *CoordinatorConfig) { c.Debounce = 20 * time.Millisecond })
	h.embedder.gate = make(chan struct{})
	h.embedder.entered = make(chan struct{}, 4)
	got := runCoordinator(t, h)
	release := sync.OnceFunc(func() { close(h.embedder.gate) })
	t.Cleanup(release)
	a, b := h.write(t, "a.go", goSource), h.write(t, "b.go", goSource+"\n// b\n")

	// When: b is notified while the batch for a is embedding
	h.coord.Notify(create(a))
	select {
	case <-h.embedder.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first batch never reached the embedder")
	}
	h.coord.Notify(create(b))
	assert.Equal(t, 1, h.coord.Pending())
	release()

	// Then: a and b are processed in separate batches, in order
	require.Eventually(t, func() bool { return len(got.list()) == 2 }, 2*time.Second, 5*time.Millisecond)
	batches := got.list()
	require.Len(t, batches[0].ProcessedFiles, 1)
	assert.Equal(t, a, batches[0].ProcessedFiles[0].Path)
	require.Len(t, batches[1].ProcessedFiles, 1)
	assert.Equal(t, b, batches[1].ProcessedFiles[0].Path)
}

func TestCoordinator_LatestEventWins(t *testing.T) {
	h := newHarness(t, func(c *CoordinatorConfig) { c.Debounce = 200 * time.Millisecond })
	got := runCoordinator(t, h)
	path := h.write(t, "a.go", goSource)

	h.coord.Notify(create(path))
	h.coord.Notify(remove(path))

	require.Eventually(t, func() bool { return len(got.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	requireResult(t, got.list()[0], path, StatusSuccess, ReasonDeleted)
	_, upserts := h.store.calls()
	assert.Equal(t, 0, upserts)
}

func TestCoordinator_FlushSkipsTheTimer(t *testing.T) {
	h := newHarness(t, func(c *CoordinatorConfig) { c.Debounce = time.Hour })
	got := runCoordinator(t, h)
	path := h.write(t, "a.go", goSource)

	h.coord.Notify(create(path))
	h.coord.Flush()

	require.Eventually(t, func() bool { return len(got.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_CloseDiscardsPending(t *testing.T) {
	h := newHarness(t, func(c *CoordinatorConfig) { c.Debounce = time.Hour })
	path := h.write(t, "a.go", goSource)

	h.coord.Notify(create(path))
	require.Equal(t, 1, h.coord.Pending())
	h.coord.Close()

	assert.Equal(t, 0, h.coord.Pending())
	h.coord.Notify(create(path))
	assert.Equal(t, 0, h.coord.Pending())
	assert.NoError(t, h.coord.Run(context.Background()))
}

func TestCoordinator_Unsubscribe(t *testing.T) {
	h := newHarness(t)
	calls := 0
	unsubscribe := h.coord.OnBatchFinished(func(BatchSummary) { calls++ })

	h.coord.ProcessEvents(context.Background(), nil)
	unsubscribe()
	h.coord.ProcessEvents(context.Background(), nil)

	assert.Equal(t, 1, calls)
}
