package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestColumnar(t *testing.T, dataDir string, dims int) *ColumnarStore {
	t.Helper()
	s, err := NewColumnarStore(Config{Workspace: "/work/project", Dimensions: dims, DataDir: dataDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestColumnarStore_WritesMetadataTable(t *testing.T) {
	// Given: a fresh columnar store
	dataDir := t.TempDir()
	s := newTestColumnar(t, dataDir, 8)

	// When: initializing
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)

	// Then: the metadata records the configured dimensions
	meta, err := s.readMeta()
	require.NoError(t, err)
	assert.Equal(t, 8, meta.Dimensions)
	assert.Equal(t, columnarFormatVersion, meta.Version)
	assert.FileExists(t, filepath.Join(dataDir, "columnar", CollectionName("/work/project"), columnarPointsFile))
}

func TestColumnarStore_CorruptMetadataRecreates(t *testing.T) {
	dataDir := t.TempDir()
	s := newTestColumnar(t, dataDir, 4)
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	metaPath := filepath.Join(dataDir, "columnar", CollectionName("/work/project"), columnarMetaFile)
	require.NoError(t, os.WriteFile(metaPath, []byte("not gob"), 0o644))

	again := newTestColumnar(t, dataDir, 4)
	created, err := again.Initialize(context.Background())

	require.NoError(t, err)
	assert.True(t, created)
}

func TestColumnarStore_CompactsOrphans(t *testing.T) {
	// Given: many points replaced repeatedly
	s := newTestColumnar(t, t.TempDir(), 4)
	ctx := context.Background()
	_, err := s.Initialize(ctx)
	require.NoError(t, err)

	var points []Point
	for i := 0; i < 10; i++ {
		points = append(points, point(fmt.Sprintf("f%d.go", i), 1, 1, float32(i)/10, 0, 0))
	}
	for round := 0; round < 10; round++ {
		require.NoError(t, s.UpsertPoints(ctx, points))
	}

	// Then: orphans never exceed the compaction bound and all points are live
	assert.Equal(t, 10, s.Count())
	assert.Less(t, s.orphans(), compactMinOrphans+len(points))
	results, err := s.Search(ctx, []float32{1, 0, 0, 0}, SearchOptions{MaxResults: 20})
	require.NoError(t, err)
	assert.Len(t, results, 10)
}

func TestColumnarStore_RequiresInitialize(t *testing.T) {
	s := newTestColumnar(t, t.TempDir(), 4)

	err := s.UpsertPoints(context.Background(), []Point{point("a.go", 1, 1, 0, 0, 0)})

	assert.ErrorContains(t, err, "not initialized")
}

func TestNormalizeVectorInPlace(t *testing.T) {
	v := []float32{3, 4}
	normalizeVectorInPlace(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	normalizeVectorInPlace(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}
