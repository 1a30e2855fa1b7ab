package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
)

const (
	columnarFormatVersion = 1
	columnarPointsFile    = "points.gob"
	columnarMetaFile      = "meta.gob"

	// compactMinOrphans is the orphan count below which the graph is never
	// rebuilt.
	compactMinOrphans = 64
)

// columns is the on-disk record layout: one slice per field, row i of
// every slice describing the same point.
type columns struct {
	IDs        []string
	FilePaths  []string
	Chunks     []string
	StartLines []int
	EndLines   []int
	Vectors    [][]float32
}

func (c *columns) len() int { return len(c.IDs) }

func (c *columns) append(p Point) {
	c.IDs = append(c.IDs, p.ID)
	c.FilePaths = append(c.FilePaths, p.Payload.FilePath)
	c.Chunks = append(c.Chunks, p.Payload.CodeChunk)
	c.StartLines = append(c.StartLines, p.Payload.StartLine)
	c.EndLines = append(c.EndLines, p.Payload.EndLine)
	c.Vectors = append(c.Vectors, p.Vector)
}

func (c *columns) set(row int, p Point) {
	c.FilePaths[row] = p.Payload.FilePath
	c.Chunks[row] = p.Payload.CodeChunk
	c.StartLines[row] = p.Payload.StartLine
	c.EndLines[row] = p.Payload.EndLine
	c.Vectors[row] = p.Vector
}

func (c *columns) payload(row int) Payload {
	return Payload{
		FilePath:  c.FilePaths[row],
		CodeChunk: c.Chunks[row],
		StartLine: c.StartLines[row],
		EndLine:   c.EndLines[row],
	}
}

// columnarMeta is the secondary metadata table. Dimensions decides at
// Initialize whether the collection can be reused.
type columnarMeta struct {
	Version    int
	Collection string
	Dimensions int
}

// ColumnarStore keeps points in a column-oriented gob file and serves
// nearest-neighbour queries from an in-memory coder/hnsw graph that is
// rebuilt on load.
type ColumnarStore struct {
	mu         sync.RWMutex
	dir        string
	collection string
	workspace  string
	dims       int
	logger     *slog.Logger

	cols columns
	rows map[string]int // point ID -> row

	// Graph keys are never reused. Replaced and deleted points leave
	// orphan nodes in the graph that are skipped at search time.
	graph   *hnsw.Graph[uint64]
	idKey   map[string]uint64
	keyID   map[uint64]string
	nextKey uint64

	ready  bool
	closed bool
}

// Verify interface implementation at compile time
var _ VectorStore = (*ColumnarStore)(nil)

// NewColumnarStore creates a columnar store rooted at
// <DataDir>/columnar/<collection>. Nothing touches disk until Initialize.
func NewColumnarStore(cfg Config) (*ColumnarStore, error) {
	if cfg.DataDir == "" {
		return nil, amerrors.ConfigError("columnar store requires a data directory", nil)
	}
	if cfg.Dimensions <= 0 {
		return nil, amerrors.ConfigError("columnar store requires positive dimensions", nil)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = CollectionName(cfg.Workspace)
	}
	s := &ColumnarStore{
		dir:        filepath.Join(cfg.DataDir, "columnar", collection),
		collection: collection,
		workspace:  cfg.Workspace,
		dims:       cfg.Dimensions,
		logger:     cfg.logger(),
	}
	s.reset()
	return s, nil
}

func (s *ColumnarStore) reset() {
	s.cols = columns{}
	s.rows = make(map[string]int)
	s.resetGraph()
}

func (s *ColumnarStore) resetGraph() {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	s.graph = g
	s.idKey = make(map[string]uint64)
	s.keyID = make(map[uint64]string)
	s.nextKey = 0
}

// Initialize implements VectorStore.
func (s *ColumnarStore) Initialize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errStoreClosed()
	}

	meta, err := s.readMeta()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return true, s.createLocked()
	case err != nil:
		s.logger.Warn("columnar_meta_unreadable_recreating",
			slog.String("dir", s.dir), slog.String("error", err.Error()))
		return true, s.recreateLocked()
	case meta.Dimensions != s.dims:
		s.logger.Warn("collection_dimension_mismatch",
			slog.String("collection", s.collection),
			slog.Int("existing", meta.Dimensions),
			slog.Int("configured", s.dims))
		return true, s.recreateLocked()
	}

	if err := s.loadLocked(); err != nil {
		s.logger.Warn("columnar_points_unreadable_recreating",
			slog.String("dir", s.dir), slog.String("error", err.Error()))
		return true, s.recreateLocked()
	}
	s.ready = true
	return false, nil
}

func (s *ColumnarStore) createLocked() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return amerrors.StoreError("create columnar directory", err)
	}
	s.reset()
	if err := s.saveLocked(); err != nil {
		return err
	}
	meta := columnarMeta{Version: columnarFormatVersion, Collection: s.collection, Dimensions: s.dims}
	if err := writeGob(filepath.Join(s.dir, columnarMetaFile), meta); err != nil {
		return amerrors.StoreError("write columnar metadata", err)
	}
	s.ready = true
	return nil
}

func (s *ColumnarStore) recreateLocked() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return amerrors.StoreError("remove columnar collection", err)
	}
	return s.createLocked()
}

func (s *ColumnarStore) readMeta() (columnarMeta, error) {
	var meta columnarMeta
	err := readGob(filepath.Join(s.dir, columnarMetaFile), &meta)
	return meta, err
}

// loadLocked reads the point columns and rebuilds the graph.
func (s *ColumnarStore) loadLocked() error {
	s.reset()
	var cols columns
	if err := readGob(filepath.Join(s.dir, columnarPointsFile), &cols); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	n := cols.len()
	if len(cols.FilePaths) != n || len(cols.Chunks) != n || len(cols.StartLines) != n ||
		len(cols.EndLines) != n || len(cols.Vectors) != n {
		return fmt.Errorf("column length mismatch in %s", columnarPointsFile)
	}
	s.cols = cols
	for i, id := range cols.IDs {
		s.rows[id] = i
	}
	s.rebuildGraphLocked()
	return nil
}

func (s *ColumnarStore) saveLocked() error {
	if err := writeGob(filepath.Join(s.dir, columnarPointsFile), s.cols); err != nil {
		return amerrors.StoreError("write columnar points", err)
	}
	return nil
}

// rebuildGraphLocked indexes every live row into a fresh graph, dropping
// orphans.
func (s *ColumnarStore) rebuildGraphLocked() {
	s.resetGraph()
	for i, id := range s.cols.IDs {
		s.addNodeLocked(id, s.cols.Vectors[i])
	}
}

func (s *ColumnarStore) addNodeLocked(id string, vec []float32) {
	if old, ok := s.idKey[id]; ok {
		delete(s.keyID, old)
	}
	key := s.nextKey
	s.nextKey++
	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeVectorInPlace(normalized)
	s.graph.Add(hnsw.MakeNode(key, normalized))
	s.idKey[id] = key
	s.keyID[key] = id
}

func (s *ColumnarStore) orphans() int {
	return s.graph.Len() - len(s.keyID)
}

func (s *ColumnarStore) maybeCompactLocked() {
	orphans := s.orphans()
	if orphans >= compactMinOrphans && orphans > len(s.keyID) {
		s.logger.Debug("columnar_graph_compacted",
			slog.Int("orphans", orphans), slog.Int("live", len(s.keyID)))
		s.rebuildGraphLocked()
	}
}

// checkReady returns an error when the store cannot serve requests.
func (s *ColumnarStore) checkReady() error {
	if s.closed {
		return errStoreClosed()
	}
	if !s.ready {
		return amerrors.New(amerrors.ErrCodeStoreRead, "collection not initialized", nil).
			WithSuggestion("call Initialize first")
	}
	return nil
}

// UpsertPoints implements VectorStore.
func (s *ColumnarStore) UpsertPoints(ctx context.Context, points []Point) error {
	points = normalizePoints(s.workspace, points, s.logger)
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if len(p.Vector) != s.dims {
			return errDimensionMismatch(s.dims, len(p.Vector))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	for _, p := range points {
		if row, ok := s.rows[p.ID]; ok {
			s.cols.set(row, p)
		} else {
			s.rows[p.ID] = s.cols.len()
			s.cols.append(p)
		}
		s.addNodeLocked(p.ID, p.Vector)
	}
	return s.commitLocked()
}

// commitLocked persists the columns. On failure memory is reloaded from
// the last good file so it never runs ahead of disk.
func (s *ColumnarStore) commitLocked() error {
	if err := s.saveLocked(); err != nil {
		if loadErr := s.loadLocked(); loadErr != nil {
			s.logger.Error("columnar_reload_failed", slog.String("error", loadErr.Error()))
		}
		return err
	}
	s.maybeCompactLocked()
	return nil
}

// Search implements VectorStore.
func (s *ColumnarStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	if len(vector) != s.dims {
		return nil, errDimensionMismatch(s.dims, len(vector))
	}
	prefix := NormalizePath(s.workspace, opts.DirectoryPrefix)
	minScore, limit := opts.minScore(), opts.maxResults()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if s.cols.len() == 0 {
		return []SearchResult{}, nil
	}

	var candidates []int
	if prefix != "" {
		// Exact scan: graph results filtered afterwards could miss matches.
		for i, fp := range s.cols.FilePaths {
			if HasPathPrefix(fp, prefix) {
				candidates = append(candidates, i)
			}
		}
	} else {
		query := make([]float32, len(vector))
		copy(query, vector)
		normalizeVectorInPlace(query)
		k := limit + s.orphans()
		if k > s.graph.Len() {
			k = s.graph.Len()
		}
		for _, node := range s.graph.Search(query, k) {
			id, ok := s.keyID[node.Key]
			if !ok {
				continue
			}
			candidates = append(candidates, s.rows[id])
		}
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, row := range candidates {
		score := cosine(vector, s.cols.Vectors[row])
		if score <= minScore {
			continue
		}
		results = append(results, SearchResult{
			ID:      s.cols.IDs[row],
			Score:   score,
			Payload: s.cols.payload(row),
		})
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// DeletePointsByFilePath implements VectorStore.
func (s *ColumnarStore) DeletePointsByFilePath(ctx context.Context, filePath string) error {
	return s.DeletePointsByMultipleFilePaths(ctx, []string{filePath})
}

// DeletePointsByMultipleFilePaths implements VectorStore.
func (s *ColumnarStore) DeletePointsByMultipleFilePaths(ctx context.Context, filePaths []string) error {
	paths := normalizePaths(s.workspace, filePaths)
	if len(paths) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		drop[p] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.removeLocked(func(row int) bool {
		_, ok := drop[s.cols.FilePaths[row]]
		return ok
	})
}

// DeletePointsByFilePathExcept implements VectorStore.
func (s *ColumnarStore) DeletePointsByFilePathExcept(ctx context.Context, filePath string, keepIDs []string) error {
	rel := NormalizePath(s.workspace, filePath)
	if rel == "" {
		return nil
	}
	keep := make(map[string]struct{}, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.removeLocked(func(row int) bool {
		if s.cols.FilePaths[row] != rel {
			return false
		}
		_, kept := keep[s.cols.IDs[row]]
		return !kept
	})
}

// removeLocked drops every row for which drop returns true and commits.
func (s *ColumnarStore) removeLocked(drop func(row int) bool) error {
	var kept columns
	removed := 0
	for i := range s.cols.IDs {
		if drop(i) {
			id := s.cols.IDs[i]
			delete(s.keyID, s.idKey[id])
			delete(s.idKey, id)
			removed++
			continue
		}
		kept.append(Point{ID: s.cols.IDs[i], Vector: s.cols.Vectors[i], Payload: s.cols.payload(i)})
	}
	if removed == 0 {
		return nil
	}

	s.cols = kept
	s.rows = make(map[string]int, kept.len())
	for i, id := range kept.IDs {
		s.rows[id] = i
	}
	return s.commitLocked()
}

// ClearCollection implements VectorStore.
func (s *ColumnarStore) ClearCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	s.reset()
	return s.saveLocked()
}

// DeleteCollection implements VectorStore.
func (s *ColumnarStore) DeleteCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return amerrors.StoreError("remove columnar collection", err)
	}
	s.reset()
	s.ready = false
	return nil
}

// CollectionExists implements VectorStore.
func (s *ColumnarStore) CollectionExists(ctx context.Context) (bool, error) {
	_, err := os.Stat(filepath.Join(s.dir, columnarMetaFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, amerrors.New(amerrors.ErrCodeStoreRead, "stat columnar metadata", err)
	}
	return true, nil
}

// Count returns the number of live points.
func (s *ColumnarStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols.len()
}

// Close releases the in-memory graph.
func (s *ColumnarStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ready = false
	s.graph = nil
	return nil
}

// writeGob encodes v to path atomically (temp file + rename).
func writeGob(path string, v any) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	if err := gob.NewEncoder(w).Encode(v); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flush %s: %w", filepath.Base(path), err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmpPath, path)
}

func readGob(path string, v any) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close gob file", slog.String("error", err.Error()))
		}
	}()
	if err := gob.NewDecoder(bufio.NewReader(file)).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// sortResults orders by descending score, then ID for stable output.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

func errStoreClosed() error {
	return amerrors.New(amerrors.ErrCodeStoreRead, "store is closed", nil)
}

func errDimensionMismatch(expected, got int) error {
	return amerrors.New(amerrors.ErrCodeDimensionMismatch,
		fmt.Sprintf("vector dimension mismatch: expected %d, got %d", expected, got), nil).
		WithDetail("expected", fmt.Sprint(expected)).
		WithDetail("got", fmt.Sprint(got))
}
