package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
)

const (
	// qdrantIndexedSegments is how many leading path segments get a
	// keyword payload index for prefix filtering.
	qdrantIndexedSegments = 5

	qdrantDefaultTimeout = 30 * time.Second
)

// QdrantStore talks to a Qdrant server over its REST API. Every call is a
// network round trip and filtering happens server side.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	workspace  string
	dims       int
	client     *http.Client
	logger     *slog.Logger
}

// Verify interface implementation at compile time
var _ VectorStore = (*QdrantStore)(nil)

// NewQdrantStore creates a client for the configured server.
func NewQdrantStore(cfg Config) (*QdrantStore, error) {
	if cfg.QdrantURL == "" {
		return nil, amerrors.ConfigError("qdrant store requires a URL", nil).
			WithSuggestion("set store.qdrant_url, e.g. http://localhost:6333")
	}
	if _, err := url.Parse(cfg.QdrantURL); err != nil {
		return nil, amerrors.ConfigError("invalid qdrant URL", err)
	}
	if cfg.Dimensions <= 0 {
		return nil, amerrors.ConfigError("qdrant store requires positive dimensions", nil)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = CollectionName(cfg.Workspace)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: qdrantDefaultTimeout}
	}
	return &QdrantStore{
		baseURL:    strings.TrimRight(cfg.QdrantURL, "/"),
		apiKey:     cfg.QdrantAPIKey,
		collection: collection,
		workspace:  cfg.Workspace,
		dims:       cfg.Dimensions,
		client:     client,
		logger:     cfg.logger(),
	}, nil
}

// Qdrant wire types.
type (
	qdrantEnvelope struct {
		Result json.RawMessage `json:"result"`
		Status any             `json:"status"`
	}

	qdrantCollectionInfo struct {
		Config struct {
			Params struct {
				Vectors json.RawMessage `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}

	qdrantVectorParams struct {
		Size     int    `json:"size"`
		Distance string `json:"distance"`
	}

	qdrantPoint struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	qdrantMatch struct {
		Value string `json:"value"`
	}

	qdrantCondition struct {
		Key   string      `json:"key"`
		Match qdrantMatch `json:"match"`
	}

	qdrantHasID struct {
		HasID []string `json:"has_id"`
	}

	qdrantFilter struct {
		Must    []qdrantCondition `json:"must,omitempty"`
		Should  []qdrantCondition `json:"should,omitempty"`
		MustNot []qdrantHasID     `json:"must_not,omitempty"`
	}

	qdrantScoredPoint struct {
		ID      any             `json:"id"`
		Score   float64         `json:"score"`
		Payload json.RawMessage `json:"payload"`
	}
)

// qdrantPayload is the stored payload: the common fields plus one entry
// per path segment for prefix filtering.
func qdrantPayload(p Payload) map[string]any {
	segments := make(map[string]string)
	for i, seg := range pathSegments(p.FilePath) {
		segments[strconv.Itoa(i)] = seg
	}
	return map[string]any{
		"filePath":     p.FilePath,
		"codeChunk":    p.CodeChunk,
		"startLine":    p.StartLine,
		"endLine":      p.EndLine,
		"pathSegments": segments,
	}
}

// do sends one request and decodes the "result" field into out. A 404 is
// reported as (false, nil) so callers can treat it as absence.
func (s *QdrantStore) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, amerrors.Permanent(amerrors.New(amerrors.ErrCodeInvalidPayload, "encode qdrant request", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return false, amerrors.Permanent(amerrors.ConfigError("build qdrant request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, amerrors.New(amerrors.ErrCodeNetworkTimeout, "qdrant request cancelled or timed out", err)
		}
		return false, amerrors.NetworkError(fmt.Sprintf("cannot reach qdrant at %s", s.baseURL), err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Debug("failed to close qdrant response body", slog.String("error", err.Error()))
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, qdrantStatusError(method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return true, nil
	}
	var env qdrantEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return false, amerrors.New(amerrors.ErrCodeServerError, "decode qdrant response", err)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return false, amerrors.New(amerrors.ErrCodeServerError, "decode qdrant result", err)
	}
	return true, nil
}

func qdrantStatusError(method, path string, status int, body string) error {
	msg := fmt.Sprintf("qdrant %s %s: status %d: %s", method, path, status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return amerrors.Permanent(amerrors.New(amerrors.ErrCodeAuthFailed, msg, nil).
			WithSuggestion("check store.qdrant_api_key"))
	case status == http.StatusTooManyRequests:
		return amerrors.New(amerrors.ErrCodeRateLimited, msg, nil)
	case status >= 500:
		return amerrors.New(amerrors.ErrCodeServerError, msg, nil)
	default:
		return amerrors.Permanent(amerrors.New(amerrors.ErrCodeStoreWrite, msg, nil))
	}
}

func (s *QdrantStore) collectionPath() string {
	return "/collections/" + url.PathEscape(s.collection)
}

// vectorSize reads the configured size of the existing collection; 0 means
// the collection does not exist.
func (s *QdrantStore) vectorSize(ctx context.Context) (int, error) {
	var info qdrantCollectionInfo
	found, err := s.do(ctx, http.MethodGet, s.collectionPath(), nil, &info)
	if err != nil || !found {
		return 0, err
	}
	var params qdrantVectorParams
	if err := json.Unmarshal(info.Config.Params.Vectors, &params); err != nil || params.Size == 0 {
		// Named vectors are not used by this index; treat as incompatible.
		return -1, nil
	}
	return params.Size, nil
}

// Initialize implements VectorStore.
func (s *QdrantStore) Initialize(ctx context.Context) (bool, error) {
	size, err := s.vectorSize(ctx)
	if err != nil {
		return false, err
	}
	switch {
	case size == s.dims:
		s.ensurePayloadIndexes(ctx)
		return false, nil
	case size != 0:
		s.logger.Warn("collection_dimension_mismatch",
			slog.String("collection", s.collection),
			slog.Int("existing", size),
			slog.Int("configured", s.dims))
		if _, err := s.do(ctx, http.MethodDelete, s.collectionPath(), nil, nil); err != nil {
			return false, fmt.Errorf("drop mismatched collection: %w", err)
		}
	}

	body := map[string]any{
		"vectors": qdrantVectorParams{Size: s.dims, Distance: "Cosine"},
		"hnsw_config": map[string]any{
			"m":            64,
			"ef_construct": 512,
			"on_disk":      true,
		},
	}
	if _, err := s.do(ctx, http.MethodPut, s.collectionPath(), body, nil); err != nil {
		return false, fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	s.ensurePayloadIndexes(ctx)
	return true, nil
}

// ensurePayloadIndexes creates keyword indexes for the filter keys. Qdrant
// filters work without them, so failures are only logged.
func (s *QdrantStore) ensurePayloadIndexes(ctx context.Context) {
	fields := []string{"filePath"}
	for i := 0; i < qdrantIndexedSegments; i++ {
		fields = append(fields, "pathSegments."+strconv.Itoa(i))
	}
	for _, field := range fields {
		body := map[string]any{"field_name": field, "field_schema": "keyword"}
		if _, err := s.do(ctx, http.MethodPut, s.collectionPath()+"/index?wait=true", body, nil); err != nil {
			s.logger.Warn("qdrant_payload_index_failed",
				slog.String("field", field), slog.String("error", err.Error()))
		}
	}
}

// UpsertPoints implements VectorStore.
func (s *QdrantStore) UpsertPoints(ctx context.Context, points []Point) error {
	points = normalizePoints(s.workspace, points, s.logger)
	if len(points) == 0 {
		return nil
	}
	wire := make([]qdrantPoint, len(points))
	for i, p := range points {
		if len(p.Vector) != s.dims {
			return errDimensionMismatch(s.dims, len(p.Vector))
		}
		wire[i] = qdrantPoint{ID: p.ID, Vector: p.Vector, Payload: qdrantPayload(p.Payload)}
	}
	found, err := s.do(ctx, http.MethodPut, s.collectionPath()+"/points?wait=true",
		map[string]any{"points": wire}, nil)
	if err != nil {
		return err
	}
	if !found {
		return errQdrantCollectionMissing(s.collection)
	}
	return nil
}

// Search implements VectorStore.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	if len(vector) != s.dims {
		return nil, errDimensionMismatch(s.dims, len(vector))
	}
	minScore, limit := opts.minScore(), opts.maxResults()
	body := map[string]any{
		"vector":          vector,
		"limit":           limit,
		"score_threshold": minScore,
		"with_payload":    true,
		"params":          map[string]any{"hnsw_ef": 128, "exact": false},
	}
	if prefix := NormalizePath(s.workspace, opts.DirectoryPrefix); prefix != "" {
		var must []qdrantCondition
		for i, seg := range pathSegments(prefix) {
			must = append(must, qdrantCondition{
				Key:   "pathSegments." + strconv.Itoa(i),
				Match: qdrantMatch{Value: seg},
			})
		}
		body["filter"] = qdrantFilter{Must: must}
	}

	var hits []qdrantScoredPoint
	found, err := s.do(ctx, http.MethodPost, s.collectionPath()+"/points/search", body, &hits)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errQdrantCollectionMissing(s.collection)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		// Qdrant's threshold is inclusive.
		if h.Score <= minScore {
			continue
		}
		var payload Payload
		if err := json.Unmarshal(h.Payload, &payload); err != nil || !payload.Valid() {
			continue
		}
		results = append(results, SearchResult{ID: fmt.Sprint(h.ID), Score: h.Score, Payload: payload})
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// DeletePointsByFilePath implements VectorStore.
func (s *QdrantStore) DeletePointsByFilePath(ctx context.Context, filePath string) error {
	return s.DeletePointsByMultipleFilePaths(ctx, []string{filePath})
}

// DeletePointsByMultipleFilePaths implements VectorStore.
func (s *QdrantStore) DeletePointsByMultipleFilePaths(ctx context.Context, filePaths []string) error {
	paths := normalizePaths(s.workspace, filePaths)
	if len(paths) == 0 {
		return nil
	}
	should := make([]qdrantCondition, len(paths))
	for i, p := range paths {
		should[i] = qdrantCondition{Key: "filePath", Match: qdrantMatch{Value: p}}
	}
	found, err := s.do(ctx, http.MethodPost, s.collectionPath()+"/points/delete?wait=true",
		map[string]any{"filter": qdrantFilter{Should: should}}, nil)
	if err != nil {
		return err
	}
	if !found {
		// Nothing indexed yet means nothing to delete.
		s.logger.Debug("qdrant_delete_missing_collection", slog.String("collection", s.collection))
	}
	return nil
}

// DeletePointsByFilePathExcept implements VectorStore.
func (s *QdrantStore) DeletePointsByFilePathExcept(ctx context.Context, filePath string, keepIDs []string) error {
	rel := NormalizePath(s.workspace, filePath)
	if rel == "" {
		return nil
	}
	filter := qdrantFilter{Must: []qdrantCondition{{Key: "filePath", Match: qdrantMatch{Value: rel}}}}
	if len(keepIDs) > 0 {
		filter.MustNot = []qdrantHasID{{HasID: keepIDs}}
	}
	found, err := s.do(ctx, http.MethodPost, s.collectionPath()+"/points/delete?wait=true",
		map[string]any{"filter": filter}, nil)
	if err != nil {
		return err
	}
	if !found {
		s.logger.Debug("qdrant_delete_missing_collection", slog.String("collection", s.collection))
	}
	return nil
}

// ClearCollection implements VectorStore. An empty filter matches every
// point, leaving the collection and its indexes in place.
func (s *QdrantStore) ClearCollection(ctx context.Context) error {
	found, err := s.do(ctx, http.MethodPost, s.collectionPath()+"/points/delete?wait=true",
		map[string]any{"filter": map[string]any{"must": []any{}}}, nil)
	if err != nil {
		return err
	}
	if !found {
		return errQdrantCollectionMissing(s.collection)
	}
	return nil
}

// DeleteCollection implements VectorStore.
func (s *QdrantStore) DeleteCollection(ctx context.Context) error {
	_, err := s.do(ctx, http.MethodDelete, s.collectionPath(), nil, nil)
	return err
}

// CollectionExists implements VectorStore.
func (s *QdrantStore) CollectionExists(ctx context.Context) (bool, error) {
	size, err := s.vectorSize(ctx)
	return size != 0, err
}

// Close releases idle connections.
func (s *QdrantStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func errQdrantCollectionMissing(name string) error {
	return amerrors.Permanent(amerrors.New(amerrors.ErrCodeStoreWrite,
		fmt.Sprintf("qdrant collection %s does not exist", name), nil).
		WithSuggestion("re-run indexing to initialize the collection"))
}
