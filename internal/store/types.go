// Package store persists code block embeddings and answers similarity
// queries over them. Three backends implement VectorStore: a remote Qdrant
// service, an embedded SQLite database with a sqlite-vec column, and an
// embedded columnar file store with an HNSW graph.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Search defaults.
const (
	DefaultMinScore   = 0.4
	DefaultMaxResults = 50
)

// Backend names.
const (
	BackendQdrant    = "qdrant"
	BackendSQLiteVec = "sqlitevec"
	BackendColumnar  = "columnar"
)

// pointNamespace seeds deterministic point IDs.
var pointNamespace = uuid.MustParse("5b6c3a1e-8f0d-4c1b-9a6e-2d7f4e8b1c90")

// Payload is the metadata stored next to each vector.
type Payload struct {
	FilePath  string `json:"filePath"`
	CodeChunk string `json:"codeChunk"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// Valid reports whether all required fields are present.
func (p Payload) Valid() bool {
	return p.FilePath != "" && strings.TrimSpace(p.CodeChunk) != "" &&
		p.StartLine > 0 && p.EndLine >= p.StartLine
}

// Point pairs an embedding with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// SearchOptions narrows a similarity search. Zero values select defaults;
// MinScore is a pointer so an explicit 0 can be told apart from "unset".
type SearchOptions struct {
	DirectoryPrefix string
	MinScore        *float64
	MaxResults      int
}

// Score returns a pointer to v for SearchOptions.MinScore.
func Score(v float64) *float64 { return &v }

func (o SearchOptions) minScore() float64 {
	if o.MinScore == nil {
		return DefaultMinScore
	}
	return *o.MinScore
}

func (o SearchOptions) maxResults() int {
	if o.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return o.MaxResults
}

// SearchResult is one ranked hit.
type SearchResult struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
}

// VectorStore is the contract shared by every backend.
type VectorStore interface {
	// Initialize creates the collection if needed and reports whether a new
	// one was created. An existing collection with a different vector size
	// is dropped and recreated.
	Initialize(ctx context.Context) (bool, error)

	// UpsertPoints inserts or replaces points by ID. Points with an invalid
	// payload are dropped from the batch.
	UpsertPoints(ctx context.Context, points []Point) error

	// Search returns points ranked by cosine similarity with score strictly
	// above the minimum.
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]SearchResult, error)

	DeletePointsByFilePath(ctx context.Context, filePath string) error
	// DeletePointsByMultipleFilePaths removes every point of the given
	// files. An empty list performs no I/O.
	DeletePointsByMultipleFilePaths(ctx context.Context, filePaths []string) error
	// DeletePointsByFilePathExcept removes the points of one file whose ID
	// is not in keepIDs. It drops segments superseded by a re-index after
	// the new points have been written.
	DeletePointsByFilePathExcept(ctx context.Context, filePath string, keepIDs []string) error

	ClearCollection(ctx context.Context) error
	DeleteCollection(ctx context.Context) error
	CollectionExists(ctx context.Context) (bool, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Workspace is the absolute root all payload paths are relative to.
	Workspace  string
	Dimensions int
	// DataDir holds embedded backend files.
	DataDir string

	QdrantURL    string
	QdrantAPIKey string
	// Collection overrides the workspace-derived collection name.
	Collection string
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// CollectionName derives the collection name for a workspace root.
func CollectionName(workspace string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(workspace)))
	return "ws-" + hex.EncodeToString(sum[:])[:16]
}

// PointID returns the deterministic ID of a segment. Embedding the same
// segment twice yields the same ID, so upserts replace rather than add.
func PointID(relPath, segmentHash string) string {
	return uuid.NewSHA1(pointNamespace, []byte(relPath+":"+segmentHash)).String()
}

// NormalizePath converts p to the workspace-relative, slash-separated form
// used as a filter key. Relative inputs are taken as already relative to
// the workspace.
func NormalizePath(workspace, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) && workspace != "" {
		if rel, err := filepath.Rel(workspace, p); err == nil {
			p = rel
		}
	}
	p = strings.ReplaceAll(filepath.ToSlash(p), `\`, "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	if p == "." {
		return ""
	}
	return p
}

// HasPathPrefix reports whether rel lies under prefix, matching whole
// segments only: "src" matches "src/a.ts" but not "srcx/a.ts".
func HasPathPrefix(rel, prefix string) bool {
	if prefix == "" {
		return true
	}
	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}

// pathSegments splits a normalized path.
func pathSegments(rel string) []string {
	if rel == "" {
		return nil
	}
	return strings.Split(rel, "/")
}

// normalizePoints drops invalid points and rewrites payload paths to their
// normalized form.
func normalizePoints(workspace string, points []Point, logger *slog.Logger) []Point {
	out := make([]Point, 0, len(points))
	for _, p := range points {
		p.Payload.FilePath = NormalizePath(workspace, p.Payload.FilePath)
		if p.ID == "" || len(p.Vector) == 0 || !p.Payload.Valid() {
			logger.Debug("point_dropped_invalid_payload",
				slog.String("id", p.ID),
				slog.String("path", p.Payload.FilePath))
			continue
		}
		out = append(out, p)
	}
	return out
}

// normalizePaths normalizes and de-duplicates paths, dropping empties.
func normalizePaths(workspace string, paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n := NormalizePath(workspace, p)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// cosine returns the cosine similarity of a and b, 0 for zero vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
