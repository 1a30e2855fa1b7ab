// Package search answers natural-language queries against the vector store.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
	"github.com/Aman-CERP/amanindex/internal/store"
)

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the read side of store.VectorStore.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, opts store.SearchOptions) ([]store.SearchResult, error)
}

// Config holds service defaults.
type Config struct {
	// Root is the workspace root; relative directory prefixes and result
	// paths are resolved against it.
	Root       string
	MinScore   float64
	MaxResults int
	Logger     *slog.Logger
}

// Options narrows a single query. Zero values use the service defaults.
type Options struct {
	// DirectoryPrefix limits results to files under this directory. It may
	// be workspace-relative or absolute.
	DirectoryPrefix string
	MinScore        *float64
	MaxResults      int
}

// Result is one matching code block.
type Result struct {
	// FilePath is workspace-relative and slash-separated.
	FilePath  string  `json:"filePath"`
	Score     float64 `json:"score"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	CodeChunk string  `json:"codeChunk"`
}

// AbsPath returns the result's absolute path under root.
func (r Result) AbsPath(root string) string {
	return filepath.Join(root, filepath.FromSlash(r.FilePath))
}

// Service embeds queries and searches the vector store.
type Service struct {
	embedder QueryEmbedder
	store    VectorSearcher
	config   Config
	logger   *slog.Logger
}

// New creates a search service.
func New(embedder QueryEmbedder, vs VectorSearcher, config Config) (*Service, error) {
	if embedder == nil || vs == nil {
		return nil, fmt.Errorf("search: embedder and store are required")
	}
	if config.MinScore <= 0 {
		config.MinScore = store.DefaultMinScore
	}
	if config.MaxResults <= 0 {
		config.MaxResults = store.DefaultMaxResults
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embedder: embedder, store: vs, config: config, logger: logger}, nil
}

// Search returns code blocks similar to query, best first.
func (s *Service) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, amerrors.New(amerrors.ErrCodeQueryEmpty, "search query is empty", nil).
			WithSuggestion("describe the code you are looking for")
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	storeOpts := s.applyDefaults(opts)
	hits, err := s.store.Search(ctx, vector, storeOpts)
	if err != nil {
		return nil, amerrors.Wrap(amerrors.ErrCodeSearchFailed, err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			FilePath:  store.NormalizePath(s.config.Root, h.Payload.FilePath),
			Score:     h.Score,
			StartLine: h.Payload.StartLine,
			EndLine:   h.Payload.EndLine,
			CodeChunk: h.Payload.CodeChunk,
		})
	}

	s.logger.Debug("search_complete",
		slog.String("query", query),
		slog.String("directory_prefix", storeOpts.DirectoryPrefix),
		slog.Int("results", len(results)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return results, nil
}

// applyDefaults fills in default values for search options.
func (s *Service) applyDefaults(opts Options) store.SearchOptions {
	out := store.SearchOptions{
		MinScore:   opts.MinScore,
		MaxResults: opts.MaxResults,
	}
	if out.MinScore == nil {
		out.MinScore = store.Score(s.config.MinScore)
	}
	if out.MaxResults <= 0 {
		out.MaxResults = s.config.MaxResults
	}
	if prefix := strings.TrimSpace(opts.DirectoryPrefix); prefix != "" {
		out.DirectoryPrefix = store.NormalizePath(s.config.Root, prefix)
	}
	return out
}
