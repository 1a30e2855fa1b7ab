// Package index keeps a vector store in sync with a workspace.
//
// The Coordinator batches file events behind a debounce timer and processes
// one batch at a time: deletes first, then segmentation, embedding and a
// single upsert for every changed file. The Change Cache records a file's
// content hash only after its points are durably stored. The Reconciler
// brings the index up to date at startup, and the Manager wires everything
// to a watched workspace.
package index

import (
	"context"

	"github.com/Aman-CERP/amanindex/internal/chunk"
	"github.com/Aman-CERP/amanindex/internal/embed"
	"github.com/Aman-CERP/amanindex/internal/store"
)

// FileStatus is the outcome of processing one file in a batch.
type FileStatus string

// File outcomes.
const (
	StatusSuccess FileStatus = "success"
	StatusSkipped FileStatus = "skipped"
	StatusError   FileStatus = "error"
)

// Reasons attached to results.
const (
	ReasonDeleted   = "deleted"
	ReasonIgnored   = "ignored"
	ReasonTooLarge  = "too large"
	ReasonUnchanged = "unchanged"
)

// FileResult reports what happened to one file.
type FileResult struct {
	Path   string
	Status FileStatus
	Reason string
	Err    error
}

// BatchSummary is emitted once per processed batch.
type BatchSummary struct {
	ProcessedFiles []FileResult
	// BatchError is set when a vector store operation failed after retries.
	BatchError error
}

// Count returns the number of files with status.
func (s BatchSummary) Count(status FileStatus) int {
	n := 0
	for _, r := range s.ProcessedFiles {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Result returns the result recorded for path.
func (s BatchSummary) Result(path string) (FileResult, bool) {
	for _, r := range s.ProcessedFiles {
		if r.Path == path {
			return r, true
		}
	}
	return FileResult{}, false
}

// PointWriter is the part of store.VectorStore the coordinator writes to.
type PointWriter interface {
	UpsertPoints(ctx context.Context, points []store.Point) error
	DeletePointsByMultipleFilePaths(ctx context.Context, paths []string) error
	DeletePointsByFilePathExcept(ctx context.Context, path string, keepIDs []string) error
}

// Embedder creates embeddings for code blocks.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, texts []string, model string) (*embed.EmbeddingResponse, error)
}

// Segmenter splits a file into code blocks.
type Segmenter interface {
	ParseFile(ctx context.Context, path string, content []byte, fileHash string) ([]chunk.CodeBlock, error)
}

// ChangeCache maps file paths to the content hash last indexed.
type ChangeCache interface {
	Get(path string) (string, bool)
	SetMany(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, paths ...string) error
	Paths() []string
}

// AccessPolicy decides whether a path may be indexed.
type AccessPolicy interface {
	ValidateAccess(absPath string) bool
}
