// Package embed turns text into embedding vectors through OpenAI-style
// /embeddings endpoints. Providers differ only in base URL, auth header and
// default model; they share one request routine that batches by token
// budget, retries transient failures and classifies errors.
package embed

import (
	"context"
	"time"
)

// Request shaping limits.
const (
	// DefaultMaxBatchTokens caps estimated tokens per request.
	DefaultMaxBatchTokens = 100000
	// MaxItemTokens is the largest single input most embedding models accept.
	MaxItemTokens = 8191
	// MaxBatchItems caps inputs per request.
	MaxBatchItems = 2048
	// charsPerToken is the rough estimate used for batching.
	charsPerToken = 4

	// DefaultTimeout bounds one HTTP request.
	DefaultTimeout = 60 * time.Second
)

// Usage reports token consumption for a CreateEmbeddings call.
type Usage struct {
	PromptTokens int
	TotalTokens  int
}

// EmbeddingResponse holds one vector per input text, in input order.
type EmbeddingResponse struct {
	Embeddings [][]float32
	Usage      Usage
}

// ValidationResult is the outcome of ValidateConfiguration.
type ValidationResult struct {
	Valid bool
	// Error explains why the configuration is unusable.
	Error string
}

// Embedder generates embeddings.
type Embedder interface {
	// CreateEmbeddings embeds texts with model, or the default model when
	// model is empty.
	CreateEmbeddings(ctx context.Context, texts []string, model string) (*EmbeddingResponse, error)

	// ValidateConfiguration performs a minimal request and reports whether
	// credentials and model are usable. Expected failures are reported in
	// the result, not as errors.
	ValidateConfiguration(ctx context.Context) ValidationResult

	// ModelName returns the default model identifier.
	ModelName() string

	// Dimensions returns the vector size, or 0 when unknown.
	Dimensions() int
}

// estimateTokens approximates the token count of text.
func estimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}
