package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultQueryCacheSize is the default number of cached embeddings.
// At 1536 dimensions * 4 bytes * 256 entries that is about 1.5MB.
const DefaultQueryCacheSize = 256

// CachedEmbedder wraps an Embedder with an LRU cache keyed by text and
// model, so repeated search queries skip the network round trip.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// Verify interface implementation at compile time
var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder creates a cached embedder wrapping inner.
func NewCachedEmbedder(inner Embedder, size int) *CachedEmbedder {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &CachedEmbedder{inner: inner, cache: cache}
}

func cacheKey(text, model string) string {
	sum := sha256.Sum256([]byte(text + "\x00" + model))
	return hex.EncodeToString(sum[:])
}

// CreateEmbeddings serves cached vectors and embeds only the misses.
// Usage reflects the tokens actually sent.
func (c *CachedEmbedder) CreateEmbeddings(ctx context.Context, texts []string, model string) (*EmbeddingResponse, error) {
	if model == "" {
		model = c.inner.ModelName()
	}

	out := &EmbeddingResponse{Embeddings: make([][]float32, len(texts))}
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if vec, ok := c.cache.Get(cacheKey(t, model)); ok {
			out.Embeddings[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	resp, err := c.inner.CreateEmbeddings(ctx, missTexts, model)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(resp.Embeddings), len(missTexts))
	}
	for j, i := range missIdx {
		out.Embeddings[i] = resp.Embeddings[j]
		c.cache.Add(cacheKey(texts[i], model), resp.Embeddings[j])
	}
	out.Usage = resp.Usage
	return out, nil
}

// EmbedQuery embeds a single text with the default model.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.CreateEmbeddings(ctx, []string{text}, "")
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

// ValidateConfiguration passes through to the inner embedder.
func (c *CachedEmbedder) ValidateConfiguration(ctx context.Context) ValidationResult {
	return c.inner.ValidateConfiguration(ctx)
}

// ModelName returns the inner model name.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

// Dimensions returns the inner vector size.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Len returns the number of cached vectors.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }
