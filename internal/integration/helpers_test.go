// Package integration exercises the indexer end to end: a real Manager on
// disk with each local vector store backend, driven by a deterministic
// embedder.
package integration

import (
	"context"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanindex/internal/config"
	"github.com/Aman-CERP/amanindex/internal/embed"
	"github.com/Aman-CERP/amanindex/internal/index"
)

const wordDims = 64

// wordEmbedder hashes lowercase words into a normalized bag-of-words
// vector, so texts sharing vocabulary score higher.
type wordEmbedder struct{}

func (wordEmbedder) CreateEmbeddings(_ context.Context, texts []string, _ string) (*embed.EmbeddingResponse, error) {
	resp := &embed.EmbeddingResponse{}
	for _, text := range texts {
		resp.Embeddings = append(resp.Embeddings, wordVector(text))
	}
	return resp, nil
}

func (wordEmbedder) ValidateConfiguration(context.Context) embed.ValidationResult {
	return embed.ValidationResult{Valid: true}
}

func (wordEmbedder) ModelName() string { return "bag-of-words" }

func (wordEmbedder) Dimensions() int { return wordDims }

func wordVector(text string) []float32 {
	vec := make([]float32, wordDims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%wordDims]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / math.Sqrt(norm))
	}
	return vec
}

const authSource = `package auth

// CheckPassword compares a login password against the stored password hash.
func CheckPassword(login, password, hash string) bool {
	if login == "" || password == "" {
		return false
	}
	return hashPassword(password) == hash
}
`

const matrixSource = `package matrix

// Multiply returns the matrix product of two square matrix values.
func Multiply(a, b [][]float64) [][]float64 {
	n := len(a)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	return out
}
`

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.DataDir = t.TempDir()
	cfg.Store.Backend = backend
	cfg.Embedder.Dimensions = wordDims
	cfg.Watch.Debounce = 20 * time.Millisecond
	cfg.Retry.InitialDelay = time.Millisecond
	return cfg
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func openManager(t *testing.T, root string, cfg *config.Config, readOnly bool) *index.Manager {
	t.Helper()
	m, err := index.Open(context.Background(), index.Options{
		Root:     root,
		Config:   cfg,
		ReadOnly: readOnly,
		Embedder: wordEmbedder{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "auth/password.go", authSource)
	writeFile(t, root, "matrix/multiply.go", matrixSource)
	return root
}
