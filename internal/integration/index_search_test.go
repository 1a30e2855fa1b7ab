package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanindex/internal/config"
	"github.com/Aman-CERP/amanindex/internal/search"
)

var localBackends = []string{config.BackendColumnar, config.BackendSQLiteVec}

func zeroScore() *float64 {
	v := 0.0
	return &v
}

func TestIndexAndSearch_RanksByContent(t *testing.T) {
	for _, backend := range localBackends {
		t.Run(backend, func(t *testing.T) {
			// Given: an indexed workspace with two unrelated files
			root := newWorkspace(t)
			m := openManager(t, root, testConfig(t, backend), false)
			result, err := m.Index(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, result.Candidates)
			assert.Zero(t, result.Errors)

			// When: searching with vocabulary from one of them
			results, err := m.Search(context.Background(), "check login password hash", search.Options{MinScore: zeroScore()})

			// Then: that file ranks first
			require.NoError(t, err)
			require.NotEmpty(t, results)
			assert.Equal(t, "auth/password.go", results[0].FilePath)
			for i := 1; i < len(results); i++ {
				assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
			}
		})
	}
}

func TestIndexAndSearch_DirectoryPrefix(t *testing.T) {
	for _, backend := range localBackends {
		t.Run(backend, func(t *testing.T) {
			root := newWorkspace(t)
			m := openManager(t, root, testConfig(t, backend), false)
			_, err := m.Index(context.Background())
			require.NoError(t, err)

			results, err := m.Search(context.Background(), "check login password hash", search.Options{
				DirectoryPrefix: "matrix",
				MinScore:        zeroScore(),
			})

			require.NoError(t, err)
			require.NotEmpty(t, results)
			for _, r := range results {
				assert.Equal(t, "matrix/multiply.go", r.FilePath)
			}
		})
	}
}

func TestReindex_AfterRestart(t *testing.T) {
	for _, backend := range localBackends {
		t.Run(backend, func(t *testing.T) {
			// Given: a workspace indexed by a manager that has since closed
			root := newWorkspace(t)
			cfg := testConfig(t, backend)
			first := openManager(t, root, cfg, false)
			_, err := first.Index(context.Background())
			require.NoError(t, err)
			require.NoError(t, first.Close())

			// And: one file changed and one deleted while nothing was running
			writeFile(t, root, "auth/password.go", authSource+"\n// Rotate hashes yearly.\n")
			require.NoError(t, os.Remove(filepath.Join(root, "matrix", "multiply.go")))

			// When: a new manager reconciles
			second := openManager(t, root, cfg, false)
			result, err := second.Index(context.Background())
			require.NoError(t, err)

			// Then: the change is re-embedded and the deletion removed
			assert.Equal(t, 1, result.Candidates)
			assert.Equal(t, 1, result.Removed)
			assert.Equal(t, 1, second.Status().IndexedFiles)

			results, err := second.Search(context.Background(), "matrix multiply", search.Options{MinScore: zeroScore()})
			require.NoError(t, err)
			for _, r := range results {
				assert.NotEqual(t, "matrix/multiply.go", r.FilePath)
			}
		})
	}
}

func TestReadOnlyReader_SeesWriterResults(t *testing.T) {
	for _, backend := range localBackends {
		t.Run(backend, func(t *testing.T) {
			root := newWorkspace(t)
			cfg := testConfig(t, backend)
			writer := openManager(t, root, cfg, false)
			_, err := writer.Index(context.Background())
			require.NoError(t, err)

			reader := openManager(t, root, cfg, true)
			results, err := reader.Search(context.Background(), "matrix multiply", search.Options{MinScore: zeroScore()})

			require.NoError(t, err)
			require.NotEmpty(t, results)
			assert.Equal(t, "matrix/multiply.go", results[0].FilePath)
			_, err = reader.Index(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestClear_EmptiesIndex(t *testing.T) {
	for _, backend := range localBackends {
		t.Run(backend, func(t *testing.T) {
			root := newWorkspace(t)
			m := openManager(t, root, testConfig(t, backend), false)
			_, err := m.Index(context.Background())
			require.NoError(t, err)

			require.NoError(t, m.Clear(context.Background()))

			assert.Zero(t, m.Status().IndexedFiles)
			results, err := m.Search(context.Background(), "password", search.Options{MinScore: zeroScore()})
			require.NoError(t, err)
			assert.Empty(t, results)

			// A cleared index rebuilds from scratch.
			result, err := m.Index(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, result.Success)
		})
	}
}
