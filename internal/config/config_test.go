package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config lookup at an empty temp dir.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, 1000*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, int64(1<<20), cfg.Watch.MaxFileSize)
	assert.Contains(t, cfg.Watch.Extensions, ".go")
	assert.Contains(t, cfg.Watch.Exclude, "node_modules/")
	assert.Equal(t, 2, cfg.Segment.MinBlockLines)
	assert.Equal(t, 1000, cfg.Segment.MaxBlockChars)
	assert.Equal(t, 0.4, cfg.Search.MinScore)
	assert.Equal(t, 50, cfg.Search.MaxResults)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, BackendColumnar, cfg.Store.Backend)
	assert.Equal(t, ProviderOllama, cfg.Embedder.Provider)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFilesUsesDefaults(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, NewConfig().Search, cfg.Search)
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	// Given: a project config that changes a few fields
	isolate(t)
	dir := t.TempDir()
	yamlContent := `
watch:
  debounce: 250ms
  extensions: [".go", ".py"]
store:
  backend: sqlitevec
search:
  min_score: 0.6
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigFile), []byte(yamlContent), 0o644))

	// When: loading
	cfg, err := Load(dir)

	// Then: file values win, others keep defaults
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, []string{".go", ".py"}, cfg.Watch.Extensions)
	assert.Equal(t, BackendSQLiteVec, cfg.Store.Backend)
	assert.Equal(t, 0.6, cfg.Search.MinScore)
	assert.Equal(t, 50, cfg.Search.MaxResults)
}

func TestLoad_UserConfigBelowProjectConfig(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "amanindex"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(xdg, "amanindex", "config.yaml"),
		[]byte("search:\n  max_results: 7\n  min_score: 0.1\n"), 0o644))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigFile),
		[]byte("search:\n  min_score: 0.2\n"), 0o644))

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Search.MaxResults)
	assert.Equal(t, 0.2, cfg.Search.MinScore)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigFile),
		[]byte("store:\n  backend: sqlitevec\n"), 0o644))

	t.Setenv("AMANINDEX_STORE_BACKEND", "qdrant")
	t.Setenv("AMANINDEX_QDRANT_URL", "http://qdrant:6333")
	t.Setenv("AMANINDEX_DEBOUNCE", "2s")
	t.Setenv("AMANINDEX_MIN_SCORE", "0")
	t.Setenv("AMANINDEX_EMBEDDER_DIMENSIONS", "768")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, BackendQdrant, cfg.Store.Backend)
	assert.Equal(t, "http://qdrant:6333", cfg.Store.QdrantURL)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
	assert.Equal(t, 0.0, cfg.Search.MinScore)
	assert.Equal(t, 768, cfg.Embedder.Dimensions)
}

func TestLoad_DotEnvFillsUnsetVariables(t *testing.T) {
	// Given: a .env file and one variable already set in the environment
	isolate(t)
	dir := t.TempDir()
	envContent := "AMANINDEX_EMBEDDER_MODEL=mxbai-embed-large\nAMANINDEX_LOG_LEVEL=error\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(envContent), 0o644))
	t.Setenv("AMANINDEX_LOG_LEVEL", "debug")
	t.Cleanup(func() { _ = os.Unsetenv("AMANINDEX_EMBEDDER_MODEL") })

	// When: loading
	cfg, err := Load(dir)

	// Then: .env supplies the missing one, the real environment wins
	require.NoError(t, err)
	assert.Equal(t, "mxbai-embed-large", cfg.Embedder.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigFile), []byte("watch: [unclosed"), 0o644))

	_, err := Load(dir)

	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "pinecone" }, "store.backend"},
		{"qdrant without url", func(c *Config) { c.Store.Backend = BackendQdrant; c.Store.QdrantURL = "" }, "qdrant_url"},
		{"unknown provider", func(c *Config) { c.Embedder.Provider = "bedrock" }, "embedder.provider"},
		{"compatible without base url", func(c *Config) { c.Embedder.Provider = ProviderOpenAICompatible }, "base_url"},
		{"extension without dot", func(c *Config) { c.Watch.Extensions = []string{"go"} }, "start with"},
		{"empty extensions", func(c *Config) { c.Watch.Extensions = nil }, "must not be empty"},
		{"min score above one", func(c *Config) { c.Search.MinScore = 1.5 }, "min_score"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"zero max file size", func(c *Config) { c.Watch.MaxFileSize = 0 }, "max_file_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	cfg := NewConfig()
	cfg.Embedder.Provider = ProviderOpenAI
	t.Setenv("OPENAI_API_KEY", "sk-env")

	assert.Equal(t, "sk-env", cfg.ResolveAPIKey())

	cfg.Embedder.APIKey = "sk-config"
	assert.Equal(t, "sk-config", cfg.ResolveAPIKey())
}

func TestWorkspaceDataDir_StablePerPath(t *testing.T) {
	cfg := NewConfig()
	cfg.DataDir = t.TempDir()

	a := cfg.WorkspaceDataDir("/work/project")
	b := cfg.WorkspaceDataDir("/work/project/")
	c := cfg.WorkspaceDataDir("/work/other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, cfg.DataDir, filepath.Dir(a))
	assert.Len(t, filepath.Base(a), 16)
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := FindProjectRoot(nested)

	require.NoError(t, err)
	assert.Equal(t, root, found)
}

func TestEncodeYAML_RoundTripsThroughLoad(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfg := NewConfig()
	cfg.Search.MaxResults = 12
	var buf bytes.Buffer
	require.NoError(t, cfg.EncodeYAML(&buf))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigFile), buf.Bytes(), 0o644))

	loaded, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 12, loaded.Search.MaxResults)
	assert.Equal(t, cfg.Watch.Debounce, loaded.Watch.Debounce)
}

func TestRedacted(t *testing.T) {
	cfg := NewConfig()
	cfg.Embedder.APIKey = "sk-live-123"
	cfg.Store.QdrantAPIKey = "qd-456"

	red := cfg.Redacted()
	red.Watch.Extensions[0] = ".changed"

	assert.Equal(t, "********", red.Embedder.APIKey)
	assert.Equal(t, "********", red.Store.QdrantAPIKey)
	assert.Equal(t, "sk-live-123", cfg.Embedder.APIKey)
	assert.Equal(t, ".go", cfg.Watch.Extensions[0])

	empty := NewConfig().Redacted()
	assert.Empty(t, empty.Embedder.APIKey)
}
