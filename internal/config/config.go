// Package config loads amanindex configuration from defaults, YAML files,
// an optional .env file and AMANINDEX_* environment variables.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Supported vector store backends.
const (
	BackendQdrant    = "qdrant"
	BackendSQLiteVec = "sqlitevec"
	BackendColumnar  = "columnar"
)

// Supported embedding providers.
const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai-compatible"
	ProviderGemini           = "gemini"
	ProviderMistral          = "mistral"
	ProviderOllama           = "ollama"
)

// ProjectConfigFile is the per-workspace configuration file name.
const ProjectConfigFile = ".amanindex.yaml"

// Config is the complete amanindex configuration.
type Config struct {
	Version  int            `yaml:"version"`
	DataDir  string         `yaml:"data_dir,omitempty"`
	Watch    WatchConfig    `yaml:"watch"`
	Segment  SegmentConfig  `yaml:"segment"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Store    StoreConfig    `yaml:"store"`
	Search   SearchConfig   `yaml:"search"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// WatchConfig controls which files are indexed and how events are batched.
type WatchConfig struct {
	// Extensions is the allow-list of file extensions, with leading dot.
	Extensions []string `yaml:"extensions"`
	// Exclude holds extra gitignore-style patterns.
	Exclude []string `yaml:"exclude"`
	// Debounce is the quiet period before a batch is processed.
	Debounce time.Duration `yaml:"debounce"`
	// MaxFileSize in bytes; larger files are skipped.
	MaxFileSize int64 `yaml:"max_file_size"`
	// ReconcileBatchSize is the number of files fed per reconcile batch.
	ReconcileBatchSize int `yaml:"reconcile_batch_size"`
}

// SegmentConfig bounds the size of code blocks.
type SegmentConfig struct {
	MinBlockLines int `yaml:"min_block_lines"`
	MinBlockChars int `yaml:"min_block_chars"`
	MaxBlockChars int `yaml:"max_block_chars"`
}

// EmbedderConfig selects and configures the embedding provider.
type EmbedderConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
	// MaxBatchTokens caps the estimated tokens sent per request.
	MaxBatchTokens int `yaml:"max_batch_tokens"`
	// QueryCacheSize is the LRU size for query embeddings.
	QueryCacheSize int `yaml:"query_cache_size"`
}

// StoreConfig selects the vector store backend.
type StoreConfig struct {
	Backend      string `yaml:"backend"`
	QdrantURL    string `yaml:"qdrant_url,omitempty"`
	QdrantAPIKey string `yaml:"qdrant_api_key,omitempty"`
	// Collection overrides the derived collection name.
	Collection string `yaml:"collection,omitempty"`
}

// SearchConfig holds search defaults.
type SearchConfig struct {
	MinScore   float64 `yaml:"min_score"`
	MaxResults int     `yaml:"max_results"`
}

// RetryConfig controls retries of vector store writes.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file,omitempty"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
}

// DefaultExtensions is the default file allow-list.
var DefaultExtensions = []string{
	".go", ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".py", ".rs", ".java",
}

// NewConfig returns a configuration with all defaults applied.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Watch: WatchConfig{
			Extensions: append([]string(nil), DefaultExtensions...),
			Exclude: []string{
				"node_modules/",
				".git/",
				"vendor/",
				"dist/",
				"build/",
				"target/",
				"__pycache__/",
			},
			Debounce:           1000 * time.Millisecond,
			MaxFileSize:        1 << 20,
			ReconcileBatchSize: 200,
		},
		Segment: SegmentConfig{
			MinBlockLines: 2,
			MinBlockChars: 50,
			MaxBlockChars: 1000,
		},
		Embedder: EmbedderConfig{
			Provider:       ProviderOllama,
			Model:          "nomic-embed-text",
			MaxBatchTokens: 100000,
			QueryCacheSize: 256,
		},
		Store: StoreConfig{
			Backend:   BackendColumnar,
			QdrantURL: "http://localhost:6333",
		},
		Search: SearchConfig{
			MinScore:   0.4,
			MaxResults: 50,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file:
// $XDG_CONFIG_HOME/amanindex/config.yaml or ~/.config/amanindex/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "amanindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "amanindex", "config.yaml")
	}
	return filepath.Join(home, ".config", "amanindex", "config.yaml")
}

// Load loads configuration for the workspace at dir.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/amanindex/config.yaml)
//  3. Project config (.amanindex.yaml in the workspace root)
//  4. .env in the workspace root (never overrides real environment)
//  5. Environment variables (AMANINDEX_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if projectPath := filepath.Join(dir, ProjectConfigFile); fileExists(projectPath) {
		if err := cfg.loadYAML(projectPath); err != nil {
			return nil, err
		}
	}

	if envPath := filepath.Join(dir, ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML merges a YAML file over c. Fields absent from the file keep
// their current values.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// envOverrides maps AMANINDEX_* variables. Pointer fields stay nil when the
// variable is unset so explicit zero values can still override.
type envOverrides struct {
	DataDir            string         `envconfig:"DATA_DIR"`
	EmbedderProvider   string         `envconfig:"EMBEDDER_PROVIDER"`
	EmbedderModel      string         `envconfig:"EMBEDDER_MODEL"`
	EmbedderBaseURL    string         `envconfig:"EMBEDDER_BASE_URL"`
	EmbedderAPIKey     string         `envconfig:"EMBEDDER_API_KEY"`
	EmbedderDimensions *int           `envconfig:"EMBEDDER_DIMENSIONS"`
	StoreBackend       string         `envconfig:"STORE_BACKEND"`
	QdrantURL          string         `envconfig:"QDRANT_URL"`
	QdrantAPIKey       string         `envconfig:"QDRANT_API_KEY"`
	Debounce           *time.Duration `envconfig:"DEBOUNCE"`
	MaxFileSize        *int64         `envconfig:"MAX_FILE_SIZE"`
	MinScore           *float64       `envconfig:"MIN_SCORE"`
	MaxResults         *int           `envconfig:"MAX_RESULTS"`
	RetryAttempts      *int           `envconfig:"RETRY_ATTEMPTS"`
	LogLevel           string         `envconfig:"LOG_LEVEL"`
}

// applyEnvOverrides applies AMANINDEX_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var env envOverrides
	if err := envconfig.Process("AMANINDEX", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&c.DataDir, env.DataDir)
	setString(&c.Embedder.Provider, env.EmbedderProvider)
	setString(&c.Embedder.Model, env.EmbedderModel)
	setString(&c.Embedder.BaseURL, env.EmbedderBaseURL)
	setString(&c.Embedder.APIKey, env.EmbedderAPIKey)
	setString(&c.Store.Backend, env.StoreBackend)
	setString(&c.Store.QdrantURL, env.QdrantURL)
	setString(&c.Store.QdrantAPIKey, env.QdrantAPIKey)
	setString(&c.Logging.Level, env.LogLevel)

	if env.EmbedderDimensions != nil {
		c.Embedder.Dimensions = *env.EmbedderDimensions
	}
	if env.Debounce != nil {
		c.Watch.Debounce = *env.Debounce
	}
	if env.MaxFileSize != nil {
		c.Watch.MaxFileSize = *env.MaxFileSize
	}
	if env.MinScore != nil {
		c.Search.MinScore = *env.MinScore
	}
	if env.MaxResults != nil {
		c.Search.MaxResults = *env.MaxResults
	}
	if env.RetryAttempts != nil {
		c.Retry.MaxAttempts = *env.RetryAttempts
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ResolveAPIKey returns the configured embedder key, falling back to the
// provider's conventional environment variable.
func (c *Config) ResolveAPIKey() string {
	if c.Embedder.APIKey != "" {
		return c.Embedder.APIKey
	}
	switch c.Embedder.Provider {
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	case ProviderMistral:
		return os.Getenv("MISTRAL_API_KEY")
	}
	return ""
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendQdrant, BackendSQLiteVec, BackendColumnar:
	default:
		return fmt.Errorf("store.backend must be %q, %q or %q, got %q",
			BackendQdrant, BackendSQLiteVec, BackendColumnar, c.Store.Backend)
	}
	if c.Store.Backend == BackendQdrant && c.Store.QdrantURL == "" {
		return fmt.Errorf("store.qdrant_url is required for the qdrant backend")
	}

	switch c.Embedder.Provider {
	case ProviderOpenAI, ProviderOpenAICompatible, ProviderGemini, ProviderMistral, ProviderOllama:
	default:
		return fmt.Errorf("embedder.provider %q is not supported", c.Embedder.Provider)
	}
	if c.Embedder.Provider == ProviderOpenAICompatible && c.Embedder.BaseURL == "" {
		return fmt.Errorf("embedder.base_url is required for openai-compatible providers")
	}
	if c.Embedder.Dimensions < 0 {
		return fmt.Errorf("embedder.dimensions must be non-negative, got %d", c.Embedder.Dimensions)
	}

	if len(c.Watch.Extensions) == 0 {
		return fmt.Errorf("watch.extensions must not be empty")
	}
	for _, ext := range c.Watch.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("watch.extensions entries must start with '.', got %q", ext)
		}
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must be non-negative, got %s", c.Watch.Debounce)
	}
	if c.Watch.MaxFileSize <= 0 {
		return fmt.Errorf("watch.max_file_size must be positive, got %d", c.Watch.MaxFileSize)
	}

	if c.Search.MinScore < 0 || c.Search.MinScore > 1 {
		return fmt.Errorf("search.min_score must be between 0 and 1, got %f", c.Search.MinScore)
	}
	if c.Search.MaxResults < 0 {
		return fmt.Errorf("search.max_results must be non-negative, got %d", c.Search.MaxResults)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	return nil
}

// WorkspaceID is a stable short identifier for an absolute workspace path.
// Moving or renaming the workspace yields a new identifier.
func WorkspaceID(root string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(root)))
	return hex.EncodeToString(sum[:])[:16]
}

// WorkspaceDataDir returns the directory holding the change cache, local
// vector data and the index lock for root.
func (c *Config) WorkspaceDataDir(root string) string {
	base := c.DataDir
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		base = filepath.Join(home, ".amanindex")
	}
	return filepath.Join(base, WorkspaceID(root))
}

// FindProjectRoot walks up from startDir looking for .git or .amanindex.yaml.
// Returns the absolute startDir when neither is found.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	current := absDir
	for {
		if dirExists(filepath.Join(current, ".git")) || fileExists(filepath.Join(current, ProjectConfigFile)) {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return absDir, nil
		}
		current = parent
	}
}

// EncodeYAML writes the configuration as YAML to w.
func (c *Config) EncodeYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Watch.Extensions = append([]string(nil), c.Watch.Extensions...)
	out.Watch.Exclude = append([]string(nil), c.Watch.Exclude...)
	if out.Embedder.APIKey != "" {
		out.Embedder.APIKey = redactedValue
	}
	if out.Store.QdrantAPIKey != "" {
		out.Store.QdrantAPIKey = redactedValue
	}
	return &out
}

const redactedValue = "********"

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
