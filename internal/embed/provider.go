package embed

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
)

// Provider names.
const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai-compatible"
	ProviderGemini           = "gemini"
	ProviderMistral          = "mistral"
	ProviderOllama           = "ollama"
)

// profile is what distinguishes one provider from another.
type profile struct {
	baseURL      string
	defaultModel string
	keyRequired  bool
}

var profiles = map[string]profile{
	ProviderOpenAI: {
		baseURL:      "https://api.openai.com/v1",
		defaultModel: "text-embedding-3-small",
		keyRequired:  true,
	},
	ProviderOpenAICompatible: {
		defaultModel: "text-embedding-3-small",
	},
	ProviderGemini: {
		baseURL:      "https://generativelanguage.googleapis.com/v1beta/openai",
		defaultModel: "gemini-embedding-001",
		keyRequired:  true,
	},
	ProviderMistral: {
		baseURL:      "https://api.mistral.ai/v1",
		defaultModel: "codestral-embed",
		keyRequired:  true,
	},
	ProviderOllama: {
		baseURL:      "http://localhost:11434/v1",
		defaultModel: "nomic-embed-text",
	},
}

// Providers returns the supported provider names.
func Providers() []string {
	return []string{ProviderOpenAI, ProviderOpenAICompatible, ProviderGemini, ProviderMistral, ProviderOllama}
}

// Config configures an embedder.
type Config struct {
	Provider string
	Model    string
	// BaseURL overrides the provider's endpoint. Required for
	// openai-compatible providers.
	BaseURL string
	APIKey  string
	// Dimensions overrides the model table.
	Dimensions int
	// MaxBatchTokens caps estimated tokens per request.
	MaxBatchTokens int
	// Headers are added to every request, e.g. an "api-key" header for
	// gateways that do not accept bearer tokens.
	Headers map[string]string
	// Timeout bounds one HTTP request.
	Timeout time.Duration
	// Retry controls retries of rate-limited and 5xx responses.
	Retry amerrors.RetryConfig
	// HTTPClient replaces the default client, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultRetryConfig is the retry policy for embedding requests.
func DefaultRetryConfig() amerrors.RetryConfig {
	return amerrors.RetryConfig{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
	}
}

// New creates the embedder for cfg.Provider.
func New(cfg Config) (*Client, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	p, ok := profiles[name]
	if !ok {
		return nil, amerrors.New(amerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown embedding provider %q", cfg.Provider), nil).
			WithSuggestion("use one of: " + strings.Join(Providers(), ", "))
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = p.baseURL
	}
	if cfg.BaseURL == "" {
		return nil, amerrors.ConfigError(fmt.Sprintf("provider %s requires a base URL", name), nil)
	}
	if p.keyRequired && cfg.APIKey == "" {
		return nil, amerrors.ConfigError(fmt.Sprintf("provider %s requires an API key", name), nil).
			WithSuggestion("set embedder.api_key or AMANINDEX_EMBEDDER_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = p.defaultModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions, _ = ModelDimensions(cfg.Model)
	}

	return newClient(name, cfg), nil
}
