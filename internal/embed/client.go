package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
)

// errCountMismatch means the API returned a different number of vectors
// than inputs.
var errCountMismatch = errors.New("embedding response count mismatch")

// Client is the shared OpenAI-style embedder behind every provider.
type Client struct {
	provider       string
	client         *openai.Client
	baseURL        string
	model          string
	dimensions     int
	maxBatchTokens int
	retry          amerrors.RetryConfig
	logger         *slog.Logger
}

// Verify interface implementation at compile time
var _ Embedder = (*Client)(nil)

func newClient(provider string, cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if len(cfg.Headers) > 0 {
		wrapped := *httpClient
		wrapped.Transport = &headerTransport{inner: httpClient.Transport, headers: cfg.Headers}
		httpClient = &wrapped
	}
	oc.HTTPClient = httpClient

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}
	maxTokens := cfg.MaxBatchTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxBatchTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		provider:       provider,
		client:         openai.NewClientWithConfig(oc),
		baseURL:        oc.BaseURL,
		model:          cfg.Model,
		dimensions:     cfg.Dimensions,
		maxBatchTokens: maxTokens,
		retry:          retry,
		logger:         logger,
	}
}

// Provider returns the provider name.
func (c *Client) Provider() string { return c.provider }

// ModelName returns the default model.
func (c *Client) ModelName() string { return c.model }

// BaseURL returns the resolved API endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// Dimensions returns the configured or known vector size, 0 if unknown.
func (c *Client) Dimensions() int { return c.dimensions }

// CreateEmbeddings embeds texts, splitting them into requests that respect
// the token budget. Inputs longer than MaxItemTokens are truncated so every
// input still gets a vector.
func (c *Client) CreateEmbeddings(ctx context.Context, texts []string, model string) (*EmbeddingResponse, error) {
	return c.createEmbeddings(ctx, texts, model, c.retry)
}

func (c *Client) createEmbeddings(ctx context.Context, texts []string, model string, retry amerrors.RetryConfig) (*EmbeddingResponse, error) {
	if model == "" {
		model = c.model
	}
	out := &EmbeddingResponse{Embeddings: make([][]float32, 0, len(texts))}
	if len(texts) == 0 {
		return out, nil
	}

	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = c.truncate(t)
	}

	for _, batch := range c.batches(inputs) {
		resp, err := c.embedBatch(ctx, batch, model, retry)
		if err != nil {
			return nil, err
		}
		out.Embeddings = append(out.Embeddings, resp.Embeddings...)
		out.Usage.PromptTokens += resp.Usage.PromptTokens
		out.Usage.TotalTokens += resp.Usage.TotalTokens
	}
	return out, nil
}

func (c *Client) truncate(text string) string {
	if estimateTokens(text) <= MaxItemTokens {
		return text
	}
	c.logger.Warn("embedding_input_truncated",
		slog.String("provider", c.provider),
		slog.Int("estimated_tokens", estimateTokens(text)),
		slog.Int("limit", MaxItemTokens))
	cut := MaxItemTokens * charsPerToken
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// batches groups inputs so no request exceeds maxBatchTokens or
// MaxBatchItems. Order is preserved.
func (c *Client) batches(inputs []string) [][]string {
	var out [][]string
	var cur []string
	tokens := 0
	for _, in := range inputs {
		n := estimateTokens(in)
		if len(cur) > 0 && (tokens+n > c.maxBatchTokens || len(cur) >= MaxBatchItems) {
			out = append(out, cur)
			cur, tokens = nil, 0
		}
		cur = append(cur, in)
		tokens += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (c *Client) embedBatch(ctx context.Context, batch []string, model string, retry amerrors.RetryConfig) (*EmbeddingResponse, error) {
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("embedding_request_retry",
			slog.String("provider", c.provider),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
	}

	return amerrors.RetryWithResult(ctx, retry, func() (*EmbeddingResponse, error) {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(model),
		})
		if err == nil && len(resp.Data) != len(batch) {
			err = fmt.Errorf("%w: got %d vectors for %d texts", errCountMismatch, len(resp.Data), len(batch))
		}
		if err != nil {
			classified := c.classify(err, model)
			if !classified.Retryable {
				return nil, amerrors.Permanent(classified)
			}
			return nil, classified
		}

		data := resp.Data
		sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
		vectors := make([][]float32, len(data))
		for i, d := range data {
			vectors[i] = d.Embedding
		}
		return &EmbeddingResponse{
			Embeddings: vectors,
			Usage: Usage{
				PromptTokens: resp.Usage.PromptTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			},
		}, nil
	})
}

// classify maps a transport or API failure onto an error code.
func (c *Client) classify(err error, model string) *amerrors.AmanError {
	wrap := func(code, msg string) *amerrors.AmanError {
		return amerrors.New(code, msg, err).
			WithDetail("provider", c.provider).
			WithDetail("model", model)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrap(amerrors.ErrCodeNetworkTimeout, "embedding request cancelled or timed out")
	}
	if errors.Is(err, errCountMismatch) {
		return wrap(amerrors.ErrCodeServerError, err.Error())
	}

	status := 0
	msg := err.Error()
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, msg = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return wrap(amerrors.ErrCodeAuthFailed, "authentication failed: "+msg).
			WithSuggestion("check the embedder API key")
	case status == http.StatusNotFound:
		return wrap(amerrors.ErrCodeModelNotFound, fmt.Sprintf("model %q not found: %s", model, msg))
	case status == http.StatusTooManyRequests:
		return wrap(amerrors.ErrCodeRateLimited, "rate limited: "+msg)
	case status >= 500:
		return wrap(amerrors.ErrCodeServerError, fmt.Sprintf("server error %d: %s", status, msg))
	case status >= 400:
		return wrap(amerrors.ErrCodeInvalidInput, fmt.Sprintf("request rejected (%d): %s", status, msg))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrap(amerrors.ErrCodeNetworkTimeout, "embedding request timed out")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || reqErr != nil {
		return wrap(amerrors.ErrCodeNetworkUnavailable, fmt.Sprintf("cannot reach %s: %s", c.baseURL, msg))
	}
	return wrap(amerrors.ErrCodeEmbeddingFailed, msg)
}

// ValidateConfiguration sends one short input without retries.
func (c *Client) ValidateConfiguration(ctx context.Context) ValidationResult {
	resp, err := c.createEmbeddings(ctx, []string{"validation"}, "", amerrors.RetryConfig{MaxRetries: 1})
	if err != nil {
		var ae *amerrors.AmanError
		if errors.As(err, &ae) {
			return ValidationResult{Error: ae.Message}
		}
		return ValidationResult{Error: err.Error()}
	}
	if len(resp.Embeddings) != 1 || len(resp.Embeddings[0]) == 0 {
		return ValidationResult{Error: "provider returned no embedding"}
	}
	if c.dimensions > 0 && len(resp.Embeddings[0]) != c.dimensions {
		return ValidationResult{Error: fmt.Sprintf("model returned %d dimensions, expected %d",
			len(resp.Embeddings[0]), c.dimensions)}
	}
	return ValidationResult{Valid: true}
}

// DetectDimensions returns e.Dimensions(), probing with one request when the
// size is unknown.
func DetectDimensions(ctx context.Context, e Embedder) (int, error) {
	if d := e.Dimensions(); d > 0 {
		return d, nil
	}
	resp, err := e.CreateEmbeddings(ctx, []string{"dimension probe"}, "")
	if err != nil {
		return 0, fmt.Errorf("detect embedding dimensions: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return 0, amerrors.New(amerrors.ErrCodeEmbeddingFailed, "provider returned an empty embedding", nil)
	}
	return len(resp.Embeddings[0]), nil
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	inner   http.RoundTripper
	headers map[string]string
}

// RoundTrip implements http.RoundTripper.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	inner := t.inner
	if inner == nil {
		inner = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return inner.RoundTrip(req)
}
