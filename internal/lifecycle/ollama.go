// Package lifecycle checks a local Ollama server before indexing with it:
// whether it answers and whether the embedding model has been pulled.
package lifecycle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultHost is the default Ollama API endpoint.
const DefaultHost = "http://localhost:11434"

// Ollama talks to the native Ollama API, next to the OpenAI-style /v1
// endpoint the embedder uses.
type Ollama struct {
	host   string
	client *http.Client
}

// PullProgress represents model pull progress.
type PullProgress struct {
	Status    string
	Digest    string
	Total     int64
	Completed int64
	Percent   float64
}

// ModelNotFoundError indicates the required model is not available.
type ModelNotFoundError struct {
	Model string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %s not found", e.Model)
}

// NewOllama creates a client for the server behind baseURL. A trailing
// /v1 is stripped so the embedder's base URL can be passed as is.
func NewOllama(baseURL string) *Ollama {
	host := strings.TrimRight(baseURL, "/")
	host = strings.TrimSuffix(host, "/v1")
	if host == "" {
		host = DefaultHost
	}
	return &Ollama{
		host: host,
		client: &http.Client{
			Timeout: 5 * time.Second, // health checks only
		},
	}
}

// Host returns the native API root.
func (o *Ollama) Host() string {
	return o.host
}

// IsRunning reports whether the API answers. Connection errors mean
// not running, not failure.
func (o *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the pulled models.
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ollama: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	models := make([]string, len(result.Models))
	for i, m := range result.Models {
		models[i] = m.Name
	}
	return models, nil
}

// HasModel matches model against the pulled models. A name without a tag
// matches any tag of the same model.
func (o *Ollama) HasModel(ctx context.Context, model string) (bool, error) {
	models, err := o.ListModels(ctx)
	if err != nil {
		return false, err
	}

	want := strings.ToLower(model)
	wantBase, wantTag, tagged := strings.Cut(want, ":")
	for _, available := range models {
		have := strings.ToLower(available)
		if have == want {
			return true, nil
		}
		haveBase, _, _ := strings.Cut(have, ":")
		if !tagged && haveBase == wantBase {
			return true, nil
		}
		if tagged && wantTag == "latest" && have == wantBase {
			return true, nil
		}
	}
	return false, nil
}

// PullModel downloads model, streaming progress to progressFunc. It is a
// no-op when the model is already present.
func (o *Ollama) PullModel(ctx context.Context, model string, progressFunc func(PullProgress)) error {
	has, err := o.HasModel(ctx, model)
	if err != nil {
		return fmt.Errorf("failed to check model: %w", err)
	}
	if has {
		return nil
	}

	body, err := json.Marshal(struct {
		Name   string `json:"name"`
		Stream bool   `json:"stream"`
	}{Name: model, Stream: true})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Streaming; the context bounds the pull.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("failed to start pull: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("pull failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var progress struct {
			Status    string `json:"status"`
			Digest    string `json:"digest"`
			Total     int64  `json:"total"`
			Completed int64  `json:"completed"`
			Error     string `json:"error"`
		}
		if err := json.Unmarshal(line, &progress); err != nil {
			continue
		}
		if progress.Error != "" {
			return fmt.Errorf("pull failed: %s", progress.Error)
		}

		if progressFunc != nil {
			percent := 0.0
			if progress.Total > 0 {
				percent = float64(progress.Completed) / float64(progress.Total) * 100
			}
			progressFunc(PullProgress{
				Status:    progress.Status,
				Digest:    progress.Digest,
				Total:     progress.Total,
				Completed: progress.Completed,
				Percent:   percent,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading pull response: %w", err)
	}
	return nil
}

// Check verifies the server is up and has model. The returned error is a
// *ModelNotFoundError when only the model is missing.
func (o *Ollama) Check(ctx context.Context, model string) error {
	if !o.IsRunning(ctx) {
		return fmt.Errorf("ollama is not running at %s", o.host)
	}
	has, err := o.HasModel(ctx, model)
	if err != nil {
		return err
	}
	if !has {
		return &ModelNotFoundError{Model: model}
	}
	return nil
}
