// Package embedding turns memory text into vectors for semantic search.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

const defaultBatchSize = 64

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" (OpenAI-compatible) or "local" (Ollama)
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
	Timeout   int    `json:"timeout"` // seconds
	BatchSize int    `json:"batch_size"`
}

// Enabled reports whether an embedding endpoint is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "api", "openai":
		return NewAPIProvider(cfg), nil
	case "local", "ollama":
		return NewLocalProvider(cfg), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}

func httpClient(cfg Config) *http.Client {
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func batchSize(cfg Config) int {
	if cfg.BatchSize > 0 {
		return cfg.BatchSize
	}
	return defaultBatchSize
}

// dimension tracks the vector size. The first response fixes it; later
// responses of another size are rejected so one collection never mixes
// sizes.
type dimension struct {
	configured int
	seen       atomic.Int64
}

func (d *dimension) observe(vecs [][]float32) error {
	for _, v := range vecs {
		n := int64(len(v))
		if n == 0 {
			return fmt.Errorf("embedding: empty vector")
		}
		if d.seen.CompareAndSwap(0, n) {
			continue
		}
		if got := d.seen.Load(); got != n {
			return fmt.Errorf("embedding: vector size %d, earlier responses had %d", n, got)
		}
	}
	return nil
}

func (d *dimension) get() int {
	if n := d.seen.Load(); n > 0 {
		return int(n)
	}
	return d.configured
}

// post sends one JSON request and decodes the JSON reply into out.
func post(ctx context.Context, client *http.Client, url, apiKey string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding: %s returned status %d: %s", url, resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}
