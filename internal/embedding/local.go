package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// LocalProvider calls an Ollama server's batch /api/embed endpoint.
type LocalProvider struct {
	url    string
	model  string
	batch  int
	client *http.Client
	dim    dimension
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	p := &LocalProvider{
		url:    strings.TrimRight(cfg.Endpoint, "/") + "/api/embed",
		model:  cfg.Model,
		batch:  batchSize(cfg),
		client: httpClient(cfg),
	}
	p.dim.configured = cfg.Dimension
	return p
}

type localRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per text, in input order.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batch {
		chunk := texts[start:min(start+p.batch, len(texts))]
		var resp localResponse
		if err := post(ctx, p.client, p.url, "", localRequest{Model: p.model, Input: chunk}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(chunk) {
			return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Embeddings), len(chunk))
		}
		out = append(out, resp.Embeddings...)
	}
	if err := p.dim.observe(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *LocalProvider) Dimension() int {
	return p.dim.get()
}
