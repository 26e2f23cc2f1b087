package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// APIProvider calls an OpenAI-compatible /embeddings endpoint, splitting
// large inputs into batches.
type APIProvider struct {
	url    string
	model  string
	apiKey string
	batch  int
	client *http.Client
	dim    dimension
}

// NewAPIProvider creates a new APIProvider from the given Config.
func NewAPIProvider(cfg Config) *APIProvider {
	p := &APIProvider{
		url:    strings.TrimRight(cfg.Endpoint, "/") + "/embeddings",
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		batch:  batchSize(cfg),
		client: httpClient(cfg),
	}
	p.dim.configured = cfg.Dimension
	return p
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed returns one vector per text, in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += p.batch {
		end := min(start+p.batch, len(texts))
		if err := p.embedBatch(ctx, texts[start:end], out[start:end]); err != nil {
			return nil, err
		}
	}
	if err := p.dim.observe(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *APIProvider) embedBatch(ctx context.Context, texts []string, dst [][]float32) error {
	var resp apiResponse
	if err := post(ctx, p.client, p.url, p.apiKey, apiRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return err
	}
	if len(resp.Data) != len(texts) {
		return fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	// Servers may answer out of order; index is authoritative.
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(dst) || dst[d.Index] != nil {
			return fmt.Errorf("embedding: bad or repeated index %d", d.Index)
		}
		dst[d.Index] = d.Embedding
	}
	return nil
}

// Dimension returns the size seen in responses, or the configured size
// before the first call.
func (p *APIProvider) Dimension() int {
	return p.dim.get()
}
