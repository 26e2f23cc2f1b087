package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// reversedEmbeddings answers an OpenAI-style request with one vector per
// input, listed in reverse order. Each vector's first element is the
// input's length.
func reversedEmbeddings(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req apiRequest
		json.NewDecoder(r.Body).Decode(&req)
		var resp apiResponse
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, apiEmbeddingData{Index: i, Embedding: []float32{float32(len(req.Input[i])), 0.5}})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestAPIProviderEmbed(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", reversedEmbeddings(&calls))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL + "/v1/", Model: "test-model", Dimension: 128, BatchSize: 2})
	if p.Dimension() != 128 {
		t.Errorf("dimension before first call = %d, want configured 128", p.Dimension())
	}

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := p.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("got %d requests, want 3 batches", calls.Load())
	}
	for i, v := range vectors {
		if int(v[0]) != len(texts[i]) {
			t.Errorf("vector %d belongs to input of length %d", i, int(v[0]))
		}
	}
	if p.Dimension() != 2 {
		t.Errorf("got dimension %d, want 2", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{Endpoint: "http://unused"})
	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}

func TestAPIProviderEmbed_BadResponses(t *testing.T) {
	tests := []struct {
		name string
		data []apiEmbeddingData
	}{
		{"too few", []apiEmbeddingData{{Index: 0, Embedding: []float32{1}}}},
		{"repeated index", []apiEmbeddingData{{Index: 0, Embedding: []float32{1}}, {Index: 0, Embedding: []float32{2}}}},
		{"index out of range", []apiEmbeddingData{{Index: 0, Embedding: []float32{1}}, {Index: 5, Embedding: []float32{2}}}},
		{"size mismatch", []apiEmbeddingData{{Index: 0, Embedding: []float32{1}}, {Index: 1, Embedding: []float32{1, 2}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(apiResponse{Data: tt.data})
			}))
			defer srv.Close()

			p := NewAPIProvider(Config{Endpoint: srv.URL})
			if _, err := p.Embed(context.Background(), []string{"a", "b"}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAPIProviderEmbed_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, APIKey: "sk-test"})
	if _, err := p.Embed(context.Background(), []string{"a"}); err == nil {
		t.Error("expected error for 429")
	}
}

func TestLocalProviderEmbed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req localRequest
		json.NewDecoder(r.Body).Decode(&req)
		var resp localResponse
		for _, in := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(len(in)), 0, 1})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, Model: "nomic-embed-text", BatchSize: 2})
	vectors, err := p.Embed(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 3 || int(vectors[2][0]) != 3 {
		t.Fatalf("vectors = %v", vectors)
	}
	if calls.Load() != 2 || p.Dimension() != 3 {
		t.Errorf("calls = %d, dimension = %d", calls.Load(), p.Dimension())
	}
}

func TestNew(t *testing.T) {
	if p, err := New(Config{Provider: "local"}); err != nil {
		t.Fatal(err)
	} else if _, ok := p.(*LocalProvider); !ok {
		t.Errorf("got %T, want *LocalProvider", p)
	}
	if p, err := New(Config{Provider: "openai"}); err != nil {
		t.Fatal(err)
	} else if _, ok := p.(*APIProvider); !ok {
		t.Errorf("got %T, want *APIProvider", p)
	}
	if _, err := New(Config{Provider: "onnx"}); err == nil {
		t.Error("expected error for unknown provider")
	}
	if (Config{}).Enabled() {
		t.Error("empty config should be disabled")
	}
}
