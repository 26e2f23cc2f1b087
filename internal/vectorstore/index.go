package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/embedding"
	"github.com/nidhogg/ris/internal/memory"
)

// DefaultCollection holds memory content vectors.
const DefaultCollection = "ris_memories"

// DB is the subset of Client the memory index uses.
type DB interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	EnsureKeywordIndex(ctx context.Context, collection, field string) error
	Upsert(ctx context.Context, collection string, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64, filter map[string]string) ([]*SearchResult, error)
}

// Hit is one semantic search result.
type Hit struct {
	MemoryID string  `json:"memory_id"`
	Score    float32 `json:"score"`
}

// MemoryIndex embeds memory content and searches it within a user scope.
type MemoryIndex struct {
	db         DB
	embedder   embedding.Provider
	collection string
	logger     *zap.Logger
}

// NewMemoryIndex creates an index over collection.
func NewMemoryIndex(db DB, embedder embedding.Provider, collection string, logger *zap.Logger) *MemoryIndex {
	if collection == "" {
		collection = DefaultCollection
	}
	return &MemoryIndex{db: db, embedder: embedder, collection: collection, logger: logger}
}

// Ensure creates the collection sized to the embedder's dimension and
// indexes the scope field searches filter on.
func (ix *MemoryIndex) Ensure(ctx context.Context) error {
	dim := ix.embedder.Dimension()
	if dim <= 0 {
		return fmt.Errorf("embedding dimension unknown for collection %s", ix.collection)
	}
	if err := ix.db.EnsureCollection(ctx, ix.collection, uint64(dim)); err != nil {
		return err
	}
	return ix.db.EnsureKeywordIndex(ctx, ix.collection, "user_scope")
}

// IndexMemory stores the content vector of m.
func (ix *MemoryIndex) IndexMemory(ctx context.Context, m *memory.Memory) error {
	pointID, err := PointID(m.ID)
	if err != nil {
		return err
	}
	vecs, err := ix.embedder.Embed(ctx, []string{m.Content})
	if err != nil {
		return fmt.Errorf("embed memory %s: %w", m.ID, err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embed memory %s: got %d vectors", m.ID, len(vecs))
	}
	return ix.db.Upsert(ctx, ix.collection, pointID, vecs[0], map[string]string{
		"memory_id":  m.ID,
		"user_scope": m.UserScope,
		"label":      string(m.Emotion.Label),
	})
}

// Search returns up to k memories of scope closest to query.
func (ix *MemoryIndex) Search(ctx context.Context, scope, query string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	vecs, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	res, err := ix.db.Search(ctx, ix.collection, vecs[0], uint64(k), map[string]string{"user_scope": scope})
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(res))
	for _, r := range res {
		id := r.Payload["memory_id"]
		if id == "" {
			continue
		}
		hits = append(hits, Hit{MemoryID: id, Score: r.Score})
	}
	ix.logger.Debug("memory search", zap.String("scope", scope), zap.Int("hits", len(hits)))
	return hits, nil
}

// PointID maps a memory ULID onto the UUID Qdrant requires. Both are 128
// bits, so the mapping is lossless.
func PointID(memoryID string) (string, error) {
	id, err := ulid.ParseStrict(memoryID)
	if err != nil {
		return "", fmt.Errorf("memory id %q: %w", memoryID, err)
	}
	return uuid.UUID(id).String(), nil
}
