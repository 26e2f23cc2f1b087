package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient prepares a gRPC client for the Qdrant endpoint. The connection
// is established lazily on the first call.
func NewClient(cfg QdrantConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates a cosine collection of the given dimension, or
// checks that an existing one has that dimension.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	info, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	switch {
	case err == nil:
		got := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if got != 0 && got != dimension {
			return fmt.Errorf("collection %s has dimension %d, embedder produces %d", name, got, dimension)
		}
		return nil
	case status.Code(err) != codes.NotFound:
		return fmt.Errorf("get collection %s: %w", name, err)
	}

	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// EnsureKeywordIndex indexes a string payload field used in filters.
func (c *Client) EnsureKeywordIndex(ctx context.Context, collection, field string) error {
	wait := true
	_, err := c.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: collection,
		FieldName:      field,
		FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
		Wait:           &wait,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("index %s.%s: %w", collection, field, err)
	}
	return nil
}

// Upsert inserts or replaces one point and waits until it is searchable.
// The id must be a UUID.
func (c *Client) Upsert(ctx context.Context, collection string, id string, vector []float32, payload map[string]string) error {
	wait := true
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Points: []*pb.PointStruct{{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
			Payload: toPayload(payload),
		}},
		Wait: &wait,
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

// Search performs a nearest-neighbor search and returns the top-K results
// whose payload matches every key of filter exactly.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, topK uint64, filter map[string]string) ([]*SearchResult, error) {
	resp, err := c.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          topK,
		Filter:         keywordFilter(filter),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	results := make([]*SearchResult, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		results = append(results, &SearchResult{
			ID:      r.GetId().GetUuid(),
			Score:   r.GetScore(),
			Payload: fromPayload(r.GetPayload()),
		})
	}
	return results, nil
}

// SearchResult holds a single vector search hit.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func toPayload(m map[string]string) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(m))
	for k, v := range m {
		out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	return out
}

// fromPayload keeps string values; the index never writes other kinds.
func fromPayload(m map[string]*pb.Value) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if sv, ok := v.GetKind().(*pb.Value_StringValue); ok {
			out[k] = sv.StringValue
		}
	}
	return out
}

func keywordFilter(filter map[string]string) *pb.Filter {
	if len(filter) == 0 {
		return nil
	}
	f := &pb.Filter{}
	for k, v := range filter {
		f.Must = append(f.Must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
				Key:   k,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: v}},
			}},
		})
	}
	return f
}
