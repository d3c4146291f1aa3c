package rag

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/qdrant/go-client/qdrant"
)

// Qdrant payload field names.
const (
	fieldCollectionID = "collection_id"
	fieldDocumentID   = "document_id"
	fieldDocumentName = "document_name"
	fieldChunkIndex   = "chunk_index"
	fieldContent      = "content"
	fieldTokens       = "tokens"
)

// QdrantConfig holds connection parameters for a Qdrant chunk store.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection that holds every chunk. Chat
	// collections are partitioned by the collection_id payload field.
	Collection string

	// VectorSize is the embedding dimension.
	VectorSize uint64

	// APIKey is the optional Qdrant API key.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements ChunkStore on a single Qdrant collection.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore connects to Qdrant and ensures the target collection and
// its payload indexes exist.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "ragchat-chunks"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	s := &QdrantStore{client: client, cfg: cfg}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// Client exposes the underlying client for readiness checks.
func (s *QdrantStore) Client() *qdrant.Client { return s.client }

// ensureCollection creates the Qdrant collection and keyword indexes on the
// partition fields if they do not already exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	for _, field := range []string{fieldCollectionID, fieldDocumentID} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.cfg.Collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("qdrant: index %s: %w", field, err)
		}
	}
	return nil
}

// ReplaceDocumentChunks deletes the document's existing points and upserts
// chunks. Qdrant has no multi-operation transaction, so a failure between
// the two calls leaves the document with no points; the caller's failure
// path deletes again.
func (s *QdrantStore) ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	if err := s.DeleteDocumentChunks(ctx, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectorsDense(c.Embedding),
			Payload: qdrant.NewValueMap(map[string]any{
				fieldCollectionID: c.CollectionID,
				fieldDocumentID:   c.DocumentID,
				fieldDocumentName: c.DocumentName,
				fieldChunkIndex:   int64(c.Index),
				fieldContent:      c.Content,
				fieldTokens:       int64(c.Tokens),
			}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert %d chunks for %s: %w", len(points), documentID, err)
	}
	return nil
}

// DeleteDocumentChunks removes every point of documentID.
func (s *QdrantStore) DeleteDocumentChunks(ctx context.Context, documentID string) error {
	return s.deleteWhere(ctx, fieldDocumentID, documentID)
}

// DeleteCollectionChunks removes every point of collectionID.
func (s *QdrantStore) DeleteCollectionChunks(ctx context.Context, collectionID string) error {
	return s.deleteWhere(ctx, fieldCollectionID, collectionID)
}

func (s *QdrantStore) deleteWhere(ctx context.Context, field, value string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(field, value)},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete %s=%s: %w", field, value, err)
	}
	return nil
}

// LoadCollectionChunks scrolls the collection's points with their vectors.
// Points carry no document status; the Retriever filters them.
func (s *QdrantStore) LoadCollectionChunks(ctx context.Context, collectionID string, limit int) ([]Chunk, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: s.cfg.Collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(fieldCollectionID, collectionID)},
		},
		WithPayload: qdrant.NewWithPayload(true),
		WithVectors: qdrant.NewWithVectors(true),
	}
	if limit > 0 {
		req.Limit = qdrant.PtrOf(uint32(limit)) //nolint:gosec // bounded by configuration
	}

	points, err := s.client.Scroll(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant: scroll %s: %w", collectionID, err)
	}

	chunks := make([]Chunk, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		c := Chunk{
			ID:           p.GetId().GetUuid(),
			CollectionID: collectionID,
			DocumentID:   payload[fieldDocumentID].GetStringValue(),
			DocumentName: payload[fieldDocumentName].GetStringValue(),
			Index:        int(payload[fieldChunkIndex].GetIntegerValue()),
			Content:      payload[fieldContent].GetStringValue(),
			Tokens:       int(payload[fieldTokens].GetIntegerValue()),
		}
		if v := p.GetVectors().GetVector(); v != nil {
			if dense := v.GetDense(); dense != nil {
				c.Embedding = dense.GetData()
			} else {
				c.Embedding = v.GetData() //nolint:staticcheck // older servers only fill Data
			}
		}
		chunks = append(chunks, c)
	}

	slices.SortFunc(chunks, func(a, b Chunk) int {
		if a.DocumentID != b.DocumentID {
			return cmp.Compare(a.DocumentID, b.DocumentID)
		}
		return cmp.Compare(a.Index, b.Index)
	})
	return chunks, nil
}

// CountDocumentChunks returns the exact point count of documentID.
func (s *QdrantStore) CountDocumentChunks(ctx context.Context, documentID string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(fieldDocumentID, documentID)},
		},
		Exact: qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count %s: %w", documentID, err)
	}
	return int(n), nil //nolint:gosec // chunk counts are small
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
