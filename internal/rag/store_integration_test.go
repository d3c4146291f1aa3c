//go:build integration

package rag

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
)

// exerciseChunkStore runs the ChunkStore contract against a live backend.
func exerciseChunkStore(t *testing.T, s ChunkStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	collection := uuid.NewString()
	doc := uuid.NewString()
	chunks := []Chunk{
		{ID: uuid.NewString(), CollectionID: collection, DocumentID: doc, DocumentName: "a.txt", Index: 1, Content: "second", Embedding: []float32{0, 1, 0}, Tokens: 2},
		{ID: uuid.NewString(), CollectionID: collection, DocumentID: doc, DocumentName: "a.txt", Index: 0, Content: "first", Embedding: []float32{1, 0, 0}, Tokens: 1},
	}
	if err := s.ReplaceDocumentChunks(ctx, doc, chunks); err != nil {
		t.Fatalf("ReplaceDocumentChunks: %v", err)
	}
	n, err := s.CountDocumentChunks(ctx, doc)
	if err != nil || n != 2 {
		t.Fatalf("CountDocumentChunks = %d, %v; want 2", n, err)
	}
	got, err := s.LoadCollectionChunks(ctx, collection, 0)
	if err != nil {
		t.Fatalf("LoadCollectionChunks: %v", err)
	}
	if len(got) != 2 || got[0].Index != 0 || got[0].Content != "first" || len(got[0].Embedding) != 3 {
		t.Fatalf("unexpected load result: %+v", got)
	}
	if err := s.DeleteCollectionChunks(ctx, collection); err != nil {
		t.Fatalf("DeleteCollectionChunks: %v", err)
	}
	if n, _ := s.CountDocumentChunks(ctx, doc); n != 0 {
		t.Errorf("after delete count = %d, want 0", n)
	}
}

// TestQdrantStore_Integration needs a Qdrant instance on QDRANT_HOST:QDRANT_PORT.
//
//	go test -tags=integration -run TestQdrantStore_Integration ./internal/rag/
func TestQdrantStore_Integration(t *testing.T) {
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		t.Skip("QDRANT_HOST not set")
	}
	port, _ := strconv.Atoi(os.Getenv("QDRANT_PORT"))
	s, err := NewQdrantStore(context.Background(), &QdrantConfig{
		Host:       host,
		Port:       port,
		Collection: "ragchat-it-" + uuid.NewString()[:8],
		VectorSize: 3,
	})
	if err != nil {
		t.Fatalf("NewQdrantStore: %v", err)
	}
	defer s.Close()
	exerciseChunkStore(t, s)
}

// TestPgvectorStore_Integration needs Postgres with the vector extension at PGVECTOR_URL.
func TestPgvectorStore_Integration(t *testing.T) {
	url := os.Getenv("PGVECTOR_URL")
	if url == "" {
		t.Skip("PGVECTOR_URL not set")
	}
	s, err := NewPgvectorStore(context.Background(), &PgvectorConfig{
		ConnString: url,
		Table:      "rag_chunks_it",
		VectorSize: 3,
	})
	if err != nil {
		t.Fatalf("NewPgvectorStore: %v", err)
	}
	defer s.Close()
	exerciseChunkStore(t, s)
}
