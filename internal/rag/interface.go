// Package rag holds the retrieval side of the chat core: the chunk model,
// the embedding and chunk-store contracts, cosine top-K search, and the
// Retriever that ties them to the retrieval cache.
//
// Concrete chunk stores live alongside (Qdrant, pgvector); the relational
// store in internal/store also satisfies ChunkStore.
package rag

import (
	"context"
)

// Chunk is one passage of a document's extracted text plus its embedding.
type Chunk struct {
	// ID is the unique identifier of the chunk.
	ID string

	// CollectionID is the owning collection (denormalised from the document).
	CollectionID string

	// DocumentID is the document the passage was extracted from.
	DocumentID string

	// DocumentName is the display name of the source document. Populated on
	// load so the prompt can cite sources without another lookup.
	DocumentName string

	// Index is the 0-based ordinal of the passage within its document.
	Index int

	// Content is the passage text.
	Content string

	// Embedding is the passage vector. All chunks of a collection share one
	// dimension.
	Embedding []float32

	// Tokens is the approximate token count of Content.
	Tokens int
}

// ChunkStore is the durable home of chunks, partitioned by collection.
// Implementations must be safe to call from multiple goroutines.
type ChunkStore interface {
	// ReplaceDocumentChunks atomically (where the backend allows) replaces
	// every chunk of documentID with chunks.
	ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []Chunk) error

	// DeleteDocumentChunks removes every chunk of documentID.
	DeleteDocumentChunks(ctx context.Context, documentID string) error

	// DeleteCollectionChunks removes every chunk of collectionID.
	DeleteCollectionChunks(ctx context.Context, collectionID string) error

	// LoadCollectionChunks returns up to limit chunks of the collection,
	// ordered by document then index. limit <= 0 means no limit. Backends
	// that track document status return only completed, non-deleted
	// documents; the others return every stored chunk and the Retriever
	// filters them through a DocumentFilter.
	LoadCollectionChunks(ctx context.Context, collectionID string, limit int) ([]Chunk, error)

	// CountDocumentChunks returns how many chunks reference documentID.
	CountDocumentChunks(ctx context.Context, documentID string) (int, error)
}

// Embedder converts text into dense vectors.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed returns one vector per input text, in input order. credential
	// overrides the configured provider key when non-empty. A failure fails
	// the whole call; no partial vectors are returned.
	Embed(ctx context.Context, texts []string, credential string) ([][]float32, error)
}
