package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/54b3r/ragchat-go/internal/logging"
)

const (
	// PurposeCandidates tags cache entries holding a collection's chat
	// candidate set.
	PurposeCandidates = "chat-candidates"

	// DefaultMaxCandidates caps how many chunks are loaded per collection.
	DefaultMaxCandidates = 2000
)

// CacheKey identifies a cached chunk snapshot.
type CacheKey struct {
	// CollectionID is the collection the snapshot belongs to.
	CollectionID string
	// Purpose distinguishes snapshots of the same collection.
	Purpose string
}

// ChunkCache is the subset of the retrieval cache the Retriever needs.
// *cache.Cache[CacheKey, []Chunk] satisfies it.
type ChunkCache interface {
	Get(key CacheKey) ([]Chunk, bool)
	Set(key CacheKey, value []Chunk)
	Delete(key CacheKey)
}

// DocumentFilter lists the documents whose chunks may be served. The
// relational datastore satisfies it; chunk stores that keep no document
// status rely on it to hide chunks of documents that are not completed.
type DocumentFilter interface {
	CompletedDocumentIDs(ctx context.Context, collectionID string) (map[string]struct{}, error)
}

// RetrieverConfig holds the Retriever's collaborators and limits.
type RetrieverConfig struct {
	// Embedder embeds the live query.
	Embedder Embedder
	// Store is the source of truth for chunks.
	Store ChunkStore
	// Cache holds recently loaded candidate sets. Nil disables caching.
	Cache ChunkCache
	// TopK is the number of chunks returned by Rank. Defaults to DefaultTopK.
	TopK int
	// MaxCandidates caps the candidate set size. Defaults to DefaultMaxCandidates.
	MaxCandidates int
	// Documents filters loaded chunks to completed documents. Optional.
	Documents DocumentFilter
}

// Retriever loads a collection's candidate chunks through the cache and
// ranks them against a query. It is safe for concurrent use.
type Retriever struct {
	// embedder converts the query to a vector.
	embedder Embedder
	// store loads candidates on a cache miss.
	store ChunkStore
	// cache may be nil.
	cache ChunkCache
	// topK is the result size of Rank.
	topK int
	// maxCandidates caps each load from the store.
	maxCandidates int
	// documents may be nil.
	documents DocumentFilter

	// mu guards generations and orders cache writes against Invalidate.
	mu sync.Mutex
	// generations counts invalidations per collection. A fill is cached
	// only if no invalidation happened while it was loading.
	generations map[string]uint64
}

// NewRetriever constructs a Retriever from cfg.
func NewRetriever(cfg RetrieverConfig) (*Retriever, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("rag: chunk store must not be nil")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	return &Retriever{
		embedder:      cfg.Embedder,
		store:         cfg.Store,
		cache:         cfg.Cache,
		topK:          cfg.TopK,
		maxCandidates: cfg.MaxCandidates,
		documents:     cfg.Documents,
		generations:   make(map[string]uint64),
	}, nil
}

// Candidates returns the collection's candidate chunks, from the cache when
// a live entry exists and from the chunk store otherwise. An empty
// collection yields an empty slice and is not cached. A load that overlaps
// an Invalidate of the same collection is returned but not cached.
func (r *Retriever) Candidates(ctx context.Context, collectionID string) ([]Chunk, error) {
	key := CacheKey{CollectionID: collectionID, Purpose: PurposeCandidates}
	if r.cache != nil {
		if chunks, ok := r.cache.Get(key); ok {
			return chunks, nil
		}
	}

	gen := r.generation(collectionID)
	chunks, err := r.store.LoadCollectionChunks(ctx, collectionID, r.maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("rag: load candidates for %s: %w", collectionID, err)
	}
	if r.documents != nil {
		if chunks, err = r.servable(ctx, collectionID, chunks); err != nil {
			return nil, err
		}
	}
	if r.cache != nil && len(chunks) > 0 {
		r.mu.Lock()
		if r.generations[collectionID] == gen {
			r.cache.Set(key, chunks)
		}
		r.mu.Unlock()
	}
	logging.FromContext(ctx).Debug("rag: candidates loaded from store",
		slog.String("collection_id", collectionID),
		slog.Int("count", len(chunks)),
	)
	return chunks, nil
}

// servable drops chunks whose document is not completed.
func (r *Retriever) servable(ctx context.Context, collectionID string, chunks []Chunk) ([]Chunk, error) {
	ids, err := r.documents.CompletedDocumentIDs(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("rag: list completed documents of %s: %w", collectionID, err)
	}
	out := chunks[:0:0]
	for _, c := range chunks {
		if _, ok := ids[c.DocumentID]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *Retriever) generation(collectionID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[collectionID]
}

// Rank embeds query and returns the top-K candidates by cosine similarity.
func (r *Retriever) Rank(ctx context.Context, candidates []Chunk, query, credential string) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	vecs, err := r.embedder.Embed(ctx, []string{query}, credential)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("rag: embedder returned %d vectors for one query", len(vecs))
	}
	return TopK(vecs[0], candidates, r.topK), nil
}

// Search is Candidates followed by Rank.
func (r *Retriever) Search(ctx context.Context, collectionID, query, credential string) ([]Scored, error) {
	candidates, err := r.Candidates(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return r.Rank(ctx, candidates, query, credential)
}

// Invalidate drops every cached snapshot of the collection. Called after any
// chunk mutation in that collection.
func (r *Retriever) Invalidate(collectionID string) {
	if r.cache == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[collectionID]++
	r.cache.Delete(CacheKey{CollectionID: collectionID, Purpose: PurposeCandidates})
}
