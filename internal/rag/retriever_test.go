package rag

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/54b3r/ragchat-go/internal/cache"
)

// fakeChunkStore serves a fixed chunk set and counts loads.
type fakeChunkStore struct {
	chunks []Chunk
	loads  atomic.Int32
	err    error
}

func (f *fakeChunkStore) ReplaceDocumentChunks(context.Context, string, []Chunk) error { return nil }
func (f *fakeChunkStore) DeleteDocumentChunks(context.Context, string) error           { return nil }
func (f *fakeChunkStore) DeleteCollectionChunks(context.Context, string) error         { return nil }
func (f *fakeChunkStore) CountDocumentChunks(context.Context, string) (int, error)     { return 0, nil }

func (f *fakeChunkStore) LoadCollectionChunks(_ context.Context, _ string, limit int) ([]Chunk, error) {
	f.loads.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && limit < len(f.chunks) {
		return f.chunks[:limit], nil
	}
	return f.chunks, nil
}

// fakeEmbedder returns a fixed vector and records the credential it saw.
type fakeEmbedder struct {
	vec        []float32
	err        error
	credential string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, credential string) ([][]float32, error) {
	f.credential = credential
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

// gatedChunkStore blocks LoadCollectionChunks until release is closed and
// serves whatever chunks hold at that moment.
type gatedChunkStore struct {
	fakeChunkStore
	started chan struct{}
	release chan struct{}
	gated   atomic.Bool
}

func (g *gatedChunkStore) LoadCollectionChunks(ctx context.Context, id string, limit int) ([]Chunk, error) {
	if g.gated.CompareAndSwap(true, false) {
		close(g.started)
		<-g.release
	}
	return g.fakeChunkStore.LoadCollectionChunks(ctx, id, limit)
}

// completedDocs is a DocumentFilter over a fixed id set.
type completedDocs map[string]struct{}

func (c completedDocs) CompletedDocumentIDs(context.Context, string) (map[string]struct{}, error) {
	return c, nil
}

func newTestRetriever(t *testing.T, store *fakeChunkStore, emb *fakeEmbedder) *Retriever {
	t.Helper()
	c := cache.New[CacheKey, []Chunk](cache.Config{TTL: time.Minute, SweepInterval: -1})
	t.Cleanup(c.Stop)
	r, err := NewRetriever(RetrieverConfig{Embedder: emb, Store: store, Cache: c, TopK: 2, MaxCandidates: 10})
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}
	return r
}

func TestNewRetriever_RequiresDeps(t *testing.T) {
	t.Parallel()

	if _, err := NewRetriever(RetrieverConfig{Store: &fakeChunkStore{}}); err == nil {
		t.Error("expected error for nil embedder")
	}
	if _, err := NewRetriever(RetrieverConfig{Embedder: &fakeEmbedder{}}); err == nil {
		t.Error("expected error for nil store")
	}
}

func TestRetriever_CandidatesCached(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{chunks: []Chunk{{ID: "a", Embedding: []float32{1, 0}}}}
	r := newTestRetriever(t, store, &fakeEmbedder{})
	ctx := context.Background()

	for range 3 {
		got, err := r.Candidates(ctx, "col-1")
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("want 1 candidate, got %d", len(got))
		}
	}
	if n := store.loads.Load(); n != 1 {
		t.Errorf("store loads = %d, want 1 (subsequent calls served from cache)", n)
	}

	r.Invalidate("col-1")
	if _, err := r.Candidates(ctx, "col-1"); err != nil {
		t.Fatalf("Candidates after invalidate: %v", err)
	}
	if n := store.loads.Load(); n != 2 {
		t.Errorf("store loads after invalidate = %d, want 2", n)
	}
}

func TestRetriever_InvalidateDuringLoadIsNotCached(t *testing.T) {
	t.Parallel()

	gs := &gatedChunkStore{
		fakeChunkStore: fakeChunkStore{chunks: []Chunk{{ID: "a", Content: "old"}}},
		started:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	gs.gated.Store(true)
	c := cache.New[CacheKey, []Chunk](cache.Config{TTL: time.Minute, SweepInterval: -1})
	t.Cleanup(c.Stop)
	r, err := NewRetriever(RetrieverConfig{Embedder: &fakeEmbedder{}, Store: gs, Cache: c})
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}
	ctx := context.Background()

	done := make(chan []Chunk, 1)
	go func() {
		got, _ := r.Candidates(ctx, "col-1")
		done <- got
	}()
	<-gs.started

	// The document changes and the collection is invalidated mid-load.
	gs.chunks = []Chunk{{ID: "a", Content: "new"}}
	r.Invalidate("col-1")
	close(gs.release)
	<-done

	got, err := r.Candidates(ctx, "col-1")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 1 || got[0].Content != "new" {
		t.Errorf("after invalidation got %+v, want the new content", got)
	}
	if n := gs.loads.Load(); n != 2 {
		t.Errorf("store loads = %d, want 2", n)
	}
}

func TestRetriever_FiltersToCompletedDocuments(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{chunks: []Chunk{
		{ID: "a", DocumentID: "done"},
		{ID: "b", DocumentID: "in-flight"},
		{ID: "c", DocumentID: "done"},
	}}
	r, err := NewRetriever(RetrieverConfig{
		Embedder:  &fakeEmbedder{},
		Store:     store,
		Documents: completedDocs{"done": {}},
	})
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}

	got, err := r.Candidates(context.Background(), "col-1")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("candidates = %+v, want a and c", got)
	}
	if len(store.chunks) != 3 {
		t.Error("filtering modified the store's slice")
	}
}

func TestRetriever_EmptyCollectionNotCached(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{}
	r := newTestRetriever(t, store, &fakeEmbedder{})

	for range 2 {
		got, err := r.Candidates(context.Background(), "empty")
		if err != nil || len(got) != 0 {
			t.Fatalf("Candidates = %v, %v; want empty, nil", got, err)
		}
	}
	if n := store.loads.Load(); n != 2 {
		t.Errorf("store loads = %d, want 2", n)
	}
}

func TestRetriever_StoreErrorPropagates(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{err: errors.New("disk on fire")}
	r := newTestRetriever(t, store, &fakeEmbedder{})
	if _, err := r.Candidates(context.Background(), "c"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRetriever_SearchRanksAndPassesCredential(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{chunks: []Chunk{
		{ID: "x", Index: 0, Embedding: []float32{0, 1}},
		{ID: "y", Index: 1, Embedding: []float32{1, 0}},
		{ID: "z", Index: 2, Embedding: []float32{1, 1}},
	}}
	emb := &fakeEmbedder{vec: []float32{1, 0}}
	r := newTestRetriever(t, store, emb)

	got, err := r.Search(context.Background(), "c", "question", "sk-caller")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].Chunk.ID != "y" || got[1].Chunk.ID != "z" {
		t.Errorf("unexpected ranking: %+v", got)
	}
	if emb.credential != "sk-caller" {
		t.Errorf("credential = %q, want sk-caller", emb.credential)
	}
}

func TestRetriever_RankEmbedError(t *testing.T) {
	t.Parallel()

	upstream := NewUpstreamError("embeddings", 401, []byte(`{"error":"bad key"}`))
	r := newTestRetriever(t, &fakeChunkStore{}, &fakeEmbedder{err: upstream})

	_, err := r.Rank(context.Background(), []Chunk{{ID: "a"}}, "q", "")
	ue, ok := AsUpstream(err)
	if !ok {
		t.Fatalf("want wrapped UpstreamError, got %v", err)
	}
	if ue.HTTPStatus() != 401 {
		t.Errorf("HTTPStatus = %d, want 401", ue.HTTPStatus())
	}
}

func TestUpstreamError_HTTPStatus(t *testing.T) {
	t.Parallel()

	if got := (&UpstreamError{Provider: "p", Err: errors.New("dial")}).HTTPStatus(); got != 502 {
		t.Errorf("transport failure status = %d, want 502", got)
	}
	if got := NewUpstreamError("p", 429, nil).HTTPStatus(); got != 429 {
		t.Errorf("status = %d, want 429", got)
	}
	big := make([]byte, 10000)
	if got := len(NewUpstreamError("p", 500, big).Body); got != maxErrorBody {
		t.Errorf("body length = %d, want %d", got, maxErrorBody)
	}
}
