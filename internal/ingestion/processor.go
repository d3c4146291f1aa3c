// Package ingestion implements the document processing state machine.
// A Processor takes a stored document from pending (or any terminal state)
// through processing to completed or failed: it fetches the original bytes,
// extracts text, chunks it, embeds every chunk and persists the result.
// Processing failures are recorded on the document and never escape as
// errors; only infrastructure failures (the outcome could not be recorded)
// are returned, so a job runner can retry them.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/ragchat-go/internal/blob"
	"github.com/54b3r/ragchat-go/internal/chunker"
	"github.com/54b3r/ragchat-go/internal/extract"
	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/rag"
	"github.com/54b3r/ragchat-go/internal/store"
)

// DocumentStore records a document's processing state.
// *store.SQLiteStore satisfies it.
type DocumentStore interface {
	LoadDocument(ctx context.Context, id string) (*store.Document, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, chunkCount, pageCount int) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Fetcher returns the original bytes of a document. blob.Store satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Invalidator drops cached chunk snapshots of a collection.
// *rag.Retriever satisfies it.
type Invalidator interface {
	Invalidate(collectionID string)
}

// Config holds the Processor's collaborators.
type Config struct {
	// Documents records state transitions. Required.
	Documents DocumentStore
	// Blobs fetches original files. Required.
	Blobs Fetcher
	// Chunks persists passages and vectors. Required.
	Chunks rag.ChunkStore
	// Embedder embeds passages. Required.
	Embedder rag.Embedder
	// Chunker splits extracted text. Defaults to chunker.New(chunker.Config{}).
	Chunker *chunker.Chunker
	// Cache is invalidated on every terminal transition. Optional.
	Cache Invalidator
	// Metrics records outcomes. Optional.
	Metrics *Metrics
}

// Outcome is the terminal state of one processing run.
type Outcome struct {
	// Status is completed or failed.
	Status store.Status `json:"status"`
	// ChunkCount is the number of persisted chunks.
	ChunkCount int `json:"chunkCount"`
	// PageCount is the number of pages found during extraction.
	PageCount int `json:"pageCount"`
	// Error is the failure reason of a failed run.
	Error string `json:"error,omitempty"`
}

// Processor runs the processing state machine. It is safe for concurrent
// use; runs for the same document are last-writer-wins.
type Processor struct {
	// docs records state transitions.
	docs DocumentStore
	// blobs fetches original files.
	blobs Fetcher
	// chunks persists passages.
	chunks rag.ChunkStore
	// embedder embeds passages.
	embedder rag.Embedder
	// chunker splits text.
	chunker *chunker.Chunker
	// cache may be nil.
	cache Invalidator
	// metrics may be nil.
	metrics *Metrics
}

// NewProcessor validates cfg and returns a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	switch {
	case cfg.Documents == nil:
		return nil, errors.New("ingestion: document store must not be nil")
	case cfg.Blobs == nil:
		return nil, errors.New("ingestion: blob fetcher must not be nil")
	case cfg.Chunks == nil:
		return nil, errors.New("ingestion: chunk store must not be nil")
	case cfg.Embedder == nil:
		return nil, errors.New("ingestion: embedder must not be nil")
	}
	if cfg.Chunker == nil {
		cfg.Chunker = chunker.New(chunker.Config{})
	}
	return &Processor{
		docs:     cfg.Documents,
		blobs:    cfg.Blobs,
		chunks:   cfg.Chunks,
		embedder: cfg.Embedder,
		chunker:  cfg.Chunker,
		cache:    cfg.Cache,
		metrics:  cfg.Metrics,
	}, nil
}

// failure is a processing failure recorded on the document. retry marks
// failures caused by infrastructure rather than by the document.
type failure struct {
	reason string
	err    error
	retry  bool
}

// Process runs the state machine for documentID. credential overrides the
// embedding provider's base key when non-empty.
//
// It returns store.ErrNotFound when the document does not exist. When ctx
// is cancelled mid-run the document is left in processing, nothing is
// recorded as failed, and the returned error wraps ctx.Err() so the caller
// can run it again. Any other non-nil error means the run hit an
// infrastructure problem; the document has still been moved to failed when
// that was possible.
func (p *Processor) Process(ctx context.Context, documentID, credential string) (Outcome, error) {
	log := logging.FromContext(ctx).With(slog.String("document_id", documentID))
	ctx = logging.WithLogger(ctx, log)
	start := time.Now()

	doc, err := p.docs.LoadDocument(ctx, documentID)
	if err != nil {
		return Outcome{}, err
	}
	if err := p.docs.MarkProcessing(ctx, documentID); err != nil {
		return Outcome{}, fmt.Errorf("ingestion: mark processing: %w", err)
	}
	log.Info("ingestion: processing started",
		slog.String("collection_id", doc.CollectionID),
		slog.String("name", doc.Name),
	)

	out, fail := p.run(ctx, doc, credential)
	if fail != nil && ctx.Err() != nil {
		if p.cache != nil {
			p.cache.Invalidate(doc.CollectionID)
		}
		log.Info("ingestion: processing interrupted", slog.String("step", fail.reason))
		return Outcome{Status: store.StatusProcessing}, fmt.Errorf("ingestion: interrupted: %w", ctx.Err())
	}
	if fail != nil {
		out = p.fail(ctx, doc, fail)
	}

	if p.cache != nil {
		p.cache.Invalidate(doc.CollectionID)
	}
	p.metrics.observe(out.Status, time.Since(start), out.ChunkCount)

	if fail != nil {
		log.Warn("ingestion: processing failed",
			slog.String("reason", fail.reason),
			slog.Any("error", fail.err),
		)
		if fail.retry {
			return out, fmt.Errorf("ingestion: %s: %w", fail.reason, fail.err)
		}
		return out, nil
	}
	log.Info("ingestion: processing completed",
		slog.Int("chunks", out.ChunkCount),
		slog.Int("pages", out.PageCount),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// run performs the work between processing and a terminal state.
func (p *Processor) run(ctx context.Context, doc *store.Document, credential string) (Outcome, *failure) {
	// A reprocessed document must not keep chunks from an earlier run.
	if err := p.chunks.DeleteDocumentChunks(ctx, doc.ID); err != nil {
		return Outcome{}, &failure{reason: "could not clear previous chunks", err: err, retry: true}
	}

	data, err := p.blobs.Fetch(ctx, doc.BlobURL)
	if err != nil {
		return Outcome{}, &failure{
			reason: "could not fetch the original file",
			err:    err,
			retry:  !errors.Is(err, blob.ErrNotFound),
		}
	}

	res, err := extract.Extract("document"+doc.Extension, data)
	if err != nil {
		return Outcome{}, &failure{reason: "text extraction failed: " + err.Error(), err: err}
	}

	passages := p.chunker.Split(res.Text)
	if len(passages) == 0 {
		return Outcome{}, &failure{reason: "no text could be extracted from the document", err: errNoText}
	}

	texts := make([]string, len(passages))
	for i, ps := range passages {
		texts[i] = ps.Text
	}
	vectors, err := p.embedder.Embed(ctx, texts, credential)
	if err != nil {
		return Outcome{}, &failure{reason: "embedding failed: " + err.Error(), err: err}
	}
	if len(vectors) != len(passages) {
		return Outcome{}, &failure{
			reason: fmt.Sprintf("embedding failed: %d vectors for %d chunks", len(vectors), len(passages)),
			err:    errVectorCount,
		}
	}

	chunks := make([]rag.Chunk, len(passages))
	for i, ps := range passages {
		if len(vectors[i]) == 0 {
			return Outcome{}, &failure{reason: fmt.Sprintf("embedding failed: chunk %d has no vector", i), err: errVectorCount}
		}
		chunks[i] = rag.Chunk{
			ID:           chunkID(doc.ID, ps.Index),
			CollectionID: doc.CollectionID,
			DocumentID:   doc.ID,
			DocumentName: doc.Name,
			Index:        ps.Index,
			Content:      ps.Text,
			Embedding:    vectors[i],
			Tokens:       ps.Tokens,
		}
	}

	if err := p.chunks.ReplaceDocumentChunks(ctx, doc.ID, chunks); err != nil {
		return Outcome{}, &failure{reason: "could not store chunks", err: err, retry: true}
	}
	if err := p.docs.MarkCompleted(ctx, doc.ID, len(chunks), res.Pages); err != nil {
		return Outcome{}, &failure{reason: "could not record completion", err: err, retry: true}
	}

	return Outcome{Status: store.StatusCompleted, ChunkCount: len(chunks), PageCount: res.Pages}, nil
}

// Abandon moves documentID to failed with reason once its processing
// attempts are exhausted. Chunks left by an interrupted run are removed and
// the collection's cached snapshot is dropped.
func (p *Processor) Abandon(ctx context.Context, documentID, reason string) error {
	doc, err := p.docs.LoadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	f := &failure{reason: reason}
	p.fail(ctx, doc, f)
	if p.cache != nil {
		p.cache.Invalidate(doc.CollectionID)
	}
	if f.retry {
		return fmt.Errorf("ingestion: abandon %s: failure could not be fully recorded", documentID)
	}
	return nil
}

// fail removes any chunks written for doc and records the failure. It runs
// on a context detached from cancellation so cleanup completes even when
// the caller has gone away.
func (p *Processor) fail(ctx context.Context, doc *store.Document, f *failure) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	log := logging.FromContext(ctx)

	if err := p.chunks.DeleteDocumentChunks(ctx, doc.ID); err != nil {
		log.Error("ingestion: cleanup of partial chunks failed", slog.Any("error", err))
		f.retry = true
	}
	if err := p.docs.MarkFailed(ctx, doc.ID, f.reason); err != nil {
		log.Error("ingestion: could not record failure", slog.Any("error", err))
		f.retry = true
	}
	return Outcome{Status: store.StatusFailed, Error: f.reason}
}

var (
	errNoText      = errors.New("extracted text is empty")
	errVectorCount = errors.New("embedding count mismatch")
)

// chunkID derives a stable UUID for a chunk from its document and ordinal,
// so every backend (including Qdrant, which requires UUID point ids) can
// use it as a primary key.
func chunkID(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "ragchat:%s#%d", documentID, index)).String()
}
