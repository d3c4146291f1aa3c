package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragchat-go/internal/blob"
	"github.com/54b3r/ragchat-go/internal/cache"
	"github.com/54b3r/ragchat-go/internal/chunker"
	"github.com/54b3r/ragchat-go/internal/config"
	"github.com/54b3r/ragchat-go/internal/embedder"
	"github.com/54b3r/ragchat-go/internal/ingestion"
	"github.com/54b3r/ragchat-go/internal/rag"
	"github.com/54b3r/ragchat-go/internal/server"
	"github.com/54b3r/ragchat-go/internal/store"
)

// app holds the collaborators shared by every command that touches
// collections: the datastore, chunk store, object store, retrieval path and
// the processing state machine.
type app struct {
	settings  *config.Settings
	store     *store.SQLiteStore
	chunks    rag.ChunkStore
	blobs     blob.Store
	cache     *cache.Cache[rag.CacheKey, []rag.Chunk]
	retriever *rag.Retriever
	processor *ingestion.Processor
	// pingers ping the backends this app opened, for GET /api/ready.
	pingers []server.Pinger
	closers []func() error
}

// buildApp resolves settings and opens every backend. reg receives the
// cache and processing metrics; pass nil to skip metrics (one-shot CLI
// commands). The returned app must be closed.
func buildApp(ctx context.Context, log *slog.Logger, reg prometheus.Registerer) (*app, error) {
	settings := config.FromEnv()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := embedder.Validate(log); err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	a := &app{settings: settings}
	ok := false
	defer func() {
		if !ok {
			a.close(log)
		}
	}()

	dbPath := settings.DBPath
	if dbPath == "" {
		var err error
		if dbPath, err = store.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	a.pingers = append(a.pingers, st)
	log.Info("datastore opened", slog.String("path", dbPath))

	if err := a.openChunkStore(ctx, log); err != nil {
		return nil, err
	}
	if err := a.openBlobStore(ctx, dbPath, log); err != nil {
		return nil, err
	}

	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	log.Info("embedder initialised", slog.String("backend", embedder.Backend()))

	a.cache = cache.New[rag.CacheKey, []rag.Chunk](cache.Config{
		TTL:           settings.CacheTTL,
		Capacity:      settings.CacheCapacity,
		SweepInterval: settings.CacheSweep,
		Name:          "chunks",
		Registerer:    reg,
	})
	a.closers = append(a.closers, func() error { a.cache.Stop(); return nil })

	rc := rag.RetrieverConfig{
		Embedder:      emb,
		Store:         a.chunks,
		Cache:         a.cache,
		TopK:          settings.TopK,
		MaxCandidates: settings.MaxCandidates,
	}
	// External chunk stores do not know document status.
	if settings.ChunkStore != config.ChunkStoreSQLite {
		rc.Documents = st
	}
	a.retriever, err = rag.NewRetriever(rc)
	if err != nil {
		return nil, err
	}

	var metrics *ingestion.Metrics
	if reg != nil {
		metrics = ingestion.NewMetrics(reg)
	}
	a.processor, err = ingestion.NewProcessor(ingestion.Config{
		Documents: st,
		Blobs:     a.blobs,
		Chunks:    a.chunks,
		Embedder:  emb,
		Chunker:   chunker.New(chunker.Config{SizeTokens: settings.ChunkSize, OverlapTokens: settings.ChunkOverlap}),
		Cache:     a.retriever,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// openChunkStore selects the chunk store backend. The SQLite datastore is
// the default home for chunks.
func (a *app) openChunkStore(ctx context.Context, log *slog.Logger) error {
	s := a.settings
	dims := embedder.DefaultDimensions(embedder.Backend())

	switch s.ChunkStore {
	case config.ChunkStoreQdrant:
		qs, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
			Host:       s.QdrantHost,
			Port:       s.QdrantPort,
			Collection: s.QdrantCollection,
			VectorSize: uint64(dims), //nolint:gosec // dimensions are bounded
			APIKey:     s.QdrantAPIKey,
			UseTLS:     s.QdrantTLS,
		})
		if err != nil {
			return fmt.Errorf("qdrant at %s:%d: %w", s.QdrantHost, s.QdrantPort, err)
		}
		a.chunks = qs
		a.closers = append(a.closers, qs.Close)
		a.pingers = append(a.pingers, server.NewQdrantPinger(qs.Client()))
		log.Info("chunk store: qdrant",
			slog.String("host", s.QdrantHost),
			slog.Int("port", s.QdrantPort),
			slog.String("collection", s.QdrantCollection),
		)
	case config.ChunkStorePgvector:
		ps, err := rag.NewPgvectorStore(ctx, &rag.PgvectorConfig{
			ConnString: s.PgvectorURL,
			VectorSize: dims,
		})
		if err != nil {
			return fmt.Errorf("pgvector: %w", err)
		}
		a.chunks = ps
		a.closers = append(a.closers, ps.Close)
		a.pingers = append(a.pingers, ps)
		log.Info("chunk store: pgvector", slog.Int("dimensions", dims))
	default:
		a.chunks = a.store
		log.Info("chunk store: sqlite")
	}
	return nil
}

// openBlobStore selects the object store. Local storage defaults to a
// blobs directory beside the database file.
func (a *app) openBlobStore(ctx context.Context, dbPath string, log *slog.Logger) error {
	s := a.settings
	if s.Blob == config.BlobGCS {
		gs, err := blob.NewGCSStore(ctx, blob.GCSConfig{
			Bucket:          s.GCSBucket,
			CredentialsFile: s.GCSCredentialsFile,
		})
		if err != nil {
			return err
		}
		a.blobs = gs
		a.closers = append(a.closers, gs.Close)
		log.Info("object store: gcs", slog.String("bucket", s.GCSBucket))
		return nil
	}

	dir := s.BlobDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(dbPath), "blobs")
	}
	ls, err := blob.NewLocalStore(dir)
	if err != nil {
		return err
	}
	a.blobs = ls
	log.Info("object store: local", slog.String("dir", dir))
	return nil
}

// close releases every opened backend in reverse order.
func (a *app) close(log *slog.Logger) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("shutdown: closing backends", slog.Any("error", err))
	}
}
