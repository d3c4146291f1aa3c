package rag

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgvectorConfig holds connection parameters for a Postgres/pgvector chunk store.
type PgvectorConfig struct {
	// ConnString is the Postgres connection URL.
	ConnString string
	// Table is the chunk table name (default: rag_chunks).
	Table string
	// VectorSize is the embedding dimension used for the vector column.
	VectorSize int
}

// PgvectorStore implements ChunkStore on a Postgres table with a pgvector
// column. Similarity ranking stays in-process (TopK); Postgres is only the
// durable chunk home.
type PgvectorStore struct {
	// pool is the pgx connection pool.
	pool *pgxpool.Pool
	// table is the resolved table name.
	table string
}

// NewPgvectorStore connects to Postgres and creates the extension, table and
// indexes when missing.
func NewPgvectorStore(ctx context.Context, cfg *PgvectorConfig) (*PgvectorStore, error) {
	if cfg.Table == "" {
		cfg.Table = "rag_chunks"
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("pgvector: vector size must be positive")
	}

	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("pgvector: connect: %w", err)
	}

	s := &PgvectorStore{pool: pool, table: cfg.Table}
	if err := s.migrate(ctx, cfg.VectorSize); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *PgvectorStore) migrate(ctx context.Context, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL,
			document_id   TEXT NOT NULL,
			document_name TEXT NOT NULL,
			chunk_index   INTEGER NOT NULL,
			content       TEXT NOT NULL,
			tokens        INTEGER NOT NULL,
			embedding     vector(%d) NOT NULL
		)`, s.table, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_collection_idx ON %s (collection_id)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_document_idx ON %s (document_id, chunk_index)`, s.table, s.table),
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("pgvector: migrate: %w", err)
		}
	}
	return nil
}

// ReplaceDocumentChunks deletes and re-inserts the document's chunks in one
// transaction.
func (s *PgvectorStore) ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgvector: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, s.table), documentID); err != nil {
		return fmt.Errorf("pgvector: delete chunks of %s: %w", documentID, err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s
		(id, collection_id, document_id, document_name, chunk_index, content, tokens, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table)

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(insert, c.ID, c.CollectionID, c.DocumentID, c.DocumentName,
			c.Index, c.Content, c.Tokens, pgvector.NewVector(c.Embedding))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("pgvector: insert %d chunks for %s: %w", len(chunks), documentID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgvector: commit: %w", err)
	}
	return nil
}

// DeleteDocumentChunks removes every chunk of documentID.
func (s *PgvectorStore) DeleteDocumentChunks(ctx context.Context, documentID string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, s.table), documentID); err != nil {
		return fmt.Errorf("pgvector: delete chunks of %s: %w", documentID, err)
	}
	return nil
}

// DeleteCollectionChunks removes every chunk of collectionID.
func (s *PgvectorStore) DeleteCollectionChunks(ctx context.Context, collectionID string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE collection_id = $1`, s.table), collectionID); err != nil {
		return fmt.Errorf("pgvector: delete chunks of collection %s: %w", collectionID, err)
	}
	return nil
}

// LoadCollectionChunks returns the collection's chunks with their vectors.
// Rows carry no document status; the Retriever filters them.
func (s *PgvectorStore) LoadCollectionChunks(ctx context.Context, collectionID string, limit int) ([]Chunk, error) {
	q := fmt.Sprintf(`SELECT id, document_id, document_name, chunk_index, content, tokens, embedding
		FROM %s WHERE collection_id = $1 ORDER BY document_id, chunk_index`, s.table)
	args := []any{collectionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: load %s: %w", collectionID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c := Chunk{CollectionID: collectionID}
		var vec pgvector.Vector
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.DocumentName, &c.Index, &c.Content, &c.Tokens, &vec); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		c.Embedding = vec.Slice()
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: rows: %w", err)
	}
	return chunks, nil
}

// CountDocumentChunks returns how many rows reference documentID.
func (s *PgvectorStore) CountDocumentChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE document_id = $1`, s.table), documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgvector: count %s: %w", documentID, err)
	}
	return n, nil
}

// Ping checks the connection pool.
func (s *PgvectorStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Name returns the readiness label.
func (s *PgvectorStore) Name() string { return "pgvector" }

// Close releases the connection pool.
func (s *PgvectorStore) Close() error {
	s.pool.Close()
	return nil
}
