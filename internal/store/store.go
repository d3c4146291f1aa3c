// Package store is the relational datastore of ragchat, backed by SQLite.
// It owns collections, documents, chunks, conversations, messages, usage
// records and the durable processing job queue. SQLiteStore also satisfies
// rag.ChunkStore so a single-file deployment needs no vector database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

// ErrNotFound is returned when a row does not exist or is not visible to
// the requesting account.
var ErrNotFound = errors.New("store: not found")

// SQLiteStore is the SQLite-backed datastore. It is safe for concurrent use.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
	// now is the clock used for timestamps and job scheduling.
	now func() time.Time
}

// DefaultDBPath returns ~/.ragchat/ragchat.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "ragchat.db"), nil
}

// Open opens (or creates) a SQLiteStore at path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection serialises writers (no SQLITE_BUSY) and keeps an
	// in-memory database alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS collections (
    id          TEXT    PRIMARY KEY,
    owner_id    TEXT    NOT NULL,
    name        TEXT    NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collections_owner ON collections (owner_id);

CREATE TABLE IF NOT EXISTS documents (
    id             TEXT    PRIMARY KEY,
    collection_id  TEXT    NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
    name           TEXT    NOT NULL,
    size_bytes     INTEGER NOT NULL,
    mime_type      TEXT    NOT NULL,
    extension      TEXT    NOT NULL,
    blob_id        TEXT    NOT NULL,
    blob_url       TEXT    NOT NULL,
    status         TEXT    NOT NULL CHECK(status IN ('pending','processing','completed','failed')),
    chunk_count    INTEGER NOT NULL DEFAULT 0,
    page_count     INTEGER NOT NULL DEFAULT 0,
    error_message  TEXT,
    deleted        INTEGER NOT NULL DEFAULT 0,
    deleted_at     INTEGER,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection_id, deleted);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);

CREATE TABLE IF NOT EXISTS chunks (
    id             TEXT    PRIMARY KEY,
    collection_id  TEXT    NOT NULL,
    document_id    TEXT    NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    chunk_index    INTEGER NOT NULL,
    content        TEXT    NOT NULL,
    embedding      BLOB    NOT NULL,
    tokens         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks (collection_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_document_index ON chunks (document_id, chunk_index);

CREATE TABLE IF NOT EXISTS conversations (
    id             TEXT    PRIMARY KEY,
    collection_id  TEXT    NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
    title          TEXT    NOT NULL,
    message_count  INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_collection ON conversations (collection_id);

CREATE TABLE IF NOT EXISTS messages (
    seq              INTEGER PRIMARY KEY AUTOINCREMENT,
    id               TEXT    NOT NULL UNIQUE,
    conversation_id  TEXT    NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role             TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content          TEXT    NOT NULL,
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, seq);

CREATE TABLE IF NOT EXISTS usage_records (
    id               TEXT    PRIMARY KEY,
    owner_id         TEXT    NOT NULL,
    conversation_id  TEXT    NOT NULL,
    request_type     TEXT    NOT NULL,
    input_tokens     INTEGER NOT NULL,
    output_tokens    INTEGER NOT NULL,
    estimated        INTEGER NOT NULL,
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_owner ON usage_records (owner_id, created_at);

CREATE TABLE IF NOT EXISTS processing_jobs (
    id           TEXT    PRIMARY KEY,
    document_id  TEXT    NOT NULL,
    state        TEXT    NOT NULL CHECK(state IN ('queued','running','done','dead')),
    attempts     INTEGER NOT NULL DEFAULT 0,
    run_after    INTEGER NOT NULL,
    lease_until  INTEGER,
    last_error   TEXT,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON processing_jobs (state, run_after);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping checks the database connection. Satisfies the server's Pinger.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Name returns the readiness label.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// newID returns a random UUID string.
func newID() string { return uuid.NewString() }

// millis converts t to Unix milliseconds for storage.
func millis(t time.Time) int64 { return t.UnixMilli() }

// fromMillis converts stored Unix milliseconds back to a time.
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// inTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
