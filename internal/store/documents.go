package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is a document's processing state.
type Status string

const (
	// StatusPending is set at upload acceptance, before any heavy work.
	StatusPending Status = "pending"
	// StatusProcessing is set when extraction, chunking and embedding begin.
	StatusProcessing Status = "processing"
	// StatusCompleted means every chunk of the document has an embedding.
	StatusCompleted Status = "completed"
	// StatusFailed means processing failed; the document has no chunks.
	StatusFailed Status = "failed"
)

// Terminal reports whether s ends a processing run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Document is one uploaded source file.
type Document struct {
	// ID is the opaque document identifier.
	ID string `json:"id"`
	// CollectionID is the owning collection.
	CollectionID string `json:"collectionId"`
	// Name is the display name, usually the original file name.
	Name string `json:"name"`
	// SizeBytes is the size of the original file.
	SizeBytes int64 `json:"sizeBytes"`
	// MimeType is the detected content type of the original file.
	MimeType string `json:"mimeType"`
	// Extension is the lower-cased file extension including the dot.
	Extension string `json:"extension"`
	// BlobID is the object storage public id of the original file.
	BlobID string `json:"-"`
	// BlobURL is the object storage URL the original file is fetched from.
	BlobURL string `json:"-"`
	// Status is the processing state.
	Status Status `json:"status"`
	// ChunkCount is the number of chunks of a completed document.
	ChunkCount int `json:"chunkCount"`
	// PageCount is the number of pages found during extraction.
	PageCount int `json:"pageCount"`
	// Error is the human-readable failure reason of a failed document.
	Error string `json:"error,omitempty"`
	// CreatedAt is the upload time.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the time of the last state change.
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewDocument holds the fields supplied at upload time.
type NewDocument struct {
	CollectionID string
	Name         string
	SizeBytes    int64
	MimeType     string
	Extension    string
	BlobID       string
	BlobURL      string
}

const documentColumns = `d.id, d.collection_id, d.name, d.size_bytes, d.mime_type, d.extension,
       d.blob_id, d.blob_url, d.status, d.chunk_count, d.page_count, d.error_message,
       d.created_at, d.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*Document, error) {
	var (
		d                Document
		errMsg           sql.NullString
		created, updated int64
	)
	if err := r.Scan(&d.ID, &d.CollectionID, &d.Name, &d.SizeBytes, &d.MimeType, &d.Extension,
		&d.BlobID, &d.BlobURL, &d.Status, &d.ChunkCount, &d.PageCount, &errMsg,
		&created, &updated); err != nil {
		return nil, err
	}
	d.Error = errMsg.String
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return &d, nil
}

// CreateDocument records an uploaded document in status pending.
func (s *SQLiteStore) CreateDocument(ctx context.Context, nd NewDocument) (*Document, error) {
	now := s.now().UTC()
	d := &Document{
		ID:           newID(),
		CollectionID: nd.CollectionID,
		Name:         nd.Name,
		SizeBytes:    nd.SizeBytes,
		MimeType:     nd.MimeType,
		Extension:    nd.Extension,
		BlobID:       nd.BlobID,
		BlobURL:      nd.BlobURL,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (id, collection_id, name, size_bytes, mime_type, extension,
                       blob_id, blob_url, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CollectionID, d.Name, d.SizeBytes, d.MimeType, d.Extension,
		d.BlobID, d.BlobURL, d.Status, millis(now), millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert document: %w", err)
	}
	return d, nil
}

// GetDocument returns a non-deleted document whose collection is owned by ownerID.
func (s *SQLiteStore) GetDocument(ctx context.Context, ownerID, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents d JOIN collections c ON c.id = d.collection_id
WHERE d.id = ? AND d.deleted = 0 AND c.owner_id = ?`, id, ownerID)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document: %w", err)
	}
	return d, nil
}

// LoadDocument returns a non-deleted document without an ownership check.
// It is used by the processing pipeline, which runs outside a request.
func (s *SQLiteStore) LoadDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents d WHERE d.id = ? AND d.deleted = 0`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load document: %w", err)
	}
	return d, nil
}

// ListDocuments returns the non-deleted documents of a collection owned by
// ownerID, oldest first.
func (s *SQLiteStore) ListDocuments(ctx context.Context, ownerID, collectionID string) ([]Document, error) {
	if _, err := s.GetCollection(ctx, ownerID, collectionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents d
WHERE d.collection_id = ? AND d.deleted = 0
ORDER BY d.created_at ASC, d.id ASC`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// CompletedDocumentIDs returns the ids of the collection's completed,
// non-deleted documents.
func (s *SQLiteStore) CompletedDocumentIDs(ctx context.Context, collectionID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM documents WHERE collection_id = ? AND status = 'completed' AND deleted = 0`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("store: list completed documents: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan document id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// MarkProcessing moves a non-deleted document into processing from any
// state, clearing the counts and error of a previous run.
func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
UPDATE documents SET status = 'processing', chunk_count = 0, page_count = 0,
       error_message = NULL, updated_at = ?
WHERE id = ? AND deleted = 0`, millis(s.now()), id)
}

// MarkCompleted records a successful run.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, chunkCount, pageCount int) error {
	return s.transition(ctx, id, `
UPDATE documents SET status = 'completed', chunk_count = ?, page_count = ?,
       error_message = NULL, updated_at = ?
WHERE id = ? AND deleted = 0`, chunkCount, pageCount, millis(s.now()), id)
}

// MarkFailed records a failed run with a human-readable reason.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, `
UPDATE documents SET status = 'failed', chunk_count = 0, error_message = ?, updated_at = ?
WHERE id = ? AND deleted = 0`, reason, millis(s.now()), id)
}

func (s *SQLiteStore) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update document %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteDocument flags a document owned by ownerID as deleted and removes
// its chunks. The returned document carries the blob id for cleanup.
func (s *SQLiteStore) SoftDeleteDocument(ctx context.Context, ownerID, id string) (*Document, error) {
	var doc *Document
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents d JOIN collections c ON c.id = d.collection_id
WHERE d.id = ? AND d.deleted = 0 AND c.owner_id = ?`, id, ownerID)
		d, err := scanDocument(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: get document: %w", err)
		}
		now := millis(s.now())
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET deleted = 1, deleted_at = ?, chunk_count = 0, updated_at = ? WHERE id = ?`,
			now, now, id); err != nil {
			return fmt.Errorf("store: soft delete document: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
			return fmt.Errorf("store: delete document chunks: %w", err)
		}
		doc = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
