package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Collection is an isolation scope owned by exactly one account.
type Collection struct {
	// ID is the opaque collection identifier.
	ID string `json:"id"`
	// OwnerID is the account that owns the collection.
	OwnerID string `json:"ownerId"`
	// Name is the display name.
	Name string `json:"name"`
	// CreatedAt is when the collection was created.
	CreatedAt time.Time `json:"createdAt"`
}

// CreateCollection inserts a new collection owned by ownerID.
func (s *SQLiteStore) CreateCollection(ctx context.Context, ownerID, name string) (*Collection, error) {
	c := &Collection{ID: newID(), OwnerID: ownerID, Name: name, CreatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (id, owner_id, name, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, millis(c.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert collection: %w", err)
	}
	return c, nil
}

// GetCollection returns the collection if it exists and is owned by ownerID.
func (s *SQLiteStore) GetCollection(ctx context.Context, ownerID, id string) (*Collection, error) {
	var (
		c       Collection
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, created_at FROM collections WHERE id = ? AND owner_id = ?`,
		id, ownerID,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get collection: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

// DeleteCollection removes a collection owned by ownerID together with its
// documents, chunks, conversations and messages. It returns the blob ids of
// the documents that were removed so the caller can delete the originals.
func (s *SQLiteStore) DeleteCollection(ctx context.Context, ownerID, id string) ([]string, error) {
	var blobIDs []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var found string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM collections WHERE id = ? AND owner_id = ?`, id, ownerID,
		).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: lookup collection: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT blob_id FROM documents WHERE collection_id = ? AND deleted = 0`, id)
		if err != nil {
			return fmt.Errorf("store: list collection blobs: %w", err)
		}
		for rows.Next() {
			var b string
			if err := rows.Scan(&b); err != nil {
				_ = rows.Close()
				return fmt.Errorf("store: scan blob id: %w", err)
			}
			blobIDs = append(blobIDs, b)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("store: list collection blobs: %w", err)
		}

		stmts := []string{
			`DELETE FROM chunks WHERE collection_id = ?`,
			`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE collection_id = ?)`,
			`DELETE FROM conversations WHERE collection_id = ?`,
			`DELETE FROM documents WHERE collection_id = ?`,
			`DELETE FROM collections WHERE id = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("store: delete collection: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blobIDs, nil
}
