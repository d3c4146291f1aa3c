package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/54b3r/ragchat-go/internal/rag"
)

var _ rag.ChunkStore = (*SQLiteStore)(nil)

// ReplaceDocumentChunks replaces every chunk of documentID in one transaction.
func (s *SQLiteStore) ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []rag.Chunk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
			return fmt.Errorf("store: clear chunks: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (id, collection_id, document_id, chunk_index, content, embedding, tokens)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("store: prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			id := c.ID
			if id == "" {
				id = newID()
			}
			if _, err := stmt.ExecContext(ctx, id, c.CollectionID, documentID, c.Index,
				c.Content, encodeVector(c.Embedding), c.Tokens); err != nil {
				return fmt.Errorf("store: insert chunk %d: %w", c.Index, err)
			}
		}
		return nil
	})
}

// DeleteDocumentChunks removes every chunk of documentID.
func (s *SQLiteStore) DeleteDocumentChunks(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("store: delete document chunks: %w", err)
	}
	return nil
}

// DeleteCollectionChunks removes every chunk of collectionID.
func (s *SQLiteStore) DeleteCollectionChunks(ctx context.Context, collectionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE collection_id = ?`, collectionID); err != nil {
		return fmt.Errorf("store: delete collection chunks: %w", err)
	}
	return nil
}

// LoadCollectionChunks returns chunks of completed, non-deleted documents.
func (s *SQLiteStore) LoadCollectionChunks(ctx context.Context, collectionID string, limit int) ([]rag.Chunk, error) {
	query := `
SELECT k.id, k.collection_id, k.document_id, d.name, k.chunk_index, k.content, k.embedding, k.tokens
FROM chunks k JOIN documents d ON d.id = k.document_id
WHERE k.collection_id = ? AND d.status = 'completed' AND d.deleted = 0
ORDER BY d.created_at ASC, k.document_id ASC, k.chunk_index ASC`
	args := []any{collectionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: load chunks: %w", err)
	}
	defer rows.Close()

	var out []rag.Chunk
	for rows.Next() {
		var (
			c   rag.Chunk
			vec []byte
		)
		if err := rows.Scan(&c.ID, &c.CollectionID, &c.DocumentID, &c.DocumentName,
			&c.Index, &c.Content, &vec, &c.Tokens); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		c.Embedding = decodeVector(vec)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load chunks: %w", err)
	}
	return out, nil
}

// CountDocumentChunks returns how many chunks reference documentID.
func (s *SQLiteStore) CountDocumentChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = ?`, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count chunks: %w", err)
	}
	return n, nil
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector. Trailing bytes are ignored.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
