package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a message sent by the caller.
	RoleUser Role = "user"
	// RoleAssistant is a generated answer.
	RoleAssistant Role = "assistant"
)

// Conversation groups ordered messages within a collection.
type Conversation struct {
	// ID is the opaque conversation identifier.
	ID string `json:"id"`
	// CollectionID is the collection the conversation is grounded on.
	CollectionID string `json:"collectionId"`
	// Title is derived from the first user message.
	Title string `json:"title"`
	// MessageCount counts completed turns times two.
	MessageCount int `json:"messageCount"`
	// CreatedAt is when the conversation was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the time of the last completed turn.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one turn of a conversation.
type Message struct {
	// ID is the opaque message identifier.
	ID string `json:"id"`
	// ConversationID is the owning conversation.
	ConversationID string `json:"conversationId"`
	// Role is user or assistant.
	Role Role `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// CreatedAt is when the message was stored.
	CreatedAt time.Time `json:"createdAt"`
}

// Usage is the token accounting of one completed chat turn.
type Usage struct {
	// OwnerID is the account billed for the turn.
	OwnerID string
	// RequestType tags the kind of request, e.g. "chat".
	RequestType string
	// InputTokens counts prompt tokens.
	InputTokens int
	// OutputTokens counts generated tokens.
	OutputTokens int
	// Estimated is true when the counts are length-based estimates.
	Estimated bool
}

// UsageRecord is a persisted Usage row.
type UsageRecord struct {
	Usage
	// ID is the record identifier.
	ID string
	// ConversationID is the conversation the turn belongs to.
	ConversationID string
	// CreatedAt is when the record was appended.
	CreatedAt time.Time
}

// CreateConversation starts a conversation in collectionID.
func (s *SQLiteStore) CreateConversation(ctx context.Context, collectionID, title string) (*Conversation, error) {
	now := s.now().UTC()
	c := &Conversation{ID: newID(), CollectionID: collectionID, Title: title, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations (id, collection_id, title, message_count, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?)`, c.ID, c.CollectionID, c.Title, millis(now), millis(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation whose collection is owned by ownerID.
// A non-empty collectionID must also match.
func (s *SQLiteStore) GetConversation(ctx context.Context, ownerID, collectionID, id string) (*Conversation, error) {
	var (
		c                Conversation
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT v.id, v.collection_id, v.title, v.message_count, v.created_at, v.updated_at
FROM conversations v JOIN collections c ON c.id = v.collection_id
WHERE v.id = ? AND c.owner_id = ? AND (? = '' OR v.collection_id = ?)`,
		id, ownerID, collectionID, collectionID,
	).Scan(&c.ID, &c.CollectionID, &c.Title, &c.MessageCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// AppendMessage stores a message without touching the conversation counter.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, role Role, content string) (*Message, error) {
	m := &Message{ID: newID(), ConversationID: conversationID, Role: role, Content: content, CreatedAt: s.now().UTC()}
	if err := insertMessage(ctx, s.db, m); err != nil {
		return nil, err
	}
	return m, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, db execer, m *Message) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, millis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit of the most recent messages of a
// conversation, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, created_at FROM (
    SELECT seq, id, conversation_id, role, content, created_at
    FROM messages WHERE conversation_id = ?
    ORDER BY seq DESC LIMIT ?
) ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListMessages returns the full transcript of a conversation, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, created_at
FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	msgs := []Message{}
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	return msgs, nil
}

// CompleteTurn persists the assistant answer of a turn, bumps the
// conversation's counter by two and updated time, and appends a usage
// record, all in one transaction.
func (s *SQLiteStore) CompleteTurn(ctx context.Context, conversationID, answer string, usage Usage) (*Message, error) {
	now := s.now().UTC()
	m := &Message{ID: newID(), ConversationID: conversationID, Role: RoleAssistant, Content: answer, CreatedAt: now}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertMessage(ctx, tx, m); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
UPDATE conversations SET message_count = message_count + 2, updated_at = ? WHERE id = ?`,
			millis(now), conversationID)
		if err != nil {
			return fmt.Errorf("store: bump conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO usage_records (id, owner_id, conversation_id, request_type, input_tokens, output_tokens, estimated, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			newID(), usage.OwnerID, conversationID, usage.RequestType,
			usage.InputTokens, usage.OutputTokens, usage.Estimated, millis(now)); err != nil {
			return fmt.Errorf("store: insert usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListUsage returns the usage records of an account, oldest first.
func (s *SQLiteStore) ListUsage(ctx context.Context, ownerID string) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, conversation_id, request_type, input_tokens, output_tokens, estimated, created_at
FROM usage_records WHERE owner_id = ? ORDER BY created_at ASC, rowid ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: list usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var (
			r       UsageRecord
			created int64
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.ConversationID, &r.RequestType,
			&r.InputTokens, &r.OutputTokens, &r.Estimated, &created); err != nil {
			return nil, fmt.Errorf("store: scan usage: %w", err)
		}
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountConversations returns how many conversations a collection has.
func (s *SQLiteStore) CountConversations(ctx context.Context, collectionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE collection_id = ?`, collectionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count conversations: %w", err)
	}
	return n, nil
}
