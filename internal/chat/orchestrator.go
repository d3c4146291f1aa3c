// Package chat implements the streaming chat orchestrator: it grounds a
// question in a collection's chunks, streams the provider's answer to the
// caller frame by frame, and records the finished turn.
//
// Persistence policy for interrupted streams: the assistant message, the
// conversation counter bump and the usage record are written only when the
// relay ends cleanly ([DONE] or EOF) with a non-empty answer. A client
// disconnect, timeout or provider error after streaming began leaves only
// the user message.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragchat-go/internal/budget"
	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/rag"
	"github.com/54b3r/ragchat-go/internal/store"
)

const (
	// DefaultHistoryDepth is how many prior messages are considered.
	DefaultHistoryDepth = 10
	// DefaultStreamTimeout bounds a turn's hold on the provider.
	DefaultStreamTimeout = 5 * time.Minute
	// RequestTypeChat tags usage records of chat turns.
	RequestTypeChat = "chat"

	titleRunes     = 60
	persistTimeout = 10 * time.Second
)

var (
	// ErrEmptyMessage is returned for a blank question.
	ErrEmptyMessage = errors.New("chat: message is required")
	// ErrMissingCollection is returned when no collection id is given.
	ErrMissingCollection = errors.New("chat: collectionId is required")
	// ErrNoChunks is returned when the collection has no completed
	// document chunks to ground an answer in.
	ErrNoChunks = errors.New("chat: no processed documents are available in this collection")
)

// Store is the transcript persistence the orchestrator needs.
// *store.SQLiteStore satisfies it.
type Store interface {
	GetCollection(ctx context.Context, ownerID, id string) (*store.Collection, error)
	GetConversation(ctx context.Context, ownerID, collectionID, id string) (*store.Conversation, error)
	CreateConversation(ctx context.Context, collectionID, title string) (*store.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	AppendMessage(ctx context.Context, conversationID string, role store.Role, content string) (*store.Message, error)
	CompleteTurn(ctx context.Context, conversationID, answer string, usage store.Usage) (*store.Message, error)
}

// Retriever loads and ranks a collection's chunks. *rag.Retriever
// satisfies it.
type Retriever interface {
	Candidates(ctx context.Context, collectionID string) ([]rag.Chunk, error)
	Rank(ctx context.Context, candidates []rag.Chunk, query, credential string) ([]rag.Scored, error)
}

// Config holds the orchestrator's collaborators and limits.
type Config struct {
	// Store persists conversations. Required.
	Store Store
	// Retriever supplies grounding chunks. Required.
	Retriever Retriever
	// Completer opens provider streams. Required.
	Completer Completer
	// HistoryDepth caps prior messages. Defaults to DefaultHistoryDepth.
	HistoryDepth int
	// MaxContextTokens caps the whole prompt. Defaults to
	// budget.DefaultMaxContextTokens.
	MaxContextTokens int
	// StreamTimeout bounds a turn. Defaults to DefaultStreamTimeout.
	StreamTimeout time.Duration
}

// Orchestrator runs chat turns. It is safe for concurrent use.
type Orchestrator struct {
	// cfg holds the resolved configuration.
	cfg Config
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("chat: store must not be nil")
	case cfg.Retriever == nil:
		return nil, errors.New("chat: retriever must not be nil")
	case cfg.Completer == nil:
		return nil, errors.New("chat: completer must not be nil")
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = DefaultHistoryDepth
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = budget.DefaultMaxContextTokens
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Request is one chat turn.
type Request struct {
	// OwnerID is the calling account.
	OwnerID string
	// CollectionID is the collection to ground the answer in.
	CollectionID string
	// ConversationID continues an existing conversation when set.
	ConversationID string
	// Message is the user's question.
	Message string
	// Credential overrides the providers' base keys when non-empty.
	Credential string
}

// Turn is a prepared chat turn whose provider stream is open. The caller
// must call Stream or Close.
type Turn struct {
	// Conversation is the resolved conversation.
	Conversation *store.Conversation
	// Sources are the ranked chunks used as context.
	Sources []rag.Scored

	store   Store
	ownerID string
	prompt  []*schema.Message
	body    io.ReadCloser
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	log     *slog.Logger
}

// Prepare validates the request, resolves the conversation, records the
// user message, retrieves context and opens the provider stream. Every
// error is returned before any byte is streamed, so the caller can still
// choose the HTTP status.
//
// Collection availability is checked before anything is written, so
// ErrNoChunks and validation errors have no side effects.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) (*Turn, error) {
	log := logging.FromContext(ctx).With(slog.String("collection_id", req.CollectionID))

	question := strings.TrimSpace(req.Message)
	if question == "" {
		return nil, ErrEmptyMessage
	}
	if req.CollectionID == "" {
		return nil, ErrMissingCollection
	}
	if _, err := o.cfg.Store.GetCollection(ctx, req.OwnerID, req.CollectionID); err != nil {
		return nil, err
	}

	var conv *store.Conversation
	if req.ConversationID != "" {
		c, err := o.cfg.Store.GetConversation(ctx, req.OwnerID, req.CollectionID, req.ConversationID)
		if err != nil {
			return nil, err
		}
		conv = c
	}

	candidates, err := o.cfg.Retriever.Candidates(ctx, req.CollectionID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoChunks
	}

	if conv == nil {
		c, err := o.cfg.Store.CreateConversation(ctx, req.CollectionID, title(question))
		if err != nil {
			return nil, err
		}
		conv = c
	}
	log = log.With(slog.String("conversation_id", conv.ID))

	// History is read before the user message is stored so the current
	// turn is not duplicated in the prompt.
	history, err := o.cfg.Store.RecentMessages(ctx, conv.ID, o.cfg.HistoryDepth)
	if err != nil {
		return nil, err
	}
	if _, err := o.cfg.Store.AppendMessage(ctx, conv.ID, store.RoleUser, question); err != nil {
		return nil, err
	}

	ranked, err := o.cfg.Retriever.Rank(ctx, candidates, question, req.Credential)
	if err != nil {
		return nil, err
	}
	prompt := BuildMessages(SystemPrompt(RenderContext(ranked)), history, question, o.cfg.MaxContextTokens)

	sctx, cancel := context.WithTimeout(ctx, o.cfg.StreamTimeout)
	body, err := o.cfg.Completer.Stream(sctx, prompt, req.Credential)
	if err != nil {
		cancel()
		return nil, err
	}
	log.Debug("chat: provider stream opened",
		slog.Int("candidates", len(candidates)),
		slog.Int("sources", len(ranked)),
		slog.Int("history", len(prompt)-2),
	)

	return &Turn{
		Conversation: conv,
		Sources:      ranked,
		store:        o.cfg.Store,
		ownerID:      req.OwnerID,
		prompt:       prompt,
		body:         body,
		ctx:          sctx,
		cancel:       cancel,
		log:          log,
	}, nil
}

// Result reports how a streamed turn ended.
type Result struct {
	// End is how the relay loop finished.
	End End
	// Answer is the accumulated answer text.
	Answer string
	// Usage is the recorded (or would-be) token accounting.
	Usage store.Usage
	// Persisted reports whether the assistant message was stored.
	Persisted bool
}

// Stream relays the provider stream to w and, on a clean end with a
// non-empty answer, persists the assistant message and usage. The returned
// error is the relay error for an unclean end or a persistence error.
func (t *Turn) Stream(w io.Writer) (Result, error) {
	defer t.Close()

	acc := &Accumulator{}
	end, relayErr := Relay(t.ctx, NewDecoder(t.body), NewForwardSink(w), acc)
	res := Result{End: end, Answer: acc.Text(), Usage: t.usage(acc)}

	if !end.Clean() {
		t.log.Warn("chat: stream ended early, answer discarded",
			slog.String("end", end.String()),
			slog.Int("answer_chars", len(res.Answer)),
			slog.Any("error", relayErr),
		)
		return res, relayErr
	}
	if res.Answer == "" {
		t.log.Warn("chat: provider returned an empty answer")
		return res, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), persistTimeout)
	defer cancel()
	if _, err := t.store.CompleteTurn(ctx, t.Conversation.ID, res.Answer, res.Usage); err != nil {
		return res, fmt.Errorf("chat: persist turn: %w", err)
	}
	res.Persisted = true
	t.log.Info("chat: turn completed",
		slog.Int("input_tokens", res.Usage.InputTokens),
		slog.Int("output_tokens", res.Usage.OutputTokens),
		slog.Bool("estimated", res.Usage.Estimated),
	)
	return res, nil
}

// Close releases the provider stream. It is safe to call more than once.
func (t *Turn) Close() {
	t.once.Do(func() {
		_ = t.body.Close()
		t.cancel()
	})
}

// usage prefers provider counts and falls back to length-based estimates.
func (t *Turn) usage(acc *Accumulator) store.Usage {
	u := store.Usage{OwnerID: t.ownerID, RequestType: RequestTypeChat}
	if p := acc.Usage(); p != nil {
		u.InputTokens = p.InputTokens
		u.OutputTokens = p.OutputTokens
		return u
	}
	u.InputTokens = budget.EstimateMessages(t.prompt)
	u.OutputTokens = budget.Estimate(acc.Text())
	u.Estimated = true
	return u
}

// title derives a conversation title from the first question.
func title(question string) string {
	if utf8.RuneCountInString(question) <= titleRunes {
		return question
	}
	r := []rune(question)
	return strings.TrimSpace(string(r[:titleRunes])) + "…"
}
