package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragchat-go/internal/blob"
	"github.com/54b3r/ragchat-go/internal/chat"
	"github.com/54b3r/ragchat-go/internal/ingestion"
	"github.com/54b3r/ragchat-go/internal/ratelimit"
	"github.com/54b3r/ragchat-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. It must
	// outlast the longest chat stream.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers are the dependencies pinged by GET /api/ready. If empty,
	// /api/ready returns 200 with no checks.
	Pingers []Pinger
	// PingTimeout bounds each readiness check. Defaults to
	// DefaultPingTimeout.
	PingTimeout time.Duration
	// APIKeys maps bearer tokens to account ids. If empty, authentication is
	// disabled and every caller is the account "local".
	APIKeys map[string]string
	// UploadMaxBytes is the largest accepted upload. Defaults to 20 MiB.
	UploadMaxBytes int64
	// AllowedExtensions is the upload allow-list, lower-case with the dot.
	// Defaults to every type the extractor supports.
	AllowedExtensions []string
	// ChatLimit rate-limits POST /api/chat. Nil disables the limit.
	ChatLimit *ratelimit.Limiter
	// UploadLimit rate-limits upload and reprocessing. Nil disables the limit.
	UploadLimit *ratelimit.Limiter
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer serves GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// Store is the relational datastore the handlers use.
// *store.SQLiteStore satisfies it.
type Store interface {
	CreateCollection(ctx context.Context, ownerID, name string) (*store.Collection, error)
	GetCollection(ctx context.Context, ownerID, id string) (*store.Collection, error)
	DeleteCollection(ctx context.Context, ownerID, id string) ([]string, error)
	CreateDocument(ctx context.Context, nd store.NewDocument) (*store.Document, error)
	GetDocument(ctx context.Context, ownerID, id string) (*store.Document, error)
	ListDocuments(ctx context.Context, ownerID, collectionID string) ([]store.Document, error)
	SoftDeleteDocument(ctx context.Context, ownerID, id string) (*store.Document, error)
	GetConversation(ctx context.Context, ownerID, collectionID, id string) (*store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
}

// Processor runs document processing inline. *ingestion.Processor
// satisfies it.
type Processor interface {
	Process(ctx context.Context, documentID, credential string) (ingestion.Outcome, error)
}

// Enqueuer schedules background processing. *jobs.Pool satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, documentID, credential string) error
}

// Chatter prepares chat turns. *chat.Orchestrator satisfies it.
type Chatter interface {
	Prepare(ctx context.Context, req chat.Request) (*chat.Turn, error)
}

// ChunkRemover deletes chunks from the configured chunk store backend.
// rag.ChunkStore satisfies it.
type ChunkRemover interface {
	DeleteDocumentChunks(ctx context.Context, documentID string) error
	DeleteCollectionChunks(ctx context.Context, collectionID string) error
}

// Invalidator drops cached retrieval state of a collection.
// *rag.Retriever satisfies it.
type Invalidator interface {
	Invalidate(collectionID string)
}

// Deps are the collaborators behind the HTTP surface. All are required.
type Deps struct {
	// Store is the relational datastore.
	Store Store
	// Blobs holds original uploads.
	Blobs blob.Store
	// Chunks is the chunk store backend.
	Chunks ChunkRemover
	// Processor runs inline reprocessing.
	Processor Processor
	// Queue schedules background processing of uploads.
	Queue Enqueuer
	// Chat runs chat turns.
	Chat Chatter
	// Cache is invalidated after deletes.
	Cache Invalidator
}

// Server is the HTTP server exposing the chat core.
type Server struct {
	// deps are the handler collaborators.
	deps Deps
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency checks for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors.
	metrics *serverMetrics
	// allowed is the upload extension allow-list.
	allowed map[string]bool
}

// createCollectionRequest is the JSON body for POST /api/collections.
type createCollectionRequest struct {
	// Name is the display name of the collection.
	Name string `json:"name"`
}

// uploadResponse is the JSON response for POST /api/documents.
type uploadResponse struct {
	// DocumentID is the id of the created document.
	DocumentID string `json:"documentId"`
	// Status is always "pending".
	Status store.Status `json:"status"`
}

// processResponse is the JSON response for a successful
// POST /api/documents/{id}/process.
type processResponse struct {
	// ChunkCount is the number of chunks persisted.
	ChunkCount int `json:"chunkCount"`
	// PageCount is the number of pages extracted.
	PageCount int `json:"pageCount"`
}

// statusResponse is the JSON response for GET /api/documents/{id}/status.
type statusResponse struct {
	// ID is the document id.
	ID string `json:"id"`
	// Status is pending, processing, completed or failed.
	Status store.Status `json:"status"`
	// ChunkCount is set once the document completed.
	ChunkCount int `json:"chunkCount"`
	// PageCount is set once the document completed.
	PageCount int `json:"pageCount"`
	// Error is the failure reason of a failed document.
	Error string `json:"error,omitempty"`
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// CollectionID is the collection to ground the answer in.
	CollectionID string `json:"collectionId"`
	// Message is the user's question.
	Message string `json:"message"`
	// ConversationID continues an existing conversation when set.
	ConversationID string `json:"conversationId,omitempty"`
}

// messagesResponse is the JSON response for
// GET /api/conversations/{id}/messages.
type messagesResponse struct {
	// Conversation is the conversation header.
	Conversation *store.Conversation `json:"conversation"`
	// Messages is the transcript, oldest first.
	Messages []store.Message `json:"messages"`
}
