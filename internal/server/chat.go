package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/54b3r/ragchat-go/internal/chat"
	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/store"
)

// ConversationHeader carries the resolved conversation id on chat responses.
const ConversationHeader = "X-Conversation-Id"

// handleChat handles POST /api/chat. Every validation and provider error is
// reported before the first byte is streamed; afterwards the provider's
// event stream is forwarded as is and the status stays 200.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, errorf(http.StatusBadRequest, "invalid request body"))
		return
	}

	turn, err := s.deps.Chat.Prepare(ctx, chat.Request{
		OwnerID:        accountFrom(ctx),
		CollectionID:   req.CollectionID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Credential:     credential(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer turn.Close()

	log := logging.FromContext(ctx).With(slog.String("conversation_id", turn.Conversation.ID))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(ConversationHeader, turn.Conversation.ID)
	w.WriteHeader(http.StatusOK)

	s.metrics.chatActiveStreams.Inc()
	defer s.metrics.chatActiveStreams.Dec()
	start := time.Now()

	res, err := turn.Stream(w)

	outcome := res.End.String()
	s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if res.Persisted {
		estimated := strconv.FormatBool(res.Usage.Estimated)
		s.metrics.chatTokensTotal.WithLabelValues("input", estimated).Add(float64(res.Usage.InputTokens))
		s.metrics.chatTokensTotal.WithLabelValues("output", estimated).Add(float64(res.Usage.OutputTokens))
	}
	if err != nil {
		log.Warn("chat stream ended with error",
			slog.String("outcome", outcome),
			slog.Bool("persisted", res.Persisted),
			slog.Any("error", err),
		)
	}
}

// handleMessages handles GET /api/conversations/{id}/messages.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conv, err := s.deps.Store.GetConversation(ctx, accountFrom(ctx), "", r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := s.deps.Store.ListMessages(ctx, conv.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, r, http.StatusOK, messagesResponse{Conversation: conv, Messages: msgs})
}
