package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/ragchat-go/internal/chat"
	"github.com/54b3r/ragchat-go/internal/extract"
	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/rag"
	"github.com/54b3r/ragchat-go/internal/store"
)

// apiError is a handler error with an explicit status and client message.
type apiError struct {
	// status is the HTTP status to answer with.
	status int
	// msg is shown to the caller.
	msg string
}

func (e *apiError) Error() string { return e.msg }

// errorf builds an apiError.
func errorf(status int, msg string) error {
	return &apiError{status: status, msg: msg}
}

// errorResponse is the JSON body of every error response.
type errorResponse struct {
	// Error is the human-readable reason.
	Error string `json:"error"`
	// Provider names the failing upstream for provider errors.
	Provider string `json:"provider,omitempty"`
	// Details is the upstream error body for provider errors.
	Details string `json:"details,omitempty"`
}

// writeError maps err to a status code and writes a JSON error body.
// Unexpected errors are logged and reported as 500 without details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context())

	var (
		api   *apiError
		maxBE *http.MaxBytesError
	)
	status := http.StatusInternalServerError
	body := errorResponse{Error: "internal error"}

	switch {
	case errors.As(err, &api):
		status, body.Error = api.status, api.msg
	case errors.As(err, &maxBE):
		status, body.Error = http.StatusRequestEntityTooLarge, "file exceeds the upload size limit"
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMissingCollection),
		errors.Is(err, chat.ErrNoChunks):
		status, body.Error = http.StatusBadRequest, strings.TrimPrefix(err.Error(), "chat: ")
	case errors.Is(err, store.ErrNotFound):
		status, body.Error = http.StatusNotFound, "not found"
	case errors.Is(err, extract.ErrUnsupportedType):
		status, body.Error = http.StatusUnsupportedMediaType, err.Error()
	default:
		if ue, ok := rag.AsUpstream(err); ok {
			status = ue.HTTPStatus()
			body = errorResponse{Error: "upstream provider request failed", Provider: ue.Provider, Details: ue.Body}
			log.Warn("upstream provider error",
				slog.String("provider", ue.Provider),
				slog.Int("provider_status", ue.StatusCode),
				slog.Any("error", err),
			)
			break
		}
		log.Error("request failed", slog.Any("error", err))
	}

	writeJSON(w, r, status, body)
}
