package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/54b3r/ragchat-go/internal/logging"
)

// maxCollectionName caps collection display names.
const maxCollectionName = 200

// handleCreateCollection handles POST /api/collections.
func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, r, errorf(http.StatusBadRequest, "invalid request body"))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, errorf(http.StatusBadRequest, "name is required"))
		return
	}
	if utf8.RuneCountInString(name) > maxCollectionName {
		writeError(w, r, errorf(http.StatusBadRequest, "name is too long"))
		return
	}

	coll, err := s.deps.Store.CreateCollection(r.Context(), accountFrom(r.Context()), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, coll)
}

// handleListDocuments handles GET /api/collections/{id}/documents.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := accountFrom(ctx)
	id := r.PathValue("id")

	if _, err := s.deps.Store.GetCollection(ctx, account, id); err != nil {
		writeError(w, r, err)
		return
	}
	docs, err := s.deps.Store.ListDocuments(ctx, account, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"documents": docs})
}

// handleDeleteCollection handles DELETE /api/collections/{id}. It removes the
// collection with its documents, chunks and conversations, then deletes the
// stored originals. Blob cleanup is best effort.
func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)
	id := r.PathValue("id")

	blobIDs, err := s.deps.Store.DeleteCollection(ctx, accountFrom(ctx), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Chunks.DeleteCollectionChunks(ctx, id); err != nil {
		log.Error("delete collection chunks failed", slog.String("collection_id", id), slog.Any("error", err))
	}
	s.deps.Cache.Invalidate(id)

	for _, blobID := range blobIDs {
		if err := s.deps.Blobs.Delete(ctx, blobID); err != nil {
			log.Warn("delete original failed", slog.String("blob_id", blobID), slog.Any("error", err))
		}
	}
	log.Info("collection deleted", slog.String("collection_id", id), slog.Int("documents", len(blobIDs)))
	w.WriteHeader(http.StatusNoContent)
}
