package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/store"
)

// multipartOverhead is the slack allowed on top of the file size for the
// multipart envelope and form fields.
const multipartOverhead = 1 << 20

// cleanupTimeout bounds best-effort cleanup that outlives the request.
const cleanupTimeout = 30 * time.Second

// handleUpload handles POST /api/documents. The multipart form carries the
// file under "file" and the target collection under "collectionId". The
// original is stored, a pending document is recorded and processing is
// queued; the response is 202 without waiting for processing.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)
	account := accountFrom(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxBE *http.MaxBytesError
		if errors.As(err, &maxBE) {
			writeError(w, r, err)
			return
		}
		writeError(w, r, errorf(http.StatusBadRequest, "invalid multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	collectionID := strings.TrimSpace(r.FormValue("collectionId"))
	if collectionID == "" {
		writeError(w, r, errorf(http.StatusBadRequest, "collectionId is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, errorf(http.StatusBadRequest, "file is required"))
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case header.Size == 0:
		writeError(w, r, errorf(http.StatusBadRequest, "file is empty"))
		return
	case header.Size > s.cfg.UploadMaxBytes:
		writeError(w, r, errorf(http.StatusRequestEntityTooLarge, "file exceeds the upload size limit"))
		return
	case !s.allowed[ext]:
		writeError(w, r, errorf(http.StatusUnsupportedMediaType, "file type "+quoteExt(ext)+" is not allowed"))
		return
	}

	if _, err := s.deps.Store.GetCollection(ctx, account, collectionID); err != nil {
		writeError(w, r, err)
		return
	}

	data, err := readUpload(file, header)
	if err != nil {
		writeError(w, r, err)
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	obj, err := s.deps.Blobs.Put(ctx, name, contentType, data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	doc, err := s.deps.Store.CreateDocument(ctx, store.NewDocument{
		CollectionID: collectionID,
		Name:         name,
		SizeBytes:    int64(len(data)),
		MimeType:     contentType,
		Extension:    ext,
		BlobID:       obj.PublicID,
		BlobURL:      obj.URL,
	})
	if err != nil {
		s.deleteBlob(ctx, obj.PublicID)
		writeError(w, r, err)
		return
	}
	log = log.With(slog.String("document_id", doc.ID))

	if err := s.deps.Queue.Enqueue(ctx, doc.ID, credential(r)); err != nil {
		// The document stays pending and is picked up again at startup.
		log.Error("enqueue processing failed", slog.Any("error", err))
		writeError(w, r, err)
		return
	}

	s.metrics.uploadsTotal.WithLabelValues(ext).Inc()
	log.Info("document uploaded",
		slog.String("collection_id", collectionID),
		slog.String("name", name),
		slog.Int("size_bytes", len(data)),
	)
	writeJSON(w, r, http.StatusAccepted, uploadResponse{DocumentID: doc.ID, Status: doc.Status})
}

// readUpload reads the whole upload, rejecting files whose actual size
// disagrees with the declared one.
func readUpload(file multipart.File, header *multipart.FileHeader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(file, header.Size+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != header.Size {
		return nil, errorf(http.StatusBadRequest, "file size does not match its header")
	}
	return data, nil
}

func quoteExt(ext string) string {
	if ext == "" {
		return `"" (no extension)`
	}
	return `"` + ext + `"`
}

// handleProcess handles POST /api/documents/{id}/process. It re-runs the
// processing state machine inline and reports its terminal state.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := s.deps.Store.GetDocument(ctx, accountFrom(ctx), id); err != nil {
		writeError(w, r, err)
		return
	}

	// A client that disconnects mid-run must not strand the document in
	// processing.
	out, err := s.deps.Processor.Process(context.WithoutCancel(ctx), id, credential(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out.Status != store.StatusCompleted {
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: out.Error})
		return
	}
	writeJSON(w, r, http.StatusOK, processResponse{ChunkCount: out.ChunkCount, PageCount: out.PageCount})
}

// handleStatus handles GET /api/documents/{id}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Store.GetDocument(r.Context(), accountFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, statusResponse{
		ID:         doc.ID,
		Status:     doc.Status,
		ChunkCount: doc.ChunkCount,
		PageCount:  doc.PageCount,
		Error:      doc.Error,
	})
}

// handleDeleteDocument handles DELETE /api/documents/{id}. The document is
// soft-deleted and its chunks removed; the original is deleted best effort.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)
	id := r.PathValue("id")

	doc, err := s.deps.Store.SoftDeleteDocument(ctx, accountFrom(ctx), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Chunks.DeleteDocumentChunks(ctx, id); err != nil {
		log.Error("delete document chunks failed", slog.String("document_id", id), slog.Any("error", err))
	}
	s.deps.Cache.Invalidate(doc.CollectionID)
	s.deleteBlob(ctx, doc.BlobID)

	log.Info("document deleted", slog.String("document_id", id), slog.String("collection_id", doc.CollectionID))
	w.WriteHeader(http.StatusNoContent)
}

// deleteBlob removes a stored original, logging failures.
func (s *Server) deleteBlob(ctx context.Context, publicID string) {
	if publicID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.deps.Blobs.Delete(ctx, publicID); err != nil {
		logging.FromContext(ctx).Warn("delete original failed", slog.String("blob_id", publicID), slog.Any("error", err))
	}
}
