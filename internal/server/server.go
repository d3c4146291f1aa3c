// Package server implements the HTTP surface of the chat core: collection
// and document management, inline and queued processing, streaming chat
// and transcripts, plus health, readiness and metrics endpoints.
// The server is started by the `ragchat serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ragchat-go/internal/extract"
	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/ratelimit"
)

// DefaultUploadMaxBytes is the upload size limit when none is configured.
const DefaultUploadMaxBytes = 20 << 20

// DefaultAllowedExtensions is the upload allow-list when none is configured.
var DefaultAllowedExtensions = []string{".pdf", ".txt", ".md", ".html", ".htm", ".docx"}

// New constructs a Server from its collaborators and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("server: store must not be nil")
	case deps.Blobs == nil:
		return nil, errors.New("server: blob store must not be nil")
	case deps.Chunks == nil:
		return nil, errors.New("server: chunk store must not be nil")
	case deps.Processor == nil:
		return nil, errors.New("server: processor must not be nil")
	case deps.Queue == nil:
		return nil, errors.New("server: queue must not be nil")
	case deps.Chat == nil:
		return nil, errors.New("server: chat orchestrator must not be nil")
	case deps.Cache == nil:
		return nil, errors.New("server: cache must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming responses.
		cfg.WriteTimeout = 6 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.UploadMaxBytes <= 0 {
		cfg.UploadMaxBytes = DefaultUploadMaxBytes
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = DefaultAllowedExtensions
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		if !extract.Supported(ext) {
			return nil, fmt.Errorf("server: extension %q has no text extractor", ext)
		}
		allowed[ext] = true
	}

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		log:     cfg.Logger,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
		allowed: allowed,
	}

	if len(cfg.APIKeys) == 0 {
		s.log.Warn("auth disabled: no API keys configured, every caller is the local account")
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	protect := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(s.cfg.APIKeys, h)
	}
	limited := func(l *ratelimit.Limiter, h http.HandlerFunc) http.Handler {
		return authMiddleware(s.cfg.APIKeys, s.limit(l, h))
	}

	mux.Handle("POST /api/collections", protect(s.handleCreateCollection))
	mux.Handle("DELETE /api/collections/{id}", protect(s.handleDeleteCollection))
	mux.Handle("GET /api/collections/{id}/documents", protect(s.handleListDocuments))

	mux.Handle("POST /api/documents", limited(s.cfg.UploadLimit, s.handleUpload))
	mux.Handle("POST /api/documents/{id}/process", limited(s.cfg.UploadLimit, s.handleProcess))
	mux.Handle("GET /api/documents/{id}/status", protect(s.handleStatus))
	mux.Handle("DELETE /api/documents/{id}", protect(s.handleDeleteDocument))

	mux.Handle("POST /api/chat", limited(s.cfg.ChatLimit, s.handleChat))
	mux.Handle("GET /api/conversations/{id}/messages", protect(s.handleMessages))

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	return requestLogger(s.log, s.instrument(mux))
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("ragchat server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}
