package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragchat-go/internal/logging"
)

// DefaultPingTimeout bounds each dependency check of GET /api/ready.
const DefaultPingTimeout = 3 * time.Second

// Pinger is a dependency that can report its own reachability: the SQLite
// datastore, an external chunk store, the completion provider or the Redis
// rate-limit counters. Implementations must be safe for concurrent use.
type Pinger interface {
	// Ping returns nil when the dependency answers within ctx.
	Ping(ctx context.Context) error
	// Name labels the dependency in readiness responses (e.g. "sqlite").
	Name() string
}

// readyCheck is the check result of one dependency.
type readyCheck struct {
	// Name is the dependency label.
	Name string `json:"name"`
	// OK is true when the check succeeded.
	OK bool `json:"ok"`
	// LatencyMS is how long the check took.
	LatencyMS int64 `json:"latencyMs"`
	// Error is the failure reason. Empty on success.
	Error string `json:"error,omitempty"`
}

// readyResponse is the JSON body of GET /api/ready.
type readyResponse struct {
	// Ready is true only when every check succeeded.
	Ready bool `json:"ready"`
	// Checks holds one result per dependency, in registration order.
	Checks []readyCheck `json:"checks"`
}

// handleReady handles GET /api/ready. Every dependency is pinged
// concurrently under its own timeout; the response is 200 when all of them
// answered and 503 otherwise. A slow dependency costs at most one timeout.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	timeout := s.cfg.PingTimeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}

	checks := make([]readyCheck, len(s.pingers))
	var g errgroup.Group
	for i, p := range s.pingers {
		g.Go(func() error {
			checks[i] = pingWithin(r.Context(), p, timeout)
			return nil
		})
	}
	_ = g.Wait()

	resp := readyResponse{Ready: true, Checks: checks}
	for _, c := range checks {
		if !c.OK {
			resp.Ready = false
			log.Warn("readiness check failed",
				slog.String("dependency", c.Name),
				slog.String("error", c.Error),
			)
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// pingWithin pings p under timeout. A pinger that ignores its context is
// reported as timed out once the deadline passes.
func pingWithin(ctx context.Context, p Pinger, timeout time.Duration) readyCheck {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() { errc <- p.Ping(ctx) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	check := readyCheck{Name: p.Name(), OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		check.Error = err.Error()
	}
	return check
}
