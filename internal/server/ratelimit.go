package server

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/ratelimit"
)

// limit returns a handler that admits requests through l before calling
// next. Rejected requests receive 429 with a Retry-After header and do no
// further work. A nil limiter disables the check. A failing counter backend
// is logged and the request is admitted.
//
// Callers are keyed by account when auth is enabled and by client IP
// otherwise, so the shared local account does not pool every caller.
func (s *Server) limit(l *ratelimit.Limiter, next http.HandlerFunc) http.HandlerFunc {
	if l == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		identity := accountFrom(r.Context())
		if len(s.cfg.APIKeys) == 0 {
			identity = clientIP(r)
		}

		d, err := l.Allow(r.Context(), identity)
		if err != nil {
			log.Warn("rate limit check failed, admitting request",
				slog.String("route", l.Route()),
				slog.Any("error", err),
			)
			next(w, r)
			return
		}
		if !d.Allowed {
			s.metrics.rateLimitRejections.WithLabelValues(l.Route()).Inc()
			log.Warn("rate limit exceeded",
				slog.String("route", l.Route()),
				slog.String("identity", identity),
				slog.Duration("retry_after", d.RetryAfter),
			)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeJSON(w, r, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		next(w, r)
	}
}

// clientIP extracts the remote IP from the request, stripping the port.
// It does not trust X-Forwarded-For; deploy behind a proxy that rewrites
// RemoteAddr or enable API keys.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	// RemoteAddr is "host:port" for TCP connections.
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
