package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the route pattern rather than the raw URL path.
	labelHandler = "handler"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// chatRequestsTotal counts finished /api/chat streams, partitioned by how
	// the stream ended ("done", "eof", "client_gone", ...).
	chatRequestsTotal *prometheus.CounterVec

	// chatDurationSeconds records the wall-clock duration of each /api/chat
	// stream from the first forwarded byte to completion.
	chatDurationSeconds *prometheus.HistogramVec

	// chatActiveStreams is the number of /api/chat streams currently open.
	chatActiveStreams prometheus.Gauge

	// chatTokensTotal counts recorded tokens, partitioned by direction
	// ("input", "output") and whether they were estimated.
	chatTokensTotal *prometheus.CounterVec

	// uploadsTotal counts accepted uploads by extension.
	uploadsTotal *prometheus.CounterVec

	// rateLimitRejections counts 429 responses by limited route.
	rateLimitRejections *prometheus.CounterVec

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics. promauto.With(reg) is used so that each call
// registers into the provided registry rather than the global default, which
// keeps unit tests hermetic.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		chatRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total number of /api/chat streams finished, partitioned by how the stream ended.",
		}, []string{"outcome"}),

		chatDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragchat",
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of /api/chat streams.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		chatActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragchat",
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Number of /api/chat streams currently open.",
		}),

		chatTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "chat",
			Name:      "tokens_total",
			Help:      "Tokens recorded for completed chat turns.",
		}, []string{"direction", "estimated"}),

		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "documents",
			Name:      "uploads_total",
			Help:      "Accepted document uploads, partitioned by file extension.",
		}, []string{"extension"}),

		rateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limiter, partitioned by route.",
		}, []string{"route"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragchat",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}
