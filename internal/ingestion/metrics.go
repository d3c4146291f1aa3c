package ingestion

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/ragchat-go/internal/store"
)

// Metrics holds the document processing collectors.
type Metrics struct {
	// processed counts terminal outcomes by status.
	processed *prometheus.CounterVec
	// duration observes wall time per run by status.
	duration *prometheus.HistogramVec
	// chunks observes chunk counts of completed documents.
	chunks prometheus.Histogram
}

// NewMetrics registers the processing collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ragchat_documents_processed_total",
			Help: "Document processing runs by terminal status.",
		}, []string{"status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ragchat_document_processing_seconds",
			Help:    "Wall time of document processing runs.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		chunks: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ragchat_document_chunks",
			Help:    "Chunks produced per completed document.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (m *Metrics) observe(status store.Status, elapsed time.Duration, chunks int) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(string(status)).Inc()
	m.duration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	if status == store.StatusCompleted {
		m.chunks.Observe(float64(chunks))
	}
}
