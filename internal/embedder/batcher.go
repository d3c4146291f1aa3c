package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/rag"
)

const (
	// DefaultBatchSize is the number of texts sent per provider call.
	DefaultBatchSize = 64
	// DefaultTimeout bounds each provider call.
	DefaultTimeout = 60 * time.Second
)

// BatcherConfig configures a Batcher.
type BatcherConfig struct {
	// BatchSize is the maximum number of texts per provider call.
	// Defaults to DefaultBatchSize.
	BatchSize int
	// RequestsPerSecond paces provider calls. Zero disables pacing.
	RequestsPerSecond float64
	// Timeout bounds each provider call. Defaults to DefaultTimeout;
	// negative disables it.
	Timeout time.Duration
}

// Batcher splits large inputs into provider-sized batches, paces calls with
// a token bucket and reassembles the vectors in input order. A failed batch
// fails the whole call. Batcher is itself a rag.Embedder.
type Batcher struct {
	// inner performs the provider calls.
	inner rag.Embedder
	// batchSize is the per-call input cap.
	batchSize int
	// limiter paces calls; nil when pacing is disabled.
	limiter *rate.Limiter
	// timeout bounds each call; zero disables it.
	timeout time.Duration
}

// NewBatcher wraps inner.
func NewBatcher(inner rag.Embedder, cfg BatcherConfig) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	switch {
	case cfg.Timeout == 0:
		cfg.Timeout = DefaultTimeout
	case cfg.Timeout < 0:
		cfg.Timeout = 0
	}
	b := &Batcher{inner: inner, batchSize: cfg.BatchSize, timeout: cfg.Timeout}
	if cfg.RequestsPerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return b
}

// Embed implements rag.Embedder.
func (b *Batcher) Embed(ctx context.Context, texts []string, credential string) ([][]float32, error) {
	log := logging.FromContext(ctx)
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.batchSize {
		end := min(start+b.batchSize, len(texts))
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("embedder: wait for rate limiter: %w", err)
			}
		}

		vecs, err := b.call(ctx, texts[start:end], credential)
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedder: batch [%d:%d) returned %d vectors", start, end, len(vecs))
		}
		out = append(out, vecs...)
		log.Debug("embedder: batch embedded",
			slog.Int("from", start),
			slog.Int("to", end),
			slog.Int("total", len(texts)),
		)
	}
	return out, nil
}

func (b *Batcher) call(ctx context.Context, texts []string, credential string) ([][]float32, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return b.inner.Embed(ctx, texts, credential)
}
