//go:build integration

package embedder

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/54b3r/ragchat-go/internal/rag"
)

// TestOllamaEmbedder_Integration embeds through a running Ollama instance
// and checks that related passages score closer than unrelated ones.
//
// Prerequisites:
//
//	ollama pull nomic-embed-text
//
// Run with:
//
//	go test -tags=integration -run TestOllamaEmbedder_Integration ./internal/embedder/
func TestOllamaEmbedder_Integration(t *testing.T) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = defaultOllamaModel
	}

	emb := NewBatcher(NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model}), BatcherConfig{BatchSize: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	texts := []string{
		"Employees accrue twenty days of paid vacation per year.",
		"How many vacation days do staff get annually?",
		"The reactor coolant pump must be inspected every quarter.",
	}
	vecs, err := emb.Embed(ctx, texts, "")
	if err != nil {
		t.Fatalf("Embed() failed: %v\n\nEnsure Ollama is running and %q is pulled", err, model)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d embeddings, got %d", len(texts), len(vecs))
	}

	related := rag.Cosine(vecs[0], vecs[1])
	unrelated := rag.Cosine(vecs[1], vecs[2])
	t.Logf("model=%s dim=%d related=%.3f unrelated=%.3f", model, len(vecs[0]), related, unrelated)
	if related <= unrelated {
		t.Errorf("related passages scored %.3f, not above unrelated %.3f", related, unrelated)
	}
}
