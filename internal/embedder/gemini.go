package embedder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/54b3r/ragchat-go/internal/rag"
)

// GeminiEmbedder implements rag.Embedder with the Gemini embedContent API.
// Clients are created lazily per credential and reused.
type GeminiEmbedder struct {
	// apiKey is the base credential.
	apiKey string
	// model is the embedding model name (e.g. "text-embedding-004").
	model string
	// dimensions is the requested output size (0 = model default).
	dimensions int

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// GeminiConfig holds the settings for constructing a GeminiEmbedder.
type GeminiConfig struct {
	// APIKey is the Gemini API key.
	APIKey string
	// Model is the embedding model name.
	Model string
	// Dimensions is the requested output size (0 = model default).
	Dimensions int
}

// NewGeminiEmbedder constructs a GeminiEmbedder from the given config.
func NewGeminiEmbedder(cfg *GeminiConfig) *GeminiEmbedder {
	return &GeminiEmbedder{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		clients:    make(map[string]*genai.Client),
	}
}

func (e *GeminiEmbedder) client(ctx context.Context, key string) (*genai.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[key]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: create client: %w", err)
	}
	e.clients[key] = c
	return c, nil
}

// Embed converts a batch of texts into their corresponding embeddings.
func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string, credential string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	key := e.apiKey
	if credential != "" {
		key = credential
	}
	client, err := e.client(ctx, key)
	if err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	cfg := &genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"}
	if e.dimensions > 0 {
		cfg.OutputDimensionality = genai.Ptr(int32(e.dimensions))
	}

	resp, err := client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, rag.NewUpstreamError("gemini-embeddings", apiErr.Code, []byte(apiErr.Message))
		}
		return nil, &rag.UpstreamError{Provider: "gemini-embeddings", Err: err}
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini embedder: expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}
	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("gemini embedder: no embedding for input %d", i)
		}
		out[i] = emb.Values
	}
	return out, nil
}
