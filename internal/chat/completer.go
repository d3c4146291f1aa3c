package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragchat-go/internal/rag"
)

// Completer opens a streaming completion. The returned body is an
// OpenAI-compatible server-sent event stream ("data: {...}" events ending
// with "data: [DONE]"). A provider that rejects the request before
// streaming must yield a *rag.UpstreamError.
type Completer interface {
	Stream(ctx context.Context, msgs []*schema.Message, credential string) (io.ReadCloser, error)
}

// HTTPCompleterConfig configures an HTTPCompleter.
type HTTPCompleterConfig struct {
	// BaseURL is the API base, e.g. "https://api.openai.com/v1".
	// For Azure: "https://<resource>.openai.azure.com/openai".
	BaseURL string
	// APIKey is the base credential used when a call carries none.
	APIKey string
	// Model is the model (or Azure deployment) name.
	Model string
	// MaxTokens caps the answer length. Zero leaves it to the provider.
	MaxTokens int
	// Temperature is the sampling temperature. Nil leaves it to the provider.
	Temperature *float32
	// Azure selects api-key auth and deployment URLs.
	Azure bool
	// APIVersion is the Azure API version.
	APIVersion string
	// HTTPClient overrides the default client. It must not set a total
	// timeout shorter than a stream; bound streams with the context instead.
	HTTPClient *http.Client
}

// HTTPCompleter talks to an OpenAI-compatible /chat/completions endpoint
// and returns the provider's own event stream untouched.
type HTTPCompleter struct {
	// cfg holds the endpoint settings.
	cfg HTTPCompleterConfig
	// client performs the requests.
	client *http.Client
}

// NewHTTPCompleter returns an HTTPCompleter for cfg.
func NewHTTPCompleter(cfg HTTPCompleterConfig) *HTTPCompleter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPCompleter{cfg: cfg, client: client}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model         string        `json:"model,omitempty"`
	Messages      []wireMessage `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
}

func (c *HTTPCompleter) provider() string {
	if c.cfg.Azure {
		return "azure-chat"
	}
	return "openai-chat"
}

// Stream implements Completer.
func (c *HTTPCompleter) Stream(ctx context.Context, msgs []*schema.Message, credential string) (io.ReadCloser, error) {
	body := completionRequest{
		Messages:    make([]wireMessage, 0, len(msgs)),
		Stream:      true,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	body.StreamOptions.IncludeUsage = true
	if !c.cfg.Azure {
		body.Model = c.cfg.Model
	}
	for _, m := range msgs {
		body.Messages = append(body.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("chat: marshal completion request: %w", err)
	}

	url := c.cfg.BaseURL + "/chat/completions"
	if c.cfg.Azure {
		url = c.cfg.BaseURL + "/deployments/" + c.cfg.Model + "/chat/completions?api-version=" + c.cfg.APIVersion
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("chat: create completion request: %w", err)
	}
	key := c.cfg.APIKey
	if credential != "" {
		key = credential
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.Azure {
		req.Header.Set("api-key", key)
	} else if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &rag.UpstreamError{Provider: c.provider(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, rag.NewUpstreamError(c.provider(), resp.StatusCode, raw)
	}
	return resp.Body, nil
}
