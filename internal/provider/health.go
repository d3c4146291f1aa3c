package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpCheck checks a listing endpoint that costs no tokens.
type httpCheck struct {
	// url is the checked endpoint.
	url string
	// header carries the credential, if any.
	header http.Header
	// client performs the check.
	client *http.Client
}

// HealthCheck implements HealthCheckConfig. Any 2xx answer is healthy.
func (h *httpCheck) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("provider: create health request: %w", err)
	}
	for k, v := range h.header {
		req.Header[k] = v
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider: health endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck returns a zero-token check for the configured backend, or nil
// when the backend offers no cheap endpoint (Ark).
func (c *Config) HealthCheck() HealthCheckConfig {
	client := &http.Client{Timeout: 10 * time.Second}
	switch c.Backend {
	case BackendOllama:
		return &httpCheck{url: strings.TrimRight(c.Ollama.Host, "/") + "/api/tags", client: client}
	case BackendOpenAI:
		base := strings.TrimRight(getOr(c.OpenAI.BaseURL, defaultOpenAIBaseURL), "/")
		return &httpCheck{
			url:    base + "/models",
			header: http.Header{"Authorization": {"Bearer " + c.OpenAI.APIKey}},
			client: client,
		}
	case BackendAzure:
		return &httpCheck{
			url:    strings.TrimRight(c.AzureOpenAI.Endpoint, "/") + "/openai/models?api-version=" + url.QueryEscape(c.AzureOpenAI.APIVersion),
			header: http.Header{"Api-Key": {c.AzureOpenAI.APIKey}},
			client: client,
		}
	case BackendGemini:
		return &httpCheck{
			url:    "https://generativelanguage.googleapis.com/v1beta/models",
			header: http.Header{"X-Goog-Api-Key": {c.Gemini.APIKey}},
			client: client,
		}
	default:
		return nil
	}
}
