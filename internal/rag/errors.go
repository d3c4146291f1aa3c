package rag

import (
	"errors"
	"fmt"
	"net/http"
)

// maxErrorBody caps how much of a provider error body is kept.
const maxErrorBody = 4096

// UpstreamError reports a failed call to an external provider (embedding or
// completion). The HTTP layer surfaces StatusCode and Body to the caller.
type UpstreamError struct {
	// Provider names the failing dependency (e.g. "openai-embeddings").
	Provider string
	// StatusCode is the provider's HTTP status, or 0 when the call never got
	// a response (dial error, timeout).
	StatusCode int
	// Body is the provider's error payload, truncated.
	Body string
	// Err is the transport error when StatusCode is 0.
	Err error
}

// NewUpstreamError builds an UpstreamError from a provider response body,
// truncating it to a loggable size.
func NewUpstreamError(provider string, status int, body []byte) *UpstreamError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &UpstreamError{Provider: provider, StatusCode: status, Body: string(body)}
}

// Error implements error.
func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: request failed: %v", e.Provider, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Unwrap returns the transport error, if any.
func (e *UpstreamError) Unwrap() error { return e.Err }

// HTTPStatus returns the status the server should answer with: the
// provider's own status when it sent an error status, otherwise 502.
func (e *UpstreamError) HTTPStatus() int {
	if e.StatusCode >= http.StatusBadRequest {
		return e.StatusCode
	}
	return http.StatusBadGateway
}

// AsUpstream reports whether err wraps an *UpstreamError and returns it.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
