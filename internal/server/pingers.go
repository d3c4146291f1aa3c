package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/ragchat-go/internal/provider"
)

// ProviderPinger checks the completion backend through its zero-token
// health endpoint. It satisfies the Pinger interface and is used by
// GET /api/ready.
type ProviderPinger struct {
	// healthCheck is the backend's listing check.
	healthCheck provider.HealthCheckConfig
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewProviderPinger constructs a ProviderPinger, or returns nil when the
// backend has no cheap health endpoint.
func NewProviderPinger(cfg *provider.Config) *ProviderPinger {
	hc := cfg.HealthCheck()
	if hc == nil {
		return nil
	}
	return &ProviderPinger{healthCheck: hc, name: string(cfg.Backend)}
}

// Name returns the backend label used in readiness responses.
func (p *ProviderPinger) Name() string { return p.name }

// Ping checks the backend for readiness.
func (p *ProviderPinger) Ping(ctx context.Context) error {
	if err := p.healthCheck.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", p.name, err)
	}
	return nil
}

// QdrantPinger checks a Qdrant instance using its native HealthCheck RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to check.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
// Returns nil if Qdrant is reachable, or a descriptive error otherwise.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	_, err := p.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
