// Package provider selects and constructs the completion backend at
// runtime. OpenAI and Azure OpenAI are served by chat.HTTPCompleter, which
// forwards the provider's own event stream; Ollama, Gemini and Ark are
// served through their eino chat models and chat.ModelCompleter.
package provider

import (
	"context"
	"fmt"
)

// Backend enumerates the supported completion providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API or any compatible endpoint.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendArk selects the Volcengine Ark model runtime.
	BackendArk Backend = "ark"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ProviderOllama holds Ollama settings.
type ProviderOllama struct {
	// Host is the Ollama base URL (OLLAMA_HOST).
	Host string
	// Model is the model tag (OLLAMA_MODEL).
	Model string
}

// ProviderOpenAI holds OpenAI settings.
type ProviderOpenAI struct {
	// APIKey is the base credential (OPENAI_API_KEY).
	APIKey string
	// Model is the model name (OPENAI_MODEL).
	Model string
	// BaseURL overrides the API base for compatible gateways (OPENAI_BASE_URL).
	BaseURL string
}

// ProviderAzureOpenAI holds Azure OpenAI settings.
type ProviderAzureOpenAI struct {
	// APIKey is the base credential (AZURE_OPENAI_API_KEY).
	APIKey string
	// Endpoint is the resource URL (AZURE_OPENAI_ENDPOINT).
	Endpoint string
	// Deployment is the chat deployment name (AZURE_OPENAI_DEPLOYMENT).
	Deployment string
	// APIVersion is the REST API version (AZURE_OPENAI_API_VERSION).
	APIVersion string
}

// ProviderArk holds Volcengine Ark settings.
type ProviderArk struct {
	// APIKey is the base credential (ARK_API_KEY).
	APIKey string
	// Model is the endpoint or model id (ARK_MODEL).
	Model string
	// BaseURL overrides the regional endpoint (ARK_BASE_URL).
	BaseURL string
}

// ProviderGemini holds Gemini settings.
type ProviderGemini struct {
	// APIKey is the base credential (GOOGLE_API_KEY).
	APIKey string
	// Model is the model name (GEMINI_MODEL).
	Model string
}

// SharedTuning holds generation settings common to every backend.
type SharedTuning struct {
	// MaxTokens caps the answer length (MODEL_MAX_TOKENS).
	MaxTokens int
	// Temperature controls randomness (MODEL_TEMPERATURE).
	Temperature float32
}

// Config holds all provider-level configuration resolved from environment
// variables or explicit caller-supplied values.
type Config struct {
	// Backend identifies which provider to use.
	Backend Backend
	// Ollama holds Ollama settings.
	Ollama ProviderOllama
	// OpenAI holds OpenAI settings.
	OpenAI ProviderOpenAI
	// AzureOpenAI holds Azure OpenAI settings.
	AzureOpenAI ProviderAzureOpenAI
	// Ark holds Ark settings.
	Ark ProviderArk
	// Gemini holds Gemini settings.
	Gemini ProviderGemini
	// Tuning holds shared generation settings.
	Tuning SharedTuning
}

// Validate checks that the selected backend has what it needs, naming the
// missing environment variable.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		if c.Ollama.Model == "" {
			return fmt.Errorf("provider: OLLAMA_MODEL is required for ollama backend")
		}
	case BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("provider: OPENAI_API_KEY is required for openai backend")
		}
		if c.OpenAI.Model == "" {
			return fmt.Errorf("provider: OPENAI_MODEL is required for openai backend")
		}
	case BackendAzure:
		if c.AzureOpenAI.APIKey == "" {
			return fmt.Errorf("provider: AZURE_OPENAI_API_KEY is required for azure backend")
		}
		if c.AzureOpenAI.Endpoint == "" {
			return fmt.Errorf("provider: AZURE_OPENAI_ENDPOINT is required for azure backend")
		}
		if c.AzureOpenAI.Deployment == "" {
			return fmt.Errorf("provider: AZURE_OPENAI_DEPLOYMENT is required for azure backend")
		}
	case BackendArk:
		if c.Ark.APIKey == "" {
			return fmt.Errorf("provider: ARK_API_KEY is required for ark backend")
		}
		if c.Ark.Model == "" {
			return fmt.Errorf("provider: ARK_MODEL is required for ark backend")
		}
	case BackendGemini:
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("provider: GOOGLE_API_KEY is required for gemini backend")
		}
		if c.Gemini.Model == "" {
			return fmt.Errorf("provider: GEMINI_MODEL is required for gemini backend")
		}
	default:
		return fmt.Errorf("provider: unknown backend %q, valid values: ollama, openai, azure, ark, gemini", c.Backend)
	}
	return nil
}

// HealthCheckConfig is a zero-token reachability check for a backend.
type HealthCheckConfig interface {
	// HealthCheck returns nil when the backend answered.
	HealthCheck(ctx context.Context) error
}
