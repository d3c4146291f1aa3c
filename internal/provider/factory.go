package provider

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/ragchat-go/internal/chat"
)

const (
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultAzureAPIVersion = "2024-06-01"
)

// ConfigFromEnv reads provider configuration from environment variables.
// MODEL_PROVIDER selects the backend; each provider uses its own native
// credential env vars.
//
// Environment variables:
//
//	MODEL_PROVIDER = ollama | openai | azure | ark | gemini (default: ollama)
//
//	Ollama:  OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL (default: llama3)
//	OpenAI:  OPENAI_API_KEY, OPENAI_MODEL (default: gpt-4o-mini), OPENAI_BASE_URL
//	Azure:   AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	         AZURE_OPENAI_API_VERSION (default: 2024-06-01)
//	Ark:     ARK_API_KEY, ARK_MODEL, ARK_BASE_URL
//	Gemini:  GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-1.5-flash)
//
//	Shared:  MODEL_MAX_TOKENS (default: 1024), MODEL_TEMPERATURE (default: 0.2)
func ConfigFromEnv() *Config {
	return &Config{
		Backend: Backend(strings.ToLower(getEnvOrDefault("MODEL_PROVIDER", string(BackendOllama)))),
		Ollama: ProviderOllama{
			Host:  getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434"),
			Model: getEnvOrDefault("OLLAMA_MODEL", "llama3"),
		},
		OpenAI: ProviderOpenAI{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
			Deployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: getEnvOrDefault("AZURE_OPENAI_API_VERSION", defaultAzureAPIVersion),
		},
		Ark: ProviderArk{
			APIKey:  os.Getenv("ARK_API_KEY"),
			Model:   os.Getenv("ARK_MODEL"),
			BaseURL: os.Getenv("ARK_BASE_URL"),
		},
		Gemini: ProviderGemini{
			APIKey: os.Getenv("GOOGLE_API_KEY"),
			Model:  getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		},
		Tuning: SharedTuning{
			MaxTokens:   getEnvInt("MODEL_MAX_TOKENS", 1024),
			Temperature: getEnvFloat32("MODEL_TEMPERATURE", 0.2),
		},
	}
}

// NewChatModel constructs the eino chat model of the selected backend.
// credential overrides the configured key when non-empty.
func NewChatModel(ctx context.Context, cfg *Config, credential string) (model.BaseChatModel, error) {
	switch cfg.Backend {
	case BackendOllama:
		return newOllama(ctx, cfg, credential)
	case BackendOpenAI:
		return newOpenAI(ctx, cfg, credential)
	case BackendAzure:
		return newAzure(ctx, cfg, credential)
	case BackendArk:
		return newArk(ctx, cfg, credential)
	case BackendGemini:
		return newGemini(ctx, cfg, credential)
	default:
		return nil, fmt.Errorf("provider: unknown backend %q", cfg.Backend)
	}
}

// NewCompleter validates cfg and returns the streaming completer for its
// backend. OpenAI and Azure stream through the HTTP completer so their
// event framing reaches the caller untouched; the other backends are
// re-framed from their eino models.
func NewCompleter(cfg *Config) (chat.Completer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Streams are bounded by the caller's context, not a client timeout.
	client := &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 2 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
	}}

	switch cfg.Backend {
	case BackendOpenAI:
		temp := cfg.Tuning.Temperature
		return chat.NewHTTPCompleter(chat.HTTPCompleterConfig{
			BaseURL:     strings.TrimRight(getOr(cfg.OpenAI.BaseURL, defaultOpenAIBaseURL), "/"),
			APIKey:      cfg.OpenAI.APIKey,
			Model:       cfg.OpenAI.Model,
			MaxTokens:   cfg.Tuning.MaxTokens,
			Temperature: &temp,
			HTTPClient:  client,
		}), nil
	case BackendAzure:
		hc := chat.HTTPCompleterConfig{
			BaseURL:    strings.TrimRight(cfg.AzureOpenAI.Endpoint, "/") + "/openai",
			APIKey:     cfg.AzureOpenAI.APIKey,
			Model:      cfg.AzureOpenAI.Deployment,
			Azure:      true,
			APIVersion: cfg.AzureOpenAI.APIVersion,
			HTTPClient: client,
		}
		if !isAzureReasoningModel(cfg.AzureOpenAI.Deployment) {
			temp := cfg.Tuning.Temperature
			hc.MaxTokens = cfg.Tuning.MaxTokens
			hc.Temperature = &temp
		}
		return chat.NewHTTPCompleter(hc), nil
	default:
		return chat.NewModelCompleter(string(cfg.Backend), func(ctx context.Context, credential string) (model.BaseChatModel, error) {
			return NewChatModel(ctx, cfg, credential)
		}), nil
	}
}

// getOr returns v, or fallback when v is empty.
func getOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	return getOr(os.Getenv(key), fallback)
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvFloat32 returns the float32 value of the named environment variable,
// or fallback if the variable is unset, empty, or not parseable.
func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
