// Package config provides YAML-based configuration for ragchat.
// Configuration is loaded with a layered precedence: defaults → .env file →
// YAML file → env vars. Environment variables always win, so deployments
// driven purely by env are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. RAGCHAT_CONFIG environment variable
//  3. ~/.ragchat/config.yaml
//  4. ./ragchat.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Model configures the chat completion provider.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Upload configures upload validation.
	Upload UploadConfig `yaml:"upload"`

	// Retrieval configures chunking, search and the retrieval cache.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Chat configures history depth and stream bounds.
	Chat ChatConfig `yaml:"chat"`

	// RateLimit configures the per-route fixed windows.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Storage configures the datastore, chunk store and object store.
	Storage StorageConfig `yaml:"storage"`

	// Jobs configures the processing worker pool.
	Jobs JobsConfig `yaml:"jobs"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds chat completion provider settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, ark, gemini.
	Provider string `yaml:"provider"`

	// MaxTokens is the maximum number of tokens in the response.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls response randomness (0.0–1.0).
	Temperature float32 `yaml:"temperature"`

	// Ollama holds Ollama-specific settings.
	Ollama OllamaConfig `yaml:"ollama"`

	// OpenAI holds OpenAI-specific settings.
	OpenAI OpenAIConfig `yaml:"openai"`

	// Azure holds Azure OpenAI-specific settings.
	Azure AzureConfig `yaml:"azure"`

	// Ark holds Volcengine Ark settings.
	Ark ArkConfig `yaml:"ark"`

	// Gemini holds Google Gemini-specific settings.
	Gemini GeminiConfig `yaml:"gemini"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	// Host is the Ollama API endpoint.
	Host string `yaml:"host"`
	// Model is the Ollama model name.
	Model string `yaml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the base OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the OpenAI model name.
	Model string `yaml:"model"`
	// BaseURL points at an OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the Azure OpenAI resource endpoint.
	Endpoint string `yaml:"endpoint"`
	// Deployment is the Azure OpenAI deployment name.
	Deployment string `yaml:"deployment"`
	// APIVersion is the Azure OpenAI API version.
	APIVersion string `yaml:"api_version"`
}

// ArkConfig holds Volcengine Ark provider settings.
type ArkConfig struct {
	// APIKey is the Ark API key. Prefer env var ARK_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the Ark endpoint id.
	Model string `yaml:"model"`
	// BaseURL overrides the regional Ark endpoint.
	BaseURL string `yaml:"base_url"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the Gemini model name.
	Model string `yaml:"model"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure, gemini).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
	// BatchSize caps texts per provider call.
	BatchSize int `yaml:"batch_size"`
	// RPS paces provider calls. Zero is unlimited.
	RPS float32 `yaml:"rps"`
	// Timeout bounds each provider call, e.g. "60s".
	Timeout string `yaml:"timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKeys maps accounts to bearer tokens ("acct:key,acct:key").
	// Prefer env var RAGCHAT_API_KEYS.
	APIKeys string `yaml:"api_keys"`
}

// UploadConfig holds upload validation settings.
type UploadConfig struct {
	// MaxBytes is the largest accepted file.
	MaxBytes int `yaml:"max_bytes"`
	// AllowedExtensions is a comma-separated extension allow-list.
	AllowedExtensions string `yaml:"allowed_extensions"`
}

// RetrievalConfig holds chunking, search and cache settings.
type RetrievalConfig struct {
	// ChunkSize is the passage size in tokens.
	ChunkSize int `yaml:"chunk_size"`
	// ChunkOverlap is the overlap between passages in tokens.
	ChunkOverlap int `yaml:"chunk_overlap"`
	// TopK is the number of chunks placed in the prompt.
	TopK int `yaml:"top_k"`
	// MaxCandidates caps the chunks loaded per collection.
	MaxCandidates int `yaml:"max_candidates"`
	// CacheTTL is the cache entry lifetime, e.g. "5m".
	CacheTTL string `yaml:"cache_ttl"`
	// CacheCapacity is the maximum number of cached collections.
	CacheCapacity int `yaml:"cache_capacity"`
}

// ChatConfig holds chat turn settings.
type ChatConfig struct {
	// HistoryDepth caps the prior messages sent to the model.
	HistoryDepth int `yaml:"history_depth"`
	// MaxContextTokens caps the whole prompt.
	MaxContextTokens int `yaml:"max_context_tokens"`
	// StreamTimeout bounds one turn, e.g. "5m".
	StreamTimeout string `yaml:"stream_timeout"`
}

// RateLimitConfig holds the per-route fixed windows.
type RateLimitConfig struct {
	// Backend is memory or redis.
	Backend string `yaml:"backend"`
	// ChatLimit is the chat requests allowed per window.
	ChatLimit int `yaml:"chat_limit"`
	// ChatWindow is the chat window, e.g. "1m".
	ChatWindow string `yaml:"chat_window"`
	// UploadLimit is the upload/process requests allowed per window.
	UploadLimit int `yaml:"upload_limit"`
	// UploadWindow is the upload window.
	UploadWindow string `yaml:"upload_window"`
	// RedisAddr is the Redis address for the redis backend.
	RedisAddr string `yaml:"redis_addr"`
}

// StorageConfig holds datastore, chunk store and object store settings.
type StorageConfig struct {
	// DBPath is the SQLite database path.
	DBPath string `yaml:"db_path"`
	// ChunkStore is sqlite, qdrant or pgvector.
	ChunkStore string `yaml:"chunk_store"`
	// Qdrant holds Qdrant connection settings.
	Qdrant QdrantConfig `yaml:"qdrant"`
	// PgvectorURL is the Postgres connection URL.
	PgvectorURL string `yaml:"pgvector_url"`
	// Blob is local or gcs.
	Blob string `yaml:"blob"`
	// BlobDir is the LocalStore root.
	BlobDir string `yaml:"blob_dir"`
	// GCSBucket is the bucket for the gcs backend.
	GCSBucket string `yaml:"gcs_bucket"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// JobsConfig holds worker pool settings.
type JobsConfig struct {
	// Concurrency is the worker count.
	Concurrency int `yaml:"concurrency"`
	// MaxAttempts bounds infrastructure retries per job.
	MaxAttempts int `yaml:"max_attempts"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	// PublicKey is the Langfuse public key. Prefer env var LANGFUSE_PUBLIC_KEY.
	PublicKey string `yaml:"public_key"`
	// SecretKey is the Langfuse secret key. Prefer env var LANGFUSE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
	// Host is the Langfuse API host.
	Host string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"OPENAI_BASE_URL", func(c *Config) string { return c.Model.OpenAI.BaseURL }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"ARK_API_KEY", func(c *Config) string { return c.Model.Ark.APIKey }},
	{"ARK_MODEL", func(c *Config) string { return c.Model.Ark.Model }},
	{"ARK_BASE_URL", func(c *Config) string { return c.Model.Ark.BaseURL }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_BATCH_SIZE", func(c *Config) string { return intStr(c.Embedding.BatchSize) }},
	{"EMBEDDING_RPS", func(c *Config) string { return float32Str(c.Embedding.RPS) }},
	{"EMBEDDING_TIMEOUT", func(c *Config) string { return c.Embedding.Timeout }},
	{"RAGCHAT_HOST", func(c *Config) string { return c.Server.Host }},
	{"RAGCHAT_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"RAGCHAT_API_KEYS", func(c *Config) string { return c.Server.APIKeys }},
	{"UPLOAD_MAX_BYTES", func(c *Config) string { return intStr(c.Upload.MaxBytes) }},
	{"UPLOAD_ALLOWED_EXTENSIONS", func(c *Config) string { return c.Upload.AllowedExtensions }},
	{"CHUNK_SIZE_TOKENS", func(c *Config) string { return intStr(c.Retrieval.ChunkSize) }},
	{"CHUNK_OVERLAP_TOKENS", func(c *Config) string { return intStr(c.Retrieval.ChunkOverlap) }},
	{"RETRIEVAL_TOP_K", func(c *Config) string { return intStr(c.Retrieval.TopK) }},
	{"RETRIEVAL_MAX_CANDIDATES", func(c *Config) string { return intStr(c.Retrieval.MaxCandidates) }},
	{"CACHE_TTL", func(c *Config) string { return c.Retrieval.CacheTTL }},
	{"CACHE_CAPACITY", func(c *Config) string { return intStr(c.Retrieval.CacheCapacity) }},
	{"CHAT_HISTORY_DEPTH", func(c *Config) string { return intStr(c.Chat.HistoryDepth) }},
	{"CHAT_MAX_CONTEXT_TOKENS", func(c *Config) string { return intStr(c.Chat.MaxContextTokens) }},
	{"CHAT_STREAM_TIMEOUT", func(c *Config) string { return c.Chat.StreamTimeout }},
	{"RATELIMIT_BACKEND", func(c *Config) string { return c.RateLimit.Backend }},
	{"RATELIMIT_CHAT_LIMIT", func(c *Config) string { return intStr(c.RateLimit.ChatLimit) }},
	{"RATELIMIT_CHAT_WINDOW", func(c *Config) string { return c.RateLimit.ChatWindow }},
	{"RATELIMIT_UPLOAD_LIMIT", func(c *Config) string { return intStr(c.RateLimit.UploadLimit) }},
	{"RATELIMIT_UPLOAD_WINDOW", func(c *Config) string { return c.RateLimit.UploadWindow }},
	{"REDIS_ADDR", func(c *Config) string { return c.RateLimit.RedisAddr }},
	{"RAGCHAT_DB", func(c *Config) string { return c.Storage.DBPath }},
	{"CHUNK_STORE", func(c *Config) string { return c.Storage.ChunkStore }},
	{"QDRANT_HOST", func(c *Config) string { return c.Storage.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Storage.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Storage.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Storage.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Storage.Qdrant.TLS) }},
	{"PGVECTOR_URL", func(c *Config) string { return c.Storage.PgvectorURL }},
	{"BLOB_BACKEND", func(c *Config) string { return c.Storage.Blob }},
	{"BLOB_DIR", func(c *Config) string { return c.Storage.BlobDir }},
	{"GCS_BUCKET", func(c *Config) string { return c.Storage.GCSBucket }},
	{"WORKER_CONCURRENCY", func(c *Config) string { return intStr(c.Jobs.Concurrency) }},
	{"JOB_MAX_ATTEMPTS", func(c *Config) string { return intStr(c.Jobs.MaxAttempts) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	if err := loadDotEnv(".env", log); err != nil {
		return "", err
	}

	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set, do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// loadDotEnv applies a .env file when one exists. godotenv.Load never
// overrides variables that are already set.
func loadDotEnv(path string, log *slog.Logger) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	log.Debug("config: loaded .env file", slog.String("path", path))
	return nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("RAGCHAT_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".ragchat", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("ragchat.yaml"); err == nil {
		return "ragchat.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
