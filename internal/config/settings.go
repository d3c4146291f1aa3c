package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/ragchat-go/internal/budget"
	"github.com/54b3r/ragchat-go/internal/cache"
	"github.com/54b3r/ragchat-go/internal/chat"
	"github.com/54b3r/ragchat-go/internal/chunker"
	"github.com/54b3r/ragchat-go/internal/jobs"
	"github.com/54b3r/ragchat-go/internal/rag"
)

// Storage backend names.
const (
	ChunkStoreSQLite   = "sqlite"
	ChunkStoreQdrant   = "qdrant"
	ChunkStorePgvector = "pgvector"

	BlobLocal = "local"
	BlobGCS   = "gcs"

	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

// Defaults for settings that have no package-level default of their own.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8080
	DefaultUploadMaxBytes   = 20 << 20
	DefaultChatLimit        = 20
	DefaultUploadLimit      = 5
	DefaultRateLimitWindow  = time.Minute
	DefaultQdrantCollection = "ragchat_chunks"
	DefaultQdrantPort       = 6334
)

// DefaultAllowedExtensions is the upload allow-list used when
// UPLOAD_ALLOWED_EXTENSIONS is unset.
var DefaultAllowedExtensions = []string{".pdf", ".txt", ".md", ".html", ".htm", ".docx"}

// Settings is the typed, resolved runtime configuration. Build it with
// FromEnv after Load has applied any YAML file.
type Settings struct {
	// Host is the HTTP bind address.
	Host string
	// Port is the HTTP port.
	Port int
	// APIKeys is the raw RAGCHAT_API_KEYS value ("acct:key,...").
	APIKeys string

	// UploadMaxBytes is the largest accepted upload.
	UploadMaxBytes int64
	// AllowedExtensions is the lower-cased upload allow-list.
	AllowedExtensions []string

	// ChunkSize is the passage size in tokens.
	ChunkSize int
	// ChunkOverlap is the passage overlap in tokens.
	ChunkOverlap int
	// TopK is the number of chunks placed in the prompt.
	TopK int
	// MaxCandidates caps the chunks loaded per collection.
	MaxCandidates int

	// CacheTTL is the retrieval cache entry lifetime.
	CacheTTL time.Duration
	// CacheCapacity is the maximum number of cached collections.
	CacheCapacity int
	// CacheSweep is the retrieval cache sweep interval.
	CacheSweep time.Duration

	// HistoryDepth caps prior messages per turn.
	HistoryDepth int
	// MaxContextTokens caps the whole prompt.
	MaxContextTokens int
	// StreamTimeout bounds one chat turn.
	StreamTimeout time.Duration

	// RateLimitBackend is memory or redis.
	RateLimitBackend string
	// ChatLimit and ChatWindow bound POST /api/chat per caller.
	ChatLimit  int
	ChatWindow time.Duration
	// UploadLimit and UploadWindow bound upload and process per caller.
	UploadLimit  int
	UploadWindow time.Duration
	// RedisAddr, RedisPassword and RedisDB locate the shared counters.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// WorkerConcurrency is the processing worker count.
	WorkerConcurrency int
	// JobMaxAttempts bounds infrastructure retries per job.
	JobMaxAttempts int

	// DBPath is the SQLite path. Empty uses the per-user default.
	DBPath string
	// ChunkStore is sqlite, qdrant or pgvector.
	ChunkStore string
	// QdrantHost, QdrantPort, QdrantCollection, QdrantAPIKey and QdrantTLS
	// configure the qdrant chunk store.
	QdrantHost       string
	QdrantPort       int
	QdrantCollection string
	QdrantAPIKey     string
	QdrantTLS        bool
	// PgvectorURL configures the pgvector chunk store.
	PgvectorURL string

	// Blob is local or gcs.
	Blob string
	// BlobDir is the LocalStore root. Empty uses a directory next to the DB.
	BlobDir string
	// GCSBucket and GCSCredentialsFile configure the gcs object store.
	GCSBucket          string
	GCSCredentialsFile string

	// parseErrs collects values that were set but could not be parsed.
	parseErrs []error
}

// FromEnv resolves Settings from the process environment. Unparseable
// values are reported by Validate rather than silently defaulted.
func FromEnv() *Settings {
	s := &Settings{}
	s.Host = stringOr("RAGCHAT_HOST", DefaultHost)
	s.Port = s.intOr("RAGCHAT_PORT", DefaultPort)
	s.APIKeys = os.Getenv("RAGCHAT_API_KEYS")

	s.UploadMaxBytes = int64(s.intOr("UPLOAD_MAX_BYTES", DefaultUploadMaxBytes))
	s.AllowedExtensions = extensionsOr("UPLOAD_ALLOWED_EXTENSIONS", DefaultAllowedExtensions)

	s.ChunkSize = s.intOr("CHUNK_SIZE_TOKENS", chunker.DefaultSizeTokens)
	s.ChunkOverlap = s.intOr("CHUNK_OVERLAP_TOKENS", chunker.DefaultOverlapTokens)
	s.TopK = s.intOr("RETRIEVAL_TOP_K", rag.DefaultTopK)
	s.MaxCandidates = s.intOr("RETRIEVAL_MAX_CANDIDATES", rag.DefaultMaxCandidates)

	s.CacheTTL = s.durationOr("CACHE_TTL", cache.DefaultTTL)
	s.CacheCapacity = s.intOr("CACHE_CAPACITY", cache.DefaultCapacity)
	s.CacheSweep = s.durationOr("CACHE_SWEEP_INTERVAL", cache.DefaultSweepInterval)

	s.HistoryDepth = s.intOr("CHAT_HISTORY_DEPTH", chat.DefaultHistoryDepth)
	s.MaxContextTokens = s.intOr("CHAT_MAX_CONTEXT_TOKENS", budget.DefaultMaxContextTokens)
	s.StreamTimeout = s.durationOr("CHAT_STREAM_TIMEOUT", chat.DefaultStreamTimeout)

	s.RateLimitBackend = stringOr("RATELIMIT_BACKEND", RateLimitMemory)
	s.ChatLimit = s.intOr("RATELIMIT_CHAT_LIMIT", DefaultChatLimit)
	s.ChatWindow = s.durationOr("RATELIMIT_CHAT_WINDOW", DefaultRateLimitWindow)
	s.UploadLimit = s.intOr("RATELIMIT_UPLOAD_LIMIT", DefaultUploadLimit)
	s.UploadWindow = s.durationOr("RATELIMIT_UPLOAD_WINDOW", DefaultRateLimitWindow)
	s.RedisAddr = os.Getenv("REDIS_ADDR")
	s.RedisPassword = os.Getenv("REDIS_PASSWORD")
	s.RedisDB = s.intOr("REDIS_DB", 0)

	s.WorkerConcurrency = s.intOr("WORKER_CONCURRENCY", jobs.DefaultConcurrency)
	s.JobMaxAttempts = s.intOr("JOB_MAX_ATTEMPTS", jobs.DefaultMaxAttempts)

	s.DBPath = os.Getenv("RAGCHAT_DB")
	s.ChunkStore = stringOr("CHUNK_STORE", ChunkStoreSQLite)
	s.QdrantHost = stringOr("QDRANT_HOST", "localhost")
	s.QdrantPort = s.intOr("QDRANT_PORT", DefaultQdrantPort)
	s.QdrantCollection = stringOr("QDRANT_COLLECTION", DefaultQdrantCollection)
	s.QdrantAPIKey = os.Getenv("QDRANT_API_KEY")
	s.QdrantTLS = s.boolOr("QDRANT_TLS", false)
	s.PgvectorURL = os.Getenv("PGVECTOR_URL")

	s.Blob = stringOr("BLOB_BACKEND", BlobLocal)
	s.BlobDir = os.Getenv("BLOB_DIR")
	s.GCSBucket = os.Getenv("GCS_BUCKET")
	s.GCSCredentialsFile = os.Getenv("GCS_CREDENTIALS_FILE")
	return s
}

// Validate reports every invalid or inconsistent setting at once.
func (s *Settings) Validate() error {
	errs := append([]error(nil), s.parseErrs...)
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(s.Port > 0 && s.Port < 65536, "RAGCHAT_PORT must be in 1-65535, got %d", s.Port)
	check(s.UploadMaxBytes > 0, "UPLOAD_MAX_BYTES must be positive")
	check(len(s.AllowedExtensions) > 0, "UPLOAD_ALLOWED_EXTENSIONS must not be empty")
	check(s.ChunkSize > 0, "CHUNK_SIZE_TOKENS must be positive")
	check(s.ChunkOverlap >= 0 && s.ChunkOverlap < s.ChunkSize,
		"CHUNK_OVERLAP_TOKENS must be in [0, CHUNK_SIZE_TOKENS), got %d", s.ChunkOverlap)
	check(s.TopK > 0, "RETRIEVAL_TOP_K must be positive")
	check(s.MaxCandidates >= s.TopK, "RETRIEVAL_MAX_CANDIDATES must be at least RETRIEVAL_TOP_K")
	check(s.CacheTTL > 0, "CACHE_TTL must be positive")
	check(s.CacheCapacity > 0, "CACHE_CAPACITY must be positive")
	check(s.HistoryDepth >= 0, "CHAT_HISTORY_DEPTH must not be negative")
	check(s.MaxContextTokens > 0, "CHAT_MAX_CONTEXT_TOKENS must be positive")
	check(s.StreamTimeout > 0, "CHAT_STREAM_TIMEOUT must be positive")
	check(s.ChatLimit > 0 && s.ChatWindow > 0, "chat rate limit must have a positive limit and window")
	check(s.UploadLimit > 0 && s.UploadWindow > 0, "upload rate limit must have a positive limit and window")
	check(s.WorkerConcurrency > 0, "WORKER_CONCURRENCY must be positive")
	check(s.JobMaxAttempts > 0, "JOB_MAX_ATTEMPTS must be positive")

	switch s.RateLimitBackend {
	case RateLimitMemory:
	case RateLimitRedis:
		check(s.RedisAddr != "", "REDIS_ADDR is required when RATELIMIT_BACKEND=redis")
	default:
		errs = append(errs, fmt.Errorf("RATELIMIT_BACKEND %q is not one of memory, redis", s.RateLimitBackend))
	}

	switch s.ChunkStore {
	case ChunkStoreSQLite:
	case ChunkStoreQdrant:
		check(s.QdrantHost != "", "QDRANT_HOST is required when CHUNK_STORE=qdrant")
	case ChunkStorePgvector:
		check(s.PgvectorURL != "", "PGVECTOR_URL is required when CHUNK_STORE=pgvector")
	default:
		errs = append(errs, fmt.Errorf("CHUNK_STORE %q is not one of sqlite, qdrant, pgvector", s.ChunkStore))
	}

	switch s.Blob {
	case BlobLocal:
	case BlobGCS:
		check(s.GCSBucket != "", "GCS_BUCKET is required when BLOB_BACKEND=gcs")
	default:
		errs = append(errs, fmt.Errorf("BLOB_BACKEND %q is not one of local, gcs", s.Blob))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid settings: %w", err)
	}
	return nil
}

func stringOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (s *Settings) intOr(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		s.parseErrs = append(s.parseErrs, fmt.Errorf("%s: %q is not an integer", key, v))
		return fallback
	}
	return i
}

func (s *Settings) durationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		s.parseErrs = append(s.parseErrs, fmt.Errorf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}

func (s *Settings) boolOr(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.parseErrs = append(s.parseErrs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return fallback
	}
	return b
}

// extensionsOr parses a comma-separated extension list, adding the leading
// dot and lower-casing each entry.
func extensionsOr(key string, fallback []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, e := range strings.Split(v, ",") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
