package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// knownChatModelPrefixes contains name fragments that identify chat/completion
// models which are NOT suitable for embedding. If EMBEDDING_MODEL matches any
// of these, a warning is emitted so the operator knows they may have
// misconfigured the pipeline.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
	"solar",
	"vicuna",
	"falcon",
	"yi-",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate checks the embedding configuration before any client is built so
// operators get a clear error at startup rather than a cryptic failure on the
// first embed call. A missing base API key is only a warning because callers
// may supply a per-request credential. It also warns when EMBEDDING_MODEL
// looks like a chat model rather than an embedding model.
func Validate(log *slog.Logger) error {
	backend := Backend()

	if backend != "ollama" && os.Getenv("EMBEDDING_PROVIDER") == "" {
		log.Warn("embedder: EMBEDDING_PROVIDER is not set; inheriting MODEL_PROVIDER as embedding backend",
			slog.String("backend", backend),
			slog.String("hint", "set EMBEDDING_PROVIDER=ollama (or openai/azure/gemini) to be explicit"),
		)
	}

	var keyVars []string
	switch backend {
	case "ollama":
	case "openai":
		keyVars = []string{"EMBEDDING_API_KEY", "OPENAI_API_KEY"}
	case "azure":
		keyVars = []string{"EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY"}
		if firstEnv("EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT") == "" {
			return fmt.Errorf("embedder: no Azure endpoint found, set AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	case "gemini":
		keyVars = []string{"EMBEDDING_API_KEY", "GEMINI_API_KEY"}
	default:
		return fmt.Errorf("embedder: unknown backend %q (valid values: ollama, openai, azure, gemini)", backend)
	}
	if len(keyVars) > 0 && firstEnv(keyVars...) == "" {
		log.Warn("embedder: no base API key configured; every request must carry a provider credential",
			slog.String("backend", backend),
			slog.Any("env", keyVars),
		)
	}

	model := os.Getenv("EMBEDDING_MODEL")
	if model != "" && looksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model; "+
			"this will likely produce poor or broken embeddings",
			slog.String("model", model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}

	return nil
}
