// Package tracing wires Langfuse into the eino callback chain. Chat turns
// served through the SDK-backed completer are traced; the native HTTP
// completer bypasses eino and is not.
package tracing

import (
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"

	"github.com/54b3r/ragchat-go/internal/version"
)

// defaultHost is used when LANGFUSE_HOST is unset.
const defaultHost = "http://localhost:3000"

// Settings are the Langfuse connection parameters.
type Settings struct {
	// Host is the Langfuse API base URL.
	Host string
	// PublicKey and SecretKey authenticate the project.
	PublicKey string
	SecretKey string
}

// SettingsFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY.
func SettingsFromEnv() Settings {
	s := Settings{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
	if s.Host == "" {
		s.Host = defaultHost
	}
	return s
}

// Enabled reports whether both keys are present.
func (s Settings) Enabled() bool {
	return s.PublicKey != "" && s.SecretKey != ""
}

// Setup builds the Langfuse callback handler from the environment. The
// returned flush function must run before process exit so buffered traces
// are sent. When Langfuse is not configured the handler and flush are nil
// and ok is false.
func Setup() (handler callbacks.Handler, flush func(), ok bool) {
	return setup(SettingsFromEnv())
}

func setup(s Settings) (callbacks.Handler, func(), bool) {
	if !s.Enabled() {
		return nil, nil, false
	}
	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      s.Host,
		PublicKey: s.PublicKey,
		SecretKey: s.SecretKey,
		Name:      "ragchat",
		Release:   version.Version,
	})
	return handler, flusher, true
}
