package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragchat-go/internal/rag"
)

// ModelFactory builds a chat model. credential overrides the configured
// key when non-empty.
type ModelFactory func(ctx context.Context, credential string) (model.BaseChatModel, error)

// ModelCompleter adapts an eino chat model to Completer by re-framing its
// message stream as OpenAI-compatible server-sent events. It serves
// backends without a compatible HTTP API (Ollama native, Gemini, Ark) and
// fires eino callbacks, so registered tracing handlers see every call.
type ModelCompleter struct {
	// name labels the backend in errors and traces.
	name string
	// factory builds models.
	factory ModelFactory

	mu sync.Mutex
	// base is the model built with the configured key, reused across
	// turns. Models for per-request credentials are built per turn and
	// never retained.
	base model.BaseChatModel
}

// NewModelCompleter returns a ModelCompleter named after its backend.
func NewModelCompleter(name string, factory ModelFactory) *ModelCompleter {
	return &ModelCompleter{name: name, factory: factory}
}

func (c *ModelCompleter) model(ctx context.Context, credential string) (model.BaseChatModel, error) {
	if credential != "" {
		m, err := c.factory(ctx, credential)
		if err != nil {
			return nil, fmt.Errorf("chat: build %s model: %w", c.name, err)
		}
		return m, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base != nil {
		return c.base, nil
	}
	m, err := c.factory(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("chat: build %s model: %w", c.name, err)
	}
	c.base = m
	return m, nil
}

// Stream implements Completer.
func (c *ModelCompleter) Stream(ctx context.Context, msgs []*schema.Message, credential string) (io.ReadCloser, error) {
	m, err := c.model(ctx, credential)
	if err != nil {
		return nil, err
	}
	ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
		Name:      c.name,
		Type:      c.name,
		Component: components.ComponentOfChatModel,
	})

	sr, err := m.Stream(ctx, msgs)
	if err != nil {
		return nil, &rag.UpstreamError{Provider: c.name, Err: err}
	}

	pr, pw := io.Pipe()
	go func() {
		defer sr.Close()
		pw.CloseWithError(writeEvents(pw, sr))
	}()
	return pr, nil
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type streamChoice struct {
	Index int `json:"index"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

// writeEvents copies sr to w as "data:" events, then the usage event if
// the model reported usage, then [DONE]. A write error (the reader was
// closed) stops the copy.
func writeEvents(w io.Writer, sr *schema.StreamReader[*schema.Message]) error {
	var usage *Usage
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("chat: model stream: %w", err)
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			usage = &Usage{
				InputTokens:  msg.ResponseMeta.Usage.PromptTokens,
				OutputTokens: msg.ResponseMeta.Usage.CompletionTokens,
			}
		}
		if msg.Content == "" {
			continue
		}
		var chunk streamChunk
		chunk.Choices = []streamChoice{{}}
		chunk.Choices[0].Delta.Content = msg.Content
		if err := writeEvent(w, chunk); err != nil {
			return err
		}
	}
	if usage != nil {
		if err := writeEvent(w, streamChunk{Choices: []streamChoice{}, Usage: usage}); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}

func writeEvent(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("chat: marshal event: %w", err)
	}
	buf := make([]byte, 0, len(b)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, b...)
	buf = append(buf, "\n\n"...)
	_, err = w.Write(buf)
	return err
}
