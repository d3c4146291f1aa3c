package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragchat-go/internal/rag"
)

// fakeModel streams a fixed reply.
type fakeModel struct {
	parts []*schema.Message
	err   error
}

func (m *fakeModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not implemented")
}

func (m *fakeModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if m.err != nil {
		return nil, m.err
	}
	return schema.StreamReaderFromArray(m.parts), nil
}

func Test_ModelCompleter_ReframesStream(t *testing.T) {
	t.Parallel()

	last := schema.AssistantMessage("", nil)
	last.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 30, CompletionTokens: 4}}
	fm := &fakeModel{parts: []*schema.Message{
		schema.AssistantMessage("Grounded ", nil),
		schema.AssistantMessage("answer \"quoted\"", nil),
		last,
	}}

	builds := 0
	c := NewModelCompleter("ollama", func(context.Context, string) (model.BaseChatModel, error) {
		builds++
		return fm, nil
	})

	for i := 0; i < 2; i++ {
		body, err := c.Stream(context.Background(), []*schema.Message{schema.UserMessage("q")}, "")
		if err != nil {
			t.Fatalf("Stream: %v", err)
		}
		acc := &Accumulator{}
		end, err := Relay(context.Background(), NewDecoder(body), acc)
		_ = body.Close()
		if err != nil || end != EndDone {
			t.Fatalf("Relay = %s, %v", end, err)
		}
		if acc.Text() != `Grounded answer "quoted"` {
			t.Errorf("text = %q", acc.Text())
		}
		if u := acc.Usage(); u == nil || u.InputTokens != 30 || u.OutputTokens != 4 {
			t.Errorf("usage = %+v", u)
		}
	}
	if builds != 1 {
		t.Errorf("model built %d times, want 1 for the configured key", builds)
	}
}

func Test_ModelCompleter_CallerKeysAreNotRetained(t *testing.T) {
	t.Parallel()

	var seen []string
	c := NewModelCompleter("gemini", func(_ context.Context, credential string) (model.BaseChatModel, error) {
		seen = append(seen, credential)
		return &fakeModel{parts: []*schema.Message{schema.AssistantMessage("ok", nil)}}, nil
	})

	for _, cred := range []string{"key-a", "key-a", "", "key-b", ""} {
		body, err := c.Stream(context.Background(), nil, cred)
		if err != nil {
			t.Fatalf("Stream(%q): %v", cred, err)
		}
		_, _ = io.Copy(io.Discard, body)
		_ = body.Close()
	}

	if got := strings.Join(seen, ","); got != "key-a,key-a,,key-b" {
		t.Errorf("factory calls = %q, want one per caller key turn and one for the configured key", got)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base == nil {
		t.Error("configured-key model was not kept")
	}
}

func Test_ModelCompleter_Errors(t *testing.T) {
	t.Parallel()

	t.Run("factory failure", func(t *testing.T) {
		t.Parallel()
		c := NewModelCompleter("gemini", func(context.Context, string) (model.BaseChatModel, error) {
			return nil, errors.New("no key")
		})
		if _, err := c.Stream(context.Background(), nil, ""); err == nil || !strings.Contains(err.Error(), "no key") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("stream refused", func(t *testing.T) {
		t.Parallel()
		c := NewModelCompleter("ark", func(context.Context, string) (model.BaseChatModel, error) {
			return &fakeModel{err: errors.New("quota exceeded")}, nil
		})
		_, err := c.Stream(context.Background(), nil, "")
		if _, ok := rag.AsUpstream(err); !ok {
			t.Errorf("err = %v, want upstream error", err)
		}
	})

	t.Run("reader closed early", func(t *testing.T) {
		t.Parallel()
		c := NewModelCompleter("ollama", func(context.Context, string) (model.BaseChatModel, error) {
			return &fakeModel{parts: []*schema.Message{schema.AssistantMessage("a", nil), schema.AssistantMessage("b", nil)}}, nil
		})
		body, err := c.Stream(context.Background(), nil, "")
		if err != nil {
			t.Fatalf("Stream: %v", err)
		}
		if err := body.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if _, err := body.Read(make([]byte, 8)); !errors.Is(err, io.ErrClosedPipe) {
			t.Errorf("read after close = %v", err)
		}
	})
}
