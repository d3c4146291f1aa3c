package chat

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragchat-go/internal/budget"
	"github.com/54b3r/ragchat-go/internal/rag"
	"github.com/54b3r/ragchat-go/internal/store"
)

// systemTemplate frames the retrieved context. {{context}} is replaced with
// the rendered chunks.
const systemTemplate = `You are a helpful assistant that answers questions using only the documents provided below.

Rules:
- Answer strictly from the context. Do not use outside knowledge.
- If the context does not contain the answer, say that the documents do not cover it.
- Mention the source document name when you rely on a passage.

Context:
{{context}}`

// RenderContext renders ranked chunks into one context block, each
// prefixed with its source document's name.
func RenderContext(ranked []rag.Scored) string {
	var b strings.Builder
	for i, s := range ranked {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString("[Source: ")
		b.WriteString(s.Chunk.DocumentName)
		b.WriteString("]\n")
		b.WriteString(s.Chunk.Content)
	}
	return b.String()
}

// SystemPrompt returns the grounding instruction for a context block.
func SystemPrompt(context string) string {
	return strings.Replace(systemTemplate, "{{context}}", context, 1)
}

// BuildMessages assembles system instruction, prior turns (oldest first)
// and the current user turn. Prior turns are dropped oldest-first until the
// whole prompt fits maxTokens; the system and user turns are always kept.
func BuildMessages(system string, history []store.Message, question string, maxTokens int) []*schema.Message {
	sys := schema.SystemMessage(system)
	user := schema.UserMessage(question)

	prior := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case store.RoleUser:
			prior = append(prior, schema.UserMessage(m.Content))
		case store.RoleAssistant:
			prior = append(prior, schema.AssistantMessage(m.Content, nil))
		}
	}
	prior = budget.TrimHistory([]*schema.Message{sys, user}, prior, maxTokens)

	msgs := make([]*schema.Message, 0, len(prior)+2)
	msgs = append(msgs, sys)
	msgs = append(msgs, prior...)
	return append(msgs, user)
}
