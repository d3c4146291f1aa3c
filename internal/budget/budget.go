// Package budget estimates token counts and trims chat history to fit a
// context window. No tokenizer is involved: every provider counts
// differently, so a flat 1 token ≈ 4 characters heuristic is used for chunk
// sizing, history trimming and the usage fallback when a provider omits
// its own counts.
package budget

import (
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

const (
	// CharsPerToken is the character-to-token ratio used for estimation.
	// Chunk sizes configured in tokens are converted with it.
	CharsPerToken = 4

	// DefaultMaxContextTokens is the default prompt budget in tokens.
	DefaultMaxContextTokens = 6000

	// messageOverhead approximates the per-message framing most chat APIs add.
	messageOverhead = 4
)

// Estimate returns a rough token count for s. Any non-empty string counts
// as at least one token.
func Estimate(s string) int {
	n := utf8.RuneCountInString(s) / CharsPerToken
	if n == 0 && s != "" {
		return 1
	}
	return n
}

// Chars converts a token count into the equivalent character count.
func Chars(tokens int) int {
	return tokens * CharsPerToken
}

// EstimateMessages returns the estimated prompt size of msgs, including a
// small per-message overhead.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// TrimHistory drops the oldest entries of history until fixed + history fits
// within maxTokens. fixed (system prompt, grounding context, current turn) is
// never trimmed; when fixed alone is over budget the result is empty.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	if len(history) == 0 {
		return history
	}

	fixedTokens := EstimateMessages(fixed)
	for len(history) > 0 {
		if fixedTokens+EstimateMessages(history) <= maxTokens {
			break
		}
		history = history[1:]
	}
	return history
}
