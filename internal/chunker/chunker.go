// Package chunker splits extracted document text into ordered, overlapping
// passages of bounded size.
package chunker

import (
	"strings"

	"github.com/54b3r/ragchat-go/internal/budget"
)

const (
	// DefaultSizeTokens is the default passage size.
	DefaultSizeTokens = 400
	// DefaultOverlapTokens is the default overlap carried from one passage
	// into the next.
	DefaultOverlapTokens = 50
)

// Config holds the chunking parameters, expressed in estimated tokens and
// converted to characters with [budget.CharsPerToken].
type Config struct {
	// SizeTokens is the maximum passage size. Defaults to DefaultSizeTokens.
	SizeTokens int
	// OverlapTokens is the trailing overlap between consecutive passages.
	// Clamped below SizeTokens.
	OverlapTokens int
}

// Passage is one chunk of text produced by [Chunker.Split].
type Passage struct {
	// Index is the 0-based ordinal of the passage within its document.
	Index int
	// Text is the passage content.
	Text string
	// Tokens is the estimated token count of Text.
	Tokens int
}

// Chunker splits text using a fixed window that advances by size-overlap.
// It holds no mutable state and is safe for concurrent use.
type Chunker struct {
	// size is the window length in runes.
	size int
	// overlap is the number of runes shared by adjacent windows.
	overlap int
}

// New constructs a Chunker from cfg, applying defaults.
func New(cfg Config) *Chunker {
	if cfg.SizeTokens <= 0 {
		cfg.SizeTokens = DefaultSizeTokens
	}
	if cfg.OverlapTokens < 0 {
		cfg.OverlapTokens = 0
	}
	if cfg.OverlapTokens >= cfg.SizeTokens {
		cfg.OverlapTokens = cfg.SizeTokens / 4
	}
	return &Chunker{
		size:    budget.Chars(cfg.SizeTokens),
		overlap: budget.Chars(cfg.OverlapTokens),
	}
}

// Size returns the window length in characters.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the overlap length in characters.
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the passages of text. Empty or whitespace-only input yields
// no passages. Windows are measured in runes so multi-byte text is never
// cut inside a character.
func (c *Chunker) Split(text string) []Passage {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	step := c.size - c.overlap
	passages := make([]Passage, 0, len(runes)/step+1)

	for start := 0; start < len(runes); start += step {
		end := min(start+c.size, len(runes))
		chunk := string(runes[start:end])
		passages = append(passages, Passage{
			Index:  len(passages),
			Text:   chunk,
			Tokens: budget.Estimate(chunk),
		})
		if end == len(runes) {
			break
		}
	}
	return passages
}
