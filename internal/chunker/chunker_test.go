package chunker

import (
	"strings"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	if c.Size() != 1600 {
		t.Errorf("Size() = %d, want 1600", c.Size())
	}
	if c.Overlap() != 200 {
		t.Errorf("Overlap() = %d, want 200", c.Overlap())
	}
}

func TestNew_OverlapClamped(t *testing.T) {
	t.Parallel()

	c := New(Config{SizeTokens: 100, OverlapTokens: 100})
	if c.Overlap() != 100 {
		t.Errorf("Overlap() = %d, want 100 (a quarter of the size)", c.Overlap())
	}
	c = New(Config{SizeTokens: 100, OverlapTokens: -5})
	if c.Overlap() != 0 {
		t.Errorf("Overlap() = %d, want 0", c.Overlap())
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	for _, in := range []string{"", "   ", "\n\t \n"} {
		if got := c.Split(in); len(got) != 0 {
			t.Errorf("Split(%q) = %d passages, want 0", in, len(got))
		}
	}
}

func TestSplit_ShortInputSinglePassage(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	got := c.Split("  a short document  ")
	if len(got) != 1 {
		t.Fatalf("want 1 passage, got %d", len(got))
	}
	if got[0].Text != "a short document" || got[0].Index != 0 {
		t.Errorf("unexpected passage: %+v", got[0])
	}
}

// TestSplit_TwoPassageDocument covers a 2000-character document with the
// default 400/50 token window: passages of 400 and 150 tokens.
func TestSplit_TwoPassageDocument(t *testing.T) {
	t.Parallel()

	c := New(Config{SizeTokens: 400, OverlapTokens: 50})
	got := c.Split(strings.Repeat("abcd", 500))

	if len(got) != 2 {
		t.Fatalf("want 2 passages, got %d", len(got))
	}
	if got[0].Tokens != 400 {
		t.Errorf("passage 0 tokens = %d, want 400", got[0].Tokens)
	}
	if got[1].Tokens != 150 {
		t.Errorf("passage 1 tokens = %d, want 150", got[1].Tokens)
	}
}

func TestSplit_OrdinalsAndOverlap(t *testing.T) {
	t.Parallel()

	c := New(Config{SizeTokens: 10, OverlapTokens: 3})
	var b strings.Builder
	for i := range 500 {
		b.WriteByte(byte('a' + i%26))
	}
	text := b.String()
	got := c.Split(text)

	if len(got) < 2 {
		t.Fatalf("want several passages, got %d", len(got))
	}
	for i, p := range got {
		if p.Index != i {
			t.Errorf("passage %d has index %d", i, p.Index)
		}
		if p.Text == "" {
			t.Errorf("passage %d is empty", i)
		}
		if len(p.Text) > c.Size() {
			t.Errorf("passage %d has %d chars, max %d", i, len(p.Text), c.Size())
		}
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1].Text, got[i].Text
		suffix := prev[len(prev)-c.Overlap():]
		if !strings.HasPrefix(cur, suffix) {
			t.Errorf("passage %d does not start with the %d-char tail of passage %d", i, c.Overlap(), i-1)
		}
	}
	if last := got[len(got)-1].Text; !strings.HasSuffix(text, last) {
		t.Error("last passage does not end the document")
	}
}

func TestSplit_MultiByteRunes(t *testing.T) {
	t.Parallel()

	c := New(Config{SizeTokens: 1, OverlapTokens: 0})
	got := c.Split("héllo wörld")
	for _, p := range got {
		if !strings.Contains("héllo wörld", p.Text) {
			t.Errorf("passage %q is not a substring; rune boundary split", p.Text)
		}
	}
	if len(got) != 3 {
		t.Errorf("want 3 passages of 4 runes, got %d", len(got))
	}
}
