// Package extract turns the bytes of an uploaded document into plain text
// and a page count. The extractor is chosen by file extension.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupportedType is returned for extensions with no extractor.
var ErrUnsupportedType = errors.New("extract: unsupported file type")

// Result is the output of an extractor.
type Result struct {
	// Text is the whitespace-normalised plain text.
	Text string
	// Pages is the number of pages found. Always at least 1 for a
	// successfully parsed file.
	Pages int
}

// extractor parses one file format.
type extractor func(data []byte) (Result, error)

var extractors = map[string]extractor{
	".txt":  plainText,
	".md":   plainText,
	".html": html,
	".htm":  html,
	".docx": docx,
	".pdf":  pdfText,
}

// Supported reports whether ext (with leading dot, any case) has an extractor.
func Supported(ext string) bool {
	_, ok := extractors[strings.ToLower(ext)]
	return ok
}

// Extract parses data according to the extension of name.
func Extract(name string, data []byte) (Result, error) {
	ext := strings.ToLower(filepath.Ext(name))
	fn, ok := extractors[ext]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	res, err := fn(data)
	if err != nil {
		return Result{}, fmt.Errorf("extract: %s: %w", ext, err)
	}
	return res, nil
}

// plainText treats form feeds as page breaks.
func plainText(data []byte) (Result, error) {
	pages := strings.Split(string(data), "\f")
	for i, p := range pages {
		pages[i] = normalize(p)
	}
	return Result{Text: joinPages(pages), Pages: len(pages)}, nil
}

// normalize collapses every Unicode whitespace run to a single space.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// joinPages joins non-empty normalised pages with a single space.
func joinPages(pages []string) string {
	nonEmpty := pages[:0:0]
	for _, p := range pages {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}
