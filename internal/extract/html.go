package extract

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"
)

// blockElements are separated by a space so adjacent blocks do not run
// together in the extracted text.
const blockElements = "p, div, li, td, th, tr, h1, h2, h3, h4, h5, h6, section, article, header, footer, blockquote, pre, dt, dd"

// html extracts the visible text of an HTML document.
func html(data []byte) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()
	doc.Find("br").ReplaceWithHtml(" ")
	doc.Find(blockElements).AppendHtml(" ")

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	return Result{Text: normalize(root.Text()), Pages: 1}, nil
}
