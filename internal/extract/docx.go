package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// docx reads word/document.xml. Explicit page breaks start a new page.
func docx(data []byte) (Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open docx container: %w", err)
	}
	var part *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			part = f
			break
		}
	}
	if part == nil {
		return Result{}, errors.New("docx has no word/document.xml")
	}
	rc, err := part.Open()
	if err != nil {
		return Result{}, fmt.Errorf("open word/document.xml: %w", err)
	}
	defer rc.Close()

	var (
		pages []string
		cur   strings.Builder
	)
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("decode word/document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				cur.WriteByte(' ')
			case "br":
				if attr(t, "type") == "page" {
					pages = append(pages, normalize(cur.String()))
					cur.Reset()
				} else {
					cur.WriteByte(' ')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				cur.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	pages = append(pages, normalize(cur.String()))
	return Result{Text: joinPages(pages), Pages: len(pages)}, nil
}

func attr(e xml.StartElement, local string) string {
	for _, a := range e.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
