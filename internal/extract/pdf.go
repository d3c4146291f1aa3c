package extract

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// pdfText extracts the text layer of a PDF. Scanned pages without a text
// layer contribute nothing.
func pdfText(data []byte) (res Result, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return Result{}, fmt.Errorf("pdf plain text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return Result{}, fmt.Errorf("read pdf text: %w", err)
	}
	return Result{Text: normalize(string(b)), Pages: max(r.NumPage(), 1)}, nil
}
