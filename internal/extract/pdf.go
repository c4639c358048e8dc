// Package extract reads the text layer of submitted documents.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	// ErrNotPDF is returned when the data does not carry a PDF header.
	ErrNotPDF = errors.New("document is not a PDF")

	// ErrUnreadable is returned when the PDF structure cannot be parsed.
	ErrUnreadable = errors.New("document could not be read")
)

// Extraction is the text pulled from a document.
type Extraction struct {
	Text      string
	PageCount int
}

// Extractor turns a document into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (Extraction, error)
}

// PDFExtractor extracts text from PDF documents.
type PDFExtractor struct{}

// NewPDFExtractor creates a PDFExtractor.
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// Extract implements Extractor. Whitespace runs collapse to single spaces.
// The context is checked between pages.
func (e *PDFExtractor) Extract(ctx context.Context, data []byte) (Extraction, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return Extraction{}, ErrNotPDF
	}

	r, err := openReader(data)
	if err != nil {
		return Extraction{}, err
	}

	pages := r.NumPage()
	var b strings.Builder
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return Extraction{}, err
		}
		text, err := pageText(r, i)
		if err != nil {
			return Extraction{}, fmt.Errorf("%w: page %d: %v", ErrUnreadable, i, err)
		}
		b.WriteString(text)
		b.WriteByte(' ')
	}

	return Extraction{
		Text:      strings.Join(strings.Fields(b.String()), " "),
		PageCount: pages,
	}, nil
}

// openReader guards against the parser panicking on malformed input.
func openReader(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, fmt.Errorf("%w: %v", ErrUnreadable, p)
		}
	}()
	r, err = pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return r, nil
}

func pageText(r *pdf.Reader, n int) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("%v", p)
		}
	}()
	page := r.Page(n)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}
