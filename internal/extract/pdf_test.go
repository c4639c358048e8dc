package extract

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPDF(t *testing.T, pages ...string) []byte {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetCompression(false)
	doc.SetFont("Helvetica", "", 12)
	for _, text := range pages {
		doc.AddPage()
		doc.Cell(0, 10, text)
	}
	var buf bytes.Buffer
	require.NoError(t, doc.Output(&buf))
	return buf.Bytes()
}

func TestExtract(t *testing.T) {
	data := buildPDF(t, "Ofsted inspection report", "Overall effectiveness: good")

	got, err := NewPDFExtractor().Extract(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PageCount)
	assert.Contains(t, got.Text, "Ofsted")
	assert.Contains(t, got.Text, "effectiveness")
	assert.NotContains(t, got.Text, "  ")
}

func TestExtract_NotPDF(t *testing.T) {
	_, err := NewPDFExtractor().Extract(context.Background(), []byte("hello, this is plain text"))
	assert.ErrorIs(t, err, ErrNotPDF)
}

func TestExtract_Corrupt(t *testing.T) {
	_, err := NewPDFExtractor().Extract(context.Background(), []byte("%PDF-1.4\n garbage without xref"))
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestExtract_Canceled(t *testing.T) {
	data := buildPDF(t, "page one")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPDFExtractor().Extract(ctx, data)
	assert.ErrorIs(t, err, context.Canceled)
}
