package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Regula/internal/pdfutil"
)

func TestConvertPDFPassesThrough(t *testing.T) {
	s := NewConversionService("")
	in := []byte("%PDF-1.7 fake content")

	out, key, err := s.Convert(context.Background(), in, "folder/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "folder/report.pdf", key)
}

func TestConvertUnknownExtensionPassesThrough(t *testing.T) {
	s := NewConversionService("")
	in := []byte("whatever")

	out, key, err := s.Convert(context.Background(), in, "a/b.bin")
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "a/b.bin", key)
}

func TestConvertTextProducesPDFAndRenamesKey(t *testing.T) {
	s := NewConversionService("")

	out, key, err := s.Convert(context.Background(), []byte("hello world\nsecond line"), "notes/memo.txt")
	require.NoError(t, err)
	assert.Equal(t, "notes/memo.pdf", key)

	n, err := pdfutil.PageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	text, err := pdfutil.PageText(out, 1)
	require.NoError(t, err)
	assert.Contains(t, text, "hello world")
	assert.Contains(t, text, "second line")
}

func TestConvertTextLatin1Fallback(t *testing.T) {
	s := NewConversionService("")

	// 0xE9 is not valid UTF-8 on its own; Latin-1 reads it as é.
	in := []byte{'c', 'a', 'f', 0xE9}
	out, key, err := s.Convert(context.Background(), in, "caf.txt")
	require.NoError(t, err)
	assert.Equal(t, "caf.pdf", key)

	text, err := pdfutil.PageText(out, 1)
	require.NoError(t, err)
	assert.Contains(t, text, "caf")
}

func TestConvertTextPaginatesLongInput(t *testing.T) {
	s := NewConversionService("")

	// 80 lines fit on one page at 12pt leading; 200 need several.
	long := strings.Repeat("line of text\n", 200)
	out, _, err := s.Convert(context.Background(), []byte(long), "long.txt")
	require.NoError(t, err)

	n, err := pdfutil.PageCount(out)
	require.NoError(t, err)
	assert.Greater(t, n, 1)
}

func TestConvertTextWrapsLongLines(t *testing.T) {
	s := NewConversionService("")

	words := strings.Repeat("word ", 60) // well past 80 characters
	out, _, err := s.Convert(context.Background(), []byte(words), "wide.txt")
	require.NoError(t, err)

	items, err := pdfutil.PageTextItems(out, 1)
	require.NoError(t, err)
	// Wrapped output spans several baselines.
	ys := map[float64]bool{}
	for _, it := range items {
		ys[it.Y] = true
	}
	assert.Greater(t, len(ys), 1)
}

func TestConvertWordFailureReturnsOriginalKey(t *testing.T) {
	// Point at a renderer binary that cannot exist so both the external
	// path and the extraction fallback fail on garbage input.
	s := NewConversionService("/nonexistent/soffice")

	out, key, err := s.Convert(context.Background(), []byte("not a real docx"), "docs/broken.docx")
	assert.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, "docs/broken.docx", key)
}

func TestIsConvertible(t *testing.T) {
	s := NewConversionService("")

	assert.True(t, s.IsConvertible("a.doc"))
	assert.True(t, s.IsConvertible("a.DOCX"))
	assert.True(t, s.IsConvertible("a.txt"))
	assert.False(t, s.IsConvertible("a.pdf"))
	assert.False(t, s.IsConvertible("a.png"))
}
