package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/go-pdf/fpdf"
)

const (
	textPageLeft       = 100.0
	textPageTop        = 42.0  // 750pt from the bottom of a Letter page
	textPageBottom     = 742.0 // break once the cursor passes 50pt from the bottom
	textLineHeight     = 12.0
	textFontSize       = 10.0
	textWrapWidthChars = 80
)

// ConversionService turns word-processor and plain-text inputs into PDF byte
// streams. Already-PDF inputs pass through unchanged.
type ConversionService struct {
	sofficePath string
}

func NewConversionService(sofficePath string) *ConversionService {
	if sofficePath == "" {
		sofficePath = "soffice"
	}
	return &ConversionService{sofficePath: sofficePath}
}

// Convert dispatches on the file extension and returns the PDF bytes along
// with the key renamed to a .pdf extension. On failure it returns a nil
// stream and the original key; callers treat that as a fatal per-file error.
func (s *ConversionService) Convert(ctx context.Context, data []byte, originalKey string) ([]byte, string, error) {
	ext := strings.ToLower(path.Ext(originalKey))

	switch ext {
	case ".doc", ".docx":
		return s.convertWord(ctx, data, originalKey, ext)
	case ".txt":
		return s.convertText(data, originalKey)
	default:
		return data, originalKey, nil
	}
}

func pdfKey(originalKey string) string {
	return strings.TrimSuffix(originalKey, path.Ext(originalKey)) + ".pdf"
}

func (s *ConversionService) convertWord(ctx context.Context, data []byte, originalKey, ext string) ([]byte, string, error) {
	pdfBytes, err := s.renderViaSoffice(ctx, data, ext)
	if err == nil {
		return pdfBytes, pdfKey(originalKey), nil
	}
	slog.Warn("external renderer failed, falling back to text extraction",
		"key", originalKey, "error", err)

	text, err := extractWordText(data, ext)
	if err != nil {
		return nil, originalKey, fmt.Errorf("word conversion fallback: %w", err)
	}
	pdfBytes, err = renderTextToPDF(text)
	if err != nil {
		return nil, originalKey, fmt.Errorf("render extracted text: %w", err)
	}
	return pdfBytes, pdfKey(originalKey), nil
}

// renderViaSoffice shells out to LibreOffice in headless mode. The converter
// writes <input base>.pdf into the output directory.
func (s *ConversionService) renderViaSoffice(ctx context.Context, data []byte, ext string) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "doc-convert-*")
	if err != nil {
		return nil, fmt.Errorf("conversion temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	inputPath := filepath.Join(tmpDir, "input"+ext)
	if err := os.WriteFile(inputPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write conversion input: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.sofficePath,
		"--headless", "--convert-to", "pdf", "--outdir", tmpDir, inputPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("soffice: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	outPath := filepath.Join(tmpDir, "input.pdf")
	pdfBytes, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read converted pdf: %w", err)
	}
	return pdfBytes, nil
}

func extractWordText(data []byte, ext string) (string, error) {
	var (
		text string
		err  error
	)
	switch ext {
	case ".docx":
		text, _, err = docconv.ConvertDocx(bytes.NewReader(data))
	default:
		text, _, err = docconv.ConvertDoc(bytes.NewReader(data))
	}
	if err != nil {
		return "", fmt.Errorf("extract document text: %w", err)
	}
	return text, nil
}

func (s *ConversionService) convertText(data []byte, originalKey string) ([]byte, string, error) {
	text := decodeText(data)
	pdfBytes, err := renderTextToPDF(text)
	if err != nil {
		return nil, originalKey, fmt.Errorf("render text file: %w", err)
	}
	return pdfBytes, pdfKey(originalKey), nil
}

// decodeText interprets the bytes as UTF-8 when valid, otherwise as Latin-1
// (every byte maps to the code point of the same value, so it never fails).
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// renderTextToPDF flows plain text onto Letter pages with a fixed font and
// approximate 80-character wrapping.
func renderTextToPDF(text string) ([]byte, error) {
	doc := fpdf.New("P", "pt", "Letter", "")
	doc.SetAutoPageBreak(false, 0)
	doc.AddPage()
	doc.SetFont("Helvetica", "", textFontSize)
	translate := doc.UnicodeTranslatorFromDescriptor("")

	y := textPageTop
	emit := func(line string) {
		if y > textPageBottom {
			doc.AddPage()
			doc.SetFont("Helvetica", "", textFontSize)
			y = textPageTop
		}
		doc.Text(textPageLeft, y, translate(line))
		y += textLineHeight
	}

	for _, line := range strings.Split(text, "\n") {
		current := ""
		for _, word := range strings.Fields(line) {
			test := word
			if current != "" {
				test = current + " " + word
			}
			if len(test) > textWrapWidthChars {
				if current != "" {
					emit(current)
					current = word
				} else {
					emit(word)
					current = ""
				}
			} else {
				current = test
			}
		}
		if current != "" {
			emit(current)
		}
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("serialize text pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// IsConvertible reports whether the extension routes through a conversion
// path rather than passing through.
func (s *ConversionService) IsConvertible(key string) bool {
	switch strings.ToLower(path.Ext(key)) {
	case ".doc", ".docx", ".txt":
		return true
	}
	return false
}
