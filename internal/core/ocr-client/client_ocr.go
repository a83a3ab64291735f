// Package ocrclient provides the Tesseract recognizer and the poppler-based
// page rasterizer consumed by the OCR stage.
package ocrclient

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/markdave123-py/Regula/internal/core"
)

// TesseractRecognizer runs text recognition through gosseract. A fresh client
// is created per call because the underlying Tesseract handle is not safe to
// share across goroutines.
type TesseractRecognizer struct {
	clientFactory func() *gosseract.Client
}

func NewTesseractRecognizer() core.Recognizer {
	return &TesseractRecognizer{clientFactory: gosseract.NewClient}
}

func (r *TesseractRecognizer) Recognize(ctx context.Context, imageBytes []byte) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	c := r.clientFactory()
	defer c.Close()

	if err := c.SetLanguage("eng"); err != nil {
		return "", fmt.Errorf("set language: %w", err)
	}
	// PSM 6: assume a single uniform block of text.
	if err := c.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return "", fmt.Errorf("set segmentation mode: %w", err)
	}
	if err := c.SetImageFromBytes(imageBytes); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// PdftoppmRasterizer renders single PDF pages to PNG by shelling out to
// poppler's pdftoppm.
type PdftoppmRasterizer struct {
	binPath string
}

func NewPdftoppmRasterizer(binPath string) core.Rasterizer {
	if binPath == "" {
		binPath = "pdftoppm"
	}
	return &PdftoppmRasterizer{binPath: binPath}
}

func (r *PdftoppmRasterizer) RasterizePage(ctx context.Context, pdfBytes []byte, pageNum int, dpi int) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "rasterize-*")
	if err != nil {
		return nil, fmt.Errorf("rasterize temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	inputPath := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(inputPath, pdfBytes, 0o644); err != nil {
		return nil, fmt.Errorf("write rasterize input: %w", err)
	}

	// -singlefile with a one-page range writes exactly <prefix>.png.
	prefix := filepath.Join(tmpDir, "page")
	cmd := exec.CommandContext(ctx, r.binPath,
		"-png",
		"-r", strconv.Itoa(dpi),
		"-f", strconv.Itoa(pageNum),
		"-l", strconv.Itoa(pageNum),
		"-singlefile",
		inputPath, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", pageNum, err, strings.TrimSpace(stderr.String()))
	}

	img, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("read rasterized page %d: %w", pageNum, err)
	}
	return img, nil
}
