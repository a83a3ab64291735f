package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/go-pdf/fpdf"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/markdave123-py/Regula/internal/core"
	"github.com/markdave123-py/Regula/internal/pdfutil"
)

const (
	ocrReplacementMargin = 50.0
	ocrFontStart         = 9
	ocrFontFloor         = 5
)

// OCRResult is the tagged outcome of an OCR pass. Modified is false when no
// page needed recognition; PDF then holds the untouched input bytes.
type OCRResult struct {
	Modified      bool
	PDF           []byte
	ReplacedPages []int
}

// OCRService replaces image-bearing or text-free pages with pages containing
// the recognized text. Recognition for different pages runs in parallel;
// output page order always matches the input.
type OCRService struct {
	recognizer    core.Recognizer
	rasterizer    core.Rasterizer
	dpi           int
	textThreshold int
	pageWorkers   int
}

func NewOCRService(recognizer core.Recognizer, rasterizer core.Rasterizer, dpi, textThreshold, pageWorkers int) *OCRService {
	if pageWorkers < 1 {
		pageWorkers = 1
	}
	return &OCRService{
		recognizer:    recognizer,
		rasterizer:    rasterizer,
		dpi:           dpi,
		textThreshold: textThreshold,
		pageWorkers:   pageWorkers,
	}
}

// pageNeedsOCR flags pages with embedded raster images (even alongside a text
// layer) and pages whose extractable text falls below the threshold. Pure
// text pages with no images are skipped.
func (s *OCRService) pageNeedsOCR(data []byte, pageNum int) bool {
	hasImages, err := pdfutil.PageHasImages(data, pageNum)
	if err == nil && hasImages {
		return true
	}
	text, err := pdfutil.PageText(data, pageNum)
	if err != nil {
		return true
	}
	return len(strings.TrimSpace(text)) < s.textThreshold
}

// ApplyOCR runs the full classify, recognize, rebuild cycle.
func (s *OCRService) ApplyOCR(ctx context.Context, data []byte) (*OCRResult, error) {
	pageCount, err := pdfutil.PageCount(data)
	if err != nil {
		return nil, fmt.Errorf("inspect document: %w", err)
	}

	var flagged []int
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		if s.pageNeedsOCR(data, pageNum) {
			flagged = append(flagged, pageNum)
		}
	}
	if len(flagged) == 0 {
		return &OCRResult{Modified: false, PDF: data}, nil
	}
	slog.Info("pages flagged for recognition", "flagged", len(flagged), "total", pageCount)

	texts, err := s.recognizePages(ctx, data, flagged)
	if err != nil {
		return nil, err
	}

	pages := make([][]byte, pageCount)
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		if recognized, ok := texts[pageNum]; ok {
			page, err := s.buildReplacementPage(data, pageNum, recognized)
			if err != nil {
				return nil, fmt.Errorf("build replacement page %d: %w", pageNum, err)
			}
			pages[pageNum-1] = page
			continue
		}
		page, err := pdfutil.ExtractPage(data, pageNum)
		if err != nil {
			return nil, fmt.Errorf("carry page %d: %w", pageNum, err)
		}
		pages[pageNum-1] = page
	}

	out, err := pdfutil.Merge(pages)
	if err != nil {
		return nil, fmt.Errorf("reassemble document: %w", err)
	}

	sort.Ints(flagged)
	return &OCRResult{Modified: true, PDF: out, ReplacedPages: flagged}, nil
}

// pageText is either recognized text or a failure note rendered in its place.
type pageText struct {
	text   string
	failed bool
}

// recognizePages rasterizes and recognizes the flagged pages, bounded by the
// worker limit. A failed page yields a visible placeholder instead of
// aborting the document.
func (s *OCRService) recognizePages(ctx context.Context, data []byte, flagged []int) (map[int]pageText, error) {
	var mu sync.Mutex
	texts := make(map[int]pageText, len(flagged))

	sem := semaphore.NewWeighted(int64(s.pageWorkers))
	g, ctx := errgroup.WithContext(ctx)

	for _, pageNum := range flagged {
		pageNum := pageNum
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			result := s.recognizeOne(ctx, data, pageNum)
			mu.Lock()
			texts[pageNum] = result
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("recognition pool: %w", err)
	}
	return texts, nil
}

func (s *OCRService) recognizeOne(ctx context.Context, data []byte, pageNum int) pageText {
	img, err := s.rasterizer.RasterizePage(ctx, data, pageNum, s.dpi)
	if err != nil {
		slog.Error("rasterization failed", "page", pageNum, "error", err)
		return pageText{text: err.Error(), failed: true}
	}
	text, err := s.recognizer.Recognize(ctx, img)
	if err != nil {
		slog.Error("recognition failed", "page", pageNum, "error", err)
		return pageText{text: err.Error(), failed: true}
	}
	return pageText{text: text}
}

// buildReplacementPage renders a fresh page with the original page's exact
// dimensions carrying the recognized text, shrinking the font until the text
// fits inside the margins (floored, after which it is rendered anyway).
func (s *OCRService) buildReplacementPage(data []byte, pageNum int, recognized pageText) ([]byte, error) {
	w, h, err := pdfutil.PageSize(data, pageNum)
	if err != nil {
		return nil, err
	}

	doc := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: w, Ht: h},
	})
	doc.SetAutoPageBreak(false, 0)
	doc.AddPage()
	translate := doc.UnicodeTranslatorFromDescriptor("")

	if recognized.failed {
		doc.SetFont("Courier", "", 8)
		doc.Text(ocrReplacementMargin, ocrReplacementMargin,
			translate("OCR Failed: "+recognized.text))
	} else {
		boxWidth := w - 2*ocrReplacementMargin
		boxHeight := h - 2*ocrReplacementMargin
		text := translate(strings.TrimSpace(recognized.text))

		size := float64(ocrFontStart)
		for size > float64(ocrFontFloor) {
			doc.SetFont("Times", "", size)
			lines := doc.SplitText(text, boxWidth)
			if float64(len(lines))*size*1.2 <= boxHeight {
				break
			}
			size--
		}
		doc.SetFont("Times", "", size)
		doc.SetXY(ocrReplacementMargin, ocrReplacementMargin)
		doc.MultiCell(boxWidth, size*1.2, text, "", "L", false)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("serialize replacement page: %w", err)
	}
	return buf.Bytes(), nil
}
