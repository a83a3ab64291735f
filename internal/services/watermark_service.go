package services

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/markdave123-py/Regula/internal/pdfutil"
)

// WatermarkResult is the tagged outcome of a removal pass. When Modified is
// false, PDF holds the untouched input bytes and no page was dropped.
type WatermarkResult struct {
	Modified      bool
	PDF           []byte
	RedactedPages []int
}

// WatermarkService redacts boilerplate attribution text and strips hyperlinks
// pointing at the attribution domains.
type WatermarkService struct {
	terms []string
}

func NewWatermarkService() *WatermarkService {
	return &WatermarkService{terms: boilerplateTerms}
}

// RemoveWatermarks scans every page for the boilerplate terms. Text hits are
// painted over with opaque white boxes, pages carrying an attribution link
// have their annotations removed, and pages left empty that were never
// redaction targets are dropped. A document with no hits is returned unchanged
// so callers skip re-serialization.
func (s *WatermarkService) RemoveWatermarks(data []byte) (*WatermarkResult, error) {
	pageCount, err := pdfutil.PageCount(data)
	if err != nil {
		return nil, fmt.Errorf("inspect document: %w", err)
	}

	overlays := map[int][]byte{}
	redactedPages := map[int]bool{}
	var linkPages []int

	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		boxes, err := s.findTermBoxes(data, pageNum)
		if err != nil {
			slog.Warn("term search failed, page skipped", "page", pageNum, "error", err)
			continue
		}
		if len(boxes) > 0 {
			overlay, err := renderRedactionOverlay(data, pageNum, boxes)
			if err != nil {
				return nil, fmt.Errorf("render redaction overlay for page %d: %w", pageNum, err)
			}
			overlays[pageNum] = overlay
			redactedPages[pageNum] = true
		}

		if s.pageHasTermLinks(data, pageNum) {
			linkPages = append(linkPages, pageNum)
		}
	}

	if len(overlays) == 0 && len(linkPages) == 0 {
		return &WatermarkResult{Modified: false, PDF: data}, nil
	}

	out, err := pdfutil.StampPages(data, overlays)
	if err != nil {
		return nil, fmt.Errorf("apply redactions: %w", err)
	}
	out, err = pdfutil.RemovePageAnnotations(out, linkPages)
	if err != nil {
		return nil, fmt.Errorf("strip attribution links: %w", err)
	}

	out, err = s.dropEmptyPages(out, redactedPages)
	if err != nil {
		return nil, fmt.Errorf("drop empty pages: %w", err)
	}

	out, err = pdfutil.Optimize(out)
	if err != nil {
		return nil, fmt.Errorf("re-serialize cleaned document: %w", err)
	}

	pages := make([]int, 0, len(redactedPages))
	for p := range redactedPages {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	return &WatermarkResult{Modified: true, PDF: out, RedactedPages: pages}, nil
}

// textBox is one term occurrence's bounding box in PDF coordinates
// (origin bottom-left).
type textBox struct {
	x, y, w, h float64
}

// findTermBoxes locates exact-text term occurrences on a page by
// reassembling lines from positioned fragments.
func (s *WatermarkService) findTermBoxes(data []byte, pageNum int) ([]textBox, error) {
	items, err := pdfutil.PageTextItems(data, pageNum)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	lines := groupIntoLines(items)

	var boxes []textBox
	for _, line := range lines {
		text := line.text()
		for _, term := range s.terms {
			start := 0
			for {
				idx := strings.Index(text[start:], term)
				if idx < 0 {
					break
				}
				abs := start + idx
				boxes = append(boxes, line.boxFor(abs, abs+len(term)))
				start = abs + len(term)
			}
		}
	}
	return boxes, nil
}

// textLine is a run of fragments sharing a baseline, ordered left to right.
type textLine struct {
	items []pdfutil.TextItem
	// starts[i] is the rune offset of items[i] in the joined text.
	starts []int
	joined string
}

func groupIntoLines(items []pdfutil.TextItem) []*textLine {
	byY := map[float64][]pdfutil.TextItem{}
	for _, it := range items {
		y := math.Round(it.Y)
		byY[y] = append(byY[y], it)
	}

	lines := make([]*textLine, 0, len(byY))
	for _, group := range byY {
		sort.Slice(group, func(i, j int) bool { return group[i].X < group[j].X })
		line := &textLine{items: group}
		var b strings.Builder
		for _, it := range group {
			line.starts = append(line.starts, b.Len())
			b.WriteString(it.S)
		}
		line.joined = b.String()
		lines = append(lines, line)
	}
	return lines
}

func (l *textLine) text() string { return l.joined }

// boxFor returns the bounding box covering the fragments contributing to the
// byte range [from, to) of the joined line text.
func (l *textLine) boxFor(from, to int) textBox {
	x0, x1 := math.Inf(1), math.Inf(-1)
	y := l.items[0].Y
	size := l.items[0].FontSize
	for i, it := range l.items {
		end := l.starts[i] + len(it.S)
		if end <= from || l.starts[i] >= to {
			continue
		}
		x0 = math.Min(x0, it.X)
		x1 = math.Max(x1, it.X+it.W)
		y = it.Y
		if it.FontSize > size {
			size = it.FontSize
		}
	}
	// Pad the box slightly past ascender and descender.
	return textBox{x: x0 - 1, y: y - size*0.25, w: x1 - x0 + 2, h: size * 1.4}
}

func (s *WatermarkService) pageHasTermLinks(data []byte, pageNum int) bool {
	uris, err := pdfutil.PageLinkURIs(data, pageNum)
	if err != nil {
		return false
	}
	for _, uri := range uris {
		lower := strings.ToLower(uri)
		for _, term := range s.terms {
			if strings.Contains(lower, strings.ToLower(term)) {
				return true
			}
		}
	}
	return false
}

// renderRedactionOverlay builds a page-sized single-page PDF containing only
// opaque white boxes over the term occurrences.
func renderRedactionOverlay(data []byte, pageNum int, boxes []textBox) ([]byte, error) {
	w, h, err := pdfutil.PageSize(data, pageNum)
	if err != nil {
		return nil, err
	}

	doc := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: w, Ht: h},
	})
	doc.AddPage()
	doc.SetFillColor(255, 255, 255)
	for _, box := range boxes {
		// Overlay coordinates run top-down; term boxes run bottom-up.
		doc.Rect(box.x, h-(box.y+box.h), box.w, box.h, "F")
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("serialize overlay: %w", err)
	}
	return buf.Bytes(), nil
}

// dropEmptyPages removes pages with no text, images or links, keeping any
// page that was itself a redaction target. A legitimately blank original page
// that carried watermark text survives; a page that existed only to carry the
// watermark does not.
func (s *WatermarkService) dropEmptyPages(data []byte, redactedPages map[int]bool) ([]byte, error) {
	pageCount, err := pdfutil.PageCount(data)
	if err != nil {
		return nil, err
	}

	var keep []int
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		if redactedPages[pageNum] || !s.pageIsEmpty(data, pageNum) {
			keep = append(keep, pageNum)
		}
	}
	if len(keep) == pageCount {
		return data, nil
	}
	if len(keep) == 0 {
		// Never emit a zero-page document.
		return data, nil
	}
	return pdfutil.SelectPages(data, keep)
}

// pageIsEmpty reports that a page carries no text, images or links. A page
// whose inspection errors counts as non-empty so a parse hiccup never drops
// real content.
func (s *WatermarkService) pageIsEmpty(data []byte, pageNum int) bool {
	text, err := pdfutil.PageText(data, pageNum)
	if err != nil || strings.TrimSpace(text) != "" {
		return false
	}
	hasImages, err := pdfutil.PageHasImages(data, pageNum)
	if err != nil || hasImages {
		return false
	}
	uris, err := pdfutil.PageLinkURIs(data, pageNum)
	if err != nil || len(uris) > 0 {
		return false
	}
	return true
}
