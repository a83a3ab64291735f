package services

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/go-pdf/fpdf"

	"github.com/markdave123-py/Regula/internal/pdfutil"
)

const (
	enhanceMargin     = 50.0
	enhanceLineHeight = 15.0
)

// PageStructure is the structured view of one page: its text, any detected
// tables and the metadata of embedded images.
type PageStructure struct {
	PageNumber int
	Text       string
	Tables     [][][]string
	Images     []pdfutil.ImageInfo
}

// TableExtractor finds tabular content in extracted page text. Injectable so
// tests can supply deterministic tables.
type TableExtractor interface {
	ExtractTables(text string) [][][]string
}

// heuristicTableExtractor treats runs of consecutive lines that look tabular
// (at least three columns, at least two numeric tokens) as one table, with
// whitespace-separated fields as cells.
type heuristicTableExtractor struct{}

func (heuristicTableExtractor) ExtractTables(text string) [][][]string {
	var tables [][][]string
	var current [][]string

	flush := func() {
		if len(current) > 0 {
			tables = append(tables, current)
			current = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if lineLooksTabular(line) {
			current = append(current, strings.Fields(line))
		} else {
			flush()
		}
	}
	flush()
	return tables
}

func lineLooksTabular(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return false
	}
	numeric := 0
	for _, f := range fields {
		if strings.ContainsFunc(f, unicode.IsDigit) {
			numeric++
		}
	}
	return numeric >= 2
}

// EnhanceService re-renders every page as a structured textual representation
// carrying the page text plus extracted-table and image-metadata sections.
// Output pages are best-effort approximations built for indexing, not layout
// fidelity.
type EnhanceService struct {
	tables TableExtractor
}

func NewEnhanceService() *EnhanceService {
	return &EnhanceService{tables: heuristicTableExtractor{}}
}

func NewEnhanceServiceWithExtractor(tables TableExtractor) *EnhanceService {
	return &EnhanceService{tables: tables}
}

// Enhance processes every page and returns the re-rendered document with the
// list of page numbers that were enhanced. A page that fails extraction is
// carried through unchanged and excluded from the processed list.
func (s *EnhanceService) Enhance(data []byte) ([]byte, []int, error) {
	pageCount, err := pdfutil.PageCount(data)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect document: %w", err)
	}

	pages := make([][]byte, 0, pageCount)
	var processed []int
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		structure, err := s.extractPage(data, pageNum)
		if err != nil {
			slog.Warn("structure extraction failed, keeping original page",
				"page", pageNum, "error", err)
			original, err := pdfutil.ExtractPage(data, pageNum)
			if err != nil {
				return nil, nil, fmt.Errorf("carry page %d: %w", pageNum, err)
			}
			pages = append(pages, original)
			continue
		}

		rendered, err := renderPageStructure(structure)
		if err != nil {
			return nil, nil, fmt.Errorf("render enhanced page %d: %w", pageNum, err)
		}
		pages = append(pages, rendered)
		processed = append(processed, pageNum)
	}

	out, err := pdfutil.Merge(pages)
	if err != nil {
		return nil, nil, fmt.Errorf("reassemble enhanced document: %w", err)
	}
	return out, processed, nil
}

func (s *EnhanceService) extractPage(data []byte, pageNum int) (*PageStructure, error) {
	text, err := pdfutil.PageText(data, pageNum)
	if err != nil {
		return nil, err
	}
	images, err := pdfutil.PageImages(data, pageNum)
	if err != nil {
		return nil, err
	}
	return &PageStructure{
		PageNumber: pageNum,
		Text:       text,
		Tables:     s.tables.ExtractTables(text),
		Images:     images,
	}, nil
}

// renderPageStructure lays the structure out on Letter pages: page text
// first, then the table and image sections.
func renderPageStructure(p *PageStructure) ([]byte, error) {
	doc := fpdf.New("P", "pt", "Letter", "")
	doc.SetAutoPageBreak(false, 0)
	doc.AddPage()
	translate := doc.UnicodeTranslatorFromDescriptor("")

	_, pageHeight := doc.GetPageSize()
	y := enhanceMargin
	bottom := pageHeight - enhanceMargin

	write := func(line string) {
		if y > bottom {
			doc.AddPage()
			y = enhanceMargin
		}
		doc.Text(enhanceMargin, y, translate(line))
		y += enhanceLineHeight
	}
	setFont := func(style string, size float64) {
		doc.SetFont("Helvetica", style, size)
	}

	setFont("", 10)
	for _, line := range strings.Split(p.Text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		write(strings.TrimSpace(line))
	}

	if len(p.Tables) > 0 {
		y += enhanceLineHeight
		setFont("B", 11)
		write("[Extracted Tables]")
		y += enhanceLineHeight

		for i, table := range p.Tables {
			setFont("B", 9)
			write(fmt.Sprintf("Table %d:", i+1))
			setFont("", 9)
			for _, row := range table {
				if len(row) == 0 {
					continue
				}
				rowStr := strings.Join(row, " | ")
				if len(rowStr) > 80 {
					rowStr = rowStr[:77] + "..."
				}
				write(rowStr)
			}
			y += enhanceLineHeight
		}
	}

	if len(p.Images) > 0 {
		y += enhanceLineHeight
		setFont("B", 11)
		write("[Image Metadata]")
		y += enhanceLineHeight

		setFont("", 9)
		for i, img := range p.Images {
			write(fmt.Sprintf("Image %d: %dx%d (%s)", i+1, img.Width, img.Height, img.Name))
		}
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("serialize enhanced page: %w", err)
	}
	return buf.Bytes(), nil
}
