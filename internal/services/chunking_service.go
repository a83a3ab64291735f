package services

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/markdave123-py/Regula/internal/pdfutil"
)

// Title pages use a custom wide, short format so destination URIs fit on a
// single line.
const (
	titlePageWidth  = 1000.0
	titlePageHeight = 500.0
	titleRowHeight  = 22.0
	titleCol1X      = 50.0
	titleCol2X      = 170.0
	titleTableWidth = 900.0
	// Values past this length wrap at the per-line character limit.
	titleValueWrapThreshold = 120
	titleValueCharsPerLine  = 160
)

// Field display order and labels on the title page. Both casings of the
// state and standard-type fields are listed because different taxonomy roots
// emit different casings.
var titlePageFields = []struct {
	Key   string
	Label string
}{
	{"document_name", "Document Name"},
	{"processed_file_path", "Processed File Path"},
	{"page_number", "Page Number"},
	{"total_pages", "Total Pages"},
	{"chunk_s3_uri", "Chunk S3 Uri"},
	{"direct_chunk_s3_uri", "Direct Chunk S3 Uri"},
	{"enhanced_chunk_s3_uri", "Enhanced Chunk S3 Uri"},
	{"standard_type", "Standard Type"},
	{"country", "Country"},
	{"document_type", "Document Type"},
	{"document_category", "Document Category"},
	{"document_sub-category", "Document Sub-Category"},
	{"year", "Year"},
	{"state", "State"},
	{"State", "State"},
	{"state_category", "State Category"},
	{"State_category", "State Category"},
	{"Standard_type", "Standard Type"},
	{"complexity", "Complexity"},
}

// PageChunk is one uploadable output unit: a metadata title page followed by
// one content page.
type PageChunk struct {
	Key      string
	Bucket   string
	Metadata PageMetadata
	PDF      []byte
}

// ChunkingService splits processed documents into per-page chunks, each
// prefixed with a generated metadata title page. When a direct bucket is
// configured it emits a second, parallel chunk stream carrying the
// unenhanced content.
type ChunkingService struct {
	chunkedBucket string
	directBucket  string
	now           func() time.Time
}

func NewChunkingService(chunkedBucket, directBucket string) *ChunkingService {
	return &ChunkingService{
		chunkedBucket: chunkedBucket,
		directBucket:  directBucket,
		now:           time.Now,
	}
}

// DualStream reports whether the direct output stream is configured.
func (s *ChunkingService) DualStream() bool { return s.directBucket != "" }

// BuildChunks produces the enhanced-stream chunks for a document: one chunk
// per page, keyed under the cleaned key's folder.
func (s *ChunkingService) BuildChunks(pdf []byte, originalKey, cleanedKey string) ([]PageChunk, error) {
	return s.buildStream(pdf, originalKey, cleanedKey, s.chunkedBucket, "", nil)
}

// BuildDualStreamChunks produces both streams: enhanced chunks bound for the
// chunked bucket and direct chunks (suffixed `_direct`) bound for the direct
// bucket. Each chunk's metadata records the sibling stream's URI so index
// consumers can cross-reference the two renditions of a page.
func (s *ChunkingService) BuildDualStreamChunks(enhanced, direct []byte, originalKey, cleanedKey string) (enhancedChunks, directChunks []PageChunk, err error) {
	siblingDirect := func(page int) (string, string) {
		return "direct_chunk_s3_uri", ChunkURI(s.directBucket, ChunkKey(cleanedKey, page, "_direct"))
	}
	siblingEnhanced := func(page int) (string, string) {
		return "enhanced_chunk_s3_uri", ChunkURI(s.chunkedBucket, ChunkKey(cleanedKey, page, ""))
	}

	enhancedChunks, err = s.buildStream(enhanced, originalKey, cleanedKey, s.chunkedBucket, "", siblingDirect)
	if err != nil {
		return nil, nil, fmt.Errorf("enhanced stream: %w", err)
	}
	directChunks, err = s.buildStream(direct, originalKey, cleanedKey, s.directBucket, "_direct", siblingEnhanced)
	if err != nil {
		return nil, nil, fmt.Errorf("direct stream: %w", err)
	}
	return enhancedChunks, directChunks, nil
}

func (s *ChunkingService) buildStream(pdf []byte, originalKey, cleanedKey, bucket, suffix string, sibling func(page int) (string, string)) ([]PageChunk, error) {
	totalPages, err := pdfutil.PageCount(pdf)
	if err != nil {
		return nil, fmt.Errorf("inspect document: %w", err)
	}

	chunks := make([]PageChunk, 0, totalPages)
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		md := DeriveMetadata(originalKey)
		md["page_number"] = pageNum
		md["total_pages"] = totalPages

		chunkKey := ChunkKey(cleanedKey, pageNum, suffix)
		md["chunk_s3_uri"] = ChunkURI(bucket, chunkKey)
		if sibling != nil {
			field, uri := sibling(pageNum)
			md[field] = uri
		}

		titlePage, err := s.renderTitlePage(md)
		if err != nil {
			return nil, fmt.Errorf("render title page %d: %w", pageNum, err)
		}
		contentPage, err := pdfutil.ExtractPage(pdf, pageNum)
		if err != nil {
			return nil, fmt.Errorf("extract content page %d: %w", pageNum, err)
		}
		assembled, err := pdfutil.Merge([][]byte{titlePage, contentPage})
		if err != nil {
			return nil, fmt.Errorf("assemble chunk for page %d: %w", pageNum, err)
		}

		chunks = append(chunks, PageChunk{
			Key:      chunkKey,
			Bucket:   bucket,
			Metadata: md,
			PDF:      assembled,
		})
	}
	return chunks, nil
}

// renderTitlePage lays the metadata record out as a Field/Value table on the
// wide custom page.
func (s *ChunkingService) renderTitlePage(md PageMetadata) ([]byte, error) {
	doc := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: titlePageWidth, Ht: titlePageHeight},
	})
	doc.SetAutoPageBreak(false, 0)
	doc.AddPage()
	translate := doc.UnicodeTranslatorFromDescriptor("")

	doc.SetFont("Helvetica", "B", 16)
	doc.Text(400, 40, "Document Metadata")

	tableTop := 70.0
	doc.SetFont("Helvetica", "B", 10)
	doc.Text(titleCol1X, tableTop, "Field")
	doc.Text(titleCol2X, tableTop, "Value")
	doc.Line(titleCol1X, tableTop+5, titleCol1X+titleTableWidth, tableTop+5)

	doc.SetFont("Helvetica", "", 10)
	y := tableTop + titleRowHeight

	for _, field := range titlePageFields {
		value, ok := md[field.Key]
		if !ok {
			continue
		}
		valueStr := fmt.Sprint(value)

		doc.Text(titleCol1X, y, field.Label+":")

		if len(valueStr) > titleValueWrapThreshold {
			lines := splitEvery(valueStr, titleValueCharsPerLine)
			doc.Text(titleCol2X, y, translate(lines[0]))
			for _, line := range lines[1:] {
				y += 14
				doc.Text(titleCol2X, y, translate(line))
			}
		} else {
			doc.Text(titleCol2X, y, translate(valueStr))
		}

		y += titleRowHeight
		doc.SetDrawColor(204, 204, 204)
		doc.Line(titleCol1X, y-10, titleCol1X+titleTableWidth, y-10)
		doc.SetDrawColor(0, 0, 0)
	}

	doc.Rect(titleCol1X-10, tableTop-20, titleTableWidth+20, y-tableTop+20, "D")

	ist := time.FixedZone("IST", 5*3600+30*60)
	doc.SetFont("Helvetica", "", 8)
	doc.Text(titleCol1X, y+30,
		"Generated: "+s.now().In(ist).Format("2006-01-02 15:04:05")+" IST")
	doc.Text(titleCol1X+500, y+30, "Format: Wide Metadata Page (1000x500) - Single Line URIs")

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("serialize title page: %w", err)
	}
	return buf.Bytes(), nil
}

func splitEvery(s string, n int) []string {
	var lines []string
	for len(s) > n {
		lines = append(lines, s[:n])
		s = s[n:]
	}
	return append(lines, s)
}
