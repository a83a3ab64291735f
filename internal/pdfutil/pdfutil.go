// Package pdfutil collects the low-level PDF operations the pipeline needs:
// page counting, splitting and merging, text and layout extraction, link
// enumeration and overlay stamping.
package pdfutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

func conf() *model.Configuration {
	c := model.NewDefaultConfiguration()
	// Upstream documents are frequently produced by sloppy generators.
	c.ValidationMode = model.ValidationRelaxed
	return c
}

func newReader(data []byte) (*pdf.Reader, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}
	return r, nil
}

// PageCount returns the number of pages in the document.
func PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), conf())
	if err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	return n, nil
}

// PageSize returns the MediaBox width and height of the given page (1-based),
// in points. The MediaBox may live on an ancestor node, so the page tree is
// walked upward until one is found.
func PageSize(data []byte, pageNum int) (width, height float64, err error) {
	r, err := newReader(data)
	if err != nil {
		return 0, 0, err
	}
	page := r.Page(pageNum)
	if page.V.IsNull() {
		return 0, 0, fmt.Errorf("page %d not found", pageNum)
	}

	node := page.V
	for !node.IsNull() {
		box := node.Key("MediaBox")
		if !box.IsNull() && box.Len() == 4 {
			w := box.Index(2).Float64() - box.Index(0).Float64()
			h := box.Index(3).Float64() - box.Index(1).Float64()
			return w, h, nil
		}
		node = node.Key("Parent")
	}
	return 0, 0, fmt.Errorf("page %d has no MediaBox", pageNum)
}

// ExtractPage returns a single-page PDF containing page pageNum (1-based).
func ExtractPage(data []byte, pageNum int) ([]byte, error) {
	var out bytes.Buffer
	sel := []string{strconv.Itoa(pageNum)}
	if err := api.Trim(bytes.NewReader(data), &out, sel, conf()); err != nil {
		return nil, fmt.Errorf("extract page %d: %w", pageNum, err)
	}
	return out.Bytes(), nil
}

// Merge concatenates the given PDF documents, in order, into one document.
func Merge(docs [][]byte) ([]byte, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("merge: no documents")
	}
	if len(docs) == 1 {
		return docs[0], nil
	}
	readers := make([]io.ReadSeeker, 0, len(docs))
	for _, d := range docs {
		readers = append(readers, bytes.NewReader(d))
	}
	var out bytes.Buffer
	if err := api.MergeRaw(readers, &out, false, conf()); err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	return out.Bytes(), nil
}

// Optimize re-serializes the document, dropping orphaned objects left behind
// by redaction and annotation removal.
func Optimize(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := api.Optimize(bytes.NewReader(data), &out, conf()); err != nil {
		return nil, fmt.Errorf("optimize: %w", err)
	}
	return out.Bytes(), nil
}

// PageText extracts the plain text of the given page (1-based). A page that
// exists but has no text layer yields "".
func PageText(data []byte, pageNum int) (string, error) {
	r, err := newReader(data)
	if err != nil {
		return "", err
	}
	page := r.Page(pageNum)
	if page.V.IsNull() {
		return "", fmt.Errorf("page %d not found", pageNum)
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("extract text from page %d: %w", pageNum, err)
	}
	return text, nil
}

// TextItem is one positioned text fragment on a page. Coordinates are in PDF
// points with the origin at the bottom-left.
type TextItem struct {
	S        string
	X        float64
	Y        float64
	W        float64
	FontSize float64
}

// PageTextItems returns the positioned text fragments of a page, in content
// stream order.
func PageTextItems(data []byte, pageNum int) ([]TextItem, error) {
	r, err := newReader(data)
	if err != nil {
		return nil, err
	}
	page := r.Page(pageNum)
	if page.V.IsNull() {
		return nil, fmt.Errorf("page %d not found", pageNum)
	}

	content := page.Content()
	items := make([]TextItem, 0, len(content.Text))
	for _, t := range content.Text {
		items = append(items, TextItem{
			S:        t.S,
			X:        t.X,
			Y:        t.Y,
			W:        t.W,
			FontSize: t.FontSize,
		})
	}
	return items, nil
}

// PageHasImages reports whether the page's resource dictionary references any
// image XObjects.
func PageHasImages(data []byte, pageNum int) (bool, error) {
	r, err := newReader(data)
	if err != nil {
		return false, err
	}
	page := r.Page(pageNum)
	if page.V.IsNull() {
		return false, fmt.Errorf("page %d not found", pageNum)
	}

	xobjects := page.Resources().Key("XObject")
	if xobjects.IsNull() {
		return false, nil
	}
	for _, name := range xobjects.Keys() {
		obj := xobjects.Key(name)
		if obj.Key("Subtype").Name() == "Image" {
			return true, nil
		}
	}
	return false, nil
}

// ImageInfo describes one embedded raster image on a page.
type ImageInfo struct {
	Name   string
	Width  int64
	Height int64
}

// PageImages lists the image XObjects referenced by the page's resources.
func PageImages(data []byte, pageNum int) ([]ImageInfo, error) {
	r, err := newReader(data)
	if err != nil {
		return nil, err
	}
	page := r.Page(pageNum)
	if page.V.IsNull() {
		return nil, fmt.Errorf("page %d not found", pageNum)
	}

	xobjects := page.Resources().Key("XObject")
	if xobjects.IsNull() {
		return nil, nil
	}
	var infos []ImageInfo
	for _, name := range xobjects.Keys() {
		obj := xobjects.Key(name)
		if obj.Key("Subtype").Name() != "Image" {
			continue
		}
		infos = append(infos, ImageInfo{
			Name:   name,
			Width:  obj.Key("Width").Int64(),
			Height: obj.Key("Height").Int64(),
		})
	}
	return infos, nil
}

// PageLinkURIs returns the URI targets of link annotations on the page.
func PageLinkURIs(data []byte, pageNum int) ([]string, error) {
	r, err := newReader(data)
	if err != nil {
		return nil, err
	}
	page := r.Page(pageNum)
	if page.V.IsNull() {
		return nil, fmt.Errorf("page %d not found", pageNum)
	}

	annots := page.V.Key("Annots")
	if annots.IsNull() {
		return nil, nil
	}

	var uris []string
	for i := 0; i < annots.Len(); i++ {
		annot := annots.Index(i)
		if annot.Key("Subtype").Name() != "Link" {
			continue
		}
		action := annot.Key("A")
		if action.IsNull() {
			continue
		}
		uri := action.Key("URI")
		if uri.IsNull() {
			continue
		}
		uris = append(uris, uri.RawString())
	}
	return uris, nil
}

// RemovePageAnnotations strips every annotation from the selected pages
// (1-based). A type filter cannot be used here: pdfcpu's type matching only
// sees cached indirect references, so annotations stored directly in a page's
// Annots array would survive it. Returns the original bytes when nothing was
// removed.
func RemovePageAnnotations(data []byte, pages []int) ([]byte, error) {
	if len(pages) == 0 {
		return data, nil
	}
	sel := make([]string, 0, len(pages))
	for _, p := range pages {
		sel = append(sel, strconv.Itoa(p))
	}
	var out bytes.Buffer
	err := api.RemoveAnnotations(bytes.NewReader(data), &out, sel, nil, nil, conf())
	if err != nil {
		// pdfcpu reports an annotation-free selection as an error.
		if strings.Contains(err.Error(), "No annotation removed") {
			return data, nil
		}
		return nil, fmt.Errorf("remove page annotations: %w", err)
	}
	return out.Bytes(), nil
}

// StampPages overlays each listed page (1-based) with the corresponding
// single-page PDF, placed on top of the existing content at its native size.
func StampPages(data []byte, overlays map[int][]byte) ([]byte, error) {
	if len(overlays) == 0 {
		return data, nil
	}

	tmpDir, err := os.MkdirTemp("", "pdf-stamp-*")
	if err != nil {
		return nil, fmt.Errorf("stamp temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	stamps := make(map[int]*model.Watermark, len(overlays))
	for pageNum, overlay := range overlays {
		path := fmt.Sprintf("%s/overlay_%d.pdf", tmpDir, pageNum)
		if err := os.WriteFile(path, overlay, 0o644); err != nil {
			return nil, fmt.Errorf("write overlay for page %d: %w", pageNum, err)
		}
		wm, err := api.PDFWatermark(path, "pos:c, scale:1 abs, rot:0", true, false, types.POINTS)
		if err != nil {
			return nil, fmt.Errorf("build overlay stamp for page %d: %w", pageNum, err)
		}
		stamps[pageNum] = wm
	}

	var out bytes.Buffer
	if err := api.AddWatermarksMap(bytes.NewReader(data), &out, stamps, conf()); err != nil {
		return nil, fmt.Errorf("stamp pages: %w", err)
	}
	return out.Bytes(), nil
}

// SelectPages returns a document containing only the listed pages (1-based),
// in the given order as far as the selection allows.
func SelectPages(data []byte, pages []int) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("select pages: empty selection")
	}
	sel := make([]string, 0, len(pages))
	for _, p := range pages {
		sel = append(sel, strconv.Itoa(p))
	}
	var out bytes.Buffer
	if err := api.Trim(bytes.NewReader(data), &out, sel, conf()); err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	return out.Bytes(), nil
}

// SplitPages returns each page of the document as its own single-page PDF.
func SplitPages(data []byte) ([][]byte, error) {
	n, err := PageCount(data)
	if err != nil {
		return nil, err
	}
	pages := make([][]byte, 0, n)
	for i := 1; i <= n; i++ {
		page, err := ExtractPage(data, i)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// ContainsText reports whether any page of the document contains the given
// term, matched case-insensitively against extracted page text.
func ContainsText(data []byte, term string) (bool, error) {
	n, err := PageCount(data)
	if err != nil {
		return false, err
	}
	lower := strings.ToLower(term)
	for i := 1; i <= n; i++ {
		text, err := PageText(data, i)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(text), lower) {
			return true, nil
		}
	}
	return false, nil
}
