package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/markdave123-py/Regula/internal/core"
)

// PageMetadata is the derived metadata record for one output chunk. Field
// names, including their inconsistent casing across taxonomy roots
// (Standard_type vs standard_type), are a compatibility contract with the
// downstream index and must not be normalized.
type PageMetadata map[string]any

// fieldSpec maps one path segment to one output field. MinParts is the
// segment count the key must have before the field is set, so short keys
// simply omit fields instead of erroring.
type fieldSpec struct {
	Field    string
	Segment  int
	MinParts int
}

// taxonomyRule is one entry of the declarative dispatch table. Roots match
// the first path segment exactly; a nil Roots list is the always-true
// fallback. Guard, when set, further restricts the match.
type taxonomyRule struct {
	Name       string
	Roots      []string
	Guard      func(parts []string) bool
	Fields     []fieldSpec
	DocNameMin int // minimum segment count before document_name is set
}

// taxonomyRules is evaluated in order; the first matching entry wins. Adding
// a taxonomy root is a data change here, not a code change.
var taxonomyRules = []taxonomyRule{
	{
		Name:  "standards-global",
		Roots: []string{"Auditing-global", "Finance Tools", "GIFT City", "test"},
		Fields: []fieldSpec{
			{Field: "Standard_type", Segment: 1, MinParts: 3},
			{Field: "document_type", Segment: 2, MinParts: 4},
		},
		DocNameMin: 2,
	},
	{
		Name:  "accounting-global",
		Roots: []string{"accounting-global"},
		Fields: []fieldSpec{
			{Field: "complexity", Segment: 1, MinParts: 2},
			{Field: "Standard_type", Segment: 2, MinParts: 3},
			{Field: "document_type", Segment: 3, MinParts: 4},
		},
		DocNameMin: 2,
	},
	{
		Name:  "banking-regulations-bahrain",
		Roots: []string{"Banking Regulations-test"},
		Guard: func(parts []string) bool { return len(parts) > 1 && parts[1] == "Bahrain" },
		Fields: []fieldSpec{
			{Field: "country", Segment: 1, MinParts: 3},
			{Field: "complexity", Segment: 2, MinParts: 3},
			{Field: "document_type", Segment: 3, MinParts: 5},
			{Field: "document_category", Segment: 4, MinParts: 6},
			{Field: "document_sub-category", Segment: 5, MinParts: 7},
		},
		DocNameMin: 3,
	},
	{
		Name: "country-regulations",
		Roots: []string{
			"accounting-standards", "commercial-laws", "Banking Regulations",
			"Direct Taxes", "Capital Market Regulations", "Auditing Standards",
			"Insurance", "Labour Law",
		},
		Fields: []fieldSpec{
			{Field: "country", Segment: 1, MinParts: 2},
			{Field: "document_type", Segment: 2, MinParts: 4},
			{Field: "document_category", Segment: 3, MinParts: 5},
			{Field: "document_sub-category", Segment: 4, MinParts: 6},
		},
		DocNameMin: 2,
	},
	{
		Name:  "indirect-taxes",
		Roots: []string{"Indirect Taxes"},
		Fields: []fieldSpec{
			{Field: "country", Segment: 1, MinParts: 2},
			{Field: "document_type", Segment: 2, MinParts: 4},
			{Field: "State", Segment: 3, MinParts: 5},
			{Field: "State_category", Segment: 4, MinParts: 6},
		},
		DocNameMin: 2,
	},
	{
		Name:  "usecase-reports",
		Roots: []string{"usecase-reports-4"},
		Fields: []fieldSpec{
			{Field: "country", Segment: 1, MinParts: 2},
			{Field: "year", Segment: 2, MinParts: 3},
		},
		DocNameMin: 2,
	},
	{
		// Fallback: taxonomy root plus a best-effort jurisdiction guess.
		Name: "generic",
		Fields: []fieldSpec{
			{Field: "country", Segment: 1, MinParts: 2},
		},
		DocNameMin: 0,
	},
}

func (r taxonomyRule) matches(parts []string) bool {
	if r.Roots != nil {
		found := false
		for _, root := range r.Roots {
			if parts[0] == root {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Guard != nil {
		return r.Guard(parts)
	}
	return true
}

// TaxonomyRoot returns the first path segment of a key.
func TaxonomyRoot(key string) string {
	return strings.SplitN(key, "/", 2)[0]
}

// DeriveMetadata splits the key on "/" and applies the first matching
// taxonomy rule. Every record carries standard_type (the taxonomy root) and,
// when the rule's segment-count floor is met, document_name (the filename
// without extension). Missing segments omit fields, never error.
func DeriveMetadata(key string) PageMetadata {
	parts := strings.Split(key, "/")
	md := PageMetadata{"standard_type": parts[0]}

	for _, rule := range taxonomyRules {
		if !rule.matches(parts) {
			continue
		}
		for _, f := range rule.Fields {
			if len(parts) >= f.MinParts {
				md[f.Field] = parts[f.Segment]
			}
		}
		if len(parts) >= rule.DocNameMin {
			last := parts[len(parts)-1]
			md["document_name"] = strings.TrimSuffix(last, path.Ext(last))
		}
		break
	}
	return md
}

// ChunkKey computes the destination key for one page chunk: the cleaned
// key's folder, the base name, the page number and an optional stream
// suffix. Spaces are replaced with underscores in the filename portion only;
// the folder path keeps its casing and spacing.
func ChunkKey(cleanedKey string, pageNumber int, streamSuffix string) string {
	folder, filename := "", cleanedKey
	if idx := strings.LastIndex(cleanedKey, "/"); idx >= 0 {
		folder, filename = cleanedKey[:idx], cleanedKey[idx+1:]
	}
	base := strings.TrimSuffix(filename, path.Ext(filename))
	name := fmt.Sprintf("%s_page_%d%s.pdf", base, pageNumber, streamSuffix)
	name = strings.ReplaceAll(name, " ", "_")
	if folder == "" {
		return name
	}
	return folder + "/" + name
}

// ChunkURI renders the chunk's s3:// URI.
func ChunkURI(bucket, chunkKey string) string {
	return "s3://" + bucket + "/" + chunkKey
}

// Taxonomy roots whose sidecar carries a country attribute.
var sidecarCountryRoots = map[string]bool{
	"accounting-standards":       true,
	"Capital Market Regulations": true,
	"Direct Taxes":               true,
	"Indirect Taxes":             true,
	"Insurance":                  true,
	"Labour Law":                 true,
	"Banking Regulations":        true,
}

// DetermineSidecarAttributes selects the filterable attributes written to a
// chunk's metadata sidecar, keyed by taxonomy root. An empty map means the
// root gets no sidecar.
func DetermineSidecarAttributes(root, country, complexity string) map[string]string {
	attrs := map[string]string{}

	switch {
	case root == "accounting-global":
		if complexity != "" {
			attrs["complexity"] = complexity
		}
	case root == "Banking Regulations-test":
		attrs["country"] = country
		if complexity != "" {
			attrs["complexity"] = complexity
		}
	case sidecarCountryRoots[root]:
		attrs["country"] = country
	}
	return attrs
}

// MetadataService writes the JSON sidecar files the external index uses for
// attribute filtering.
type MetadataService struct {
	objects core.ObjectClient
}

func NewMetadataService(objects core.ObjectClient) *MetadataService {
	return &MetadataService{objects: objects}
}

// CreateSidecar writes {"metadataAttributes": attrs} at <chunkKey>.metadata.json.
// An existing sidecar is left untouched so retried uploads stay idempotent.
func (s *MetadataService) CreateSidecar(ctx context.Context, bucket, chunkKey string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}

	sidecarKey := chunkKey + ".metadata.json"
	exists, err := s.objects.FileExists(ctx, bucket, sidecarKey)
	if err != nil {
		return fmt.Errorf("check sidecar %s: %w", sidecarKey, err)
	}
	if exists {
		slog.Debug("sidecar already present", "key", sidecarKey)
		return nil
	}

	body, err := json.Marshal(map[string]any{"metadataAttributes": attrs})
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := s.objects.PutFile(ctx, bucket, sidecarKey, body); err != nil {
		return fmt.Errorf("write sidecar %s: %w", sidecarKey, err)
	}
	return nil
}

// CreateSidecarForChunk derives the attributes from the chunk key's own path
// segments and writes the sidecar.
func (s *MetadataService) CreateSidecarForChunk(ctx context.Context, bucket, chunkKey string) error {
	parts := strings.Split(chunkKey, "/")
	if len(parts) < 2 {
		return nil
	}
	country, complexity := parts[1], ""
	if len(parts) > 2 {
		complexity = parts[2]
	}
	attrs := DetermineSidecarAttributes(parts[0], country, complexity)
	return s.CreateSidecar(ctx, bucket, chunkKey, attrs)
}
