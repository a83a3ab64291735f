package services

import (
	"path"
	"regexp"
	"strings"

	"github.com/mozillazg/go-unidecode"
)

// Boilerplate source-attribution strings stripped from filenames and redacted
// from page content. Order matters: longer terms first so the short token
// never breaks up a longer match.
var boilerplateTerms = []string{
	"Tax Management India .com",
	"https://www.taxmanagementindia.com",
	"TMI",
}

// Only English letters, digits, underscores and spaces survive; spaces are
// collapsed to underscores afterwards.
var (
	bracketContentRe = regexp.MustCompile(`\[.*?\]\s*`)
	parenContentRe   = regexp.MustCompile(`\(.*?\)\s*`)
	quoteCharsRe     = regexp.MustCompile("[‘’“”'\"]+")
	ultraStrictRe    = regexp.MustCompile(`[^a-zA-Z0-9_ ]`)
	whitespaceRe     = regexp.MustCompile(`\s+`)
	multiUnderscore  = regexp.MustCompile(`_{2,}`)
	boilerplateRes   = buildBoilerplateRes()
)

func buildBoilerplateRes() []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(boilerplateTerms))
	for _, term := range boilerplateTerms {
		// Also matches numeric-prefixed variants like "(12) TMI".
		res = append(res, regexp.MustCompile(`(?i)(?:\(\d+\)\s*)?`+regexp.QuoteMeta(term)+`\s*`))
	}
	return res
}

// FilenameService canonicalizes object keys into strict ASCII filenames.
type FilenameService struct{}

func NewFilenameService() *FilenameService {
	return &FilenameService{}
}

// Normalize cleans the filename portion of key, preserving the folder path.
// It is pure and idempotent. The original key is returned unchanged when no
// step altered it, so callers can cheaply test whether a rename is needed.
func (s *FilenameService) Normalize(key string) string {
	dirname, basename := "", key
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		dirname, basename = key[:idx], key[idx+1:]
	}

	ext := path.Ext(basename)
	base := strings.TrimSuffix(basename, ext)
	if ext == "" {
		ext = ".pdf"
	}

	cleaned := unidecode.Unidecode(base)
	cleaned = bracketContentRe.ReplaceAllString(cleaned, "")
	cleaned = parenContentRe.ReplaceAllString(cleaned, "")
	for _, re := range boilerplateRes {
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	cleaned = quoteCharsRe.ReplaceAllString(cleaned, "")
	cleaned = ultraStrictRe.ReplaceAllString(cleaned, "")
	cleaned = whitespaceRe.ReplaceAllString(cleaned, "_")
	cleaned = multiUnderscore.ReplaceAllString(cleaned, "_")
	cleaned = strings.Trim(cleaned, "_.")

	if cleaned == "" {
		cleaned = "unnamed_file"
	}

	final := cleaned
	if !strings.HasSuffix(strings.ToLower(cleaned), strings.ToLower(ext)) {
		final = cleaned + ext
	}

	if final == basename {
		return key
	}
	if dirname == "" {
		return final
	}
	return dirname + "/" + final
}

// NeedsCleaning reports whether Normalize would rename the key.
func (s *FilenameService) NeedsCleaning(key string) bool {
	return s.Normalize(key) != key
}
