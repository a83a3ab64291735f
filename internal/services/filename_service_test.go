package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePreservesCleanKeys(t *testing.T) {
	s := NewFilenameService()

	for _, key := range []string{
		"report.pdf",
		"Direct Taxes/India/circulars/Circular_No_12.pdf",
		"a/b/c/Already_Clean_Name.docx",
	} {
		assert.Equal(t, key, s.Normalize(key), "clean key must pass through untouched")
		assert.False(t, s.NeedsCleaning(key))
	}
}

func TestNormalizeStripsBoilerplateTerms(t *testing.T) {
	s := NewFilenameService()

	cases := map[string]string{
		"notes TMI circular.pdf":                                "notes_circular.pdf",
		"Tax Management India .com Budget 2024.pdf":             "Budget_2024.pdf",
		"judgment https://www.taxmanagementindia.com extra.pdf": "judgment_extra.pdf",
	}
	for in, want := range cases {
		got := s.Normalize(in)
		assert.Equal(t, want, got)
		assert.NotContains(t, got, "TMI")
	}
}

func TestNormalizeRemovesBracketsQuotesAndSymbols(t *testing.T) {
	s := NewFilenameService()

	assert.Equal(t, "Annual_Report.pdf", s.Normalize("[draft] Annual Report (v2).pdf"))
	assert.Equal(t, "Quoted_Title.pdf", s.Normalize("“Quoted” ‘Title’.pdf"))
	assert.Equal(t, "fees_charges.pdf", s.Normalize("fees & charges!.pdf"))
}

func TestNormalizeTransliteratesNonASCII(t *testing.T) {
	s := NewFilenameService()

	assert.Equal(t, "resume_francais.pdf", s.Normalize("résumé français.pdf"))
}

func TestNormalizePreservesFolderPath(t *testing.T) {
	s := NewFilenameService()

	got := s.Normalize("Banking Regulations/UAE/circulars/My “File” Name.pdf")
	assert.Equal(t, "Banking Regulations/UAE/circulars/My_File_Name.pdf", got)
}

func TestNormalizeDefaultsExtensionAndAvoidsDuplicates(t *testing.T) {
	s := NewFilenameService()

	assert.Equal(t, "bare_name.pdf", s.Normalize("bare name"))
	assert.Equal(t, "My_Doc.PDF", s.Normalize("My Doc.PDF"))
	assert.Equal(t, "word_file.docx", s.Normalize("word file.docx"))
}

func TestNormalizeEmptyResultFallsBack(t *testing.T) {
	s := NewFilenameService()

	assert.Equal(t, "unnamed_file.pdf", s.Normalize("!!!.pdf"))
	assert.Equal(t, "folder/unnamed_file.pdf", s.Normalize("folder/(((.pdf"))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	s := NewFilenameService()

	inputs := []string{
		"report.pdf",
		"[x] TMI “Budget” (final) 2024 .pdf",
		"résumé & notes.docx",
		"Direct Taxes/India/A  B   C.pdf",
		"no extension at all",
		"!!!.pdf",
	}
	for _, in := range inputs {
		once := s.Normalize(in)
		twice := s.Normalize(once)
		assert.Equal(t, once, twice, "normalize(normalize(%q))", in)
	}
}
