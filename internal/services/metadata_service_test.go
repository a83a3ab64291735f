package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Regula/internal/core"
)

// fakeObjectClient is an in-memory core.ObjectClient shared by the service
// tests.
type fakeObjectClient struct {
	mu      sync.Mutex
	objects map[string][]byte // "bucket/key" -> data
	puts    []string
}

func newFakeObjectClient() *fakeObjectClient {
	return &fakeObjectClient{objects: map[string][]byte{}}
}

func (f *fakeObjectClient) path(bucket, key string) string { return bucket + "/" + key }

func (f *fakeObjectClient) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[f.path(bucket, key)]
	if !ok {
		return nil, core.ErrNotFound
	}
	return data, nil
}

func (f *fakeObjectClient) PutFile(_ context.Context, bucket, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[f.path(bucket, key)] = data
	f.puts = append(f.puts, f.path(bucket, key))
	return nil
}

func (f *fakeObjectClient) CopyFile(_ context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[f.path(srcBucket, srcKey)]
	if !ok {
		return core.ErrNotFound
	}
	f.objects[f.path(dstBucket, dstKey)] = data
	return nil
}

func (f *fakeObjectClient) DeleteFile(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, f.path(bucket, key))
	return nil
}

func (f *fakeObjectClient) FileExists(_ context.Context, bucket, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[f.path(bucket, key)]
	return ok, nil
}

func (f *fakeObjectClient) ListFiles(_ context.Context, bucket, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for p := range f.objects {
		full := bucket + "/"
		if len(p) > len(full) && p[:len(full)] == full {
			key := p[len(full):]
			if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

func TestDeriveMetadataCountryRegulations(t *testing.T) {
	md := DeriveMetadata("Direct Taxes/India/circulars/income/slab/notice 12.pdf")

	assert.Equal(t, "Direct Taxes", md["standard_type"])
	assert.Equal(t, "India", md["country"])
	assert.Equal(t, "circulars", md["document_type"])
	assert.Equal(t, "income", md["document_category"])
	assert.Equal(t, "slab", md["document_sub-category"])
	assert.Equal(t, "notice 12", md["document_name"])
}

func TestDeriveMetadataShortKeysOmitFields(t *testing.T) {
	md := DeriveMetadata("Direct Taxes/India/file.pdf")

	assert.Equal(t, "India", md["country"])
	assert.NotContains(t, md, "document_type")
	assert.NotContains(t, md, "document_category")
	assert.Equal(t, "file", md["document_name"])

	// A bare root never errors either.
	md = DeriveMetadata("Direct Taxes")
	assert.Equal(t, "Direct Taxes", md["standard_type"])
	assert.NotContains(t, md, "country")
}

func TestDeriveMetadataStandardsGlobalCasing(t *testing.T) {
	md := DeriveMetadata("Auditing-global/ISA/guidance/note.pdf")

	// The capitalized field name is preserved downstream behavior.
	assert.Equal(t, "ISA", md["Standard_type"])
	assert.Equal(t, "guidance", md["document_type"])
	assert.Equal(t, "Auditing-global", md["standard_type"])
}

func TestDeriveMetadataAccountingGlobal(t *testing.T) {
	md := DeriveMetadata("accounting-global/advanced/IFRS/standards/ias-16.pdf")

	assert.Equal(t, "advanced", md["complexity"])
	assert.Equal(t, "IFRS", md["Standard_type"])
	assert.Equal(t, "standards", md["document_type"])
	assert.Equal(t, "ias-16", md["document_name"])
}

func TestDeriveMetadataBankingRegulationsBahrain(t *testing.T) {
	md := DeriveMetadata("Banking Regulations-test/Bahrain/high/circulars/licensing/retail/doc.pdf")

	assert.Equal(t, "Bahrain", md["country"])
	assert.Equal(t, "high", md["complexity"])
	assert.Equal(t, "circulars", md["document_type"])
	assert.Equal(t, "licensing", md["document_category"])
	assert.Equal(t, "retail", md["document_sub-category"])

	// A non-Bahrain key under the same root falls through to the generic rule.
	md = DeriveMetadata("Banking Regulations-test/Kuwait/high/doc.pdf")
	assert.Equal(t, "Kuwait", md["country"])
	assert.NotContains(t, md, "complexity")
}

func TestDeriveMetadataIndirectTaxes(t *testing.T) {
	md := DeriveMetadata("Indirect Taxes/India/gst/Karnataka/registration/form.pdf")

	assert.Equal(t, "India", md["country"])
	assert.Equal(t, "gst", md["document_type"])
	assert.Equal(t, "Karnataka", md["State"])
	assert.Equal(t, "registration", md["State_category"])
}

func TestDeriveMetadataUsecaseReports(t *testing.T) {
	md := DeriveMetadata("usecase-reports-4/India/2024/annual.pdf")

	assert.Equal(t, "India", md["country"])
	assert.Equal(t, "2024", md["year"])
}

func TestDeriveMetadataGenericFallback(t *testing.T) {
	md := DeriveMetadata("some-unknown-root/Germany/whatever/doc.pdf")

	assert.Equal(t, "some-unknown-root", md["standard_type"])
	assert.Equal(t, "Germany", md["country"])
	assert.Equal(t, "doc", md["document_name"])
	assert.NotContains(t, md, "document_type")
}

func TestChunkKey(t *testing.T) {
	assert.Equal(t,
		"Direct Taxes/India/My_Notice_page_3.pdf",
		ChunkKey("Direct Taxes/India/My Notice.pdf", 3, ""))

	assert.Equal(t,
		"Direct Taxes/India/My_Notice_page_3_direct.pdf",
		ChunkKey("Direct Taxes/India/My Notice.pdf", 3, "_direct"))

	assert.Equal(t, "bare_page_1.pdf", ChunkKey("bare.pdf", 1, ""))
}

func TestChunkKeyIsDeterministic(t *testing.T) {
	a := ChunkKey("Insurance/UAE/policy.pdf", 2, "")
	b := ChunkKey("Insurance/UAE/policy.pdf", 2, "")
	assert.Equal(t, a, b)
}

func TestDetermineSidecarAttributes(t *testing.T) {
	assert.Equal(t,
		map[string]string{"country": "India"},
		DetermineSidecarAttributes("Direct Taxes", "India", "x"))

	assert.Equal(t,
		map[string]string{"complexity": "high"},
		DetermineSidecarAttributes("accounting-global", "ignored", "high"))

	assert.Equal(t,
		map[string]string{"country": "Bahrain", "complexity": "high"},
		DetermineSidecarAttributes("Banking Regulations-test", "Bahrain", "high"))

	assert.Empty(t, DetermineSidecarAttributes("Finance Tools", "India", ""))
}

func TestCreateSidecarWritesOnceAndStaysIdempotent(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	s := NewMetadataService(objects)

	chunkKey := "Direct Taxes/India/doc_page_1.pdf"
	require.NoError(t, s.CreateSidecarForChunk(ctx, "chunked", chunkKey))

	data, err := objects.GetFile(ctx, "chunked", chunkKey+".metadata.json")
	require.NoError(t, err)

	var sidecar struct {
		MetadataAttributes map[string]string `json:"metadataAttributes"`
	}
	require.NoError(t, json.Unmarshal(data, &sidecar))
	assert.Equal(t, map[string]string{"country": "India"}, sidecar.MetadataAttributes)

	// Retry leaves the existing sidecar untouched.
	before := len(objects.puts)
	require.NoError(t, s.CreateSidecarForChunk(ctx, "chunked", chunkKey))
	assert.Equal(t, before, len(objects.puts))
}

func TestCreateSidecarSkippedForRootsWithoutRules(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	s := NewMetadataService(objects)

	require.NoError(t, s.CreateSidecarForChunk(ctx, "chunked", "Finance Tools/calc_page_1.pdf"))
	assert.Empty(t, objects.puts)
}
