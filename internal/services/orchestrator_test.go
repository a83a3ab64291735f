package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Regula/internal/config"
	"github.com/markdave123-py/Regula/internal/core"
	"github.com/markdave123-py/Regula/internal/core/syncstate"
)

type fakeSyncer struct {
	mu    sync.Mutex
	roots []string
	err   error
}

func (f *fakeSyncer) Sync(_ context.Context, root string) (*SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.roots = append(f.roots, root)
	return &SyncResult{Status: SyncComplete}, nil
}

func (f *fakeSyncer) synced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.roots...)
}

func newOrchestratorTestConfig() *config.Config {
	return &config.Config{
		SourceBucket:      "source",
		ChunkedBucket:     "chunked",
		UnprocessedBucket: "unprocessed",
		UnprocessedFolder: "to_further_process",
		SyncThreshold:     100,
		KBMapping: map[string]config.KBTarget{
			"Direct Taxes": {KnowledgeBaseID: "KB1", DataSourceID: "DS1"},
		},
		OCRDPI:           300,
		OCRTextThreshold: 5,
		OCRPageWorkers:   2,
		SofficePath:      "/nonexistent/soffice",
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, objects *fakeObjectClient, syncer rootSyncer) *Orchestrator {
	t.Helper()
	state, err := syncstate.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	o := NewOrchestrator(cfg, objects, &fakeRecognizer{}, &fakeRasterizer{}, state, syncer)
	o.retryBackoff = 0
	return o
}

func sourcePDF(t *testing.T) []byte {
	t.Helper()
	return buildPDF(t, func(doc *fpdf.Fpdf) {
		doc.AddPage()
		doc.Text(72, 72, "regulatory text on the first page of the notice")
		doc.AddPage()
		doc.Text(72, 72, "and the continuation on the second page")
	})
}

func TestProcessFileHappyPath(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	syncer := &fakeSyncer{}
	o := newTestOrchestrator(t, newOrchestratorTestConfig(), objects, syncer)

	key := "Direct Taxes/India/CircularType/CategoryA/My Notice.pdf"
	require.NoError(t, objects.PutFile(ctx, "source", key, sourcePDF(t)))

	status, err := o.ProcessFile(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, FileSucceeded, status)

	for page := 1; page <= 2; page++ {
		chunkKey := ChunkKey(key, page, "")
		exists, err := objects.FileExists(ctx, "chunked", chunkKey)
		require.NoError(t, err)
		assert.True(t, exists, "missing chunk %s", chunkKey)

		exists, err = objects.FileExists(ctx, "chunked", chunkKey+".metadata.json")
		require.NoError(t, err)
		assert.True(t, exists, "missing sidecar for %s", chunkKey)
	}

	// Below the batch threshold, so no sync fires.
	o.Wait()
	assert.Empty(t, syncer.synced())
}

func TestProcessFileMissingObjectIsSoftSkip(t *testing.T) {
	o := newTestOrchestrator(t, newOrchestratorTestConfig(), newFakeObjectClient(), &fakeSyncer{})

	status, err := o.ProcessFile(context.Background(), "Direct Taxes/India/gone.pdf")
	require.NoError(t, err)
	assert.Equal(t, FileSkipped, status)
}

func TestProcessFileUnsupportedExtension(t *testing.T) {
	o := newTestOrchestrator(t, newOrchestratorTestConfig(), newFakeObjectClient(), &fakeSyncer{})

	status, err := o.ProcessFile(context.Background(), "Direct Taxes/India/archive.zip")
	require.NoError(t, err)
	assert.Equal(t, FileSkipped, status)
}

func TestProcessFileSkipsWhenAlreadyChunked(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	o := newTestOrchestrator(t, newOrchestratorTestConfig(), objects, &fakeSyncer{})

	key := "Direct Taxes/India/My Notice.pdf"
	require.NoError(t, objects.PutFile(ctx, "source", key, sourcePDF(t)))
	require.NoError(t, objects.PutFile(ctx, "chunked",
		"Direct Taxes/India/My_Notice_page_1.pdf", []byte("existing chunk")))

	status, err := o.ProcessFile(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, FileSkipped, status)
}

func TestProcessFileCorruptInputFails(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	o := newTestOrchestrator(t, newOrchestratorTestConfig(), objects, &fakeSyncer{})

	key := "Direct Taxes/India/broken.pdf"
	require.NoError(t, objects.PutFile(ctx, "source", key, []byte("this is not a pdf")))

	status, err := o.ProcessFile(ctx, key)
	assert.Equal(t, FileFailed, status)
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrTransient,
		"a corrupt file is a permanent failure, not a retryable one")
}

func TestProcessFileDownloadExhaustionIsTransient(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	flaky := &flakyObjectClient{fakeObjectClient: objects, getFailures: 10}
	cfg := newOrchestratorTestConfig()

	state, err := syncstate.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	o := NewOrchestrator(cfg, flaky, &fakeRecognizer{}, &fakeRasterizer{}, state, &fakeSyncer{})
	o.retryBackoff = 0

	key := "Direct Taxes/India/unreachable.pdf"
	require.NoError(t, objects.PutFile(ctx, "source", key, sourcePDF(t)))

	status, err := o.ProcessFile(ctx, key)
	assert.Equal(t, FileFailed, status)
	assert.ErrorIs(t, err, core.ErrTransient)
}

func TestProcessFileRetriesTransientDownload(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	flaky := &flakyObjectClient{fakeObjectClient: objects, getFailures: 2}
	cfg := newOrchestratorTestConfig()

	state, err := syncstate.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	o := NewOrchestrator(cfg, flaky, &fakeRecognizer{}, &fakeRasterizer{}, state, &fakeSyncer{})
	o.retryBackoff = 0

	key := "Direct Taxes/India/flaky.pdf"
	require.NoError(t, objects.PutFile(ctx, "source", key, sourcePDF(t)))

	status, err := o.ProcessFile(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, FileSucceeded, status)
}

func TestProcessFileBackgroundSyncAtThreshold(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	syncer := &fakeSyncer{}
	cfg := newOrchestratorTestConfig()
	cfg.SyncThreshold = 1
	o := newTestOrchestrator(t, cfg, objects, syncer)

	key := "Direct Taxes/India/notice.pdf"
	require.NoError(t, objects.PutFile(ctx, "source", key, sourcePDF(t)))

	status, err := o.ProcessFile(ctx, key)
	require.NoError(t, err)
	require.Equal(t, FileSucceeded, status)

	o.Wait()
	assert.Equal(t, []string{"Direct Taxes"}, syncer.synced())
}

func TestProcessFileUnmappedRootNeverSyncs(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	syncer := &fakeSyncer{}
	cfg := newOrchestratorTestConfig()
	cfg.SyncThreshold = 1
	o := newTestOrchestrator(t, cfg, objects, syncer)

	key := "unmapped-root/India/notice.pdf"
	require.NoError(t, objects.PutFile(ctx, "source", key, sourcePDF(t)))

	status, err := o.ProcessFile(ctx, key)
	require.NoError(t, err)
	require.Equal(t, FileSucceeded, status)

	o.Wait()
	assert.Empty(t, syncer.synced())
}

func TestProcessFileDualStream(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	cfg := newOrchestratorTestConfig()
	cfg.DirectBucket = "direct"
	o := newTestOrchestrator(t, cfg, objects, &fakeSyncer{})

	key := "Direct Taxes/India/notice.pdf"
	require.NoError(t, objects.PutFile(ctx, "source", key, sourcePDF(t)))

	status, err := o.ProcessFile(ctx, key)
	require.NoError(t, err)
	require.Equal(t, FileSucceeded, status)

	exists, err := objects.FileExists(ctx, "chunked", "Direct Taxes/India/notice_page_1.pdf")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = objects.FileExists(ctx, "direct", "Direct Taxes/India/notice_page_1_direct.pdf")
	require.NoError(t, err)
	assert.True(t, exists)

	// Sidecars only accompany the indexing-bucket stream.
	exists, err = objects.FileExists(ctx, "direct", "Direct Taxes/India/notice_page_1_direct.pdf.metadata.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestProcessFolderAggregatesOutcomes(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	o := newTestOrchestrator(t, newOrchestratorTestConfig(), objects, &fakeSyncer{})

	require.NoError(t, objects.PutFile(ctx, "source", "Direct Taxes/India/good one.pdf", sourcePDF(t)))
	require.NoError(t, objects.PutFile(ctx, "source", "Direct Taxes/India/good two.pdf", sourcePDF(t)))
	require.NoError(t, objects.PutFile(ctx, "source", "Direct Taxes/India/broken.pdf", []byte("garbage")))
	require.NoError(t, objects.PutFile(ctx, "source", "Direct Taxes/India/ignored.zip", []byte("zip")))

	res, err := o.ProcessFolder(ctx, "Direct Taxes/India/")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total, "unsupported extensions excluded from the total")
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Skipped)
}

func TestProcessFolderFlushesTrailingFiles(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectClient()
	syncer := &fakeSyncer{}
	o := newTestOrchestrator(t, newOrchestratorTestConfig(), objects, syncer)

	// Two files, well below the threshold of 100.
	require.NoError(t, objects.PutFile(ctx, "source", "Direct Taxes/India/one.pdf", sourcePDF(t)))
	require.NoError(t, objects.PutFile(ctx, "source", "Direct Taxes/India/two.pdf", sourcePDF(t)))

	res, err := o.ProcessFolder(ctx, "Direct Taxes/India/")
	require.NoError(t, err)
	require.Equal(t, 2, res.Success)

	assert.Equal(t, []string{"Direct Taxes"}, syncer.synced(),
		"a folder run flushes its sub-threshold roots")

	n, err := o.state.Count(ctx, "Direct Taxes")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFlushSyncsPendingRoots(t *testing.T) {
	ctx := context.Background()
	syncer := &fakeSyncer{}
	o := newTestOrchestrator(t, newOrchestratorTestConfig(), newFakeObjectClient(), syncer)

	// Two completions, below the threshold of 100, leave a pending counter.
	_, err := o.state.IncrementAndCheck(ctx, "Direct Taxes", o.cfg.SyncThreshold)
	require.NoError(t, err)
	_, err = o.state.IncrementAndCheck(ctx, "Direct Taxes", o.cfg.SyncThreshold)
	require.NoError(t, err)
	// An unmapped root's counter is ignored by flush.
	_, err = o.state.IncrementAndCheck(ctx, "unmapped-root", o.cfg.SyncThreshold)
	require.NoError(t, err)

	require.NoError(t, o.Flush(ctx))
	assert.Equal(t, []string{"Direct Taxes"}, syncer.synced())

	n, err := o.state.Count(ctx, "Direct Taxes")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestChunkPrefix(t *testing.T) {
	assert.Equal(t,
		"Direct Taxes/India/My_Notice_page_",
		chunkPrefix("Direct Taxes/India/My Notice.pdf"))
	assert.Equal(t, "bare_page_", chunkPrefix("bare.pdf"))
}

// flakyObjectClient fails the first N downloads with a transient error.
type flakyObjectClient struct {
	*fakeObjectClient
	mu          sync.Mutex
	getFailures int
}

func (f *flakyObjectClient) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	if f.getFailures > 0 {
		f.getFailures--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.fakeObjectClient.GetFile(ctx, bucket, key)
}
