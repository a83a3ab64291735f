package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Regula/internal/config"
	"github.com/markdave123-py/Regula/internal/core"
	"github.com/markdave123-py/Regula/internal/core/syncstate"
)

// FileStatus is the terminal outcome of one file's pipeline run.
type FileStatus string

const (
	FileSucceeded FileStatus = "SUCCESS"
	FileFailed    FileStatus = "FAILED"
	// FileSkipped covers the benign short-circuits: the source object is
	// gone (queue delivery raced a deletion) or its chunks already exist.
	FileSkipped FileStatus = "SKIPPED"
)

// FolderResult aggregates per-file outcomes over a folder run.
type FolderResult struct {
	Total   int
	Success int
	Failed  int
	Skipped int
}

// rootSyncer is the slice of KBSyncService the orchestrator needs; tests
// substitute a fake so pipeline runs never poll a real index.
type rootSyncer interface {
	Sync(ctx context.Context, root string) (*SyncResult, error)
}

// supportedExtensions are the inputs the pipeline accepts; anything else in
// a folder listing or queue notification is ignored.
var supportedExtensions = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".txt":  true,
}

// Orchestrator runs one file at a time through the processing stages:
// download, conversion, watermark removal, OCR, optional enhancement,
// filename cleanup, chunking, upload, sidecar creation and the batch sync
// check. Stage failures are contained per file and never crash the caller.
type Orchestrator struct {
	cfg     *config.Config
	objects core.ObjectClient
	state   *syncstate.Store
	syncer  rootSyncer

	conversion *ConversionService
	filenames  *FilenameService
	watermarks *WatermarkService
	ocr        *OCRService
	enhancer   *EnhanceService
	chunking   *ChunkingService
	metadata   *MetadataService

	downloadRetries int
	retryBackoff    time.Duration
	sleep           func(ctx context.Context, d time.Duration) error

	syncWG sync.WaitGroup
}

func NewOrchestrator(cfg *config.Config, objects core.ObjectClient, recognizer core.Recognizer, rasterizer core.Rasterizer, state *syncstate.Store, syncer rootSyncer) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		objects: objects,
		state:   state,
		syncer:  syncer,

		conversion: NewConversionService(cfg.SofficePath),
		filenames:  NewFilenameService(),
		watermarks: NewWatermarkService(),
		ocr:        NewOCRService(recognizer, rasterizer, cfg.OCRDPI, cfg.OCRTextThreshold, cfg.OCRPageWorkers),
		enhancer:   NewEnhanceService(),
		chunking:   NewChunkingService(cfg.ChunkedBucket, cfg.DirectBucket),
		metadata:   NewMetadataService(objects),

		downloadRetries: 3,
		retryBackoff:    time.Second,
		sleep:           sleepCtx,
	}
}

// ProcessFile runs the full pipeline for one source object key. The error
// carries the failing stage's context; a nil error with FileSkipped means
// there was nothing to do.
func (o *Orchestrator) ProcessFile(ctx context.Context, key string) (FileStatus, error) {
	log := slog.With("key", key)

	if !supportedExtensions[strings.ToLower(path.Ext(key))] {
		log.Info("unsupported extension, skipping")
		return FileSkipped, nil
	}

	cleanedKey := o.filenames.Normalize(key)
	done, err := o.alreadyChunked(ctx, cleanedKey)
	if err != nil {
		log.Warn("chunk existence check failed, processing anyway", "error", err)
	} else if done {
		log.Info("chunks already exist, skipping")
		return FileSkipped, nil
	}

	data, err := o.download(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		log.Info("source object not found, skipping")
		return FileSkipped, nil
	}
	if err != nil {
		return FileFailed, fmt.Errorf("download: %w", err)
	}

	pdf, workingKey, err := o.conversion.Convert(ctx, data, key)
	if err != nil {
		return FileFailed, fmt.Errorf("convert: %w", err)
	}
	if workingKey != key {
		log.Info("converted to PDF", "working_key", workingKey)
		cleanedKey = o.filenames.Normalize(workingKey)
	}

	wm, err := o.watermarks.RemoveWatermarks(pdf)
	if err != nil {
		return FileFailed, fmt.Errorf("watermark removal: %w", err)
	}
	if wm.Modified {
		pdf = wm.PDF
		log.Info("watermarks removed", "redacted_pages", wm.RedactedPages)
	}

	ocrRes, err := o.ocr.ApplyOCR(ctx, pdf)
	if err != nil {
		return FileFailed, fmt.Errorf("ocr: %w", err)
	}
	if ocrRes.Modified {
		pdf = ocrRes.PDF
		log.Info("ocr applied", "replaced_pages", ocrRes.ReplacedPages)
	}

	enhanced := pdf
	if o.cfg.EnableEnhancer {
		out, processed, err := o.enhancer.Enhance(pdf)
		if err != nil {
			log.Warn("enhancement failed, using unenhanced content", "error", err)
		} else {
			enhanced = out
			log.Info("pages enhanced", "count", len(processed))
		}
	}

	chunks, err := o.buildChunks(enhanced, pdf, workingKey, cleanedKey)
	if err != nil {
		return FileFailed, fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return FileFailed, errors.New("chunk: document produced no chunks")
	}

	if err := o.uploadChunks(ctx, chunks); err != nil {
		return FileFailed, fmt.Errorf("upload: %w", err)
	}
	log.Info("chunks uploaded", "count", len(chunks))

	o.checkSyncThreshold(ctx, key)
	return FileSucceeded, nil
}

// ProcessFolder runs every supported file under the prefix through the
// pipeline, aggregating outcomes. Individual failures never abort the run.
// Roots left below the batch threshold are flushed at the end so a bulk run
// never strands trailing files unsynchronized.
func (o *Orchestrator) ProcessFolder(ctx context.Context, prefix string) (*FolderResult, error) {
	keys, err := o.objects.ListFiles(ctx, o.cfg.SourceBucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list folder %s: %w", prefix, err)
	}

	res := &FolderResult{}
	for _, key := range keys {
		if !supportedExtensions[strings.ToLower(path.Ext(key))] {
			continue
		}
		res.Total++
		status, err := o.ProcessFile(ctx, key)
		switch status {
		case FileSucceeded:
			res.Success++
		case FileSkipped:
			res.Skipped++
		default:
			res.Failed++
			slog.Error("file processing failed", "key", key, "error", err)
		}
	}

	o.Wait()
	if err := o.Flush(ctx); err != nil {
		slog.Error("post-run flush failed", "error", err)
	}
	return res, nil
}

// Flush synchronizes every taxonomy root with a non-zero pending counter,
// regardless of the batch threshold. Runs at the end of folder runs and from
// the flush command so trailing files are not stranded below the threshold.
func (o *Orchestrator) Flush(ctx context.Context) error {
	pending, err := o.state.PendingRoots(ctx)
	if err != nil {
		return fmt.Errorf("read pending roots: %w", err)
	}

	for root, count := range pending {
		if _, ok := o.cfg.KBMapping[root]; !ok {
			continue
		}
		slog.Info("flushing pending root", "root", root, "pending", count)
		if err := o.state.ResetCount(ctx, root); err != nil {
			slog.Error("reset batch counter failed", "root", root, "error", err)
			continue
		}
		res, err := o.syncer.Sync(ctx, root)
		if err != nil {
			slog.Error("flush sync failed", "root", root, "error", err)
			continue
		}
		slog.Info("flush sync finished", "root", root, "status", res.Status)
	}
	return nil
}

// Wait blocks until all background sync runs spawned by threshold checks
// have finished.
func (o *Orchestrator) Wait() {
	o.syncWG.Wait()
}

func (o *Orchestrator) download(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= o.downloadRetries; attempt++ {
		data, err := o.objects.GetFile(ctx, o.cfg.SourceBucket, key)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		lastErr = err
		if attempt < o.downloadRetries {
			slog.Warn("download attempt failed, retrying",
				"key", key, "attempt", attempt, "error", err)
			if err := o.sleep(ctx, o.retryBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: after %d attempts: %w", core.ErrTransient, o.downloadRetries, lastErr)
}

// alreadyChunked reports whether the cleaned key's first chunk prefix is
// already present in the chunked bucket.
func (o *Orchestrator) alreadyChunked(ctx context.Context, cleanedKey string) (bool, error) {
	keys, err := o.objects.ListFiles(ctx, o.cfg.ChunkedBucket, chunkPrefix(cleanedKey))
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

func chunkPrefix(cleanedKey string) string {
	dir, base := path.Split(cleanedKey)
	base = strings.TrimSuffix(base, path.Ext(base))
	return dir + strings.ReplaceAll(base, " ", "_") + "_page_"
}

func (o *Orchestrator) buildChunks(enhanced, direct []byte, workingKey, cleanedKey string) ([]PageChunk, error) {
	if !o.chunking.DualStream() {
		return o.chunking.BuildChunks(enhanced, workingKey, cleanedKey)
	}
	enhancedChunks, directChunks, err := o.chunking.BuildDualStreamChunks(enhanced, direct, workingKey, cleanedKey)
	if err != nil {
		return nil, err
	}
	return append(enhancedChunks, directChunks...), nil
}

// uploadChunks writes every chunk in parallel, then writes sidecars for the
// chunks bound for the indexing bucket. A chunk's destination key is derived
// from its page number, so re-running the same file overwrites in place.
func (o *Orchestrator) uploadChunks(ctx context.Context, chunks []PageChunk) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			if err := o.objects.PutFile(gctx, chunk.Bucket, chunk.Key, chunk.PDF); err != nil {
				return fmt.Errorf("put %s/%s: %w", chunk.Bucket, chunk.Key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransient, err)
	}

	for _, chunk := range chunks {
		if chunk.Bucket != o.cfg.ChunkedBucket {
			continue
		}
		if err := o.metadata.CreateSidecarForChunk(ctx, chunk.Bucket, chunk.Key); err != nil {
			slog.Error("sidecar creation failed", "key", chunk.Key, "error", err)
		}
	}
	return nil
}

// checkSyncThreshold bumps the file's taxonomy root counter and, at the
// batch threshold, kicks off a sync in the background. Ingestion polling can
// run for tens of minutes and must not hold up the worker.
func (o *Orchestrator) checkSyncThreshold(ctx context.Context, key string) {
	root := TaxonomyRoot(key)
	if _, ok := o.cfg.KBMapping[root]; !ok {
		return
	}

	due, err := o.state.IncrementAndCheck(ctx, root, o.cfg.SyncThreshold)
	if err != nil {
		slog.Error("batch counter update failed", "root", root, "error", err)
		return
	}
	if !due {
		return
	}

	slog.Info("batch threshold reached, starting sync", "root", root)
	o.syncWG.Add(1)
	go func() {
		defer o.syncWG.Done()
		res, err := o.syncer.Sync(context.WithoutCancel(ctx), root)
		if err != nil {
			slog.Error("background sync failed", "root", root, "error", err)
			return
		}
		slog.Info("background sync finished", "root", root, "status", res.Status,
			"failed_files", len(res.FailedFiles))
	}()
}
