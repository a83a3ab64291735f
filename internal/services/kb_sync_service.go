package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/Regula/internal/config"
	"github.com/markdave123-py/Regula/internal/core"
	"github.com/markdave123-py/Regula/internal/core/syncstate"
)

// SyncStatus is the enumerated outcome of one sync operation. Operators
// script around these values, so they are stable strings, not errors.
type SyncStatus string

const (
	SyncComplete             SyncStatus = "COMPLETE"
	SyncCompletedWithFailed  SyncStatus = "Completed with Failed Files"
	SyncFailedTokenError     SyncStatus = "FAILED_TOKEN_ERROR"
	SyncFailedOtherError     SyncStatus = "FAILED_OTHER_ERROR"
	SyncTimeoutTokenError    SyncStatus = "TIMEOUT_TOKEN_ERROR"
	SyncLockTimeout          SyncStatus = "LOCK_TIMEOUT"
	SyncSubmitConflictExpiry SyncStatus = "TIMEOUT"
)

// SyncResult reports one sync's outcome: the status, any file paths the
// index rejected for resource limits, and where quarantined files ended up.
type SyncResult struct {
	Status           SyncStatus
	FailedFiles      []string
	QuarantinedFiles []string
	FailureReasons   []string
}

// tokenErrorPattern matches the index service's per-file resource-limit
// failure reason and captures the offending file path.
var tokenErrorPattern = regexp.MustCompile(`Issue occurred while processing file: (.*?\.\w+)\.`)

// KBSyncService drives ingestion jobs against the external index: one job
// per taxonomy root at a time, guarded by the durable sync lock, with
// token-limit failures quarantined and retried.
type KBSyncService struct {
	kb      core.KnowledgeBaseClient
	objects core.ObjectClient
	state   *syncstate.Store
	mapping map[string]config.KBTarget

	chunkedBucket     string
	unprocessedBucket string
	unprocessedFolder string

	lockAcquireTimeout  time.Duration
	lockPollInterval    time.Duration
	jobPollInterval     time.Duration
	jobPollMaxAttempts  int
	conflictRetryWindow time.Duration

	newToken func() string
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewKBSyncService(cfg *config.Config, kb core.KnowledgeBaseClient, objects core.ObjectClient, state *syncstate.Store) *KBSyncService {
	return &KBSyncService{
		kb:                  kb,
		objects:             objects,
		state:               state,
		mapping:             cfg.KBMapping,
		chunkedBucket:       cfg.ChunkedBucket,
		unprocessedBucket:   cfg.UnprocessedBucket,
		unprocessedFolder:   cfg.UnprocessedFolder,
		lockAcquireTimeout:  cfg.LockAcquireTimeout,
		lockPollInterval:    cfg.LockPollInterval,
		jobPollInterval:     cfg.JobPollInterval,
		jobPollMaxAttempts:  cfg.JobPollMaxAttempts,
		conflictRetryWindow: cfg.ConflictRetryWindow,
		newToken:            uuid.NewString,
		sleep:               sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sync runs the full submit-poll-quarantine-retry cycle for one taxonomy
// root. The root's lock is held for the whole cycle and released on every
// path out.
func (s *KBSyncService) Sync(ctx context.Context, root string) (*SyncResult, error) {
	target, ok := s.mapping[root]
	if !ok {
		return nil, fmt.Errorf("no knowledge-base mapping for taxonomy root %q", root)
	}

	acquired, err := s.state.Acquire(ctx, root, s.lockAcquireTimeout, s.lockPollInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock for %s: %w", root, err)
	}
	if !acquired {
		slog.Warn("sync lock unavailable", "root", root)
		return &SyncResult{Status: SyncLockTimeout}, nil
	}
	defer func() {
		if err := s.state.Release(context.WithoutCancel(ctx), root); err != nil {
			slog.Error("release sync lock failed", "root", root, "error", err)
		}
	}()

	return s.syncAndHandleFailedFiles(ctx, root, target)
}

// DeletionSync submits a single job so the index drops entries for objects
// deleted from the chunked bucket. No quarantine pass is needed.
func (s *KBSyncService) DeletionSync(ctx context.Context, root string) (*SyncResult, error) {
	target, ok := s.mapping[root]
	if !ok {
		return nil, fmt.Errorf("no knowledge-base mapping for taxonomy root %q", root)
	}

	acquired, err := s.state.Acquire(ctx, root, s.lockAcquireTimeout, s.lockPollInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock for %s: %w", root, err)
	}
	if !acquired {
		return &SyncResult{Status: SyncLockTimeout}, nil
	}
	defer func() {
		if err := s.state.Release(context.WithoutCancel(ctx), root); err != nil {
			slog.Error("release sync lock failed", "root", root, "error", err)
		}
	}()

	jobID, conflictExpired, err := s.submitWithConflictRetry(ctx, target, "Deletion sync for "+root)
	if err != nil {
		return nil, err
	}
	if conflictExpired {
		return &SyncResult{Status: SyncSubmitConflictExpiry}, nil
	}
	return s.waitForJob(ctx, target, jobID)
}

func (s *KBSyncService) syncAndHandleFailedFiles(ctx context.Context, root string, target config.KBTarget) (*SyncResult, error) {
	jobID, conflictExpired, err := s.submitWithConflictRetry(ctx, target, "Initial batch sync for "+root)
	if err != nil {
		return nil, fmt.Errorf("submit initial sync for %s: %w", root, err)
	}
	if conflictExpired {
		return &SyncResult{Status: SyncSubmitConflictExpiry}, nil
	}
	slog.Info("started ingestion job", "root", root, "job_id", jobID)

	initial, err := s.waitForJob(ctx, target, jobID)
	if err != nil {
		return nil, fmt.Errorf("initial sync for %s: %w", root, err)
	}
	if initial.Status == SyncFailedOtherError {
		return initial, nil
	}
	if len(initial.FailedFiles) == 0 {
		return initial, nil
	}

	// Token-limit failures: quarantine the named chunks, then run a second
	// job so the remaining files still get indexed.
	quarantined := s.quarantineFailedFiles(ctx, initial.FailedFiles)

	retryID, conflictExpired, err := s.submitWithConflictRetry(ctx, target, "Retry sync after moving failed files for "+root)
	if err != nil {
		return nil, fmt.Errorf("submit retry sync for %s: %w", root, err)
	}
	if !conflictExpired {
		retry, err := s.waitForJob(ctx, target, retryID)
		if err != nil {
			slog.Error("retry sync did not complete", "root", root, "error", err)
		} else if retry.Status != SyncComplete {
			slog.Warn("retry sync finished with issues", "root", root, "status", retry.Status)
		}
	}

	return &SyncResult{
		Status:           SyncCompletedWithFailed,
		FailedFiles:      initial.FailedFiles,
		QuarantinedFiles: quarantined,
	}, nil
}

// submitWithConflictRetry starts an ingestion job, retrying on "job already
// running" conflicts until the retry window closes. Each attempt carries a
// fresh idempotency token.
func (s *KBSyncService) submitWithConflictRetry(ctx context.Context, target config.KBTarget, description string) (jobID string, conflictExpired bool, err error) {
	deadline := time.Now().Add(s.conflictRetryWindow)
	for {
		jobID, err := s.kb.StartIngestionJob(ctx, target.KnowledgeBaseID, target.DataSourceID, s.newToken(), description)
		if err == nil {
			return jobID, false, nil
		}
		if !errors.Is(err, core.ErrJobConflict) {
			return "", false, err
		}
		if time.Now().After(deadline) {
			slog.Error("gave up waiting for concurrent ingestion job to finish",
				"kb_id", target.KnowledgeBaseID, "data_source_id", target.DataSourceID)
			return "", true, nil
		}
		slog.Info("ingestion job conflict, waiting", "data_source_id", target.DataSourceID)
		if err := s.sleep(ctx, s.jobPollInterval); err != nil {
			return "", false, err
		}
	}
}

// waitForJob polls the job until a terminal state or the attempt budget runs
// out. Token-limit failure reasons collected along the way survive a timeout
// instead of being lost.
func (s *KBSyncService) waitForJob(ctx context.Context, target config.KBTarget, jobID string) (*SyncResult, error) {
	var failedFiles []string
	seen := map[string]bool{}

	for attempt := 0; attempt < s.jobPollMaxAttempts; attempt++ {
		job, err := s.kb.GetIngestionJob(ctx, target.KnowledgeBaseID, target.DataSourceID, jobID)
		if err != nil {
			if len(failedFiles) > 0 {
				return &SyncResult{Status: SyncTimeoutTokenError, FailedFiles: failedFiles}, nil
			}
			return nil, fmt.Errorf("poll ingestion job %s: %w", jobID, err)
		}

		switch job.Status {
		case core.JobStatusComplete:
			slog.Info("ingestion job complete", "job_id", jobID,
				"processed", job.DocsProcessed, "failed", job.DocsFailed)
			return &SyncResult{Status: SyncComplete, FailedFiles: failedFiles}, nil

		case core.JobStatusFailed:
			for _, reason := range job.FailureReasons {
				if m := tokenErrorPattern.FindStringSubmatch(reason); m != nil && !seen[m[1]] {
					seen[m[1]] = true
					failedFiles = append(failedFiles, m[1])
				}
			}
			if len(failedFiles) > 0 {
				return &SyncResult{Status: SyncFailedTokenError, FailedFiles: failedFiles}, nil
			}
			return &SyncResult{Status: SyncFailedOtherError, FailureReasons: job.FailureReasons}, nil
		}

		if err := s.sleep(ctx, s.jobPollInterval); err != nil {
			return nil, err
		}
	}

	if len(failedFiles) > 0 {
		return &SyncResult{Status: SyncTimeoutTokenError, FailedFiles: failedFiles}, nil
	}
	return nil, fmt.Errorf("ingestion job %s timed out after %d attempts", jobID, s.jobPollMaxAttempts)
}

// quarantineFailedFiles moves each rejected chunk out of the indexing bucket
// into the unprocessed area with a copy-then-delete. A failed move is logged
// and skipped so one stubborn object cannot wedge the whole retry.
func (s *KBSyncService) quarantineFailedFiles(ctx context.Context, failedFiles []string) []string {
	var moved []string
	for _, file := range failedFiles {
		srcKey := strings.TrimPrefix(file, "s3://"+s.chunkedBucket+"/")
		dstKey := s.unprocessedFolder + "/" + path.Base(srcKey)

		if err := s.objects.CopyFile(ctx, s.chunkedBucket, srcKey, s.unprocessedBucket, dstKey); err != nil {
			slog.Error("quarantine copy failed", "key", srcKey, "error", err)
			continue
		}
		if err := s.objects.DeleteFile(ctx, s.chunkedBucket, srcKey); err != nil {
			slog.Error("quarantine delete failed", "key", srcKey, "error", err)
			continue
		}
		slog.Warn("chunk quarantined for manual follow-up",
			"from", srcKey, "to", s.unprocessedBucket+"/"+dstKey)
		moved = append(moved, dstKey)
	}
	return moved
}
