package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/markdave123-py/Regula/internal/config"
	"github.com/markdave123-py/Regula/internal/core"
	"github.com/markdave123-py/Regula/internal/services"
)

// Processor is the pipeline entry point the worker dispatches to.
type Processor interface {
	ProcessFile(ctx context.Context, key string) (services.FileStatus, error)
}

// S3Event is one decoded object notification.
type S3Event struct {
	Bucket    string
	Key       string
	EventName string
}

var supportedExtensions = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".txt":  true,
}

// Worker long-polls the upload queue and dispatches each message's object
// notifications to the pipeline with bounded concurrency. Messages are
// deleted after every file in them has been handled; only transient I/O
// failures leave the message to reappear after the visibility timeout, so a
// permanently bad file is never reprocessed on a loop.
type Worker struct {
	queue        core.QueueClient
	processor    Processor
	sourceBucket string

	batchSize   int
	waitSeconds int
	sem         *semaphore.Weighted
	errBackoff  time.Duration
}

func NewWorker(cfg *config.Config, queue core.QueueClient, processor Processor) *Worker {
	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:        queue,
		processor:    processor,
		sourceBucket: cfg.SourceBucket,
		batchSize:    10,
		waitSeconds:  20,
		sem:          semaphore.NewWeighted(int64(concurrency)),
		errBackoff:   5 * time.Second,
	}
}

// Run polls until the context is cancelled. Receive errors are logged and
// retried after a backoff; they never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started", "batch_size", w.batchSize)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := w.queue.Receive(ctx, w.batchSize, w.waitSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.errBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func(msg core.QueueMessage) {
				defer wg.Done()
				defer w.sem.Release(1)
				w.handleMessage(ctx, msg)
			}(msg)
		}
	}
}

// handleMessage processes every creation event in one message and deletes
// the message unless a transient failure warrants redelivery. Malformed or
// irrelevant messages are deleted immediately so they don't cycle through
// the queue forever.
func (w *Worker) handleMessage(ctx context.Context, msg core.QueueMessage) {
	events, err := ParseEvents(msg.Body)
	if err != nil {
		slog.Error("undecodable queue message, dropping", "error", err)
		w.deleteMessage(ctx, msg)
		return
	}

	allOK := true
	for _, event := range events {
		if w.sourceBucket != "" && event.Bucket != w.sourceBucket {
			slog.Info("event for foreign bucket, skipping", "bucket", event.Bucket, "key", event.Key)
			continue
		}
		if !supportedExtensions[strings.ToLower(path.Ext(event.Key))] {
			slog.Info("unsupported file type, skipping", "key", event.Key)
			continue
		}

		status, err := w.processor.ProcessFile(ctx, event.Key)
		if status != services.FileFailed {
			continue
		}
		if errors.Is(err, core.ErrTransient) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			slog.Error("file processing failed, leaving message for redelivery",
				"key", event.Key, "error", err)
			allOK = false
			continue
		}
		slog.Error("file processing failed permanently, acknowledging",
			"key", event.Key, "error", err)
	}

	if allOK {
		w.deleteMessage(ctx, msg)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, msg core.QueueMessage) {
	if err := w.queue.Delete(context.WithoutCancel(ctx), msg.ReceiptHandle); err != nil {
		slog.Error("queue delete failed", "error", err)
	}
}

type s3Notification struct {
	Records []s3Record `json:"Records"`
	// SNS-wrapped deliveries carry the real notification as a JSON string.
	Message string `json:"Message"`
}

type s3Record struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// ParseEvents decodes an S3 notification body, unwrapping one level of SNS
// envelope if present, and keeps only object-creation events. Object keys
// arrive form-encoded (spaces as '+') and are decoded here.
func ParseEvents(body string) ([]S3Event, error) {
	var note s3Notification
	if err := json.Unmarshal([]byte(body), &note); err != nil {
		return nil, err
	}

	records := note.Records
	if len(records) == 0 && note.Message != "" {
		var inner s3Notification
		if err := json.Unmarshal([]byte(note.Message), &inner); err != nil {
			return nil, err
		}
		records = inner.Records
	}

	var events []S3Event
	for _, rec := range records {
		if rec.EventSource != "aws:s3" || !strings.HasPrefix(rec.EventName, "ObjectCreated:") {
			continue
		}
		key := rec.S3.Object.Key
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if rec.S3.Bucket.Name == "" || key == "" {
			continue
		}
		events = append(events, S3Event{
			Bucket:    rec.S3.Bucket.Name,
			Key:       key,
			EventName: rec.EventName,
		})
	}
	return events, nil
}
