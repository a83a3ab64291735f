package core

import (
	"context"
	"errors"
)

// ErrNotFound is returned by ObjectClient.GetFile when the key does not exist.
// Queue delivery can race with object deletion, so callers treat it as a soft
// skip rather than a failure.
var ErrNotFound = errors.New("object not found")

// ErrTransient tags a file failure caused by retry-exhausted network I/O.
// Queue consumers leave such messages for redelivery; every other failure
// class is acknowledged so a permanently bad file never cycles through the
// queue.
var ErrTransient = errors.New("transient i/o failure")

// ObjectClient defines interactions with S3 or any object storage.
// It’s abstract so you can replace AWS with MinIO, GCP, etc. easily.
type ObjectClient interface {
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
	PutFile(ctx context.Context, bucket, key string, data []byte) error
	CopyFile(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	DeleteFile(ctx context.Context, bucket, key string) error
	FileExists(ctx context.Context, bucket, key string) (bool, error)
	ListFiles(ctx context.Context, bucket, prefix string) ([]string, error)
}

// QueueMessage is one at-least-once delivery from the upload queue.
type QueueMessage struct {
	Body          string
	ReceiptHandle string
}

// QueueClient abstracts the at-least-once message transport (SQS).
type QueueClient interface {
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]QueueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// IngestionJobState is the snapshot returned when polling an ingestion job.
type IngestionJobState struct {
	Status         string
	FailureReasons []string
	DocsProcessed  int64
	DocsFailed     int64
}

// Ingestion job statuses reported by the external index service.
const (
	JobStatusComplete   = "COMPLETE"
	JobStatusFailed     = "FAILED"
	JobStatusInProgress = "IN_PROGRESS"
	JobStatusStarting   = "STARTING"
)

// ErrJobConflict is returned by StartIngestionJob when another job is already
// running against the data source. The service enforces one job per data
// source, so callers wait and retry.
var ErrJobConflict = errors.New("ingestion job already in progress for data source")

// KnowledgeBaseClient abstracts the external asynchronous indexing service
// (Bedrock knowledge bases).
type KnowledgeBaseClient interface {
	StartIngestionJob(ctx context.Context, kbID, dataSourceID, clientToken, description string) (jobID string, err error)
	GetIngestionJob(ctx context.Context, kbID, dataSourceID, jobID string) (*IngestionJobState, error)
}

// Recognizer turns a rasterized page image into text. The OCR engine
// internals are a black box to the pipeline.
type Recognizer interface {
	Recognize(ctx context.Context, imageBytes []byte) (string, error)
}

// Rasterizer renders one page of a PDF to an image at the given DPI.
type Rasterizer interface {
	RasterizePage(ctx context.Context, pdfBytes []byte, pageNum int, dpi int) ([]byte, error)
}
