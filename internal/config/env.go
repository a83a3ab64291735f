package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// KBTarget identifies the knowledge base and data source an ingestion job
// runs against for one taxonomy root.
type KBTarget struct {
	KnowledgeBaseID string `json:"knowledge_base_id"`
	DataSourceID    string `json:"data_source_id"`
}

type Config struct {
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string

	SourceBucket      string
	ChunkedBucket     string
	DirectBucket      string // empty disables the direct/archival stream
	UnprocessedBucket string
	UnprocessedFolder string

	QueueURL string

	// Directory holding the sync-state database (locks + batch counters).
	StateDir string

	SyncThreshold       int
	LockStaleAfter      time.Duration
	LockAcquireTimeout  time.Duration
	LockPollInterval    time.Duration
	JobPollInterval     time.Duration
	JobPollMaxAttempts  int
	ConflictRetryWindow time.Duration

	OCRDPI           int
	OCRTextThreshold int
	OCRPageWorkers   int

	WorkerConcurrency int

	SofficePath  string
	PdftoppmPath string

	EnableEnhancer bool

	// KBMapping maps a taxonomy root to its ingestion target. Roots without
	// an entry are chunked and uploaded but never synced.
	KBMapping map[string]KBTarget
}

// defaultKBMapping mirrors the fleet's provisioned knowledge bases. Override
// with the KB_MAPPING env var (JSON object keyed by taxonomy root).
var defaultKBMapping = map[string]KBTarget{
	"accounting-standards":       {KnowledgeBaseID: "KB4QXTD1RA", DataSourceID: "DSVQ53AYFF"},
	"commercial-laws":            {KnowledgeBaseID: "KBCQ6E0JJB", DataSourceID: "DSAY5EWVXY"},
	"Auditing Standards":         {KnowledgeBaseID: "KBXFFTJYAD", DataSourceID: "DSOH8L2PTH"},
	"Banking Regulations":        {KnowledgeBaseID: "KBVDMWYPSO", DataSourceID: "DSI6QTPRZO"},
	"Capital Market Regulations": {KnowledgeBaseID: "KBUI4DH8O8", DataSourceID: "DS8JKIFZD7"},
	"Direct Taxes":               {KnowledgeBaseID: "KBPV2IGEHK", DataSourceID: "DSXNBPX5WR"},
	"Indirect Taxes":             {KnowledgeBaseID: "KBQTTHYYFC", DataSourceID: "DSJDT9KAXQ"},
	"Insurance":                  {KnowledgeBaseID: "KBECWHGFSH", DataSourceID: "DSLPBCRYCS"},
	"Labour Law":                 {KnowledgeBaseID: "KBCQ6E0JJB", DataSourceID: "DSPLIPBARA"},
	"Finance Tools":              {KnowledgeBaseID: "KB4QXTD1RA", DataSourceID: "DS18HMESLJ"},
	"GIFT City":                  {KnowledgeBaseID: "KBVDMWYPSO", DataSourceID: "DSRL7KXCTE"},
	"usecase-reports-4":          {KnowledgeBaseID: "KBWHF3OXB1", DataSourceID: "DSCN63WXZK"},
}

// LoadConfig loads the environment variables and returns the config.
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		AwsAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		AwsSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-1"),

		SourceBucket:      getEnv("SOURCE_BUCKET", "rules-repository"),
		ChunkedBucket:     getEnv("CHUNKED_BUCKET", "chunked-rules-repository"),
		DirectBucket:      getEnv("DIRECT_BUCKET", ""),
		UnprocessedBucket: getEnv("UNPROCESSED_BUCKET", "unprocessed-files-error-on-pdf-processing"),
		UnprocessedFolder: getEnv("UNPROCESSED_FOLDER", "to_further_process"),

		QueueURL: getEnv("QUEUE_URL", ""),

		StateDir: getEnv("STATE_DIR", "./state"),

		SyncThreshold:       getEnvInt("SYNC_THRESHOLD", 20),
		LockStaleAfter:      getEnvDuration("LOCK_STALE_AFTER", time.Hour),
		LockAcquireTimeout:  getEnvDuration("LOCK_ACQUIRE_TIMEOUT", 2*time.Hour),
		LockPollInterval:    getEnvDuration("LOCK_POLL_INTERVAL", 15*time.Second),
		JobPollInterval:     getEnvDuration("JOB_POLL_INTERVAL", 30*time.Second),
		JobPollMaxAttempts:  getEnvInt("JOB_POLL_MAX_ATTEMPTS", 60),
		ConflictRetryWindow: getEnvDuration("CONFLICT_RETRY_WINDOW", 30*time.Minute),

		OCRDPI:           getEnvInt("DEFAULT_DPI_OCR", 300),
		OCRTextThreshold: getEnvInt("OCR_TEXT_THRESHOLD", 50),
		OCRPageWorkers:   getEnvInt("MAX_WORKERS_OCR_PAGE", 4),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),

		SofficePath:  getEnv("SOFFICE_PATH", "soffice"),
		PdftoppmPath: getEnv("PDFTOPPM_PATH", "pdftoppm"),

		EnableEnhancer: getEnvBool("ENABLE_ENHANCER", false),

		KBMapping: defaultKBMapping,
	}

	if raw := getEnv("KB_MAPPING", ""); raw != "" {
		m := map[string]KBTarget{}
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			slog.Warn("KB_MAPPING is not valid JSON, using default mapping", "error", err)
		} else {
			cfg.KBMapping = m
		}
	}

	return cfg
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("env var is not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("env var is not a bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("env var is not a duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
