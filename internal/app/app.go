// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/markdave123-py/Regula/internal/config"
	"github.com/markdave123-py/Regula/internal/core"
	kbclient "github.com/markdave123-py/Regula/internal/core/kb-client"
	objectclient "github.com/markdave123-py/Regula/internal/core/object-client"
	ocrclient "github.com/markdave123-py/Regula/internal/core/ocr-client"
	queueclient "github.com/markdave123-py/Regula/internal/core/queue-client"
	"github.com/markdave123-py/Regula/internal/core/syncstate"
	"github.com/markdave123-py/Regula/internal/services"
	"github.com/markdave123-py/Regula/internal/worker"
)

// App owns the wired pipeline: storage and index clients, the durable sync
// state and the orchestrator. Commands pull what they need from here.
type App struct {
	Cfg          *config.Config
	Objects      core.ObjectClient
	State        *syncstate.Store
	KBSync       *services.KBSyncService
	Orchestrator *services.Orchestrator
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	objects, err := objectclient.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("object client: %w", err)
	}

	kb, err := kbclient.NewBedrockClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge-base client: %w", err)
	}

	state, err := syncstate.Open(cfg.StateDir, cfg.LockStaleAfter)
	if err != nil {
		return nil, fmt.Errorf("sync state: %w", err)
	}
	slog.Info("sync state ready", "dir", cfg.StateDir)

	recognizer := ocrclient.NewTesseractRecognizer()
	rasterizer := ocrclient.NewPdftoppmRasterizer(cfg.PdftoppmPath)

	kbSync := services.NewKBSyncService(cfg, kb, objects, state)
	orchestrator := services.NewOrchestrator(cfg, objects, recognizer, rasterizer, state, kbSync)

	return &App{
		Cfg:          cfg,
		Objects:      objects,
		State:        state,
		KBSync:       kbSync,
		Orchestrator: orchestrator,
	}, nil
}

// NewWorker builds the queue consumer. Kept off NewApp so the process and
// flush commands don't require a queue URL.
func (a *App) NewWorker(ctx context.Context) (*worker.Worker, error) {
	queue, err := queueclient.NewSQSClient(ctx, a.Cfg)
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}
	return worker.NewWorker(a.Cfg, queue, a.Orchestrator), nil
}

// Close waits for background syncs and releases the state database.
func (a *App) Close() {
	if a.Orchestrator != nil {
		a.Orchestrator.Wait()
	}
	if a.State != nil {
		_ = a.State.Close()
	}
}
