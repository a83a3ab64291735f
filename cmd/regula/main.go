package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/Regula/internal/app"
	"github.com/markdave123-py/Regula/internal/config"
	"github.com/markdave123-py/Regula/internal/services"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		cancel()
	}()

	if err := newRootCmd(ctx).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(ctx context.Context) *cobra.Command {
	root := &cobra.Command{
		Use:           "regula",
		Short:         "Regulatory document ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newProcessCmd(ctx))
	root.AddCommand(newWorkerCmd(ctx))
	root.AddCommand(newFlushCmd(ctx))
	root.AddCommand(newSyncCmd(ctx))
	return root
}

func newApp(ctx context.Context) (*app.App, error) {
	return app.NewApp(ctx, config.LoadConfig())
}

func newProcessCmd(ctx context.Context) *cobra.Command {
	var file, folder string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the pipeline for a single file or a whole folder",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (file == "") == (folder == "") {
				return errors.New("specify exactly one of --file or --folder")
			}

			application, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer application.Close()

			if file != "" {
				status, err := application.Orchestrator.ProcessFile(ctx, file)
				if status == services.FileFailed {
					return fmt.Errorf("processing failed: %w", err)
				}
				fmt.Printf("Processing %s: %s\n", file, status)
				return nil
			}

			res, err := application.Orchestrator.ProcessFolder(ctx, folder)
			if err != nil {
				return err
			}
			fmt.Println("Processing completed:")
			fmt.Printf("  Total files: %d\n", res.Total)
			fmt.Printf("  Successful:  %d\n", res.Success)
			fmt.Printf("  Failed:      %d\n", res.Failed)
			if res.Skipped > 0 {
				fmt.Printf("  Skipped:     %d\n", res.Skipped)
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d files failed", res.Failed, res.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "source object key to process")
	cmd.Flags().StringVar(&folder, "folder", "", "source prefix to process")
	return cmd
}

func newWorkerCmd(ctx context.Context) *cobra.Command {
	var queueURL string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume upload events from the queue and process them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadConfig()
			if queueURL != "" {
				cfg.QueueURL = queueURL
			}

			application, err := app.NewApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer application.Close()

			w, err := application.NewWorker(ctx)
			if err != nil {
				return err
			}
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&queueURL, "queue-url", "", "SQS queue URL (overrides QUEUE_URL)")
	return cmd
}

func newFlushCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Sync every taxonomy root with pending files below the batch threshold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer application.Close()

			return application.Orchestrator.Flush(ctx)
		},
	}
}

func newSyncCmd(ctx context.Context) *cobra.Command {
	var deletion bool

	cmd := &cobra.Command{
		Use:   "sync <taxonomy-root>",
		Short: "Run an ingestion job for one taxonomy root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer application.Close()

			root := args[0]
			var res *services.SyncResult
			if deletion {
				res, err = application.KBSync.DeletionSync(ctx, root)
			} else {
				res, err = application.KBSync.Sync(ctx, root)
			}
			if err != nil {
				return err
			}

			fmt.Printf("Sync %s: %s\n", root, res.Status)
			for _, f := range res.FailedFiles {
				fmt.Printf("  failed: %s\n", f)
			}
			for _, q := range res.QuarantinedFiles {
				fmt.Printf("  quarantined: %s\n", q)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&deletion, "delete", false, "run a deletion sync so removed objects leave the index")
	return cmd
}
