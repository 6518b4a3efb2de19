package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moviemeta/titlecrawler/internal/app"
	"github.com/moviemeta/titlecrawler/internal/config"
	"github.com/moviemeta/titlecrawler/internal/logging"
	"github.com/moviemeta/titlecrawler/internal/scheduler"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl to
// completion (or resumption point).
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Starts the title crawl",
		Long: `Fetches listing pages concurrently, extracts title records, and
writes them to the configured gzip JSONL artifact. A SIGINT or SIGTERM
stops dispatching new pages and drains in-flight work before exiting.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize crawler: %w", err)
	}
	defer application.Close()

	summary, runErr := application.Run(ctx)
	logger.Info("run summary",
		zap.String("run_id", summary.RunID),
		zap.Int("pages_committed", summary.PagesCommitted),
		zap.Int("pages_failed", summary.PagesFailed),
		zap.Int64("records_written", summary.RecordsWritten),
	)
	return runErr
}

// exitCode maps run errors onto distinct process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, scheduler.ErrPagesFailed):
		return 3
	case errors.Is(err, scheduler.ErrFatal):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
