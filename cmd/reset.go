package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moviemeta/titlecrawler/internal/checkpoint"
	"github.com/moviemeta/titlecrawler/internal/clock/system"
	"github.com/moviemeta/titlecrawler/internal/config"
	"github.com/moviemeta/titlecrawler/internal/id/uuid"
	"github.com/moviemeta/titlecrawler/internal/logging"
)

// newResetCmd creates the 'reset' subcommand, which discards the stored
// checkpoint so the next crawl starts from page one.
func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discards the crawl checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			ctx := cmd.Context()
			clock := system.Clock{}
			ids := uuid.Generator{}

			switch cfg.Checkpoint.Provider {
			case "postgres":
				store, err := checkpoint.NewPostgresStore(ctx, cfg.Checkpoint.DSN, cfg.Checkpoint.Name, clock, ids)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.InitSchema(ctx); err != nil {
					return err
				}
				if err := store.Reset(ctx); err != nil {
					return err
				}
			default:
				store, err := checkpoint.NewFileStore(cfg.Checkpoint.StateFile, clock, ids, logger)
				if err != nil {
					return err
				}
				if err := store.Reset(ctx); err != nil {
					return err
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "checkpoint reset")
			return nil
		},
	}
}
