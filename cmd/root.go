// Package cmd defines and implements the CLI commands for the
// titlecrawler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "titlecrawler",
		Short: "A resumable, concurrent crawler for paginated title listings.",
		Long: `titlecrawler walks a paginated listing endpoint page by page,
extracts structured title records, and streams them into a compressed
JSONL artifact. Progress is checkpointed after every committed page, so
an interrupted crawl resumes where it left off.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults to environment variables only)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newResetCmd())

	return cmd
}

// Execute is the main entry point; the process exit code distinguishes
// clean runs, runs with failed pages, and fatal halts.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
