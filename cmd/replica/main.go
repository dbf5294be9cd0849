// Command replica keeps a local SQLite database in sync with a replica
// server: one-shot syncs, a background daemon with a live dashboard, and
// tools for inspecting changes and settling conflicts.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/config"
	"github.com/replicasync/replica/internal/logging"
	"github.com/replicasync/replica/internal/ui"
)

var (
	configPath string
	dbPath     string
	jsonOutput bool
	noColor    bool
	verbose    bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	printer   *ui.Printer
)

var rootCmd = &cobra.Command{
	Use:   "replica",
	Short: "Local-first sync for the replica desktop store",
	Long: `replica keeps the local SQLite store eventually consistent with the
sync server across all devices of one account.

Local writes are captured in a change log and uploaded in folded batches;
remote changes are pulled from the server's change feed and merged with
per-field rules. Anything the rules cannot settle is recorded as a
conflict for 'replica conflicts resolve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		printer = ui.New(cmd.OutOrStdout(), noColor || jsonOutput)

		// config init must work before any config file exists.
		if cmd.Annotations["skipConfig"] == "true" {
			logger = logging.Discard()
			return nil
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			loaded.Database.Path = dbPath
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		cfg = loaded

		l, closer, err := logging.New(logging.Options{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		logger, logCloser = l, closer
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .replica/replica.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides database.path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output machine-readable JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if jsonOutput {
			outputJSONError(err)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
