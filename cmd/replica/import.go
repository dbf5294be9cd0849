package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/migrate"
)

var importCmd = &cobra.Command{
	Use:     "import",
	GroupID: "data",
	Short:   "Import pre-existing rows from a JSONL file",
	Long: `Import rows from a JSONL file (one JSON object per line) into a table.

Imported rows are historical: they bypass the change log and are uploaded
by the next full sync. Rows need a uuid; unknown fields are dropped and
uuids that already exist locally are skipped.

Examples:
  replica import --table hosts --from hosts.jsonl --dry-run
  replica import --table hosts --from hosts.jsonl --backup`,
	Args: cobra.NoArgs,
	RunE: runImport,
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Export a table as JSONL",
	Args:    cobra.NoArgs,
	RunE:    runExport,
}

func init() {
	importCmd.Flags().String("table", "", "Destination table (required)")
	importCmd.Flags().String("from", "", "JSONL file to read (required)")
	importCmd.Flags().Bool("dry-run", false, "Validate without writing")
	importCmd.Flags().Bool("backup", false, "Snapshot the database before writing")
	_ = importCmd.MarkFlagRequired("table")
	_ = importCmd.MarkFlagRequired("from")

	exportCmd.Flags().String("table", "", "Table to export (required)")
	exportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")
	_ = exportCmd.MarkFlagRequired("table")

	rootCmd.AddCommand(importCmd, exportCmd)
}

func runImport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	table, _ := cmd.Flags().GetString("table")
	from, _ := cmd.Flags().GetString("from")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backup, _ := cmd.Flags().GetBool("backup")

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := migrate.Import(ctx, st, migrate.Options{
		From:      from,
		Table:     table,
		DryRun:    dryRun,
		Backup:    backup,
		BatchSize: cfg.Sync.BatchSize,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		outputJSON(result)
		return nil
	}
	if result.BackupCreated != "" {
		printer.Success("backup written to %s", result.BackupCreated)
	}
	if dryRun {
		printer.Success("dry run: %d rows read, %d valid, %d invalid",
			result.Read, result.Read-result.Invalid, result.Invalid)
	} else {
		printer.Success("imported %d rows into %s (%d skipped, %d invalid)",
			result.Imported, table, result.Skipped, result.Invalid)
	}
	for _, msg := range result.Errors {
		printer.Warn("%s", msg)
	}
	if !dryRun && result.Imported > 0 {
		printer.Printf("%s\n", printer.Muted("rows upload on the next full sync (replica sync --full)"))
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	table, _ := cmd.Flags().GetString("table")
	output, _ := cmd.Flags().GetString("output")

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	w := cmd.OutOrStdout()
	if output != "" {
		// #nosec G304 - controlled path from CLI
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		defer f.Close()
		w = f
	}

	n, err := migrate.ToJSONL(ctx, st, table, w)
	if err != nil {
		return err
	}
	if output != "" {
		printer.Success("exported %d %s rows to %s", n, table, output)
	}
	return nil
}
