package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/store"
	"github.com/replicasync/replica/internal/ui"
)

var changesCmd = &cobra.Command{
	Use:     "changes",
	GroupID: "data",
	Short:   "Inspect the local change log",
}

var changesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured local changes, newest first",
	Long: `List entries of the local change log, newest first.

--since accepts an RFC3339 time, a duration or a phrase:
  replica changes list --since 2h
  replica changes list --since "yesterday" --status failed
  replica changes list --table hosts --limit 5`,
	Args: cobra.NoArgs,
	RunE: runChangesList,
}

func init() {
	changesListCmd.Flags().String("table", "", "Only this table")
	changesListCmd.Flags().String("status", "", "Only entries in this state (pending, synced, failed)")
	changesListCmd.Flags().String("since", "", "Only entries captured at or after this time")
	changesListCmd.Flags().Int("limit", 50, "Maximum entries to show (0 for all)")
	changesCmd.AddCommand(changesListCmd)
	rootCmd.AddCommand(changesCmd)
}

func runChangesList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	table, _ := cmd.Flags().GetString("table")
	status, _ := cmd.Flags().GetString("status")
	sinceText, _ := cmd.Flags().GetString("since")
	limit, _ := cmd.Flags().GetInt("limit")

	switch model.SyncStatus(status) {
	case "", model.StatusPending, model.StatusSynced, model.StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", status)
	}
	since, err := parseSince(sinceText, time.Now())
	if err != nil {
		return err
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ListChanges(ctx, store.ChangeFilter{
		Table:  table,
		Status: model.SyncStatus(status),
		Since:  since,
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		if entries == nil {
			entries = []model.ChangeLogEntry{}
		}
		outputJSON(entries)
		return nil
	}
	if len(entries) == 0 {
		printer.Printf("No changes found.\n")
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := printer.Status(string(e.SyncStatus))
		switch {
		case e.ErrorMessage != "":
			status += " " + printer.Muted(ui.Truncate(e.ErrorMessage, 40))
		case e.Attempts > 0:
			status += " " + printer.Muted(fmt.Sprintf("(%s: %s)", plural(e.Attempts, "attempt"), ui.Truncate(e.LastError, 30)))
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			ui.Ago(e.CreatedAt, now),
			e.TableName,
			string(e.Operation),
			e.RecordUUID,
			status,
		})
	}
	printer.Table([]string{"ID", "WHEN", "TABLE", "OP", "UUID", "STATUS"}, rows)
	return nil
}
