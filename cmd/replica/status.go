package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show per-table sync status",
	Long: `Show the local sync state of every table: rows, pending and historical
changes, and when the table last synced. Works offline.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type tableStatus struct {
	Table      string    `json:"table"`
	Records    int       `json:"records"`
	Pending    int       `json:"pending"`
	Historical int       `json:"historical"`
	Status     string    `json:"status"`
	LastSync   time.Time `json:"last_sync,omitzero"`
}

type statusReport struct {
	Database  string        `json:"database"`
	DeviceID  string        `json:"device_id"`
	Cursor    int64         `json:"cursor"`
	Conflicts int           `json:"open_conflicts"`
	Tables    []tableStatus `json:"tables"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	report := statusReport{Database: st.Path(), DeviceID: cfg.Device.ID}
	if report.DeviceID == "" {
		if report.DeviceID, err = st.DeviceID(ctx); err != nil {
			return err
		}
	}
	if report.Cursor, err = st.LastSequenceID(ctx); err != nil {
		return err
	}
	conflicts, err := st.ListConflicts(ctx, true)
	if err != nil {
		return err
	}
	report.Conflicts = len(conflicts)

	for _, name := range st.Catalog().Names() {
		ts := tableStatus{Table: name}
		if ts.Records, err = st.CountRecords(ctx, name); err != nil {
			return err
		}
		if ts.Pending, err = st.TotalPendingCount(ctx, name); err != nil {
			return err
		}
		if ts.Historical, err = st.HistoricalRecordCount(ctx, name); err != nil {
			return err
		}
		md, err := st.GetSyncMetadata(ctx, name)
		if err != nil {
			return err
		}
		ts.Status, ts.LastSync = md.SyncStatus, md.LastSyncTime
		report.Tables = append(report.Tables, ts)
	}

	if jsonOutput {
		outputJSON(report)
		return nil
	}

	printer.Title("replica " + report.Database)
	printer.Printf("device %s, change feed cursor %d\n\n", report.DeviceID, report.Cursor)
	now := time.Now()
	rows := make([][]string, 0, len(report.Tables))
	for _, ts := range report.Tables {
		rows = append(rows, []string{
			ts.Table,
			strconv.Itoa(ts.Records),
			strconv.Itoa(ts.Pending),
			strconv.Itoa(ts.Historical),
			printer.Status(ts.Status),
			ui.Ago(ts.LastSync, now),
		})
	}
	printer.Table([]string{"TABLE", "RECORDS", "PENDING", "HISTORICAL", "STATUS", "LAST SYNC"}, rows)
	if report.Conflicts > 0 {
		printer.Printf("\n")
		printer.Warn("%s open (replica conflicts list)", plural(report.Conflicts, "conflict"))
	}
	return nil
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
