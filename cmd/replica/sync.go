package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/fullsync"
	"github.com/replicasync/replica/internal/model"
	syncengine "github.com/replicasync/replica/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle and exit",
	Long: `Run one sync cycle against the server and exit.

Tables that have never completed a sync, or every table with --full, are
first fully reconciled with the server's copy. Then pending local changes
are uploaded and the server's change feed is applied.

Examples:
  replica sync                  # incremental cycle
  replica sync --full           # full sync of every table first
  replica sync --table hosts    # only the hosts table`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Bool("full", false, "Fully reconcile tables before the incremental cycle")
	syncCmd.Flags().String("table", "", "Limit the sync to one table")
	rootCmd.AddCommand(syncCmd)
}

type syncReport struct {
	FullSyncs  []fullsync.Result          `json:"full_syncs,omitempty"`
	Uploads    []syncengine.UploadResult  `json:"uploads,omitempty"`
	Download   *syncengine.DownloadResult `json:"download,omitempty"`
	DurationMS int64                      `json:"duration_ms"`
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	full, _ := cmd.Flags().GetBool("full")
	table, _ := cmd.Flags().GetString("table")

	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if table != "" {
		if _, ok := a.store.Catalog().Table(table); !ok {
			return fmt.Errorf("unknown table %q", table)
		}
	}

	start := time.Now()
	if _, err := a.client.BackupInit(ctx); err != nil {
		return fmt.Errorf("server handshake failed: %w", err)
	}

	var report syncReport
	tables := a.store.Catalog().Names()
	if table != "" {
		tables = []string{table}
	}
	for _, name := range tables {
		if !full {
			md, err := a.store.GetSyncMetadata(ctx, name)
			if err != nil {
				return err
			}
			if md.SyncStatus == model.TableSynced {
				continue
			}
		}
		res, err := a.full.SyncTable(ctx, name)
		report.FullSyncs = append(report.FullSyncs, res)
		if err != nil {
			return fmt.Errorf("full sync of %s failed: %w", name, err)
		}
	}

	if table != "" {
		res, err := a.engine.IncrementalSyncSmart(ctx, table)
		report.Uploads = append(report.Uploads, res)
		if err != nil {
			return err
		}
		down, err := a.engine.DownloadAndApplyCloudChanges(ctx)
		report.Download = &down
		if err != nil {
			return err
		}
	} else {
		cycle, err := a.engine.RunCycle(ctx)
		report.Uploads = cycle.Uploads
		report.Download = &cycle.Download
		if err != nil {
			return err
		}
	}
	report.DurationMS = time.Since(start).Milliseconds()

	if jsonOutput {
		outputJSON(report)
		return nil
	}
	printSyncReport(report)
	return nil
}

func printSyncReport(r syncReport) {
	for _, fs := range r.FullSyncs {
		printer.Success("full sync %s (%s): %d applied, %d merged, %d conflicts, %d historical uploaded",
			fs.Table, fs.Mode, fs.Applied, fs.Merged, fs.Conflicts, fs.Historical)
	}
	uploaded, conflicts, failed := 0, 0, 0
	for _, u := range r.Uploads {
		uploaded += u.Uploaded
		conflicts += u.Conflicts
		failed += u.Failed
	}
	printer.Success("uploaded %d changes", uploaded)
	if r.Download != nil {
		printer.Success("downloaded %d changes (%d merged, cursor %d)",
			r.Download.Applied+r.Download.Merged, r.Download.Merged, r.Download.Cursor)
		conflicts += r.Download.Conflicts
	}
	if failed > 0 {
		printer.Warn("%d changes will be retried", failed)
	}
	if conflicts > 0 {
		printer.Warn("%d conflicts need attention (replica conflicts list)", conflicts)
	}
	printer.Printf("%s\n", printer.Muted(fmt.Sprintf("done in %v", time.Duration(r.DurationMS)*time.Millisecond)))
}
