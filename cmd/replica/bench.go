package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/loadtest"
	"github.com/replicasync/replica/internal/wire/wiretest"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "sync",
	Short:   "Measure sync latency with simulated devices",
	Long: `Run a sync load test: several simulated devices write and upload
records concurrently, then each pulls the others' changes.

By default the devices talk to an in-process server with --latency added
to every request. With --remote they use the configured server and a
throwaway set of device databases; records are written to the real
account, so point it at a test server.

Examples:
  replica bench
  replica bench --devices 10 --changes 100 --latency 20ms`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().Int("devices", 4, "Number of simulated devices")
	benchCmd.Flags().Int("changes", 25, "Records written by each device")
	benchCmd.Flags().String("table", "snippets", "Table to write")
	benchCmd.Flags().Duration("latency", 0, "Latency added by the in-process server")
	benchCmd.Flags().Bool("remote", false, "Use the configured server instead of an in-process one")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	devices, _ := cmd.Flags().GetInt("devices")
	changes, _ := cmd.Flags().GetInt("changes")
	table, _ := cmd.Flags().GetString("table")
	latency, _ := cmd.Flags().GetDuration("latency")
	remote, _ := cmd.Flags().GetBool("remote")

	dir, err := os.MkdirTemp("", "replica-bench-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	lc := loadtest.DefaultConfig()
	lc.Dir = dir
	lc.Table = table
	lc.Devices = devices
	lc.ChangesPerDevice = changes
	lc.Engine = cfg.EngineConfig()
	lc.Retry = cfg.RetryConfig()
	lc.Key = make([]byte, 32)
	if _, err := rand.Read(lc.Key); err != nil {
		return err
	}

	if remote {
		if err := cfg.RequireServer(); err != nil {
			return err
		}
		token, err := authProvider().Token()
		if err != nil {
			return err
		}
		lc.BaseURL, lc.Token = cfg.Server.URL, token
	} else {
		srv := wiretest.NewServer("bench")
		defer srv.Close()
		srv.SetLatency(latency)
		lc.BaseURL, lc.Token = srv.URL, "bench"
	}

	if !jsonOutput {
		printer.Printf("%s\n", printer.Muted(fmt.Sprintf("%d devices x %d records against %s", devices, changes, lc.BaseURL)))
	}
	report, err := loadtest.Run(ctx, lc, logger)
	if err != nil {
		return err
	}

	if jsonOutput {
		outputJSON(map[string]any{
			"devices":    report.Devices,
			"expected":   report.Expected,
			"converged":  report.Converged,
			"elapsed_ms": report.Elapsed.Milliseconds(),
			"counts":     report.Counts,
			"uploads":    latencySummary(report.Uploads),
			"cycles":     latencySummary(report.Cycles),
		})
		return nil
	}

	w := cmd.OutOrStdout()
	report.Uploads.Fprint(w, "Upload latency")
	report.Cycles.Fprint(w, "Cycle latency")
	printer.Printf("\n")
	if report.Converged {
		printer.Success("all %d devices hold %d records (%v)", report.Devices, report.Expected, report.Elapsed.Round(time.Millisecond))
		return nil
	}
	rows := make([][]string, 0, len(report.Counts))
	for id, n := range report.Counts {
		rows = append(rows, []string{id, strconv.Itoa(n)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	printer.Error("devices did not converge on %d records", report.Expected)
	printer.Table([]string{"DEVICE", "RECORDS"}, rows)
	return fmt.Errorf("load test did not converge")
}

func latencySummary(s *loadtest.LatencyStats) map[string]any {
	return map[string]any{
		"operations": s.Operations,
		"errors":     s.Errors,
		"min_ms":     s.Min.Seconds() * 1000,
		"p50_ms":     s.P50.Seconds() * 1000,
		"p95_ms":     s.P95.Seconds() * 1000,
		"p99_ms":     s.P99.Seconds() * 1000,
		"max_ms":     s.Max.Seconds() * 1000,
		"mean_ms":    s.Mean.Seconds() * 1000,
	}
}
