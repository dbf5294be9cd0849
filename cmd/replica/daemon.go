package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/daemon"
	"github.com/replicasync/replica/internal/dashboard"
	"github.com/replicasync/replica/internal/fullsync"
	"github.com/replicasync/replica/internal/metrics"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon runs four loops around one sync state:
  - an adaptive poller that runs upload+download cycles
  - a periodic full sync of every table
  - a debounced upload queue fed by local writes
  - a watcher that resumes syncing when the token file changes

With --dashboard, a WebSocket dashboard streams cycle, upload, full-sync
and pause events:
  ws://127.0.0.1:7777/ws       live events
  http://127.0.0.1:7777/health daemon status
  http://127.0.0.1:7777/metrics Prometheus metrics`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the live dashboard (default: dashboard.enabled)")
	daemonCmd.Flags().IntP("port", "p", 0, "Dashboard port (default: dashboard.port)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	withDashboard, _ := cmd.Flags().GetBool("dashboard")
	port, _ := cmd.Flags().GetInt("port")
	withDashboard = withDashboard || cfg.Dashboard.Enabled
	if port == 0 {
		port = cfg.Dashboard.Port
	}

	m := metrics.New()
	var (
		d       *daemon.Daemon
		server  *dashboard.Server
		handler *dashboard.Handler
	)
	opts := appOptions{metrics: m}
	if withDashboard {
		server = dashboard.NewServer(&dashboard.Config{
			Host:    cfg.Dashboard.Host,
			Port:    port,
			Metrics: m.Handler(),
			Status:  func() any { return d.Status() },
			Logger:  logger.With("component", "dashboard"),
		})
		handler = dashboard.NewHandler(server, logger.With("component", "dashboard"))
		opts.observer = func(p fullsync.Progress) { handler.OnProgress(p) }
	}

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	daemonOpts := []daemon.Option{daemon.WithLogger(logger), daemon.WithMetrics(m)}
	if handler != nil {
		daemonOpts = append(daemonOpts, daemon.WithEvents(handler.OnEvent))
	}
	d, err = daemon.New(a.engine, a.full, a.client, cfg.DaemonConfig(), daemonOpts...)
	if err != nil {
		return err
	}

	if server != nil {
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Warn("dashboard shutdown failed", "error", err)
			}
		}()
		printer.Success("dashboard on http://%s (ws://%s/ws)", server.Addr(), server.Addr())
	}

	printer.Printf("%s\n", printer.Muted("syncing "+cfg.Database.Path+" with "+cfg.Server.URL+"; press Ctrl+C to stop"))
	err = d.Run(ctx)
	if errors.Is(err, daemon.ErrShutdownTimeout) {
		printer.Warn("shutdown timed out; in-flight work was abandoned")
		return nil
	}
	return err
}
