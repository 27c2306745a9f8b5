package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/runtrack/runtrack/internal/config"
	"github.com/runtrack/runtrack/internal/tracking/daemon"
	"github.com/runtrack/runtrack/internal/tracking/dashboard"
	tracksync "github.com/runtrack/runtrack/internal/tracking/sync"
	"github.com/runtrack/runtrack/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Continuously synchronize runs as they are recorded",
	Long: `Watch the .runtrack folder and synchronize every run shortly after new
operations are appended to its queue.

The daemon reacts to file system events and also rescans the folder every
--poll-interval, so events missed while it was down are picked up. Offline
runs are registered with --project (or RUNTRACK_PROJECT) when one is set.

Example usage:
  rt daemon -p acme/vision
  rt daemon --log-file ~/.cache/runtrack/daemon.log`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, false)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the daemon with a real-time WebSocket progress dashboard",
	Long: `Run rt daemon and serve its progress over WebSocket.

WebSocket messages include:
- batch_dispatched: A batch of operations was acknowledged
- run_synced: A run has nothing left to send
- sync_failed: A synchronization pass stopped on an error
- run_registered: An offline run was registered with a project
- stats: Running totals

Connect with a WebSocket client:
  ws://127.0.0.1:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, true)
	},
}

func init() {
	for _, c := range []*cobra.Command{daemonCmd, dashboardCmd} {
		c.Flags().StringP("project", "p", "", "Project offline runs are registered with (env RUNTRACK_PROJECT)")
		c.Flags().Duration("debounce", 0, "Quiet period before a changed run is synchronized")
		c.Flags().Duration("poll-interval", 0, "Interval between full rescans of the folder")
		c.Flags().Int("workers", 0, "Runs synchronized in parallel")
		c.Flags().Int("batch-size", 0, "Maximum operations per request")
		c.Flags().String("log-file", "", "Log to a rotating file instead of stderr")
		rootCmd.AddCommand(c)
	}
	dashboardCmd.Flags().String("dashboard-addr", "", "Address the dashboard listens on (default 127.0.0.1:8080)")
}

func runDaemon(cmd *cobra.Command, withDashboard bool) error {
	w, err := openWorkspace(cmd)
	if err != nil {
		return err
	}

	logOut, logCloser := w.cfg.LogOutput()
	defer logCloser.Close()
	w.logger = config.NewLogger(logOut, "sync")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, closer, err := w.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	daemonCfg := &daemon.Config{
		DebounceInterval: w.cfg.Daemon.DebounceInterval,
		PollInterval:     w.cfg.Daemon.PollInterval,
		Workers:          w.cfg.Sync.Workers,
		Project:          w.cfg.Project,
		Logger:           config.NewLogger(logOut, "daemon"),
	}

	var observer tracksync.Observer
	var server *dashboard.Server
	if withDashboard {
		server = dashboard.NewServer(&dashboard.Config{
			Addr:   w.cfg.Dashboard.Addr,
			Logger: config.NewLogger(logOut, "dashboard"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer server.Stop()

		handler := dashboard.NewHandler(server, config.NewLogger(logOut, "dashboard"))
		observer = handler
		daemonCfg.OnRegistered = handler.RunRegistered

		addr := server.GetAddr()
		fmt.Printf("%s Dashboard started on http://%s\n", ui.RenderAccent("●"), addr)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Printf("Health check: http://%s/health\n", addr)
	}

	s := w.synchronizer(b, observer)
	d, err := daemon.NewWithConfig(w.layout, w.coordinator(b, s), s, daemonCfg)
	if err != nil {
		return err
	}

	fmt.Printf("%s Synchronizing runs in %s\n", ui.RenderAccent("●"), w.layout.Root())
	fmt.Println("\nPress Ctrl+C to stop...")

	if err := d.Start(ctx); err != nil {
		return err
	}

	st := d.Stats()
	fmt.Printf("\n%s Daemon stopped after %d passes (%d failed, %d runs registered)\n",
		ui.RenderMuted("●"), st.Passes, st.Failures, st.Registered)
	return nil
}
