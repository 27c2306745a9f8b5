package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/runtrack/runtrack/internal/config"
	tracksync "github.com/runtrack/runtrack/internal/tracking/sync"
	"github.com/runtrack/runtrack/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Synchronize runs recorded in a .runtrack folder",
	Long: `Synchronize locally recorded runs with the tracking service.

Without arguments every unsynchronized run is synchronized. Offline runs are
registered with the project given by --project (or RUNTRACK_PROJECT) first;
without a project they are skipped.

Synchronization resumes where a previous attempt stopped: only operations the
service has not acknowledged yet are sent.`,
	Example: `  # List synchronized and unsynchronized runs in the current directory
  rt sync --list

  # List runs in another location
  rt sync --list --location foo/bar

  # Synchronize every unsynchronized run in the current directory
  rt sync

  # Synchronize every run in another location, registering offline runs
  rt sync -l foo/bar -p acme/vision

  # Synchronize selected runs only
  rt sync -r acme/vision/VIS-4 -r acme/vision/VIS-7

  # Register and synchronize one offline run
  rt sync -p acme/vision -r 3c9e6f1a-7b2d-4c8e-9f0a-1b2c3d4e5f60`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Bool("list", false, "List synchronized and unsynchronized runs instead of synchronizing")
	syncCmd.Flags().StringArrayP("run", "r", nil, "Run to synchronize: qualified name, server id or offline id (repeatable)")
	syncCmd.Flags().StringP("project", "p", "", "Project offline runs are registered with (env RUNTRACK_PROJECT)")
	syncCmd.Flags().Int("batch-size", 0, "Maximum operations per request (env RUNTRACK_SYNC_BATCH_SIZE)")
	syncCmd.Flags().Duration("batch-timeout", 0, "Timeout of each request batch (env RUNTRACK_SYNC_BATCH_TIMEOUT)")
	syncCmd.Flags().Int("workers", 0, "Runs synchronized in parallel (env RUNTRACK_SYNC_WORKERS)")

	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, closer, err := w.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	coord := w.coordinator(b, w.synchronizer(b, nil))
	out := cmd.OutOrStdout()

	if list, _ := cmd.Flags().GetBool("list"); list {
		listing, err := coord.List(ctx)
		if err != nil {
			return err
		}
		if listing.Empty() {
			fmt.Fprintf(out, "There are no runtrack runs in %s\n", w.layout.Root())
			return errExit
		}
		renderListing(out, w.layout.Root(), listing)
		return nil
	}

	refs, _ := cmd.Flags().GetStringArray("run")
	var report *tracksync.Report
	if len(refs) > 0 {
		report, err = coord.SyncSelected(ctx, w.cfg.Project, refs)
	} else {
		report, err = syncAll(ctx, w, coord, out)
	}
	if err != nil {
		return err
	}

	renderReport(out, report)
	if report.Err() != nil {
		return errExit
	}
	return nil
}

func syncAll(ctx context.Context, w *workspace, coord *tracksync.Coordinator, out io.Writer) (*tracksync.Report, error) {
	registered, err := w.layout.ListRegistered()
	if err != nil {
		return nil, err
	}
	offline, err := w.layout.ListOffline()
	if err != nil {
		return nil, err
	}
	if len(registered) == 0 && len(offline) == 0 {
		fmt.Fprintf(out, "There are no runtrack runs in %s\n", w.layout.Root())
		return nil, errExit
	}
	return coord.SyncAll(ctx, w.cfg.Project)
}

var offlineHint = []string{
	"Runs recorded offline are not created on the server, are not assigned to projects,",
	"and are identified by UUIDs like the ones above instead of short ids.",
	"When synchronizing offline runs, please specify the workspace and project using the \"--project\"",
	"flag. Alternatively, you can set the environment variable",
	config.EnvPrefix + "_PROJECT to the target workspace/project. See the examples below.",
}

// renderListing prints the runs of root grouped by synchronization state.
func renderListing(out io.Writer, root string, listing *tracksync.Listing) {
	if len(listing.Unsynchronized) > 0 {
		fmt.Fprintln(out, ui.RenderHeading("Unsynchronized runs:"))
		for _, run := range listing.Unsynchronized {
			fmt.Fprintf(out, "- %s\n", ui.RenderWarn(run.QualifiedName()))
		}
	}

	if len(listing.Synchronized) > 0 {
		fmt.Fprintln(out, ui.RenderHeading("Synchronized runs:"))
		for _, run := range listing.Synchronized {
			fmt.Fprintf(out, "- %s\n", ui.RenderPass(run.QualifiedName()))
		}
	}

	if len(listing.Offline) > 0 {
		fmt.Fprintln(out, ui.RenderHeading("Unsynchronized offline runs:"))
		for _, id := range listing.Offline {
			fmt.Fprintf(out, "- %s\n", ui.RenderWarn(id))
		}
		fmt.Fprintln(out)
		for _, line := range offlineHint {
			fmt.Fprintln(out, ui.RenderMuted(line))
		}
	}

	if len(listing.Unsynchronized) == 0 {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "There are no unsynchronized runs in %s\n", root)
	}

	if len(listing.Synchronized) == 0 {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "There are no synchronized runs in %s\n", root)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Please run with the --help flag to see example commands")
}

// renderReport prints the outcome of a synchronization.
func renderReport(out io.Writer, report *tracksync.Report) {
	for _, res := range report.Registered {
		fmt.Fprintf(out, "%s offline run %s registered as %s\n",
			ui.RenderAccent("→"), res.OfflineID, res.Run.QualifiedName())
	}
	for _, name := range report.Synchronized {
		fmt.Fprintf(out, "%s %s synchronized\n", ui.RenderPass("✓"), name)
	}
	for _, name := range report.Skipped {
		fmt.Fprintf(out, "%s %s skipped\n", ui.RenderWarn("!"), name)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(out, "%s %s failed: %v\n", ui.RenderFail("✗"), f.Name, f.Err)
	}
	if len(report.Failed) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Synchronization resumes where it stopped. Please try again later.")
	}
}
