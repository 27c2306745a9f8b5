package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/runtrack/runtrack/internal/tracking/layout"
	tracksync "github.com/runtrack/runtrack/internal/tracking/sync"
	"github.com/runtrack/runtrack/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show the local synchronization state of every run",
	Long: `Show, for every run in the .runtrack folder, the last queued operation
version, the acknowledged watermark and how many operations are still pending.

status reads local files only and never contacts the backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		rows, err := collectStatus(w.layout, w.synchronizer(nil, nil))
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "There are no runtrack runs in %s\n", w.layout.Root())
			return errExit
		}
		renderStatus(cmd.OutOrStdout(), rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// runStatus is one line of rt status.
type runStatus struct {
	ID      string
	Offline bool
	tracksync.Status
}

func collectStatus(l *layout.Layout, s tracksync.Synchronizer) ([]runStatus, error) {
	registered, err := l.ListRegistered()
	if err != nil {
		return nil, err
	}
	offline, err := l.ListOffline()
	if err != nil {
		return nil, err
	}

	var rows []runStatus
	add := func(id, dir string, off bool) error {
		st, err := s.Status(dir)
		if err != nil {
			return fmt.Errorf("failed to read status of %s: %w", id, err)
		}
		rows = append(rows, runStatus{ID: id, Offline: off, Status: st})
		return nil
	}
	for _, id := range registered {
		if err := add(id, l.RunDir(id), false); err != nil {
			return nil, err
		}
	}
	for _, id := range offline {
		if err := add(id, l.OfflineRunDir(id), true); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func renderStatus(out io.Writer, rows []runStatus) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "KIND", "LAST", "ACKED", "PENDING", "STATE")

	for _, r := range rows {
		kind := "registered"
		if r.Offline {
			kind = "offline"
		}
		acked := "-"
		if r.HasWatermark {
			acked = strconv.FormatInt(r.Acknowledged, 10)
		}
		state := ui.RenderPass("synchronized")
		if !r.Synchronized {
			state = ui.RenderWarn("pending")
		}
		t.Row(r.ID, kind, strconv.FormatInt(r.LastVersion, 10), acked, strconv.Itoa(r.Pending), state)
	}
	fmt.Fprintln(out, t.Render())
}
