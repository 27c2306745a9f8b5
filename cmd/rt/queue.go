package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runtrack/runtrack/internal/tracking/export"
	"github.com/runtrack/runtrack/internal/tracking/layout"
	"github.com/runtrack/runtrack/internal/tracking/offset"
	"github.com/runtrack/runtrack/internal/tracking/queue"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "advanced",
	Short:   "Inspect, export and import run operation queues",
}

var queueDumpCmd = &cobra.Command{
	Use:   "dump <run-id>",
	Short: "Print the decoded operations of a run",
	Long: `Print every queued operation of a run, marking the ones the backend has
already acknowledged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		dir, err := w.runDir(args[0])
		if err != nil {
			return err
		}
		q, err := queue.Open(dir, queue.DefaultPrefix, queue.Options{})
		if err != nil {
			return err
		}
		defer q.Close()

		acked, _, err := offset.New(dir, w.logger).Read()
		if err != nil {
			return err
		}
		entries, err := export.Collect(cmd.Context(), q, acked)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		return export.Dump(cmd.OutOrStdout(), entries, format)
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Write a run's operations to a JSONL file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		dir, err := w.runDir(args[0])
		if err != nil {
			return err
		}
		q, err := queue.Open(dir, queue.DefaultPrefix, queue.Options{})
		if err != nil {
			return err
		}
		defer q.Close()

		path, _ := cmd.Flags().GetString("output")
		compress, _ := cmd.Flags().GetBool("zstd")
		out := cmd.OutOrStdout()
		if path != "" && path != "-" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", path, err)
			}
			defer f.Close()
			out = f
		}

		n, err := export.Export(cmd.Context(), q, out, export.Options{Compress: compress})
		if err != nil {
			return err
		}
		if f, ok := out.(*os.File); ok && f != os.Stdout {
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to close %s: %w", path, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d operations to %s\n", n, path)
		}
		return nil
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load an exported JSONL file into a new run queue",
	Long: `Load an export into the queue of the run given by --run. The run's queue
must be empty. Pass --offline to import into the offline namespace, so the run
is registered with a project on the next synchronization.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace(cmd)
		if err != nil {
			return err
		}
		id, _ := cmd.Flags().GetString("run")
		if !layout.IsValidUUID(id) {
			return fmt.Errorf("--run must be a run id, got %q", id)
		}
		dir := w.layout.RunDir(id)
		if offline, _ := cmd.Flags().GetBool("offline"); offline {
			dir = w.layout.OfflineRunDir(id)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create run directory: %w", err)
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		q, err := queue.Open(dir, queue.DefaultPrefix, queue.Options{})
		if err != nil {
			return err
		}
		defer q.Close()

		n, err := export.Import(cmd.Context(), f, q)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d operations into %s\n", n, dir)
		return nil
	},
}

func init() {
	queueDumpCmd.Flags().StringP("format", "f", "yaml", "Output format: yaml or json")

	queueExportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	queueExportCmd.Flags().Bool("zstd", false, "Compress the export with zstd")

	queueImportCmd.Flags().StringP("run", "r", "", "Id of the run to import into")
	queueImportCmd.Flags().Bool("offline", false, "Import into the offline namespace")
	_ = queueImportCmd.MarkFlagRequired("run")

	queueCmd.AddCommand(queueDumpCmd, queueExportCmd, queueImportCmd)
	rootCmd.AddCommand(queueCmd)
}
