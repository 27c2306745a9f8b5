package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/runtrack/runtrack/internal/tracking/loadtest"
	"github.com/runtrack/runtrack/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure synchronization throughput against a local backend",
	Long: `Create a scratch tracking folder with many recorded runs, synchronize them
against a local SQLite backend and report throughput and batch latency.

Examples:
  # 16 runs of 5000 operations each
  rt loadtest

  # 64 runs synchronized 8 at a time, as JSON
  rt loadtest --runs 64 --workers 8 --json
`,
	RunE: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("runs", 16, "Number of runs to create")
	loadtestCmd.Flags().Int("ops", 5000, "Operations recorded per run")
	loadtestCmd.Flags().Int("workers", 4, "Runs synchronized in parallel")
	loadtestCmd.Flags().Int("batch-size", 1000, "Maximum operations per batch")
	loadtestCmd.Flags().Bool("keep", false, "Keep the scratch folder")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	runs, _ := cmd.Flags().GetInt("runs")
	ops, _ := cmd.Flags().GetInt("ops")
	workers, _ := cmd.Flags().GetInt("workers")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	keep, _ := cmd.Flags().GetBool("keep")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}
	if batchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive")
	}

	dir, err := os.MkdirTemp("", "rt-loadtest-")
	if err != nil {
		return fmt.Errorf("failed to create scratch folder: %w", err)
	}
	if keep {
		fmt.Fprintf(cmd.ErrOrStderr(), "Scratch folder: %s\n", dir)
	} else {
		defer os.RemoveAll(dir)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(cmd.ErrOrStderr(), "Recording %d runs of %d operations...\n", runs, ops)
	fixture, err := loadtest.CreateFixture(dir, runs, ops)
	if err != nil {
		return err
	}
	defer fixture.Close()

	result, err := fixture.Synchronize(ctx, workers, batchSize, nil)
	if err != nil {
		return err
	}
	if err := fixture.Verify(ctx); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"runs":           result.Runs,
			"operations":     result.Operations,
			"failed":         result.Failed,
			"elapsed_ms":     result.Elapsed.Milliseconds(),
			"ops_per_second": result.Throughput(),
			"batches":        result.Latency.TotalBatches,
			"p50_ms":         float64(result.Latency.P50.Microseconds()) / 1000,
			"p95_ms":         float64(result.Latency.P95.Microseconds()) / 1000,
			"p99_ms":         float64(result.Latency.P99.Microseconds()) / 1000,
		})
	}

	loadtest.PrintResult(out, result)
	fmt.Fprintf(out, "\n%s every operation was applied exactly once\n", ui.RenderPass("✓"))
	return nil
}
