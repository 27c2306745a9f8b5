// Package loadtest measures synchronization throughput against the local
// SQLite backend.
//
// A fixture holds N registered runs of M operations each. Synchronizing the
// fixture exercises the whole pipeline: queue reads, payload decoding,
// batched dispatch and watermark writes, with several runs in flight.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/runtrack/runtrack/internal/tracking/backend/local"
	"github.com/runtrack/runtrack/internal/tracking/layout"
	"github.com/runtrack/runtrack/internal/tracking/operation"
	"github.com/runtrack/runtrack/internal/tracking/queue"
	"github.com/runtrack/runtrack/internal/tracking/recorder"
	tracksync "github.com/runtrack/runtrack/internal/tracking/sync"
)

// ProjectName is the project fixture runs are created in.
const ProjectName = "loadtest/runs"

// Fixture is a populated tracking directory and its local backend.
type Fixture struct {
	Layout    *layout.Layout
	Store     *local.Store
	RunIDs    []string
	OpsPerRun int
}

// LatencyStats captures per-batch dispatch latencies.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalBatches int
	Durations    []time.Duration
}

// Result summarizes one synchronization of a fixture.
type Result struct {
	Runs       int
	Operations int
	Failed     int
	Elapsed    time.Duration
	Latency    *LatencyStats
}

// Throughput returns operations synchronized per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Operations) / r.Elapsed.Seconds()
}

// CreateFixture creates numRuns runs of opsPerRun operations under dir,
// registered with a local backend stored in dir.
func CreateFixture(dir string, numRuns, opsPerRun int) (*Fixture, error) {
	if numRuns <= 0 || opsPerRun <= 0 {
		return nil, fmt.Errorf("runs and operations per run must be positive")
	}

	store, err := local.Open(filepath.Join(dir, "backend.db"), local.Options{AutoCreateProjects: true})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	project, err := store.GetProject(ctx, ProjectName)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	f := &Fixture{
		Layout:    layout.New(filepath.Join(dir, layout.DirName)),
		Store:     store,
		RunIDs:    make([]string, 0, numRuns),
		OpsPerRun: opsPerRun,
	}

	for i := 0; i < numRuns; i++ {
		run, err := store.CreateRun(ctx, project.ID)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create run %d: %w", i, err)
		}
		if err := writeRun(f.Layout, run.ID, i, opsPerRun); err != nil {
			_ = store.Close()
			return nil, err
		}
		f.RunIDs = append(f.RunIDs, run.ID)
	}
	return f, nil
}

// writeRun records a training-like sequence: a few parameters, then one
// metric point per step.
func writeRun(l *layout.Layout, id string, seed, n int) error {
	r, err := recorder.Open(l, id, false, recorder.Options{Queue: queue.Options{NoSync: true}})
	if err != nil {
		return err
	}
	defer r.Close()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		var op operation.Op
		switch {
		case i == 0:
			op = operation.AssignString{Path: "sys/name", Value: fmt.Sprintf("loadtest-%d", seed)}
		case i == 1:
			op = operation.AssignInt{Path: "params/seed", Value: int64(seed)}
		case i%10 == 0:
			op = operation.AddStrings{Path: "sys/tags", Values: []string{fmt.Sprintf("epoch-%d", i/10)}}
		default:
			step := float64(i)
			op = operation.LogFloats{Path: "metrics/loss", Points: []operation.FloatPoint{{
				Value:     1 / (1 + step),
				Step:      &step,
				Timestamp: start.Add(time.Duration(i) * time.Second),
			}}}
		}
		if err := r.Record(op); err != nil {
			return fmt.Errorf("failed to record operation %d of run %s: %w", i, id, err)
		}
	}
	return nil
}

// Close closes the fixture's backend.
func (f *Fixture) Close() error {
	if f.Store != nil {
		return f.Store.Close()
	}
	return nil
}

// latencyObserver records the dispatch time of every batch.
type latencyObserver struct {
	mu        sync.Mutex
	durations []time.Duration
	ops       int
}

func (o *latencyObserver) BatchDispatched(_ tracksync.Target, _, _ int64, count int, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.durations = append(o.durations, elapsed)
	o.ops += count
}

func (o *latencyObserver) RunSynchronized(tracksync.Target, int64) {}
func (o *latencyObserver) RunFailed(tracksync.Target, error)       {}

// Synchronize synchronizes every run of the fixture with workers runs in
// flight and batches of batchSize operations.
func (f *Fixture) Synchronize(ctx context.Context, workers, batchSize int, logger *log.Logger) (*Result, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	obs := &latencyObserver{}
	s := tracksync.New(f.Store, tracksync.Config{
		BatchSize: batchSize,
		Logger:    logger,
		Observer:  obs,
	})
	coord := tracksync.NewCoordinator(f.Layout, f.Store, s, logger)
	coord.Workers = workers

	start := time.Now()
	report, err := coord.SyncAll(ctx, "")
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	return &Result{
		Runs:       len(report.Synchronized),
		Operations: obs.ops,
		Failed:     len(report.Failed),
		Elapsed:    elapsed,
		Latency:    computeLatencyStats(obs.durations),
	}, nil
}

// Verify checks that every run is synchronized locally and that the backend
// applied every operation exactly once.
func (f *Fixture) Verify(ctx context.Context) error {
	s := tracksync.New(f.Store, tracksync.Config{Logger: log.New(io.Discard, "", 0)})
	for _, id := range f.RunIDs {
		synced, err := s.IsSynchronized(f.Layout.RunDir(id))
		if err != nil {
			return err
		}
		if !synced {
			return fmt.Errorf("run %s is not synchronized", id)
		}
		count, err := f.Store.OperationCount(ctx, id)
		if err != nil {
			return err
		}
		if count != f.OpsPerRun {
			return fmt.Errorf("run %s has %d operations on the backend, want %d", id, count, f.OpsPerRun)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalBatches: len(durations),
		Durations:    sorted,
	}
}

// PrintResult formats and prints a result.
func PrintResult(w io.Writer, r *Result) {
	fmt.Fprintf(w, "Synchronization:\n")
	fmt.Fprintf(w, "  Runs:          %d (%d failed)\n", r.Runs, r.Failed)
	fmt.Fprintf(w, "  Operations:    %d\n", r.Operations)
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed)
	fmt.Fprintf(w, "  Throughput:    %.0f ops/s\n", r.Throughput())
	fmt.Fprintf(w, "Batch latency:\n")
	fmt.Fprintf(w, "  Batches:       %d\n", r.Latency.TotalBatches)
	fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)
}
