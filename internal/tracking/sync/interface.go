// Package sync replays a run's unacknowledged operations to the backend
// and decides, from local state alone, which runs are fully synchronized.
package sync

import (
	"context"
	"time"
)

// Target identifies one run to synchronize.
type Target struct {
	// Dir is the run directory holding the queue and the watermark.
	Dir string

	// RunID is the server identity operations are dispatched to.
	RunID string

	// Name is the qualified name used in messages. Defaults to RunID.
	Name string
}

func (t Target) displayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.RunID
}

// Synchronizer drives runs from "has unacknowledged operations" to "fully
// synchronized".
//
// A Synchronizer is safe for concurrent use on different runs. Two passes
// over the same run must never overlap.
type Synchronizer interface {
	// Synchronize dispatches every operation above the run's watermark in
	// version order, one batch at a time, and advances the watermark after
	// each confirmed batch.
	//
	// On any failure the pass stops; the watermark reflects exactly the
	// batches the backend confirmed, so calling Synchronize again resumes
	// where this pass left off.
	Synchronize(ctx context.Context, t Target) error

	// IsSynchronized reports whether every operation in the run directory
	// was acknowledged. It reads local state only.
	IsSynchronized(dir string) (bool, error)

	// Status describes the run directory's queue and watermark. It reads
	// local state only.
	Status(dir string) (Status, error)
}

// Status is the local synchronization state of a run.
type Status struct {
	// LastVersion is the version of the last queued operation, 0 when the
	// queue is empty.
	LastVersion int64

	// Acknowledged is the watermark; HasWatermark is false when none was
	// ever written.
	Acknowledged int64
	HasWatermark bool

	// Pending is the number of queued operations above the watermark.
	Pending int

	Synchronized bool
}

// Observer receives progress events. Implementations must be safe for
// concurrent use when runs are synchronized in parallel.
type Observer interface {
	// BatchDispatched is called after a batch was confirmed and the
	// watermark advanced to last.
	BatchDispatched(t Target, first, last int64, count int, elapsed time.Duration)

	// RunSynchronized is called when a pass finds nothing left to send.
	RunSynchronized(t Target, acknowledged int64)

	// RunFailed is called when a pass stops on an error.
	RunFailed(t Target, err error)
}

type nopObserver struct{}

func (nopObserver) BatchDispatched(Target, int64, int64, int, time.Duration) {}
func (nopObserver) RunSynchronized(Target, int64)                            {}
func (nopObserver) RunFailed(Target, error)                                  {}
