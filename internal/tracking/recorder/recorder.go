// Package recorder is the producer side of a run: it appends typed
// operations to the run's queue with increasing versions.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/runtrack/runtrack/internal/tracking/layout"
	"github.com/runtrack/runtrack/internal/tracking/operation"
	"github.com/runtrack/runtrack/internal/tracking/queue"
	"github.com/runtrack/runtrack/internal/vcs"
)

// Options configures a Recorder.
type Options struct {
	// Queue configures the run's operation queue.
	Queue queue.Options
}

// Recorder appends operations to one run directory. It is safe for
// concurrent use; operations are versioned in the order Record is called.
type Recorder struct {
	id      string
	dir     string
	offline bool
	queue   *queue.Queue

	mu      sync.Mutex
	version int64
}

// Start creates a new offline run with a fresh UUID.
func Start(l *layout.Layout, opts Options) (*Recorder, error) {
	return Open(l, uuid.NewString(), true, opts)
}

// Open returns a recorder for the run id, creating its directory when
// needed. Recording resumes after the last version already in the queue.
func Open(l *layout.Layout, id string, offline bool, opts Options) (*Recorder, error) {
	if !layout.IsValidUUID(id) {
		return nil, fmt.Errorf("invalid run id %q", id)
	}

	dir := l.RunDir(id)
	if offline {
		dir = l.OfflineRunDir(id)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	q, err := queue.Open(dir, queue.DefaultPrefix, opts.Queue)
	if err != nil {
		return nil, err
	}
	last, ok, err := q.Last()
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", id, err)
	}

	r := &Recorder{
		id:      id,
		dir:     dir,
		offline: offline,
		queue:   q,
	}
	if ok {
		r.version = last.Version
	}
	return r, nil
}

// ID returns the run id.
func (r *Recorder) ID() string {
	return r.id
}

// Dir returns the run directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// Offline reports whether the run lives in the offline namespace.
func (r *Recorder) Offline() bool {
	return r.offline
}

// Version returns the version of the last recorded operation.
func (r *Recorder) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Record validates and appends ops in order. Each op gets the next version.
// On error, the ops before the failing one stay recorded.
func (r *Recorder) Record(ops ...operation.Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, op := range ops {
		payload, err := operation.Encode(op)
		if err != nil {
			return err
		}
		rec := queue.Record{Version: r.version + 1, Payload: payload}
		if err := r.queue.Enqueue(rec); err != nil {
			return fmt.Errorf("failed to record %s: %w", operation.Describe(op), err)
		}
		r.version = rec.Version
	}
	return nil
}

// RecordGitInfo records the git state of the work tree containing path
// under vcs.AttributePrefix. It reports false, without error, when path is
// not in a git repository or the repository has no commits.
func (r *Recorder) RecordGitInfo(ctx context.Context, path string) (bool, error) {
	info, err := vcs.DetectGit(ctx, path)
	if errors.Is(err, vcs.ErrNotInVCS) || errors.Is(err, vcs.ErrNoCommits) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read git state: %w", err)
	}
	if err := r.Record(info.Operations()...); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the run's queue.
func (r *Recorder) Close() error {
	return r.queue.Close()
}
