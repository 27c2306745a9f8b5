// Package registrar gives server identities to runs recorded fully offline.
//
// Registering an offline run allocates a run on the backend and then moves
// the run directory from the offline namespace to the registered one with a
// single rename. The run's queue and watermark travel with the directory
// untouched.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/runtrack/runtrack/internal/tracking/backend"
	"github.com/runtrack/runtrack/internal/tracking/layout"
)

// PartialRegistrationError reports a run that was created on the backend
// but could not be moved on disk. The server run exists and the data is
// still in the offline namespace; moving it requires manual intervention.
type PartialRegistrationError struct {
	OfflineID string
	ServerID  string
	Name      string
	Err       error
}

func (e *PartialRegistrationError) Error() string {
	return fmt.Sprintf("offline run %s was registered as %s (%s) but could not be moved: %v; "+
		"move %s to %s manually", e.OfflineID, e.Name, e.ServerID, e.Err, e.OfflineID, e.ServerID)
}

func (e *PartialRegistrationError) Unwrap() error {
	return e.Err
}

// Result is one successfully registered offline run.
type Result struct {
	OfflineID string
	Run       *backend.Run
}

// Registrar registers the offline runs of one tracking directory.
type Registrar struct {
	backend backend.Backend
	layout  *layout.Layout
	logger  *log.Logger
}

// New returns a Registrar. If logger is nil, a default logger writing to
// stderr is used.
func New(b backend.Backend, l *layout.Layout, logger *log.Logger) *Registrar {
	if logger == nil {
		logger = log.New(os.Stderr, "[registrar] ", log.LstdFlags)
	}
	return &Registrar{
		backend: b,
		layout:  l,
		logger:  logger,
	}
}

// RegisterOfflineRuns registers each offline run in ids with project.
//
// CreateRun is called exactly once per run and never retried: on failure
// the run stays offline and is reported. Failures of individual runs do not
// stop the others; they are returned joined, next to the runs that made it.
func (r *Registrar) RegisterOfflineRuns(ctx context.Context, project *backend.Project, ids []string) ([]Result, error) {
	if project == nil {
		return nil, fmt.Errorf("no project to register offline runs with")
	}

	var (
		results []Result
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		res, err := r.register(ctx, project, id)
		if err != nil {
			r.logger.Printf("Warning: failed to register offline run %s: %v", id, err)
			errs = append(errs, err)
			continue
		}
		r.logger.Printf("Offline run %s registered as %s", id, res.Run.QualifiedName())
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (r *Registrar) register(ctx context.Context, project *backend.Project, id string) (Result, error) {
	if !r.layout.ReferencesOffline(id) {
		return Result{}, fmt.Errorf("offline run %s: no such run directory", id)
	}

	run, err := r.backend.CreateRun(ctx, project.ID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create run for offline run %s in %s: %w",
			id, project.QualifiedName(), err)
	}

	if err := r.move(id, run.ID); err != nil {
		return Result{}, &PartialRegistrationError{
			OfflineID: id,
			ServerID:  run.ID,
			Name:      run.QualifiedName(),
			Err:       err,
		}
	}
	return Result{OfflineID: id, Run: run}, nil
}

// move relocates the run directory with a single rename. An existing
// destination is never overwritten.
func (r *Registrar) move(offlineID, serverID string) error {
	src := r.layout.OfflineRunDir(offlineID)
	dst := r.layout.RunDir(serverID)

	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("destination %s already exists", dst)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check destination %s: %w", dst, err)
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename %s: %w", src, err)
	}

	if d, err := os.Open(r.layout.Root()); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
