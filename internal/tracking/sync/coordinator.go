package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"

	"github.com/runtrack/runtrack/internal/tracking/backend"
	"github.com/runtrack/runtrack/internal/tracking/layout"
	"github.com/runtrack/runtrack/internal/tracking/registrar"
)

// Coordinator selects the runs of a tracking directory, registers offline
// runs and synchronizes registered ones.
//
// Problems with a single run are logged as warnings and recorded in the
// Report; they never stop the other runs.
type Coordinator struct {
	layout    *layout.Layout
	backend   backend.Backend
	sync      Synchronizer
	registrar *registrar.Registrar
	logger    *log.Logger

	// Workers is the number of runs synchronized in parallel (default 1).
	Workers int
}

// NewCoordinator returns a Coordinator for the tracking directory l.
func NewCoordinator(l *layout.Layout, b backend.Backend, s Synchronizer, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Coordinator{
		layout:    l,
		backend:   b,
		sync:      s,
		registrar: registrar.New(b, l, logger),
		logger:    logger,
		Workers:   1,
	}
}

// Listing partitions the runs of a tracking directory.
type Listing struct {
	Synchronized   []*backend.Run
	Unsynchronized []*backend.Run
	Offline        []string
}

// Empty reports whether the listing holds no runs at all.
func (l *Listing) Empty() bool {
	return len(l.Synchronized) == 0 && len(l.Unsynchronized) == 0 && len(l.Offline) == 0
}

// RunFailure is a run whose synchronization failed.
type RunFailure struct {
	Name string
	Err  error
}

// Report summarizes a SyncAll or SyncSelected call.
type Report struct {
	Registered   []registrar.Result
	Synchronized []string
	Failed       []RunFailure
	Skipped      []string
}

// Err returns the failures of the report joined, or nil.
func (r *Report) Err() error {
	var errs []error
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.Name, f.Err))
	}
	return errors.Join(errs...)
}

// List partitions registered runs by synchronization state, resolving
// their names on the backend, and lists offline runs. Synchronization state
// is computed locally; the backend is only asked for names.
func (c *Coordinator) List(ctx context.Context) (*Listing, error) {
	ids, err := c.layout.ListRegistered()
	if err != nil {
		return nil, err
	}

	var listing Listing
	for _, id := range ids {
		synced, err := c.sync.IsSynchronized(c.layout.RunDir(id))
		if err != nil {
			c.logger.Printf("Warning: skipping run %s: %v", id, err)
			continue
		}
		run := c.lookup(ctx, id)
		if run == nil {
			continue
		}
		if synced {
			listing.Synchronized = append(listing.Synchronized, run)
		} else {
			listing.Unsynchronized = append(listing.Unsynchronized, run)
		}
	}

	listing.Offline, err = c.layout.ListOffline()
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

// SyncAll registers every offline run with project (when one can be
// resolved) and synchronizes every registered run that is not yet
// synchronized.
func (c *Coordinator) SyncAll(ctx context.Context, project string) (*Report, error) {
	report := &Report{}

	offline, err := c.layout.ListOffline()
	if err != nil {
		return nil, err
	}
	if len(offline) > 0 {
		c.registerOffline(ctx, project, offline, report)
	}

	ids, err := c.layout.ListRegistered()
	if err != nil {
		return nil, err
	}

	var targets []Target
	for _, id := range ids {
		dir := c.layout.RunDir(id)
		synced, err := c.sync.IsSynchronized(dir)
		if err != nil {
			c.logger.Printf("Warning: skipping run %s: %v", id, err)
			report.Skipped = append(report.Skipped, id)
			continue
		}
		if synced {
			continue
		}
		run := c.lookup(ctx, id)
		if run == nil {
			report.Skipped = append(report.Skipped, id)
			continue
		}
		targets = append(targets, Target{Dir: dir, RunID: run.ID, Name: run.QualifiedName()})
	}

	c.run(ctx, targets, report)
	return report, nil
}

// SyncSelected synchronizes the runs named by refs. A ref naming an offline
// run (a UUID with a directory in the offline namespace) is registered with
// project first; other refs are resolved on the backend as run ids or
// qualified names.
func (c *Coordinator) SyncSelected(ctx context.Context, project string, refs []string) (*Report, error) {
	report := &Report{}

	var offline, names []string
	for _, ref := range refs {
		if c.layout.ReferencesOffline(ref) {
			offline = append(offline, ref)
		} else {
			names = append(names, ref)
		}
	}

	if len(offline) > 0 {
		for _, res := range c.registerOffline(ctx, project, offline, report) {
			names = append(names, res.Run.QualifiedName())
		}
	}

	var targets []Target
	for _, name := range names {
		run := c.lookup(ctx, name)
		if run == nil {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		dir := c.layout.RunDir(run.ID)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			c.logger.Printf("Warning: run '%s' does not exist in location %s", name, c.layout.Root())
			report.Skipped = append(report.Skipped, name)
			continue
		}
		targets = append(targets, Target{Dir: dir, RunID: run.ID, Name: run.QualifiedName()})
	}

	c.run(ctx, targets, report)
	return report, nil
}

// ResolveProject looks up the project offline runs are registered with. It
// returns nil, after warning, when no project was given or it does not
// exist.
func (c *Coordinator) ResolveProject(ctx context.Context, name string) *backend.Project {
	if name == "" {
		c.logger.Printf("Warning: project name not provided, so skipping synchronization of offline runs. " +
			"Specify the project with the --project flag or the RUNTRACK_PROJECT environment variable.")
		return nil
	}

	p, err := c.backend.GetProject(ctx, name)
	if errors.Is(err, backend.ErrNotFound) {
		c.logger.Printf("Warning: project %s not found, so skipping synchronization of offline runs. "+
			"Check the --project flag or the RUNTRACK_PROJECT environment variable.", name)
		return nil
	}
	if err != nil {
		c.logger.Printf("Warning: failed to get project %s, so skipping synchronization of offline runs: %v", name, err)
		return nil
	}
	return p
}

// Register registers the offline runs ids with project without
// synchronizing them.
func (c *Coordinator) Register(ctx context.Context, project string, ids []string) *Report {
	report := &Report{}
	c.registerOffline(ctx, project, ids, report)
	return report
}

func (c *Coordinator) registerOffline(ctx context.Context, project string, ids []string, report *Report) []registrar.Result {
	p := c.ResolveProject(ctx, project)
	if p == nil {
		report.Skipped = append(report.Skipped, ids...)
		return nil
	}

	results, err := c.registrar.RegisterOfflineRuns(ctx, p, ids)
	report.Registered = append(report.Registered, results...)
	if err != nil {
		registered := make(map[string]bool, len(results))
		for _, res := range results {
			registered[res.OfflineID] = true
		}
		for _, id := range ids {
			if !registered[id] {
				report.Skipped = append(report.Skipped, id)
			}
		}
	}
	return results
}

// lookup resolves ref on the backend. Runs the caller may not see are
// skipped; other errors are reported as worth retrying later.
func (c *Coordinator) lookup(ctx context.Context, ref string) *backend.Run {
	run, err := c.backend.LookupRun(ctx, ref)
	if err == nil {
		return run
	}
	if backend.IsSkippable(err) {
		c.logger.Printf("Warning: getting run %s: %v. Skipping run.", ref, err)
	} else {
		c.logger.Printf("Warning: getting run %s: %v. Please try again later.", ref, err)
	}
	return nil
}

// run synchronizes targets with up to Workers passes in flight. Each run
// is synchronized by exactly one worker.
func (c *Coordinator) run(ctx context.Context, targets []Target, report *Report) {
	workers := c.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu  gosync.Mutex
		wg  gosync.WaitGroup
		sem = make(chan struct{}, workers)
	)
	for _, t := range targets {
		if ctx.Err() != nil {
			mu.Lock()
			report.Failed = append(report.Failed, RunFailure{Name: t.displayName(), Err: ctx.Err()})
			mu.Unlock()
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			defer func() { <-sem }()

			err := c.sync.Synchronize(ctx, t)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Printf("Warning: synchronization of %s failed: %v", t.displayName(), err)
				report.Failed = append(report.Failed, RunFailure{Name: t.displayName(), Err: err})
				return
			}
			report.Synchronized = append(report.Synchronized, t.displayName())
		}(t)
	}
	wg.Wait()
}
