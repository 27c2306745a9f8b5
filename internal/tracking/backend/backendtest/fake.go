// Package backendtest provides an in-memory Backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/runtrack/runtrack/internal/tracking/backend"
	"github.com/runtrack/runtrack/internal/tracking/operation"
)

// Call is one ExecuteOperations call received by a Fake.
type Call struct {
	RunID string
	Ops   []operation.Op
}

// Fake records calls and serves projects and runs from memory.
type Fake struct {
	mu       sync.Mutex
	projects map[string]*backend.Project // by qualified name
	runs     map[string]*backend.Run     // by id and qualified name
	shortSeq int

	// Calls are the successful ExecuteOperations calls, in order.
	Calls []Call

	// CreateCalls counts CreateRun calls, failed ones included.
	CreateCalls int

	// ExecuteErr, when set, is consulted before every ExecuteOperations call;
	// a non-nil result fails the call without recording it.
	ExecuteErr func(call int, runID string, ops []operation.Op) error

	// CreateErr, when set, fails CreateRun.
	CreateErr func(call int) error

	// LookupErr, when set, overrides LookupRun results for matching refs.
	LookupErr map[string]error

	executeCalls   int
	projectLookups int
}

// New returns a Fake with one project, "acme/vision".
func New() *Fake {
	f := &Fake{
		projects: make(map[string]*backend.Project),
		runs:     make(map[string]*backend.Run),
	}
	f.AddProject("acme", "vision")
	return f
}

// AddProject registers a project and returns it.
func (f *Fake) AddProject(workspace, name string) *backend.Project {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := &backend.Project{ID: uuid.NewString(), Workspace: workspace, Name: name}
	f.projects[p.QualifiedName()] = p
	return p
}

// AddRun registers a run with a known id in the project and returns it.
func (f *Fake) AddRun(projectName, id string) *backend.Run {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.projects[projectName]
	if p == nil {
		panic("backendtest: unknown project " + projectName)
	}
	return f.addRunLocked(p, id)
}

func (f *Fake) addRunLocked(p *backend.Project, id string) *backend.Run {
	f.shortSeq++
	r := &backend.Run{
		ID:           id,
		ShortID:      fmt.Sprintf("RUN-%d", f.shortSeq),
		Organization: p.Workspace,
		Project:      p.Name,
	}
	f.runs[r.ID] = r
	f.runs[r.QualifiedName()] = r
	return r
}

// Executed returns the calls made so far.
func (f *Fake) Executed() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.Calls...)
}

// ProjectLookups returns how many times GetProject was called.
func (f *Fake) ProjectLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.projectLookups
}

// GetProject implements backend.Backend.
func (f *Fake) GetProject(ctx context.Context, name string) (*backend.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.projectLookups++
	p, ok := f.projects[name]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", name, backend.ErrNotFound)
	}
	return p, nil
}

// CreateRun implements backend.Backend.
func (f *Fake) CreateRun(ctx context.Context, projectID string) (*backend.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	if f.CreateErr != nil {
		if err := f.CreateErr(f.CreateCalls); err != nil {
			return nil, err
		}
	}
	for _, p := range f.projects {
		if p.ID == projectID {
			return f.addRunLocked(p, uuid.NewString()), nil
		}
	}
	return nil, fmt.Errorf("project %s: %w", projectID, backend.ErrNotFound)
}

// LookupRun implements backend.Backend.
func (f *Fake) LookupRun(ctx context.Context, ref string) (*backend.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.LookupErr[ref]; ok {
		return nil, err
	}
	r, ok := f.runs[ref]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", ref, &backend.StatusError{Code: 404})
	}
	return r, nil
}

// ExecuteOperations implements backend.Backend.
func (f *Fake) ExecuteOperations(ctx context.Context, runID string, ops []operation.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.executeCalls++
	if f.ExecuteErr != nil {
		if err := f.ExecuteErr(f.executeCalls, runID, ops); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Calls = append(f.Calls, Call{RunID: runID, Ops: append([]operation.Op(nil), ops...)})
	return nil
}
