// Package backend defines the remote tracking service as seen by the
// synchronizer and the offline registrar, plus an HTTP implementation.
//
// A Backend is always passed explicitly to the components that use it;
// there is no package-level default.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/runtrack/runtrack/internal/tracking/operation"
)

// ErrNotFound is returned when a project or run does not exist.
var ErrNotFound = errors.New("not found")

// Backend is the remote tracking service.
type Backend interface {
	// GetProject resolves a "workspace/project" name.
	GetProject(ctx context.Context, name string) (*Project, error)

	// CreateRun allocates a new run in the project. Callers must not retry
	// it on ambiguous failures: a retry may create a duplicate run.
	CreateRun(ctx context.Context, projectID string) (*Run, error)

	// LookupRun resolves a run UUID or qualified name.
	LookupRun(ctx context.Context, ref string) (*Run, error)

	// ExecuteOperations applies ops to the run, in order, all or nothing.
	ExecuteOperations(ctx context.Context, runID string, ops []operation.Op) error
}

// Project is a project known to the backend.
type Project struct {
	ID        string `json:"id"`
	Workspace string `json:"workspace"`
	Name      string `json:"name"`
}

// QualifiedName returns "workspace/project".
func (p *Project) QualifiedName() string {
	return p.Workspace + "/" + p.Name
}

// Run is a registered run.
type Run struct {
	ID           string `json:"id"`
	ShortID      string `json:"short_id"`
	Organization string `json:"organization"`
	Project      string `json:"project"`
}

// QualifiedName returns "organization/project/short-id", the name operators
// use to refer to a run.
func (r *Run) QualifiedName() string {
	return fmt.Sprintf("%s/%s/%s", r.Organization, r.Project, r.ShortID)
}

// StatusError is an error response from the backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded with status code %d", e.Code)
	}
	return fmt.Sprintf("server responded with status code %d: %s", e.Code, e.Message)
}

// Skippable reports whether the error means the caller has no business with
// the resource (unauthorized, forbidden or missing) rather than a failure
// worth retrying.
func (e *StatusError) Skippable() bool {
	return e.Code == 401 || e.Code == 403 || e.Code == 404
}

// ServiceError is a transient failure: the network, a timeout or a 5xx.
// Retrying later is safe for idempotent calls.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: service unavailable: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsSkippable reports whether err says a run should be skipped rather than
// retried: a not-found, unauthorized or forbidden response.
func IsSkippable(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Skippable()
}

// IsTransient reports whether err is a transient service failure.
func IsTransient(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}
