// Package local provides a Backend stored in an embedded SQLite database.
//
// It stands in for the hosted tracking service during local development and
// load tests: projects, runs and applied operations live in a single file,
// opened in WAL mode so several synchronizers can write concurrently.
//
// Tables:
//   - projects: workspace/name pairs
//   - runs: one row per created run, with a per-project short id
//   - operations: every applied operation in order, per run
//   - attributes: the latest operation per attribute path, per run
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/runtrack/runtrack/internal/tracking/backend"
	"github.com/runtrack/runtrack/internal/tracking/operation"
)

// Options configures a Store.
type Options struct {
	// AutoCreateProjects makes GetProject create unknown projects instead
	// of failing with backend.ErrNotFound.
	AutoCreateProjects bool
}

// Store is a Backend backed by SQLite.
type Store struct {
	conn *sql.DB
	path string
	opts Options
}

var _ backend.Backend = (*Store)(nil)

// Open opens or creates the database at path and initializes its schema.
//
// The caller must call Close when done.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, opts: opts}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		workspace TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (workspace, name)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		short_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (project_id, seq),
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS operations (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		body TEXT NOT NULL,  -- JSON envelope body
		applied_at TEXT NOT NULL,
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS attributes (
		run_id TEXT NOT NULL,
		path TEXT NOT NULL,
		kind TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (run_id, path),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_short ON runs(short_id);
	CREATE INDEX IF NOT EXISTS idx_operations_kind ON operations(kind);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// GetProject implements backend.Backend.
func (s *Store) GetProject(ctx context.Context, name string) (*backend.Project, error) {
	workspace, projectName, ok := strings.Cut(name, "/")
	if !ok || workspace == "" || projectName == "" || strings.Contains(projectName, "/") {
		return nil, fmt.Errorf("invalid project name %q, expected workspace/project", name)
	}

	p := backend.Project{Workspace: workspace, Name: projectName}
	err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM projects WHERE workspace = ? AND name = ?`,
		workspace, projectName,
	).Scan(&p.ID)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query project %s: %w", name, err)
	}
	if !s.opts.AutoCreateProjects {
		return nil, fmt.Errorf("project %s: %w", name, backend.ErrNotFound)
	}
	return s.CreateProject(ctx, workspace, projectName)
}

// CreateProject adds a project, or returns the existing one of that name.
func (s *Store) CreateProject(ctx context.Context, workspace, name string) (*backend.Project, error) {
	p := backend.Project{ID: uuid.NewString(), Workspace: workspace, Name: name}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO projects (id, workspace, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(workspace, name) DO NOTHING`,
		p.ID, workspace, name, now(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create project %s/%s: %w", workspace, name, err)
	}

	if err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM projects WHERE workspace = ? AND name = ?`, workspace, name,
	).Scan(&p.ID); err != nil {
		return nil, fmt.Errorf("failed to read project %s/%s: %w", workspace, name, err)
	}
	return &p, nil
}

// CreateRun implements backend.Backend.
func (s *Store) CreateRun(ctx context.Context, projectID string) (*backend.Run, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	run := backend.Run{ID: uuid.NewString()}
	err = tx.QueryRowContext(ctx,
		`SELECT workspace, name FROM projects WHERE id = ?`, projectID,
	).Scan(&run.Organization, &run.Project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", projectID, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project %s: %w", projectID, err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM runs WHERE project_id = ?`, projectID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to allocate run number: %w", err)
	}
	run.ShortID = fmt.Sprintf("%s-%d", shortPrefix(run.Project), seq)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, seq, short_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, projectID, seq, run.ShortID, now(),
	); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &run, nil
}

// shortPrefix derives the short-id prefix of a project: its first three
// letters, upper-cased.
func shortPrefix(project string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(project) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
			if b.Len() == 3 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "RUN"
	}
	return b.String()
}

// LookupRun implements backend.Backend. ref is a run id or a qualified
// name.
func (s *Store) LookupRun(ctx context.Context, ref string) (*backend.Run, error) {
	query := `
	SELECT r.id, r.short_id, p.workspace, p.name
	FROM runs r JOIN projects p ON p.id = r.project_id
	`
	var args []any
	if parts := strings.Split(ref, "/"); len(parts) == 3 {
		query += `WHERE p.workspace = ? AND p.name = ? AND r.short_id = ?`
		args = append(args, parts[0], parts[1], parts[2])
	} else {
		query += `WHERE r.id = ?`
		args = append(args, ref)
	}

	var run backend.Run
	err := s.conn.QueryRowContext(ctx, query, args...).Scan(&run.ID, &run.ShortID, &run.Organization, &run.Project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w: %w", ref, backend.ErrNotFound, &backend.StatusError{Code: 404})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", ref, err)
	}
	return &run, nil
}

// ExecuteOperations implements backend.Backend. The whole batch is applied
// in one transaction.
func (s *Store) ExecuteOperations(ctx context.Context, runID string, ops []operation.Op) error {
	envs, err := operation.ToEnvelopes(ops)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM operations WHERE run_id = ?`, runID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read operation sequence: %w", err)
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	if exists == 0 {
		return fmt.Errorf("run %s: %w: %w", runID, backend.ErrNotFound, &backend.StatusError{Code: 404})
	}

	ts := now()
	for i, env := range envs {
		seq++
		path := ops[i].Attribute()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO operations (run_id, seq, kind, path, body, applied_at) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, seq, string(env.Kind), path, string(env.Body), ts,
		); err != nil {
			return fmt.Errorf("failed to insert operation %s: %w", operation.Describe(ops[i]), err)
		}

		if env.Kind == operation.KindDeleteAttribute {
			_, err = tx.ExecContext(ctx, `DELETE FROM attributes WHERE run_id = ? AND path = ?`, runID, path)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO attributes (run_id, path, kind, body, updated_at) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(run_id, path) DO UPDATE SET
					kind = excluded.kind,
					body = excluded.body,
					updated_at = excluded.updated_at`,
				runID, path, string(env.Kind), string(env.Body), ts,
			)
		}
		if err != nil {
			return fmt.Errorf("failed to apply operation %s: %w", operation.Describe(ops[i]), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// OperationCount returns how many operations were applied to a run.
func (s *Store) OperationCount(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations WHERE run_id = ?`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return count, nil
}

// RunCount returns the number of runs across all projects.
func (s *Store) RunCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// Attribute returns the latest operation applied to path in a run, or
// backend.ErrNotFound.
func (s *Store) Attribute(ctx context.Context, runID, path string) (operation.Op, error) {
	var env operation.Envelope
	var kind, body string
	err := s.conn.QueryRowContext(ctx,
		`SELECT kind, body FROM attributes WHERE run_id = ? AND path = ?`, runID, path,
	).Scan(&kind, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attribute %s: %w", path, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query attribute %s: %w", path, err)
	}

	env.Kind = operation.Kind(kind)
	env.Body = []byte(body)
	return operation.FromEnvelope(env)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
