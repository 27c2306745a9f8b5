// Package vcs captures the git state of the source tree a run is recorded
// from, so the run can later be traced back to the exact commit.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/runtrack/runtrack/internal/tracking/operation"
)

// AttributePrefix is the attribute namespace git state is recorded under.
const AttributePrefix = "source_code/git"

// DefaultTimeout bounds each git invocation.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNotInVCS is returned when the path is not inside a git work tree
	// or git is not installed.
	ErrNotInVCS = errors.New("not in a git repository")

	// ErrNoCommits is returned for a repository without any commit.
	ErrNoCommits = errors.New("repository has no commits")
)

// GitInfo is the state of a git work tree.
type GitInfo struct {
	RepoRoot    string
	CommitID    string
	Message     string
	AuthorName  string
	AuthorEmail string
	CommitTime  time.Time

	// Branch is empty when HEAD is detached.
	Branch string

	// Dirty is true when the work tree has uncommitted changes.
	Dirty bool

	// Remotes lists remote URLs, sorted and without duplicates.
	Remotes []string
}

// DetectGit reads the git state of the work tree containing path.
func DetectGit(ctx context.Context, path string) (*GitInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	git := func(args ...string) ([]byte, error) {
		return execContext(ctx, DefaultTimeout, abs, "git", args...)
	}

	out, err := git("rev-parse", "--show-toplevel")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrNotInVCS
	}
	info := &GitInfo{RepoRoot: normalizeRepoRoot(strings.TrimSpace(string(out)))}

	// Fields are NUL separated so subjects may hold any other character.
	out, err = git("log", "-1", "--format=%H%x00%an%x00%ae%x00%cI%x00%s")
	if err != nil {
		if _, herr := git("rev-parse", "--verify", "-q", "HEAD"); herr != nil {
			return nil, ErrNoCommits
		}
		return nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}
	fields := strings.SplitN(strings.TrimRight(string(out), "\n"), "\x00", 5)
	if len(fields) != 5 {
		return nil, fmt.Errorf("unexpected git log output: %q", out)
	}
	info.CommitID, info.AuthorName, info.AuthorEmail, info.Message = fields[0], fields[1], fields[2], fields[4]
	if info.CommitTime, err = time.Parse(time.RFC3339, fields[3]); err != nil {
		return nil, fmt.Errorf("failed to parse commit time %q: %w", fields[3], err)
	}

	// Exits non-zero on a detached HEAD.
	if out, err := git("symbolic-ref", "--short", "-q", "HEAD"); err == nil {
		info.Branch = strings.TrimSpace(string(out))
	}

	out, err = git("status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to read work tree status: %w", err)
	}
	info.Dirty = len(parseLines(out)) > 0

	out, err = git("remote", "-v")
	if err != nil {
		return nil, fmt.Errorf("failed to list remotes: %w", err)
	}
	info.Remotes = parseRemotes(out)

	return info, nil
}

// parseRemotes extracts the URLs of "git remote -v" output.
func parseRemotes(output []byte) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, line := range parseLines(output) {
		// origin	git@example.com:acme/vision.git (fetch)
		fields := strings.Fields(line)
		if len(fields) < 2 || seen[fields[1]] {
			continue
		}
		seen[fields[1]] = true
		urls = append(urls, fields[1])
	}
	sort.Strings(urls)
	return urls
}

// normalizeRepoRoot resolves symlinks so the same tree always yields the
// same root.
func normalizeRepoRoot(path string) string {
	path = filepath.FromSlash(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return path
}

// Operations returns the operations recording g on a run.
func (g *GitInfo) Operations() []operation.Op {
	attr := func(name string) string { return AttributePrefix + "/" + name }

	ops := []operation.Op{
		operation.AssignString{Path: attr("commit_id"), Value: g.CommitID},
		operation.AssignString{Path: attr("message"), Value: g.Message},
		operation.AssignString{Path: attr("author_name"), Value: g.AuthorName},
		operation.AssignString{Path: attr("author_email"), Value: g.AuthorEmail},
		operation.AssignDatetime{Path: attr("commit_date"), Value: g.CommitTime},
		operation.AssignBool{Path: attr("dirty"), Value: g.Dirty},
	}
	if g.Branch != "" {
		ops = append(ops, operation.AssignString{Path: attr("branch"), Value: g.Branch})
	}
	if len(g.Remotes) > 0 {
		ops = append(ops, operation.AddStrings{Path: attr("remotes"), Values: g.Remotes})
	}
	return ops
}

// Available reports whether a git binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}
