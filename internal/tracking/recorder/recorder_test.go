package recorder

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/runtrack/runtrack/internal/tracking/layout"
	"github.com/runtrack/runtrack/internal/tracking/operation"
	"github.com/runtrack/runtrack/internal/tracking/queue"
	"github.com/runtrack/runtrack/internal/vcs"
)

func TestStartCreatesOfflineRun(t *testing.T) {
	l := layout.New(filepath.Join(t.TempDir(), layout.DirName))

	r, err := Start(l, Options{Queue: queue.Options{NoSync: true}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Close()

	if !r.Offline() || r.Dir() != l.OfflineRunDir(r.ID()) {
		t.Errorf("run %s not in the offline namespace: %s", r.ID(), r.Dir())
	}
	ids, err := l.ListOffline()
	if err != nil || len(ids) != 1 || ids[0] != r.ID() {
		t.Errorf("ListOffline = %v, %v; want [%s]", ids, err, r.ID())
	}
}

func TestRecordAssignsIncreasingVersions(t *testing.T) {
	l := layout.New(filepath.Join(t.TempDir(), layout.DirName))
	opts := Options{Queue: queue.Options{NoSync: true}}

	r, err := Start(l, opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	err = r.Record(
		operation.AssignString{Path: "sys/name", Value: "baseline"},
		operation.AssignInt{Path: "params/epochs", Value: 3},
	)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if r.Version() != 2 {
		t.Errorf("Version = %d, want 2", r.Version())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	resumed, err := Open(l, r.ID(), true, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer resumed.Close()
	if resumed.Version() != 2 {
		t.Errorf("resumed Version = %d, want 2", resumed.Version())
	}
	if err := resumed.Record(operation.AddStrings{Path: "sys/tags", Values: []string{"gpu"}}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	q, err := queue.Open(resumed.Dir(), queue.DefaultPrefix, queue.Options{})
	if err != nil {
		t.Fatalf("queue.Open failed: %v", err)
	}
	recs, _, err := q.ReadBatch(0, 10)
	if err != nil {
		t.Fatalf("ReadBatch failed: %v", err)
	}
	if len(recs) != 3 || recs[2].Version != 3 {
		t.Fatalf("queue holds %d records, want versions 1..3", len(recs))
	}
	op, err := operation.Decode(recs[2].Payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if op.Kind() != operation.KindAddStrings {
		t.Errorf("third op = %s, want %s", op.Kind(), operation.KindAddStrings)
	}
}

func TestRecordRejectsInvalidOp(t *testing.T) {
	l := layout.New(filepath.Join(t.TempDir(), layout.DirName))

	r, err := Start(l, Options{Queue: queue.Options{NoSync: true}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Close()

	if err := r.Record(operation.AssignInt{Path: "", Value: 1}); err == nil {
		t.Error("Record succeeded for an op without a path")
	}
	if r.Version() != 0 {
		t.Errorf("Version = %d after rejected op, want 0", r.Version())
	}
}

func TestOpenRejectsBadID(t *testing.T) {
	l := layout.New(t.TempDir())
	if _, err := Open(l, "not-a-uuid", false, Options{}); err == nil {
		t.Error("Open succeeded with a non-UUID id")
	}
}

func TestRecordGitInfo(t *testing.T) {
	if !vcs.Available() {
		t.Skip("git not installed")
	}
	src := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"-c", "user.name=Test User", "-c", "user.email=test@example.com", "commit", "-q", "--allow-empty", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = src
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}

	l := layout.New(filepath.Join(t.TempDir(), layout.DirName))
	r, err := Start(l, Options{Queue: queue.Options{NoSync: true}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Close()

	recorded, err := r.RecordGitInfo(context.Background(), src)
	if err != nil {
		t.Fatalf("RecordGitInfo failed: %v", err)
	}
	if !recorded || r.Version() < 6 {
		t.Errorf("recorded = %v with %d ops, want the git attributes", recorded, r.Version())
	}

	// A directory outside any repository records nothing.
	before := r.Version()
	recorded, err = r.RecordGitInfo(context.Background(), t.TempDir())
	if err != nil || recorded {
		t.Errorf("RecordGitInfo outside a repository = %v, %v", recorded, err)
	}
	if r.Version() != before {
		t.Errorf("Version = %d, want %d", r.Version(), before)
	}
}
