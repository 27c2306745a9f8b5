package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/runtrack/runtrack/internal/tracking/backend"
	"github.com/runtrack/runtrack/internal/tracking/backend/local"
	"github.com/runtrack/runtrack/internal/tracking/layout"
	"github.com/runtrack/runtrack/internal/tracking/operation"
	"github.com/runtrack/runtrack/internal/tracking/queue"
	"github.com/runtrack/runtrack/internal/tracking/recorder"
	tracksync "github.com/runtrack/runtrack/internal/tracking/sync"
	"github.com/runtrack/runtrack/internal/ui"
)

const offlineID = "3c9e6f1a-7b2d-4c8e-9f0a-1b2c3d4e5f60"

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// resetFlags restores every flag to its default so commands can be executed
// repeatedly in one process.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// fixture is a tracking folder next to a local backend.
type fixture struct {
	dir     string
	backend string
	layout  *layout.Layout
	store   *local.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	ui.SetPlain(true)
	t.Cleanup(func() { ui.SetPlain(false) })

	dir := t.TempDir()
	l := layout.New(filepath.Join(dir, layout.DirName))
	if err := os.MkdirAll(l.Root(), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	dbPath := filepath.Join(dir, "backend.db")
	store, err := local.Open(dbPath, local.Options{AutoCreateProjects: true})
	if err != nil {
		t.Fatalf("local.Open failed: %v", err)
	}
	return &fixture{dir: dir, backend: "sqlite:" + dbPath, layout: l, store: store}
}

// closeStore releases the fixture's connection before a command opens the
// database itself.
func (f *fixture) closeStore(t *testing.T) {
	t.Helper()
	if err := f.store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func (f *fixture) record(t *testing.T, id string, offline bool, n int) {
	t.Helper()
	rec, err := recorder.Open(f.layout, id, offline, recorder.Options{Queue: queue.Options{NoSync: true}})
	if err != nil {
		t.Fatalf("recorder.Open failed: %v", err)
	}
	defer rec.Close()
	for i := 0; i < n; i++ {
		if err := rec.Record(operation.LogFloats{
			Path:   "metrics/loss",
			Points: []operation.FloatPoint{{Value: float64(i), Timestamp: time.Unix(1700000000, 0).UTC()}},
		}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
}

func (f *fixture) createRun(t *testing.T) *backend.Run {
	t.Helper()
	ctx := context.Background()
	project, err := f.store.GetProject(ctx, "acme/vision")
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	run, err := f.store.CreateRun(ctx, project.ID)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func TestRenderListing(t *testing.T) {
	ui.SetPlain(true)
	defer ui.SetPlain(false)

	listing := &tracksync.Listing{
		Synchronized: []*backend.Run{
			{ID: "a", ShortID: "VIS-1", Organization: "acme", Project: "vision"},
		},
		Unsynchronized: []*backend.Run{
			{ID: "b", ShortID: "VIS-2", Organization: "acme", Project: "vision"},
			{ID: "c", ShortID: "VIS-3", Organization: "acme", Project: "vision"},
		},
		Offline: []string{offlineID},
	}

	var out bytes.Buffer
	renderListing(&out, "/data/.runtrack", listing)
	newGoldie(t).Assert(t, "listing", out.Bytes())
}

func TestRenderListingOnlySynchronized(t *testing.T) {
	ui.SetPlain(true)
	defer ui.SetPlain(false)

	listing := &tracksync.Listing{
		Synchronized: []*backend.Run{
			{ID: "a", ShortID: "VIS-1", Organization: "acme", Project: "vision"},
		},
	}

	var out bytes.Buffer
	renderListing(&out, "/data/.runtrack", listing)
	newGoldie(t).Assert(t, "listing_synchronized", out.Bytes())
}

func TestSyncListAndSynchronize(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t)
	f.record(t, run.ID, false, 5)
	f.record(t, offlineID, true, 3)
	f.closeStore(t)

	out, err := execute(t, "sync", "--list", "-l", f.dir, "--backend", f.backend)
	if err != nil {
		t.Fatalf("sync --list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Unsynchronized runs:\n- "+run.QualifiedName()) {
		t.Errorf("listing does not show %s as unsynchronized:\n%s", run.QualifiedName(), out)
	}
	if !strings.Contains(out, "Unsynchronized offline runs:\n- "+offlineID) {
		t.Errorf("listing does not show the offline run:\n%s", out)
	}

	out, err = execute(t, "sync", "-l", f.dir, "--backend", f.backend, "-p", "acme/vision")
	if err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, run.QualifiedName()+" synchronized") {
		t.Errorf("output does not report %s:\n%s", run.QualifiedName(), out)
	}
	if !strings.Contains(out, "offline run "+offlineID+" registered") {
		t.Errorf("output does not report the registration:\n%s", out)
	}

	offline, err := f.layout.ListOffline()
	if err != nil {
		t.Fatalf("ListOffline failed: %v", err)
	}
	if len(offline) != 0 {
		t.Errorf("offline runs left after sync: %v", offline)
	}

	out, err = execute(t, "sync", "--list", "-l", f.dir, "--backend", f.backend)
	if err != nil {
		t.Fatalf("sync --list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "There are no unsynchronized runs in") {
		t.Errorf("runs still unsynchronized:\n%s", out)
	}
}

func TestSyncWithoutRunsExitsWithError(t *testing.T) {
	f := newFixture(t)
	f.closeStore(t)

	for _, args := range [][]string{
		{"sync", "--list", "-l", f.dir, "--backend", f.backend},
		{"sync", "-l", f.dir, "--backend", f.backend},
	} {
		out, err := execute(t, args...)
		if !errors.Is(err, errExit) {
			t.Errorf("%v: err = %v, want errExit", args, err)
		}
		if !strings.Contains(out, "There are no runtrack runs in") {
			t.Errorf("%v: output = %q", args, out)
		}
	}
}

func TestSyncMissingTrackingDirectory(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err := execute(t, "sync", "-l", t.TempDir())
	if err == nil || errors.Is(err, errExit) {
		t.Fatalf("err = %v, want a reported error", err)
	}
	if !strings.Contains(err.Error(), "does not contain a '.runtrack' folder") {
		t.Errorf("err = %v", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t)
	f.record(t, run.ID, false, 4)
	f.record(t, offlineID, true, 2)
	f.closeStore(t)

	out, err := execute(t, "status", "-l", f.dir)
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	for _, want := range []string{run.ID, offlineID, "registered", "offline", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output lacks %q:\n%s", want, out)
		}
	}
}

func TestQueueExportImportDump(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t)
	f.record(t, run.ID, false, 3)
	f.closeStore(t)

	exported := filepath.Join(t.TempDir(), "run.jsonl.zst")
	if out, err := execute(t, "queue", "export", run.ID, "-l", f.dir, "-o", exported, "--zstd"); err != nil {
		t.Fatalf("export failed: %v\n%s", err, out)
	}

	out, err := execute(t, "queue", "import", exported, "-l", f.dir, "--run", offlineID, "--offline")
	if err != nil {
		t.Fatalf("import failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Imported 3 operations") {
		t.Errorf("import output = %q", out)
	}

	out, err = execute(t, "queue", "dump", offlineID, "-l", f.dir, "--format", "json")
	if err != nil {
		t.Fatalf("dump failed: %v\n%s", err, out)
	}
	if strings.Count(out, `"kind": "log_floats"`) != 3 {
		t.Errorf("dump does not hold 3 log_floats operations:\n%s", out)
	}

	if _, err := execute(t, "queue", "import", exported, "-l", f.dir, "--run", offlineID, "--offline"); err == nil {
		t.Error("import into a non-empty queue succeeded")
	}
}
