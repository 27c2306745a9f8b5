package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/runtrack/runtrack/internal/tracking/backend"
	"github.com/runtrack/runtrack/internal/tracking/backend/backendtest"
	"github.com/runtrack/runtrack/internal/tracking/layout"
	"github.com/runtrack/runtrack/internal/tracking/offset"
	"github.com/runtrack/runtrack/internal/tracking/operation"
	"github.com/runtrack/runtrack/internal/tracking/queue"
)

func testLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

// writeRun fills dir's queue with one op per version.
func writeRun(t *testing.T, dir string, versions ...int64) {
	t.Helper()
	q, err := queue.Open(dir, queue.DefaultPrefix, queue.Options{NoSync: true})
	if err != nil {
		t.Fatalf("queue.Open failed: %v", err)
	}
	defer q.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, v := range versions {
		payload, err := operation.Encode(operation.AssignInt{Path: "metrics/step", Value: v})
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if err := q.Enqueue(queue.Record{Version: v, Payload: payload}); err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", v, err)
		}
	}
}

func readWatermark(t *testing.T, dir string) (int64, bool) {
	t.Helper()
	v, ok, err := offset.New(dir, testLogger()).Read()
	if err != nil {
		t.Fatalf("offset Read failed: %v", err)
	}
	return v, ok
}

// sentVersions returns the metrics/step values of each call, which
// writeRun sets to the record version.
func sentVersions(calls []backendtest.Call) [][]int64 {
	var out [][]int64
	for _, c := range calls {
		var vs []int64
		for _, op := range c.Ops {
			vs = append(vs, op.(operation.AssignInt).Value)
		}
		out = append(out, vs)
	}
	return out
}

// recordingObserver keeps the watermark after every dispatched batch.
type recordingObserver struct {
	mu         gosync.Mutex
	watermarks []int64
	synced     []string
	failed     []string
}

func (o *recordingObserver) BatchDispatched(t Target, first, last int64, count int, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.watermarks = append(o.watermarks, last)
}

func (o *recordingObserver) RunSynchronized(t Target, acknowledged int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.synced = append(o.synced, t.displayName())
}

func (o *recordingObserver) RunFailed(t Target, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, t.displayName())
}

func TestSynchronizeInBatches(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	writeRun(t, dir, 1, 2, 3, 4, 5)

	fake := backendtest.New()
	obs := &recordingObserver{}
	s := New(fake, Config{BatchSize: 2, Logger: testLogger(), Observer: obs})

	if err := s.Synchronize(context.Background(), Target{Dir: dir, RunID: "run-1"}); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}

	got := sentVersions(fake.Executed())
	want := [][]int64{{1, 2}, {3, 4}, {5}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("backend received %v, want %v", got, want)
	}
	if fmt.Sprint(obs.watermarks) != fmt.Sprint([]int64{2, 4, 5}) {
		t.Errorf("watermark progression %v, want [2 4 5]", obs.watermarks)
	}
	if v, ok := readWatermark(t, dir); !ok || v != 5 {
		t.Errorf("watermark = (%d, %v), want 5", v, ok)
	}
	for _, c := range fake.Executed() {
		if c.RunID != "run-1" {
			t.Errorf("dispatched to %s, want run-1", c.RunID)
		}
	}
	if len(obs.synced) != 1 {
		t.Errorf("RunSynchronized called %d times, want 1", len(obs.synced))
	}
}

func TestSynchronizeResumesAfterFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	writeRun(t, dir, 1, 2, 3, 4, 5)

	fake := backendtest.New()
	fake.ExecuteErr = func(call int, runID string, ops []operation.Op) error {
		if call == 2 {
			return &backend.ServiceError{Op: "execute operations", Err: errors.New("502 bad gateway")}
		}
		return nil
	}
	obs := &recordingObserver{}
	s := New(fake, Config{BatchSize: 2, Logger: testLogger(), Observer: obs})
	target := Target{Dir: dir, RunID: "run-1"}

	if err := s.Synchronize(context.Background(), target); !backend.IsTransient(err) {
		t.Fatalf("first pass = %v, want transient failure", err)
	}
	if v, _ := readWatermark(t, dir); v != 2 {
		t.Errorf("watermark after failure = %d, want 2", v)
	}
	if len(obs.failed) != 1 {
		t.Errorf("RunFailed called %d times, want 1", len(obs.failed))
	}

	if err := s.Synchronize(context.Background(), target); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	got := sentVersions(fake.Executed())
	want := [][]int64{{1, 2}, {3, 4}, {5}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("backend received %v, want %v (no version twice)", got, want)
	}
	if v, _ := readWatermark(t, dir); v != 5 {
		t.Errorf("final watermark = %d, want 5", v)
	}
}

func TestSynchronizeSkipsAcknowledgedBatches(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	writeRun(t, dir, 1, 2, 3, 4, 5, 6, 7)
	if err := offset.New(dir, testLogger()).Write(5); err != nil {
		t.Fatalf("offset Write failed: %v", err)
	}

	fake := backendtest.New()
	s := New(fake, Config{BatchSize: 3, Logger: testLogger()})

	if err := s.Synchronize(context.Background(), Target{Dir: dir, RunID: "run-1"}); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}

	// Batches are [1 2 3] (skipped), [4 5 6] (only 6 sent), [7].
	got := sentVersions(fake.Executed())
	want := [][]int64{{6}, {7}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("backend received %v, want %v", got, want)
	}
}

func TestSynchronizeToleratesVersionGaps(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	writeRun(t, dir, 2, 5, 9)

	fake := backendtest.New()
	s := New(fake, Config{BatchSize: 2, Logger: testLogger()})

	if err := s.Synchronize(context.Background(), Target{Dir: dir, RunID: "run-1"}); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if v, _ := readWatermark(t, dir); v != 9 {
		t.Errorf("watermark = %d, want 9", v)
	}
}

// blockingBackend never answers ExecuteOperations before its context ends.
type blockingBackend struct {
	*backendtest.Fake
}

func (blockingBackend) ExecuteOperations(ctx context.Context, runID string, ops []operation.Op) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSynchronizeBatchTimeout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	writeRun(t, dir, 1, 2, 3)

	s := New(blockingBackend{backendtest.New()}, Config{
		BatchSize:    2,
		BatchTimeout: 20 * time.Millisecond,
		Logger:       testLogger(),
	})

	err := s.Synchronize(context.Background(), Target{Dir: dir, RunID: "run-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Synchronize = %v, want deadline exceeded", err)
	}
	if _, ok := readWatermark(t, dir); ok {
		t.Error("watermark was written although nothing was confirmed")
	}
}

func TestSynchronizeCancelled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	writeRun(t, dir, 1, 2, 3)

	ctx, cancel := context.WithCancel(context.Background())
	fake := backendtest.New()
	fake.ExecuteErr = func(call int, runID string, ops []operation.Op) error {
		cancel()
		return nil
	}
	s := New(fake, Config{BatchSize: 2, Logger: testLogger()})

	if err := s.Synchronize(ctx, Target{Dir: dir, RunID: "run-1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Synchronize = %v, want context.Canceled", err)
	}
	if len(fake.Executed()) != 0 {
		t.Errorf("cancelled batch was recorded as executed")
	}
	if _, ok := readWatermark(t, dir); ok {
		t.Error("watermark advanced for a cancelled batch")
	}

	// A fresh pass picks up from the start.
	if err := New(fake, Config{BatchSize: 2, Logger: testLogger()}).Synchronize(context.Background(), Target{Dir: dir, RunID: "run-1"}); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if v, _ := readWatermark(t, dir); v != 3 {
		t.Errorf("watermark = %d, want 3", v)
	}
}

func TestWatermarkNeverDecreases(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	writeRun(t, dir, 1, 2, 3, 4, 5, 6)

	fake := backendtest.New()
	fail := map[int]bool{2: true, 4: true}
	fake.ExecuteErr = func(call int, runID string, ops []operation.Op) error {
		if fail[call] {
			return errors.New("flaky")
		}
		return nil
	}
	s := New(fake, Config{BatchSize: 2, Logger: testLogger()})

	var seen []int64
	for i := 0; i < 5; i++ {
		_ = s.Synchronize(context.Background(), Target{Dir: dir, RunID: "run-1"})
		v, _ := readWatermark(t, dir)
		seen = append(seen, v)
	}

	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("watermark went from %d to %d", seen[i-1], seen[i])
		}
	}
	if seen[len(seen)-1] != 6 {
		t.Errorf("final watermark = %d, want 6 (history %v)", seen[len(seen)-1], seen)
	}
}

func TestIsSynchronized(t *testing.T) {
	tests := []struct {
		name      string
		versions  []int64
		watermark int64
		hasMark   bool
		want      bool
	}{
		{"empty queue without watermark", nil, 0, false, true},
		{"empty queue with watermark 0", nil, 0, true, true},
		{"watermark at last version", []int64{1, 2, 3}, 3, true, true},
		{"watermark behind last version", []int64{1, 2, 3}, 2, true, false},
		{"no watermark", []int64{1}, 0, false, false},
	}

	s := New(backendtest.New(), Config{Logger: testLogger()})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "run")
			if err := os.MkdirAll(dir, 0755); err != nil {
				t.Fatalf("MkdirAll failed: %v", err)
			}
			if len(tt.versions) > 0 {
				writeRun(t, dir, tt.versions...)
			}
			if tt.hasMark {
				if err := offset.New(dir, testLogger()).Write(tt.watermark); err != nil {
					t.Fatalf("offset Write failed: %v", err)
				}
			}

			got, err := s.IsSynchronized(dir)
			if err != nil {
				t.Fatalf("IsSynchronized failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsSynchronized = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusCountsPending(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	writeRun(t, dir, 1, 2, 3, 4, 5)
	if err := offset.New(dir, testLogger()).Write(2); err != nil {
		t.Fatalf("offset Write failed: %v", err)
	}

	st, err := New(backendtest.New(), Config{BatchSize: 2, Logger: testLogger()}).Status(dir)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	want := Status{LastVersion: 5, Acknowledged: 2, HasWatermark: true, Pending: 3}
	if st != want {
		t.Errorf("Status = %+v, want %+v", st, want)
	}
}

func setupCoordinator(t *testing.T) (*Coordinator, *layout.Layout, *backendtest.Fake) {
	t.Helper()
	l := layout.New(filepath.Join(t.TempDir(), layout.DirName))
	if err := os.MkdirAll(l.Root(), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	fake := backendtest.New()
	s := New(fake, Config{BatchSize: 10, Logger: testLogger()})
	return NewCoordinator(l, fake, s, testLogger()), l, fake
}

func TestListPartitionsRuns(t *testing.T) {
	c, l, fake := setupCoordinator(t)

	synced := fake.AddRun("acme/vision", uuid.NewString())
	writeRun(t, l.RunDir(synced.ID), 1, 2)
	if err := offset.New(l.RunDir(synced.ID), testLogger()).Write(2); err != nil {
		t.Fatalf("offset Write failed: %v", err)
	}
	pending := fake.AddRun("acme/vision", uuid.NewString())
	writeRun(t, l.RunDir(pending.ID), 1)
	forbidden := uuid.NewString()
	writeRun(t, l.RunDir(forbidden), 1)
	fake.LookupErr = map[string]error{forbidden: &backend.StatusError{Code: 403}}
	offline := uuid.NewString()
	writeRun(t, l.OfflineRunDir(offline), 1)

	listing, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listing.Synchronized) != 1 || listing.Synchronized[0].ID != synced.ID {
		t.Errorf("Synchronized = %v, want %s", listing.Synchronized, synced.ID)
	}
	if len(listing.Unsynchronized) != 1 || listing.Unsynchronized[0].ID != pending.ID {
		t.Errorf("Unsynchronized = %v, want %s", listing.Unsynchronized, pending.ID)
	}
	if len(listing.Offline) != 1 || listing.Offline[0] != offline {
		t.Errorf("Offline = %v, want %s", listing.Offline, offline)
	}
	if len(fake.Executed()) != 0 {
		t.Error("List sent operations to the backend")
	}
}

func TestSyncAllRegistersAndSynchronizes(t *testing.T) {
	c, l, fake := setupCoordinator(t)
	c.Workers = 3

	registered := fake.AddRun("acme/vision", uuid.NewString())
	writeRun(t, l.RunDir(registered.ID), 1, 2, 3)
	offlineA, offlineB := uuid.NewString(), uuid.NewString()
	writeRun(t, l.OfflineRunDir(offlineA), 1)
	writeRun(t, l.OfflineRunDir(offlineB), 1, 2)

	report, err := c.SyncAll(context.Background(), "acme/vision")
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if report.Err() != nil {
		t.Fatalf("SyncAll reported failures: %v", report.Err())
	}
	if len(report.Registered) != 2 || fake.CreateCalls != 2 {
		t.Errorf("registered %d runs with %d creates, want 2 and 2", len(report.Registered), fake.CreateCalls)
	}
	if len(report.Synchronized) != 3 {
		t.Errorf("Synchronized = %v, want 3 runs", report.Synchronized)
	}

	ids, _ := l.ListRegistered()
	for _, id := range ids {
		ok, err := c.sync.IsSynchronized(l.RunDir(id))
		if err != nil || !ok {
			t.Errorf("run %s not synchronized: %v", id, err)
		}
	}
	if offline, _ := l.ListOffline(); len(offline) != 0 {
		t.Errorf("offline runs left: %v", offline)
	}
}

func TestSyncAllWithoutProjectSkipsOfflineRuns(t *testing.T) {
	c, l, fake := setupCoordinator(t)

	offlineID := uuid.NewString()
	writeRun(t, l.OfflineRunDir(offlineID), 1)

	report, err := c.SyncAll(context.Background(), "")
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if fake.CreateCalls != 0 {
		t.Errorf("CreateRun called %d times without a project", fake.CreateCalls)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != offlineID {
		t.Errorf("Skipped = %v, want [%s]", report.Skipped, offlineID)
	}
}

func TestSyncSelectedRoutesRefs(t *testing.T) {
	c, l, fake := setupCoordinator(t)

	named := fake.AddRun("acme/vision", uuid.NewString())
	writeRun(t, l.RunDir(named.ID), 1, 2)
	other := fake.AddRun("acme/vision", uuid.NewString())
	writeRun(t, l.RunDir(other.ID), 1)
	offlineID := uuid.NewString()
	writeRun(t, l.OfflineRunDir(offlineID), 1, 2, 3)
	elsewhere := fake.AddRun("acme/vision", uuid.NewString())

	refs := []string{
		named.QualifiedName(),
		offlineID,
		"acme/vision/NOPE-1",
		elsewhere.QualifiedName(),
	}
	report, err := c.SyncSelected(context.Background(), "acme/vision", refs)
	if err != nil {
		t.Fatalf("SyncSelected failed: %v", err)
	}

	if len(report.Registered) != 1 || report.Registered[0].OfflineID != offlineID {
		t.Fatalf("Registered = %+v, want %s", report.Registered, offlineID)
	}
	want := []string{named.QualifiedName(), report.Registered[0].Run.QualifiedName()}
	got := append([]string(nil), report.Synchronized...)
	sort.Strings(got)
	sort.Strings(want)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Synchronized = %v, want %v", got, want)
	}
	skipped := append([]string(nil), report.Skipped...)
	sort.Strings(skipped)
	wantSkipped := []string{"acme/vision/NOPE-1", elsewhere.QualifiedName()}
	sort.Strings(wantSkipped)
	if fmt.Sprint(skipped) != fmt.Sprint(wantSkipped) {
		t.Errorf("Skipped = %v, want %v", skipped, wantSkipped)
	}

	if ok, _ := c.sync.IsSynchronized(l.RunDir(other.ID)); ok {
		t.Error("unselected run was synchronized")
	}
}

func TestReportErrJoinsFailures(t *testing.T) {
	r := &Report{Failed: []RunFailure{{Name: "acme/vision/VIS-1", Err: errors.New("boom")}}}
	if err := r.Err(); err == nil || err.Error() != "acme/vision/VIS-1: boom" {
		t.Errorf("Err = %v", err)
	}
	if err := (&Report{}).Err(); err != nil {
		t.Errorf("Err of empty report = %v, want nil", err)
	}
}
