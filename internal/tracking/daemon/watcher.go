package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/runtrack/runtrack/internal/tracking/layout"
)

// EventOp represents the type of change seen on a run.
type EventOp int

const (
	// OpCreate indicates a run directory appeared.
	OpCreate EventOp = iota
	// OpModify indicates the run's queue changed.
	OpModify
	// OpDelete indicates a run directory was removed or moved away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// RunEvent is a change to one run of a tracking directory.
type RunEvent struct {
	// ID is the run directory name.
	ID string
	// Offline is true for runs in the offline namespace.
	Offline bool
	// Op is the kind of change.
	Op EventOp
}

// RunWatcher watches a tracking directory and reports changes per run. Run
// directories created after Start are watched as they appear.
type RunWatcher struct {
	layout      *layout.Layout
	queuePrefix string

	watcher *fsnotify.Watcher
	events  chan RunEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRunWatcher creates a watcher for l. Queue segments are recognized by
// queuePrefix. The watcher must be started with Start before it emits
// events.
func NewRunWatcher(l *layout.Layout, queuePrefix string) (*RunWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &RunWatcher{
		layout:      l,
		queuePrefix: queuePrefix,
		watcher:     watcher,
		events:      make(chan RunEvent, 100),
		errors:      make(chan error, 10),
		done:        make(chan struct{}),
	}, nil
}

// Start watches the tracking directory, its offline namespace when present
// and every existing run directory.
func (rw *RunWatcher) Start() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.running {
		return fmt.Errorf("watcher already running")
	}

	if err := rw.watcher.Add(rw.layout.Root()); err != nil {
		return fmt.Errorf("failed to watch tracking directory %s: %w", rw.layout.Root(), err)
	}
	if _, err := os.Stat(rw.layout.OfflineRoot()); err == nil {
		if err := rw.watchNamespace(rw.layout.OfflineRoot(), true); err != nil {
			return err
		}
	}
	if err := rw.watchNamespace(rw.layout.Root(), false); err != nil {
		return err
	}

	rw.running = true
	rw.wg.Add(1)
	go rw.processEvents()
	return nil
}

func (rw *RunWatcher) watchNamespace(dir string, offline bool) error {
	if offline {
		if err := rw.watcher.Add(dir); err != nil {
			return err
		}
	}
	var (
		ids []string
		err error
	)
	if offline {
		ids, err = rw.layout.ListOffline()
	} else {
		ids, err = rw.layout.ListRegistered()
	}
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := rw.watcher.Add(filepath.Join(dir, id)); err != nil {
			return fmt.Errorf("failed to watch run %s: %w", id, err)
		}
	}
	return nil
}

// Stop stops the watcher and closes its channels.
func (rw *RunWatcher) Stop() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if !rw.running {
		return rw.watcher.Close()
	}

	close(rw.done)
	err := rw.watcher.Close()
	rw.wg.Wait()
	close(rw.events)
	close(rw.errors)
	rw.running = false
	return err
}

// Events returns the channel of run events.
func (rw *RunWatcher) Events() <-chan RunEvent {
	return rw.events
}

// Errors returns the channel of watcher errors.
func (rw *RunWatcher) Errors() <-chan error {
	return rw.errors
}

// IsRunning returns true if the watcher is currently running.
func (rw *RunWatcher) IsRunning() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.running
}

func (rw *RunWatcher) processEvents() {
	defer rw.wg.Done()

	for {
		select {
		case <-rw.done:
			return

		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			runEvent, ok := rw.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case rw.events <- runEvent:
			case <-rw.done:
				return
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case rw.errors <- err:
			case <-rw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a RunEvent, adding watches for
// directories that appear. Returns false for events that do not concern a
// run.
func (rw *RunWatcher) convertEvent(event fsnotify.Event) (RunEvent, bool) {
	name := filepath.Base(event.Name)
	parent := filepath.Dir(event.Name)
	root := filepath.Clean(rw.layout.Root())
	offlineRoot := filepath.Clean(rw.layout.OfflineRoot())

	switch {
	case parent == root && name == layout.OfflineDirName:
		if event.Has(fsnotify.Create) {
			// Runs may have been created before the watch was added.
			_ = rw.watchNamespace(offlineRoot, true)
		}
		return RunEvent{}, false

	case parent == root || parent == offlineRoot:
		if !layout.IsValidUUID(name) {
			return RunEvent{}, false
		}
		ev := RunEvent{ID: name, Offline: parent == offlineRoot}
		switch {
		case event.Has(fsnotify.Create):
			if err := rw.watcher.Add(event.Name); err != nil {
				return RunEvent{}, false
			}
			ev.Op = OpCreate
		case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
			ev.Op = OpDelete
		default:
			return RunEvent{}, false
		}
		return ev, true

	default:
		if !rw.isRunFile(name) {
			return RunEvent{}, false
		}
		if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
			return RunEvent{}, false
		}
		id := filepath.Base(parent)
		grand := filepath.Dir(parent)
		if !layout.IsValidUUID(id) || (grand != root && grand != offlineRoot) {
			return RunEvent{}, false
		}
		return RunEvent{ID: id, Offline: grand == offlineRoot, Op: OpModify}, true
	}
}

// isRunFile reports whether name is a queue segment. Watermark updates
// never create work and are ignored.
func (rw *RunWatcher) isRunFile(name string) bool {
	return strings.HasPrefix(name, rw.queuePrefix+"-") && strings.HasSuffix(name, ".log")
}
