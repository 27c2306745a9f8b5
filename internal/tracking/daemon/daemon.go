// Package daemon keeps a tracking directory synchronized in the background.
//
// The daemon:
// 1. Watches run queues for new operations and synchronizes the runs they belong to
// 2. Registers offline runs when a project is configured
// 3. Rescans the whole directory periodically, in case an event was missed
// 4. Handles graceful shutdown
//
// At most one pass per run is in flight at any time. Changes that arrive
// while a run is being synchronized schedule one more pass after it.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runtrack/runtrack/internal/tracking/layout"
	"github.com/runtrack/runtrack/internal/tracking/queue"
	"github.com/runtrack/runtrack/internal/tracking/registrar"
	tracksync "github.com/runtrack/runtrack/internal/tracking/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a run must be quiet before it is
	// synchronized. This batches rapid appends together.
	DebounceInterval time.Duration

	// PollInterval is how often the whole tracking directory is rescanned.
	PollInterval time.Duration

	// Workers bounds the number of runs processed in parallel.
	Workers int

	// Project is the project offline runs are registered with. Offline
	// runs are left alone when empty.
	Project string

	// QueuePrefix is the file-name prefix of run queues.
	QueuePrefix string

	// OnRegistered, when set, is called for every offline run registered.
	OnRegistered func(registrar.Result)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		PollInterval:     30 * time.Second,
		Workers:          4,
		QueuePrefix:      queue.DefaultPrefix,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats counts the daemon's work since it started.
type Stats struct {
	Passes     int64 `json:"passes"`
	Failures   int64 `json:"failures"`
	Registered int64 `json:"registered"`
}

type runKey struct {
	id      string
	offline bool
}

// Daemon orchestrates run watching and synchronization.
type Daemon struct {
	layout *layout.Layout
	coord  *tracksync.Coordinator
	syncer tracksync.Synchronizer
	config *Config

	watcher *RunWatcher

	mu       sync.Mutex
	pending  map[runKey]time.Time
	inFlight map[runKey]bool
	dirty    map[runKey]bool

	// registering is set while a batch of offline runs is being registered.
	registering bool
	sem      chan struct{}

	passes     atomic.Int64
	failures   atomic.Int64
	registered atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	work     sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Daemon with the default configuration.
func New(l *layout.Layout, coord *tracksync.Coordinator, s tracksync.Synchronizer) (*Daemon, error) {
	return NewWithConfig(l, coord, s, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration. Zero fields of
// config take their DefaultConfig values.
func NewWithConfig(l *layout.Layout, coord *tracksync.Coordinator, s tracksync.Synchronizer, config *Config) (*Daemon, error) {
	if l == nil {
		return nil, fmt.Errorf("layout cannot be nil")
	}
	if coord == nil || s == nil {
		return nil, fmt.Errorf("coordinator and synchronizer cannot be nil")
	}

	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = def.DebounceInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = def.QueuePrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	watcher, err := NewRunWatcher(l, cfg.QueuePrefix)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		layout:   l,
		coord:    coord,
		syncer:   s,
		config:   &cfg,
		watcher:  watcher,
		pending:  make(map[runKey]time.Time),
		inFlight: make(map[runKey]bool),
		dirty:    make(map[runKey]bool),
		sem:      make(chan struct{}, cfg.Workers),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Start watching the tracking directory
// 2. Schedule every run that is not synchronized
// 3. Process run changes with debouncing
// 4. Periodically rescan the directory
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.layout.Root())

	if d.config.Project == "" {
		d.config.Logger.Println("Warning: no project configured, offline runs will not be registered")
	}

	if err := d.PerformFullScan(); err != nil {
		_ = d.Stop()
		return fmt.Errorf("initial scan failed: %w", err)
	}

	d.wg.Add(3)
	go d.watchRunEvents()
	go d.processChangeQueue()
	go d.pollRuns()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Passes in flight are interrupted
// between batches.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		d.cancel()
		if err = d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
		d.wg.Wait()
		d.work.Wait()

		d.config.Logger.Println("Daemon stopped")
	})
	return err
}

// Stats returns the daemon's counters.
func (d *Daemon) Stats() Stats {
	return Stats{
		Passes:     d.passes.Load(),
		Failures:   d.failures.Load(),
		Registered: d.registered.Load(),
	}
}

// PerformFullScan schedules every registered run that is not synchronized
// and, when a project is configured, every offline run.
func (d *Daemon) PerformFullScan() error {
	ids, err := d.layout.ListRegistered()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	scheduled := 0
	for _, id := range ids {
		synced, err := d.syncer.IsSynchronized(d.layout.RunDir(id))
		if err != nil {
			d.config.Logger.Printf("Warning: skipping run %s: %v", id, err)
			continue
		}
		if !synced {
			d.queueChange(runKey{id: id})
			scheduled++
		}
	}

	if d.config.Project != "" {
		offline, err := d.layout.ListOffline()
		if err != nil {
			return fmt.Errorf("failed to list offline runs: %w", err)
		}
		for _, id := range offline {
			d.queueChange(runKey{id: id, offline: true})
			scheduled++
		}
	}

	if scheduled > 0 {
		d.config.Logger.Printf("Scheduled %d runs", scheduled)
	}
	return nil
}

// watchRunEvents turns watcher events into scheduled runs.
func (d *Daemon) watchRunEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			key := runKey{id: event.ID, offline: event.Offline}
			if event.Op == OpDelete {
				d.forget(key)
				continue
			}
			if key.offline && d.config.Project == "" {
				continue
			}
			d.queueChange(key)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a run to the change queue with debouncing.
func (d *Daemon) queueChange(key runKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[key] = time.Now()
}

func (d *Daemon) forget(key runKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.pending, key)
	delete(d.dirty, key)
}

// processChangeQueue processes queued run changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges dispatches runs that have been quiet long enough.
func (d *Daemon) processPendingChanges() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var offline []string
	for key, queuedAt := range d.pending {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		if key.offline {
			// Stays pending until the batch in flight is done.
			if d.registering {
				continue
			}
			offline = append(offline, key.id)
			delete(d.pending, key)
			continue
		}
		delete(d.pending, key)
		d.dispatchLocked(key)
	}

	if len(offline) > 0 {
		sort.Strings(offline)
		d.registering = true
		d.work.Add(1)
		go d.register(offline)
	}
}

// dispatchLocked starts a pass over key unless one is already in flight,
// in which case another pass is scheduled after it. d.mu must be held.
func (d *Daemon) dispatchLocked(key runKey) {
	if d.inFlight[key] {
		d.dirty[key] = true
		return
	}
	d.inFlight[key] = true
	d.work.Add(1)
	go d.process(key)
}

func (d *Daemon) process(key runKey) {
	defer d.work.Done()
	defer func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.inFlight, key)
		if d.dirty[key] {
			delete(d.dirty, key)
			d.pending[key] = time.Now()
		}
	}()

	select {
	case d.sem <- struct{}{}:
	case <-d.ctx.Done():
		return
	}
	defer func() { <-d.sem }()

	d.synchronize(key.id)
}

// register registers every offline run of ids still on disk in one batch,
// under a single project lookup.
func (d *Daemon) register(ids []string) {
	defer d.work.Done()
	defer func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.registering = false
	}()

	select {
	case d.sem <- struct{}{}:
	case <-d.ctx.Done():
		return
	}
	defer func() { <-d.sem }()

	due := ids[:0]
	for _, id := range ids {
		if d.layout.ReferencesOffline(id) {
			due = append(due, id)
		}
	}
	if len(due) == 0 {
		return
	}

	report := d.coord.Register(d.ctx, d.config.Project, due)
	for _, res := range report.Registered {
		d.registered.Add(1)
		if d.config.OnRegistered != nil {
			d.config.OnRegistered(res)
		}
		d.queueChange(runKey{id: res.Run.ID})
	}
}

func (d *Daemon) synchronize(id string) {
	dir := d.layout.RunDir(id)
	if _, err := os.Stat(dir); err != nil {
		return
	}
	synced, err := d.syncer.IsSynchronized(dir)
	if err != nil {
		d.config.Logger.Printf("Warning: skipping run %s: %v", id, err)
		return
	}
	if synced {
		return
	}

	d.passes.Add(1)
	report, err := d.coord.SyncSelected(d.ctx, "", []string{id})
	if err != nil {
		d.failures.Add(1)
		d.config.Logger.Printf("Error synchronizing run %s: %v", id, err)
		return
	}
	if len(report.Failed) > 0 {
		d.failures.Add(1)
	}
}

// pollRuns rescans the tracking directory at PollInterval.
func (d *Daemon) pollRuns() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.PerformFullScan(); err != nil {
				d.config.Logger.Printf("Error rescanning %s: %v", d.layout.Root(), err)
			}
		}
	}
}
