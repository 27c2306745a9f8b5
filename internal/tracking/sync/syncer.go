package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/runtrack/runtrack/internal/tracking/backend"
	"github.com/runtrack/runtrack/internal/tracking/offset"
	"github.com/runtrack/runtrack/internal/tracking/operation"
	"github.com/runtrack/runtrack/internal/tracking/queue"
)

// Config configures a Synchronizer.
type Config struct {
	// BatchSize is the maximum number of operations per dispatch.
	BatchSize int

	// BatchTimeout bounds each dispatch. A dispatch that times out fails
	// the pass like any other backend error.
	BatchTimeout time.Duration

	// QueuePrefix is the file-name prefix of run queues.
	QueuePrefix string

	// Logger defaults to stderr with a "[sync] " prefix.
	Logger *log.Logger

	// Observer receives progress events. Optional.
	Observer Observer
}

// DefaultConfig returns the default synchronizer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    1000,
		BatchTimeout: 60 * time.Second,
		QueuePrefix:  queue.DefaultPrefix,
	}
}

// synchronizer implements the Synchronizer interface.
type synchronizer struct {
	backend  backend.Backend
	cfg      Config
	logger   *log.Logger
	observer Observer
}

// New creates a Synchronizer dispatching to b. Zero fields of cfg take
// their DefaultConfig values.
func New(b backend.Backend, cfg Config) Synchronizer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = def.QueuePrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	var observer Observer = nopObserver{}
	if cfg.Observer != nil {
		observer = cfg.Observer
	}

	return &synchronizer{
		backend:  b,
		cfg:      cfg,
		logger:   logger,
		observer: observer,
	}
}

// Synchronize implements Synchronizer.Synchronize.
func (s *synchronizer) Synchronize(ctx context.Context, t Target) error {
	if err := s.synchronize(ctx, t); err != nil {
		s.observer.RunFailed(t, err)
		return err
	}
	return nil
}

func (s *synchronizer) synchronize(ctx context.Context, t Target) error {
	if t.RunID == "" {
		return fmt.Errorf("run %s has no server identity", t.Dir)
	}
	if info, err := os.Stat(t.Dir); err != nil || !info.IsDir() {
		return fmt.Errorf("run directory %s does not exist", t.Dir)
	}

	q, err := queue.Open(t.Dir, s.cfg.QueuePrefix, queue.Options{})
	if err != nil {
		return err
	}
	watermark := offset.New(t.Dir, s.logger)

	acked, _, err := watermark.Read()
	if err != nil {
		return err
	}

	s.logger.Printf("Synchronizing %s", t.displayName())

	cursor := queue.Cursor(0)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("synchronization of %s interrupted: %w", t.displayName(), err)
		}

		batch, next, err := q.ReadBatch(cursor, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to read queue of %s: %w", t.displayName(), err)
		}
		if len(batch) == 0 {
			s.logger.Printf("Synchronization of run %s completed", t.displayName())
			s.observer.RunSynchronized(t, acked)
			return nil
		}

		pending := unacknowledged(batch, acked)
		if len(pending) == 0 {
			cursor = next
			continue
		}

		start := time.Now()
		if err := s.dispatch(ctx, t, pending); err != nil {
			return err
		}

		last := pending[len(pending)-1].Version
		if err := watermark.Write(last); err != nil {
			return fmt.Errorf("failed to record acknowledgement of %s up to %d: %w", t.displayName(), last, err)
		}
		s.observer.BatchDispatched(t, pending[0].Version, last, len(pending), time.Since(start))

		acked = last
		cursor = next
	}
}

// unacknowledged returns the suffix of batch above the watermark. Records
// are in version order, so everything at or below acked is a prefix.
func unacknowledged(batch []queue.Record, acked int64) []queue.Record {
	i := sort.Search(len(batch), func(i int) bool {
		return batch[i].Version > acked
	})
	return batch[i:]
}

func (s *synchronizer) dispatch(ctx context.Context, t Target, recs []queue.Record) error {
	ops := make([]operation.Op, 0, len(recs))
	for _, rec := range recs {
		op, err := operation.Decode(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to decode operation %d of %s: %w", rec.Version, t.displayName(), err)
		}
		ops = append(ops, op)
	}

	batchCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	err := s.backend.ExecuteOperations(batchCtx, t.RunID, ops)
	if err == nil {
		return nil
	}
	if errors.Is(batchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("sending operations %d-%d of %s timed out after %s: %w",
			recs[0].Version, recs[len(recs)-1].Version, t.displayName(), s.cfg.BatchTimeout, err)
	}
	return fmt.Errorf("failed to send operations %d-%d of %s: %w",
		recs[0].Version, recs[len(recs)-1].Version, t.displayName(), err)
}

// IsSynchronized implements Synchronizer.IsSynchronized.
func (s *synchronizer) IsSynchronized(dir string) (bool, error) {
	q, err := queue.Open(dir, s.cfg.QueuePrefix, queue.Options{})
	if err != nil {
		return false, err
	}
	last, ok, err := q.Last()
	if err != nil {
		return false, err
	}
	if !ok {
		// A run that never logged anything has nothing to send.
		return true, nil
	}

	acked, has, err := offset.New(dir, s.logger).Read()
	if err != nil {
		return false, err
	}
	return has && acked >= last.Version, nil
}

// Status implements Synchronizer.Status.
func (s *synchronizer) Status(dir string) (Status, error) {
	var st Status

	q, err := queue.Open(dir, s.cfg.QueuePrefix, queue.Options{})
	if err != nil {
		return st, err
	}
	last, ok, err := q.Last()
	if err != nil {
		return st, err
	}
	st.Acknowledged, st.HasWatermark, err = offset.New(dir, s.logger).Read()
	if err != nil {
		return st, err
	}

	if !ok {
		st.Synchronized = true
		return st, nil
	}
	st.LastVersion = last.Version
	st.Synchronized = st.HasWatermark && st.Acknowledged >= last.Version
	if st.Synchronized {
		return st, nil
	}

	cursor := queue.Cursor(0)
	for {
		batch, next, err := q.ReadBatch(cursor, s.cfg.BatchSize)
		if err != nil {
			return st, err
		}
		if len(batch) == 0 {
			return st, nil
		}
		st.Pending += len(unacknowledged(batch, st.Acknowledged))
		cursor = next
	}
}
