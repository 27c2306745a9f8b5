// Package queue implements the durable, append-only operation queue kept in
// every run directory.
//
// The queue is a sequence of segment files named <prefix>-<offset>.log, each
// holding checksummed frames. Readers address records with a Cursor, a byte
// offset across all segments; reading never changes anything on disk, so the
// same cursor always yields the same records until more are appended.
//
// A frame cut short by a crash at the tail of the newest segment is invisible
// to readers and is truncated away the next time a writer opens the queue.
//
// The queue supports one writer and any number of readers. Readers in other
// processes see appended records as soon as the append returns.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

const (
	// DefaultPrefix is the file-name prefix of a run's operation queue.
	DefaultPrefix = "operations"

	// DefaultMaxSegmentSize is the size at which a new segment is started.
	DefaultMaxSegmentSize int64 = 64 << 20
)

var (
	// ErrEnd is returned when no complete record exists after a cursor yet.
	ErrEnd = errors.New("end of queue")

	// ErrCorrupted is returned when a damaged frame is followed by more data,
	// so it cannot be the remains of an interrupted append.
	ErrCorrupted = errors.New("queue corrupted")

	// ErrVersionOrder is returned by Enqueue when a record's version is not
	// greater than the last enqueued one.
	ErrVersionOrder = errors.New("record version out of order")
)

// Record is one entry of the queue. Payload is opaque to the queue.
type Record struct {
	Version int64
	Payload []byte
}

// Cursor is a position in the queue. The zero Cursor is the start.
type Cursor int64

// Options configures a Queue.
type Options struct {
	// MaxSegmentSize is the size at which the writer starts a new segment
	// (default: DefaultMaxSegmentSize).
	MaxSegmentSize int64

	// NoSync skips the fsync after every append. Only for tests and
	// benchmarks: a crash may lose acknowledged appends.
	NoSync bool
}

// Queue is a run's operation queue.
type Queue struct {
	dir    string
	prefix string
	opts   Options

	// mu serializes appends and guards the fields below.
	mu          sync.Mutex
	w           *writer
	lastVersion int64
}

type writer struct {
	f    *os.File
	seg  segment
	size int64
}

// Open returns the queue stored in dir under the given file-name prefix.
//
// Open does not touch the filesystem; the directory and first segment are
// created by the first Enqueue.
func Open(dir, prefix string, opts Options) (*Queue, error) {
	if dir == "" {
		return nil, fmt.Errorf("queue directory cannot be empty")
	}
	if prefix == "" || strings.ContainsAny(prefix, `/\`) {
		return nil, fmt.Errorf("invalid queue prefix %q", prefix)
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	return &Queue{
		dir:    dir,
		prefix: prefix,
		opts:   opts,
	}, nil
}

// Dir returns the directory holding the queue.
func (q *Queue) Dir() string {
	return q.dir
}

// Enqueue appends rec durably. Versions must be strictly increasing; gaps
// are allowed.
func (q *Queue) Enqueue(rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.w == nil {
		if err := q.openWriter(); err != nil {
			return err
		}
	}

	if rec.Version <= q.lastVersion {
		return fmt.Errorf("%w: version %d after %d", ErrVersionOrder, rec.Version, q.lastVersion)
	}

	frame, err := marshalFrame(rec)
	if err != nil {
		return err
	}

	if q.w.size >= q.opts.MaxSegmentSize {
		if err := q.rollover(); err != nil {
			return err
		}
	}

	// The file is opened with O_APPEND, so this always lands on the tail.
	n, err := q.w.f.Write(frame)
	if err != nil {
		q.abortAppend()
		return fmt.Errorf("failed to append record %d: %w", rec.Version, err)
	}
	if !q.opts.NoSync {
		if err := fsync(q.w.f); err != nil {
			q.abortAppend()
			return fmt.Errorf("failed to sync record %d: %w", rec.Version, err)
		}
	}

	q.w.size += int64(n)
	q.lastVersion = rec.Version
	return nil
}

// ReadNext returns the first complete record after cursor and the cursor
// following it. It returns ErrEnd when there is none yet.
func (q *Queue) ReadNext(cursor Cursor) (Record, Cursor, error) {
	r, err := q.newReader()
	if err != nil {
		return Record{}, cursor, err
	}
	defer r.close()

	return r.next(cursor)
}

// ReadBatch returns up to max records after cursor, in order, and the
// cursor following the last one returned. An empty batch means no more
// records are available right now.
//
// When a damaged frame is hit after some records were read, those records
// are returned without error; the next call starting at the returned cursor
// reports ErrCorrupted.
func (q *Queue) ReadBatch(cursor Cursor, max int) ([]Record, Cursor, error) {
	if max <= 0 {
		return nil, cursor, fmt.Errorf("batch size must be positive (got %d)", max)
	}

	r, err := q.newReader()
	if err != nil {
		return nil, cursor, err
	}
	defer r.close()

	var batch []Record
	for len(batch) < max {
		rec, next, err := r.next(cursor)
		if errors.Is(err, ErrEnd) {
			break
		}
		if err != nil {
			if len(batch) > 0 {
				break
			}
			return nil, cursor, err
		}
		batch = append(batch, rec)
		cursor = next
	}
	return batch, cursor, nil
}

// Last returns the last complete record, or false when the queue is empty.
func (q *Queue) Last() (Record, bool, error) {
	segs, err := listSegments(q.dir, q.prefix)
	if err != nil {
		return Record{}, false, err
	}
	return lastRecord(segs)
}

// Close releases the writer, if any. The queue may be reopened for writing
// by a later Enqueue.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.w == nil {
		return nil
	}
	err := q.w.f.Close()
	q.w = nil
	if err != nil {
		return fmt.Errorf("failed to close queue segment: %w", err)
	}
	return nil
}

// fsync flushes a segment to stable storage.
var fsync = (*os.File).Sync

// abortAppend drops whatever part of a failed append reached the segment and
// closes the writer, so the next Enqueue rescans the segment and learns the
// real tail and last version. q.mu must be held.
func (q *Queue) abortAppend() {
	_ = q.w.f.Truncate(q.w.size)
	_ = q.w.f.Close()
	q.w = nil
}

// openWriter prepares the newest segment for appending. A torn frame at its
// tail is truncated away; real corruption is reported instead so committed
// records behind it are never destroyed. q.mu must be held.
func (q *Queue) openWriter() error {
	if err := os.MkdirAll(q.dir, 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	segs, err := listSegments(q.dir, q.prefix)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		q.lastVersion = 0
		return q.createSegment(0)
	}

	last := segs[len(segs)-1]
	f, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open queue segment: %w", err)
	}

	size, err := fileSize(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat queue segment: %w", err)
	}

	scan, err := scanSegment(f, size, true)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", last.path, err)
	}
	if scan.end < size {
		if err := f.Truncate(scan.end); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to truncate torn tail of %s: %w", last.path, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to sync queue segment: %w", err)
		}
	}

	q.w = &writer{f: f, seg: last, size: scan.end}

	if scan.found {
		q.lastVersion = scan.last.Version
		return nil
	}
	rec, ok, err := lastRecord(segs[:len(segs)-1])
	if err != nil {
		return err
	}
	if ok {
		q.lastVersion = rec.Version
	}
	return nil
}

// createSegment starts a new, empty segment at start. q.mu must be held.
func (q *Queue) createSegment(start int64) error {
	seg := segment{
		path:  q.dir + string(os.PathSeparator) + segmentName(q.prefix, start),
		start: start,
	}
	f, err := os.OpenFile(seg.path, os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create queue segment: %w", err)
	}
	syncDir(q.dir)

	q.w = &writer{f: f, seg: seg}
	return nil
}

// rollover seals the current segment and starts the next one where it
// left off. q.mu must be held.
func (q *Queue) rollover() error {
	next := q.w.seg.start + q.w.size
	if err := q.w.f.Close(); err != nil {
		return fmt.Errorf("failed to close queue segment: %w", err)
	}
	q.w = nil
	return q.createSegment(next)
}

// segmentScan is the result of reading a whole segment.
type segmentScan struct {
	end   int64 // offset just past the last complete frame
	last  Record
	found bool
}

// scanSegment walks every frame of a segment. With tail set, a damaged frame
// running to the end of the segment ends the scan; otherwise, and for damage
// followed by more data, ErrCorrupted is returned.
func scanSegment(f *os.File, size int64, tail bool) (segmentScan, error) {
	var scan segmentScan
	pos := int64(0)
	for pos < size {
		rec, n, err := readFrame(f, pos, size)
		if err == nil {
			scan.last = rec
			scan.found = true
			pos += n
			continue
		}
		if !isTorn(err, pos, n, size) {
			if errors.Is(err, errInvalid) || errors.Is(err, errIncomplete) {
				return scan, fmt.Errorf("%w: bad frame at offset %d", ErrCorrupted, pos)
			}
			return scan, err
		}
		if !tail {
			return scan, fmt.Errorf("%w: truncated frame at offset %d of sealed segment", ErrCorrupted, pos)
		}
		break
	}
	scan.end = pos
	return scan, nil
}

// minFrameSpan is the shortest run of bytes that could hold a frame with a
// full length prefix. An unreadable prefix followed by at least this much
// data is corruption, not an interrupted append.
const minFrameSpan = binary.MaxVarintLen64 + checksumSize

// isTorn reports whether a frame error at pos looks like an interrupted
// append: the frame is cut short, or its damage reaches the end of the data.
func isTorn(err error, pos, n, size int64) bool {
	switch {
	case errors.Is(err, errIncomplete):
		return true
	case errors.Is(err, errInvalid):
		if n == 0 {
			return size-pos < minFrameSpan
		}
		return pos+n >= size
	default:
		return false
	}
}

// lastRecord returns the last complete record of segs, scanning backwards
// past empty segments.
func lastRecord(segs []segment) (Record, bool, error) {
	for i := len(segs) - 1; i >= 0; i-- {
		f, err := os.Open(segs[i].path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Record{}, false, fmt.Errorf("failed to open queue segment: %w", err)
		}
		size, err := fileSize(f)
		if err != nil {
			_ = f.Close()
			return Record{}, false, fmt.Errorf("failed to stat queue segment: %w", err)
		}
		scan, err := scanSegment(f, size, i == len(segs)-1)
		_ = f.Close()
		if err != nil {
			return Record{}, false, fmt.Errorf("%s: %w", segs[i].path, err)
		}
		if scan.found {
			return scan.last, true, nil
		}
	}
	return Record{}, false, nil
}
