package queue

import (
	"errors"
	"fmt"
	"os"
)

// reader walks the queue across segments, keeping the current segment open
// between records. Segment sizes are captured when a segment is opened, so
// a reader never sees data appended after that point.
type reader struct {
	segs []segment
	idx  int
	f    *os.File
	size int64
}

func (q *Queue) newReader() (*reader, error) {
	segs, err := listSegments(q.dir, q.prefix)
	if err != nil {
		return nil, err
	}
	return &reader{segs: segs, idx: -1}, nil
}

func (r *reader) close() {
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
	}
}

func (r *reader) open(idx int) error {
	if r.idx == idx && r.f != nil {
		return nil
	}
	r.close()

	f, err := os.Open(r.segs[idx].path)
	if err != nil {
		return fmt.Errorf("failed to open queue segment: %w", err)
	}
	size, err := fileSize(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat queue segment: %w", err)
	}
	r.f = f
	r.idx = idx
	r.size = size
	return nil
}

func (r *reader) next(cursor Cursor) (Record, Cursor, error) {
	if len(r.segs) == 0 {
		return Record{}, cursor, ErrEnd
	}
	if int64(cursor) < r.segs[0].start {
		cursor = Cursor(r.segs[0].start)
	}

	for {
		idx := findSegment(r.segs, int64(cursor))
		if err := r.open(idx); err != nil {
			return Record{}, cursor, err
		}
		seg := r.segs[idx]
		last := idx == len(r.segs)-1
		pos := int64(cursor) - seg.start

		if pos >= r.size {
			if last {
				return Record{}, cursor, ErrEnd
			}
			cursor = Cursor(r.segs[idx+1].start)
			continue
		}

		rec, n, err := readFrame(r.f, pos, r.size)
		if err == nil {
			return rec, cursor + Cursor(n), nil
		}
		if !errors.Is(err, errIncomplete) && !errors.Is(err, errInvalid) {
			return Record{}, cursor, err
		}
		if last && isTorn(err, pos, n, r.size) {
			// Either an append still in progress or the remains of a
			// crashed one. Both are not committed yet.
			return Record{}, cursor, ErrEnd
		}
		return Record{}, cursor, fmt.Errorf("%w: bad frame at offset %d of %s", ErrCorrupted, pos, seg.path)
	}
}
