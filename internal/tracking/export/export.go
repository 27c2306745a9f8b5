// Package export moves a run's queue in and out of portable JSONL files and
// renders queues for inspection.
//
// An export holds one JSON object per line: the operation version followed
// by the operation's JSON envelope. Files may be zstd-compressed; Import
// detects compression on its own.
package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/runtrack/runtrack/internal/tracking/operation"
	"github.com/runtrack/runtrack/internal/tracking/queue"
)

// ErrQueueNotEmpty is returned when importing into a queue that already
// holds records.
var ErrQueueNotEmpty = errors.New("destination queue is not empty")

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

const scanBatch = 1000

// Entry is one line of an export.
type Entry struct {
	Version int64 `json:"version"`
	operation.Envelope
}

// Options configures Export.
type Options struct {
	// Compress writes the export as a zstd stream.
	Compress bool
}

// Walk calls fn for every record of q in order, stopping at the first
// error.
func Walk(ctx context.Context, q *queue.Queue, fn func(queue.Record) error) error {
	cursor := queue.Cursor(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, next, err := q.ReadBatch(cursor, scanBatch)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
		}
		cursor = next
	}
}

// Export writes every record of q to w and returns the number written.
func Export(ctx context.Context, q *queue.Queue, w io.Writer, opts Options) (int, error) {
	out := w
	var enc *zstd.Encoder
	if opts.Compress {
		var err error
		enc, err = zstd.NewWriter(w)
		if err != nil {
			return 0, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		out = enc
	}

	bw := bufio.NewWriter(out)
	jenc := json.NewEncoder(bw)
	n := 0
	err := Walk(ctx, q, func(rec queue.Record) error {
		op, err := operation.Decode(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to decode operation %d: %w", rec.Version, err)
		}
		env, err := operation.ToEnvelope(op)
		if err != nil {
			return fmt.Errorf("operation %d: %w", rec.Version, err)
		}
		if err := jenc.Encode(Entry{Version: rec.Version, Envelope: env}); err != nil {
			return fmt.Errorf("failed to write operation %d: %w", rec.Version, err)
		}
		n++
		return nil
	})
	if err == nil {
		err = bw.Flush()
	}
	if enc != nil {
		if cerr := enc.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to finish zstd stream: %w", cerr)
		}
	}
	return n, err
}

// Import reads an export from r into q, which must be empty, and returns
// the number of records enqueued.
func Import(ctx context.Context, r io.Reader, q *queue.Queue) (int, error) {
	if _, ok, err := q.Last(); err != nil {
		return 0, err
	} else if ok {
		return 0, ErrQueueNotEmpty
	}

	br := bufio.NewReader(r)
	var in io.Reader = br
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		in = dec
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	n, line := 0, 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return n, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		op, err := operation.FromEnvelope(e.Envelope)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		payload, err := operation.Encode(op)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := q.Enqueue(queue.Record{Version: e.Version, Payload: payload}); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read export: %w", err)
	}
	return n, nil
}
