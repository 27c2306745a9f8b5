package queue

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// A frame on disk is
//
//	uvarint(len(body)) | body | checksum
//
// where body is the CBOR encoding of frameBody and checksum is the first
// checksumSize bytes of the BLAKE3 hash of everything before it.
const (
	checksumSize = 8

	// maxBodySize bounds a single record. Anything larger is treated as a
	// damaged length prefix rather than an allocation request.
	maxBodySize = 1 << 26 // 64MB

	// headerReadSize is how much is read up front for each frame; most
	// records fit entirely so a second read is rarely needed.
	headerReadSize = 4096
)

type frameBody struct {
	Version int64  `cbor:"v"`
	Payload []byte `cbor:"p"`
}

var (
	// errIncomplete reports a frame that runs past the end of its segment.
	errIncomplete = errors.New("incomplete frame")

	// errInvalid reports a frame whose length, checksum, or body is bad.
	errInvalid = errors.New("invalid frame")
)

var frameEncMode cbor.EncMode

func init() {
	var err error
	frameEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("queue: CBOR encoder initialization failed: " + err.Error())
	}
}

func checksum(buf []byte) [checksumSize]byte {
	sum := blake3.Sum256(buf)
	var c [checksumSize]byte
	copy(c[:], sum[:checksumSize])
	return c
}

// marshalFrame packs rec into a new byte slice for appending to a segment.
func marshalFrame(rec Record) ([]byte, error) {
	body, err := frameEncMode.Marshal(frameBody{Version: rec.Version, Payload: rec.Payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %d: %w", rec.Version, err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("record %d is too large: %d bytes", rec.Version, len(body))
	}

	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(body)))

	b := make([]byte, 0, n+len(body)+checksumSize)
	b = append(b, tmp[:n]...)
	b = append(b, body...)
	sum := checksum(b)
	b = append(b, sum[:]...)
	return b, nil
}

// readFrame unpacks the frame starting at pos in a segment of the given
// size. It returns the record and the frame's length in bytes.
//
// On errInvalid, the returned length is the span the frame claims to
// occupy, or 0 when not even the length prefix could be trusted.
func readFrame(r io.ReaderAt, pos, size int64) (Record, int64, error) {
	remaining := size - pos
	if remaining <= 0 {
		return Record{}, 0, errIncomplete
	}

	head := make([]byte, min(remaining, headerReadSize))
	nRead, err := r.ReadAt(head, pos)
	if err != nil && err != io.EOF {
		return Record{}, 0, fmt.Errorf("failed to read frame at %d: %w", pos, err)
	}
	head = head[:nRead]

	bodyLen, n := binary.Uvarint(head)
	switch {
	case n == 0:
		// Not enough bytes for the length prefix.
		return Record{}, 0, errIncomplete
	case n < 0, bodyLen == 0, bodyLen > maxBodySize:
		return Record{}, 0, errInvalid
	}

	total := int64(n) + int64(bodyLen) + checksumSize
	if total > remaining {
		return Record{}, total, errIncomplete
	}

	data := head
	if int64(len(head)) < total {
		data = make([]byte, total)
		copy(data, head)
		if _, err := r.ReadAt(data[len(head):], pos+int64(len(head))); err != nil && err != io.EOF {
			return Record{}, 0, fmt.Errorf("failed to read frame at %d: %w", pos, err)
		}
	}
	data = data[:total]

	sum := checksum(data[:total-checksumSize])
	if !bytes.Equal(sum[:], data[total-checksumSize:]) {
		return Record{}, total, errInvalid
	}

	var fb frameBody
	if err := cbor.Unmarshal(data[n:total-checksumSize], &fb); err != nil {
		return Record{}, total, errInvalid
	}

	// Copy the payload out of the read buffer so records never alias it.
	payload := make([]byte, len(fb.Payload))
	copy(payload, fb.Payload)

	return Record{Version: fb.Version, Payload: payload}, total, nil
}
