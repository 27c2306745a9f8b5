package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentExt = ".log"

// segment is one file of the queue. Its name carries the global offset of
// its first byte, so a cursor maps to a segment without reading any data.
type segment struct {
	path  string
	start int64
}

func segmentName(prefix string, start int64) string {
	return fmt.Sprintf("%s-%020d%s", prefix, start, segmentExt)
}

// parseSegmentName returns the start offset encoded in name, or false when
// name is not a segment of the given prefix.
func parseSegmentName(prefix, name string) (int64, bool) {
	if !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, segmentExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"-"), segmentExt)
	if digits == "" {
		return 0, false
	}
	start, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}

// listSegments returns the queue's segments in increasing offset order.
// A missing directory is an empty queue.
func listSegments(dir, prefix string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue directory %s: %w", dir, err)
	}

	var segs []segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		start, ok := parseSegmentName(prefix, entry.Name())
		if !ok {
			continue
		}
		segs = append(segs, segment{
			path:  filepath.Join(dir, entry.Name()),
			start: start,
		})
	}

	sort.Slice(segs, func(i, j int) bool {
		return segs[i].start < segs[j].start
	})
	return segs, nil
}

// findSegment returns the index of the segment holding offset: the last
// segment starting at or before it.
func findSegment(segs []segment, offset int64) int {
	i := sort.Search(len(segs), func(i int) bool {
		return segs[i].start > offset
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

func fileSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// syncDir flushes directory metadata so newly created segments survive a
// power loss.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
