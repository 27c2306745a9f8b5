// Package offset persists a run's acknowledgement watermark: the highest
// operation version the backend has confirmed.
//
// The watermark lives in a single small file next to the run's queue. It is
// replaced atomically (write to a temporary file, fsync, rename), so readers
// in other processes never observe a partial value.
package offset

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the name of the watermark file inside a run directory.
const FileName = "last_ack_version"

// ErrRegression is returned by Write when the new value is smaller than the
// persisted one.
var ErrRegression = errors.New("acknowledged version cannot decrease")

// File is the watermark file of one run.
type File struct {
	path   string
	logger *log.Logger
}

// New returns the watermark file of the run directory dir. Nothing is read
// or created until Read or Write is called.
func New(dir string, logger *log.Logger) *File {
	if logger == nil {
		logger = log.New(os.Stderr, "[offset] ", log.LstdFlags)
	}
	return &File{
		path:   filepath.Join(dir, FileName),
		logger: logger,
	}
}

// Path returns the location of the watermark file.
func (f *File) Path() string {
	return f.path
}

// Read returns the persisted watermark. The boolean is false when no
// watermark was ever written, which means nothing was acknowledged.
func (f *File) Read() (int64, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	if v < 0 {
		return 0, false, fmt.Errorf("invalid acknowledged version %d in %s", v, f.path)
	}
	return v, true, nil
}

// Write atomically replaces the watermark with version. Writing a value
// below the current one is rejected with ErrRegression; writing the current
// value again is a no-op.
func (f *File) Write(version int64) error {
	if version < 0 {
		return fmt.Errorf("invalid acknowledged version %d", version)
	}

	current, ok, err := f.Read()
	if err != nil {
		return err
	}
	if ok && version < current {
		f.logger.Printf("Warning: refusing to move %s back from %d to %d", f.path, current, version)
		return fmt.Errorf("%w: %d < %d", ErrRegression, version, current)
	}
	if ok && version == current {
		return nil
	}

	return writeAtomic(f.path, []byte(strconv.FormatInt(version, 10)+"\n"))
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temporary offset file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temporary offset file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temporary offset file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temporary offset file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move offset file into place: %w", err)
	}

	// The rename itself is only durable once the directory is flushed.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
