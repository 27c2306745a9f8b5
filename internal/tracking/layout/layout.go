// Package layout maps runs onto the tracking directory.
//
// A tracking directory looks like
//
//	<base>/.runtrack/
//	    offline/
//	        <offline-uuid>/     runs without a server identity yet
//	    <server-uuid>/          registered runs
//
// Each run directory holds one operation queue and at most one
// acknowledgement watermark.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

const (
	// DirName is the name of the tracking directory inside a base location.
	DirName = ".runtrack"

	// OfflineDirName is the namespace of runs that were never registered.
	OfflineDirName = "offline"
)

// Layout is a resolved tracking directory.
type Layout struct {
	root string
}

// New returns the layout rooted at root, the tracking directory itself.
func New(root string) *Layout {
	return &Layout{root: root}
}

// Find resolves location to a tracking directory. location may either
// contain a .runtrack directory or be one.
func Find(location string) (*Layout, error) {
	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", location, err)
	}

	if isDir(filepath.Join(abs, DirName)) {
		return New(filepath.Join(abs, DirName)), nil
	}
	if filepath.Base(abs) == DirName && isDir(abs) {
		return New(abs), nil
	}
	return nil, fmt.Errorf("path %s does not contain a '%s' folder", abs, DirName)
}

// Root returns the tracking directory.
func (l *Layout) Root() string {
	return l.root
}

// OfflineRoot returns the directory holding offline runs.
func (l *Layout) OfflineRoot() string {
	return filepath.Join(l.root, OfflineDirName)
}

// RunDir returns the directory of the registered run id.
func (l *Layout) RunDir(id string) string {
	return filepath.Join(l.root, id)
}

// OfflineRunDir returns the directory of the offline run id.
func (l *Layout) OfflineRunDir(id string) string {
	return filepath.Join(l.root, OfflineDirName, id)
}

// ListRegistered returns the ids of all registered run directories, sorted.
func (l *Layout) ListRegistered() ([]string, error) {
	return listRunDirs(l.root)
}

// ListOffline returns the ids of all offline run directories, sorted. A
// missing offline namespace holds no runs.
func (l *Layout) ListOffline() ([]string, error) {
	return listRunDirs(l.OfflineRoot())
}

// ReferencesOffline reports whether ref names an offline run: it must be a
// UUID with a matching directory in the offline namespace.
func (l *Layout) ReferencesOffline(ref string) bool {
	return IsValidUUID(ref) && isDir(l.OfflineRunDir(ref))
}

// IsValidUUID reports whether s is a UUID, as used for run directory names.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func listRunDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && IsValidUUID(entry.Name()) {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
