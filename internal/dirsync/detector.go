package dirsync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ModTimeFunc returns the modification time of path
type ModTimeFunc func(path string) (time.Time, error)

// LstatModTime is the default ModTimeFunc. Symlinks report their own mtime,
// so a dangling link never fails a check.
func LstatModTime(path string) (time.Time, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// FileRegistry maps a path to the last modification time observed for it.
// Entries are never removed: deleted files stay registered and do not count as changes.
type FileRegistry map[string]time.Time

// ChangeDetector reports whether anything under a root changed since the previous check
type ChangeDetector struct {
	modTime  ModTimeFunc
	ignore   *IgnoreList
	registry FileRegistry
	mu       sync.Mutex
}

func NewChangeDetector(modTime ModTimeFunc, ignore *IgnoreList) *ChangeDetector {
	if modTime == nil {
		modTime = LstatModTime
	}
	return &ChangeDetector{
		modTime:  modTime,
		ignore:   ignore,
		registry: make(FileRegistry),
	}
}

// Observation is the result of one scan. Its updates reach the registry only on Commit.
type Observation struct {
	detector *ChangeDetector
	updates  FileRegistry
	visited  int
}

// Changed reports whether any visited path was new or newer than its registered mtime
func (o *Observation) Changed() bool {
	return len(o.updates) > 0
}

// Updates returns the number of new or modified paths
func (o *Observation) Updates() int {
	return len(o.updates)
}

// Visited returns the number of paths looked at, including the root
func (o *Observation) Visited() int {
	return o.visited
}

// Commit records the observed modification times in the registry
func (o *Observation) Commit() {
	if o == nil || len(o.updates) == 0 {
		return
	}
	d := o.detector
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, mtime := range o.updates {
		if prev, ok := d.registry[path]; !ok || mtime.After(prev) {
			d.registry[path] = mtime
		}
	}
}

// CheckForChanges scans root and updates the registry in place.
// A root that does not exist is reported as unchanged.
func (d *ChangeDetector) CheckForChanges(root string) (bool, error) {
	obs, err := d.Observe(root)
	if err != nil {
		return false, err
	}
	obs.Commit()
	return obs.Changed(), nil
}

// Observe scans the root directory itself and every file beneath it without
// touching the registry. Directories below the root are not tracked.
func (d *ChangeDetector) Observe(root string) (*Observation, error) {
	obs := &Observation{detector: d, updates: make(FileRegistry)}

	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return obs, nil
		}
		return nil, fmt.Errorf("stat root %s: %w", root, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.observePath(obs, root); err != nil {
		return nil, err
	}

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// vanished between listing and visiting
			if errors.Is(walkErr, fs.ErrNotExist) && path != root {
				return nil
			}
			return walkErr
		}

		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if entry.IsDir() {
			if d.ignore.ShouldIgnore(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.ignore.ShouldIgnore(rel, false) {
			return nil
		}

		return d.observePath(obs, path)
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	return obs, nil
}

func (d *ChangeDetector) observePath(obs *Observation, path string) error {
	mtime, err := d.modTime(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	obs.visited++
	if last, ok := d.registry[path]; ok && !mtime.After(last) {
		return nil
	}
	obs.updates[path] = mtime
	return nil
}

// Registry returns a copy of the registry
func (d *ChangeDetector) Registry() FileRegistry {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := make(FileRegistry, len(d.registry))
	for k, v := range d.registry {
		cp[k] = v
	}
	return cp
}
