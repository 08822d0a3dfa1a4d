// Package fsutil holds the file discipline shared by every stage: artifacts
// are produced under a temporary sibling name and renamed into place, so a
// canonical path only ever holds a complete file.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const tempMarker = ".tmp-"

// TempPath returns the temporary sibling of final used while producing it.
// The tag distinguishes concurrent producers; a run id is a good choice.
func TempPath(final, tag string) string {
	return final + tempMarker + tag
}

// MkdirFor creates the parent directory of path.
func MkdirFor(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}

// Commit renames tmp onto final, creating the parent directory of final.
func Commit(tmp, final string) error {
	if err := MkdirFor(final); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", final, err)
	}
	return nil
}

// WriteAtomic copies r into path through a temporary sibling. On any error
// the temporary file is removed and path is left untouched.
func WriteAtomic(path, tag string, r io.Reader) (n int64, err error) {
	if err := MkdirFor(path); err != nil {
		return 0, err
	}
	tmp := TempPath(path, tag)
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	n, err = io.Copy(out, r)
	if err != nil {
		_ = out.Close()
		return n, fmt.Errorf("failed to write file %s: %w", tmp, err)
	}
	if err = out.Sync(); err != nil {
		_ = out.Close()
		return n, fmt.Errorf("failed to sync file %s: %w", tmp, err)
	}
	if err = out.Close(); err != nil {
		return n, fmt.Errorf("failed to close file %s: %w", tmp, err)
	}
	if err = Commit(tmp, path); err != nil {
		return n, err
	}
	return n, nil
}

// Remove deletes path (file or directory tree). A missing path is not an
// error; removed reports whether anything was there.
func Remove(path string) (removed bool, err error) {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(path); err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return true, nil
}

// RemoveStale deletes final and any temporary siblings left by earlier runs.
// It returns the paths it removed.
func RemoveStale(final string) ([]string, error) {
	ok, err := Remove(final)
	if err != nil {
		return nil, err
	}
	temps, err := RemoveTemps(final)
	if ok {
		temps = append([]string{final}, temps...)
	}
	return temps, err
}

// RemoveTemps deletes the temporary siblings of final left by interrupted
// runs, keeping final itself. It returns the paths it removed.
func RemoveTemps(final string) ([]string, error) {
	var removed []string
	matches, err := filepath.Glob(final + tempMarker + "*")
	if err != nil {
		return nil, fmt.Errorf("failed to list stale files for %s: %w", final, err)
	}
	for _, p := range matches {
		ok, err := Remove(p)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, p)
		}
	}
	return removed, nil
}

// Size returns the size of a regular file.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}
