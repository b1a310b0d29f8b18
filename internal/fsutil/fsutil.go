// Package fsutil provides file system helpers shared by the installer:
// timestamped backups and atomic file writes.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// timestampFormat suffixes backup names; second precision keeps names
// sortable and collision-free for sequential runs.
const timestampFormat = "20060102-150405"

// Backup renames path to path.bak-<timestamp> and returns the backup path.
// It returns "" with no error when path does not exist. Backups are never
// deleted by this package.
func Backup(path string) (string, error) {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("fsutil: stat %s: %w", path, err)
	}

	backup := fmt.Sprintf("%s.bak-%s", path, time.Now().Format(timestampFormat))
	// A second run within the same second must not clobber the first backup.
	for i := 1; ; i++ {
		if _, err := os.Lstat(backup); os.IsNotExist(err) {
			break
		}
		backup = fmt.Sprintf("%s.bak-%s.%d", path, time.Now().Format(timestampFormat), i)
	}

	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("fsutil: backing up %s: %w", path, err)
	}
	return backup, nil
}

// WriteFileAtomic writes data to path via a temporary file in the same
// directory followed by a rename, so a partially-written file is never
// visible at path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("fsutil: creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("fsutil: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("fsutil: chmod %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsutil: closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("fsutil: renaming into place at %s: %w", path, err)
	}
	return nil
}
