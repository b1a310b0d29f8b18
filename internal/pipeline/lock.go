package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
)

// ErrLocked indicates another run already owns the install prefix.
var ErrLocked = errors.New("pipeline: another run holds the install lock")

// Lock is a marker file scoping one run to one install prefix. It is not
// an advisory flock: the file's existence is the lock, so a stale lock
// after a crash must be removed explicitly (the error says where it is).
type Lock struct {
	path string
}

// NewLock returns a lock stored at dir/.pqsetup.lock.
func NewLock(dir string) *Lock {
	return &Lock{path: filepath.Join(dir, ".pqsetup.lock")}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire creates the lock file exclusively, recording the run ID and pid
// for the error message of any competing run.
func (l *Lock) Acquire(runID string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("pipeline: preparing lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, _ := os.ReadFile(l.path)
			return fmt.Errorf("%w: %s held by %s (remove the file if the previous run crashed)",
				ErrLocked, l.path, string(holder))
		}
		return fmt.Errorf("pipeline: acquiring lock %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "run=%s pid=%d", runID, os.Getpid()); err != nil {
		return fmt.Errorf("pipeline: writing lock %s: %w", l.path, err)
	}
	return nil
}

// Release removes the lock file. Failure to release is logged, not
// returned; the run outcome is already decided by then.
func (l *Lock) Release(ctx context.Context) {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		ctxlog.FromContext(ctx).Warn("Failed to release install lock.", "path", l.path, "error", err)
	}
}
