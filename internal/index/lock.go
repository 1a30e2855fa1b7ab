package index

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
)

// LockFileName is the name of the per-workspace writer lock.
const LockFileName = "index.lock"

// FileLock is a cross-process lock on a workspace data directory. Only one
// process may write a workspace's cache and local vector data at a time.
type FileLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewFileLock creates a lock at <dir>/index.lock.
func NewFileLock(dir string) *FileLock {
	lockPath := filepath.Join(dir, LockFileName)
	return &FileLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns an ErrCodeIndexLocked error when another process holds it.
func (l *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return amerrors.New(amerrors.ErrCodeIndexLocked, "workspace index is in use by another process", nil).
			WithDetail("lock", l.path).
			WithSuggestion("stop the other amanindex process or use a read-only command")
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Safe to call on an unlocked FileLock.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the path to the lock file.
func (l *FileLock) Path() string {
	return l.path
}

// IsLocked returns true if the lock is currently held.
func (l *FileLock) IsLocked() bool {
	return l.locked
}
