//go:build windows

package scheduler

import (
	"errors"
	"os"
)

// TaskLock is the Windows counterpart of the flock(2)-based lock in lock.go:
// it acquires a non-blocking per-task lock by atomically creating a lock
// file, since flock has no direct Windows equivalent. Creation fails while
// another process owns the lock.
type TaskLock struct {
	path   string
	locked bool
}

// NewTaskLock returns a TaskLock for the given lock file path.
func NewTaskLock(path string) *TaskLock {
	return &TaskLock{path: path}
}

// TryLock attempts to acquire the lock without blocking. Returns false, not
// an error, when another process already holds it.
func (l *TaskLock) TryLock() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, err
	}
	l.locked = true
	return true, nil
}

// Unlock releases the lock and removes the lock file.
func (l *TaskLock) Unlock() error {
	if !l.locked {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l.locked = false
	return nil
}
