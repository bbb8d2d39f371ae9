//go:build !windows

package scheduler

import (
	"os"
	"syscall"
)

// TaskLock is a non-blocking, per-task file lock backed by flock(2), used to
// keep two scheduler instances sharing a workspace tree from firing the same
// ScheduledTask at once.
type TaskLock struct {
	path string
	file *os.File
}

// NewTaskLock returns a TaskLock for the given lock file path. The file is
// created lazily on the first TryLock call.
func NewTaskLock(path string) *TaskLock {
	return &TaskLock{path: path}
}

// TryLock attempts to acquire the lock without blocking. Returns false, not
// an error, when another process already holds it.
func (l *TaskLock) TryLock() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, err
	}

	l.file = f
	return true, nil
}

// Unlock releases the lock and removes the lock file.
func (l *TaskLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return err
	}
	name := l.file.Name()
	l.file.Close()
	l.file = nil
	os.Remove(name)
	return nil
}
