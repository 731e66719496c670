// Package lock implements the project-wide advisory lock described in
// design §4.8 (the configuration table lives in graphstore): a single POSIX flock(2)
// on ".tup/lock" serializes all writers, while readers may open without
// it provided they perform no writes.
package lock

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Acquire when another process already holds
// the exclusive lock.
var ErrLocked = fmt.Errorf("tup: project already locked by another process")

// Lock is a held advisory lock on a project's ".tup/lock" file.
type Lock struct {
	file *os.File
	// HolderID is a random identifier stamped for this acquisition,
	// useful to correlate op-log entries and diagnostics across a single
	// invocation (design §6's transaction-correlation use of uuid).
	HolderID string
}

// Acquire opens (creating if necessary) the lock file at path and takes
// an exclusive, non-blocking flock on it. Design §5: "The advisory lock
// is held for the lifetime of the invocation."
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tup: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("tup: flock: %w", err)
	}
	return &Lock{file: f, HolderID: uuid.NewString()}, nil
}

// Release drops the lock and closes the underlying file descriptor.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("tup: unlock: %w", err)
	}
	return l.file.Close()
}
