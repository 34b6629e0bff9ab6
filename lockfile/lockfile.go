// Package lockfile provides the exclusive advisory writer lock used by
// the pull engine to prevent parallel pulls against the same local
// store. bbolt.Open already takes an OS-level advisory file lock (flock
// on Unix, LockFileEx on Windows) for the duration the file is open and
// fails fast if another process holds it, so it doubles as a portable
// lock primitive without hand-rolling syscall.Flock.
package lockfile

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// ErrLocked is wrapped into the error returned by Acquire when another
// process already holds the lock.
var ErrLocked = fmt.Errorf("lockfile: already locked")

// Lock is a held exclusive lock on a path. Release it with Close.
type Lock struct {
	db   *bbolt.DB
	path string
}

// Acquire takes an exclusive advisory lock on path, failing fast (no
// blocking wait) if it is already held.
func Acquire(path string) (*Lock, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 1 * time.Millisecond})
	if err != nil {
		if err == bbolt.ErrTimeout {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("lockfile: acquire %s: %w", path, err)
	}
	return &Lock{db: db, path: path}, nil
}

// Close releases the lock.
func (l *Lock) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("lockfile: release %s: %w", l.path, err)
	}
	return nil
}

// WithLock acquires the lock at path, runs fn, and always releases it
// afterward, an acquire/run/release wrapper around Acquire/Close.
func WithLock(path string, fn func() error) error {
	lock, err := Acquire(path)
	if err != nil {
		return err
	}
	defer lock.Close()
	return fn()
}
