// Package lockfile implements the process-external file locks under the
// run directory: the inter-viewer lock, the per-display shm.id lock, and
// the guid-booting/guid-running hand-off pair. All are advisory flock(2)
// locks via golang.org/x/sys/unix.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// File is an exclusive advisory lock on a single path. The file is
// created if missing and File itself never removes it; StartupHandoff
// deletes the booting and running files when it releases them. Other lock
// files stay in place — deployments expect /run/qubes to be a tmpfs
// that's cleared at boot.
type File struct {
	path string
	f    *os.File
}

// Open creates (if needed) and opens path for locking, without acquiring
// the lock yet.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

// Lock blocks until the exclusive lock is acquired or ctx is cancelled.
// It polls TryLock on a short interval rather than blocking inside
// flock(2) directly, so cancellation is always honored promptly.
func (l *File) Lock(ctx context.Context) error {
	const pollInterval = 10 * time.Millisecond
	for {
		ok, err := l.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// TryLock attempts a non-blocking exclusive lock, returning (false, nil)
// if another holder has it.
func (l *File) TryLock() (bool, error) {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK {
		return false, nil
	}
	return false, fmt.Errorf("lockfile: flock %s: %w", l.path, err)
}

// Unlock releases the lock. Safe to call even if not currently held.
func (l *File) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("lockfile: unlock %s: %w", l.path, err)
	}
	return nil
}

// Close releases the underlying file descriptor. The lock is implicitly
// dropped by the kernel on close, but callers should still Unlock first
// so the intent is explicit in the code reading this.
func (l *File) Close() error {
	return l.f.Close()
}

// WritePID truncates the lock file and writes pid as decimal text, the
// layout guid-running.<domid> carries.
func (l *File) WritePID(pid int) error {
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	if _, err := l.f.WriteAt([]byte(fmt.Sprintf("%d", pid)), 0); err != nil {
		return err
	}
	return l.f.Sync()
}
