package lockfile

import (
	"context"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
)

// StartupHandoff implements the guid-booting → guid-running hand-off:
// the booting lock is
// held only across attach/version-handshake, preventing a second daemon
// from racing to serve the same domid during a slow guest boot, and is
// replaced by the running lock as soon as the version handshake completes.
type StartupHandoff struct {
	domID   uint32
	booting *File
	running *File
}

// BeginBoot acquires the booting lock for domID, failing fast if another
// daemon already holds it (a racing second instance for the same guest).
func BeginBoot(ctx context.Context, domID uint32) (*StartupHandoff, error) {
	booting, err := Open(Booting(domID))
	if err != nil {
		return nil, err
	}
	ok, err := booting.TryLock()
	if err != nil {
		booting.Close()
		return nil, err
	}
	if !ok {
		booting.Close()
		return nil, fmt.Errorf("lockfile: another daemon is already booting domain %d", domID)
	}
	return &StartupHandoff{domID: domID, booting: booting}, nil
}

// CompleteBoot acquires the running lock, writes the current process's
// PID into it, then releases and removes the booting lock — running must
// be held before booting
// is released, so there is no window where neither lock is held.
func (h *StartupHandoff) CompleteBoot() error {
	running, err := Open(Running(h.domID))
	if err != nil {
		return err
	}
	ok, err := running.TryLock()
	if err != nil {
		running.Close()
		return err
	}
	if !ok {
		running.Close()
		return fmt.Errorf("lockfile: domain %d already has a running daemon", h.domID)
	}
	if err := running.WritePID(os.Getpid()); err != nil {
		running.Unlock()
		running.Close()
		return err
	}
	h.running = running

	if h.booting != nil {
		h.booting.Unlock()
		h.booting.Close()
		os.Remove(Booting(h.domID))
		h.booting = nil
	}
	return nil
}

// Release drops whichever locks are still held (running normally, booting
// only if CompleteBoot was never reached, e.g. a fatal startup error).
func (h *StartupHandoff) Release() {
	if h.running != nil {
		h.running.Unlock()
		h.running.Close()
		os.Remove(Running(h.domID))
		h.running = nil
	}
	if h.booting != nil {
		h.booting.Unlock()
		h.booting.Close()
		os.Remove(Booting(h.domID))
		h.booting = nil
	}
}

// WatchRunning watches the running-lock path for removal, letting a
// would-be second daemon block until the slot frees up instead of
// polling. It's best-effort: callers that only care about the final
// TryLock race should ignore the returned error and fall back to
// BeginBoot's own lock contention check.
func WatchRunning(ctx context.Context, domID uint32) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("lockfile: create watcher: %w", err)
	}
	if err := w.Add(RunDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("lockfile: watch %s: %w", RunDir, err)
	}

	removed := make(chan struct{}, 1)
	target := Running(domID)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == target && (ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0) {
					select {
					case removed <- struct{}{}:
					default:
					}
					return
				}
			case <-w.Errors:
				return
			}
		}
	}()
	return removed, nil
}
