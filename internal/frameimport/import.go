package frameimport

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Locker is the inter-viewer lock: a process-global, file-backed mutex
// whose scope includes every daemon on the host and the display server's
// preload shim. internal/lockfile provides the real
// flock-based implementation.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// SharedArgsStore reads and writes the shm.id.<display> file backing
// SharedArgs. internal/lockfile's file-backed store is the
// production implementation; tests use an in-memory stub.
type SharedArgsStore interface {
	Write(SharedArgs) error
	Read() (SharedArgs, error)
}

// Attacher asks the display server to attach the image described by the
// SharedArgs just written. The real display server and its preload shim
// are collaborators of this package; this is the seam a fake
// implementation fills in tests.
type Attacher interface {
	Attach(ctx context.Context, domID uint32) error
}

// AttacherFunc adapts a plain function to Attacher.
type AttacherFunc func(ctx context.Context, domID uint32) error

func (fn AttacherFunc) Attach(ctx context.Context, domID uint32) error { return fn(ctx, domID) }

// ErrAttachFailed wraps a failed Attach call so Import's caller can tell
// a non-fatal discard apart from a Locker/store
// failure (which the daemon should treat as more serious).
type ErrAttachFailed struct {
	Err error
}

func (e *ErrAttachFailed) Error() string { return fmt.Sprintf("frameimport: attach failed: %v", e.Err) }
func (e *ErrAttachFailed) Unwrap() error { return e.Err }

// Frame is the live import bound to a WindowRecord once Import succeeds.
type Frame struct {
	ID       string // temporary identifier for the attach handshake
	Variant  Variant
	Width    int
	Height   int
	ShmID    uint32
}

// Importer drives the import flow: acquire the
// inter-viewer lock, write SharedArgs, ask the server to attach, restore
// SharedArgs to the command identifier, release the lock. If the server
// reports an attach failure the frame is discarded and Import returns
// *ErrAttachFailed, which callers treat as non-fatal.
type Importer struct {
	lock     Locker
	store    SharedArgsStore
	attacher Attacher
}

// New builds an Importer around the given lock, SharedArgs store and
// display-server attacher.
func New(lock Locker, store SharedArgsStore, attacher Attacher) *Importer {
	return &Importer{lock: lock, store: store, attacher: attacher}
}

// Import performs one full importer cycle for a freshly received
// MFNDUMP/WINDOW_DUMP. On attach failure it returns *ErrAttachFailed and
// the caller should discard the frame and continue; any other error
// indicates the lock or SharedArgs file itself is
// broken, which is more serious.
func (im *Importer) Import(ctx context.Context, domID uint32, variant Variant, width, height int, shmID uint32, offset uint32, refs []uint32) (*Frame, error) {
	if err := im.lock.Lock(ctx); err != nil {
		return nil, fmt.Errorf("frameimport: acquire inter-viewer lock: %w", err)
	}
	defer im.lock.Unlock()

	id := uuid.NewString()
	args := SharedArgs{
		ShmID:  shmID,
		DomID:  domID,
		Type:   variant,
		Count:  uint32(len(refs)),
		Offset: offset,
		Refs:   refs,
	}
	if err := im.store.Write(args); err != nil {
		return nil, fmt.Errorf("frameimport: write shared args: %w", err)
	}

	attachErr := im.attacher.Attach(ctx, domID)

	if err := im.store.Write(CommandIdent); err != nil {
		return nil, fmt.Errorf("frameimport: restore shared args to command identifier: %w", err)
	}

	if attachErr != nil {
		return nil, &ErrAttachFailed{Err: attachErr}
	}

	return &Frame{ID: id, Variant: variant, Width: width, Height: height, ShmID: shmID}, nil
}
