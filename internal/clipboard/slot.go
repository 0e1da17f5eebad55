// Package clipboard implements the Clipboard Broker (C8): the at-most-one
// in-flight copy/paste invariant, the cross-VM policy check, the
// file-backed slot and its staleness rule.
package clipboard

import (
	"context"
	"fmt"
	"sync"
)

// MaxSize is the clipboard slot's byte ceiling.
const MaxSize = 65000

// staleWindow is the 32-bit wraparound window of the staleness rule: a
// paste is delivered only when its event timestamp postdates the file's
// by 1 to 2^31-1 ms (mod 2^32); any other difference is stale.
const staleWindow = uint32(1) << 31

// Locker is the inter-viewer lock protecting the clipboard file.
// Satisfied by *lockfile.File.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// Store persists the slot's three files:
// qubes-clipboard.bin, .bin.source, .bin.xevent.
type Store interface {
	Write(data []byte, source string, timestamp uint32) error
	Read() (data []byte, source string, timestamp uint32, err error)
	Clear() error
}

// ErrNoPendingRequest is returned when a CLIPBOARD_DATA arrives outside a
// pending CLIPBOARD_REQ; the caller logs and drops it.
var ErrNoPendingRequest = fmt.Errorf("clipboard: no pending request")

// ErrRequestInFlight is returned by RequestCopy when a request is already
// outstanding (at-most-one in-flight invariant).
var ErrRequestInFlight = fmt.Errorf("clipboard: a copy request is already in flight")

// Broker coordinates the slot across the in-band and out-of-band paths.
type Broker struct {
	mu      sync.Mutex
	lock    Locker
	store   Store
	pending bool
}

// New returns a Broker backed by the given inter-viewer lock and file
// store.
func New(lock Locker, store Store) *Broker {
	return &Broker{lock: lock, store: store}
}

// RequestCopy marks a clipboard_requested as in-flight, refusing a second
// concurrent request.
func (b *Broker) RequestCopy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending {
		return ErrRequestInFlight
	}
	b.pending = true
	return nil
}

// CompleteCopy stores data from the guest as the new clipboard contents,
// tagging it with source and the triggering key event's timestamp. It
// fails with ErrNoPendingRequest if no RequestCopy is outstanding — the
// caller logs and drops.
func (b *Broker) CompleteCopy(ctx context.Context, data []byte, source string, eventTimestamp uint32) error {
	b.mu.Lock()
	if !b.pending {
		b.mu.Unlock()
		return ErrNoPendingRequest
	}
	b.pending = false
	b.mu.Unlock()

	if len(data) > MaxSize {
		data = data[:MaxSize]
	}

	if err := b.lock.Lock(ctx); err != nil {
		return fmt.Errorf("clipboard: acquire inter-viewer lock: %w", err)
	}
	defer b.lock.Unlock()

	return b.store.Write(data, source, eventTimestamp)
}

// CancelPending clears the in-flight flag without storing anything,
// e.g. when the requesting session itself tears down.
func (b *Broker) CancelPending() {
	b.mu.Lock()
	b.pending = false
	b.mu.Unlock()
}

// PolicyOracle is the dom0-side (or helper-invoked) allow/deny check
// every paste must pass before the slot is read.
type PolicyOracle interface {
	Check(ctx context.Context, sourceVM, destVM string) (allow bool, err error)
}

// Paste implements the read side: policy check, staleness check, read,
// truncate-and-clear. It returns (nil, false, nil) for a denied or stale
// paste — both are silent drops, not errors.
func (b *Broker) Paste(ctx context.Context, oracle PolicyOracle, destVM string, eventTimestamp uint32) ([]byte, bool, error) {
	if err := b.lock.Lock(ctx); err != nil {
		return nil, false, fmt.Errorf("clipboard: acquire inter-viewer lock: %w", err)
	}
	defer b.lock.Unlock()

	data, source, fileTimestamp, err := b.store.Read()
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	allow, err := oracle.Check(ctx, source, destVM)
	if err != nil {
		return nil, false, err
	}
	if !allow {
		return nil, false, nil
	}

	if isStale(fileTimestamp, eventTimestamp) {
		return nil, false, nil
	}

	if err := b.store.Clear(); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// SourceVM returns the slot's current source tag without consuming the
// slot, used by the out-of-band path whose payload the daemon never sees.
func (b *Broker) SourceVM(ctx context.Context) (string, error) {
	if err := b.lock.Lock(ctx); err != nil {
		return "", fmt.Errorf("clipboard: acquire inter-viewer lock: %w", err)
	}
	defer b.lock.Unlock()
	_, source, _, err := b.store.Read()
	return source, err
}

// isStale implements the 32-bit-wraparound staleness check. Using
// unsigned wraparound
// arithmetic, fileTimestamp - eventTimestamp at or under half the
// 32-bit range means the event does not clearly postdate the file's last
// mutation, so the paste is dropped as stale.
func isStale(fileTimestamp, eventTimestamp uint32) bool {
	return fileTimestamp-eventTimestamp <= staleWindow
}
