package registry

import (
	"errors"
	"sync"
)

var (
	// ErrDuplicateRemote is returned when CREATE reuses a remote id that
	// is still live — the guest is misbehaving.
	ErrDuplicateRemote = errors.New("registry: remote id already exists")
	ErrNotFound        = errors.New("registry: window not found")
)

// Registry is the dual-index window map: remote-id and
// local-id both resolve to the same WindowRecord, and the registry alone
// resolves parent/transient/embedder edges so the rest of the daemon never
// has to chase pointers across windows.
type Registry struct {
	mu sync.Mutex

	byRemote map[Handle]*WindowRecord
	byLocal  map[LocalID]*WindowRecord

	nextLocal LocalID

	// overrideRedirectNoticeShown tracks the one-shot, process-wide
	// notice: it appears at most once per daemon run, not once per window.
	overrideRedirectNoticeShown bool
}

// New returns an empty registry. allocateLocalFrom lets the daemon seed the
// local-id allocator above whatever range the embedding display server
// reserves for itself; 0 is a safe default for tests.
func New(allocateLocalFrom LocalID) *Registry {
	return &Registry{
		byRemote:  make(map[Handle]*WindowRecord),
		byLocal:   make(map[LocalID]*WindowRecord),
		nextLocal: allocateLocalFrom,
	}
}

// Insert creates a new record for remote, allocating a fresh LocalID.
// parent/transient references that don't resolve to a live window fall
// back to root (FullscreenWindow).
func (r *Registry) Insert(remote Handle, parent Handle, hasParent bool, transientFor Handle, hasTransient bool) (*WindowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byRemote[remote]; exists {
		return nil, ErrDuplicateRemote
	}

	local := r.nextLocal
	r.nextLocal++

	rec := newRecord(remote, local)

	if hasParent {
		if _, ok := r.byRemote[parent]; ok || parent == FullscreenWindow {
			rec.Parent = parent
		} else {
			rec.Parent = FullscreenWindow
		}
		rec.HasParent = true
	}
	if hasTransient {
		if _, ok := r.byRemote[transientFor]; ok || transientFor == FullscreenWindow {
			rec.TransientFor = transientFor
		} else {
			rec.TransientFor = FullscreenWindow
		}
		rec.HasTransient = true
	}

	r.byRemote[remote] = rec
	r.byLocal[local] = rec
	return rec, nil
}

// RebindLocal re-keys rec under the host display server's real window
// identity. Insert allocates a provisional LocalID so the record is
// indexed immediately; once the server has actually created the child
// window the daemon rebinds to the id the server chose, which is what
// every subsequent host event carries.
func (r *Registry) RebindLocal(rec *WindowRecord, local LocalID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byLocal, rec.LocalID)
	rec.LocalID = local
	r.byLocal[local] = rec
}

// LookupByRemote resolves a guest-declared window handle.
func (r *Registry) LookupByRemote(remote Handle) (*WindowRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byRemote[remote]
	return rec, ok
}

// LookupByLocal resolves a host-side window identity, e.g. from a display
// server event that must be routed back to the owning guest window.
func (r *Registry) LookupByLocal(local LocalID) (*WindowRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byLocal[local]
	return rec, ok
}

// Remove deletes remote's record from both indices. Any live window whose
// Parent or TransientFor pointed at remote keeps that stale handle — the
// next lookup against it simply misses, which callers already treat as
// "resolve to root".
func (r *Registry) Remove(remote Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byRemote[remote]
	if !ok {
		return ErrNotFound
	}
	delete(r.byRemote, remote)
	delete(r.byLocal, rec.LocalID)
	return nil
}

// Count returns the number of live windows, used by tests to assert a
// CREATE...DESTROY sequence leaves no residue.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRemote)
}

// ResolveParent returns the parent's record, or (nil, false) when the
// window has no parent or its parent has already been destroyed — in
// either case the caller should treat the window as parented to root.
func (r *Registry) ResolveParent(rec *WindowRecord) (*WindowRecord, bool) {
	if !rec.HasParent || rec.Parent == FullscreenWindow {
		return nil, false
	}
	return r.LookupByRemote(rec.Parent)
}

// ResolveTransientFor mirrors ResolveParent for the TRANSIENT_FOR edge.
func (r *Registry) ResolveTransientFor(rec *WindowRecord) (*WindowRecord, bool) {
	if !rec.HasTransient || rec.TransientFor == FullscreenWindow {
		return nil, false
	}
	return r.LookupByRemote(rec.TransientFor)
}

// MarkOverrideRedirectNoticeShown reports whether this call is the first
// time the daemon is about to show the override-redirect notice this run.
// It flips the flag as a side effect, so only the first caller gets true.
func (r *Registry) MarkOverrideRedirectNoticeShown() (firstTime bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overrideRedirectNoticeShown {
		return false
	}
	r.overrideRedirectNoticeShown = true
	return true
}

// Windows returns a snapshot slice of all live records, for iteration by
// the daemon loop (e.g. broadcasting a screensaver restack). The slice is
// a copy; mutating records through it is fine, mutating the slice itself
// has no effect on the registry.
func (r *Registry) Windows() []*WindowRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*WindowRecord, 0, len(r.byRemote))
	for _, rec := range r.byRemote {
		out = append(out, rec)
	}
	return out
}
