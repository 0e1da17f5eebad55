package registry

import "testing"

func TestInsertLookupRoundTrip(t *testing.T) {
	r := New(1)
	rec, err := r.Insert(7, 0, false, 0, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got, ok := r.LookupByRemote(7); !ok || got != rec {
		t.Fatalf("LookupByRemote(7) = %v, %v", got, ok)
	}
	if got, ok := r.LookupByLocal(rec.LocalID); !ok || got != rec {
		t.Fatalf("LookupByLocal(%d) = %v, %v", rec.LocalID, got, ok)
	}
}

func TestDuplicateRemoteRejected(t *testing.T) {
	r := New(1)
	if _, err := r.Insert(7, 0, false, 0, false); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if _, err := r.Insert(7, 0, false, 0, false); err != ErrDuplicateRemote {
		t.Fatalf("err = %v, want ErrDuplicateRemote", err)
	}
}

func TestUnresolvedParentFallsBackToRoot(t *testing.T) {
	r := New(1)
	rec, err := r.Insert(42, 99, true, 0, false) // 99 was never created
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rec.Parent != FullscreenWindow {
		t.Errorf("Parent = %d, want root (%d)", rec.Parent, FullscreenWindow)
	}
	if _, ok := r.ResolveParent(rec); ok {
		t.Error("ResolveParent should report no parent once it resolves to root")
	}
}

func TestParentResolvesToLiveWindow(t *testing.T) {
	r := New(1)
	parent, _ := r.Insert(1, 0, false, 0, false)
	child, err := r.Insert(2, 1, true, 0, false)
	if err != nil {
		t.Fatalf("Insert child: %v", err)
	}
	got, ok := r.ResolveParent(child)
	if !ok || got != parent {
		t.Fatalf("ResolveParent = %v, %v, want %v, true", got, ok, parent)
	}
}

func TestParentDestroyedLeavesStaleHandle(t *testing.T) {
	r := New(1)
	r.Insert(1, 0, false, 0, false)
	child, _ := r.Insert(2, 1, true, 0, false)

	if err := r.Remove(1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := r.ResolveParent(child); ok {
		t.Error("ResolveParent should miss once the parent is destroyed")
	}
}

func TestCreateDestroySequenceLeavesNoResidue(t *testing.T) {
	r := New(1)
	before := r.Count()

	handles := []Handle{10, 11, 12, 13}
	for _, h := range handles {
		if _, err := r.Insert(h, 0, false, 0, false); err != nil {
			t.Fatalf("Insert(%d): %v", h, err)
		}
	}
	for _, h := range handles {
		if err := r.Remove(h); err != nil {
			t.Fatalf("Remove(%d): %v", h, err)
		}
	}

	if after := r.Count(); after != before {
		t.Errorf("Count() = %d after full CREATE...DESTROY sequence, want %d", after, before)
	}
}

func TestRemoveUnknownIsNotFound(t *testing.T) {
	r := New(1)
	if err := r.Remove(5); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOverrideRedirectNoticeFiresOnce(t *testing.T) {
	r := New(1)
	if !r.MarkOverrideRedirectNoticeShown() {
		t.Error("first call should report firstTime = true")
	}
	if r.MarkOverrideRedirectNoticeShown() {
		t.Error("second call should report firstTime = false")
	}
}

func TestFullscreenWindowNeverAllocated(t *testing.T) {
	r := New(1)
	rec, err := r.Insert(FullscreenWindow, 0, false, 0, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rec.RemoteID != FullscreenWindow {
		t.Errorf("RemoteID = %d, want %d", rec.RemoteID, FullscreenWindow)
	}
}
