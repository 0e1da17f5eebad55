package frameimport

import (
	"context"
	"errors"
	"testing"
)

type fakeLock struct {
	locked bool
}

func (f *fakeLock) Lock(ctx context.Context) error {
	f.locked = true
	return nil
}

func (f *fakeLock) Unlock() error {
	f.locked = false
	return nil
}

type fakeStore struct {
	writes []SharedArgs
	cur    SharedArgs
}

func (f *fakeStore) Write(a SharedArgs) error {
	f.writes = append(f.writes, a)
	f.cur = a
	return nil
}

func (f *fakeStore) Read() (SharedArgs, error) {
	return f.cur, nil
}

type fakeAttacher struct {
	err error
}

func (f *fakeAttacher) Attach(ctx context.Context, domID uint32) error {
	return f.err
}

func TestSharedArgsEncodeDecodePageRefs(t *testing.T) {
	want := SharedArgs{ShmID: 1, DomID: 2, Type: VariantPageRefs, Count: 2, Offset: 10, Refs: []uint32{100, 200}}
	got, err := DecodeSharedArgs(want.Encode())
	if err != nil {
		t.Fatalf("DecodeSharedArgs: %v", err)
	}
	if got.ShmID != want.ShmID || got.DomID != want.DomID || got.Offset != want.Offset || len(got.Refs) != 2 {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSharedArgsEncodeDecodeGrantRefs(t *testing.T) {
	want := SharedArgs{ShmID: 5, DomID: 9, Type: VariantGrantRefs, Count: 1, Refs: []uint32{42}}
	got, err := DecodeSharedArgs(want.Encode())
	if err != nil {
		t.Fatalf("DecodeSharedArgs: %v", err)
	}
	if got.Type != VariantGrantRefs || len(got.Refs) != 1 || got.Refs[0] != 42 {
		t.Errorf("got %+v", got)
	}
}

func TestImportSuccessRestoresCommandIdentAndReleasesLock(t *testing.T) {
	lock := &fakeLock{}
	store := &fakeStore{}
	attacher := &fakeAttacher{}
	im := New(lock, store, attacher)

	f, err := im.Import(context.Background(), 7, VariantPageRefs, 320, 200, 1, 0, []uint32{1, 2, 3})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if f.ID == "" {
		t.Error("expected a non-empty temporary identifier")
	}
	if lock.locked {
		t.Error("lock should be released after Import returns")
	}
	if len(store.writes) != 2 {
		t.Fatalf("expected two SharedArgs writes (import, then restore), got %d", len(store.writes))
	}
	last := store.writes[len(store.writes)-1]
	if last.ShmID != CommandIdent.ShmID || last.DomID != CommandIdent.DomID {
		t.Errorf("final write = %+v, want command identifier", last)
	}
}

func TestImportAttachFailureDiscardsFrame(t *testing.T) {
	lock := &fakeLock{}
	store := &fakeStore{}
	attacher := &fakeAttacher{err: errors.New("server refused")}
	im := New(lock, store, attacher)

	f, err := im.Import(context.Background(), 7, VariantPageRefs, 320, 200, 1, 0, []uint32{1})
	if f != nil {
		t.Error("expected nil frame on attach failure")
	}
	var attachErr *ErrAttachFailed
	if !errors.As(err, &attachErr) {
		t.Fatalf("err = %v, want ErrAttachFailed", err)
	}
	// SharedArgs must still be restored to the command identifier even on failure.
	last := store.writes[len(store.writes)-1]
	if last.ShmID != CommandIdent.ShmID {
		t.Errorf("SharedArgs not restored after attach failure: %+v", last)
	}
	if lock.locked {
		t.Error("lock should still be released after a failed attach")
	}
}

type fakeReleaser struct {
	released []*Frame
}

func (f *fakeReleaser) Release(ctx context.Context, fr *Frame) error {
	f.released = append(f.released, fr)
	return nil
}

func TestBindingsReplaceReleasesPrevious(t *testing.T) {
	rel := &fakeReleaser{}
	b := NewBindings(rel)

	first := &Frame{ID: "a"}
	second := &Frame{ID: "b"}

	if err := b.Replace(context.Background(), 1, first); err != nil {
		t.Fatalf("Replace(first): %v", err)
	}
	if len(rel.released) != 0 {
		t.Errorf("no previous frame to release yet, got %d releases", len(rel.released))
	}

	if err := b.Replace(context.Background(), 1, second); err != nil {
		t.Fatalf("Replace(second): %v", err)
	}
	if len(rel.released) != 1 || rel.released[0] != first {
		t.Fatalf("expected first frame released exactly once, got %+v", rel.released)
	}

	cur, ok := b.Current(1)
	if !ok || cur != second {
		t.Errorf("Current = %v, %v, want second, true", cur, ok)
	}
}

func TestBindingsClearReleasesAndForgets(t *testing.T) {
	rel := &fakeReleaser{}
	b := NewBindings(rel)
	f := &Frame{ID: "a"}
	b.Replace(context.Background(), 1, f)

	if err := b.Clear(context.Background(), 1); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(rel.released) != 1 {
		t.Fatalf("expected one release, got %d", len(rel.released))
	}
	if _, ok := b.Current(1); ok {
		t.Error("Current should report no frame after Clear")
	}
}
