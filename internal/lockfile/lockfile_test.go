package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openqube/guid/internal/frameimport"
)

func TestTryLockExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	ok, err := a.TryLock()
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v, want true, nil", ok, err)
	}

	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer b.Close()

	ok, err = b.TryLock()
	if err != nil {
		t.Fatalf("second TryLock err: %v", err)
	}
	if ok {
		t.Error("second TryLock should fail while first holder is live")
	}

	if err := a.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	ok, err = b.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock after unlock = %v, %v, want true, nil", ok, err)
	}
}

func TestWritePID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "running.1")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if err := f.WritePID(4242); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "4242" {
		t.Errorf("file contents = %q, want %q", got, "4242")
	}
}

func TestStartupHandoffOrdering(t *testing.T) {
	RunDir = t.TempDir()

	h, err := BeginBoot(context.Background(), 7)
	if err != nil {
		t.Fatalf("BeginBoot: %v", err)
	}
	if _, err := os.Stat(Booting(7)); err != nil {
		t.Fatalf("booting lock file missing: %v", err)
	}

	if err := h.CompleteBoot(); err != nil {
		t.Fatalf("CompleteBoot: %v", err)
	}
	if _, err := os.Stat(Booting(7)); !os.IsNotExist(err) {
		t.Error("booting lock file should be removed after CompleteBoot")
	}
	if _, err := os.Stat(Running(7)); err != nil {
		t.Fatalf("running lock file missing: %v", err)
	}

	h.Release()
	if _, err := os.Stat(Running(7)); !os.IsNotExist(err) {
		t.Error("running lock file should be removed after Release")
	}
}

func TestBeginBootRejectsSecondInstance(t *testing.T) {
	RunDir = t.TempDir()

	h1, err := BeginBoot(context.Background(), 3)
	if err != nil {
		t.Fatalf("BeginBoot first: %v", err)
	}
	defer h1.Release()

	if _, err := BeginBoot(context.Background(), 3); err == nil {
		t.Error("second BeginBoot for the same domid should fail")
	}
}

func TestShmStoreRoundTrip(t *testing.T) {
	RunDir = t.TempDir()
	store := NewShmStore(0)

	want := frameimport.SharedArgs{ShmID: 1, DomID: 2, Type: frameimport.VariantPageRefs, Count: 1, Offset: 0, Refs: []uint32{7}}
	if err := store.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.ShmID != want.ShmID || got.DomID != want.DomID {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLockBlocksUntilReleasedOrCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	a, _ := Open(path)
	defer a.Close()
	a.TryLock()

	b, _ := Open(path)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := b.Lock(ctx); err == nil {
		t.Error("expected context deadline error while lock is held")
	}
}
