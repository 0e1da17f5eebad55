package audit

import (
	"fmt"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestReopenKeepsSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := l.RecordWindowEvent(1, "create", ""); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer l.Close()

	var count int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM window_events").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("events after reopen = %d, want 1", count)
	}
}

func TestNewerSchemaVersionRefused(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion+1)); err != nil {
		t.Fatal(err)
	}
	l.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected error opening a newer-versioned database")
	}
}

func TestWindowEventsBufferUntilFlush(t *testing.T) {
	l := openTestLog(t)

	if err := l.RecordWindowEvent(7, "create", "320x200"); err != nil {
		t.Fatalf("RecordWindowEvent: %v", err)
	}

	var count int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM window_events").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("buffered event already on disk, count = %d", count)
	}

	if err := l.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := l.db.QueryRow("SELECT COUNT(*) FROM window_events WHERE remote_id = 7 AND event = 'create'").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count after flush = %d, want 1", count)
	}
}

func TestBatchThresholdFlushesAutomatically(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < flushBatch; i++ {
		if err := l.RecordWindowEvent(uint32(i), "configure", ""); err != nil {
			t.Fatal(err)
		}
	}

	var count int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM window_events").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != flushBatch {
		t.Errorf("count after hitting the batch threshold = %d, want %d", count, flushBatch)
	}
}

func TestRecordVerifyDecisionFlushesPendingFirst(t *testing.T) {
	l := openTestLog(t)

	if err := l.RecordWindowEvent(3, "flags", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordVerifyDecision(3, "flags_set and flags_unset overlap", "ignore"); err != nil {
		t.Fatalf("RecordVerifyDecision: %v", err)
	}

	var events int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM window_events WHERE remote_id = 3").Scan(&events); err != nil {
		t.Fatal(err)
	}
	if events != 1 {
		t.Errorf("pending window events not flushed before the decision, count = %d", events)
	}

	var decision string
	if err := l.db.QueryRow("SELECT decision FROM verify_decisions WHERE remote_id = 3").Scan(&decision); err != nil {
		t.Fatal(err)
	}
	if decision != "ignore" {
		t.Errorf("decision = %q, want ignore", decision)
	}
}
