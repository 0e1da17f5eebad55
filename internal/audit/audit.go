// Package audit is an append-only sqlite event log of window lifecycle
// transitions and VERIFY decisions. Window events arrive in bursts (a
// damage storm maps and configures dozens of times a second), so they are
// buffered and flushed in one transaction; VERIFY decisions are rare and
// security-relevant, so each one flushes the log immediately.
package audit

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// schemaVersion is stamped into PRAGMA user_version; a database written
// by a newer daemon is refused rather than guessed at.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS window_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_id INTEGER NOT NULL,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_window_events_remote_id ON window_events(remote_id);

CREATE TABLE IF NOT EXISTS verify_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_id INTEGER NOT NULL,
	violation TEXT NOT NULL,
	decision TEXT NOT NULL,
	recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_verify_decisions_remote_id ON verify_decisions(remote_id);
`

// flushBatch is how many buffered window events trigger a flush on their
// own, without waiting for Close or a VERIFY decision.
const flushBatch = 32

type windowEvent struct {
	remoteID uint32
	event    string
	detail   string
}

// Log is an append-only sink for window lifecycle and VERIFY events.
type Log struct {
	db *sql.DB

	mu      sync.Mutex
	pending []windowEvent
}

// Open opens (creating if necessary) the sqlite database at dsn and
// ensures its schema is current.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// ensureSchema brings a fresh or current-version database up to
// schemaVersion in a single statement batch. There is no stepwise
// migration chain: the log is append-only and disposable, so an
// incompatible old database is simply rebuilt by the operator removing
// the file.
func ensureSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("audit: read schema version: %w", err)
	}
	switch {
	case version == schemaVersion:
		return nil
	case version > schemaVersion:
		return fmt.Errorf("audit: database schema version %d is newer than this daemon understands (%d)", version, schemaVersion)
	case version != 0:
		return fmt.Errorf("audit: database has unsupported schema version %d, remove it to rebuild", version)
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("audit: create schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("audit: stamp schema version: %w", err)
	}
	return nil
}

// Close flushes buffered events and releases the database.
func (l *Log) Close() error {
	flushErr := l.Flush()
	if err := l.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// RecordWindowEvent buffers one window lifecycle transition (e.g.
// "create", "destroy", "map", "configure") for remoteID. The write
// reaches the database on the next flush.
func (l *Log) RecordWindowEvent(remoteID uint32, event, detail string) error {
	l.mu.Lock()
	l.pending = append(l.pending, windowEvent{remoteID: remoteID, event: event, detail: detail})
	full := len(l.pending) >= flushBatch
	l.mu.Unlock()

	if full {
		return l.Flush()
	}
	return nil
}

// RecordVerifyDecision appends one VERIFY-class violation and the
// operator's Terminate/Ignore decision for remoteID, flushing everything
// buffered so far first so the surrounding window activity is on disk
// before the decision that reacted to it.
func (l *Log) RecordVerifyDecision(remoteID uint32, violation, decision string) error {
	if err := l.Flush(); err != nil {
		return err
	}
	_, err := l.db.Exec(
		"INSERT INTO verify_decisions (remote_id, violation, decision) VALUES (?, ?, ?)",
		remoteID, violation, decision,
	)
	return err
}

// Flush writes every buffered window event in one transaction. The buffer
// is drained even if the transaction fails — audit writes never get a
// second chance to wedge the event loop behind a broken disk.
func (l *Log) Flush() error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("audit: begin flush: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO window_events (remote_id, event, detail) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("audit: prepare flush: %w", err)
	}
	for _, ev := range batch {
		if _, err := stmt.Exec(ev.remoteID, ev.event, ev.detail); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("audit: flush event %q: %w", ev.event, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit flush: %w", err)
	}
	return nil
}
