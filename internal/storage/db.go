// Package storage owns the SQLite database shared by the ledger,
// approval, and checkpoint stores.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	stream     TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	id         TEXT    NOT NULL,
	ts         TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	hash_prev  TEXT    NOT NULL,
	hash_self  TEXT    NOT NULL,
	PRIMARY KEY (stream, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS events_id ON events(id);
CREATE INDEX IF NOT EXISTS events_stream_ts ON events(stream, ts);

CREATE TABLE IF NOT EXISTS approvals (
	id           TEXT PRIMARY KEY,
	app_id       TEXT NOT NULL,
	session_id   TEXT,
	action       TEXT NOT NULL,
	risk         TEXT,
	requested_by TEXT,
	reason       TEXT,
	state        TEXT NOT NULL,
	resolver     TEXT,
	resolution   TEXT,
	requested_at TEXT NOT NULL,
	deadline     TEXT NOT NULL,
	resolved_at  TEXT
);
CREATE INDEX IF NOT EXISTS approvals_state ON approvals(state);

CREATE TABLE IF NOT EXISTS checkpoints (
	stream      TEXT    NOT NULL,
	from_seq    INTEGER NOT NULL,
	to_seq      INTEGER NOT NULL,
	root        TEXT    NOT NULL,
	created_at  TEXT    NOT NULL,
	receipt     BLOB,
	anchored_at TEXT,
	PRIMARY KEY (stream, from_seq)
);
`

// Open opens (or creates) the SQLite database at path and applies the
// schema. WAL mode keeps checkpoint and export reads from blocking the
// per-stream append lanes.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return db, nil
}
