package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobConflict is returned when a job of the same type is already active.
	ErrJobConflict = errors.New("job of this type already active")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	email    TEXT NOT NULL DEFAULT '',
	role     TEXT NOT NULL DEFAULT 'rep',
	team_id  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS transcripts (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	account_name    TEXT NOT NULL DEFAULT '',
	call_date       TEXT NOT NULL DEFAULT '',
	call_type       TEXT NOT NULL DEFAULT '',
	transcript_text TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transcript_chunks (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	transcript_id      TEXT NOT NULL,
	chunk_index        INTEGER NOT NULL,
	chunk_text         TEXT NOT NULL,
	embedding          TEXT,
	entities           TEXT,
	topics             TEXT,
	framework_elements TEXT,
	extraction_status  TEXT NOT NULL DEFAULT 'pending',
	account_name       TEXT NOT NULL DEFAULT '',
	call_date          TEXT NOT NULL DEFAULT '',
	call_type          TEXT NOT NULL DEFAULT '',
	rep_id             TEXT NOT NULL DEFAULT '',
	rep_name           TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (transcript_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_missing_embedding
	ON transcript_chunks (id) WHERE embedding IS NULL;
CREATE INDEX IF NOT EXISTS idx_chunks_extraction_status
	ON transcript_chunks (extraction_status);

CREATE TABLE IF NOT EXISTS index_jobs (
	id           TEXT PRIMARY KEY,
	job_type     TEXT NOT NULL,
	status       TEXT NOT NULL,
	progress     TEXT,
	error        TEXT,
	created_by   TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMP,
	completed_at TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL
);
`

// Store is the SQLite-backed persistence layer shared by the request
// handlers and the background workers. It is the single source of truth
// for chunks and job records.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Pass ":memory:" for an in-memory database (tests).
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		// WAL mode for concurrent reader/writer access between the HTTP
		// handlers and the worker loops.
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
