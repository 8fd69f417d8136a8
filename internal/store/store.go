// Package store is the data access layer: sessions, snapshots,
// request/response records, console logs, diff cursors, and session
// leases, all in one SQLite database.
//
// Every write is scoped to one row or one transaction over one session's
// rows, so a failed write never corrupts unrelated entities.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// Error wraps a persistence failure. It is surfaced to the immediate
// caller of the write and never escalates past it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Store wraps the pwkeeper database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Open opens (creating parent directories if needed) the database at path
// with production-safe pragmas and applies the schema. The caller must
// blank-import a driver registering as "sqlite":
//
//	import _ "modernc.org/sqlite"
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, wrap("mkdir", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, wrap(p, err)
		}
	}

	if err := ApplySchema(db); err != nil {
		db.Close()
		return nil, wrap("apply schema", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wrap("ping", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}
