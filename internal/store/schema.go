package store

import "database/sql"

// Schema is the complete pwkeeper schema. Idempotent; applied on open.
const Schema = `
-- Browser sessions and their inline recovery fields
CREATE TABLE IF NOT EXISTS sessions (
    session_id         TEXT PRIMARY KEY,
    state              TEXT NOT NULL DEFAULT 'active'
                       CHECK(state IN ('active','closed','recoverable','stale','failed','error')),
    created_at         INTEGER NOT NULL,
    last_activity      INTEGER NOT NULL,
    current_url        TEXT NOT NULL DEFAULT '',
    cookies            TEXT NOT NULL DEFAULT '',
    local_storage      TEXT NOT NULL DEFAULT '',
    session_storage    TEXT NOT NULL DEFAULT '',
    viewport           TEXT NOT NULL DEFAULT '',
    last_snapshot_time INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity);

-- Immutable point-in-time copies of a session's recovery fields
CREATE TABLE IF NOT EXISTS session_snapshots (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    current_url     TEXT NOT NULL DEFAULT '',
    cookies         TEXT NOT NULL DEFAULT '',
    local_storage   TEXT NOT NULL DEFAULT '',
    session_storage TEXT NOT NULL DEFAULT '',
    viewport        TEXT NOT NULL DEFAULT '',
    snapshot_time   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_session_time
    ON session_snapshots(session_id, snapshot_time DESC);

-- One row per forwarded call
CREATE TABLE IF NOT EXISTS requests (
    ref_id     TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(session_id),
    tool_name  TEXT NOT NULL,
    params     TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_session ON requests(session_id);
CREATE INDEX IF NOT EXISTS idx_requests_tool ON requests(tool_name);

-- Exactly one terminal response per request, write-once.
-- Large payloads live in dedicated columns; result_metadata stays small.
CREATE TABLE IF NOT EXISTS responses (
    ref_id          TEXT PRIMARY KEY REFERENCES requests(ref_id),
    status          TEXT NOT NULL CHECK(status IN ('success','error')),
    result_metadata TEXT NOT NULL DEFAULT '{}',
    page_snapshot   TEXT,
    console_logs    TEXT,
    error_text      TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_responses_status ON responses(status);

-- Normalized console entries (blob on responses is the fallback)
CREATE TABLE IF NOT EXISTS console_logs (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    ref_id    TEXT NOT NULL REFERENCES responses(ref_id),
    level     TEXT NOT NULL CHECK(level IN ('debug','info','warn','error')),
    message   TEXT NOT NULL,
    location  TEXT NOT NULL DEFAULT '',
    logged_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_console_ref ON console_logs(ref_id);
CREATE INDEX IF NOT EXISTS idx_console_level ON console_logs(level);

-- Per-reference "changed since last read" hashes
CREATE TABLE IF NOT EXISTS diff_cursors (
    ref_id       TEXT PRIMARY KEY REFERENCES responses(ref_id),
    last_hash    TEXT NOT NULL,
    last_read_at INTEGER NOT NULL
);

-- Single-writer lease per session id; arbitrates concurrent rehydration
-- and multi-instance reclaim
CREATE TABLE IF NOT EXISTS session_leases (
    session_id TEXT PRIMARY KEY REFERENCES sessions(session_id),
    owner      TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);
`

// ApplySchema creates all tables and indexes if they don't exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
