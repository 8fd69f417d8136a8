package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

const sessionColumns = `session_id, state, created_at, last_activity, current_url,
	cookies, local_storage, session_storage, viewport, last_snapshot_time`

// InsertSession creates a new session row in the active state.
func (s *Store) InsertSession(ctx context.Context, sess *Session) error {
	now := time.Now().UnixMilli()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	if sess.LastActivity == 0 {
		sess.LastActivity = now
	}
	if sess.State == "" {
		sess.State = StateActive
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.State, sess.CreatedAt, sess.LastActivity, sess.CurrentURL,
		sess.Cookies, sess.LocalStorage, sess.SessionStorage, sess.Viewport,
		sess.LastSnapshotTime,
	)
	return wrap("insert session", err)
}

// GetSession retrieves a session by id. Returns ErrNotFound if absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListSessions returns sessions ordered by recency, optionally filtered by
// state.
func (s *Store) ListSessions(ctx context.Context, state string) ([]*Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, state)
	}
	q += ` ORDER BY last_activity DESC`

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TouchSession bumps last_activity.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		time.Now().UnixMilli(), id)
	return wrap("touch session", err)
}

// SetSessionState transitions a session's lifecycle state.
func (s *Store) SetSessionState(ctx context.Context, id, state string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET state = ?, last_activity = ? WHERE session_id = ?`,
		state, time.Now().UnixMilli(), id)
	return wrap("set session state", err)
}

// UpdateSessionRecoveryFields writes a snapshot's values into the
// session's inline cache and advances last_snapshot_time.
func (s *Store) UpdateSessionRecoveryFields(ctx context.Context, snap *Snapshot) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET current_url = ?, cookies = ?, local_storage = ?,
		session_storage = ?, viewport = ?, last_snapshot_time = ?
		WHERE session_id = ?`,
		snap.CurrentURL, snap.Cookies, snap.LocalStorage,
		snap.SessionStorage, snap.Viewport, snap.SnapshotTime, snap.SessionID)
	return wrap("update recovery fields", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var sess Session
	err := r.Scan(&sess.ID, &sess.State, &sess.CreatedAt, &sess.LastActivity,
		&sess.CurrentURL, &sess.Cookies, &sess.LocalStorage,
		&sess.SessionStorage, &sess.Viewport, &sess.LastSnapshotTime)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
