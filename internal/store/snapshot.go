package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const snapshotColumns = `id, session_id, current_url, cookies, local_storage,
	session_storage, viewport, snapshot_time`

// InsertSnapshot appends an immutable snapshot row.
func (s *Store) InsertSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap.SnapshotTime == 0 {
		snap.SnapshotTime = time.Now().UnixMilli()
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO session_snapshots (session_id, current_url, cookies,
		local_storage, session_storage, viewport, snapshot_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.SessionID, snap.CurrentURL, snap.Cookies, snap.LocalStorage,
		snap.SessionStorage, snap.Viewport, snap.SnapshotTime)
	if err != nil {
		return wrap("insert snapshot", err)
	}
	snap.ID, _ = res.LastInsertId()
	return nil
}

// LatestSnapshot returns the newest snapshot for a session, or ErrNotFound
// if the session was never snapshotted.
func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM session_snapshots
		WHERE session_id = ? ORDER BY snapshot_time DESC, id DESC LIMIT 1`,
		sessionID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return snap, err
}

// CountSnapshots returns the number of snapshot rows for a session.
func (s *Store) CountSnapshots(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_snapshots WHERE session_id = ?`,
		sessionID).Scan(&n)
	return n, wrap("count snapshots", err)
}

// PruneSnapshots enforces FIFO retention: keeps the newest keep rows for
// the session and deletes the rest, oldest first.
func (s *Store) PruneSnapshots(ctx context.Context, sessionID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM session_snapshots WHERE session_id = ? AND id NOT IN (
			SELECT id FROM session_snapshots WHERE session_id = ?
			ORDER BY snapshot_time DESC, id DESC LIMIT ?
		)`, sessionID, sessionID, keep)
	return wrap("prune snapshots", err)
}

func scanSnapshot(r rowScanner) (*Snapshot, error) {
	var snap Snapshot
	err := r.Scan(&snap.ID, &snap.SessionID, &snap.CurrentURL, &snap.Cookies,
		&snap.LocalStorage, &snap.SessionStorage, &snap.Viewport, &snap.SnapshotTime)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
