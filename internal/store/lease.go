package store

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseHeld is returned when another owner holds a live lease on the
// session.
var ErrLeaseHeld = errors.New("store: session lease held")

// AcquireLease takes the single-writer lease for a session id. An expired
// lease is reclaimable by any owner; a live lease by a different owner
// yields ErrLeaseHeld. Re-acquiring one's own lease extends it.
func (s *Store) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO session_leases (session_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE session_leases.owner = excluded.owner
			OR session_leases.expires_at < ?`,
		sessionID, owner, now+ttl.Milliseconds(), now)
	if err != nil {
		return wrap("acquire lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("acquire lease", err)
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if held by owner.
func (s *Store) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM session_leases WHERE session_id = ? AND owner = ?`,
		sessionID, owner)
	return wrap("release lease", err)
}
