package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetDiffCursor retrieves the cursor for a ref id, or ErrNotFound on first
// read.
func (s *Store) GetDiffCursor(ctx context.Context, refID string) (*DiffCursor, error) {
	var c DiffCursor
	err := s.DB.QueryRowContext(ctx,
		`SELECT ref_id, last_hash, last_read_at FROM diff_cursors WHERE ref_id = ?`,
		refID).Scan(&c.RefID, &c.LastHash, &c.LastReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get diff cursor", err)
	}
	return &c, nil
}

// UpsertDiffCursor creates or overwrites the cursor for a ref id.
func (s *Store) UpsertDiffCursor(ctx context.Context, c *DiffCursor) error {
	if c.LastReadAt == 0 {
		c.LastReadAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO diff_cursors (ref_id, last_hash, last_read_at)
		VALUES (?, ?, ?)
		ON CONFLICT(ref_id) DO UPDATE SET
			last_hash = excluded.last_hash,
			last_read_at = excluded.last_read_at`,
		c.RefID, c.LastHash, c.LastReadAt)
	return wrap("upsert diff cursor", err)
}
