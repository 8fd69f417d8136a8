package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InsertRequest records one forwarded tool call.
func (s *Store) InsertRequest(ctx context.Context, req *Request) error {
	if req.CreatedAt == 0 {
		req.CreatedAt = time.Now().UnixMilli()
	}
	if req.Params == "" {
		req.Params = "{}"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO requests (ref_id, session_id, tool_name, params, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		req.RefID, req.SessionID, req.ToolName, req.Params, req.CreatedAt)
	return wrap("insert request", err)
}

// GetRequest retrieves a request by ref id.
func (s *Store) GetRequest(ctx context.Context, refID string) (*Request, error) {
	var req Request
	err := s.DB.QueryRowContext(ctx,
		`SELECT ref_id, session_id, tool_name, params, created_at
		FROM requests WHERE ref_id = ?`, refID).
		Scan(&req.RefID, &req.SessionID, &req.ToolName, &req.Params, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get request", err)
	}
	return &req, nil
}

// InsertResponse records the single terminal response for a request.
// Write-once: a second insert for the same ref id fails on the primary key.
func (s *Store) InsertResponse(ctx context.Context, resp *Response) error {
	if resp.CreatedAt == 0 {
		resp.CreatedAt = time.Now().UnixMilli()
	}
	if resp.ResultMetadata == "" {
		resp.ResultMetadata = "{}"
	}
	var pageSnapshot, consoleLogs any
	if resp.HasSnapshot {
		pageSnapshot = resp.PageSnapshot
	}
	if resp.HasConsole {
		consoleLogs = resp.ConsoleLogs
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO responses (ref_id, status, result_metadata, page_snapshot,
		console_logs, error_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		resp.RefID, resp.Status, resp.ResultMetadata, pageSnapshot,
		consoleLogs, resp.ErrorText, resp.CreatedAt)
	return wrap("insert response", err)
}

// GetResponse retrieves a response by ref id.
func (s *Store) GetResponse(ctx context.Context, refID string) (*Response, error) {
	var resp Response
	var pageSnapshot, consoleLogs sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT ref_id, status, result_metadata, page_snapshot, console_logs,
		error_text, created_at FROM responses WHERE ref_id = ?`, refID).
		Scan(&resp.RefID, &resp.Status, &resp.ResultMetadata, &pageSnapshot,
			&consoleLogs, &resp.ErrorText, &resp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get response", err)
	}
	resp.PageSnapshot, resp.HasSnapshot = pageSnapshot.String, pageSnapshot.Valid
	resp.ConsoleLogs, resp.HasConsole = consoleLogs.String, consoleLogs.Valid
	return &resp, nil
}

// InsertConsoleEntries batch-inserts normalized console rows in one
// transaction.
func (s *Store) InsertConsoleEntries(ctx context.Context, entries []ConsoleEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin console batch", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO console_logs (ref_id, level, message, location, logged_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return wrap("prepare console batch", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, e := range entries {
		if e.LoggedAt == 0 {
			e.LoggedAt = now
		}
		if _, err := stmt.ExecContext(ctx, e.RefID, e.Level, e.Message, e.Location, e.LoggedAt); err != nil {
			tx.Rollback()
			return wrap("insert console entry", err)
		}
	}
	return wrap("commit console batch", tx.Commit())
}

// ConsoleEntries returns normalized console rows for a ref id, optionally
// filtered by level, oldest first.
func (s *Store) ConsoleEntries(ctx context.Context, refID, level string) ([]ConsoleEntry, error) {
	q := `SELECT id, ref_id, level, message, location, logged_at
		FROM console_logs WHERE ref_id = ?`
	args := []any{refID}
	if level != "" {
		q += ` AND level = ?`
		args = append(args, level)
	}
	q += ` ORDER BY logged_at ASC, id ASC`

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("console entries", err)
	}
	defer rows.Close()

	var entries []ConsoleEntry
	for rows.Next() {
		var e ConsoleEntry
		if err := rows.Scan(&e.ID, &e.RefID, &e.Level, &e.Message, &e.Location, &e.LoggedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ConsoleErrorCount counts error-level console rows for a ref id.
func (s *Store) ConsoleErrorCount(ctx context.Context, refID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM console_logs WHERE ref_id = ? AND level = 'error'`,
		refID).Scan(&n)
	return n, wrap("console error count", err)
}
