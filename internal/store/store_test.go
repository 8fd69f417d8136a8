package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	s.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApplySchema(t *testing.T) {
	// WHAT: Schema creates every table.
	// WHY: Everything else depends on it.
	s := openTestStore(t)
	for _, table := range []string{"sessions", "session_snapshots", "requests",
		"responses", "console_logs", "diff_cursors", "session_leases"} {
		var name string
		err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	// WHAT: Insert, get, touch, and state transitions round-trip.
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{ID: "sess-1"}
	if err := s.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateActive {
		t.Errorf("state: got %q, want %q", got.State, StateActive)
	}
	if got.LastSnapshotTime != 0 {
		t.Errorf("last_snapshot_time should start zero, got %d", got.LastSnapshotTime)
	}

	if err := s.SetSessionState(ctx, "sess-1", StateClosed); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got, _ = s.GetSession(ctx, "sess-1")
	if got.State != StateClosed {
		t.Errorf("state after close: got %q", got.State)
	}

	if _, err := s.GetSession(ctx, "nope"); err != ErrNotFound {
		t.Errorf("missing session: got %v, want ErrNotFound", err)
	}
}

func TestListSessionsFilter(t *testing.T) {
	// WHAT: Listing with a state filter returns only matching sessions.
	s := openTestStore(t)
	ctx := context.Background()

	for i, state := range []string{StateActive, StateActive, StateClosed} {
		sess := &Session{ID: fmt.Sprintf("sess-%d", i), State: state}
		if err := s.InsertSession(ctx, sess); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	active, err := s.ListSessions(ctx, StateActive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active: got %d, want 2", len(active))
	}
	all, _ := s.ListSessions(ctx, "")
	if len(all) != 3 {
		t.Errorf("all: got %d, want 3", len(all))
	}
}

func TestSnapshotPruneFIFO(t *testing.T) {
	// WHAT: An 11th snapshot with keep=10 leaves exactly 10 rows, the
	// oldest evicted.
	// WHY: Retention is FIFO, not LRU.
	s := openTestStore(t)
	ctx := context.Background()
	s.InsertSession(ctx, &Session{ID: "sess-1"})

	base := time.Now().UnixMilli()
	for i := 0; i < 11; i++ {
		snap := &Snapshot{
			SessionID:    "sess-1",
			CurrentURL:   fmt.Sprintf("https://a.test/%d", i),
			SnapshotTime: base + int64(i*1000),
		}
		if err := s.InsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("insert snapshot %d: %v", i, err)
		}
		if err := s.PruneSnapshots(ctx, "sess-1", 10); err != nil {
			t.Fatalf("prune after %d: %v", i, err)
		}
	}

	n, err := s.CountSnapshots(ctx, "sess-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Errorf("snapshots after prune: got %d, want 10", n)
	}

	// The oldest (index 0) is gone; the newest survives.
	var oldest string
	s.DB.QueryRow(`SELECT current_url FROM session_snapshots
		WHERE session_id = 'sess-1' ORDER BY snapshot_time ASC LIMIT 1`).Scan(&oldest)
	if oldest != "https://a.test/1" {
		t.Errorf("oldest survivor: got %q, want index 1", oldest)
	}
	latest, err := s.LatestSnapshot(ctx, "sess-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.CurrentURL != "https://a.test/10" {
		t.Errorf("latest: got %q", latest.CurrentURL)
	}
}

func TestLatestSnapshotMissing(t *testing.T) {
	// WHAT: A never-snapshotted session yields ErrNotFound.
	s := openTestStore(t)
	ctx := context.Background()
	s.InsertSession(ctx, &Session{ID: "sess-1"})

	if _, err := s.LatestSnapshot(ctx, "sess-1"); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestResponseWriteOnce(t *testing.T) {
	// WHAT: A second response insert for the same ref id fails.
	// WHY: One request produces exactly one terminal response.
	s := openTestStore(t)
	ctx := context.Background()
	s.InsertSession(ctx, &Session{ID: "sess-1"})
	s.InsertRequest(ctx, &Request{RefID: "ref-1", SessionID: "sess-1", ToolName: "browser_snapshot"})

	resp := &Response{RefID: "ref-1", Status: "success", PageSnapshot: "page", HasSnapshot: true}
	if err := s.InsertResponse(ctx, resp); err != nil {
		t.Fatalf("insert response: %v", err)
	}
	if err := s.InsertResponse(ctx, &Response{RefID: "ref-1", Status: "error"}); err == nil {
		t.Fatal("second insert should fail")
	}

	got, err := s.GetResponse(ctx, "ref-1")
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if !got.HasSnapshot || got.PageSnapshot != "page" {
		t.Errorf("snapshot: got %+v", got)
	}
	if got.HasConsole {
		t.Error("console should be absent")
	}
}

func TestDiffCursorUpsert(t *testing.T) {
	// WHAT: Cursor is created on first write and overwritten in place.
	s := openTestStore(t)
	ctx := context.Background()
	s.InsertSession(ctx, &Session{ID: "sess-1"})
	s.InsertRequest(ctx, &Request{RefID: "ref-1", SessionID: "sess-1", ToolName: "t"})
	s.InsertResponse(ctx, &Response{RefID: "ref-1", Status: "success"})

	if _, err := s.GetDiffCursor(ctx, "ref-1"); err != ErrNotFound {
		t.Fatalf("first read: got %v, want ErrNotFound", err)
	}

	if err := s.UpsertDiffCursor(ctx, &DiffCursor{RefID: "ref-1", LastHash: "h1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertDiffCursor(ctx, &DiffCursor{RefID: "ref-1", LastHash: "h2"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	c, err := s.GetDiffCursor(ctx, "ref-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.LastHash != "h2" {
		t.Errorf("hash: got %q, want h2", c.LastHash)
	}
}

func TestConsoleEntries(t *testing.T) {
	// WHAT: Batch insert, level filter, and error counting.
	s := openTestStore(t)
	ctx := context.Background()
	s.InsertSession(ctx, &Session{ID: "sess-1"})
	s.InsertRequest(ctx, &Request{RefID: "ref-1", SessionID: "sess-1", ToolName: "t"})
	s.InsertResponse(ctx, &Response{RefID: "ref-1", Status: "success"})

	entries := []ConsoleEntry{
		{RefID: "ref-1", Level: "info", Message: "loaded"},
		{RefID: "ref-1", Level: "error", Message: "boom"},
		{RefID: "ref-1", Level: "error", Message: "boom again"},
	}
	if err := s.InsertConsoleEntries(ctx, entries); err != nil {
		t.Fatalf("batch insert: %v", err)
	}

	all, err := s.ConsoleEntries(ctx, "ref-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all: got %d, want 3", len(all))
	}
	errs, _ := s.ConsoleEntries(ctx, "ref-1", "error")
	if len(errs) != 2 {
		t.Errorf("errors: got %d, want 2", len(errs))
	}
	n, _ := s.ConsoleErrorCount(ctx, "ref-1")
	if n != 2 {
		t.Errorf("error count: got %d, want 2", n)
	}
}

func TestLeaseArbitration(t *testing.T) {
	// WHAT: A live lease blocks other owners, an expired one is
	// reclaimable, and the holder can extend its own.
	// WHY: Single-writer arbitration for rehydration.
	s := openTestStore(t)
	ctx := context.Background()
	s.InsertSession(ctx, &Session{ID: "sess-1"})

	if err := s.AcquireLease(ctx, "sess-1", "owner-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.AcquireLease(ctx, "sess-1", "owner-b", time.Minute); err != ErrLeaseHeld {
		t.Fatalf("contended acquire: got %v, want ErrLeaseHeld", err)
	}
	// Holder extends.
	if err := s.AcquireLease(ctx, "sess-1", "owner-a", time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}

	if err := s.ReleaseLease(ctx, "sess-1", "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.AcquireLease(ctx, "sess-1", "owner-b", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}

	// Expired leases are reclaimable by anyone.
	s.InsertSession(ctx, &Session{ID: "sess-2"})
	if err := s.AcquireLease(ctx, "sess-2", "owner-a", -time.Second); err != nil {
		t.Fatalf("acquire expired-on-arrival: %v", err)
	}
	if err := s.AcquireLease(ctx, "sess-2", "owner-b", time.Minute); err != nil {
		t.Fatalf("reclaim expired: %v", err)
	}
}

func TestParseValidation(t *testing.T) {
	// WHAT: Malformed cookie/storage JSON surfaces an error instead of a
	// decode fault downstream.
	if _, err := ParseCookies(`[{"name":"a","value":"b"}]`); err != nil {
		t.Errorf("valid cookies rejected: %v", err)
	}
	if _, err := ParseCookies(`{"not":"an array"}`); err == nil {
		t.Error("malformed cookies accepted")
	}
	if _, err := ParseStorage(`{"k":"v"}`); err != nil {
		t.Errorf("valid storage rejected: %v", err)
	}
	if _, err := ParseStorage(`[1,2]`); err == nil {
		t.Error("malformed storage accepted")
	}
	if _, err := ParseViewport(`{"width":800,"height":600}`); err != nil {
		t.Errorf("valid viewport rejected: %v", err)
	}
	if kv, err := ParseStorage(""); err != nil || kv != nil {
		t.Errorf("empty storage: got %v, %v", kv, err)
	}
}
