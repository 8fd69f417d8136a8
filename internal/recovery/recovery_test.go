package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pwkeeper/internal/store"
)

// fakeCaller scripts tool-call results and records every invocation.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []recordedCall
	handler func(name string, args map[string]any) (string, error)
	block   chan struct{} // when set, CallTool waits until closed
}

type recordedCall struct {
	Name string
	Args map[string]any
}

func (f *fakeCaller) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m, _ := args.(map[string]any)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Name: name, Args: m})
	f.mu.Unlock()

	text := ""
	if f.handler != nil {
		var err error
		text, err = f.handler(name, m)
		if err != nil {
			return nil, err
		}
	}
	result, _ := json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
	return result, nil
}

func (f *fakeCaller) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	s.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSession(t *testing.T, st *store.Store, id, state string) {
	t.Helper()
	sess := &store.Session{ID: id, State: state}
	if err := st.InsertSession(context.Background(), sess); err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
}

func seedSnapshot(t *testing.T, st *store.Store, id string, age time.Duration, url string) {
	t.Helper()
	snap := &store.Snapshot{
		SessionID:    id,
		CurrentURL:   url,
		SnapshotTime: time.Now().Add(-age).UnixMilli(),
	}
	if err := st.InsertSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
}

// --- classifier ---

func TestClassifyByAge(t *testing.T) {
	// WHAT: Orphaned active sessions classify by newest-snapshot age:
	// within max age → recoverable, beyond → stale, none → closed.
	st := openTestStore(t)
	maxAge := 24 * time.Hour

	seedSession(t, st, "young", store.StateActive)
	seedSnapshot(t, st, "young", maxAge-time.Second, "https://young.test")
	seedSession(t, st, "old", store.StateActive)
	seedSnapshot(t, st, "old", maxAge+time.Second, "https://old.test")
	seedSession(t, st, "bare", store.StateActive)

	c := NewClassifier(st, maxAge, nil)
	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Recoverable != 1 || sum.Stale != 1 || sum.Closed != 1 {
		t.Errorf("summary: %+v", sum)
	}

	for id, want := range map[string]string{
		"young": store.StateRecoverable,
		"old":   store.StateStale,
		"bare":  store.StateClosed,
	} {
		sess, _ := st.GetSession(context.Background(), id)
		if sess.State != want {
			t.Errorf("%s: got %q, want %q", id, sess.State, want)
		}
	}
}

func TestClassifyAmbiguity(t *testing.T) {
	// WHAT: Future-dated snapshots and malformed JSON degrade to stale.
	// WHY: Conservative handling beats an unhandled decode fault.
	st := openTestStore(t)
	ctx := context.Background()

	seedSession(t, st, "future", store.StateActive)
	st.InsertSnapshot(ctx, &store.Snapshot{
		SessionID:    "future",
		SnapshotTime: time.Now().Add(time.Hour).UnixMilli(),
	})
	seedSession(t, st, "badcookies", store.StateActive)
	st.InsertSnapshot(ctx, &store.Snapshot{
		SessionID:    "badcookies",
		Cookies:      `{"not":"an array"}`,
		SnapshotTime: time.Now().UnixMilli(),
	})

	c := NewClassifier(st, 24*time.Hour, nil)
	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Stale != 2 || sum.Ambiguous != 2 {
		t.Errorf("summary: %+v", sum)
	}
}

func TestClassifyIdempotent(t *testing.T) {
	// WHAT: A second pass leaves non-active sessions untouched.
	st := openTestStore(t)
	ctx := context.Background()

	seedSession(t, st, "s1", store.StateActive)
	seedSnapshot(t, st, "s1", time.Minute, "https://a.test")
	seedSession(t, st, "done", store.StateClosed)

	c := NewClassifier(st, 24*time.Hour, nil)
	if _, err := c.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Recoverable != 0 || sum.Stale != 0 || sum.Closed != 0 {
		t.Errorf("second pass should find nothing: %+v", sum)
	}
	sess, _ := st.GetSession(ctx, "s1")
	if sess.State != store.StateRecoverable {
		t.Errorf("s1: got %q", sess.State)
	}
}

func TestRestartScenario(t *testing.T) {
	// WHAT: Snapshot at T=0, restart 45s later with a 24h max age →
	// recoverable, and the latest snapshot still carries the URL.
	st := openTestStore(t)
	ctx := context.Background()

	seedSession(t, st, "s1", store.StateActive)
	seedSnapshot(t, st, "s1", 45*time.Second, "https://a.test")

	c := NewClassifier(st, 86400*time.Second, nil)
	if _, err := c.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	sess, _ := st.GetSession(ctx, "s1")
	if sess.State != store.StateRecoverable {
		t.Fatalf("state: got %q, want recoverable", sess.State)
	}
	snap, err := st.LatestSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if snap.CurrentURL != "https://a.test" {
		t.Errorf("url: got %q", snap.CurrentURL)
	}
}

// --- rehydrator ---

func seedRecoverable(t *testing.T, st *store.Store, id string) {
	t.Helper()
	seedSession(t, st, id, store.StateRecoverable)
	snap := &store.Snapshot{
		SessionID:      id,
		CurrentURL:     "https://a.test/app",
		Cookies:        `[{"name":"sid","value":"abc"}]`,
		LocalStorage:   `{"theme":"dark"}`,
		SessionStorage: `{"step":"3"}`,
		Viewport:       `{"width":1280,"height":720}`,
		SnapshotTime:   time.Now().UnixMilli(),
	}
	if err := st.InsertSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
}

func TestRehydrateSuccess(t *testing.T) {
	// WHAT: Replay runs navigate → cookies → storage → reload in order
	// and ends with the session active.
	st := openTestStore(t)
	seedRecoverable(t, st, "s1")
	fc := &fakeCaller{}
	r := NewRehydrator(st, fc, "inst-a", time.Minute, nil)

	res, err := r.Rehydrate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if res.RestoredURL != "https://a.test/app" {
		t.Errorf("restored url: got %q", res.RestoredURL)
	}

	sess, _ := st.GetSession(context.Background(), "s1")
	if sess.State != store.StateActive {
		t.Errorf("state: got %q, want active", sess.State)
	}

	calls := fc.recorded()
	if len(calls) == 0 || calls[0].Name != "browser_navigate" {
		t.Fatalf("first call: %+v", calls)
	}
	// Order: navigate, cookie write, localStorage, sessionStorage, reload.
	var sequence []string
	for _, c := range calls {
		fn, _ := c.Args["function"].(string)
		switch {
		case c.Name == "browser_navigate":
			sequence = append(sequence, "navigate")
		case strings.Contains(fn, "document.cookie"):
			sequence = append(sequence, "cookie")
		case strings.Contains(fn, "localStorage"):
			sequence = append(sequence, "local")
		case strings.Contains(fn, "sessionStorage"):
			sequence = append(sequence, "session")
		case strings.Contains(fn, "reload"):
			sequence = append(sequence, "reload")
		}
	}
	want := []string{"navigate", "cookie", "local", "session", "reload"}
	if len(sequence) != len(want) {
		t.Fatalf("sequence: %v", sequence)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Errorf("step %d: got %s, want %s (full: %v)", i, sequence[i], want[i], sequence)
		}
	}
}

func TestRehydrateEscapesStorageValues(t *testing.T) {
	// WHAT: Storage values carrying newlines, quotes, and backslashes
	// must arrive inside the evaluate call as a single valid JS string
	// literal, not a broken multi-line one.
	st := openTestStore(t)
	seedSession(t, st, "s1", store.StateRecoverable)
	snap := &store.Snapshot{
		SessionID:    "s1",
		CurrentURL:   "https://a.test/app",
		LocalStorage: `{"draft":"line one\nline two\r'quoted' c:\\path"}`,
		SnapshotTime: time.Now().UnixMilli(),
	}
	if err := st.InsertSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	fc := &fakeCaller{}
	r := NewRehydrator(st, fc, "inst-a", time.Minute, nil)

	if _, err := r.Rehydrate(context.Background(), "s1"); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	for _, c := range fc.recorded() {
		fn, _ := c.Args["function"].(string)
		if !strings.Contains(fn, "setItem") {
			continue
		}
		if strings.ContainsAny(fn, "\n\r") {
			t.Fatalf("literal newline inside evaluate function: %q", fn)
		}
		for _, esc := range []string{`\n`, `\r`, `\'`, `\\`} {
			if !strings.Contains(fn, esc) {
				t.Errorf("missing %q escape in %q", esc, fn)
			}
		}
		return
	}
	t.Fatal("no setItem call recorded")
}

func TestRehydrateNavigationFailureAborts(t *testing.T) {
	// WHAT: A failed navigation marks the session failed with a cause and
	// attempts no cookie or storage writes.
	st := openTestStore(t)
	seedRecoverable(t, st, "s1")
	fc := &fakeCaller{handler: func(name string, args map[string]any) (string, error) {
		if name == "browser_navigate" {
			return "", fmt.Errorf("net::ERR_CONNECTION_REFUSED")
		}
		return "", nil
	}}
	r := NewRehydrator(st, fc, "inst-a", time.Minute, nil)

	_, err := r.Rehydrate(context.Background(), "s1")
	var rerr *RehydrationError
	if !errors.As(err, &rerr) {
		t.Fatalf("want RehydrationError, got %v", err)
	}
	if rerr.Step != "navigate" || rerr.Error() == "" {
		t.Errorf("error: %+v", rerr)
	}

	sess, _ := st.GetSession(context.Background(), "s1")
	if sess.State != store.StateFailed {
		t.Errorf("state: got %q, want failed", sess.State)
	}
	if got := len(fc.recorded()); got != 1 {
		t.Errorf("calls after failure point: got %d, want 1", got)
	}
}

func TestRehydrateConcurrentRejected(t *testing.T) {
	// WHAT: A second concurrent attempt on the same id is rejected, not
	// queued.
	st := openTestStore(t)
	seedRecoverable(t, st, "s1")
	block := make(chan struct{})
	fc := &fakeCaller{block: block}
	r := NewRehydrator(st, fc, "inst-a", time.Minute, nil)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := r.Rehydrate(context.Background(), "s1")
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the first attempt take the guard

	if _, err := r.Rehydrate(context.Background(), "s1"); !errors.Is(err, ErrRehydrationInProgress) {
		t.Fatalf("concurrent attempt: got %v, want ErrRehydrationInProgress", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first attempt: %v", err)
	}
}

func TestRehydrateLeaseHeldByOtherInstance(t *testing.T) {
	// WHAT: A live lease owned elsewhere blocks rehydration here.
	// WHY: Two server instances must not reclaim the same session.
	st := openTestStore(t)
	seedRecoverable(t, st, "s1")
	if err := st.AcquireLease(context.Background(), "s1", "other-instance", time.Minute); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	r := NewRehydrator(st, &fakeCaller{}, "inst-a", time.Minute, nil)
	if _, err := r.Rehydrate(context.Background(), "s1"); !errors.Is(err, ErrRehydrationInProgress) {
		t.Fatalf("got %v, want ErrRehydrationInProgress", err)
	}
}

func TestRehydrateWrongState(t *testing.T) {
	// WHAT: Active and closed sessions are not rehydratable.
	st := openTestStore(t)
	seedSession(t, st, "s1", store.StateActive)

	r := NewRehydrator(st, &fakeCaller{}, "inst-a", time.Minute, nil)
	if _, err := r.Rehydrate(context.Background(), "s1"); !errors.Is(err, ErrNotRecoverable) {
		t.Fatalf("got %v, want ErrNotRecoverable", err)
	}
}

// --- snapshot scheduler ---

func evalHandler(url string) func(name string, args map[string]any) (string, error) {
	return func(name string, args map[string]any) (string, error) {
		fn, _ := args["function"].(string)
		switch {
		case strings.Contains(fn, "location.href"):
			return url, nil
		case strings.Contains(fn, "document.cookie"):
			return "sid=abc", nil
		case strings.Contains(fn, "localStorage"):
			return `{"theme":"dark"}`, nil
		case strings.Contains(fn, "sessionStorage"):
			return `{}`, nil
		case strings.Contains(fn, "innerWidth"):
			return `{"width":1280,"height":720}`, nil
		}
		return "", nil
	}
}

func TestSchedulerSweep(t *testing.T) {
	// WHAT: A sweep snapshots every active session, updates the inline
	// recovery fields, and prunes to the configured maximum.
	st := openTestStore(t)
	seedSession(t, st, "s1", store.StateActive)
	seedSession(t, st, "idle", store.StateClosed)

	fc := &fakeCaller{handler: evalHandler("https://a.test")}
	sched := NewScheduler(st, NewCapture(fc), SchedulerConfig{Interval: time.Hour, MaxSnapshots: 2}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		sched.sweep(ctx)
	}

	n, _ := st.CountSnapshots(ctx, "s1")
	if n != 2 {
		t.Errorf("snapshots: got %d, want 2 (pruned)", n)
	}
	if n, _ := st.CountSnapshots(ctx, "idle"); n != 0 {
		t.Errorf("closed session snapshotted %d times", n)
	}

	sess, _ := st.GetSession(ctx, "s1")
	if sess.CurrentURL != "https://a.test" {
		t.Errorf("inline url: got %q", sess.CurrentURL)
	}
	if sess.LastSnapshotTime == 0 {
		t.Error("last_snapshot_time not advanced")
	}
	cookies, err := store.ParseCookies(sess.Cookies)
	if err != nil || len(cookies) != 1 || cookies[0].Name != "sid" {
		t.Errorf("cookies: %v (%v)", cookies, err)
	}
}

func TestSchedulerToleratesCaptureFailure(t *testing.T) {
	// WHAT: A capture failure skips the tick without touching the session.
	// WHY: One missed snapshot is tolerable; only rehydration failures
	// change state.
	st := openTestStore(t)
	seedSession(t, st, "s1", store.StateActive)

	fc := &fakeCaller{handler: func(string, map[string]any) (string, error) {
		return "", errors.New("target unreachable")
	}}
	sched := NewScheduler(st, NewCapture(fc), SchedulerConfig{Interval: time.Hour, MaxSnapshots: 2}, nil)
	sched.sweep(context.Background())

	ctx := context.Background()
	if n, _ := st.CountSnapshots(ctx, "s1"); n != 0 {
		t.Errorf("snapshots: got %d, want 0", n)
	}
	sess, _ := st.GetSession(ctx, "s1")
	if sess.State != store.StateActive {
		t.Errorf("state changed to %q on capture failure", sess.State)
	}
}
