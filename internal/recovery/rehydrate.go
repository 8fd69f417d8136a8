package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/pwkeeper/internal/store"
)

// ErrRehydrationInProgress rejects a second concurrent rehydration of the
// same session. Rejected, not queued.
var ErrRehydrationInProgress = errors.New("recovery: rehydration already in progress")

// ErrNotRecoverable is returned when the session is not in a state
// rehydration applies to.
var ErrNotRecoverable = errors.New("recovery: session not recoverable")

// RehydrationError reports which replay step failed. It is always caught
// at this layer: the session goes to failed and the error returns to the
// caller, never past it.
type RehydrationError struct {
	Step string
	Err  error
}

func (e *RehydrationError) Error() string {
	return fmt.Sprintf("recovery: rehydrate step %s: %v", e.Step, e.Err)
}
func (e *RehydrationError) Unwrap() error { return e.Err }

// Rehydrator replays snapshots into the live browser.
type Rehydrator struct {
	st       *store.Store
	caller   Caller
	owner    string // instance identity for lease rows
	leaseTTL time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRehydrator creates a Rehydrator. owner identifies this process in
// lease rows so a second instance can tell a live lease from its own.
func NewRehydrator(st *store.Store, caller Caller, owner string, leaseTTL time.Duration, logger *slog.Logger) *Rehydrator {
	if logger == nil {
		logger = slog.Default()
	}
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	return &Rehydrator{
		st:       st,
		caller:   caller,
		owner:    owner,
		leaseTTL: leaseTTL,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Result reports a successful rehydration.
type Result struct {
	RestoredURL string
}

// Rehydrate replays the latest snapshot for the session. Steps run in
// order — navigate, cookies, storage, reload — and the first failure
// aborts the rest, marks the session failed, and returns the cause.
// Success transitions the session back to active.
//
// Concurrency: an in-process per-session guard plus the store's lease row
// ensure a single writer per session id; unrelated sessions proceed in
// parallel.
func (r *Rehydrator) Rehydrate(ctx context.Context, sessionID string) (*Result, error) {
	r.mu.Lock()
	if _, busy := r.inflight[sessionID]; busy {
		r.mu.Unlock()
		return nil, ErrRehydrationInProgress
	}
	r.inflight[sessionID] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, sessionID)
		r.mu.Unlock()
	}()

	sess, err := r.st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.State {
	case store.StateRecoverable, store.StateStale, store.StateFailed:
	default:
		return nil, fmt.Errorf("%w: state %s", ErrNotRecoverable, sess.State)
	}

	if err := r.st.AcquireLease(ctx, sessionID, r.owner, r.leaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return nil, ErrRehydrationInProgress
		}
		return nil, err
	}
	defer func() {
		if err := r.st.ReleaseLease(context.WithoutCancel(ctx), sessionID, r.owner); err != nil {
			r.logger.Warn("recovery: release lease", "session_id", sessionID, "error", err)
		}
	}()

	snap, err := r.st.LatestSnapshot(ctx, sessionID)
	if err != nil {
		return nil, r.fail(ctx, sessionID, "load-snapshot", err)
	}

	if err := r.replay(ctx, snap); err != nil {
		return nil, r.fail(ctx, sessionID, "", err)
	}

	if err := r.st.SetSessionState(ctx, sessionID, store.StateActive); err != nil {
		return nil, err
	}
	r.logger.Info("recovery: session rehydrated", "session_id", sessionID, "url", snap.CurrentURL)
	return &Result{RestoredURL: snap.CurrentURL}, nil
}

// fail records the failed state and wraps the cause. The state write is
// best-effort: its own failure is logged, not escalated.
func (r *Rehydrator) fail(ctx context.Context, sessionID, step string, err error) error {
	if serr := r.st.SetSessionState(ctx, sessionID, store.StateFailed); serr != nil {
		r.logger.Error("recovery: failed-state write", "session_id", sessionID, "error", serr)
	}
	var rerr *RehydrationError
	if errors.As(err, &rerr) {
		return err
	}
	return &RehydrationError{Step: step, Err: err}
}

// replay executes the ordered replay steps against the live page.
func (r *Rehydrator) replay(ctx context.Context, snap *store.Snapshot) error {
	// 1. Navigate to the captured URL.
	if snap.CurrentURL != "" {
		if _, err := r.caller.CallTool(ctx, "browser_navigate", map[string]any{"url": snap.CurrentURL}); err != nil {
			return &RehydrationError{Step: "navigate", Err: err}
		}
	}

	// 2. Cookies.
	cookies, err := store.ParseCookies(snap.Cookies)
	if err != nil {
		return &RehydrationError{Step: "cookies", Err: err}
	}
	for _, ck := range cookies {
		fn := fmt.Sprintf("() => document.cookie = '%s=%s'", jsEscape(ck.Name), jsEscape(ck.Value))
		if _, err := r.evaluate(ctx, fn); err != nil {
			return &RehydrationError{Step: "cookies", Err: err}
		}
	}

	// 3. localStorage, then sessionStorage.
	if err := r.replayStorage(ctx, "localStorage", snap.LocalStorage); err != nil {
		return err
	}
	if err := r.replayStorage(ctx, "sessionStorage", snap.SessionStorage); err != nil {
		return err
	}

	// 4. Reload so the storage writes take effect before further use.
	if _, err := r.evaluate(ctx, "() => window.location.reload()"); err != nil {
		return &RehydrationError{Step: "reload", Err: err}
	}
	return nil
}

func (r *Rehydrator) replayStorage(ctx context.Context, area, content string) error {
	kv, err := store.ParseStorage(content)
	if err != nil {
		return &RehydrationError{Step: area, Err: err}
	}
	for key, value := range kv {
		fn := fmt.Sprintf("() => %s.setItem('%s', '%s')", area, jsEscape(key), jsEscape(value))
		if _, err := r.evaluate(ctx, fn); err != nil {
			return &RehydrationError{Step: area, Err: err}
		}
	}
	return nil
}

func (r *Rehydrator) evaluate(ctx context.Context, fn string) (string, error) {
	raw, err := r.caller.CallTool(ctx, "browser_evaluate", map[string]any{"function": fn})
	if err != nil {
		return "", err
	}
	return extractText(raw), nil
}

// jsEscape makes a value safe inside a single-quoted JS string literal.
// Literal newlines would terminate the quoted string mid-value.
func jsEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}
