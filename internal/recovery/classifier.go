package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/pwkeeper/internal/store"
)

// Classifier reclassifies sessions orphaned by a previous process: any
// session still marked active at startup was never cleanly closed.
type Classifier struct {
	st     *store.Store
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewClassifier creates a startup classifier. maxAge is the recoverability
// horizon for the newest snapshot.
func NewClassifier(st *store.Store, maxAge time.Duration, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{st: st, maxAge: maxAge, logger: logger, now: time.Now}
}

// Summary counts the classification outcome.
type Summary struct {
	Recoverable int
	Stale       int
	Closed      int
	Ambiguous   int // counted inside Stale as well
}

// Run performs the single startup pass. Sessions already out of the active
// state are untouched, so a second run is a no-op.
func (c *Classifier) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	orphans, err := c.st.ListSessions(ctx, store.StateActive)
	if err != nil {
		return sum, err
	}

	now := c.now().UnixMilli()
	for _, sess := range orphans {
		next, ambiguous := c.classify(ctx, sess, now)
		if err := c.st.SetSessionState(ctx, sess.ID, next); err != nil {
			// One bad write must not abort the whole pass.
			c.logger.Error("recovery: classify write failed", "session_id", sess.ID, "error", err)
			continue
		}
		switch next {
		case store.StateRecoverable:
			sum.Recoverable++
		case store.StateStale:
			sum.Stale++
		case store.StateClosed:
			sum.Closed++
		}
		if ambiguous {
			sum.Ambiguous++
		}
		c.logger.Info("recovery: orphaned session classified",
			"session_id", sess.ID, "state", next)
	}
	return sum, nil
}

// classify labels one orphaned session. Ambiguous content — a snapshot
// timestamped in the future or malformed cookie/storage JSON — degrades
// conservatively to stale rather than faulting.
func (c *Classifier) classify(ctx context.Context, sess *store.Session, now int64) (state string, ambiguous bool) {
	snap, err := c.st.LatestSnapshot(ctx, sess.ID)
	if err == store.ErrNotFound {
		return store.StateClosed, false
	}
	if err != nil {
		c.logger.Warn("recovery: snapshot lookup failed, treating as stale",
			"session_id", sess.ID, "error", err)
		return store.StateStale, true
	}

	if snap.SnapshotTime > now {
		c.logger.Warn("recovery: snapshot timestamp in the future",
			"session_id", sess.ID, "snapshot_time", snap.SnapshotTime)
		return store.StateStale, true
	}
	if _, err := store.ParseCookies(snap.Cookies); err != nil {
		c.logger.Warn("recovery: malformed cookie content", "session_id", sess.ID, "error", err)
		return store.StateStale, true
	}
	if _, err := store.ParseStorage(snap.LocalStorage); err != nil {
		c.logger.Warn("recovery: malformed localStorage content", "session_id", sess.ID, "error", err)
		return store.StateStale, true
	}
	if _, err := store.ParseStorage(snap.SessionStorage); err != nil {
		c.logger.Warn("recovery: malformed sessionStorage content", "session_id", sess.ID, "error", err)
		return store.StateStale, true
	}

	if now-snap.SnapshotTime <= c.maxAge.Milliseconds() {
		return store.StateRecoverable, false
	}
	return store.StateStale, false
}
