package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/pwkeeper/internal/store"
)

// SchedulerConfig controls the periodic snapshot sweep.
type SchedulerConfig struct {
	// Interval between sweeps. Default: 30s.
	Interval time.Duration
	// MaxSnapshots kept per session (FIFO). Default: 10.
	MaxSnapshots int
}

func (c *SchedulerConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxSnapshots <= 0 {
		c.MaxSnapshots = 10
	}
}

// Scheduler periodically captures state for every active session. A failed
// capture is logged and skipped for that tick — one missed snapshot is
// tolerable and never changes session state.
type Scheduler struct {
	st      *store.Store
	capture *Capture
	config  SchedulerConfig
	logger  *slog.Logger
}

// NewScheduler creates a snapshot scheduler.
func NewScheduler(st *store.Store, capture *Capture, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{st: st, capture: capture, config: cfg, logger: logger}
}

// Run sweeps on a ticker until ctx is cancelled. The first sweep waits a
// full interval: a freshly started server has nothing new to capture.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep captures and persists one snapshot per active session.
func (s *Scheduler) sweep(ctx context.Context) {
	sessions, err := s.st.ListSessions(ctx, store.StateActive)
	if err != nil {
		s.logger.Error("recovery: snapshot sweep list", "error", err)
		return
	}
	for _, sess := range sessions {
		if err := s.snapshotOne(ctx, sess.ID); err != nil {
			s.logger.Warn("recovery: snapshot skipped", "session_id", sess.ID, "error", err)
		}
	}
}

func (s *Scheduler) snapshotOne(ctx context.Context, sessionID string) error {
	snap, err := s.capture.State(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.st.InsertSnapshot(ctx, snap); err != nil {
		return err
	}
	if err := s.st.UpdateSessionRecoveryFields(ctx, snap); err != nil {
		return err
	}
	if err := s.st.PruneSnapshots(ctx, sessionID, s.config.MaxSnapshots); err != nil {
		return err
	}
	s.logger.Debug("recovery: snapshot saved", "session_id", sessionID, "url", snap.CurrentURL)
	return nil
}
