// Package pwkeeper fronts a long-lived Playwright MCP subprocess with
// durable, recoverable request/response exchange.
//
// The pipeline:
//
//	caller → Keeper.Forward → supervisor/transport → subprocess
//	       → response payload → store (full) + diff cursor (hash)
//	       → caller gets a reference id + metadata
//
// Independently, a snapshot scheduler captures per-session browser state,
// and on startup a classifier triages sessions the previous process left
// behind, optionally rehydrating them into the fresh subprocess.
//
// Usage:
//
//	k, err := pwkeeper.New(cfg, logger)
//	defer k.Close(ctx)
//	if err := k.Start(ctx); err != nil { ... }
//	k.RegisterMCP(mcpServer)
//	http.ListenAndServe(cfg.ListenAddr, k.Router())
package pwkeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hazyhaar/pwkeeper/internal/recovery"
	"github.com/hazyhaar/pwkeeper/internal/store"
	"github.com/hazyhaar/pwkeeper/internal/supervisor"
)

// Backend is the supervised subprocess surface Keeper drives. Satisfied
// by *supervisor.Supervisor; tests substitute fakes.
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Monitor(ctx context.Context)
	State() supervisor.State
	CallTool(ctx context.Context, name string, args any) (json.RawMessage, error)
}

// Keeper is the main orchestrator.
type Keeper struct {
	config     *Config
	logger     *slog.Logger
	store      *store.Store
	backend    Backend
	rehydrator *recovery.Rehydrator
	scheduler  *recovery.Scheduler
	classifier *recovery.Classifier
	instanceID string

	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option customises a Keeper.
type Option func(*Keeper)

// WithBackend overrides the exec-based supervisor (tests).
func WithBackend(b Backend) Option { return func(k *Keeper) { k.backend = b } }

// New opens the database and wires the supervisor, scheduler, classifier,
// and rehydrator. Nothing runs until Start.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Keeper, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	k := &Keeper{
		config:     cfg,
		logger:     logger,
		store:      st,
		instanceID: uuid.NewString(),
	}
	for _, o := range opts {
		o(k)
	}
	if k.backend == nil {
		k.backend = supervisor.New(supervisor.Config{
			Command:            cfg.Playwright.Command,
			Args:               cfg.Playwright.Args,
			Browser:            cfg.Playwright.Browser,
			Headless:           cfg.Playwright.Headless,
			CheckInterval:      cfg.Health.CheckInterval,
			ProbeTimeout:       cfg.Health.ProbeTimeout,
			CallTimeout:        cfg.Health.CallTimeout,
			MaxRestartAttempts: cfg.Health.MaxRestartAttempts,
			RestartWindow:      cfg.Health.RestartWindow,
			ShutdownTimeout:    cfg.Health.ShutdownTimeout,
		}, logger)
	}

	k.rehydrator = recovery.NewRehydrator(st, k.backend, k.instanceID, cfg.Recovery.LeaseTTL, logger)
	k.scheduler = recovery.NewScheduler(st, recovery.NewCapture(k.backend), recovery.SchedulerConfig{
		Interval:     cfg.Recovery.SnapshotInterval,
		MaxSnapshots: cfg.Recovery.MaxSnapshots,
	}, logger)
	k.classifier = recovery.NewClassifier(st, cfg.Recovery.MaxSessionAge, logger)
	return k, nil
}

// Start spawns the subprocess, runs the startup classification pass, and
// launches the background loops. With auto-rehydrate on, recoverable
// sessions are replayed best-effort before the loops start.
func (k *Keeper) Start(ctx context.Context) error {
	if err := k.backend.Start(ctx); err != nil {
		return err
	}

	sum, err := k.classifier.Run(ctx)
	if err != nil {
		return fmt.Errorf("pwkeeper: startup classification: %w", err)
	}
	k.logger.Info("pwkeeper: startup classification",
		"recoverable", sum.Recoverable, "stale", sum.Stale,
		"closed", sum.Closed, "ambiguous", sum.Ambiguous)

	if k.config.Recovery.AutoRehydrate {
		k.autoRehydrate(ctx)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	k.loopCancel = cancel
	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		k.backend.Monitor(loopCtx)
	}()
	go func() {
		defer k.wg.Done()
		k.scheduler.Run(loopCtx)
	}()
	return nil
}

func (k *Keeper) autoRehydrate(ctx context.Context) {
	sessions, err := k.store.ListSessions(ctx, store.StateRecoverable)
	if err != nil {
		k.logger.Error("pwkeeper: auto-rehydrate list", "error", err)
		return
	}
	for _, sess := range sessions {
		if _, err := k.rehydrator.Rehydrate(ctx, sess.ID); err != nil {
			k.logger.Warn("pwkeeper: auto-rehydrate failed", "session_id", sess.ID, "error", err)
		}
	}
}

// Close shuts down in dependency order: background loops first (no new
// transport calls), then the subprocess per the supervisor's shutdown
// sequence, then the database.
func (k *Keeper) Close(ctx context.Context) error {
	if k.loopCancel != nil {
		k.loopCancel()
		k.wg.Wait()
	}
	var errs []error
	if err := k.backend.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := k.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Health reports the subprocess state for the health surface.
func (k *Keeper) Health() HealthStatus {
	st := k.backend.State()
	status := "degraded"
	switch st {
	case supervisor.StateRunning:
		status = "healthy"
	case supervisor.StateFatal:
		status = "fatal"
	}
	return HealthStatus{Status: status, Subprocess: string(st)}
}

// CreateSession creates a new active session and returns its id.
func (k *Keeper) CreateSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if err := k.store.InsertSession(ctx, &store.Session{ID: id}); err != nil {
		return "", err
	}
	k.logger.Info("pwkeeper: session created", "session_id", id)
	return id, nil
}

// CloseSession cleanly closes a session.
func (k *Keeper) CloseSession(ctx context.Context, sessionID string) error {
	if _, err := k.getSession(ctx, sessionID); err != nil {
		return err
	}
	return k.store.SetSessionState(ctx, sessionID, store.StateClosed)
}

// ListSessions returns session summaries, optionally filtered by state.
func (k *Keeper) ListSessions(ctx context.Context, state string) ([]SessionSummary, error) {
	sessions, err := k.store.ListSessions(ctx, state)
	if err != nil {
		return nil, err
	}
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, SessionSummary{
			ID:               s.ID,
			State:            s.State,
			CreatedAt:        s.CreatedAt,
			LastActivity:     s.LastActivity,
			CurrentURL:       s.CurrentURL,
			LastSnapshotTime: s.LastSnapshotTime,
		})
	}
	return summaries, nil
}

// ResumeSession rehydrates a recoverable session on demand. Rehydration
// failures are a handled outcome (status "failed"), not an error return;
// errors cover rejection (unknown session, concurrent attempt, wrong
// state).
func (k *Keeper) ResumeSession(ctx context.Context, sessionID string) (*ResumeResult, error) {
	res, err := k.rehydrator.Rehydrate(ctx, sessionID)
	if err != nil {
		var rerr *recovery.RehydrationError
		if errors.As(err, &rerr) {
			return &ResumeResult{Status: "failed", Error: truncateError(err.Error())}, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &ResumeResult{Status: "restored", RestoredURL: res.RestoredURL}, nil
}

// Forward proxies one tool call to the subprocess and persists both sides
// of the exchange. The caller receives only the reference id and
// metadata; payloads stay in the store. A subprocess failure is recorded
// (full error text in the store, truncated for the caller) and moves the
// session to the error state.
func (k *Keeper) Forward(ctx context.Context, sessionID, tool string, params map[string]any) (*ForwardResult, error) {
	sess, err := k.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != store.StateActive {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotActive, sess.State)
	}

	refID := uuid.NewString()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("pwkeeper: encode params: %w", err)
	}
	if err := k.store.InsertRequest(ctx, &store.Request{
		RefID:     refID,
		SessionID: sessionID,
		ToolName:  tool,
		Params:    string(paramsJSON),
	}); err != nil {
		return nil, err
	}
	if err := k.store.TouchSession(ctx, sessionID); err != nil {
		k.logger.Warn("pwkeeper: touch session", "session_id", sessionID, "error", err)
	}

	raw, err := k.backend.CallTool(ctx, tool, params)
	if err != nil {
		return k.recordFailure(ctx, refID, sessionID, tool, err)
	}
	return k.recordSuccess(ctx, refID, sessionID, tool, raw)
}

func (k *Keeper) recordSuccess(ctx context.Context, refID, sessionID, tool string, raw json.RawMessage) (*ForwardResult, error) {
	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		k.logger.Warn("pwkeeper: unparseable tool result", "tool", tool, "error", err)
	}

	resp := &store.Response{RefID: refID, Status: "success"}
	if len(result.Content) > 0 {
		text := result.Content[0].Text
		switch tool {
		case "browser_snapshot":
			resp.PageSnapshot, resp.HasSnapshot = text, true
		case "browser_console_messages":
			resp.ConsoleLogs, resp.HasConsole = text, true
		}
	}

	meta := ResponseMetadata{
		Tool:           tool,
		IsError:        result.IsError,
		HasSnapshot:    resp.HasSnapshot,
		HasConsoleLogs: resp.HasConsole,
	}
	metaJSON, _ := json.Marshal(map[string]any{"tool": tool, "isError": result.IsError})
	resp.ResultMetadata = string(metaJSON)

	if err := k.store.InsertResponse(ctx, resp); err != nil {
		return nil, err
	}

	if resp.HasConsole {
		entries := parseConsoleBlob(refID, resp.ConsoleLogs)
		if err := k.store.InsertConsoleEntries(ctx, entries); err != nil {
			k.logger.Warn("pwkeeper: console normalization", "ref_id", refID, "error", err)
		} else if n, err := k.store.ConsoleErrorCount(ctx, refID); err == nil {
			meta.ConsoleErrorCount = n
		}
	}

	return &ForwardResult{
		RefID:     refID,
		SessionID: sessionID,
		Status:    "success",
		Metadata:  meta,
	}, nil
}

func (k *Keeper) recordFailure(ctx context.Context, refID, sessionID, tool string, callErr error) (*ForwardResult, error) {
	k.logger.Error("pwkeeper: forward failed", "session_id", sessionID, "tool", tool,
		"error", truncateError(callErr.Error()))

	if err := k.store.InsertResponse(ctx, &store.Response{
		RefID:     refID,
		Status:    "error",
		ErrorText: callErr.Error(), // full text retained
	}); err != nil {
		return nil, err
	}
	if err := k.store.SetSessionState(ctx, sessionID, store.StateError); err != nil {
		k.logger.Warn("pwkeeper: error-state write", "session_id", sessionID, "error", err)
	}

	return &ForwardResult{
		RefID:     refID,
		SessionID: sessionID,
		Status:    "error",
		Metadata:  ResponseMetadata{Tool: tool, IsError: true},
		Error:     truncateError(callErr.Error()),
	}, nil
}

func (k *Keeper) getSession(ctx context.Context, id string) (*store.Session, error) {
	sess, err := k.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}
