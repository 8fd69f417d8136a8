// Package supervisor owns the Playwright MCP subprocess: spawn, readiness
// handshake, health probing, restart with a bounded budget, and shutdown.
//
// State machine:
//
//	stopped → starting → running → degraded → restarting → running
//	                                                    ↘ stopped(fatal)
//
// All transport exchanges — caller requests, health probes, snapshot
// captures — go through Call, which serialises them so a probe is never
// issued while another exchange is mid-flight.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pwkeeper/internal/transport"
)

// State is the subprocess lifecycle state. Every transition is observable
// through State() and logged.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateDegraded   State = "degraded"
	StateRestarting State = "restarting"
	// StateFatal means the restart budget is exhausted; the supervisor
	// stays down until explicit operator intervention.
	StateFatal State = "stopped_fatal"
)

// ErrNotRunning is returned for calls while the subprocess is not up.
var ErrNotRunning = errors.New("supervisor: subprocess not running")

// ErrRestartBudget is the fatal error once the restart cap is exceeded.
var ErrRestartBudget = errors.New("supervisor: restart budget exhausted")

// Error wraps spawn and restart failures. Fatal by taxonomy: surfaced to
// the operator, never retried silently.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("supervisor: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Config holds subprocess and health-policy settings. All values are plain
// data handed in by the config layer.
type Config struct {
	Command  string
	Args     []string
	Browser  string
	Headless bool

	CheckInterval      time.Duration // probe period, default 30s
	ProbeTimeout       time.Duration // per-probe deadline, default 5s
	CallTimeout        time.Duration // per-exchange deadline, default 30s
	MaxRestartAttempts int           // default 3
	RestartWindow      time.Duration // rolling window, default 5m
	ShutdownTimeout    time.Duration // graceful-stop bound, default 5s
}

func (c *Config) defaults() {
	if c.Command == "" {
		c.Command = "npx"
	}
	if len(c.Args) == 0 {
		c.Args = []string{"@playwright/mcp@latest"}
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 3
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Process is one live subprocess instance. The exec-backed implementation
// lives in launch.go; tests substitute fakes.
type Process interface {
	// Transport is the framed channel over the process's stdio.
	Transport() *transport.Transport
	// Done is closed when the process exits for any reason.
	Done() <-chan struct{}
	// Terminate requests a graceful stop (SIGTERM).
	Terminate() error
	// Kill force-terminates (SIGKILL).
	Kill() error
}

// Launcher spawns subprocess instances.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// Supervisor drives the subprocess state machine. Construct with New,
// Start once, then run Monitor in a goroutine.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	callMu sync.Mutex // one framed exchange at a time

	mu       sync.Mutex
	state    State
	proc     Process
	attempts []time.Time
	fatalErr error

	degradeCh chan struct{} // transport failures nudge the monitor
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithLauncher overrides the exec-based launcher (tests).
func WithLauncher(l Launcher) Option { return func(s *Supervisor) { s.launcher = l } }

// WithClock overrides time source and backoff sleeper (tests).
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(s *Supervisor) { s.now = now; s.sleep = sleep }
}

// New creates a stopped Supervisor.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Supervisor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:       cfg,
		logger:    logger,
		state:     StateStopped,
		now:       time.Now,
		degradeCh: make(chan struct{}, 1),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	s.launcher = &execLauncher{cfg: &s.cfg, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FatalErr returns the terminal error once the machine is stopped(fatal).
func (s *Supervisor) FatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Start spawns the subprocess and performs the readiness handshake.
func (s *Supervisor) Start(ctx context.Context) error {
	s.setState(StateStarting)
	if err := s.spawn(ctx); err != nil {
		s.setState(StateStopped)
		return &Error{Op: "start", Err: err}
	}
	s.setState(StateRunning)
	return nil
}

// Stop runs the shutdown sequence: graceful stop, bounded wait, then
// force-terminate. Ends in stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	err := s.stopProcess(ctx, proc)
	s.setState(StateStopped)
	return err
}

func (s *Supervisor) stopProcess(ctx context.Context, proc Process) error {
	if proc == nil {
		return nil
	}
	proc.Transport().Close()
	if err := proc.Terminate(); err != nil {
		s.logger.Warn("supervisor: terminate", "error", err)
	}

	t := time.NewTimer(s.cfg.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-proc.Done():
		return nil
	case <-ctx.Done():
	case <-t.C:
	}

	s.logger.Warn("supervisor: graceful shutdown timed out, killing")
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("supervisor: kill: %w", err)
	}
	<-proc.Done()
	return nil
}

// Call sends one framed request through the live subprocess. Exchanges are
// mutually exclusive: a health probe never interleaves with a caller's
// request. Transport failures flip the machine onto the degraded path and
// are never returned raw beyond this layer's typed error.
func (s *Supervisor) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	s.mu.Lock()
	proc := s.proc
	st := s.state
	s.mu.Unlock()
	if proc == nil || st != StateRunning {
		return nil, ErrNotRunning
	}

	// Every exchange is bounded. A live-but-unresponsive subprocess must
	// release callMu so the monitor's probe can run and degrade it.
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	result, err := proc.Transport().Call(cctx, method, params)
	var terr *transport.Error
	if errors.As(err, &terr) {
		s.nudgeDegrade()
	}
	return result, err
}

// CallTool invokes an MCP tool (method tools/call) and returns the raw
// result object.
func (s *Supervisor) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return s.Call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
}

// nudgeDegrade signals the monitor without blocking.
func (s *Supervisor) nudgeDegrade() {
	select {
	case s.degradeCh <- struct{}{}:
	default:
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Info("supervisor: state", "from", string(prev), "to", string(next))
	}
}

// spawn launches a new process and performs the MCP initialize handshake.
// Caller is responsible for state bookkeeping.
func (s *Supervisor) spawn(ctx context.Context) error {
	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	_, err = proc.Transport().Call(hctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "pwkeeper", "version": "0.1.0"},
	})
	if err != nil {
		// Some server builds answer tools before initialize; treat a
		// failed handshake as advisory, matching observed behavior.
		s.logger.Warn("supervisor: initialize handshake failed", "error", err)
	} else {
		proc.Transport().Notify("notifications/initialized", nil)
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	return nil
}

// Monitor runs the health-probe loop until ctx is cancelled. Three
// consecutive probe failures, a dead process, or a transport-level fault
// move the machine to degraded and start the restart cycle.
func (s *Supervisor) Monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.degradeCh:
			failures = 0
			s.degradeAndRestart(ctx)
		case <-ticker.C:
			if s.State() != StateRunning {
				continue
			}
			if s.processDead() {
				s.logger.Error("supervisor: subprocess exited")
				failures = 0
				s.degradeAndRestart(ctx)
				continue
			}
			if err := s.probe(ctx); err != nil {
				failures++
				s.logger.Warn("supervisor: health probe failed",
					"failures", failures, "error", err)
				if failures >= 3 {
					failures = 0
					s.degradeAndRestart(ctx)
				}
			} else {
				failures = 0
			}
		}
	}
}

func (s *Supervisor) processDead() bool {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return true
	}
	select {
	case <-proc.Done():
		return true
	default:
		return false
	}
}

// probe issues the liveness call: tools/list is cheap and read-only.
func (s *Supervisor) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	_, err := s.Call(pctx, "tools/list", map[string]any{})
	return err
}

// degradeAndRestart runs the degraded → restarting cycle. Each attempt
// backs off exponentially (1s, 2s, 4s…); exceeding MaxRestartAttempts
// within RestartWindow ends in stopped(fatal).
func (s *Supervisor) degradeAndRestart(ctx context.Context) {
	s.setState(StateDegraded)

	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()
	if err := s.stopProcess(ctx, proc); err != nil {
		s.logger.Warn("supervisor: stop during restart", "error", err)
	}

	for {
		now := s.now()
		s.mu.Lock()
		// Drop attempts that fell out of the rolling window.
		kept := s.attempts[:0]
		for _, at := range s.attempts {
			if now.Sub(at) <= s.cfg.RestartWindow {
				kept = append(kept, at)
			}
		}
		s.attempts = kept
		if len(s.attempts) >= s.cfg.MaxRestartAttempts {
			s.fatalErr = &Error{Op: "restart", Err: fmt.Errorf("%w: %d attempts in %s",
				ErrRestartBudget, len(s.attempts), s.cfg.RestartWindow)}
			s.mu.Unlock()
			s.setState(StateFatal)
			s.logger.Error("supervisor: restart budget exhausted",
				"attempts", s.cfg.MaxRestartAttempts, "window", s.cfg.RestartWindow)
			return
		}
		s.attempts = append(s.attempts, now)
		attempt := len(s.attempts)
		s.mu.Unlock()

		s.setState(StateRestarting)
		backoff := time.Second << (attempt - 1)
		s.logger.Info("supervisor: restarting", "attempt", attempt, "backoff", backoff)
		if err := s.sleep(ctx, backoff); err != nil {
			s.setState(StateStopped)
			return
		}

		if err := s.spawn(ctx); err != nil {
			s.logger.Error("supervisor: respawn failed", "attempt", attempt, "error", err)
			continue
		}
		s.setState(StateRunning)
		return
	}
}
