package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"

	"github.com/hazyhaar/pwkeeper/internal/transport"
)

// execLauncher spawns the real subprocess via os/exec with stdio pipes.
type execLauncher struct {
	cfg    *Config
	logger *slog.Logger
}

func (l *execLauncher) Launch(ctx context.Context) (Process, error) {
	args := append([]string{}, l.cfg.Args...)
	if l.cfg.Browser != "" {
		args = append(args, "--browser", l.cfg.Browser)
	}
	if l.cfg.Headless {
		args = append(args, "--headless")
	}

	// Deliberately not CommandContext: process lifetime is managed by the
	// supervisor's shutdown sequence, not by context cancellation.
	cmd := exec.Command(l.cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", l.cfg.Command, err)
	}
	l.logger.Info("supervisor: subprocess started", "pid", cmd.Process.Pid, "command", l.cfg.Command)

	p := &execProcess{
		cmd:  cmd,
		tr:   transport.New(stdin, stdout, transport.WithLogger(l.logger)),
		done: make(chan struct{}),
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			l.logger.Debug("playwright stderr", "line", sc.Text())
		}
	}()
	go func() {
		err := cmd.Wait()
		if err != nil {
			l.logger.Warn("supervisor: subprocess exited", "error", err)
		}
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	tr   *transport.Transport
	done chan struct{}
}

func (p *execProcess) Transport() *transport.Transport { return p.tr }
func (p *execProcess) Done() <-chan struct{}           { return p.done }

func (p *execProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Kill()
}
