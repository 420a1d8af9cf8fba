// Package supervisor starts the node and oracle processes for integration runs,
// watches them, and runs scenario commands against them.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/stresscapture/internal/config"
)

var (
	// ErrStartupTimeout is returned when a process prints no readiness line in time.
	ErrStartupTimeout = errors.New("process did not become ready in time")
	// ErrUnexpectedExit is returned when a supervised process exits on its own.
	ErrUnexpectedExit = errors.New("process exited unexpectedly")
)

const killWait = 5 * time.Second

// process is a supervised child whose stderr is scanned for readiness.
type process struct {
	name    string
	cmd     *exec.Cmd
	marker  string
	level   slog.Level
	logger  *slog.Logger
	ready   chan struct{}
	once    sync.Once
	exited  chan struct{}
	waitErr error
}

func startProcess(ctx context.Context, name, binary string, args []string, marker string, level slog.Level, logger *slog.Logger) (*process, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.WaitDelay = killWait
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open stderr: %w", name, err)
	}

	p := &process{
		name:   name,
		cmd:    cmd,
		marker: marker,
		level:  level,
		logger: logger,
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	logger.Info("process started", slog.String("process", name), slog.Int("pid", cmd.Process.Pid))

	go func() {
		p.scan(stderr)
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// scan logs stderr lines and marks the process ready on the first matching line.
func (p *process) scan(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.logger.Log(context.Background(), p.level, line, slog.String("process", p.name))
		if p.marker == "" || strings.Contains(line, p.marker) {
			p.once.Do(func() { close(p.ready) })
		}
	}
}

// awaitReady blocks until the readiness line, process exit, or timeout.
func (p *process) awaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		return nil
	case <-p.exited:
		return fmt.Errorf("%w: %s exited with code %d before becoming ready", ErrUnexpectedExit, p.name, p.exitCode())
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrStartupTimeout, p.name, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *process) exitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// kill terminates the process and waits for it to be reaped.
func (p *process) kill() {
	select {
	case <-p.exited:
		return
	default:
	}
	_ = p.cmd.Process.Kill()
	select {
	case <-p.exited:
	case <-time.After(killWait):
		p.logger.Warn("process did not exit after kill", slog.String("process", p.name))
	}
}

// Supervisor owns the node and oracle processes.
type Supervisor struct {
	cfg    config.SupervisorConfig
	logger *slog.Logger

	node     *process
	oracle   *process
	stopping atomic.Bool
}

// New creates a supervisor.
func New(cfg config.SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Start launches the node, waits for it to become ready, then does the same for the oracle.
func (s *Supervisor) Start(ctx context.Context) error {
	node, err := startProcess(ctx, "node", s.cfg.NodeBinary, s.cfg.NodeArgs, s.cfg.ReadyMarker, slog.LevelDebug, s.logger)
	if err != nil {
		return err
	}
	s.node = node
	if err := node.awaitReady(ctx, s.cfg.StartupTimeout); err != nil {
		return err
	}
	s.logger.Info("node ready")

	oracle, err := startProcess(ctx, "oracle", s.cfg.OracleBinary, s.cfg.OracleArgs, s.cfg.ReadyMarker, slog.LevelInfo, s.logger)
	if err != nil {
		return err
	}
	s.oracle = oracle
	if err := oracle.awaitReady(ctx, s.cfg.StartupTimeout); err != nil {
		return err
	}
	s.logger.Info("oracle ready")
	return nil
}

// Monitor waits for either process to exit. When the oracle exits, the node is
// killed and the oracle's exit code returned; a non-zero code is wrapped in
// ErrUnexpectedExit. Exits caused by Shutdown return nil.
func (s *Supervisor) Monitor(ctx context.Context) (int, error) {
	if s.node == nil || s.oracle == nil {
		return -1, errors.New("supervisor not started")
	}

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-s.oracle.exited:
		code := s.oracle.exitCode()
		if s.stopping.Load() {
			return code, nil
		}
		s.logger.Warn("oracle exited, killing node", slog.Int("code", code))
		s.node.kill()
		if code != 0 {
			return code, fmt.Errorf("%w: oracle exited with code %d", ErrUnexpectedExit, code)
		}
		return 0, nil
	case <-s.node.exited:
		code := s.node.exitCode()
		if s.stopping.Load() {
			return code, nil
		}
		s.logger.Warn("node exited, killing oracle", slog.Int("code", code))
		s.oracle.kill()
		return code, fmt.Errorf("%w: node exited with code %d", ErrUnexpectedExit, code)
	}
}

// RunScenarios runs the commands one after another, stopping at the first failure.
func (s *Supervisor) RunScenarios(ctx context.Context, scenarios [][]string) error {
	for i, argv := range scenarios {
		if len(argv) == 0 {
			return fmt.Errorf("scenario %d is empty", i)
		}
		s.logger.Info("running scenario", slog.Int("index", i), slog.String("command", strings.Join(argv, " ")))

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.WaitDelay = killWait
		out, err := cmd.CombinedOutput()
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line != "" {
				s.logger.Debug(line, slog.Int("scenario", i))
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("scenario %d (%s) failed: %w", i, argv[0], err)
		}
	}
	return nil
}

// Shutdown kills both processes. It is safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.stopping.Store(true)
	if s.oracle != nil {
		s.oracle.kill()
	}
	if s.node != nil {
		s.node.kill()
	}
}

// Run starts both processes, runs the configured scenarios while monitoring, and
// shuts everything down. It returns the exit code to propagate.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if err := s.Start(ctx); err != nil {
		s.Shutdown()
		return 1, err
	}
	defer s.Shutdown()

	g, gctx := errgroup.WithContext(ctx)
	var code int
	g.Go(func() error {
		c, err := s.Monitor(gctx)
		code = c
		return err
	})
	g.Go(func() error {
		err := s.RunScenarios(gctx, s.cfg.Scenarios)
		s.Shutdown()
		return err
	})

	if err := g.Wait(); err != nil {
		if code <= 0 {
			code = 1
		}
		return code, err
	}
	return 0, nil
}
