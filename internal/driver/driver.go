// Package driver runs the external stress process that loads the chain.
package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/stresscapture/internal/capture"
	"github.com/gateway-fm/stresscapture/internal/config"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// ErrTimeout is returned when the stress process outlives its deadline.
var ErrTimeout = errors.New("stress driver timed out")

// ExitError reports a stress process that exited with a non-zero status.
type ExitError struct {
	Code  int
	Cause error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("stress driver exited with code %d: %v", e.Code, e.Cause)
}

func (e *ExitError) Unwrap() error { return e.Cause }

// Driver produces load and returns when it is finished.
type Driver interface {
	Run(ctx context.Context) error
}

// Factory creates a driver for one iteration at the given load.
type Factory func(tps, txCount int, stop *capture.StopSignal) Driver

// Process runs the stress binary as a child process.
type Process struct {
	cfg     config.DriverConfig
	tps     int
	txCount int
	seed    uint32
	stop    *capture.StopSignal
	logger  *slog.Logger
}

// New creates a stress process with a random seed. stop is raised when the process exits.
func New(cfg config.DriverConfig, tps, txCount int, stop *capture.StopSignal, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		cfg:     cfg,
		tps:     tps,
		txCount: txCount,
		seed:    rand.Uint32(),
		stop:    stop,
		logger:  logger,
	}
}

// NewFactory returns a Factory that builds Process drivers from cfg.
func NewFactory(cfg config.DriverConfig, logger *slog.Logger) Factory {
	return func(tps, txCount int, stop *capture.StopSignal) Driver {
		return New(cfg, tps, txCount, stop, logger)
	}
}

// Args returns the stress command arguments.
func (p *Process) Args() []string {
	args := []string{
		"-i", p.cfg.Endpoint,
		"stress",
		"--seed", fmt.Sprintf("0x%08x", p.seed),
		"--tps", strconv.Itoa(p.tps),
		"-n", strconv.Itoa(p.txCount),
	}
	args = append(args, p.cfg.Mode)
	return append(args, p.cfg.ExtraArgs...)
}

// Run starts the process and waits for it. The stop signal is raised on every
// return path.
func (p *Process) Run(ctx context.Context) error {
	if p.stop != nil {
		defer p.stop.Raise()
	}

	runCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, p.cfg.Binary, p.Args()...)
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	p.logger.Info("starting stress driver",
		slog.String("binary", p.cfg.Binary),
		slog.Int("tps", p.tps),
		slog.Int("txCount", p.txCount),
		slog.String("seed", fmt.Sprintf("0x%08x", p.seed)),
	)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.cfg.Binary, err)
	}

	var g errgroup.Group
	g.Go(func() error { return p.forward(stdout, "stdout") })
	g.Go(func() error { return p.forward(stderr, "stderr") })
	_ = g.Wait()

	err = cmd.Wait()
	p.logger.Info("stress driver finished",
		slog.Duration("elapsed", time.Since(started)),
		slog.Bool("ok", err == nil),
	)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, p.cfg.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Cause: err}
	}
	return fmt.Errorf("stress driver failed: %w", err)
}

func (p *Process) forward(r io.Reader, stream string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.logger.Debug("stress driver output", slog.String("stream", stream), slog.String("line", line))
		}
	}
	return scanner.Err()
}

// Classify maps a driver error to an iteration failure code.
func Classify(err error) types.FailureCode {
	var exitErr *ExitError
	switch {
	case err == nil:
		return types.FailureCodeNone
	case errors.Is(err, ErrTimeout):
		return types.FailureCodeTimeout
	case errors.Is(err, context.Canceled):
		return types.FailureCodeInterrupted
	case errors.As(err, &exitErr):
		return types.FailureCodeDriverExit
	}
	return types.FailureCodeDriverExit
}

// Func adapts a function to the Driver interface.
type Func func(ctx context.Context) error

// Run implements Driver.
func (f Func) Run(ctx context.Context) error { return f(ctx) }
