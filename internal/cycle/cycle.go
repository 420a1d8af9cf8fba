package cycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gateway-fm/stresscapture/internal/stats"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// SweepResult lists the cycles of an increasing-load sweep.
type SweepResult struct {
	Cycles []types.CycleResult `json:"cycles"`
	// FirstSignificant is the first load level whose cycle was significant, or 0.
	FirstSignificant int `json:"firstSignificant"`
	// Halted is true when a cycle reached the halt rate.
	Halted bool `json:"halted"`
}

// ReliabilityResult summarizes repeated cycles at one load level.
type ReliabilityResult struct {
	Level    int                 `json:"level"`
	Cycles   []types.CycleResult `json:"cycles"`
	Failures stats.Summary       `json:"failures"`
	Rates    stats.Summary       `json:"rates"`
}

// RunCycle runs the configured number of iterations at one load level.
// Interrupted cycles return the iterations completed so far with ctx's error;
// their failure rate covers those iterations only.
func (r *Runner) RunCycle(ctx context.Context, n, tps, txCount int) (*types.CycleResult, error) {
	res := &types.CycleResult{TPS: tps, TxCount: txCount}
	r.logger.Info("starting test cycle", slog.Int("cycle", n), slog.Int("tps", tps), slog.Int("txCount", txCount))

	var runErr error
	for i := 0; i < r.cycle.Iterations; i++ {
		it, err := r.RunIteration(ctx, i, tps, txCount)
		if it != nil {
			res.Iterations = append(res.Iterations, *it)
			res.Failures += it.Failures
		}
		if err != nil {
			runErr = err
			break
		}
	}

	if len(res.Iterations) > 0 {
		res.FailureRate = float64(res.Failures) / float64(len(res.Iterations))
	}
	res.Significant = res.Failures >= r.cycle.SignificantFailures()
	if r.recorder != nil {
		r.recorder.SetFailureRate(res.FailureRate)
	}

	r.logger.Info("end test cycle",
		slog.Int("cycle", n),
		slog.Int("tps", tps),
		slog.Int("txCount", txCount),
		slog.Int("failures", res.Failures),
		slog.Float64("rate", res.FailureRate),
		slog.Bool("significant", res.Significant),
	)
	if res.Significant {
		r.logger.Warn("significant failure detected", slog.Int("txCount", txCount))
	}
	if r.out != nil {
		if err := WriteCycle(r.out, n, res); err != nil {
			r.logger.Warn("failed to write cycle summary", slog.String("error", err.Error()))
		}
	}
	return res, runErr
}

// Sweep raises the load from SweepStart by SweepStep per cycle, with tps equal
// to the transaction count, until a cycle's failure rate reaches SweepHaltRate.
func (r *Runner) Sweep(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{}
	for n, level := 0, r.cycle.SweepStart; ; n, level = n+1, level+r.cycle.SweepStep {
		c, err := r.RunCycle(ctx, n, level, level)
		if c != nil {
			res.Cycles = append(res.Cycles, *c)
			if c.Significant && res.FirstSignificant == 0 {
				res.FirstSignificant = level
			}
		}
		if err != nil {
			return res, err
		}
		if c.FailureRate >= r.cycle.SweepHaltRate {
			res.Halted = true
			r.logger.Info("sweep halted", slog.Int("level", level), slog.Float64("rate", c.FailureRate))
			return res, nil
		}
	}
}

// Reliability runs ReliabilityCycles cycles at ReliabilityLevel and summarizes
// the failure counts and rates.
func (r *Runner) Reliability(ctx context.Context) (*ReliabilityResult, error) {
	level := r.cycle.ReliabilityLevel
	res := &ReliabilityResult{Level: level}

	var runErr error
	for n := 0; n < r.cycle.ReliabilityCycles; n++ {
		c, err := r.RunCycle(ctx, n, level, level)
		if c != nil {
			res.Cycles = append(res.Cycles, *c)
		}
		if err != nil {
			runErr = err
			break
		}
		r.logger.Info("capture cycle ended", slog.Int("cycle", n))
	}

	failures := make([]float64, len(res.Cycles))
	rates := make([]float64, len(res.Cycles))
	for i, c := range res.Cycles {
		failures[i] = float64(c.Failures)
		rates[i] = c.FailureRate
	}
	var err error
	if res.Failures, err = stats.Aggregate(failures, r.cycle.DDOF); err != nil && !errors.Is(err, stats.ErrNoData) {
		return res, err
	}
	if res.Rates, err = stats.Aggregate(rates, r.cycle.DDOF); err != nil && !errors.Is(err, stats.ErrNoData) {
		return res, err
	}
	return res, runErr
}

// WriteReliability renders the failure and rate summaries.
func WriteReliability(w io.Writer, res *ReliabilityResult) error {
	p := &printer{w: w}
	fails := make([]int, len(res.Cycles))
	rates := make([]float64, len(res.Cycles))
	for i, c := range res.Cycles {
		fails[i] = c.Failures
		rates[i] = c.FailureRate
	}
	p.line("Fails: %v", fails)
	p.line("Rates: %v", rates)
	p.line("")
	p.line("FAILURE")
	p.summary(res.Failures, 1, "")
	p.line("")
	p.line("RATE:")
	p.summary(res.Rates, 100, "%")
	return p.err
}

// WriteSweep renders the per-level failure rates of a sweep.
func WriteSweep(w io.Writer, res *SweepResult) error {
	p := &printer{w: w}
	for _, c := range res.Cycles {
		p.line("%d num, %d tps: failures %d, rate %.2f%%", c.TxCount, c.TPS, c.Failures, c.FailureRate*100)
	}
	if res.FirstSignificant > 0 {
		p.line("First significant failure detected at %d num, %d tps", res.FirstSignificant, res.FirstSignificant)
	} else {
		p.line("No significant failure detected")
	}
	return p.err
}

// WriteCycle renders the end-of-cycle line.
func WriteCycle(w io.Writer, n int, c *types.CycleResult) error {
	p := &printer{w: w}
	p.line("END TEST CYCLE %d WITH PARAMETERS %d num, %d tps; FAILURES DETECTED: %d, RATE: %.2f%%",
		n, c.TxCount, c.TPS, c.Failures, c.FailureRate*100)
	if c.Significant {
		p.line("SIGNIFICANT FAILURE DETECTED AT %d", c.TxCount)
	}
	return p.err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) summary(s stats.Summary, scale float64, unit string) {
	p.line("  - mean: %.2f%s", s.Mean*scale, unit)
	if !s.Defined {
		p.line("  - unbiased stdev: undefined")
		return
	}
	p.line("  - unbiased stdev: %.5f%s", s.Stdev*scale, unit)
	p.line("  - unbiased sterr: %.5f%s", s.StdErr*scale, unit)
	p.line("  - margin of error (95%% conf. lvl.) = +/-%.3f%s", s.MarginOfError*scale, unit)
}
