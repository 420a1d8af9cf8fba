package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/gateway-fm/stresscapture/internal/config"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// globalFlags are shared by every command. Defaults come from the environment.
func globalFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "rpc-url", Value: cfg.RPCURL, Usage: "Node HTTP JSON-RPC URL (RPC_URL)"},
		&cli.StringFlag{Name: "ws-url", Value: cfg.WSURL, Usage: "Node WebSocket URL, derived from --rpc-url when empty (WS_URL)"},
		&cli.StringFlag{Name: "database", Value: cfg.DatabasePath, Usage: "SQLite database path, empty disables persistence (DATABASE_PATH)"},
		&cli.StringFlag{Name: "log-level", Value: cfg.LogLevel, Usage: "Log level: debug, info, warn, error (LOG_LEVEL)"},
	}
}

// captureFlags configure the engine and the reducer.
func captureFlags() []cli.Flag {
	c := config.LoadCaptureConfig()
	return []cli.Flag{
		&cli.StringFlag{Name: "baseline", Value: c.BaselinePath, Usage: "Baseline CSV file (BASELINE_PATH)"},
		&cli.IntFlag{Name: "baseline-window", Value: c.BaselineWindow, Usage: "Learn the baseline from the first N blocks instead (BASELINE_WINDOW)"},
		&cli.StringFlag{Name: "baseline-name", Usage: "Load the baseline from the database cache under this name"},
		&cli.Float64Flag{Name: "trigger-z", Value: c.TriggerZ, Usage: "Start a capture when |z-size| exceeds this"},
		&cli.Float64Flag{Name: "drain-z", Value: c.DrainZ, Usage: "Count down while |z-size| is below this"},
		&cli.Float64Flag{Name: "anomaly-z", Value: c.AnomalyZ, Usage: "Annotate a block-time anomaly when |z-lat| exceeds this"},
		&cli.Float64Flag{Name: "failure-z", Value: c.FailureZ, Usage: "Count a failure when z-lat exceeds this (FAILURE_Z)"},
		&cli.IntFlag{Name: "countdown", Value: c.DrainCountdown, Usage: "Quiet blocks that end a drain (DRAIN_COUNTDOWN)"},
		&cli.Int64Flag{Name: "block-overhead", Value: c.BlockOverhead, Usage: "Bytes added to each block's extrinsic total"},
		&cli.IntFlag{Name: "trim", Value: c.TrimCount, Usage: "Rows dropped from the end before reducing (-1: countdown-1)"},
		&cli.DurationFlag{Name: "block-time", Value: c.BlockTime, Usage: "Nominal block time"},
		&cli.Float64Flag{Name: "regime-factor", Value: c.RegimeFactor, Usage: "Block-time regime change threshold in stdevs"},
		&cli.StringFlag{Name: "scoring", Value: string(c.Scoring), Usage: "Scoring mode: classic, robust (SCORING)"},
	}
}

// driverFlags configure the stress process.
func driverFlags(cfg *config.Config) []cli.Flag {
	d := config.DefaultDriverConfig(cfg.StressBinary)
	return []cli.Flag{
		&cli.StringFlag{Name: "stress-binary", Value: d.Binary, Usage: "Stress tool binary (STRESS_BINARY)"},
		&cli.StringFlag{Name: "stress-endpoint", Value: d.Endpoint, Usage: "Node endpoint passed to the stress tool"},
		&cli.StringFlag{Name: "stress-mode", Value: d.Mode, Usage: "Stress tool mode"},
		&cli.StringSliceFlag{Name: "stress-arg", Usage: "Extra argument appended to the stress command (repeatable)"},
		&cli.DurationFlag{Name: "timeout", Value: config.DefaultIterationTimeout, Usage: "Stress process deadline per iteration (0 disables)"},
	}
}

// loadFlags select the load level of a single cycle.
func loadFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "tps", Value: config.DefaultLoadLevel, Usage: "Transactions per second"},
		&cli.IntFlag{Name: "tx-count", Value: config.DefaultLoadLevel, Usage: "Transactions per iteration"},
	}
}

// batchFlags configure cycles of iterations.
func batchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "iterations", Value: config.DefaultIterations, Usage: "Iterations per cycle"},
		&cli.Float64Flag{Name: "significance", Value: config.DefaultSignificanceLevel, Usage: "Failure fraction of a significant cycle"},
	}
}

func sweepFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "start", Value: config.DefaultSweepStart, Usage: "First load level"},
		&cli.IntFlag{Name: "step", Value: config.DefaultSweepStep, Usage: "Load increase per cycle"},
		&cli.Float64Flag{Name: "halt-rate", Value: config.DefaultSweepHaltRate, Usage: "Stop once a cycle's failure rate reaches this"},
	}
}

func reliabilityFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "cycles", Value: config.DefaultReliabilityCycles, Usage: "Number of cycles"},
		&cli.IntFlag{Name: "level", Value: config.DefaultLoadLevel, Usage: "Load level of every cycle"},
		&cli.Float64Flag{Name: "ddof", Value: config.DefaultDDOF, Usage: "Delta degrees of freedom of the stdev"},
	}
}

func concat(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// captureConfigFrom applies command flags on top of the environment.
func captureConfigFrom(c *cli.Context) config.CaptureConfig {
	cc := config.LoadCaptureConfig()
	cc.BaselinePath = c.String("baseline")
	cc.BaselineWindow = c.Int("baseline-window")
	cc.TriggerZ = c.Float64("trigger-z")
	cc.DrainZ = c.Float64("drain-z")
	cc.AnomalyZ = c.Float64("anomaly-z")
	cc.FailureZ = c.Float64("failure-z")
	cc.DrainCountdown = c.Int("countdown")
	cc.BlockOverhead = c.Int64("block-overhead")
	cc.TrimCount = c.Int("trim")
	cc.BlockTime = c.Duration("block-time")
	cc.RegimeFactor = c.Float64("regime-factor")
	cc.Scoring = types.ScoringMode(c.String("scoring"))
	return cc
}

// cycleConfigFrom applies the batch flags set on the command line to the defaults.
func cycleConfigFrom(c *cli.Context) config.CycleConfig {
	cc := config.DefaultCycleConfig()
	setInt(c, "tps", &cc.TPS)
	setInt(c, "tx-count", &cc.TxCount)
	setInt(c, "iterations", &cc.Iterations)
	setFloat(c, "significance", &cc.SignificanceLevel)
	setInt(c, "start", &cc.SweepStart)
	setInt(c, "step", &cc.SweepStep)
	setFloat(c, "halt-rate", &cc.SweepHaltRate)
	setInt(c, "cycles", &cc.ReliabilityCycles)
	setInt(c, "level", &cc.ReliabilityLevel)
	setFloat(c, "ddof", &cc.DDOF)
	if c.IsSet("timeout") {
		cc.IterationTimeout = c.Duration("timeout")
	}
	return cc
}

func driverConfigFrom(c *cli.Context, timeout time.Duration) config.DriverConfig {
	d := config.DefaultDriverConfig(c.String("stress-binary"))
	d.Endpoint = c.String("stress-endpoint")
	d.Mode = c.String("stress-mode")
	d.ExtraArgs = c.StringSlice("stress-arg")
	d.Timeout = timeout
	return d
}

func setInt(c *cli.Context, name string, dst *int) {
	if c.IsSet(name) {
		*dst = c.Int(name)
	}
}

func setFloat(c *cli.Context, name string, dst *float64) {
	if c.IsSet(name) {
		*dst = c.Float64(name)
	}
}
