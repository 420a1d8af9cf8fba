// Command stresscapture measures how a substrate node's blocks react to a burst
// of stress transactions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/gateway-fm/stresscapture/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := newApp(cfg)
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(exitCode(err))
	}
}

func newApp(cfg *config.Config) *cli.App {
	runFlags := func(extra ...[]cli.Flag) []cli.Flag {
		return concat(append([][]cli.Flag{captureFlags(), driverFlags(cfg)}, extra...)...)
	}

	return &cli.App{
		Name:  "stresscapture",
		Usage: "Capture and score the blocks produced under stress load",
		Flags: globalFlags(cfg),
		Commands: []*cli.Command{
			{
				Name:  "capture",
				Usage: "Run one stress capture and print its statistics",
				Flags: runFlags(loadFlags(), []cli.Flag{
					&cli.BoolFlag{Name: "no-driver", Usage: "Do not start the stress tool; capture the next load spike"},
				}),
				Action: func(c *cli.Context) error { return runCapture(c, cfg) },
			},
			{
				Name:   "cycle",
				Usage:  "Run a cycle of captures at one load level",
				Flags:  runFlags(loadFlags(), batchFlags()),
				Action: func(c *cli.Context) error { return runCycle(c, cfg) },
			},
			{
				Name:   "sweep",
				Usage:  "Raise the load cycle by cycle until failures become frequent",
				Flags:  runFlags(batchFlags(), sweepFlags()),
				Action: func(c *cli.Context) error { return runSweep(c, cfg) },
			},
			{
				Name:   "reliability",
				Usage:  "Repeat cycles at one load level and summarize the failure rate",
				Flags:  runFlags(batchFlags(), reliabilityFlags()),
				Action: func(c *cli.Context) error { return runReliability(c, cfg) },
			},
			{
				Name:  "baseline",
				Usage: "Record consecutive blocks and save them as a baseline file",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "blocks", Value: defaultBaselineBlocks, Usage: "Number of blocks to record"},
					&cli.Int64Flag{Name: "block-overhead", Value: config.DefaultCaptureConfig().BlockOverhead, Usage: "Bytes added to each block's extrinsic total"},
					&cli.StringFlag{Name: "out", Value: "baseline.csv", Usage: "Output CSV file"},
					&cli.StringFlag{Name: "name", Usage: "Also cache the baseline in the database under this name"},
				},
				Action: func(c *cli.Context) error { return runBaseline(c, cfg) },
			},
			{
				Name:      "recompute",
				Usage:     "Score a baseline file against its own statistics",
				ArgsUsage: "<baseline.csv>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Usage: "Write the scored table to this CSV file"},
					&cli.StringFlag{Name: "name", Usage: "Cache the recomputed baseline in the database under this name"},
					&cli.DurationFlag{Name: "block-time", Value: config.DefaultBlockTime, Usage: "Nominal block time"},
				},
				Action: func(c *cli.Context) error { return runRecompute(c, cfg) },
			},
			{
				Name:  "integration",
				Usage: "Start node and oracle, run the integration scenarios and propagate the oracle's exit code",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "node-binary", Value: cfg.NodeBinary, Usage: "Node binary (NODE_BINARY)"},
					&cli.StringFlag{Name: "oracle-binary", Value: cfg.OracleBinary, Usage: "Oracle binary (ORACLE_BINARY)"},
					&cli.StringFlag{Name: "ready-marker", Usage: "Substring a readiness line must contain"},
					&cli.DurationFlag{Name: "startup-timeout", Value: config.DefaultStartupTimeout, Usage: "Readiness deadline per process"},
				},
				Action: func(c *cli.Context) error { return runIntegration(c, cfg) },
			},
			{
				Name:  "serve",
				Usage: "Serve the HTTP API while running captures",
				Flags: runFlags(loadFlags(), batchFlags(), sweepFlags(), reliabilityFlags(), []cli.Flag{
					&cli.StringFlag{Name: "listen", Value: cfg.ListenAddr, Usage: "HTTP listen address (LISTEN_ADDR)"},
					&cli.StringFlag{Name: "cors-origins", Value: "*", Usage: "Comma separated allowed CORS origins"},
					&cli.StringFlag{Name: "run", Value: "capture", Usage: "Work to run while serving: capture, watch (passive captures until interrupted), cycle, sweep, reliability, none"},
					&cli.BoolFlag{Name: "no-driver", Usage: "Do not start the stress tool; capture load spikes as they come"},
				}),
				Action: func(c *cli.Context) error { return runServe(c, cfg) },
			},
		},
	}
}
