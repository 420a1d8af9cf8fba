package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/stresscapture/internal/baseline"
	"github.com/gateway-fm/stresscapture/internal/capture"
	"github.com/gateway-fm/stresscapture/internal/config"
	"github.com/gateway-fm/stresscapture/internal/cycle"
	"github.com/gateway-fm/stresscapture/internal/driver"
	"github.com/gateway-fm/stresscapture/internal/feed"
	"github.com/gateway-fm/stresscapture/internal/metrics"
	"github.com/gateway-fm/stresscapture/internal/rpc"
	"github.com/gateway-fm/stresscapture/internal/stats"
	"github.com/gateway-fm/stresscapture/internal/storage"
	"github.com/gateway-fm/stresscapture/internal/supervisor"
	"github.com/gateway-fm/stresscapture/internal/transport"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

const (
	defaultBaselineBlocks = 250
	exitInterrupted       = 130
	shutdownTimeout       = 5 * time.Second
)

// node holds the connections shared by the commands that talk to a node.
type node struct {
	cfg      config.Config
	logger   *slog.Logger
	client   *rpc.HTTPClient
	feed     feed.Feed
	resolver feed.Resolver
	store    *storage.SQLiteStorage
}

// settings applies the global flags to the environment config.
func settings(c *cli.Context, base *config.Config) (config.Config, error) {
	cfg := *base
	cfg.RPCURL = c.String("rpc-url")
	cfg.WSURL = c.String("ws-url")
	cfg.DatabasePath = c.String("database")
	cfg.LogLevel = c.String("log-level")
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func openStore(cfg config.Config, logger *slog.Logger) (*storage.SQLiteStorage, error) {
	if cfg.DatabasePath == "" {
		return nil, nil
	}
	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Info("initialized storage", slog.String("path", cfg.DatabasePath))
	return store, nil
}

func connect(c *cli.Context, base *config.Config) (*node, error) {
	cfg, err := settings(c, base)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	wsURL, err := cfg.SubscriptionURL()
	if err != nil {
		return nil, err
	}
	rcfg := rpc.DefaultClientConfig(cfg.RPCURL)
	rcfg.Logger = logger
	client := rpc.NewHTTPClient(rcfg)

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &node{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		feed:     feed.NewWSFeed(wsURL, logger),
		resolver: feed.NewRPCResolver(client, logger),
		store:    store,
	}, nil
}

func (n *node) Close() {
	if n.store != nil {
		n.store.Close()
	}
}

// idleDriver returns immediately, so the engine drains as soon as it triggers.
func idleDriver(int, int, *capture.StopSignal) driver.Driver {
	return driver.Func(func(context.Context) error { return nil })
}

func newRunner(c *cli.Context, n *node, mode string) (*cycle.Runner, config.CycleConfig, error) {
	capCfg := captureConfigFrom(c)
	cycCfg := cycleConfigFrom(c)

	drivers := driver.Factory(idleDriver)
	if !c.Bool("no-driver") && c.String("run") != "watch" {
		dcfg := driverConfigFrom(c, cycCfg.IterationTimeout)
		if err := dcfg.Validate(); err != nil {
			return nil, cycCfg, fmt.Errorf("invalid driver config: %w", err)
		}
		drivers = driver.NewFactory(dcfg, n.logger)
	}

	runner, err := cycle.New(n.feed, n.resolver, drivers, capCfg, cycCfg, n.logger)
	if err != nil {
		return nil, cycCfg, err
	}
	if name := c.String("baseline-name"); name != "" {
		models, err := cachedModel(c.Context, n.store, name, capCfg)
		if err != nil {
			return nil, cycCfg, err
		}
		runner.SetModelFactory(models)
	}
	runner.SetMode(mode)
	if n.store != nil {
		runner.SetStorage(n.store)
	}
	runner.SetReportWriter(os.Stdout)
	return runner, cycCfg, nil
}

// cachedModel scores against a baseline saved by `baseline --name` or `recompute --name`.
func cachedModel(ctx context.Context, store *storage.SQLiteStorage, name string, capCfg config.CaptureConfig) (cycle.ModelFactory, error) {
	if store == nil {
		return nil, errors.New("--baseline-name requires --database")
	}
	if capCfg.BaselinePath != "" || capCfg.BaselineWindow > 0 {
		return nil, errors.New("--baseline-name cannot be combined with --baseline or --baseline-window")
	}
	cached, err := store.LoadBaseline(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("baseline %q: %w", name, err)
	}
	return func() (baseline.Model, error) { return baseline.NewLiteral(cached.Stats), nil }, nil
}

func interrupted(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return cli.Exit("interrupted", exitInterrupted)
	}
	return err
}

func runCapture(c *cli.Context, base *config.Config) error {
	n, err := connect(c, base)
	if err != nil {
		return err
	}
	defer n.Close()

	runner, cc, err := newRunner(c, n, "capture")
	if err != nil {
		return err
	}
	res, err := runner.RunIteration(c.Context, 0, cc.TPS, cc.TxCount)
	if err != nil {
		return interrupted(err)
	}
	fmt.Fprintf(os.Stdout, "FAILURES DETECTED: %d\n", res.Failures)
	if res.Code != "" {
		n.logger.Warn("capture ended abnormally", slog.String("code", string(res.Code)), slog.String("error", res.Error))
	}
	return nil
}

func runCycle(c *cli.Context, base *config.Config) error {
	n, err := connect(c, base)
	if err != nil {
		return err
	}
	defer n.Close()

	runner, cc, err := newRunner(c, n, "cycle")
	if err != nil {
		return err
	}
	_, err = runner.RunCycle(c.Context, 0, cc.TPS, cc.TxCount)
	return interrupted(err)
}

func runSweep(c *cli.Context, base *config.Config) error {
	n, err := connect(c, base)
	if err != nil {
		return err
	}
	defer n.Close()

	runner, _, err := newRunner(c, n, "sweep")
	if err != nil {
		return err
	}
	res, err := runner.Sweep(c.Context)
	if res != nil {
		if werr := cycle.WriteSweep(os.Stdout, res); werr != nil {
			return werr
		}
	}
	return interrupted(err)
}

func runReliability(c *cli.Context, base *config.Config) error {
	n, err := connect(c, base)
	if err != nil {
		return err
	}
	defer n.Close()

	runner, _, err := newRunner(c, n, "reliability")
	if err != nil {
		return err
	}
	res, err := runner.Reliability(c.Context)
	if res != nil {
		if werr := cycle.WriteReliability(os.Stdout, res); werr != nil {
			return werr
		}
	}
	return interrupted(err)
}

func runBaseline(c *cli.Context, base *config.Config) error {
	n, err := connect(c, base)
	if err != nil {
		return err
	}
	defer n.Close()

	blocks := c.Int("blocks")
	rec, err := capture.NewRecorder(n.resolver, c.Int64("block-overhead"), blocks, n.logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Establishing baseline in %d blocks (%s)...\n", blocks, time.Duration(blocks)*config.DefaultBlockTime)

	subErr := n.feed.Subscribe(c.Context, rec.HandleHeader)
	if subErr != nil && c.Context.Err() == nil {
		return fmt.Errorf("block subscription: %w", subErr)
	}

	samples := rec.Samples()
	out := c.String("out")
	rows, st, err := baseline.Recompute(samples)
	if err != nil {
		// keep what was recorded even when it cannot be scored
		if serr := baseline.SaveCSV(out, baseline.RowsFromSamples(samples)); serr != nil {
			return serr
		}
		return fmt.Errorf("baseline statistics over %d blocks: %w", len(samples), err)
	}
	if err := baseline.SaveCSV(out, rows); err != nil {
		return err
	}
	n.logger.Info("saved baseline", slog.String("path", out), slog.Int("blocks", len(samples)))

	if err := report(os.Stdout, samples, st, config.DefaultBlockTime); err != nil {
		return err
	}
	if name := c.String("name"); name != "" {
		if err := cacheBaseline(c.Context, n.store, name, st, len(samples)); err != nil {
			return err
		}
	}
	return interrupted(subErr)
}

func runRecompute(c *cli.Context, base *config.Config) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("recompute: baseline file argument is required", 2)
	}
	cfg, err := settings(c, base)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	samples, err := baseline.LoadCSV(path)
	if err != nil {
		return err
	}
	rows, st, err := baseline.Recompute(samples)
	if err != nil {
		return fmt.Errorf("recompute %s: %w", path, err)
	}

	if out := c.String("out"); out != "" {
		if err := baseline.SaveCSV(out, rows); err != nil {
			return err
		}
		logger.Info("saved scored table", slog.String("path", out))
	} else if err := baseline.WriteCSV(os.Stdout, rows); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout)
	if err := report(os.Stdout, samples, st, c.Duration("block-time")); err != nil {
		return err
	}

	if name := c.String("name"); name != "" {
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}
		return cacheBaseline(c.Context, store, name, st, len(samples))
	}
	return nil
}

// report prints the statistics of a table scored against its own baseline.
func report(w io.Writer, samples []types.BlockSample, st types.BaselineStats, blockTime time.Duration) error {
	res, err := stats.Reduce(samples, stats.Options{
		Baseline:     st,
		BlockTime:    blockTime,
		RegimeFactor: config.DefaultRegimeFactor,
		Scorer:       stats.Classic{},
	})
	if errors.Is(err, stats.ErrNoData) {
		return stats.ReportNoData(w, len(samples))
	}
	if err != nil {
		return err
	}
	return stats.Report(w, res)
}

func cacheBaseline(ctx context.Context, store *storage.SQLiteStorage, name string, st types.BaselineStats, samples int) error {
	if store == nil {
		return errors.New("--name requires --database")
	}
	err := store.SaveBaseline(ctx, storage.CachedBaseline{
		Name:      name,
		Stats:     st,
		Samples:   samples,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("cache baseline %q: %w", name, err)
	}
	return nil
}

func runIntegration(c *cli.Context, base *config.Config) error {
	cfg, err := settings(c, base)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	sc := config.DefaultSupervisorConfig(c.String("node-binary"), c.String("oracle-binary"))
	sc.ReadyMarker = c.String("ready-marker")
	sc.StartupTimeout = c.Duration("startup-timeout")
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("invalid supervisor config: %w", err)
	}

	code, err := supervisor.New(sc, logger).Run(c.Context)
	if err != nil {
		logger.Error("integration run failed", slog.String("error", err.Error()), slog.Int("exitCode", code))
	}
	if c.Context.Err() != nil {
		return cli.Exit("interrupted", exitInterrupted)
	}
	if code != 0 {
		return cli.Exit(fmt.Sprintf("integration failed with exit code %d", code), code)
	}
	return nil
}

// rpcHealth probes the node with a best-header request.
type rpcHealth struct {
	client *rpc.HTTPClient
}

func (h rpcHealth) CheckRPC(ctx context.Context) error {
	_, err := h.client.GetHeader(ctx, "")
	return err
}

func runServe(c *cli.Context, base *config.Config) error {
	n, err := connect(c, base)
	if err != nil {
		return err
	}
	defer n.Close()

	work := c.String("run")
	runner, cc, err := newRunner(c, n, work)
	if err != nil {
		return err
	}
	m := metrics.NewPrometheusMetrics(nil)
	runner.SetRecorder(m)

	var store storage.Storage
	if n.store != nil {
		store = n.store
	}
	api := transport.NewServer(runner, store, n.logger, c.String("cors-origins"))
	api.SetHealthChecker(rpcHealth{client: n.client})
	api.SetBlockTimes(m.BlockTimes)
	api.WebSocket().Start()
	defer api.WebSocket().Stop()

	srv := &http.Server{
		Addr:              c.String("listen"),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		n.logger.Info("HTTP API listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	g.Go(func() error {
		err := serveWork(gctx, runner, work, cc)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		n.logger.Info("work finished, serving until interrupted", slog.String("run", work))
		return nil
	})
	return g.Wait()
}

// serveWork runs the selected work. "watch" captures load spikes until ctx is done.
func serveWork(ctx context.Context, runner *cycle.Runner, work string, cc config.CycleConfig) error {
	switch work {
	case "none":
		return nil
	case "capture":
		_, err := runner.RunIteration(ctx, 0, cc.TPS, cc.TxCount)
		return err
	case "watch":
		for i := 0; ctx.Err() == nil; i++ {
			if _, err := runner.RunIteration(ctx, i, cc.TPS, cc.TxCount); err != nil {
				return err
			}
		}
		return ctx.Err()
	case "cycle":
		_, err := runner.RunCycle(ctx, 0, cc.TPS, cc.TxCount)
		return err
	case "sweep":
		res, err := runner.Sweep(ctx)
		if res != nil {
			_ = cycle.WriteSweep(os.Stdout, res)
		}
		return err
	case "reliability":
		res, err := runner.Reliability(ctx)
		if res != nil {
			_ = cycle.WriteReliability(os.Stdout, res)
		}
		return err
	}
	return fmt.Errorf("unknown --run %q (supported: capture, watch, cycle, sweep, reliability, none)", work)
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}
