// Package cycle runs capture iterations against a stress driver and aggregates
// their failures into cycles, load sweeps and reliability batches.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/stresscapture/internal/baseline"
	"github.com/gateway-fm/stresscapture/internal/capture"
	"github.com/gateway-fm/stresscapture/internal/config"
	"github.com/gateway-fm/stresscapture/internal/driver"
	"github.com/gateway-fm/stresscapture/internal/feed"
	"github.com/gateway-fm/stresscapture/internal/stats"
	"github.com/gateway-fm/stresscapture/internal/storage"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// Recorder receives engine events plus per-iteration and per-cycle outcomes.
type Recorder interface {
	capture.Observer
	RecordIteration(code types.FailureCode)
	SetFailureRate(rate float64)
}

// ModelFactory builds the baseline model of an iteration.
type ModelFactory func() (baseline.Model, error)

// ModelFactoryFor returns the baseline source selected by cfg: a CSV file, an
// empirical window learned by the first iteration, or the literal default.
func ModelFactoryFor(cfg config.CaptureConfig) (ModelFactory, error) {
	switch {
	case cfg.BaselinePath != "":
		samples, err := baseline.LoadCSV(cfg.BaselinePath)
		if err != nil {
			return nil, err
		}
		st, err := baseline.FromSamples(samples)
		if err != nil {
			return nil, fmt.Errorf("baseline %s: %w", cfg.BaselinePath, err)
		}
		return func() (baseline.Model, error) { return baseline.NewLiteral(st), nil }, nil
	case cfg.BaselineWindow > 0:
		return func() (baseline.Model, error) { return baseline.NewEmpirical(cfg.BaselineWindow) }, nil
	default:
		return func() (baseline.Model, error) { return baseline.NewLiteral(baseline.Default), nil }, nil
	}
}

// Runner executes capture iterations. One iteration runs at a time.
type Runner struct {
	feed     feed.Feed
	resolver feed.Resolver
	drivers  driver.Factory
	capture  config.CaptureConfig
	cycle    config.CycleConfig
	models   ModelFactory
	logger   *slog.Logger

	store    storage.Storage
	recorder Recorder
	out      io.Writer
	mode     string

	mu      sync.RWMutex
	current *capture.Engine
	last    *types.IterationResult
}

// New creates a runner. The baseline source defaults to ModelFactoryFor(capCfg).
func New(f feed.Feed, r feed.Resolver, drivers driver.Factory, capCfg config.CaptureConfig, cycCfg config.CycleConfig, logger *slog.Logger) (*Runner, error) {
	if f == nil || r == nil {
		return nil, errors.New("feed and resolver are required")
	}
	if drivers == nil {
		return nil, errors.New("driver factory is required")
	}
	if err := capCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture config: %w", err)
	}
	if err := cycCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cycle config: %w", err)
	}
	models, err := ModelFactoryFor(capCfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		feed:     f,
		resolver: r,
		drivers:  drivers,
		capture:  capCfg,
		cycle:    cycCfg,
		models:   models,
		logger:   logger,
		mode:     "capture",
	}, nil
}

// SetStorage enables persistence of every iteration.
func (r *Runner) SetStorage(s storage.Storage) { r.store = s }

// SetRecorder attaches metrics.
func (r *Runner) SetRecorder(rec Recorder) { r.recorder = rec }

// SetReportWriter prints each iteration's statistics report to w.
func (r *Runner) SetReportWriter(w io.Writer) { r.out = w }

// SetModelFactory overrides the baseline source.
func (r *Runner) SetModelFactory(m ModelFactory) { r.models = m }

// SetMode labels persisted runs ("capture", "cycle", "sweep", "reliability").
func (r *Runner) SetMode(mode string) { r.mode = mode }

// Snapshot returns the live view of the running iteration, or of the last one.
func (r *Runner) Snapshot() types.CaptureSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return types.CaptureSnapshot{Status: types.StatusIdle, UpdatedAt: time.Now()}
	}
	return r.current.Snapshot()
}

// RequestStop raises the stop signal of the running iteration, as if the stress
// driver had finished. It reports whether an iteration was running.
func (r *Runner) RequestStop() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil || r.current.Status() == types.StatusDone {
		return false
	}
	r.current.Stop().Raise()
	return true
}

// Last returns the most recent iteration result, or nil.
func (r *Runner) Last() *types.IterationResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// RunIteration runs the stress driver and the block subscription concurrently
// and reduces the captured samples. The driver starts once the baseline is
// ready. The returned error is non-nil only when ctx
// was cancelled; the partial result is still returned.
func (r *Runner) RunIteration(ctx context.Context, iteration, tps, txCount int) (*types.IterationResult, error) {
	model, err := r.models()
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	stop := &capture.StopSignal{}
	engine, err := capture.New(r.capture.Engine(), model, r.resolver, stop, r.logger)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	engine.SetRunID(runID)
	if r.recorder != nil {
		engine.SetObserver(r.recorder)
	}

	r.mu.Lock()
	r.current = engine
	r.mu.Unlock()

	log := r.logger.With(slog.String("runID", runID), slog.Int("iteration", iteration))
	log.Info("starting iteration", slog.Int("tps", tps), slog.Int("txCount", txCount))
	startedAt := time.Now()
	r.createRun(ctx, &storage.CaptureRun{
		ID:        runID,
		StartedAt: startedAt,
		Mode:      r.mode,
		Iteration: iteration,
		TPS:       tps,
		TxCount:   txCount,
	})

	driverCtx, stopDriver := context.WithCancel(ctx)
	defer stopDriver()
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	var (
		driverErr     error
		feedErr       error
		feedFinished  atomic.Bool
		feedCancelled atomic.Bool
	)
	drv := r.drivers(tps, txCount, stop)

	var g errgroup.Group
	g.Go(func() error {
		defer stop.Raise()
		select {
		case <-engine.BaselineReady():
		case <-driverCtx.Done():
			log.Info("stress driver not started: baseline still warming up")
			return nil
		}
		driverErr = drv.Run(driverCtx)
		if driverErr != nil && !feedFinished.Load() && engine.Status() == types.StatusIdle {
			// nothing captured yet and no more load is coming
			log.Warn("stress driver failed before capture started", slog.String("error", driverErr.Error()))
			feedCancelled.Store(true)
			stopFeed()
		}
		return nil
	})
	g.Go(func() error {
		defer stopDriver()
		feedErr = r.feed.Subscribe(feedCtx, engine.HandleHeader)
		feedFinished.Store(true)
		return nil
	})
	_ = g.Wait()
	r.keepLearnedBaseline(model)

	res := &types.IterationResult{
		RunID:     runID,
		Iteration: iteration,
		TPS:       tps,
		TxCount:   txCount,
		Failures:  engine.Failures(),
		Anomalies: engine.Anomalies(),
	}

	switch {
	case ctx.Err() != nil:
		res.Code = types.FailureCodeInterrupted
		res.Error = ctx.Err().Error()
	case driverErr != nil && !(feedFinished.Load() && errors.Is(driverErr, context.Canceled) && !feedCancelled.Load()):
		res.Code = driver.Classify(driverErr)
		res.Error = driverErr.Error()
	case feedErr != nil && !feedCancelled.Load():
		res.Code = types.FailureCodeFeed
		res.Error = feedErr.Error()
	}
	if res.Code == types.FailureCodeTimeout {
		res.Failures++
	}

	samples := engine.Samples()
	opts, err := r.capture.ReduceOptions(engine.Baseline())
	if err != nil {
		return nil, err
	}
	reduced, err := stats.Reduce(samples, opts)
	switch {
	case errors.Is(err, stats.ErrNoData):
		res.NoData = true
	case err != nil:
		return nil, fmt.Errorf("reduce: %w", err)
	default:
		res.Stats = &reduced.Stats
	}
	r.writeReport(reduced, len(samples))

	log.Info("iteration finished",
		slog.Int("samples", len(samples)),
		slog.Int("failures", res.Failures),
		slog.String("code", string(res.Code)),
		slog.Bool("noData", res.NoData),
		slog.Duration("elapsed", time.Since(startedAt)),
	)
	if r.recorder != nil {
		r.recorder.RecordIteration(res.Code)
	}
	r.persist(res, samples, engine.Baseline())

	r.mu.Lock()
	r.last = res
	r.mu.Unlock()

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

// keepLearnedBaseline makes later iterations score against a baseline learned
// during warm-up instead of learning a new one.
func (r *Runner) keepLearnedBaseline(model baseline.Model) {
	if _, ok := model.(*baseline.Empirical); !ok || !model.Ready() {
		return
	}
	st := model.Stats()
	r.models = func() (baseline.Model, error) { return baseline.NewLiteral(st), nil }
	r.logger.Info("keeping learned baseline for later iterations",
		slog.Float64("sizeMean", st.SizeMean),
		slog.Float64("sizeStdev", st.SizeStdev),
	)
}

func (r *Runner) writeReport(res *stats.Result, captured int) {
	if r.out == nil {
		return
	}
	var err error
	if res == nil {
		err = stats.ReportNoData(r.out, captured)
	} else {
		err = stats.Report(r.out, res)
	}
	if err != nil {
		r.logger.Warn("failed to write report", slog.String("error", err.Error()))
	}
}

func (r *Runner) createRun(ctx context.Context, run *storage.CaptureRun) {
	if r.store == nil {
		return
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.logger.Warn("failed to persist run", slog.String("runID", run.ID), slog.String("error", err.Error()))
	}
}

// persist stores the outcome with a fresh context so interrupted runs are still saved.
func (r *Runner) persist(res *types.IterationResult, samples []types.BlockSample, base types.BaselineStats) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := storage.RunStatusCompleted
	switch {
	case res.NoData:
		status = storage.RunStatusNoData
	case res.Code == types.FailureCodeFeed || res.Code == types.FailureCodeInterrupted:
		status = storage.RunStatusError
	}
	run := &storage.CaptureRun{
		Status:       status,
		FailureCode:  res.Code,
		ErrorMessage: res.Error,
		Failures:     res.Failures,
		SampleCount:  len(samples),
		Statistics:   res.Stats,
		Baseline:     &base,
	}

	log := r.logger.With(slog.String("runID", res.RunID))
	if err := r.store.BulkInsertSamples(ctx, res.RunID, samples); err != nil {
		log.Warn("failed to persist samples", slog.String("error", err.Error()))
	}
	if err := r.store.BulkInsertAnomalies(ctx, res.RunID, res.Anomalies); err != nil {
		log.Warn("failed to persist anomalies", slog.String("error", err.Error()))
	}
	if err := r.store.CompleteRun(ctx, res.RunID, run); err != nil {
		log.Warn("failed to complete run", slog.String("error", err.Error()))
	}
}
