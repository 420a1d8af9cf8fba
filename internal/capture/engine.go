// Package capture implements the per-block capture state machine that decides
// which blocks belong to a stress run.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/stresscapture/internal/baseline"
	"github.com/gateway-fm/stresscapture/internal/feed"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// Default thresholds.
const (
	DefaultTriggerZ      = 5.0
	DefaultDrainZ        = 3.0
	DefaultAnomalyZ      = 3.0
	DefaultFailureZ      = 3134.0
	DefaultCountdown     = 1
	DefaultBlockOverhead = 187
)

// Block outcomes reported to the Observer.
const (
	OutcomeObserved = "observed" // resolved and scored, not recorded
	OutcomeSkipped  = "skipped"  // unresolvable, undated or duplicate
	OutcomeRecorded = "recorded" // appended to the sample table
)

// Config holds the engine thresholds.
type Config struct {
	// TriggerZ starts a capture when |z-size| exceeds it.
	TriggerZ float64
	// DrainZ: while draining, |z-size| below it counts the countdown down.
	DrainZ float64
	// AnomalyZ annotates a block-time anomaly when |z-lat| exceeds it.
	AnomalyZ float64
	// FailureZ counts a failure when z-lat exceeds it.
	FailureZ float64
	// Countdown is the number of consecutive quiet blocks that end a drain.
	Countdown int
	// BlockOverhead is added to the summed extrinsic bytes.
	BlockOverhead int64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		TriggerZ:      DefaultTriggerZ,
		DrainZ:        DefaultDrainZ,
		AnomalyZ:      DefaultAnomalyZ,
		FailureZ:      DefaultFailureZ,
		Countdown:     DefaultCountdown,
		BlockOverhead: DefaultBlockOverhead,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.TriggerZ <= 0 || c.DrainZ <= 0 || c.AnomalyZ <= 0 || c.FailureZ <= 0 {
		return fmt.Errorf("thresholds must be positive (trigger=%v drain=%v anomaly=%v failure=%v)",
			c.TriggerZ, c.DrainZ, c.AnomalyZ, c.FailureZ)
	}
	if c.Countdown < 1 {
		return fmt.Errorf("countdown must be at least 1, got %d", c.Countdown)
	}
	if c.BlockOverhead < 0 {
		return fmt.Errorf("block overhead must be non-negative, got %d", c.BlockOverhead)
	}
	return nil
}

// StopSignal is raised once by the driver monitor and read by the engine.
type StopSignal struct {
	raised atomic.Bool
}

// Raise sets the signal. It is idempotent.
func (s *StopSignal) Raise() { s.raised.Store(true) }

// Raised reports whether the signal was set.
func (s *StopSignal) Raised() bool { return s.raised.Load() }

// Observer receives engine events. Implementations must be safe for concurrent use.
type Observer interface {
	RecordBlock(outcome string)
	RecordSample(s types.BlockSample)
	RecordAnomaly(kind types.AnomalyKind)
	RecordFailure()
	RecordSizeZ(z float64)
	SetState(status types.CaptureStatus)
}

// learner is a baseline that is still collecting its reference window.
type learner interface {
	Observe(s types.BlockSample) (bool, error)
}

// Engine is the capture state machine. HandleHeader must be called from a
// single goroutine; the accessors may be called concurrently.
type Engine struct {
	cfg      Config
	model    baseline.Model
	resolver feed.Resolver
	stop     *StopSignal
	logger   *slog.Logger
	observer Observer
	ready    chan struct{}

	mu           sync.RWMutex
	runID        string
	status       types.CaptureStatus
	countdown    int
	failures     int
	anomalies    []types.Anomaly
	samples      []types.BlockSample
	recorded     map[uint64]struct{}
	sampler      sampler
	lastBlock    uint64
	lastSizeZ    *float64
	lastLatencyZ *float64
	updatedAt    time.Time
}

// New creates an engine in the Idle state.
func New(cfg Config, model baseline.Model, resolver feed.Resolver, stop *StopSignal, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, errors.New("baseline model is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if stop == nil {
		stop = &StopSignal{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		model:     model,
		resolver:  resolver,
		stop:      stop,
		logger:    logger,
		status:    types.StatusIdle,
		countdown: cfg.Countdown,
		recorded:  make(map[uint64]struct{}),
		sampler:   sampler{overhead: cfg.BlockOverhead},
		ready:     make(chan struct{}),
		updatedAt: time.Now(),
	}
	if model.Ready() {
		close(e.ready)
	}
	return e, nil
}

// BaselineReady is closed once the baseline can score blocks.
func (e *Engine) BaselineReady() <-chan struct{} { return e.ready }

// SetObserver attaches an event observer. Call before the first header.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
	if o != nil {
		o.SetState(e.Status())
	}
}

// SetRunID tags snapshots with a run identifier.
func (e *Engine) SetRunID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runID = id
}

// Stop returns the engine's stop signal.
func (e *Engine) Stop() *StopSignal { return e.stop }

// HandleHeader processes one header notification. It satisfies feed.Handler.
func (e *Engine) HandleHeader(ctx context.Context, header types.Header, seq int) (feed.Signal, error) {
	if e.Status() == types.StatusDone {
		return feed.Done, nil
	}

	e.mu.RLock()
	_, dup := e.recorded[header.Number]
	e.mu.RUnlock()
	if dup {
		e.logger.Debug("duplicate block ignored", slog.Uint64("block", header.Number))
		e.recordBlock(OutcomeSkipped)
		return feed.Continue, nil
	}

	block, err := e.resolver.BlockByNumber(ctx, header.Number)
	if err != nil {
		if ctx.Err() != nil {
			return feed.Continue, ctx.Err()
		}
		level := slog.LevelWarn
		if errors.Is(err, feed.ErrBlockNotFound) {
			level = slog.LevelInfo
		}
		e.logger.Log(ctx, level, "block skipped",
			slog.Uint64("block", header.Number),
			slog.String("error", err.Error()),
		)
		e.recordBlock(OutcomeSkipped)
		return feed.Continue, nil
	}

	ts, ok := block.Timestamp()
	if !ok {
		e.logger.Warn("block skipped: no timestamp", slog.Uint64("block", header.Number))
		e.recordBlock(OutcomeSkipped)
		return feed.Continue, nil
	}

	sample := e.buildSample(header.Number, ts, block)
	e.logger.Debug("new block",
		slog.Uint64("block", sample.Number),
		slog.Int("seq", seq),
		slog.Int64("size", sample.Size),
		slog.Int("extrinsics", sample.Extrinsics),
		slog.Float64("latency", sample.Latency),
	)

	if l, ok := e.model.(learner); ok && !e.model.Ready() {
		frozen, err := l.Observe(sample)
		if err != nil {
			return feed.Continue, fmt.Errorf("baseline warm-up: %w", err)
		}
		if frozen {
			close(e.ready)
			st := e.model.Stats()
			e.logger.Info("established baseline",
				slog.Float64("sizeMean", st.SizeMean),
				slog.Float64("sizeStdev", st.SizeStdev),
				slog.Float64("latencyMean", st.LatencyMean),
				slog.Float64("latencyStdev", st.LatencyStdev),
			)
		}
		e.recordBlock(OutcomeObserved)
		return feed.Continue, nil
	}

	zSize, sizeOK := e.score(types.ColumnSize, float64(sample.Size), true)
	zLat, latOK := e.score(types.ColumnLatency, sample.Latency, sample.LatencyKnown)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastBlock = sample.Number
	e.updatedAt = time.Now()
	e.lastSizeZ = optional(zSize, sizeOK)
	e.lastLatencyZ = optional(zLat, latOK)
	if sizeOK && e.observer != nil {
		e.observer.RecordSizeZ(zSize)
	}

	if e.status == types.StatusIdle {
		if !sizeOK || math.Abs(zSize) <= e.cfg.TriggerZ {
			if latOK && math.Abs(zLat) > e.cfg.AnomalyZ {
				e.logger.Warn("block time anomaly while idle", slog.Uint64("block", sample.Number), slog.Float64("zLat", zLat))
			}
			e.recordBlock(OutcomeObserved)
			return feed.Continue, nil
		}
		e.logger.Info("capture triggered", slog.Uint64("block", sample.Number), slog.Float64("zSize", zSize))
		e.setStatus(types.StatusCapturing)
	}

	e.record(sample, zLat, latOK)

	if e.status == types.StatusCapturing && e.stop.Raised() {
		e.logger.Info("stress driver finished, draining", slog.Uint64("block", sample.Number))
		e.setStatus(types.StatusDraining)
	}

	if e.status == types.StatusDraining {
		switch {
		case !sizeOK:
			// inconclusive: countdown unchanged
		case math.Abs(zSize) < e.cfg.DrainZ:
			e.countdown--
		default:
			e.countdown = e.cfg.Countdown
		}
		e.logger.Debug("drain countdown", slog.Uint64("block", sample.Number), slog.Int("countdown", e.countdown))

		if e.countdown <= 0 {
			e.countdown = 0
			e.setStatus(types.StatusDone)
			e.logger.Info("end of capture",
				slog.Uint64("block", sample.Number),
				slog.Int("samples", len(e.samples)),
				slog.Int("failures", e.failures),
			)
			return feed.Done, nil
		}
	}
	return feed.Continue, nil
}

// buildSample derives the sample from the block and advances the last timestamp.
func (e *Engine) buildSample(number uint64, ts int64, block *types.Block) types.BlockSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampler.next(number, ts, block)
}

// score returns the z-score and whether it is conclusive.
func (e *Engine) score(col types.Column, v float64, known bool) (float64, bool) {
	if !known {
		return 0, false
	}
	z, err := e.model.Score(col, v)
	if err != nil {
		return 0, false
	}
	return z, true
}

// record appends the sample and evaluates latency. Caller holds mu.
func (e *Engine) record(s types.BlockSample, zLat float64, latOK bool) {
	e.samples = append(e.samples, s)
	e.recorded[s.Number] = struct{}{}
	e.recordBlock(OutcomeRecorded)
	if e.observer != nil {
		e.observer.RecordSample(s)
	}

	if !latOK {
		return
	}
	if zLat > e.cfg.FailureZ {
		e.failures++
		e.anomalies = append(e.anomalies, types.Anomaly{Block: s.Number, Kind: types.AnomalyFailure, Value: zLat})
		if e.observer != nil {
			e.observer.RecordFailure()
		}
		e.logger.Warn("block time failure", slog.Uint64("block", s.Number), slog.Float64("zLat", zLat))
	}
	if math.Abs(zLat) > e.cfg.AnomalyZ {
		e.anomalies = append(e.anomalies, types.Anomaly{Block: s.Number, Kind: types.AnomalyBlockTime, Value: zLat})
		if e.observer != nil {
			e.observer.RecordAnomaly(types.AnomalyBlockTime)
		}
		e.logger.Warn("anomaly in block time detected", slog.Uint64("block", s.Number), slog.Float64("zLat", zLat))
	}
}

// setStatus changes state. Caller holds mu.
func (e *Engine) setStatus(status types.CaptureStatus) {
	e.status = status
	if e.observer != nil {
		e.observer.SetState(status)
	}
}

func (e *Engine) recordBlock(outcome string) {
	if e.observer != nil {
		e.observer.RecordBlock(outcome)
	}
}

func optional(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

// Status returns the current state.
func (e *Engine) Status() types.CaptureStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Samples returns a copy of the recorded sample table in arrival order.
func (e *Engine) Samples() []types.BlockSample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.BlockSample, len(e.samples))
	copy(out, e.samples)
	return out
}

// Anomalies returns a copy of the annotations.
func (e *Engine) Anomalies() []types.Anomaly {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Anomaly, len(e.anomalies))
	copy(out, e.anomalies)
	return out
}

// Failures returns the number of failure-level latencies among recorded blocks.
func (e *Engine) Failures() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failures
}

// Countdown returns the remaining drain countdown.
func (e *Engine) Countdown() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.countdown
}

// Baseline returns the statistics the engine scores against.
func (e *Engine) Baseline() types.BaselineStats {
	return e.model.Stats()
}

// Snapshot returns the live view of the engine.
func (e *Engine) Snapshot() types.CaptureSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return types.CaptureSnapshot{
		RunID:         e.runID,
		Status:        e.status,
		LastBlock:     e.lastBlock,
		Samples:       len(e.samples),
		Failures:      e.failures,
		Anomalies:     len(e.anomalies),
		Countdown:     e.countdown,
		StopRequested: e.stop.Raised(),
		LastSizeZ:     e.lastSizeZ,
		LastLatencyZ:  e.lastLatencyZ,
		UpdatedAt:     e.updatedAt,
	}
}
