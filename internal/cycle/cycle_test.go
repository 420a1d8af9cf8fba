package cycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/stresscapture/internal/baseline"
	"github.com/gateway-fm/stresscapture/internal/capture"
	"github.com/gateway-fm/stresscapture/internal/config"
	"github.com/gateway-fm/stresscapture/internal/driver"
	"github.com/gateway-fm/stresscapture/internal/feed"
	"github.com/gateway-fm/stresscapture/internal/metrics"
	"github.com/gateway-fm/stresscapture/internal/storage"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

var testBaseline = types.BaselineStats{
	SizeMean:       250,
	SizeStdev:      100,
	LatencyMean:    3.0,
	LatencyStdev:   0.001,
	ExtrinsicMean:  1,
	ExtrinsicStdev: 0.5,
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeBlock(number uint64, ts int64, size int) *types.Block {
	moment := ts
	return &types.Block{
		Number:     number,
		Extrinsics: []types.Extrinsic{{Data: make([]byte, size), Moment: &moment}},
	}
}

// fiveBlocks is the idle, idle, spike, spike, quiet sequence; blocks 3 to 5 are captured.
func fiveBlocks() *feed.MapResolver {
	return feed.NewMapResolver(
		makeBlock(1, 3000, 240),
		makeBlock(2, 6000, 255),
		makeBlock(3, 9000, 900),
		makeBlock(4, 12000, 880),
		makeBlock(5, 15000, 245),
	)
}

// blockingFeed delivers nothing until cancelled.
type blockingFeed struct{}

func (blockingFeed) Subscribe(ctx context.Context, _ feed.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func okDriver() driver.Factory {
	return func(int, int, *capture.StopSignal) driver.Driver {
		return driver.Func(func(context.Context) error { return nil })
	}
}

func testCycleConfig() config.CycleConfig {
	cfg := config.DefaultCycleConfig()
	cfg.Iterations = 4
	cfg.SignificanceLevel = 0.25
	return cfg
}

func newRunner(t *testing.T, f feed.Feed, r feed.Resolver, drivers driver.Factory, cycCfg config.CycleConfig) *Runner {
	t.Helper()
	capCfg := config.DefaultCaptureConfig()
	capCfg.BlockOverhead = 0
	capCfg.TrimCount = 0

	runner, err := New(f, r, drivers, capCfg, cycCfg, quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runner.SetModelFactory(func() (baseline.Model, error) { return baseline.NewLiteral(testBaseline), nil })
	return runner
}

func TestRunIterationCapturesSpike(t *testing.T) {
	runner := newRunner(t, feed.NewStaticFeed(1, 2, 3, 4, 5), fiveBlocks(), okDriver(), testCycleConfig())
	var out bytes.Buffer
	runner.SetReportWriter(&out)

	res, err := runner.RunIteration(context.Background(), 0, 100, 100)
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
	if res.Code != types.FailureCodeNone || res.Failures != 0 || res.NoData {
		t.Errorf("result = %+v", res)
	}
	if res.Stats == nil || res.Stats.Blocks != 3 {
		t.Fatalf("Stats = %+v, want 3 blocks", res.Stats)
	}
	if res.Stats.Size.Total != 900+880+245 {
		t.Errorf("Size.Total = %v", res.Stats.Size.Total)
	}
	if !strings.Contains(out.String(), "### Block size") {
		t.Errorf("report missing sections:\n%s", out.String())
	}
	if last := runner.Last(); last == nil || last.RunID != res.RunID {
		t.Error("Last() does not return the finished iteration")
	}
	if snap := runner.Snapshot(); snap.RunID != res.RunID || snap.Samples != 3 {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestRunIterationNoData(t *testing.T) {
	runner := newRunner(t, feed.NewStaticFeed(1, 2), fiveBlocks(), okDriver(), testCycleConfig())
	var out bytes.Buffer
	runner.SetReportWriter(&out)

	res, err := runner.RunIteration(context.Background(), 0, 1, 1)
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if !res.NoData || res.Stats != nil {
		t.Errorf("result = %+v, want NoData", res)
	}
	if !strings.Contains(out.String(), "### No data") {
		t.Errorf("report = %q", out.String())
	}
}

func TestRunIterationLatencyFailure(t *testing.T) {
	r := feed.NewMapResolver(
		makeBlock(1, 3000, 240),
		makeBlock(2, 6000, 900),
		makeBlock(3, 12200, 880), // 6.2s block time, z-lat 3200
		makeBlock(4, 15200, 245),
	)
	runner := newRunner(t, feed.NewStaticFeed(1, 2, 3, 4), r, okDriver(), testCycleConfig())

	res, err := runner.RunIteration(context.Background(), 0, 1, 1)
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if res.Failures != 1 {
		t.Errorf("Failures = %d, want 1", res.Failures)
	}
	var kinds []types.AnomalyKind
	for _, a := range res.Anomalies {
		kinds = append(kinds, a.Kind)
	}
	if len(kinds) != 2 {
		t.Errorf("anomalies = %v, want block_time and failure", kinds)
	}
}

func TestRunIterationDriverTimeoutCountsAsFailure(t *testing.T) {
	drivers := func(int, int, *capture.StopSignal) driver.Driver {
		return driver.Func(func(context.Context) error {
			return fmt.Errorf("%w after 1s", driver.ErrTimeout)
		})
	}
	runner := newRunner(t, feed.NewStaticFeed(1, 2, 3, 4, 5), fiveBlocks(), drivers, testCycleConfig())

	res, err := runner.RunIteration(context.Background(), 0, 1, 1)
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if res.Code != types.FailureCodeTimeout {
		t.Errorf("Code = %q, want timeout", res.Code)
	}
	if res.Failures != 1 {
		t.Errorf("Failures = %d, want 1", res.Failures)
	}
}

func TestRunIterationDriverExitBeforeCapture(t *testing.T) {
	drivers := func(int, int, *capture.StopSignal) driver.Driver {
		return driver.Func(func(context.Context) error { return &driver.ExitError{Code: 2} })
	}
	runner := newRunner(t, blockingFeed{}, fiveBlocks(), drivers, testCycleConfig())

	done := make(chan struct{})
	var res *types.IterationResult
	var err error
	go func() {
		defer close(done)
		res, err = runner.RunIteration(context.Background(), 0, 1, 1)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunIteration did not return after driver failure")
	}
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if res.Code != types.FailureCodeDriverExit || !res.NoData {
		t.Errorf("result = %+v", res)
	}
	if res.Failures != 0 {
		t.Errorf("Failures = %d, want 0", res.Failures)
	}
}

func TestRunIterationInterrupted(t *testing.T) {
	drivers := func(int, int, *capture.StopSignal) driver.Driver {
		return driver.Func(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}
	runner := newRunner(t, blockingFeed{}, fiveBlocks(), drivers, testCycleConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := runner.RunIteration(ctx, 0, 1, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RunIteration() error = %v, want deadline exceeded", err)
	}
	if res == nil || res.Code != types.FailureCodeInterrupted {
		t.Errorf("result = %+v, want interrupted", res)
	}
}

func TestRunIterationPersists(t *testing.T) {
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	defer store.Close()

	runner := newRunner(t, feed.NewStaticFeed(1, 2, 3, 4, 5), fiveBlocks(), okDriver(), testCycleConfig())
	runner.SetStorage(store)
	runner.SetMode("cycle")

	res, err := runner.RunIteration(context.Background(), 2, 2100, 2100)
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}

	detail, err := storage.LoadDetail(context.Background(), store, res.RunID)
	if err != nil {
		t.Fatalf("LoadDetail() error = %v", err)
	}
	if detail.Run.Status != storage.RunStatusCompleted || detail.Run.Mode != "cycle" || detail.Run.Iteration != 2 {
		t.Errorf("run = %+v", detail.Run)
	}
	if detail.Run.Statistics == nil || detail.Run.Statistics.Blocks != 3 {
		t.Errorf("Statistics = %+v", detail.Run.Statistics)
	}
	if len(detail.Samples) != 3 || detail.Samples[0].Number != 3 {
		t.Errorf("samples = %+v", detail.Samples)
	}
}

func TestRunIterationRecordsMetrics(t *testing.T) {
	m := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	runner := newRunner(t, feed.NewStaticFeed(1, 2, 3, 4, 5), fiveBlocks(), okDriver(), testCycleConfig())
	runner.SetRecorder(m)

	if _, err := runner.RunIteration(context.Background(), 0, 1, 1); err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if got := testutil.ToFloat64(m.IterationsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("iterations ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BlocksTotal.WithLabelValues(capture.OutcomeRecorded)); got != 3 {
		t.Errorf("recorded blocks = %v, want 3", got)
	}
}

// warmUpFeed delivers the first warm headers, then holds the rest until the
// load has started.
type warmUpFeed struct {
	headers []uint64
	warm    int
	started <-chan struct{}
}

func (f *warmUpFeed) Subscribe(ctx context.Context, h feed.Handler) error {
	for i, n := range f.headers {
		if i == f.warm {
			select {
			case <-f.started:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		sig, err := h(ctx, types.Header{Number: n}, i)
		if err != nil {
			return err
		}
		if sig == feed.Done {
			return nil
		}
	}
	return nil
}

func TestRunIterationStartsLoadAfterWarmUp(t *testing.T) {
	resolver := feed.NewMapResolver(
		makeBlock(1, 3000, 240),
		makeBlock(2, 6000, 255),
		makeBlock(3, 9000, 250),
		makeBlock(4, 12000, 900),
		makeBlock(5, 15000, 880),
		makeBlock(6, 18000, 245),
	)
	model, err := baseline.NewEmpirical(3)
	if err != nil {
		t.Fatalf("NewEmpirical() error = %v", err)
	}

	started := make(chan struct{})
	var readyAtStart atomic.Bool
	drivers := func(int, int, *capture.StopSignal) driver.Driver {
		return driver.Func(func(context.Context) error {
			readyAtStart.Store(model.Ready())
			close(started)
			return nil
		})
	}
	f := &warmUpFeed{headers: []uint64{1, 2, 3, 4, 5, 6}, warm: 3, started: started}
	runner := newRunner(t, f, resolver, drivers, testCycleConfig())
	runner.SetModelFactory(func() (baseline.Model, error) { return model, nil })

	done := make(chan struct{})
	var res *types.IterationResult
	go func() {
		defer close(done)
		res, err = runner.RunIteration(context.Background(), 0, 1, 1)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunIteration did not return")
	}
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if !readyAtStart.Load() {
		t.Error("stress driver started before the baseline was ready")
	}
	if res.Stats == nil || res.Stats.Blocks != 3 {
		t.Fatalf("Stats = %+v, want the 3 blocks after warm-up", res.Stats)
	}

	next, err := runner.models()
	if err != nil {
		t.Fatalf("models() error = %v", err)
	}
	if _, ok := next.(*baseline.Literal); !ok || next.Stats() != model.Stats() {
		t.Errorf("next baseline = %T %+v, want the learned stats", next, next.Stats())
	}
}

func TestRunIterationFeedEndsDuringWarmUp(t *testing.T) {
	var started atomic.Bool
	drivers := func(int, int, *capture.StopSignal) driver.Driver {
		return driver.Func(func(context.Context) error {
			started.Store(true)
			return nil
		})
	}
	runner := newRunner(t, feed.NewStaticFeed(1, 2), fiveBlocks(), drivers, testCycleConfig())
	runner.SetModelFactory(func() (baseline.Model, error) { return baseline.NewEmpirical(5) })

	res, err := runner.RunIteration(context.Background(), 0, 1, 1)
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if started.Load() {
		t.Error("stress driver started without a baseline")
	}
	if !res.NoData || res.Code != types.FailureCodeNone {
		t.Errorf("result = %+v, want no data", res)
	}
}

// timeoutEvery fails every nth driver run with a timeout.
func timeoutEvery(n int64) driver.Factory {
	var calls atomic.Int64
	return func(int, int, *capture.StopSignal) driver.Driver {
		call := calls.Add(1)
		return driver.Func(func(context.Context) error {
			if call%n == 0 {
				return driver.ErrTimeout
			}
			return nil
		})
	}
}

func TestRunCycle(t *testing.T) {
	runner := newRunner(t, feed.NewStaticFeed(1, 2, 3, 4, 5), fiveBlocks(), timeoutEvery(2), testCycleConfig())

	res, err := runner.RunCycle(context.Background(), 0, 100, 200)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if len(res.Iterations) != 4 {
		t.Fatalf("iterations = %d, want 4", len(res.Iterations))
	}
	if res.Failures != 2 {
		t.Errorf("Failures = %d, want 2", res.Failures)
	}
	if res.FailureRate != 0.5 {
		t.Errorf("FailureRate = %v, want 0.5", res.FailureRate)
	}
	if !res.Significant {
		t.Error("2 failures of 4 at 25% should be significant")
	}

	var out bytes.Buffer
	if err := WriteCycle(&out, 0, res); err != nil {
		t.Fatalf("WriteCycle() error = %v", err)
	}
	want := "END TEST CYCLE 0 WITH PARAMETERS 200 num, 100 tps; FAILURES DETECTED: 2, RATE: 50.00%"
	if !strings.Contains(out.String(), want) || !strings.Contains(out.String(), "SIGNIFICANT FAILURE DETECTED AT 200") {
		t.Errorf("WriteCycle() = %q", out.String())
	}
}

func TestRunCycleNotSignificant(t *testing.T) {
	short := config.DefaultCycleConfig()
	short.Iterations = 10

	tests := []struct {
		name string
		cfg  config.CycleConfig
	}{
		{"quarter of 4", testCycleConfig()},
		{"default level over 10", short},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newRunner(t, feed.NewStaticFeed(1, 2, 3, 4, 5), fiveBlocks(), okDriver(), tt.cfg)

			res, err := runner.RunCycle(context.Background(), 0, 1, 1)
			if err != nil {
				t.Fatalf("RunCycle() error = %v", err)
			}
			if res.Significant || res.Failures != 0 {
				t.Errorf("result = %+v", res)
			}

			var out bytes.Buffer
			if err := WriteCycle(&out, 0, res); err != nil {
				t.Fatalf("WriteCycle() error = %v", err)
			}
			if strings.Contains(out.String(), "SIGNIFICANT") {
				t.Errorf("WriteCycle() = %q", out.String())
			}
		})
	}
}

func TestRunCycleInterruptedRate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	drivers := func(int, int, *capture.StopSignal) driver.Driver {
		call := calls.Add(1)
		return driver.Func(func(ctx context.Context) error {
			if call == 1 {
				return driver.ErrTimeout
			}
			cancel()
			return ctx.Err()
		})
	}
	runner := newRunner(t, feed.NewStaticFeed(1, 2, 3, 4, 5), fiveBlocks(), drivers, testCycleConfig())

	res, err := runner.RunCycle(ctx, 0, 1, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle() error = %v, want canceled", err)
	}
	if len(res.Iterations) != 2 || res.Failures != 1 {
		t.Fatalf("iterations/failures = %d/%d, want 2/1", len(res.Iterations), res.Failures)
	}
	if res.FailureRate != 0.5 {
		t.Errorf("FailureRate = %v, want 0.5 over the completed iterations", res.FailureRate)
	}
}

func TestSweepHaltsAtRate(t *testing.T) {
	drivers := func(tps, _ int, _ *capture.StopSignal) driver.Driver {
		return driver.Func(func(context.Context) error {
			if tps >= 2300 {
				return driver.ErrTimeout
			}
			return nil
		})
	}
	runner := newRunner(t, feed.NewStaticFeed(1, 2, 3, 4, 5), fiveBlocks(), drivers, testCycleConfig())

	res, err := runner.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if !res.Halted || len(res.Cycles) != 3 {
		t.Fatalf("Halted/cycles = %v/%d, want true/3", res.Halted, len(res.Cycles))
	}
	levels := []int{2100, 2200, 2300}
	for i, c := range res.Cycles {
		if c.TPS != levels[i] || c.TxCount != levels[i] {
			t.Errorf("cycle %d level = %d/%d, want %d", i, c.TPS, c.TxCount, levels[i])
		}
	}
	if res.FirstSignificant != 2300 {
		t.Errorf("FirstSignificant = %d, want 2300", res.FirstSignificant)
	}

	var out bytes.Buffer
	if err := WriteSweep(&out, res); err != nil {
		t.Fatalf("WriteSweep() error = %v", err)
	}
	if !strings.Contains(out.String(), "First significant failure detected at 2300 num, 2300 tps") {
		t.Errorf("WriteSweep() = %q", out.String())
	}
}

func TestReliability(t *testing.T) {
	cfg := testCycleConfig()
	cfg.Iterations = 2
	cfg.SignificanceLevel = 0.5
	cfg.ReliabilityCycles = 3
	cfg.ReliabilityLevel = 1875
	runner := newRunner(t, feed.NewStaticFeed(1, 2, 3, 4, 5), fiveBlocks(), timeoutEvery(3), cfg)

	res, err := runner.Reliability(context.Background())
	if err != nil {
		t.Fatalf("Reliability() error = %v", err)
	}
	if res.Level != 1875 || len(res.Cycles) != 3 {
		t.Fatalf("Level/cycles = %d/%d", res.Level, len(res.Cycles))
	}
	// runs 1..6, timeouts on 3 and 6: failures [0 1 1]
	if res.Failures.N != 3 || math.Abs(res.Failures.Mean-2.0/3) > 1e-9 {
		t.Errorf("Failures = %+v", res.Failures)
	}
	if math.Abs(res.Rates.Mean-1.0/3) > 1e-9 {
		t.Errorf("Rates = %+v", res.Rates)
	}
	if !res.Failures.Defined || res.Failures.MarginOfError <= 0 {
		t.Errorf("Failures summary undefined: %+v", res.Failures)
	}

	var out bytes.Buffer
	if err := WriteReliability(&out, res); err != nil {
		t.Fatalf("WriteReliability() error = %v", err)
	}
	for _, want := range []string{"Fails: [0 1 1]", "FAILURE", "RATE:", "margin of error (95% conf. lvl.)", "%"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("WriteReliability() missing %q:\n%s", want, out.String())
		}
	}
}

func TestModelFactoryFor(t *testing.T) {
	cfg := config.DefaultCaptureConfig()
	m, err := ModelFactoryFor(cfg)
	if err != nil {
		t.Fatalf("ModelFactoryFor(default) error = %v", err)
	}
	model, _ := m()
	if model.Stats() != baseline.Default {
		t.Errorf("default model stats = %+v", model.Stats())
	}

	cfg.BaselineWindow = 25
	m, err = ModelFactoryFor(cfg)
	if err != nil {
		t.Fatalf("ModelFactoryFor(window) error = %v", err)
	}
	model, _ = m()
	if model.Ready() {
		t.Error("empirical model should start warming up")
	}

	cfg.BaselineWindow = 0
	cfg.BaselinePath = filepath.Join(t.TempDir(), "missing.csv")
	if _, err := ModelFactoryFor(cfg); err == nil {
		t.Error("ModelFactoryFor(missing file) error = nil")
	}
}
