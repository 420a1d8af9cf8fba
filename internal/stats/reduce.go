package stats

import (
	"errors"
	"time"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

// ErrNoData is returned when the sample table is empty after trimming.
var ErrNoData = errors.New("no samples left after trimming: statistics undefined")

// DefaultBlockTime is the nominal block time used for throughput.
const DefaultBlockTime = 3 * time.Second

// DefaultRegimeFactor is the latency stdev multiple that marks a regime change.
const DefaultRegimeFactor = 3.0

// Options configures a reduction.
type Options struct {
	// Trim drops this many rows from the end of the table before reducing.
	Trim         int
	Baseline     types.BaselineStats
	BlockTime    time.Duration
	RegimeFactor float64
	Scorer       Scorer
}

// Result is a reduced run: the trimmed table and its statistics.
type Result struct {
	Samples  []types.BlockSample
	Stats    types.RunStatistics
	Baseline types.BaselineStats
}

// Trim returns a copy of samples without the last k rows.
func Trim(samples []types.BlockSample, k int) []types.BlockSample {
	if k < 0 {
		k = 0
	}
	n := len(samples) - k
	if n <= 0 {
		return nil
	}
	out := make([]types.BlockSample, n)
	copy(out, samples[:n])
	return out
}

// ExtrinsicsPerSecond returns total / (blocks * blockTime seconds).
func ExtrinsicsPerSecond(total float64, blocks int, blockTime time.Duration) float64 {
	if blocks <= 0 || blockTime <= 0 {
		return 0
	}
	return total / (float64(blocks) * blockTime.Seconds())
}

// Reduce trims the table and computes per-column statistics, throughput and the
// latency regime flag. It returns ErrNoData when nothing is left after trimming.
func Reduce(samples []types.BlockSample, opts Options) (*Result, error) {
	if opts.BlockTime <= 0 {
		opts.BlockTime = DefaultBlockTime
	}
	if opts.RegimeFactor <= 0 {
		opts.RegimeFactor = DefaultRegimeFactor
	}
	if opts.Scorer == nil {
		opts.Scorer = Classic{}
	}

	trimmed := Trim(samples, opts.Trim)
	if len(trimmed) == 0 {
		return nil, ErrNoData
	}

	res := &Result{
		Samples:  trimmed,
		Baseline: opts.Baseline,
		Stats: types.RunStatistics{
			Blocks:  len(trimmed),
			Trimmed: len(samples) - len(trimmed),
			Scoring: opts.Scorer.Mode(),
		},
	}

	for _, col := range types.Columns {
		*res.Stats.Column(col) = describeColumn(columnValues(trimmed, col), opts.Scorer)
	}

	st := &res.Stats
	st.ExtrinsicsPerSecond = ExtrinsicsPerSecond(st.Extrinsics.Total, st.Blocks, opts.BlockTime)
	st.RegimeChanged = st.Latency.StdevDefined &&
		st.Latency.Stdev > opts.Baseline.LatencyStdev*opts.RegimeFactor
	if st.Latency.Count > 0 {
		st.LatencyDelta = st.Latency.Mean - opts.Baseline.LatencyMean
	}
	st.SizeDelta = st.Size.Mean - opts.Baseline.SizeMean
	st.ExtrinsicDelta = st.Extrinsics.Mean - opts.Baseline.ExtrinsicMean

	return res, nil
}

// columnValues returns the defined values of a column in row order.
func columnValues(samples []types.BlockSample, col types.Column) []float64 {
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if v, ok := s.Value(col); ok {
			values = append(values, v)
		}
	}
	return values
}

func describeColumn(values []float64, scorer Scorer) types.ColumnStats {
	cs := types.ColumnStats{
		Count: len(values),
		Total: Sum(values),
	}
	if len(values) == 0 {
		return cs
	}
	cs.Mean, _ = Mean(values)
	cs.Median, _ = Median(values)
	cs.MAD, _ = MAD(values)
	cs.Stdev, cs.StdevDefined = Stdev(values, 1)
	if scores, err := scorer.Scores(values); err == nil {
		cs.Scores = scores
	}
	return cs
}
