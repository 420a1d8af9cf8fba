// Package baseline scores block observations against a reference distribution.
package baseline

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gateway-fm/stresscapture/internal/stats"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

var (
	// ErrInsufficientData is returned when a score cannot be computed: zero or
	// unset stdev, or a non-finite input.
	ErrInsufficientData = errors.New("baseline: insufficient data to score")
	// ErrWarmingUp is returned by an empirical baseline until its window is full.
	ErrWarmingUp = errors.New("baseline: warming up")
	// ErrUnknownColumn is returned for a column the baseline does not track.
	ErrUnknownColumn = errors.New("baseline: unknown column")
)

// Default literal baseline, measured over 1000 idle blocks.
var Default = types.BaselineStats{
	SizeMean:       250.91,
	SizeStdev:      111.4078974741899515,
	LatencyMean:    3.000,
	LatencyStdev:   0.0009411543672990,
	ExtrinsicMean:  1.280,
	ExtrinsicStdev: 0.5864673426065120,
}

// Model scores values against a reference distribution.
type Model interface {
	// Score returns (v - mean) / stdev for the column.
	Score(col types.Column, v float64) (float64, error)

	// Stats returns the frozen baseline statistics.
	Stats() types.BaselineStats

	// Ready reports whether Score can produce values.
	Ready() bool
}

// ZScore standardizes v against mean and stdev.
func ZScore(v, mean, stdev float64) (float64, error) {
	if stdev == 0 || math.IsNaN(stdev) || math.IsInf(stdev, 0) {
		return 0, ErrInsufficientData
	}
	z := (v - mean) / stdev
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0, ErrInsufficientData
	}
	return z, nil
}

// Literal is a fixed baseline supplied up front.
type Literal struct {
	stats types.BaselineStats
}

// NewLiteral returns a baseline with fixed statistics.
func NewLiteral(s types.BaselineStats) *Literal {
	return &Literal{stats: s}
}

// Score implements Model.
func (l *Literal) Score(col types.Column, v float64) (float64, error) {
	mean, stdev, ok := l.stats.MeanStdev(col)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownColumn, col)
	}
	return ZScore(v, mean, stdev)
}

// Stats implements Model.
func (l *Literal) Stats() types.BaselineStats { return l.stats }

// Ready implements Model.
func (l *Literal) Ready() bool { return true }

// Empirical learns its statistics from the first Window observed blocks.
type Empirical struct {
	mu      sync.RWMutex
	window  int
	samples []types.BlockSample
	stats   types.BaselineStats
	frozen  bool
}

// NewEmpirical returns a baseline that freezes after window observations.
func NewEmpirical(window int) (*Empirical, error) {
	if window < 2 {
		return nil, fmt.Errorf("empirical window must be at least 2, got %d", window)
	}
	return &Empirical{window: window, samples: make([]types.BlockSample, 0, window)}, nil
}

// Observe adds a block to the warm-up window. It reports true once the
// baseline is frozen; observations after that are ignored.
func (e *Empirical) Observe(s types.BlockSample) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return true, nil
	}
	e.samples = append(e.samples, s)
	if len(e.samples) < e.window {
		return false, nil
	}
	st, err := FromSamples(e.samples)
	if err != nil {
		return false, err
	}
	e.stats = st
	e.frozen = true
	e.samples = nil
	return true, nil
}

// Score implements Model.
func (e *Empirical) Score(col types.Column, v float64) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.frozen {
		return 0, ErrWarmingUp
	}
	mean, stdev, ok := e.stats.MeanStdev(col)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownColumn, col)
	}
	return ZScore(v, mean, stdev)
}

// Stats implements Model.
func (e *Empirical) Stats() types.BaselineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Ready implements Model.
func (e *Empirical) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frozen
}

// Window returns the warm-up window length.
func (e *Empirical) Window() int { return e.window }

// FromSamples computes baseline statistics (mean, sample stdev) from observed
// rows. Latency only counts rows where it is known.
func FromSamples(samples []types.BlockSample) (types.BaselineStats, error) {
	if len(samples) < 2 {
		return types.BaselineStats{}, fmt.Errorf("%w: need at least 2 samples, got %d", ErrInsufficientData, len(samples))
	}

	var size, extrs, lat []float64
	for _, s := range samples {
		size = append(size, float64(s.Size))
		extrs = append(extrs, float64(s.Extrinsics))
		if s.LatencyKnown {
			lat = append(lat, s.Latency)
		}
	}

	var out types.BaselineStats
	out.SizeMean, _ = stats.Mean(size)
	out.SizeStdev, _ = stats.Stdev(size, 1)
	out.ExtrinsicMean, _ = stats.Mean(extrs)
	out.ExtrinsicStdev, _ = stats.Stdev(extrs, 1)
	// Fewer than two latencies leaves the latency stdev at zero, which scores as inconclusive.
	out.LatencyMean, _ = stats.Mean(lat)
	out.LatencyStdev, _ = stats.Stdev(lat, 1)
	return out, nil
}
