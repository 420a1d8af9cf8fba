// Package metrics provides block-time statistics and Prometheus collectors for capture runs.
package metrics

import (
	"math"
	"sort"
	"sync"

	"github.com/gateway-fm/stresscapture/internal/stats"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// DefaultReservoirSize is the number of block times kept for percentile estimation.
const DefaultReservoirSize = 4096

// Block time bucket bounds in seconds.
var blockTimeBounds = []float64{2.5, 3.5, 6, 12}

var blockTimeLabels = []string{"<2.5s", "2.5-3.5s", "3.5-6s", "6-12s", "12s+"}

// BlockTimeStats keeps a streaming summary of block times.
// Uses reservoir sampling (Algorithm R) so memory stays bounded over long runs.
type BlockTimeStats struct {
	mu sync.RWMutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir     []float64
	reservoirSize int
	seen          int64

	buckets []int64

	// xorshift64* state, per instance
	randState uint64
}

// NewBlockTimeStats creates an empty block time summary.
func NewBlockTimeStats() *BlockTimeStats {
	return &BlockTimeStats{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		buckets:       make([]int64, len(blockTimeLabels)),
		randState:     1,
	}
}

// Add records a block time in seconds. Safe for concurrent use.
func (s *BlockTimeStats) Add(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += seconds
	s.seen++
	s.min = math.Min(s.min, seconds)
	s.max = math.Max(s.max, seconds)
	s.buckets[bucketIndex(seconds)]++

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, seconds)
		return
	}
	if j := s.fastRand() % uint64(s.seen); j < uint64(s.reservoirSize) {
		s.reservoir[j] = seconds
	}
}

func bucketIndex(seconds float64) int {
	for i, bound := range blockTimeBounds {
		if seconds < bound {
			return i
		}
	}
	return len(blockTimeBounds)
}

func (s *BlockTimeStats) fastRand() uint64 {
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// Snapshot returns the summary, or nil when nothing was recorded.
func (s *BlockTimeStats) Snapshot() *types.BlockTimeStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	out := &types.BlockTimeStats{
		Count:   int(s.count),
		Min:     s.min,
		Max:     s.max,
		Avg:     s.sum / float64(s.count),
		P50:     stats.PercentileSorted(sorted, 0.50),
		P90:     stats.PercentileSorted(sorted, 0.90),
		P95:     stats.PercentileSorted(sorted, 0.95),
		P99:     stats.PercentileSorted(sorted, 0.99),
		Buckets: make([]types.BlockTimeBucket, len(blockTimeLabels)),
	}
	for i, label := range blockTimeLabels {
		out.Buckets[i] = types.BlockTimeBucket{Label: label, Count: int(s.buckets[i])}
	}
	return out
}

// Reset clears all statistics.
func (s *BlockTimeStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = 0
	s.reservoir = s.reservoir[:0]
	s.seen = 0
	for i := range s.buckets {
		s.buckets[i] = 0
	}
}

// Count returns the number of block times recorded.
func (s *BlockTimeStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
