// Package stats reduces captured block samples into run statistics and reports.
package stats

import (
	"math"
	"sort"
)

// Sum returns the sum of values.
func Sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

// Mean returns the arithmetic mean. ok is false for an empty slice.
func Mean(values []float64) (mean float64, ok bool) {
	if len(values) == 0 {
		return 0, false
	}
	return Sum(values) / float64(len(values)), true
}

// Stdev returns the standard deviation with ddof delta degrees of freedom
// (ddof 1 is the sample standard deviation). ok is false when n-ddof <= 0.
func Stdev(values []float64, ddof float64) (stdev float64, ok bool) {
	n := float64(len(values))
	if n-ddof <= 0 {
		return 0, false
	}
	mean, _ := Mean(values)
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / (n - ddof)), true
}

// Percentile returns the p-th percentile (0..1) with linear interpolation.
func Percentile(values []float64, p float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return PercentileSorted(sorted, p), true
}

// PercentileSorted calculates the p-th percentile from a sorted slice.
func PercentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Median returns the 50th percentile.
func Median(values []float64) (float64, bool) {
	return Percentile(values, 0.5)
}

// MAD returns the median absolute deviation from the median.
func MAD(values []float64) (float64, bool) {
	med, ok := Median(values)
	if !ok {
		return 0, false
	}
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	return Median(dev)
}
