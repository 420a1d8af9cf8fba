package stats

import "math"

// ConfidenceZ is the two-sided 95% normal quantile.
const ConfidenceZ = 1.96

// Summary describes a set of per-cycle values.
type Summary struct {
	N             int     `json:"n"`
	Mean          float64 `json:"mean"`
	Stdev         float64 `json:"stdev"`
	StdErr        float64 `json:"stdErr"`
	MarginOfError float64 `json:"marginOfError"`
	// Defined is false when n - ddof <= 0; Stdev and derived fields are zero then.
	Defined bool `json:"defined"`
}

// Aggregate summarizes values with ddof delta degrees of freedom. The standard
// error uses the same ddof, and the margin of error is 1.96 standard errors.
func Aggregate(values []float64, ddof float64) (Summary, error) {
	mean, ok := Mean(values)
	if !ok {
		return Summary{}, ErrNoData
	}
	s := Summary{N: len(values), Mean: mean}
	stdev, ok := Stdev(values, ddof)
	if !ok {
		return s, nil
	}
	s.Defined = true
	s.Stdev = stdev
	s.StdErr = stdev / math.Sqrt(float64(len(values)))
	s.MarginOfError = ConfidenceZ * s.StdErr
	return s, nil
}
