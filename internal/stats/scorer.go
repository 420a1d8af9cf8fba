package stats

import (
	"errors"
	"fmt"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

// ModifiedZFactor scales a MAD-based deviation to be comparable with a z-score.
const ModifiedZFactor = 0.6745

// ErrDegenerate is returned when a column has no spread to score against.
var ErrDegenerate = errors.New("degenerate spread: scores undefined")

// Scorer standardizes a column of values.
type Scorer interface {
	// Mode returns the scoring strategy identifier.
	Mode() types.ScoringMode

	// Scores returns one score per value, or ErrDegenerate when the spread is zero or undefined.
	Scores(values []float64) ([]float64, error)
}

// Classic scores values as (v - mean) / stdev with the sample stdev.
type Classic struct{}

// Mode returns types.ScoringClassic.
func (Classic) Mode() types.ScoringMode { return types.ScoringClassic }

// Scores implements Scorer.
func (Classic) Scores(values []float64) ([]float64, error) {
	mean, ok := Mean(values)
	if !ok {
		return nil, ErrDegenerate
	}
	stdev, ok := Stdev(values, 1)
	if !ok || stdev == 0 {
		return nil, ErrDegenerate
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - mean) / stdev
	}
	return out, nil
}

// Robust scores values as 0.6745 * (v - median) / MAD.
type Robust struct{}

// Mode returns types.ScoringRobust.
func (Robust) Mode() types.ScoringMode { return types.ScoringRobust }

// Scores implements Scorer.
func (Robust) Scores(values []float64) ([]float64, error) {
	med, ok := Median(values)
	if !ok {
		return nil, ErrDegenerate
	}
	mad, _ := MAD(values)
	if mad == 0 {
		return nil, ErrDegenerate
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = ModifiedZFactor * (v - med) / mad
	}
	return out, nil
}

// ScorerFor returns the scorer for a mode. The empty mode selects Classic.
func ScorerFor(mode types.ScoringMode) (Scorer, error) {
	switch mode {
	case types.ScoringClassic, "":
		return Classic{}, nil
	case types.ScoringRobust:
		return Robust{}, nil
	}
	return nil, fmt.Errorf("unknown scoring mode: %s (supported: classic, robust)", mode)
}
