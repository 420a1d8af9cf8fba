// Package storage provides persistence for capture run history.
package storage

import (
	"time"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

// Run status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusNoData    = "no_data"
	RunStatusError     = "error"
)

// CaptureRun represents a persisted capture run with its reduced statistics.
// JSON tags use camelCase to match the HTTP API.
type CaptureRun struct {
	ID           string               `json:"id"`
	StartedAt    time.Time            `json:"startedAt"`
	CompletedAt  *time.Time           `json:"completedAt,omitempty"`
	Mode         string               `json:"mode"` // "capture", "cycle", "sweep", "reliability"
	Iteration    int                  `json:"iteration"`
	TPS          int                  `json:"tps"`
	TxCount      int                  `json:"txCount"`
	Status       string               `json:"status"`
	FailureCode  types.FailureCode    `json:"failureCode,omitempty"`
	ErrorMessage string               `json:"errorMessage,omitempty"`
	Failures     int                  `json:"failures"`
	SampleCount  int                  `json:"sampleCount"`
	Statistics   *types.RunStatistics `json:"statistics,omitempty"`
	Baseline     *types.BaselineStats `json:"baseline,omitempty"`
}

// RunDetail combines a run with its samples and anomalies.
type RunDetail struct {
	Run       *CaptureRun         `json:"run"`
	Samples   []types.BlockSample `json:"samples"`
	Anomalies []types.Anomaly     `json:"anomalies"`
}

// PaginatedRuns represents a paginated list of capture runs.
type PaginatedRuns struct {
	Runs   []CaptureRun `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// CachedBaseline is a named baseline kept for reuse across runs.
type CachedBaseline struct {
	Name      string              `json:"name"`
	Stats     types.BaselineStats `json:"stats"`
	Samples   int                 `json:"samples"`
	CreatedAt time.Time           `json:"createdAt"`
}
