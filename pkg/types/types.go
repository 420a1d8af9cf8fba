// Package types contains public data types for capture runs.
// These types form the external interface (HTTP API, storage, MCP) and must remain backwards-compatible.
package types

import "time"

// Column identifies a numeric column of the sample table.
type Column string

const (
	ColumnSize       Column = "size"
	ColumnExtrinsics Column = "extrs"
	ColumnLatency    Column = "latency"
)

// Columns lists the numeric columns in report order.
var Columns = []Column{ColumnSize, ColumnExtrinsics, ColumnLatency}

// CaptureStatus is the state of a capture engine.
type CaptureStatus string

const (
	StatusIdle      CaptureStatus = "idle"      // Observing, not recording
	StatusCapturing CaptureStatus = "capturing" // Load detected, recording every block
	StatusDraining  CaptureStatus = "draining"  // Stress driver finished, counting down
	StatusDone      CaptureStatus = "done"
)

// ScoringMode selects how the reducer standardizes column values.
type ScoringMode string

const (
	ScoringClassic ScoringMode = "classic" // (v - mean) / stdev
	ScoringRobust  ScoringMode = "robust"  // 0.6745 * (v - median) / MAD
)

// AnomalyKind tags an annotated block.
type AnomalyKind string

const (
	AnomalyBlockTime AnomalyKind = "block_time" // |z-lat| above the anomaly threshold
	AnomalyFailure   AnomalyKind = "failure"    // z-lat above the failure threshold
)

// Header is a block-header notification delivered by the feed.
type Header struct {
	Number     uint64 `json:"number"`
	ParentHash string `json:"parentHash,omitempty"`
}

// Extrinsic is one encoded extrinsic of a block.
type Extrinsic struct {
	Data []byte `json:"-"`
	// Moment is set on the timestamp inherent (milliseconds since epoch).
	Moment *int64 `json:"moment,omitempty"`
}

// Len returns the encoded byte length.
func (e Extrinsic) Len() int {
	return len(e.Data)
}

// Block is a resolved block record.
type Block struct {
	Number     uint64      `json:"number"`
	Hash       string      `json:"hash"`
	Extrinsics []Extrinsic `json:"extrinsics"`
}

// Timestamp returns the millisecond timestamp carried by the first extrinsic.
func (b *Block) Timestamp() (int64, bool) {
	if b == nil || len(b.Extrinsics) == 0 || b.Extrinsics[0].Moment == nil {
		return 0, false
	}
	return *b.Extrinsics[0].Moment, true
}

// BlockSample is one accepted observation. Number is the table's primary key.
type BlockSample struct {
	Number      uint64  `json:"number"`
	TimestampMs int64   `json:"timestampMs"`
	Size        int64   `json:"size"`       // Sum of extrinsic bytes plus per-block overhead
	Extrinsics  int     `json:"extrinsics"` // Extrinsic count
	Latency     float64 `json:"latency"`    // Seconds since the previous observed block
	// LatencyKnown is false when no previous timestamp was observed.
	LatencyKnown bool `json:"latencyKnown"`
}

// Value returns the numeric value of a column and whether it is defined.
func (s BlockSample) Value(col Column) (float64, bool) {
	switch col {
	case ColumnSize:
		return float64(s.Size), true
	case ColumnExtrinsics:
		return float64(s.Extrinsics), true
	case ColumnLatency:
		return s.Latency, s.LatencyKnown
	}
	return 0, false
}

// BaselineStats is the reference distribution used for scoring.
type BaselineStats struct {
	SizeMean       float64 `json:"sizeMean"`
	SizeStdev      float64 `json:"sizeStdev"`
	LatencyMean    float64 `json:"latencyMean"`
	LatencyStdev   float64 `json:"latencyStdev"`
	ExtrinsicMean  float64 `json:"extrinsicMean"`
	ExtrinsicStdev float64 `json:"extrinsicStdev"`
}

// MeanStdev returns the recorded mean and stdev of a column.
func (b BaselineStats) MeanStdev(col Column) (mean, stdev float64, ok bool) {
	switch col {
	case ColumnSize:
		return b.SizeMean, b.SizeStdev, true
	case ColumnExtrinsics:
		return b.ExtrinsicMean, b.ExtrinsicStdev, true
	case ColumnLatency:
		return b.LatencyMean, b.LatencyStdev, true
	}
	return 0, 0, false
}

// Anomaly is an annotated, not excluded, block.
type Anomaly struct {
	Block uint64      `json:"block"`
	Kind  AnomalyKind `json:"kind"`
	Value float64     `json:"value"`
}

// ColumnStats summarizes one column of a reduced sample table.
type ColumnStats struct {
	Count  int     `json:"count"`
	Total  float64 `json:"total"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	MAD    float64 `json:"mad"`
	// Stdev is the sample standard deviation (ddof 1); only meaningful when StdevDefined.
	Stdev        float64 `json:"stdev"`
	StdevDefined bool    `json:"stdevDefined"`
	// Scores holds one standardized score per row; nil when the scorer could not evaluate.
	Scores []float64 `json:"scores,omitempty"`
}

// RunStatistics is the read-only summary of one capture run.
type RunStatistics struct {
	Blocks              int         `json:"blocks"`
	Trimmed             int         `json:"trimmed"`
	Scoring             ScoringMode `json:"scoring"`
	Size                ColumnStats `json:"size"`
	Extrinsics          ColumnStats `json:"extrinsics"`
	Latency             ColumnStats `json:"latency"`
	ExtrinsicsPerSecond float64     `json:"extrinsicsPerSecond"`
	RegimeChanged       bool        `json:"regimeChanged"`
	LatencyDelta        float64     `json:"latencyDelta"`
	SizeDelta           float64     `json:"sizeDelta"`
	ExtrinsicDelta      float64     `json:"extrinsicDelta"`
}

// Column returns the stats for a column.
func (r *RunStatistics) Column(col Column) *ColumnStats {
	switch col {
	case ColumnSize:
		return &r.Size
	case ColumnExtrinsics:
		return &r.Extrinsics
	case ColumnLatency:
		return &r.Latency
	}
	return nil
}

// BlockTimeStats summarizes observed block times in seconds.
type BlockTimeStats struct {
	Count   int               `json:"count"`
	Min     float64           `json:"min"`
	Max     float64           `json:"max"`
	Avg     float64           `json:"avg"`
	P50     float64           `json:"p50"`
	P90     float64           `json:"p90"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
	Buckets []BlockTimeBucket `json:"buckets"`
}

// BlockTimeBucket is a histogram bucket of block times.
type BlockTimeBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// FailureCode classifies how an iteration ended.
type FailureCode string

const (
	FailureCodeNone        FailureCode = ""
	FailureCodeTimeout     FailureCode = "timeout"      // Driver exceeded its deadline
	FailureCodeDriverExit  FailureCode = "driver_exit"  // Driver exited non-zero
	FailureCodeFeed        FailureCode = "feed_error"   // Subscription failed
	FailureCodeInterrupted FailureCode = "interrupted"  // Cancelled by the operator
)

// CaptureSnapshot is the live view of an engine, served over HTTP and WebSocket.
type CaptureSnapshot struct {
	RunID         string        `json:"runId,omitempty"`
	Status        CaptureStatus `json:"status"`
	LastBlock     uint64        `json:"lastBlock"`
	Samples       int           `json:"samples"`
	Failures      int           `json:"failures"`
	Anomalies     int           `json:"anomalies"`
	Countdown     int           `json:"countdown"`
	StopRequested bool          `json:"stopRequested"`
	LastSizeZ     *float64      `json:"lastSizeZ,omitempty"`
	LastLatencyZ  *float64      `json:"lastLatencyZ,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// IterationResult is the outcome of one capture run inside a cycle.
type IterationResult struct {
	RunID     string         `json:"runId"`
	Iteration int            `json:"iteration"`
	TPS       int            `json:"tps"`
	TxCount   int            `json:"txCount"`
	Failures  int            `json:"failures"`
	Code      FailureCode    `json:"code,omitempty"`
	Error     string         `json:"error,omitempty"`
	NoData    bool           `json:"noData"`
	Stats     *RunStatistics `json:"stats,omitempty"`
	Anomalies []Anomaly      `json:"anomalies,omitempty"`
}

// CycleResult aggregates the iterations run at one load level.
type CycleResult struct {
	TPS         int               `json:"tps"`
	TxCount     int               `json:"txCount"`
	Iterations  []IterationResult `json:"iterations"`
	Failures    int               `json:"failures"`
	FailureRate float64           `json:"failureRate"`
	Significant bool              `json:"significant"`
}
