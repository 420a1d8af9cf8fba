package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

var captureStates = []types.CaptureStatus{
	types.StatusIdle,
	types.StatusCapturing,
	types.StatusDraining,
	types.StatusDone,
}

// PrometheusMetrics holds all Prometheus metrics for capture runs.
// It implements capture.Observer.
type PrometheusMetrics struct {
	// Counters
	BlocksTotal     *prometheus.CounterVec
	AnomaliesTotal  *prometheus.CounterVec
	FailuresTotal   prometheus.Counter
	IterationsTotal *prometheus.CounterVec

	// Gauges
	CaptureState *prometheus.GaugeVec
	SizeZScore   prometheus.Gauge
	FailureRate  prometheus.Gauge

	// Histograms
	BlockLatency prometheus.Histogram
	BlockSize    prometheus.Histogram

	// BlockTimes backs the block time summary served over HTTP.
	BlockTimes *BlockTimeStats
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		BlocksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stresscapture_blocks_total",
				Help: "Blocks handled by the capture engine by outcome",
			},
			[]string{"outcome"},
		),

		AnomaliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stresscapture_anomalies_total",
				Help: "Annotated anomalies by kind",
			},
			[]string{"kind"},
		),

		FailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stresscapture_failures_total",
				Help: "Recorded blocks whose block time crossed the failure threshold",
			},
		),

		IterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stresscapture_iterations_total",
				Help: "Capture iterations by result",
			},
			[]string{"result"},
		),

		CaptureState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stresscapture_capture_state",
				Help: "Current capture state (1 if active, 0 otherwise)",
			},
			[]string{"state"},
		),

		SizeZScore: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stresscapture_size_zscore",
				Help: "Block size z-score of the last scored block",
			},
		),

		FailureRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stresscapture_failure_rate",
				Help: "Failure rate of the last completed cycle",
			},
		),

		BlockLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stresscapture_block_latency_seconds",
				Help:    "Time between consecutive recorded blocks",
				Buckets: []float64{1, 2, 2.5, 3, 3.5, 4, 6, 9, 12, 30},
			},
		),

		BlockSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stresscapture_block_size_bytes",
				Help:    "Size of recorded blocks in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14),
			},
		),

		BlockTimes: NewBlockTimeStats(),
	}
}

// RecordBlock counts a handled block.
func (m *PrometheusMetrics) RecordBlock(outcome string) {
	m.BlocksTotal.WithLabelValues(outcome).Inc()
}

// RecordSample observes a recorded block.
func (m *PrometheusMetrics) RecordSample(s types.BlockSample) {
	m.BlockSize.Observe(float64(s.Size))
	if s.LatencyKnown {
		m.BlockLatency.Observe(s.Latency)
		m.BlockTimes.Add(s.Latency)
	}
}

// RecordAnomaly counts an anomaly.
func (m *PrometheusMetrics) RecordAnomaly(kind types.AnomalyKind) {
	m.AnomaliesTotal.WithLabelValues(string(kind)).Inc()
}

// RecordFailure counts a failure-level block time.
func (m *PrometheusMetrics) RecordFailure() {
	m.FailuresTotal.Inc()
}

// RecordSizeZ updates the size z-score gauge.
func (m *PrometheusMetrics) RecordSizeZ(z float64) {
	m.SizeZScore.Set(z)
}

// SetState updates the capture state gauges.
func (m *PrometheusMetrics) SetState(status types.CaptureStatus) {
	for _, s := range captureStates {
		if s == status {
			m.CaptureState.WithLabelValues(string(s)).Set(1)
		} else {
			m.CaptureState.WithLabelValues(string(s)).Set(0)
		}
	}
}

// RecordIteration counts a finished iteration by failure code ("ok" when none).
func (m *PrometheusMetrics) RecordIteration(code types.FailureCode) {
	result := string(code)
	if code == types.FailureCodeNone {
		result = "ok"
	}
	m.IterationsTotal.WithLabelValues(result).Inc()
}

// SetFailureRate updates the cycle failure rate gauge.
func (m *PrometheusMetrics) SetFailureRate(rate float64) {
	m.FailureRate.Set(rate)
}

// Reset resets all metrics.
// Prometheus histograms are cumulative and have no Reset; only vectors and gauges are cleared.
func (m *PrometheusMetrics) Reset() {
	m.BlocksTotal.Reset()
	m.AnomaliesTotal.Reset()
	m.IterationsTotal.Reset()
	m.SizeZScore.Set(0)
	m.FailureRate.Set(0)
	m.SetState(types.StatusIdle)
	m.BlockTimes.Reset()
}
