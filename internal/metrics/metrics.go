// Package metrics exposes Prometheus metrics for the diagnosis pipeline.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the subset of metrics the use case reports. Tests pass Nop.
type Recorder interface {
	RecordPrediction(label string, durationSeconds float64)
	RecordFailure(code string)
	SetModelAvailable(available bool)
}

var _ Recorder = (*DiagnosisMetrics)(nil)

// Nop discards everything.
type Nop struct{}

func (Nop) RecordPrediction(string, float64) {}
func (Nop) RecordFailure(string)             {}
func (Nop) SetModelAvailable(bool)           {}

// DiagnosisMetrics contains every metric of the predict path.
type DiagnosisMetrics struct {
	PredictionCounter *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	FailureCounter    *prometheus.CounterVec
	ModelLoadedGauge  prometheus.Gauge

	registry *prometheus.Registry
}

// NewDiagnosisMetrics creates the metrics and registers them on registry.
func NewDiagnosisMetrics(registry *prometheus.Registry) (*DiagnosisMetrics, error) {
	m := &DiagnosisMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register diagnosis metrics: %w", err)
	}
	return m, nil
}

func (m *DiagnosisMetrics) initMetrics() {
	m.PredictionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skincheck_predictions_total",
			Help: "Total number of completed predictions partitioned by simplified label.",
		},
		[]string{"label"},
	)
	m.InferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skincheck_prediction_duration_seconds",
			Help:    "Time from decoded upload to persisted diagnosis.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
	)
	m.FailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skincheck_prediction_failures_total",
			Help: "Total number of failed predictions partitioned by error code.",
		},
		[]string{"code"},
	)
	m.ModelLoadedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skincheck_model_loaded",
			Help: "Whether the classifier is loaded (1) or not (0).",
		},
	)
}

// RecordPrediction counts a successful prediction and its duration.
func (m *DiagnosisMetrics) RecordPrediction(label string, durationSeconds float64) {
	m.PredictionCounter.WithLabelValues(label).Inc()
	m.InferenceDuration.Observe(durationSeconds)
}

// RecordFailure counts a failed prediction by error code.
func (m *DiagnosisMetrics) RecordFailure(code string) {
	m.FailureCounter.WithLabelValues(code).Inc()
}

// SetModelAvailable updates the model gauge.
func (m *DiagnosisMetrics) SetModelAvailable(available bool) {
	if available {
		m.ModelLoadedGauge.Set(1)
		return
	}
	m.ModelLoadedGauge.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *DiagnosisMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Describe implements the prometheus.Collector interface.
func (m *DiagnosisMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.PredictionCounter.Describe(ch)
	ch <- m.InferenceDuration.Desc()
	m.FailureCounter.Describe(ch)
	ch <- m.ModelLoadedGauge.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *DiagnosisMetrics) Collect(ch chan<- prometheus.Metric) {
	m.PredictionCounter.Collect(ch)
	ch <- m.InferenceDuration
	m.FailureCounter.Collect(ch)
	ch <- m.ModelLoadedGauge
}
