package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosisMetricsRecord(t *testing.T) {
	m, err := NewDiagnosisMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordPrediction("Benigno", 0.2)
	m.RecordPrediction("Benigno", 0.3)
	m.RecordPrediction("Maligno", 0.1)
	m.RecordFailure("ModelUnavailable")
	m.SetModelAvailable(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PredictionCounter.WithLabelValues("Benigno")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PredictionCounter.WithLabelValues("Maligno")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailureCounter.WithLabelValues("ModelUnavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelLoadedGauge))

	m.SetModelAvailable(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ModelLoadedGauge))
}

func TestDoubleRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewDiagnosisMetrics(registry)
	require.NoError(t, err)

	_, err = NewDiagnosisMetrics(registry)
	assert.Error(t, err)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m, err := NewDiagnosisMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	m.RecordPrediction("Benigno", 0.05)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `skincheck_predictions_total{label="Benigno"} 1`)
	assert.Contains(t, rec.Body.String(), "skincheck_model_loaded 0")
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.RecordPrediction("x", 1)
	r.RecordFailure("y")
	r.SetModelAvailable(true)
}
