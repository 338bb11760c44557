package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Sample(true)
	m.Sample(false)
	m.Sample(true)
	m.Delivery("ui", "error")
	m.Upload("skipped")
	m.Transition("running")
	m.Sinks(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.samples.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("ui", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("skipped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sinks))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Sample(true)
	m.Delivery("ui", "ok")
	m.Upload("delivered")
	m.Transition("stopped")
	m.Sinks(1)
}

func TestHandler(t *testing.T) {
	m := New()
	m.Upload("delivered")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `loctrack_uploads_total{outcome="delivered"} 1`))
}
