package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDial("success")
		m.ObserveReuse()
		m.ObserveEviction("idle")
		m.SetPoolSize(3)
		m.ObserveCommand("local", "success", time.Second)
		m.ObserveScript("success")
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveDial("success")
	m.ObserveDial("success")
	m.ObserveDial("AuthFailed")
	m.SetPoolSize(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dials.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dials.WithLabelValues("AuthFailed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolSize))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveScript("waiting-approval")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `linuxdiag_gatekeeper_transitions_total{state="waiting-approval"} 1`)
}
