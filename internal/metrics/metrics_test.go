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

func TestCountersIncrement(t *testing.T) {
	m := New()

	m.GatewayRequest("relayed")
	m.GatewayRequest("relayed")
	m.GatewayRequest("missing_credential")
	m.MalformedFrame()
	m.StreamEvent("image")
	m.StreamResult("success")
	m.RelayedBytes(128)
	m.UpstreamLatency("200", 30*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.gatewayRequests.WithLabelValues("relayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayRequests.WithLabelValues("missing_credential")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformedFrames))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamFrames.WithLabelValues("image")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.relayedBytes))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.GatewayRequest("x")
		m.MalformedFrame()
		m.StreamEvent("image")
		m.StreamResult("success")
		m.TaskTransition("completed")
		m.Upload("ok")
		m.RelayedBytes(1)
		m.UpstreamLatency("200", time.Second)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.TaskTransition("completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `seedream_task_transitions_total{status="completed"} 1`)
}
