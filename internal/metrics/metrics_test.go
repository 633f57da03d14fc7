package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTransition(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveTransition("payment", "approve", "ok", 5*time.Millisecond)
	m.ObserveTransition("payment", "approve", "ok", 7*time.Millisecond)
	m.ObserveTransition("payment", "approve", "forbidden", time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(m.transitions.WithLabelValues("payment", "approve", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.transitions.WithLabelValues("payment", "approve", "forbidden")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.transitionLatency))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveTransition("ticket", "submit", "ok", time.Millisecond)
	m.ObserveHTTP(http.MethodGet, "/api/v1/payments", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `payments_workflow_transitions_total{action="submit",outcome="ok",workflow="ticket"} 1`)
	assert.Contains(t, body, `payments_http_requests_total{code="200",method="GET",route="/api/v1/payments"} 1`)
}
