package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObservePoll("CZ", "success", 1, time.Second)
	m.ObserveChange("CZ", "approved")
	m.ObserveNotification("email", "sent", 0)
	m.Tick()
	m.Skipped("busy")
	m.SetInFlight(1)
	m.SetQueueLength(1)
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()

	m := New(func() float64 { return 3 })
	m.ObservePoll("CZ", "success", 2, 1500*time.Millisecond)
	m.ObservePoll("CZ", "error", 3, time.Second)
	m.ObserveNotification("email", "sent", 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollsTotal.WithLabelValues("CZ", "success")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.PollAttempts.WithLabelValues("CZ")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationRetry.WithLabelValues("email")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `casewatch_polls_total{jurisdiction="CZ",outcome="success"} 1`)
	assert.Contains(t, string(body), "casewatch_eventbus_dropped_events 3")
}
