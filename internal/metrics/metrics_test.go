package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveCheck("scheduled", "success", 120*time.Millisecond)
	r.ObserveCheck("scheduled", "success", 80*time.Millisecond)
	r.ObserveCheck("manual", "breaker_open", 0)
	r.CacheHit()
	r.AlertAction("created", "critical")
	r.Escalated(2)
	r.TicketCreated()
	r.SetBreakerState(2)
	r.SetInterval("ABC010101XY1", 15)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.checks.WithLabelValues("scheduled", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.checks.WithLabelValues("manual", "breaker_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.alerts.WithLabelValues("created", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.escalations.WithLabelValues("2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tickets))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.breakerState))
	assert.Equal(t, 15.0, testutil.ToFloat64(r.intervals.WithLabelValues("ABC010101XY1")))

	r.SetInterval("ABC010101XY1", 0)
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.NotEqual(t, "compliancewatch_polling_interval_minutes", mf.GetName())
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveCheck("scheduled", "success", time.Second)
		r.CacheHit()
		r.CacheMiss()
		r.SetBreakerState(1)
		r.AlertAction("created", "low")
		r.Escalated(1)
		r.TicketCreated()
		r.ObserveRiskScore(0.5)
		r.SetInterval("x", 10)
	})
}
