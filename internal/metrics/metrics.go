// Package metrics exposes Prometheus instrumentation for the monitoring
// engine. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "compliancewatch"

// Recorder holds every collector the engine reports to.
type Recorder struct {
	checks        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	breakerState  prometheus.Gauge
	alerts        *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	tickets       prometheus.Counter
	riskScores    prometheus.Histogram
	intervals     *prometheus.GaugeVec
}

// New builds a Recorder and registers it with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Compliance checks by trigger and result.",
		}, []string{"trigger", "result"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Duration of compliance check cycles.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Check cycles served from the result cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Check cycles that had to call the data source.",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Data source circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert lifecycle actions by severity.",
		}, []string{"action", "severity"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation executions by reached level.",
		}, []string{"level"}),
		tickets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_tickets_total",
			Help:      "Critical tickets created after escalation was exhausted.",
		}),
		riskScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of calculated risk scores.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		intervals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "polling_interval_minutes",
			Help:      "Current polling interval per entity.",
		}, []string{"entity_id"}),
	}

	if reg != nil {
		reg.MustRegister(r.checks, r.checkDuration, r.cacheHits, r.cacheMisses, r.breakerState,
			r.alerts, r.escalations, r.tickets, r.riskScores, r.intervals)
	}
	return r
}

// ObserveCheck records one check cycle outcome.
func (r *Recorder) ObserveCheck(trigger, result string, took time.Duration) {
	if r == nil {
		return
	}
	r.checks.WithLabelValues(trigger, result).Inc()
	r.checkDuration.WithLabelValues(result).Observe(took.Seconds())
}

// CacheHit counts a cache hit.
func (r *Recorder) CacheHit() {
	if r == nil {
		return
	}
	r.cacheHits.Inc()
}

// CacheMiss counts a cache miss.
func (r *Recorder) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheMisses.Inc()
}

// SetBreakerState publishes the breaker state as 0, 1 or 2.
func (r *Recorder) SetBreakerState(state int) {
	if r == nil {
		return
	}
	r.breakerState.Set(float64(state))
}

// AlertAction counts created, updated, acknowledged and resolved alerts.
func (r *Recorder) AlertAction(action, severity string) {
	if r == nil {
		return
	}
	r.alerts.WithLabelValues(action, severity).Inc()
}

// Escalated counts an escalation that reached level.
func (r *Recorder) Escalated(level int) {
	if r == nil {
		return
	}
	r.escalations.WithLabelValues(levelLabel(level)).Inc()
}

// TicketCreated counts a critical ticket.
func (r *Recorder) TicketCreated() {
	if r == nil {
		return
	}
	r.tickets.Inc()
}

// ObserveRiskScore records a calculated score.
func (r *Recorder) ObserveRiskScore(score float64) {
	if r == nil {
		return
	}
	r.riskScores.Observe(score)
}

// SetInterval publishes an entity's polling interval; minutes <= 0 removes it.
func (r *Recorder) SetInterval(entityID string, minutes int) {
	if r == nil {
		return
	}
	if minutes <= 0 {
		r.intervals.DeleteLabelValues(entityID)
		return
	}
	r.intervals.WithLabelValues(entityID).Set(float64(minutes))
}

func levelLabel(level int) string {
	switch {
	case level <= 0:
		return "0"
	case level >= 9:
		return "9+"
	default:
		return string(rune('0' + level))
	}
}
