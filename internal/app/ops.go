package app

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"compliance-watch/internal/version"
)

type healthReport struct {
	Status             string `json:"status"`
	Breaker            string `json:"breaker"`
	Jobs               int    `json:"jobs"`
	PendingEscalations int    `json:"pending_escalations"`
	Version            string `json:"version"`
}

func (e *engine) health() healthReport {
	report := healthReport{
		Status:             "ok",
		Breaker:            e.monitor.BreakerState(),
		Jobs:               len(e.monitor.Jobs()),
		PendingEscalations: len(e.escalation.Pending()),
		Version:            version.Version,
	}
	if report.Breaker != "closed" {
		report.Status = "degraded"
	}
	return report
}

// newOpsRouter serves the scrape endpoint and a liveness report.
func newOpsRouter(registry *prometheus.Registry, health func() healthReport) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := health()
		w.Header().Set("Content-Type", "application/json")
		if report.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}).Methods(http.MethodGet)
	return r
}
