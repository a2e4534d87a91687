package alerts

import (
	"context"
	"time"

	"compliance-watch/internal/apperr"
	"compliance-watch/internal/storage"
)

// Stats summarises alerts created within a window.
type Stats struct {
	WindowDays          int
	Total               int
	BySeverity          map[storage.Severity]int
	ByState             map[storage.AlertState]int
	AcknowledgementRate float64
	ResolutionRate      float64
	MeanAcknowledgement time.Duration
	MeanResolution      time.Duration
}

// GetAlertStats reports counts, rates and mean latencies for alerts created
// in the last windowDays days.
func (m *Manager) GetAlertStats(ctx context.Context, windowDays int) (Stats, error) {
	if windowDays <= 0 {
		return Stats{}, apperr.New(apperr.CodeValidation, "window must be at least one day")
	}
	since := m.opts.Now().UTC().AddDate(0, 0, -windowDays)
	alerts, err := m.store.ListAlerts(ctx, storage.AlertFilter{Since: &since})
	if err != nil {
		return Stats{}, apperr.Wrap(err, apperr.CodeStorage, "list alerts")
	}
	return summarise(alerts, windowDays), nil
}

func summarise(alerts []storage.Alert, windowDays int) Stats {
	stats := Stats{
		WindowDays: windowDays,
		Total:      len(alerts),
		BySeverity: make(map[storage.Severity]int),
		ByState:    make(map[storage.AlertState]int),
	}
	if len(alerts) == 0 {
		return stats
	}

	var acked, resolved int
	var ackTotal, resolveTotal time.Duration
	for _, a := range alerts {
		stats.BySeverity[a.Severity]++
		stats.ByState[a.State]++
		if a.AcknowledgedAt != nil {
			acked++
			ackTotal += a.AcknowledgedAt.Sub(a.CreatedAt)
		}
		if a.State == storage.AlertResolved && a.ResolvedAt != nil {
			resolved++
			resolveTotal += a.ResolvedAt.Sub(a.CreatedAt)
		}
	}

	n := float64(len(alerts))
	stats.AcknowledgementRate = float64(acked) / n
	stats.ResolutionRate = float64(resolved) / n
	if acked > 0 {
		stats.MeanAcknowledgement = ackTotal / time.Duration(acked)
	}
	if resolved > 0 {
		stats.MeanResolution = resolveTotal / time.Duration(resolved)
	}
	return stats
}
