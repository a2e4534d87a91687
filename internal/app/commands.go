package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"compliance-watch/internal/alerts"
	"compliance-watch/internal/monitor"
	"compliance-watch/internal/storage"
)

// Check runs one manual compliance check and prints its outcome.
func (a *App) Check(ctx context.Context, entityID string) error {
	eng, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	outcome, err := eng.monitor.PerformComplianceCheck(ctx, entityID, monitor.TriggerManual)
	if err != nil {
		return err
	}
	a.printOutcome(outcome)
	return nil
}

func (a *App) printOutcome(outcome monitor.CheckOutcome) {
	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Entity\t%s\n", outcome.EntityID)
	fmt.Fprintf(w, "Status\t%s\n", outcome.Status)
	fmt.Fprintf(w, "Correlation\t%s\n", outcome.CorrelationID)
	if outcome.Result == nil {
		return
	}
	fmt.Fprintf(w, "Risk score\t%s\n", formatScore(outcome.Result.RiskScore))
	fmt.Fprintf(w, "Compliance score\t%s\n", formatPercent(outcome.Result.ComplianceScore))
	fmt.Fprintf(w, "Interval\t%d min\n", outcome.IntervalMinutes)
	for _, change := range outcome.Result.Changes {
		fmt.Fprintf(w, "Change\t%s [%s] %s\n", change.Type, change.Severity, change.Message)
	}
	for _, created := range outcome.Alerts {
		fmt.Fprintf(w, "Alert\t%s %s (%s)\n", created.Alert.ID, created.Alert.Type, created.Action)
	}
}

// AddEntity enables monitoring for an entity.
func (a *App) AddEntity(ctx context.Context, entityID string, cfg monitor.EntityConfig) error {
	eng, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	entity, err := eng.monitor.AddEntityMonitoring(ctx, entityID, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s monitored=%t interval=%dm\n", entity.ID, entity.Enabled, entity.IntervalMinutes)
	return nil
}

// RemoveEntity disables monitoring for an entity.
func (a *App) RemoveEntity(ctx context.Context, entityID string) error {
	eng, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.monitor.RemoveEntityMonitoring(ctx, entityID); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s monitoring disabled\n", strings.ToUpper(strings.TrimSpace(entityID)))
	return nil
}

// ListEntities prints monitored entities.
func (a *App) ListEntities(ctx context.Context, all bool) error {
	store, _, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	entities, err := store.ListEntities(ctx, !all)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		fmt.Fprintln(a.Out, "no entities found")
		return nil
	}

	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tName\tRisk\tStatus\tInterval\tEnabled\tLast check")
	for _, e := range entities {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dm\t%t\t%s\n",
			e.ID, sanitizeInline(e.Name), formatScore(e.RiskScore), e.Status, e.IntervalMinutes, e.Enabled, formatOptionalTime(e.LastCheckAt))
	}
	return w.Flush()
}

// ListAlerts prints alerts, active ones by default.
func (a *App) ListAlerts(ctx context.Context, opts AlertListOptions) error {
	eng, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	var list []storage.Alert
	if opts.All {
		list, err = eng.alerts.ListAlerts(ctx, storage.AlertFilter{
			EntityID: strings.ToUpper(strings.TrimSpace(opts.EntityID)),
			Severity: storage.ParseSeverity(opts.Severity),
			Type:     opts.Type,
		})
	} else {
		list, err = eng.alerts.GetActiveAlerts(ctx, alerts.Filter{
			EntityID:            opts.EntityID,
			Severity:            opts.Severity,
			Type:                opts.Type,
			IncludeAcknowledged: true,
		})
	}
	if err != nil {
		return err
	}
	if opts.Limit > 0 && len(list) > opts.Limit {
		list = list[:opts.Limit]
	}
	if len(list) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEntity\tType\tSeverity\tState\tLevel\tCreated\tMessage")
	for _, al := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			al.ID, al.EntityID, al.Type, al.Severity, al.State, al.EscalationLevel,
			al.CreatedAt.UTC().Format(time.RFC3339), sanitizeInline(al.Message))
	}
	return w.Flush()
}

// AcknowledgeAlert acknowledges an alert and cancels its escalation.
func (a *App) AcknowledgeAlert(ctx context.Context, id, by string) error {
	eng, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	alert, err := eng.alerts.AcknowledgeAlert(ctx, id, by)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s %s\n", alert.ID, alert.State)
	return nil
}

// ResolveAlert resolves an alert and cancels its escalation.
func (a *App) ResolveAlert(ctx context.Context, id, by, resolution string) error {
	eng, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	alert, err := eng.alerts.ResolveAlert(ctx, id, by, resolution)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s %s\n", alert.ID, alert.State)
	return nil
}

// AlertStats prints alert statistics for the window.
func (a *App) AlertStats(ctx context.Context, windowDays int) error {
	eng, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	stats, err := eng.alerts.GetAlertStats(ctx, windowDays)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Window\t%d days\n", stats.WindowDays)
	fmt.Fprintf(w, "Total\t%d\n", stats.Total)
	for _, sev := range []storage.Severity{storage.SeverityCritical, storage.SeverityHigh, storage.SeverityMedium, storage.SeverityLow} {
		fmt.Fprintf(w, "Severity %s\t%d\n", sev, stats.BySeverity[sev])
	}
	for _, state := range []storage.AlertState{storage.AlertActive, storage.AlertAcknowledged, storage.AlertResolved} {
		fmt.Fprintf(w, "State %s\t%d\n", state, stats.ByState[state])
	}
	fmt.Fprintf(w, "Acknowledgement rate\t%s\n", formatPercent(stats.AcknowledgementRate*100))
	fmt.Fprintf(w, "Resolution rate\t%s\n", formatPercent(stats.ResolutionRate*100))
	fmt.Fprintf(w, "Mean time to acknowledge\t%s\n", stats.MeanAcknowledgement.Round(time.Second))
	fmt.Fprintf(w, "Mean time to resolve\t%s\n", stats.MeanResolution.Round(time.Second))
	return w.Flush()
}

// CleanupAlerts purges resolved alerts past retention.
func (a *App) CleanupAlerts(ctx context.Context) error {
	eng, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	removed, err := eng.alerts.CleanupOldAlerts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "removed %d resolved alerts\n", removed)
	return nil
}

// Recalculate refreshes every monitored entity's risk score.
func (a *App) Recalculate(ctx context.Context) error {
	eng, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	summary, err := eng.risk.RecalculateAll(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "recalculated %d entities: %d ok, %d failed in %s\n",
		summary.Total, summary.Succeeded, summary.Failed, summary.Duration.Round(time.Millisecond))
	for id, reason := range summary.Failures {
		fmt.Fprintf(a.Out, "  %s: %s\n", id, sanitizeInline(reason))
	}
	return nil
}
