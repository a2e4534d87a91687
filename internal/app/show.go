package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"compliance-watch/internal/storage"
	"compliance-watch/internal/validation"
)

// Show prints an entity's recent check results.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	id := validation.NormalizeEntityID(opts.EntityID)
	if err := validation.EntityID(id); err != nil {
		return err
	}

	store, _, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	entity, err := store.GetEntity(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("entity %s is not monitored", id)
	}
	if err != nil {
		return err
	}

	since := time.Now().UTC().AddDate(0, -a.Config.Risk.HistoryMonths, 0)
	results, err := store.ListCheckResultsSince(ctx, id, since)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "%s %s risk=%s status=%s interval=%dm next=%s\n",
		entity.ID, sanitizeInline(entity.Name), formatScore(entity.RiskScore), entity.Status,
		entity.IntervalMinutes, formatOptionalTime(entity.NextCheckAt))
	if len(results) == 0 {
		fmt.Fprintln(a.Out, "no check results found")
		return nil
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[len(results)-opts.Limit:]
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Checked (UTC)\tTrigger\tRisk\tCompliance%\tFiscal\tVAT\tChanges")
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CheckedAt.UTC().Format(time.RFC3339),
			r.Trigger,
			formatScore(r.RiskScore),
			formatPercent(r.ComplianceScore),
			fiscalLabel(r.Snapshot.Fiscal),
			vatLabel(r.Snapshot.Registration),
			changeSummary(r.Changes),
		)
	}
	return writer.Flush()
}

func fiscalLabel(f *storage.FiscalStatus) string {
	switch {
	case f == nil:
		return "-"
	case f.Active:
		return "active"
	default:
		return "inactive"
	}
}

func vatLabel(r *storage.RegistrationStatus) string {
	switch {
	case r == nil:
		return "-"
	case r.VATRegistered:
		return "registered"
	default:
		return "unregistered"
	}
}

func changeSummary(changes []storage.Change) string {
	if len(changes) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(changes))
	for _, c := range changes {
		parts = append(parts, fmt.Sprintf("%s(%s)", c.Type, c.Severity))
	}
	return strings.Join(parts, ",")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
