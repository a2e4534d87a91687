package app

import (
	"context"
	"errors"
	"time"

	"compliance-watch/internal/fetcher"
	"compliance-watch/internal/monitor"
	"compliance-watch/internal/storage"
	"compliance-watch/internal/validation"
)

// SimulateAlert feeds a fabricated snapshot through a full check cycle so
// change detection, alerting and notification routing can be exercised
// without the authority API.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	src := &staticSource{snapshot: storage.ComplianceSnapshot{
		Fiscal:       &storage.FiscalStatus{Active: opts.FiscalActive, Status: simulatedStatus(opts.FiscalActive)},
		Registration: &storage.RegistrationStatus{VATRegistered: opts.VATRegistered, Status: simulatedStatus(opts.VATRegistered)},
		Profile: &storage.TaxpayerProfile{
			Complete:           true,
			OverdueFilings:     opts.OverdueFilings,
			LateCorrections:    opts.LateCorrections,
			PendingObligations: opts.PendingObligations,
		},
	}}

	eng, err := a.build(ctx, nil, src)
	if err != nil {
		return err
	}
	defer eng.close()

	id := validation.NormalizeEntityID(opts.EntityID)
	if _, err := eng.store.GetEntity(ctx, id); errors.Is(err, storage.ErrNotFound) {
		disabled := false
		if _, err := eng.monitor.AddEntityMonitoring(ctx, id, monitor.EntityConfig{Name: "simulated", Enabled: &disabled}); err != nil {
			return err
		}
	}

	outcome, err := eng.monitor.PerformComplianceCheck(ctx, id, monitor.TriggerManual)
	if err != nil {
		return err
	}
	a.printOutcome(outcome)
	return nil
}

func simulatedStatus(ok bool) string {
	if ok {
		return "active"
	}
	return "suspended"
}

type staticSource struct {
	snapshot storage.ComplianceSnapshot
}

func (s *staticSource) FetchSnapshot(_ context.Context, entityID string) (*storage.ComplianceSnapshot, error) {
	snap := s.snapshot
	snap.EntityID = entityID
	snap.FetchedAt = time.Now().UTC()
	return &snap, nil
}

var _ fetcher.SnapshotSource = (*staticSource)(nil)
