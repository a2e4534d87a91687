package monitor

import (
	"fmt"

	"compliance-watch/internal/storage"
)

// Change types raised by the monitor.
const (
	ChangeFirstCheck     = "first_check"
	ChangeFiscalStatus   = "fiscal_status_change"
	ChangeRegistration   = "registration_change"
	ChangeMissedDeadline = "missed_deadline"
	ChangeLateCorrection = "late_correction"
	ChangeRiskIncrease   = "risk_increase"
)

// DetectChanges diffs the new snapshot against the previous check result.
// Sub-checks missing from either side are not compared.
func DetectChanges(previous *storage.CheckResult, current *storage.ComplianceSnapshot, score, jumpThreshold float64) []storage.Change {
	if previous == nil {
		return []storage.Change{{
			Type:     ChangeFirstCheck,
			Severity: storage.SeverityInfo,
			Message:  "first compliance check recorded",
		}}
	}

	var changes []storage.Change
	prev := previous.Snapshot

	if prev.Fiscal != nil && current.Fiscal != nil && prev.Fiscal.Active != current.Fiscal.Active {
		change := storage.Change{
			Type:     ChangeFiscalStatus,
			Previous: activeLabel(prev.Fiscal.Active),
			Current:  activeLabel(current.Fiscal.Active),
		}
		if current.Fiscal.Active {
			change.Severity = storage.SeverityLow
			change.Message = "fiscal status restored to active"
		} else {
			change.Severity = storage.SeverityCritical
			change.Message = fmt.Sprintf("fiscal status changed to inactive (%s)", current.Fiscal.Status)
		}
		changes = append(changes, change)
	}

	if prev.Registration != nil && current.Registration != nil && prev.Registration.VATRegistered != current.Registration.VATRegistered {
		change := storage.Change{
			Type:     ChangeRegistration,
			Previous: registeredLabel(prev.Registration.VATRegistered),
			Current:  registeredLabel(current.Registration.VATRegistered),
		}
		if current.Registration.VATRegistered {
			change.Severity = storage.SeverityLow
			change.Message = "VAT registration granted"
		} else {
			change.Severity = storage.SeverityHigh
			change.Message = "VAT registration lost"
		}
		changes = append(changes, change)
	}

	if prev.Profile != nil && current.Profile != nil {
		if current.Profile.OverdueFilings > prev.Profile.OverdueFilings {
			changes = append(changes, storage.Change{
				Type:     ChangeMissedDeadline,
				Severity: storage.SeverityHigh,
				Message:  fmt.Sprintf("overdue filings increased to %d", current.Profile.OverdueFilings),
				Previous: fmt.Sprint(prev.Profile.OverdueFilings),
				Current:  fmt.Sprint(current.Profile.OverdueFilings),
			})
		}
		if current.Profile.LateCorrections > prev.Profile.LateCorrections {
			changes = append(changes, storage.Change{
				Type:     ChangeLateCorrection,
				Severity: storage.SeverityMedium,
				Message:  fmt.Sprintf("late corrections increased to %d", current.Profile.LateCorrections),
				Previous: fmt.Sprint(prev.Profile.LateCorrections),
				Current:  fmt.Sprint(current.Profile.LateCorrections),
			})
		}
	}

	if jumpThreshold > 0 && score-previous.RiskScore >= jumpThreshold {
		changes = append(changes, storage.Change{
			Type:     ChangeRiskIncrease,
			Severity: storage.SeverityMedium,
			Message:  fmt.Sprintf("risk score rose from %.2f to %.2f", previous.RiskScore, score),
			Previous: fmt.Sprintf("%.4f", previous.RiskScore),
			Current:  fmt.Sprintf("%.4f", score),
		})
	}
	return changes
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func registeredLabel(registered bool) string {
	if registered {
		return "registered"
	}
	return "unregistered"
}
