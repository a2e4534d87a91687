package storage

import (
	"strings"
	"time"
)

// Severity ranks alerts and detected changes.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity normalises a severity name.
func ParseSeverity(v string) Severity {
	return Severity(strings.ToLower(strings.TrimSpace(v)))
}

// EntityStatus is derived from the risk score.
type EntityStatus string

const (
	StatusExcellent EntityStatus = "excellent"
	StatusGood      EntityStatus = "good"
	StatusFair      EntityStatus = "fair"
	StatusPoor      EntityStatus = "poor"
)

// StatusForScore maps a risk score onto the status enum. Health is the
// complement of risk.
func StatusForScore(risk float64) EntityStatus {
	health := 1 - risk
	switch {
	case health >= 0.85:
		return StatusExcellent
	case health >= 0.70:
		return StatusGood
	case health >= 0.40:
		return StatusFair
	default:
		return StatusPoor
	}
}

// MonitoredEntity is a taxpayer under continuous monitoring.
type MonitoredEntity struct {
	ID              string
	Name            string
	Industry        string
	RiskScore       float64
	Status          EntityStatus
	Enabled         bool
	LastCheckAt     *time.Time
	NextCheckAt     *time.Time
	IntervalMinutes int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FiscalStatus is the authority's view of whether the taxpayer is active.
type FiscalStatus struct {
	Active bool   `json:"active"`
	Status string `json:"status"`
}

// RegistrationStatus covers VAT registration.
type RegistrationStatus struct {
	VATRegistered bool   `json:"vat_registered"`
	Status        string `json:"status"`
}

// TaxpayerProfile describes the entity as known to the authority.
type TaxpayerProfile struct {
	Name               string `json:"name"`
	Industry           string `json:"industry"`
	Regime             string `json:"regime"`
	Complete           bool   `json:"complete"`
	PendingObligations int    `json:"pending_obligations"`
	OverdueFilings     int    `json:"overdue_filings"`
	LateCorrections    int    `json:"late_corrections"`
}

// ComplianceSnapshot bundles the sub-checks fetched for one entity. Sub-checks
// that could not be fetched are nil.
type ComplianceSnapshot struct {
	EntityID     string              `json:"entity_id"`
	Fiscal       *FiscalStatus       `json:"fiscal,omitempty"`
	Registration *RegistrationStatus `json:"registration,omitempty"`
	Profile      *TaxpayerProfile    `json:"profile,omitempty"`
	FetchedAt    time.Time           `json:"fetched_at"`
}

// Empty reports whether no sub-check is present.
func (s *ComplianceSnapshot) Empty() bool {
	return s == nil || (s.Fiscal == nil && s.Registration == nil && s.Profile == nil)
}

// Change is a detected difference between two snapshots.
type Change struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Previous string   `json:"previous,omitempty"`
	Current  string   `json:"current,omitempty"`
}

// CheckResult is one recorded compliance check.
type CheckResult struct {
	ID              int64
	EntityID        string
	Snapshot        ComplianceSnapshot
	RiskScore       float64
	ComplianceScore float64
	AlertTypes      []string
	Changes         []Change
	Trigger         string
	CheckedAt       time.Time
}

// HasAlertType reports whether the result recorded the given alert marker.
func (r CheckResult) HasAlertType(alertType string) bool {
	for _, t := range r.AlertTypes {
		if t == alertType {
			return true
		}
	}
	return false
}

// RiskFactorSet records the components of one risk calculation.
type RiskFactorSet struct {
	EntityID     string
	Historic     float64
	Current      float64
	Predictive   float64
	Adjustment   float64
	FinalScore   float64
	CalculatedAt time.Time
}

// AlertState is the lifecycle position of an alert.
type AlertState string

const (
	AlertActive       AlertState = "active"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// Alert is a raised compliance alert.
type Alert struct {
	ID              string
	EntityID        string
	Type            string
	Severity        Severity
	Message         string
	State           AlertState
	EscalationLevel int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	AcknowledgedBy  string
	AcknowledgedAt  *time.Time
	ResolvedBy      string
	ResolvedAt      *time.Time
	Resolution      string
}

// AlertFilter narrows alert queries. Zero values match everything.
type AlertFilter struct {
	EntityID string
	Severity Severity
	Type     string
	States   []AlertState
	Since    *time.Time
}

// EscalationState tracks the escalation timer for one alert.
type EscalationState struct {
	AlertID          string
	EntityID         string
	Severity         Severity
	Level            int
	ScheduledAt      time.Time
	NextEscalationAt time.Time
	LastEscalatedAt  *time.Time
	Active           bool
	ClosedReason     string
}

// CriticalTicket is the fallback record created when escalation is exhausted.
type CriticalTicket struct {
	ID        string
	AlertID   string
	EntityID  string
	Severity  Severity
	Level     int
	Message   string
	CreatedAt time.Time
}

// Polling log phases.
const (
	PhaseStart    = "start"
	PhaseComplete = "complete"
	PhaseError    = "error"
	PhaseSkip     = "skip"
)

// PollingLog records one phase of a check cycle.
type PollingLog struct {
	EntityID      string
	CorrelationID string
	Phase         string
	Trigger       string
	Duration      time.Duration
	Error         string
	At            time.Time
}
