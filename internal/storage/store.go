package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"compliance-watch/internal/config"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// EntityCheckUpdate carries the per-cycle mutation of a monitored entity.
type EntityCheckUpdate struct {
	RiskScore       float64
	Status          EntityStatus
	LastCheckAt     time.Time
	NextCheckAt     time.Time
	IntervalMinutes int
}

// EntityStore persists monitored entities.
type EntityStore interface {
	UpsertEntity(ctx context.Context, entity MonitoredEntity) (MonitoredEntity, error)
	GetEntity(ctx context.Context, id string) (MonitoredEntity, error)
	ListEntities(ctx context.Context, enabledOnly bool) ([]MonitoredEntity, error)
	SetEntityEnabled(ctx context.Context, id string, enabled bool) error
	UpdateEntityCheck(ctx context.Context, id string, update EntityCheckUpdate) error
	UpdateEntityScore(ctx context.Context, id string, score float64, status EntityStatus) error
}

// CheckResultStore persists check results (snapshots).
type CheckResultStore interface {
	AppendCheckResult(ctx context.Context, result CheckResult) (CheckResult, error)
	// LatestCheckResult returns nil when the entity has never been checked.
	LatestCheckResult(ctx context.Context, entityID string) (*CheckResult, error)
	// ListCheckResultsSince returns results oldest first.
	ListCheckResultsSince(ctx context.Context, entityID string, since time.Time) ([]CheckResult, error)
}

// RiskFactorStore persists risk calculations.
type RiskFactorStore interface {
	AppendRiskFactors(ctx context.Context, factors RiskFactorSet) error
	// ListRiskFactors returns calculations within [from, to) oldest first.
	ListRiskFactors(ctx context.Context, entityID string, from, to time.Time, limit int) ([]RiskFactorSet, error)
}

// AlertStore persists alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert Alert) (Alert, error)
	GetAlert(ctx context.Context, id string) (Alert, error)
	// FindRecentActiveAlert returns nil when no active alert of that type
	// was created since the given time.
	FindRecentActiveAlert(ctx context.Context, entityID, alertType string, since time.Time) (*Alert, error)
	RefreshAlert(ctx context.Context, id string, severity Severity, message string, at time.Time) (Alert, error)
	// AcknowledgeAlert moves an active alert to acknowledged. changed is
	// false when the alert was not active.
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (alert Alert, changed bool, err error)
	// ResolveAlert moves a non-resolved alert to resolved.
	ResolveAlert(ctx context.Context, id, by, resolution string, at time.Time) (alert Alert, changed bool, err error)
	// SetAlertEscalationLevel only updates an active alert; changed is false
	// otherwise.
	SetAlertEscalationLevel(ctx context.Context, id string, level int) (changed bool, err error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
	DeleteResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EscalationStore persists escalation timers.
type EscalationStore interface {
	UpsertEscalation(ctx context.Context, state EscalationState) error
	// GetEscalation returns nil when the alert never had an escalation.
	GetEscalation(ctx context.Context, alertID string) (*EscalationState, error)
	ListActiveEscalations(ctx context.Context) ([]EscalationState, error)
	CloseEscalation(ctx context.Context, alertID, reason string) error
}

// TicketStore persists critical tickets.
type TicketStore interface {
	InsertCriticalTicket(ctx context.Context, ticket CriticalTicket) (CriticalTicket, error)
	ListCriticalTickets(ctx context.Context, limit int) ([]CriticalTicket, error)
}

// PollingLogStore records check cycle phases.
type PollingLogStore interface {
	AppendPollingLog(ctx context.Context, entry PollingLog) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is the full persistence surface used by the engine.
type Repository interface {
	EntityStore
	CheckResultStore
	RiskFactorStore
	AlertStore
	EscalationStore
	TicketStore
	PollingLogStore
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
