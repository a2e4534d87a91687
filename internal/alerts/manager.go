// Package alerts owns the alert lifecycle: creation with deduplication,
// acknowledgement, resolution, retention and reporting.
package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"compliance-watch/internal/alerting"
	"compliance-watch/internal/apperr"
	"compliance-watch/internal/metrics"
	"compliance-watch/internal/storage"
	"compliance-watch/internal/validation"
)

// Actions reported by CreateAlert.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// Escalator schedules and cancels escalations for alerts.
type Escalator interface {
	ScheduleEscalation(ctx context.Context, alert storage.Alert) error
	CancelEscalation(ctx context.Context, alertID, reason string) error
}

// Dispatcher delivers notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, note alerting.Notification) error
}

// Options tune the manager.
type Options struct {
	DedupWindow time.Duration
	Retention   time.Duration
	// EscalateFrom is the lowest severity that schedules an escalation.
	EscalateFrom storage.Severity
	Now          func() time.Time
}

// AlertInput is the caller data for CreateAlert.
type AlertInput struct {
	EntityID string `validate:"required,entityid"`
	Type     string `validate:"required,max=64"`
	Severity string `validate:"required,oneof=low medium high critical"`
	Message  string `validate:"required,max=2000"`
}

// CreateResult reports what CreateAlert did.
type CreateResult struct {
	Alert    storage.Alert
	Action   string
	Notified bool
}

// Filter narrows GetActiveAlerts.
type Filter struct {
	EntityID            string
	Severity            string
	Type                string
	IncludeAcknowledged bool
}

// Manager is the alert manager.
type Manager struct {
	store      storage.AlertStore
	escalator  Escalator
	dispatcher Dispatcher
	opts       Options
	metrics    *metrics.Recorder
	logger     zerolog.Logger
	locks      *keyedMutex
}

// NewManager builds an alert manager. escalator and dispatcher may be nil.
func NewManager(store storage.AlertStore, escalator Escalator, dispatcher Dispatcher, opts Options, rec *metrics.Recorder, logger zerolog.Logger) *Manager {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 24 * time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.EscalateFrom == "" {
		opts.EscalateFrom = storage.SeverityHigh
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:      store,
		escalator:  escalator,
		dispatcher: dispatcher,
		opts:       opts,
		metrics:    rec,
		logger:     logger.With().Str("component", "alert_manager").Logger(),
		locks:      newKeyedMutex(),
	}
}

// CreateAlert validates the input and either refreshes a matching active
// alert raised within the dedup window or inserts a new one. Notifications
// are dispatched and escalation scheduled for high and critical alerts.
func (m *Manager) CreateAlert(ctx context.Context, in AlertInput) (CreateResult, error) {
	in.EntityID = validation.NormalizeEntityID(in.EntityID)
	in.Severity = string(storage.ParseSeverity(in.Severity))
	in.Type = strings.TrimSpace(in.Type)
	in.Message = strings.TrimSpace(in.Message)
	if err := validation.Struct(in); err != nil {
		return CreateResult{}, err
	}
	severity := storage.Severity(in.Severity)

	unlock := m.locks.Lock(in.EntityID + "|" + in.Type)
	defer unlock()

	now := m.opts.Now().UTC()
	existing, err := m.store.FindRecentActiveAlert(ctx, in.EntityID, in.Type, now.Add(-m.opts.DedupWindow))
	if err != nil {
		return CreateResult{}, apperr.Wrap(err, apperr.CodeStorage, "look up recent alert")
	}

	var result CreateResult
	if existing != nil {
		alert, err := m.store.RefreshAlert(ctx, existing.ID, severity, in.Message, now)
		if err != nil {
			return CreateResult{}, apperr.Wrap(err, apperr.CodeStorage, "refresh alert %s", existing.ID)
		}
		result = CreateResult{Alert: alert, Action: ActionUpdated}
	} else {
		alert, err := m.store.InsertAlert(ctx, storage.Alert{
			EntityID:  in.EntityID,
			Type:      in.Type,
			Severity:  severity,
			Message:   in.Message,
			State:     storage.AlertActive,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return CreateResult{}, apperr.Wrap(err, apperr.CodeStorage, "insert alert")
		}
		result = CreateResult{Alert: alert, Action: ActionCreated}
	}

	m.metrics.AlertAction(result.Action, in.Severity)
	m.logger.Info().
		Str("alert_id", result.Alert.ID).
		Str("entity_id", in.EntityID).
		Str("alert_type", in.Type).
		Str("severity", in.Severity).
		Str("action", result.Action).
		Msg("alert recorded")

	result.Notified = m.notify(ctx, result)

	if severity.AtLeast(m.opts.EscalateFrom) && m.escalator != nil {
		if err := m.escalator.ScheduleEscalation(ctx, result.Alert); err != nil {
			return result, apperr.Wrap(err, apperr.CodeStorage, "schedule escalation for %s", result.Alert.ID)
		}
	}
	return result, nil
}

func (m *Manager) notify(ctx context.Context, result CreateResult) bool {
	if m.dispatcher == nil {
		return false
	}
	err := m.dispatcher.Dispatch(ctx, alerting.Notification{
		Kind:      alerting.KindAlert,
		AlertID:   result.Alert.ID,
		EntityID:  result.Alert.EntityID,
		AlertType: result.Alert.Type,
		Severity:  string(result.Alert.Severity),
		Message:   result.Alert.Message,
		Action:    result.Action,
		At:        result.Alert.UpdatedAt,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("alert_id", result.Alert.ID).Msg("alert notification incomplete")
		return false
	}
	return true
}

// AcknowledgeAlert marks an active alert acknowledged and cancels its
// escalation. Acknowledging an acknowledged or resolved alert is a no-op.
func (m *Manager) AcknowledgeAlert(ctx context.Context, id, by string) (storage.Alert, error) {
	id, by, err := lifecycleArgs(id, by)
	if err != nil {
		return storage.Alert{}, err
	}
	alert, changed, err := m.store.AcknowledgeAlert(ctx, id, by, m.opts.Now().UTC())
	if err != nil {
		return storage.Alert{}, storeError(err, "acknowledge alert %s", id)
	}
	if !changed {
		return alert, nil
	}
	m.metrics.AlertAction("acknowledged", string(alert.Severity))
	m.logger.Info().Str("alert_id", id).Str("by", by).Msg("alert acknowledged")
	return alert, m.cancelEscalation(ctx, id, "acknowledged")
}

// ResolveAlert resolves an alert from active or acknowledged and cancels
// its escalation. Resolving a resolved alert is a no-op.
func (m *Manager) ResolveAlert(ctx context.Context, id, by, resolution string) (storage.Alert, error) {
	id, by, err := lifecycleArgs(id, by)
	if err != nil {
		return storage.Alert{}, err
	}
	alert, changed, err := m.store.ResolveAlert(ctx, id, by, strings.TrimSpace(resolution), m.opts.Now().UTC())
	if err != nil {
		return storage.Alert{}, storeError(err, "resolve alert %s", id)
	}
	if !changed {
		return alert, nil
	}
	m.metrics.AlertAction("resolved", string(alert.Severity))
	m.logger.Info().Str("alert_id", id).Str("by", by).Msg("alert resolved")
	return alert, m.cancelEscalation(ctx, id, "resolved")
}

func (m *Manager) cancelEscalation(ctx context.Context, id, reason string) error {
	if m.escalator == nil {
		return nil
	}
	if err := m.escalator.CancelEscalation(ctx, id, reason); err != nil {
		return apperr.Wrap(err, apperr.CodeStorage, "cancel escalation for %s", id)
	}
	return nil
}

// CleanupOldAlerts purges alerts resolved before the retention window.
func (m *Manager) CleanupOldAlerts(ctx context.Context) (int64, error) {
	cutoff := m.opts.Now().UTC().Add(-m.opts.Retention)
	removed, err := m.store.DeleteResolvedAlertsBefore(ctx, cutoff)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeStorage, "delete resolved alerts")
	}
	m.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("old alerts cleaned up")
	return removed, nil
}

// GetActiveAlerts lists open alerts, most severe then most recent first.
func (m *Manager) GetActiveAlerts(ctx context.Context, filter Filter) ([]storage.Alert, error) {
	query := storage.AlertFilter{
		EntityID: validation.NormalizeEntityID(filter.EntityID),
		Severity: storage.ParseSeverity(filter.Severity),
		Type:     strings.TrimSpace(filter.Type),
		States:   []storage.AlertState{storage.AlertActive},
	}
	if query.Severity != "" && query.Severity.Rank() == 0 {
		return nil, apperr.New(apperr.CodeValidation, "unknown severity %q", filter.Severity)
	}
	if filter.IncludeAcknowledged {
		query.States = append(query.States, storage.AlertAcknowledged)
	}
	return m.ListAlerts(ctx, query)
}

// ListAlerts runs an arbitrary alert query.
func (m *Manager) ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]storage.Alert, error) {
	alerts, err := m.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStorage, "list alerts")
	}
	storage.SortAlerts(alerts)
	return alerts, nil
}

// GetAlert fetches one alert.
func (m *Manager) GetAlert(ctx context.Context, id string) (storage.Alert, error) {
	alert, err := m.store.GetAlert(ctx, strings.TrimSpace(id))
	if err != nil {
		return storage.Alert{}, storeError(err, "get alert %s", id)
	}
	return alert, nil
}

func lifecycleArgs(id, by string) (string, string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", "", apperr.New(apperr.CodeValidation, "alert id is required")
	}
	by = strings.TrimSpace(by)
	if by == "" {
		by = "system"
	}
	return id, by, nil
}

func storeError(err error, format string, args ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(err, apperr.CodeNotFound, format, args...)
	}
	return apperr.Wrap(err, apperr.CodeStorage, format, args...)
}

// keyedMutex serialises work per key and forgets idle keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
