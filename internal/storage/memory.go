package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Repository. It backs tests and runs without a
// configured database; nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	entities    map[string]MonitoredEntity
	results     map[string][]CheckResult
	factors     map[string][]RiskFactorSet
	alerts      map[string]Alert
	escalations map[string]EscalationState
	tickets     []CriticalTicket
	logs        []PollingLog
	nextResult  int64
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:    make(map[string]MonitoredEntity),
		results:     make(map[string][]CheckResult),
		factors:     make(map[string][]RiskFactorSet),
		alerts:      make(map[string]Alert),
		escalations: make(map[string]EscalationState),
	}
}

func (m *MemoryStore) UpsertEntity(_ context.Context, entity MonitoredEntity) (MonitoredEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.entities[entity.ID]; ok {
		existing.Name = entity.Name
		existing.Industry = entity.Industry
		existing.Enabled = entity.Enabled
		existing.IntervalMinutes = entity.IntervalMinutes
		if entity.NextCheckAt != nil {
			existing.NextCheckAt = copyTime(entity.NextCheckAt)
		}
		existing.UpdatedAt = now
		m.entities[entity.ID] = existing
		return existing, nil
	}

	if entity.Status == "" {
		entity.Status = StatusForScore(entity.RiskScore)
	}
	entity.LastCheckAt = copyTime(entity.LastCheckAt)
	entity.NextCheckAt = copyTime(entity.NextCheckAt)
	entity.CreatedAt = now
	entity.UpdatedAt = now
	m.entities[entity.ID] = entity
	return entity, nil
}

func (m *MemoryStore) GetEntity(_ context.Context, id string) (MonitoredEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entity, ok := m.entities[id]
	if !ok {
		return MonitoredEntity{}, ErrNotFound
	}
	return entity, nil
}

func (m *MemoryStore) ListEntities(_ context.Context, enabledOnly bool) ([]MonitoredEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MonitoredEntity, 0, len(m.entities))
	for _, entity := range m.entities {
		if enabledOnly && !entity.Enabled {
			continue
		}
		out = append(out, entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetEntityEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[id]
	if !ok {
		return ErrNotFound
	}
	entity.Enabled = enabled
	entity.UpdatedAt = time.Now().UTC()
	m.entities[id] = entity
	return nil
}

func (m *MemoryStore) UpdateEntityCheck(_ context.Context, id string, update EntityCheckUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[id]
	if !ok {
		return ErrNotFound
	}
	last, next := update.LastCheckAt, update.NextCheckAt
	entity.RiskScore = update.RiskScore
	entity.Status = update.Status
	entity.LastCheckAt = &last
	entity.NextCheckAt = &next
	entity.IntervalMinutes = update.IntervalMinutes
	entity.UpdatedAt = time.Now().UTC()
	m.entities[id] = entity
	return nil
}

func (m *MemoryStore) UpdateEntityScore(_ context.Context, id string, score float64, status EntityStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[id]
	if !ok {
		return ErrNotFound
	}
	entity.RiskScore = score
	entity.Status = status
	entity.UpdatedAt = time.Now().UTC()
	m.entities[id] = entity
	return nil
}

func (m *MemoryStore) AppendCheckResult(_ context.Context, result CheckResult) (CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextResult++
	result.ID = m.nextResult
	result.AlertTypes = append([]string(nil), result.AlertTypes...)
	result.Changes = append([]Change(nil), result.Changes...)
	list := append(m.results[result.EntityID], result)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CheckedAt.Before(list[j].CheckedAt) })
	m.results[result.EntityID] = list
	return result, nil
}

func (m *MemoryStore) LatestCheckResult(_ context.Context, entityID string) (*CheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.results[entityID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

func (m *MemoryStore) ListCheckResultsSince(_ context.Context, entityID string, since time.Time) ([]CheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CheckResult, 0)
	for _, r := range m.results[entityID] {
		if !r.CheckedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendRiskFactors(_ context.Context, f RiskFactorSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factors[f.EntityID] = append(m.factors[f.EntityID], f)
	return nil
}

func (m *MemoryStore) ListRiskFactors(_ context.Context, entityID string, from, to time.Time, limit int) ([]RiskFactorSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RiskFactorSet, 0)
	for _, f := range m.factors[entityID] {
		if f.CalculatedAt.Before(from) || !f.CalculatedAt.Before(to) {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertAlert(_ context.Context, alert Alert) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.State == "" {
		alert.State = AlertActive
	}
	alert.UpdatedAt = alert.CreatedAt
	m.alerts[alert.ID] = alert
	return alert, nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	return alert, nil
}

func (m *MemoryStore) FindRecentActiveAlert(_ context.Context, entityID, alertType string, since time.Time) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Alert
	for _, a := range m.alerts {
		if a.EntityID != entityID || a.Type != alertType || a.State != AlertActive || a.CreatedAt.Before(since) {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			candidate := a
			found = &candidate
		}
	}
	return found, nil
}

func (m *MemoryStore) RefreshAlert(_ context.Context, id string, severity Severity, message string, at time.Time) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	alert.Severity = severity
	alert.Message = message
	alert.UpdatedAt = at
	m.alerts[id] = alert
	return alert, nil
}

func (m *MemoryStore) AcknowledgeAlert(_ context.Context, id, by string, at time.Time) (Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return Alert{}, false, ErrNotFound
	}
	if alert.State != AlertActive {
		return alert, false, nil
	}
	alert.State = AlertAcknowledged
	alert.AcknowledgedBy = by
	alert.AcknowledgedAt = &at
	alert.UpdatedAt = at
	m.alerts[id] = alert
	return alert, true, nil
}

func (m *MemoryStore) ResolveAlert(_ context.Context, id, by, resolution string, at time.Time) (Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return Alert{}, false, ErrNotFound
	}
	if alert.State == AlertResolved {
		return alert, false, nil
	}
	alert.State = AlertResolved
	alert.ResolvedBy = by
	alert.Resolution = resolution
	alert.ResolvedAt = &at
	alert.UpdatedAt = at
	m.alerts[id] = alert
	return alert, true, nil
}

func (m *MemoryStore) SetAlertEscalationLevel(_ context.Context, id string, level int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return false, ErrNotFound
	}
	if alert.State != AlertActive {
		return false, nil
	}
	alert.EscalationLevel = level
	m.alerts[id] = alert
	return true, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, filter AlertFilter) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0)
	for _, a := range m.alerts {
		if matchesFilter(a, filter) {
			out = append(out, a)
		}
	}
	SortAlerts(out)
	return out, nil
}

func matchesFilter(a Alert, f AlertFilter) bool {
	if f.EntityID != "" && a.EntityID != f.EntityID {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Since != nil && a.CreatedAt.Before(*f.Since) {
		return false
	}
	if len(f.States) > 0 {
		for _, st := range f.States {
			if a.State == st {
				return true
			}
		}
		return false
	}
	return true
}

// SortAlerts orders alerts by severity descending, then most recent first.
func SortAlerts(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.Rank(), alerts[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return alerts[i].UpdatedAt.After(alerts[j].UpdatedAt)
	})
}

func (m *MemoryStore) DeleteResolvedAlertsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, a := range m.alerts {
		if a.State == AlertResolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(m.alerts, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) UpsertEscalation(_ context.Context, st EscalationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.LastEscalatedAt = copyTime(st.LastEscalatedAt)
	m.escalations[st.AlertID] = st
	return nil
}

func (m *MemoryStore) GetEscalation(_ context.Context, alertID string) (*EscalationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.escalations[alertID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *MemoryStore) ListActiveEscalations(_ context.Context) ([]EscalationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EscalationState, 0)
	for _, st := range m.escalations {
		if st.Active {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextEscalationAt.Before(out[j].NextEscalationAt) })
	return out, nil
}

func (m *MemoryStore) CloseEscalation(_ context.Context, alertID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.escalations[alertID]
	if !ok {
		return nil
	}
	st.Active = false
	st.ClosedReason = reason
	m.escalations[alertID] = st
	return nil
}

func (m *MemoryStore) InsertCriticalTicket(_ context.Context, t CriticalTicket) (CriticalTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	m.tickets = append(m.tickets, t)
	return t, nil
}

func (m *MemoryStore) ListCriticalTickets(_ context.Context, limit int) ([]CriticalTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CriticalTicket, 0, len(m.tickets))
	for i := len(m.tickets) - 1; i >= 0; i-- {
		out = append(out, m.tickets[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendPollingLog(_ context.Context, entry PollingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

// PollingLogs returns a copy of every recorded polling log entry.
func (m *MemoryStore) PollingLogs() []PollingLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PollingLog(nil), m.logs...)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Repository = (*MemoryStore)(nil)
