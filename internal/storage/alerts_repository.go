package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	alertColumns = `id,
        entity_id,
        type,
        severity,
        message,
        state,
        escalation_level,
        created_at,
        updated_at,
        COALESCE(acknowledged_by, ''),
        acknowledged_at,
        COALESCE(resolved_by, ''),
        resolved_at,
        COALESCE(resolution, '')`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        entity_id,
        type,
        severity,
        message,
        state,
        escalation_level,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$8
    )
    RETURNING ` + alertColumns + `;`

	getAlertSQL = `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1;`

	findRecentActiveAlertSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE entity_id = $1
      AND type = $2
      AND state = 'active'
      AND created_at >= $3
    ORDER BY created_at DESC
    LIMIT 1;`

	refreshAlertSQL = `UPDATE alerts
    SET severity = $2, message = $3, updated_at = $4
    WHERE id = $1
    RETURNING ` + alertColumns + `;`

	acknowledgeAlertSQL = `UPDATE alerts
    SET state = 'acknowledged', acknowledged_by = $2, acknowledged_at = $3, updated_at = $3
    WHERE id = $1
      AND state = 'active'
    RETURNING ` + alertColumns + `;`

	resolveAlertSQL = `UPDATE alerts
    SET state = 'resolved', resolved_by = $2, resolution = $3, resolved_at = $4, updated_at = $4
    WHERE id = $1
      AND state <> 'resolved'
    RETURNING ` + alertColumns + `;`

	setAlertEscalationLevelSQL = `UPDATE alerts SET escalation_level = $2, updated_at = now() WHERE id = $1 AND state = 'active';`

	deleteResolvedAlertsBeforeSQL = `DELETE FROM alerts WHERE state = 'resolved' AND resolved_at < $1;`

	upsertEscalationSQL = `INSERT INTO escalations (
        alert_id,
        entity_id,
        severity,
        level,
        scheduled_at,
        next_escalation_at,
        last_escalated_at,
        active,
        closed_reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (alert_id) DO UPDATE
    SET
        level              = EXCLUDED.level,
        scheduled_at       = EXCLUDED.scheduled_at,
        next_escalation_at = EXCLUDED.next_escalation_at,
        last_escalated_at  = EXCLUDED.last_escalated_at,
        active             = EXCLUDED.active,
        closed_reason      = EXCLUDED.closed_reason;`

	escalationColumns = `alert_id,
        entity_id,
        severity,
        level,
        scheduled_at,
        next_escalation_at,
        last_escalated_at,
        active,
        COALESCE(closed_reason, '')`

	getEscalationSQL = `SELECT ` + escalationColumns + ` FROM escalations WHERE alert_id = $1;`

	listActiveEscalationsSQL = `SELECT ` + escalationColumns + `
    FROM escalations
    WHERE active
    ORDER BY next_escalation_at;`

	closeEscalationSQL = `UPDATE escalations SET active = false, closed_reason = $2 WHERE alert_id = $1;`

	insertTicketSQL = `INSERT INTO critical_tickets (
        id,
        alert_id,
        entity_id,
        severity,
        level,
        message,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	listTicketsSQL = `SELECT id, alert_id, entity_id, severity, level, message, created_at
    FROM critical_tickets
    ORDER BY created_at DESC
    LIMIT $1;`

	insertPollingLogSQL = `INSERT INTO polling_logs (
        entity_id,
        correlation_id,
        phase,
        trigger,
        duration_ms,
        error,
        logged_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// InsertAlert persists a new alert, generating its id when empty.
func (s *Store) InsertAlert(ctx context.Context, alert Alert) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.State == "" {
		alert.State = AlertActive
	}

	saved, scanErr := scanAlert(pool.QueryRow(ctx, insertAlertSQL,
		alert.ID,
		alert.EntityID,
		alert.Type,
		string(alert.Severity),
		alert.Message,
		string(alert.State),
		alert.EscalationLevel,
		alert.CreatedAt,
	))
	if scanErr != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return saved, nil
}

// GetAlert loads one alert.
func (s *Store) GetAlert(ctx context.Context, id string) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	alert, scanErr := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Alert{}, ErrNotFound
		}
		return Alert{}, fmt.Errorf("get alert: %w", scanErr)
	}
	return alert, nil
}

// FindRecentActiveAlert finds the dedup candidate for (entity, type).
func (s *Store) FindRecentActiveAlert(ctx context.Context, entityID, alertType string, since time.Time) (*Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	alert, scanErr := scanAlert(pool.QueryRow(ctx, findRecentActiveAlertSQL, entityID, alertType, since))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find recent alert: %w", scanErr)
	}
	return &alert, nil
}

// RefreshAlert updates the message, severity and timestamp of a merged alert.
func (s *Store) RefreshAlert(ctx context.Context, id string, severity Severity, message string, at time.Time) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	alert, scanErr := scanAlert(pool.QueryRow(ctx, refreshAlertSQL, id, string(severity), message, at))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Alert{}, ErrNotFound
		}
		return Alert{}, fmt.Errorf("refresh alert: %w", scanErr)
	}
	return alert, nil
}

// AcknowledgeAlert transitions an active alert to acknowledged.
func (s *Store) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (Alert, bool, error) {
	return s.transitionAlert(ctx, id, acknowledgeAlertSQL, id, by, at)
}

// ResolveAlert transitions a non-resolved alert to resolved.
func (s *Store) ResolveAlert(ctx context.Context, id, by, resolution string, at time.Time) (Alert, bool, error) {
	return s.transitionAlert(ctx, id, resolveAlertSQL, id, by, resolution, at)
}

func (s *Store) transitionAlert(ctx context.Context, id, query string, args ...any) (Alert, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, false, err
	}
	alert, scanErr := scanAlert(pool.QueryRow(ctx, query, args...))
	if scanErr == nil {
		return alert, true, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return Alert{}, false, fmt.Errorf("transition alert: %w", scanErr)
	}
	current, getErr := s.GetAlert(ctx, id)
	if getErr != nil {
		return Alert{}, false, getErr
	}
	return current, false, nil
}

// SetAlertEscalationLevel records the escalation level reached. changed is
// false when the alert is no longer active.
func (s *Store) SetAlertEscalationLevel(ctx context.Context, id string, level int) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, setAlertEscalationLevelSQL, id, level)
	if execErr != nil {
		return false, fmt.Errorf("set escalation level: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAlerts lists alerts ordered by severity descending then recency.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildListAlertsQuery(filter)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func buildListAlertsQuery(filter AlertFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		add("state = ANY($%d)", states)
	}
	if filter.Since != nil {
		add("created_at >= $%d", *filter.Since)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(alertColumns)
	b.WriteString(" FROM alerts")
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	b.WriteString(` ORDER BY CASE severity
        WHEN 'critical' THEN 4
        WHEN 'high' THEN 3
        WHEN 'medium' THEN 2
        WHEN 'low' THEN 1
        ELSE 0 END DESC, updated_at DESC;`)
	return b.String(), args
}

// DeleteResolvedAlertsBefore purges resolved alerts past retention.
func (s *Store) DeleteResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteResolvedAlertsBeforeSQL, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("delete resolved alerts: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// UpsertEscalation persists escalation metadata.
func (s *Store) UpsertEscalation(ctx context.Context, st EscalationState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertEscalationSQL,
		st.AlertID,
		st.EntityID,
		string(st.Severity),
		st.Level,
		st.ScheduledAt,
		st.NextEscalationAt,
		st.LastEscalatedAt,
		st.Active,
		st.ClosedReason,
	); execErr != nil {
		return fmt.Errorf("upsert escalation: %w", execErr)
	}
	return nil
}

// GetEscalation loads escalation state, or nil.
func (s *Store) GetEscalation(ctx context.Context, alertID string) (*EscalationState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	st, scanErr := scanEscalation(pool.QueryRow(ctx, getEscalationSQL, alertID))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get escalation: %w", scanErr)
	}
	return &st, nil
}

// ListActiveEscalations lists escalations that still have a pending step.
func (s *Store) ListActiveEscalations(ctx context.Context) ([]EscalationState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listActiveEscalationsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active escalations: %w", queryErr)
	}
	defer rows.Close()

	states := make([]EscalationState, 0)
	for rows.Next() {
		st, scanErr := scanEscalation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		states = append(states, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// CloseEscalation soft-removes an escalation.
func (s *Store) CloseEscalation(ctx context.Context, alertID, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, closeEscalationSQL, alertID, reason); execErr != nil {
		return fmt.Errorf("close escalation: %w", execErr)
	}
	return nil
}

// InsertCriticalTicket records an exhausted escalation.
func (s *Store) InsertCriticalTicket(ctx context.Context, t CriticalTicket) (CriticalTicket, error) {
	pool, err := s.getPool()
	if err != nil {
		return CriticalTicket{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, execErr := pool.Exec(ctx, insertTicketSQL,
		t.ID, t.AlertID, t.EntityID, string(t.Severity), t.Level, t.Message, t.CreatedAt,
	); execErr != nil {
		return CriticalTicket{}, fmt.Errorf("insert critical ticket: %w", execErr)
	}
	return t, nil
}

// ListCriticalTickets lists the newest tickets.
func (s *Store) ListCriticalTickets(ctx context.Context, limit int) ([]CriticalTicket, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listTicketsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list critical tickets: %w", queryErr)
	}
	defer rows.Close()

	tickets := make([]CriticalTicket, 0, limit)
	for rows.Next() {
		var (
			t        CriticalTicket
			severity string
		)
		if err := rows.Scan(&t.ID, &t.AlertID, &t.EntityID, &severity, &t.Level, &t.Message, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Severity = Severity(severity)
		tickets = append(tickets, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return tickets, nil
}

// AppendPollingLog records a check cycle phase.
func (s *Store) AppendPollingLog(ctx context.Context, entry PollingLog) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var errMsg interface{}
	if entry.Error != "" {
		errMsg = entry.Error
	}
	if _, execErr := pool.Exec(ctx, insertPollingLogSQL,
		entry.EntityID,
		entry.CorrelationID,
		entry.Phase,
		entry.Trigger,
		entry.Duration.Milliseconds(),
		errMsg,
		entry.At,
	); execErr != nil {
		return fmt.Errorf("insert polling log: %w", execErr)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the lock dies with the session anyway; release errors are not actionable
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func scanAlert(row pgx.Row) (Alert, error) {
	var (
		a        Alert
		severity string
		state    string
	)
	if err := row.Scan(
		&a.ID,
		&a.EntityID,
		&a.Type,
		&severity,
		&a.Message,
		&state,
		&a.EscalationLevel,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.AcknowledgedBy,
		&a.AcknowledgedAt,
		&a.ResolvedBy,
		&a.ResolvedAt,
		&a.Resolution,
	); err != nil {
		return Alert{}, err
	}
	a.Severity = Severity(severity)
	a.State = AlertState(state)
	return a, nil
}

func scanEscalation(row pgx.Row) (EscalationState, error) {
	var (
		st       EscalationState
		severity string
	)
	if err := row.Scan(
		&st.AlertID,
		&st.EntityID,
		&severity,
		&st.Level,
		&st.ScheduledAt,
		&st.NextEscalationAt,
		&st.LastEscalatedAt,
		&st.Active,
		&st.ClosedReason,
	); err != nil {
		return EscalationState{}, err
	}
	st.Severity = Severity(severity)
	return st, nil
}

var _ AdvisoryLocker = (*Store)(nil)
