package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	upsertEntitySQL = `INSERT INTO monitored_entities (
        id,
        name,
        industry,
        risk_score,
        status,
        enabled,
        interval_minutes,
        next_check_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (id) DO UPDATE
    SET
        name             = EXCLUDED.name,
        industry         = EXCLUDED.industry,
        enabled          = EXCLUDED.enabled,
        interval_minutes = EXCLUDED.interval_minutes,
        next_check_at    = COALESCE(EXCLUDED.next_check_at, monitored_entities.next_check_at),
        updated_at       = now()
    RETURNING ` + entityColumns + `;`

	entityColumns = `id,
        name,
        industry,
        risk_score::text,
        status,
        enabled,
        last_check_at,
        next_check_at,
        interval_minutes,
        created_at,
        updated_at`

	getEntitySQL = `SELECT ` + entityColumns + ` FROM monitored_entities WHERE id = $1;`

	listEntitiesSQL = `SELECT ` + entityColumns + `
    FROM monitored_entities
    WHERE ($1 = false OR enabled)
    ORDER BY id;`

	setEntityEnabledSQL = `UPDATE monitored_entities
    SET enabled = $2, updated_at = now()
    WHERE id = $1;`

	updateEntityCheckSQL = `UPDATE monitored_entities
    SET
        risk_score       = $2,
        status           = $3,
        last_check_at    = $4,
        next_check_at    = $5,
        interval_minutes = $6,
        updated_at       = now()
    WHERE id = $1;`

	updateEntityScoreSQL = `UPDATE monitored_entities
    SET risk_score = $2, status = $3, updated_at = now()
    WHERE id = $1;`

	insertCheckResultSQL = `INSERT INTO check_results (
        entity_id,
        snapshot,
        risk_score,
        compliance_score,
        alert_types,
        changes,
        trigger,
        checked_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id;`

	checkResultColumns = `id,
        entity_id,
        snapshot,
        risk_score::text,
        compliance_score::text,
        alert_types,
        changes,
        trigger,
        checked_at`

	latestCheckResultSQL = `SELECT ` + checkResultColumns + `
    FROM check_results
    WHERE entity_id = $1
    ORDER BY checked_at DESC, id DESC
    LIMIT 1;`

	listCheckResultsSinceSQL = `SELECT ` + checkResultColumns + `
    FROM check_results
    WHERE entity_id = $1
      AND checked_at >= $2
    ORDER BY checked_at, id;`

	insertRiskFactorsSQL = `INSERT INTO risk_factors (
        entity_id,
        historic,
        current_score,
        predictive,
        adjustment,
        final_score,
        calculated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	listRiskFactorsSQL = `SELECT
        entity_id,
        historic::text,
        current_score::text,
        predictive::text,
        adjustment::text,
        final_score::text,
        calculated_at
    FROM risk_factors
    WHERE entity_id = $1
      AND calculated_at >= $2
      AND calculated_at < $3
    ORDER BY calculated_at
    LIMIT $4;`
)

// Store implements Repository on PostgreSQL via pgx.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertEntity creates or refreshes an entity row. Score and check timestamps
// of an existing row are preserved.
func (s *Store) UpsertEntity(ctx context.Context, entity MonitoredEntity) (MonitoredEntity, error) {
	pool, err := s.getPool()
	if err != nil {
		return MonitoredEntity{}, err
	}

	status := entity.Status
	if status == "" {
		status = StatusForScore(entity.RiskScore)
	}

	row := pool.QueryRow(ctx, upsertEntitySQL,
		entity.ID,
		entity.Name,
		entity.Industry,
		numeric(entity.RiskScore),
		string(status),
		entity.Enabled,
		entity.IntervalMinutes,
		entity.NextCheckAt,
	)
	saved, scanErr := scanEntity(row)
	if scanErr != nil {
		return MonitoredEntity{}, fmt.Errorf("upsert entity: %w", scanErr)
	}
	return saved, nil
}

// GetEntity loads one entity.
func (s *Store) GetEntity(ctx context.Context, id string) (MonitoredEntity, error) {
	pool, err := s.getPool()
	if err != nil {
		return MonitoredEntity{}, err
	}
	entity, scanErr := scanEntity(pool.QueryRow(ctx, getEntitySQL, id))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return MonitoredEntity{}, ErrNotFound
		}
		return MonitoredEntity{}, fmt.Errorf("get entity: %w", scanErr)
	}
	return entity, nil
}

// ListEntities lists entities, optionally only enabled ones.
func (s *Store) ListEntities(ctx context.Context, enabledOnly bool) ([]MonitoredEntity, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEntitiesSQL, enabledOnly)
	if queryErr != nil {
		return nil, fmt.Errorf("list entities: %w", queryErr)
	}
	defer rows.Close()

	entities := make([]MonitoredEntity, 0)
	for rows.Next() {
		entity, scanErr := scanEntity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entities = append(entities, entity)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entities, nil
}

// SetEntityEnabled toggles monitoring without deleting history.
func (s *Store) SetEntityEnabled(ctx context.Context, id string, enabled bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, setEntityEnabledSQL, id, enabled)
	if execErr != nil {
		return fmt.Errorf("set entity enabled: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateEntityCheck records the outcome of a check cycle.
func (s *Store) UpdateEntityCheck(ctx context.Context, id string, update EntityCheckUpdate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateEntityCheckSQL,
		id,
		numeric(update.RiskScore),
		string(update.Status),
		update.LastCheckAt,
		update.NextCheckAt,
		update.IntervalMinutes,
	)
	if execErr != nil {
		return fmt.Errorf("update entity check: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateEntityScore stores a recalculated score.
func (s *Store) UpdateEntityScore(ctx context.Context, id string, score float64, status EntityStatus) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateEntityScoreSQL, id, numeric(score), string(status))
	if execErr != nil {
		return fmt.Errorf("update entity score: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendCheckResult stores a check result and returns it with its id.
func (s *Store) AppendCheckResult(ctx context.Context, result CheckResult) (CheckResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return CheckResult{}, err
	}

	snapshot, err := json.Marshal(result.Snapshot)
	if err != nil {
		return CheckResult{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	changes, err := json.Marshal(result.Changes)
	if err != nil {
		return CheckResult{}, fmt.Errorf("marshal changes: %w", err)
	}
	alertTypes := result.AlertTypes
	if alertTypes == nil {
		alertTypes = []string{}
	}

	if scanErr := pool.QueryRow(ctx, insertCheckResultSQL,
		result.EntityID,
		snapshot,
		numeric(result.RiskScore),
		numeric(result.ComplianceScore),
		alertTypes,
		changes,
		result.Trigger,
		result.CheckedAt,
	).Scan(&result.ID); scanErr != nil {
		return CheckResult{}, fmt.Errorf("insert check result: %w", scanErr)
	}
	return result, nil
}

// LatestCheckResult returns the most recent check result, or nil.
func (s *Store) LatestCheckResult(ctx context.Context, entityID string) (*CheckResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	result, scanErr := scanCheckResult(pool.QueryRow(ctx, latestCheckResultSQL, entityID))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest check result: %w", scanErr)
	}
	return &result, nil
}

// ListCheckResultsSince lists results from since onwards, oldest first.
func (s *Store) ListCheckResultsSince(ctx context.Context, entityID string, since time.Time) ([]CheckResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCheckResultsSinceSQL, entityID, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list check results: %w", queryErr)
	}
	defer rows.Close()

	results := make([]CheckResult, 0)
	for rows.Next() {
		result, scanErr := scanCheckResult(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, result)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

// AppendRiskFactors records one calculation.
func (s *Store) AppendRiskFactors(ctx context.Context, f RiskFactorSet) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertRiskFactorsSQL,
		f.EntityID,
		numeric(f.Historic),
		numeric(f.Current),
		numeric(f.Predictive),
		numeric(f.Adjustment),
		numeric(f.FinalScore),
		f.CalculatedAt,
	); execErr != nil {
		return fmt.Errorf("insert risk factors: %w", execErr)
	}
	return nil
}

// ListRiskFactors lists calculations for an entity within a window.
func (s *Store) ListRiskFactors(ctx context.Context, entityID string, from, to time.Time, limit int) ([]RiskFactorSet, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRiskFactorsSQL, entityID, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list risk factors: %w", queryErr)
	}
	defer rows.Close()

	factors := make([]RiskFactorSet, 0)
	for rows.Next() {
		var (
			f                                      RiskFactorSet
			historic, current, predictive, adj, fs string
		)
		if err := rows.Scan(&f.EntityID, &historic, &current, &predictive, &adj, &fs, &f.CalculatedAt); err != nil {
			return nil, err
		}
		values, convErr := parseNumerics(historic, current, predictive, adj, fs)
		if convErr != nil {
			return nil, convErr
		}
		f.Historic, f.Current, f.Predictive, f.Adjustment, f.FinalScore = values[0], values[1], values[2], values[3], values[4]
		factors = append(factors, f)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return factors, nil
}

func scanEntity(row pgx.Row) (MonitoredEntity, error) {
	var (
		e      MonitoredEntity
		score  string
		status string
	)
	if err := row.Scan(
		&e.ID,
		&e.Name,
		&e.Industry,
		&score,
		&status,
		&e.Enabled,
		&e.LastCheckAt,
		&e.NextCheckAt,
		&e.IntervalMinutes,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return MonitoredEntity{}, err
	}
	parsed, err := parseNumeric(score)
	if err != nil {
		return MonitoredEntity{}, fmt.Errorf("parse risk score: %w", err)
	}
	e.RiskScore = parsed
	e.Status = EntityStatus(status)
	return e, nil
}

func scanCheckResult(row pgx.Row) (CheckResult, error) {
	var (
		r          CheckResult
		snapshot   []byte
		changes    []byte
		risk       string
		compliance string
	)
	if err := row.Scan(
		&r.ID,
		&r.EntityID,
		&snapshot,
		&risk,
		&compliance,
		&r.AlertTypes,
		&changes,
		&r.Trigger,
		&r.CheckedAt,
	); err != nil {
		return CheckResult{}, err
	}
	if err := json.Unmarshal(snapshot, &r.Snapshot); err != nil {
		return CheckResult{}, fmt.Errorf("parse snapshot: %w", err)
	}
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &r.Changes); err != nil {
			return CheckResult{}, fmt.Errorf("parse changes: %w", err)
		}
	}
	values, err := parseNumerics(risk, compliance)
	if err != nil {
		return CheckResult{}, err
	}
	r.RiskScore, r.ComplianceScore = values[0], values[1]
	return r, nil
}

// numeric renders a score for a NUMERIC column, rounded to four places.
func numeric(v float64) string {
	return decimal.NewFromFloat(v).Round(4).String()
}

func parseNumeric(v string) (float64, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

func parseNumerics(values ...string) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		parsed, err := parseNumeric(v)
		if err != nil {
			return nil, fmt.Errorf("parse numeric %q: %w", v, err)
		}
		out[i] = parsed
	}
	return out, nil
}

var _ Repository = (*Store)(nil)
