package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"compliance-watch/internal/alerts"
	"compliance-watch/internal/apperr"
	"compliance-watch/internal/cache"
	"compliance-watch/internal/fetcher"
	"compliance-watch/internal/metrics"
	"compliance-watch/internal/risk"
	"compliance-watch/internal/scheduler"
	"compliance-watch/internal/storage"
	"compliance-watch/internal/validation"
)

// Triggers recorded with each check.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Check outcome statuses.
const (
	StatusCompleted       = "completed"
	StatusCached          = "cached"
	StatusFailed          = "failed"
	StatusSkippedBreaker  = "skipped_breaker"
	StatusSkippedDisabled = "skipped_disabled"
	StatusSkippedInflight = "skipped_inflight"
)

// Scorer computes an entity's risk score. It never fails.
type Scorer interface {
	CalculateRiskScore(ctx context.Context, entityID string, snap *storage.ComplianceSnapshot) float64
}

// AlertCreator raises alerts for detected changes.
type AlertCreator interface {
	CreateAlert(ctx context.Context, in alerts.AlertInput) (alerts.CreateResult, error)
}

// Store is the persistence the monitor needs.
type Store interface {
	storage.EntityStore
	storage.CheckResultStore
	storage.PollingLogStore
}

// Options tune the monitor.
type Options struct {
	FailureThreshold    uint32
	Cooldown            time.Duration
	CacheTTL            time.Duration
	RescheduleThreshold time.Duration
	DailyHour           int
	CheckTimeout        time.Duration
	AlertMinSeverity    storage.Severity
	RiskJumpThreshold   float64
	Intervals           []IntervalRule
	Now                 func() time.Time
}

// EntityConfig is the caller data for AddEntityMonitoring.
type EntityConfig struct {
	Name     string `validate:"max=200"`
	Industry string `validate:"max=100"`
	// Enabled defaults to true when nil.
	Enabled *bool
	// IntervalMinutes pins the initial interval; zero derives it from the
	// current risk score.
	IntervalMinutes int `validate:"min=0,max=43200"`
}

// CheckOutcome reports one PerformComplianceCheck call.
type CheckOutcome struct {
	EntityID        string
	CorrelationID   string
	Trigger         string
	Status          string
	Result          *storage.CheckResult
	Alerts          []alerts.CreateResult
	IntervalMinutes int
	Rescheduled     bool
	Duration        time.Duration
}

// Monitor owns the per-entity polling schedule and the breaker guarding the
// compliance data source.
type Monitor struct {
	store   Store
	source  fetcher.SnapshotSource
	scorer  Scorer
	alerts  AlertCreator
	cache   cache.Cache
	opts    Options
	rules   []IntervalRule
	metrics *metrics.Recorder
	logger  zerolog.Logger

	breaker *gobreaker.CircuitBreaker
	// carried holds failures absorbed by the half-open breaker; they still
	// count toward the threshold once it is closed again.
	carried atomic.Uint32
	jobs    *scheduler.Jobs
	cancel  context.CancelFunc

	mu       sync.Mutex
	started  bool
	inflight map[string]struct{}
}

// New builds a monitor. A nil cache disables result caching.
func New(store Store, source fetcher.SnapshotSource, scorer Scorer, creator AlertCreator, c cache.Cache, opts Options, rec *metrics.Recorder, logger zerolog.Logger) *Monitor {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.RescheduleThreshold <= 0 {
		opts.RescheduleThreshold = 30 * time.Minute
	}
	if opts.AlertMinSeverity == "" {
		opts.AlertMinSeverity = storage.SeverityHigh
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		store:    store,
		source:   source,
		scorer:   scorer,
		alerts:   creator,
		cache:    c,
		opts:     opts,
		rules:    sortRules(opts.Intervals),
		metrics:  rec,
		logger:   logger.With().Str("component", "monitor").Logger(),
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
	if len(m.rules) == 0 {
		m.rules = DefaultIntervals
	}
	m.jobs = scheduler.NewJobs(ctx, opts.DailyHour, opts.Now, logger)

	threshold := opts.FailureThreshold
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "compliance-source",
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures+m.carried.Load() >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				m.carried.Store(0)
				return true
			}
			// After the cool-down the breaker behaves as closed: a failed
			// attempt closes it and is carried toward the threshold.
			if m.breaker.State() == gobreaker.StateHalfOpen && m.carried.Load()+1 < threshold {
				m.carried.Add(1)
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				m.carried.Store(0)
			}
			m.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			m.metrics.SetBreakerState(int(to))
		},
	})
	return m
}

// Start schedules a job for every enabled entity. Entities that were never
// checked or are overdue fire promptly. It returns the number scheduled.
func (m *Monitor) Start(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return len(m.jobs.List()), nil
	}
	m.started = true
	m.mu.Unlock()

	entities, err := m.store.ListEntities(ctx, true)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeStorage, "list monitored entities")
	}
	for _, entity := range entities {
		m.schedule(entity)
	}
	m.logger.Info().Int("entities", len(entities)).Msg("monitoring started")
	return len(entities), nil
}

// Stop cancels every polling job and waits for running checks.
func (m *Monitor) Stop() {
	m.cancel()
	m.jobs.Stop()
}

// Jobs returns the live polling jobs.
func (m *Monitor) Jobs() []scheduler.Job {
	return m.jobs.List()
}

// BreakerState reports the breaker position: closed, half-open or open.
func (m *Monitor) BreakerState() string {
	return m.breaker.State().String()
}

func (m *Monitor) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *Monitor) intervalFor(entity storage.MonitoredEntity) int {
	if entity.IntervalMinutes > 0 {
		return entity.IntervalMinutes
	}
	return IntervalForScore(m.rules, entity.RiskScore)
}

func (m *Monitor) schedule(entity storage.MonitoredEntity) scheduler.Job {
	interval := m.intervalFor(entity)
	now := m.opts.Now()

	var first time.Time
	switch {
	case entity.LastCheckAt == nil, entity.NextCheckAt == nil, !entity.NextCheckAt.After(now):
		first = now
	default:
		first = *entity.NextCheckAt
	}
	m.metrics.SetInterval(entity.ID, interval)
	return m.jobs.Schedule(entity.ID, minutes(interval), first, m.runJob)
}

func (m *Monitor) runJob(ctx context.Context, entityID string) {
	outcome, err := m.PerformComplianceCheck(ctx, entityID, TriggerScheduled)
	if err != nil {
		m.logger.Debug().Err(err).Str("entity_id", entityID).Str("status", outcome.Status).Msg("scheduled check did not complete")
	}
}

// AddEntityMonitoring creates or refreshes the entity's monitoring record and
// schedules its polling job unless the config disables it.
func (m *Monitor) AddEntityMonitoring(ctx context.Context, entityID string, cfg EntityConfig) (storage.MonitoredEntity, error) {
	id := validation.NormalizeEntityID(entityID)
	if err := validation.EntityID(id); err != nil {
		return storage.MonitoredEntity{}, err
	}
	if err := validation.Struct(cfg); err != nil {
		return storage.MonitoredEntity{}, err
	}

	entity, err := m.store.GetEntity(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		entity = storage.MonitoredEntity{ID: id, RiskScore: risk.NeutralScore}
	case err != nil:
		return storage.MonitoredEntity{}, apperr.Wrap(err, apperr.CodeStorage, "load entity %s", id)
	}

	if cfg.Name != "" {
		entity.Name = cfg.Name
	}
	if cfg.Industry != "" {
		entity.Industry = cfg.Industry
	}
	entity.Enabled = cfg.Enabled == nil || *cfg.Enabled
	if cfg.IntervalMinutes > 0 {
		entity.IntervalMinutes = cfg.IntervalMinutes
	} else if entity.IntervalMinutes <= 0 {
		entity.IntervalMinutes = IntervalForScore(m.rules, entity.RiskScore)
	}

	saved, err := m.store.UpsertEntity(ctx, entity)
	if err != nil {
		return storage.MonitoredEntity{}, apperr.Wrap(err, apperr.CodeStorage, "save entity %s", id)
	}

	log := m.logger.Info().Str("entity_id", id).Bool("enabled", saved.Enabled).Int("interval_minutes", saved.IntervalMinutes)
	if !saved.Enabled {
		m.jobs.Cancel(id)
		m.metrics.SetInterval(id, 0)
		log.Msg("entity registered with monitoring disabled")
		return saved, nil
	}
	if m.isStarted() {
		job := m.schedule(saved)
		log = log.Time("next_run", job.NextRun)
	}
	log.Msg("entity monitoring enabled")
	return saved, nil
}

// RemoveEntityMonitoring cancels the entity's job and flags it disabled.
// History is kept. Removing an already disabled entity succeeds.
func (m *Monitor) RemoveEntityMonitoring(ctx context.Context, entityID string) error {
	id := validation.NormalizeEntityID(entityID)
	if err := validation.EntityID(id); err != nil {
		return err
	}

	cancelled := m.jobs.Cancel(id)
	m.metrics.SetInterval(id, 0)
	if err := m.store.SetEntityEnabled(ctx, id, false); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.CodeNotFound, "entity %s is not monitored", id)
		}
		return apperr.Wrap(err, apperr.CodeStorage, "disable entity %s", id)
	}
	if m.cache != nil {
		if err := m.cache.Delete(ctx, cacheKey(id)); err != nil {
			m.logger.Debug().Err(err).Str("entity_id", id).Msg("cache delete failed")
		}
	}
	m.logger.Info().Str("entity_id", id).Bool("job_cancelled", cancelled).Msg("entity monitoring removed")
	return nil
}

// Resync applies the reschedule rule to every live job from the entity's
// stored risk score. It is run after a batch rescore and returns how many
// jobs moved.
func (m *Monitor) Resync(ctx context.Context) (int, error) {
	if !m.isStarted() {
		return 0, nil
	}
	entities, err := m.store.ListEntities(ctx, true)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeStorage, "list monitored entities")
	}
	moved := 0
	for _, entity := range entities {
		if !m.acquire(entity.ID) {
			continue
		}
		interval := IntervalForScore(m.rules, entity.RiskScore)
		logger := m.logger.With().Str("entity_id", entity.ID).Logger()
		if m.reschedule(entity, interval, logger) {
			moved++
			if entity.LastCheckAt != nil {
				job, _ := m.jobs.Get(entity.ID)
				update := storage.EntityCheckUpdate{
					RiskScore:       entity.RiskScore,
					Status:          storage.StatusForScore(entity.RiskScore),
					LastCheckAt:     *entity.LastCheckAt,
					NextCheckAt:     job.NextRun,
					IntervalMinutes: interval,
				}
				if err := m.store.UpdateEntityCheck(ctx, entity.ID, update); err != nil {
					logger.Warn().Err(err).Msg("persist rescheduled interval failed")
				}
			}
		}
		m.release(entity.ID)
	}
	return moved, nil
}

func (m *Monitor) acquire(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

func cacheKey(id string) string {
	return "check:" + id
}

// PerformComplianceCheck runs one check cycle for the entity. Scheduled
// failures are contained here; the returned error is for manual callers.
func (m *Monitor) PerformComplianceCheck(ctx context.Context, entityID, trigger string) (CheckOutcome, error) {
	id := validation.NormalizeEntityID(entityID)
	outcome := CheckOutcome{EntityID: id, CorrelationID: uuid.NewString(), Trigger: trigger}
	if err := validation.EntityID(id); err != nil {
		outcome.Status = StatusFailed
		return outcome, err
	}
	start := m.opts.Now()
	logger := m.logger.With().Str("entity_id", id).Str("correlation_id", outcome.CorrelationID).Str("trigger", trigger).Logger()

	if !m.acquire(id) {
		outcome.Status = StatusSkippedInflight
		logger.Debug().Msg("check already in flight, skipping")
		m.pollingLog(ctx, outcome, storage.PhaseSkip, 0, "check in flight")
		return outcome, nil
	}
	defer m.release(id)

	entity, err := m.store.GetEntity(ctx, id)
	if err != nil {
		outcome.Status = StatusFailed
		if errors.Is(err, storage.ErrNotFound) {
			return outcome, apperr.New(apperr.CodeNotFound, "entity %s is not monitored", id)
		}
		return outcome, apperr.Wrap(err, apperr.CodeStorage, "load entity %s", id)
	}
	if !entity.Enabled && trigger == TriggerScheduled {
		outcome.Status = StatusSkippedDisabled
		logger.Debug().Msg("entity disabled, skipping")
		return outcome, nil
	}

	if m.breaker.State() == gobreaker.StateOpen {
		return m.skipForBreaker(ctx, outcome, logger)
	}

	if cached, ok := m.cached(ctx, id, logger); ok {
		outcome.Status = StatusCached
		outcome.Result = cached
		outcome.IntervalMinutes = IntervalForScore(m.rules, cached.RiskScore)
		m.metrics.ObserveCheck(trigger, StatusCached, 0)
		logger.Debug().Msg("serving cached check result")
		return outcome, nil
	}

	m.pollingLog(ctx, outcome, storage.PhaseStart, 0, "")
	_, err = m.breaker.Execute(func() (interface{}, error) {
		return nil, m.cycle(ctx, entity, &outcome, logger)
	})
	outcome.Duration = m.opts.Now().Sub(start)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return m.skipForBreaker(ctx, outcome, logger)
	}
	if err != nil {
		outcome.Status = StatusFailed
		m.metrics.ObserveCheck(trigger, StatusFailed, outcome.Duration)
		m.pollingLog(ctx, outcome, storage.PhaseError, outcome.Duration, err.Error())
		logger.Error().Err(err).Dur("took", outcome.Duration).Msg("compliance check failed")
		if apperr.CodeOf(err) == "" {
			err = apperr.Wrap(err, apperr.CodeInternal, "check entity %s", id)
		}
		return outcome, err
	}

	outcome.Status = StatusCompleted
	m.metrics.ObserveCheck(trigger, StatusCompleted, outcome.Duration)
	m.pollingLog(ctx, outcome, storage.PhaseComplete, outcome.Duration, "")
	logger.Info().
		Float64("risk_score", outcome.Result.RiskScore).
		Int("changes", len(outcome.Result.Changes)).
		Int("alerts", len(outcome.Alerts)).
		Int("interval_minutes", outcome.IntervalMinutes).
		Bool("rescheduled", outcome.Rescheduled).
		Dur("took", outcome.Duration).
		Msg("compliance check completed")
	return outcome, nil
}

func (m *Monitor) skipForBreaker(ctx context.Context, outcome CheckOutcome, logger zerolog.Logger) (CheckOutcome, error) {
	outcome.Status = StatusSkippedBreaker
	m.metrics.ObserveCheck(outcome.Trigger, StatusSkippedBreaker, 0)
	m.pollingLog(ctx, outcome, storage.PhaseSkip, 0, "circuit breaker open")
	logger.Warn().Msg("circuit breaker open, skipping check")
	return outcome, apperr.New(apperr.CodeUnavailable, "compliance data source unavailable, check for %s skipped", outcome.EntityID)
}

func (m *Monitor) cached(ctx context.Context, id string, logger zerolog.Logger) (*storage.CheckResult, bool) {
	if m.cache == nil {
		return nil, false
	}
	raw, ok, err := m.cache.Get(ctx, cacheKey(id))
	if err != nil {
		logger.Warn().Err(err).Msg("cache read failed")
	}
	if err != nil || !ok {
		m.metrics.CacheMiss()
		return nil, false
	}
	var result storage.CheckResult
	if err := json.Unmarshal(raw, &result); err != nil {
		logger.Warn().Err(err).Msg("discarding unreadable cache entry")
		m.metrics.CacheMiss()
		return nil, false
	}
	m.metrics.CacheHit()
	return &result, true
}

// cycle runs the fetch, score, diff, persist, alert and reschedule steps.
// Any error it returns counts against the breaker.
func (m *Monitor) cycle(ctx context.Context, entity storage.MonitoredEntity, outcome *CheckOutcome, logger zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check cycle panic: %v", r)
		}
	}()
	id := entity.ID

	fetchCtx := ctx
	if m.opts.CheckTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, m.opts.CheckTimeout)
		defer cancel()
	}
	snap, err := m.source.FetchSnapshot(fetchCtx, id)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeUnavailable, "fetch snapshot for %s", id)
	}

	previous, err := m.store.LatestCheckResult(ctx, id)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeStorage, "load previous result for %s", id)
	}

	score := m.scorer.CalculateRiskScore(ctx, id, snap)
	changes := DetectChanges(previous, snap, score, m.opts.RiskJumpThreshold)
	now := m.opts.Now()
	interval := IntervalForScore(m.rules, score)

	result := storage.CheckResult{
		EntityID:        id,
		Snapshot:        *snap,
		RiskScore:       score,
		ComplianceScore: (1 - score) * 100,
		Changes:         changes,
		Trigger:         outcome.Trigger,
		CheckedAt:       now,
	}
	for _, change := range changes {
		if change.Type != ChangeFirstCheck {
			result.AlertTypes = append(result.AlertTypes, change.Type)
		}
	}
	saved, err := m.store.AppendCheckResult(ctx, result)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeStorage, "record check result for %s", id)
	}

	update := storage.EntityCheckUpdate{
		RiskScore:       score,
		Status:          storage.StatusForScore(score),
		LastCheckAt:     now,
		NextCheckAt:     scheduler.NextFire(minutes(interval), now, m.opts.DailyHour),
		IntervalMinutes: interval,
	}
	if err := m.store.UpdateEntityCheck(ctx, id, update); err != nil {
		return apperr.Wrap(err, apperr.CodeStorage, "update entity %s", id)
	}

	outcome.Result = &saved
	outcome.IntervalMinutes = interval
	m.metrics.ObserveRiskScore(score)

	for _, change := range changes {
		if change.Severity == storage.SeverityInfo || !change.Severity.AtLeast(m.opts.AlertMinSeverity) {
			continue
		}
		created, err := m.alerts.CreateAlert(ctx, alerts.AlertInput{
			EntityID: id,
			Type:     change.Type,
			Severity: string(change.Severity),
			Message:  change.Message,
		})
		if err != nil {
			logger.Error().Err(err).Str("alert_type", change.Type).Msg("alert creation failed")
			continue
		}
		outcome.Alerts = append(outcome.Alerts, created)
	}

	if m.cache != nil {
		if raw, err := json.Marshal(saved); err == nil {
			if err := m.cache.Set(ctx, cacheKey(id), raw, m.opts.CacheTTL); err != nil {
				logger.Warn().Err(err).Msg("cache write failed")
			}
		}
	}

	outcome.Rescheduled = m.reschedule(entity, interval, logger)
	return nil
}

// reschedule replaces the entity's job when the new interval differs from the
// live one by more than the reschedule threshold.
func (m *Monitor) reschedule(entity storage.MonitoredEntity, interval int, logger zerolog.Logger) bool {
	m.metrics.SetInterval(entity.ID, interval)
	if !m.isStarted() || !entity.Enabled {
		return false
	}
	job, ok := m.jobs.Get(entity.ID)
	if !ok {
		return false
	}
	diff := minutes(interval) - job.Interval
	if diff < 0 {
		diff = -diff
	}
	if diff <= m.opts.RescheduleThreshold {
		return false
	}
	next, ok := m.jobs.Reschedule(entity.ID, minutes(interval))
	if !ok {
		return false
	}
	logger.Info().
		Dur("from", job.Interval).
		Dur("to", next.Interval).
		Str("expression", next.Expression).
		Time("next_run", next.NextRun).
		Msg("polling interval rescheduled")
	return true
}

func (m *Monitor) pollingLog(ctx context.Context, outcome CheckOutcome, phase string, took time.Duration, msg string) {
	entry := storage.PollingLog{
		EntityID:      outcome.EntityID,
		CorrelationID: outcome.CorrelationID,
		Phase:         phase,
		Trigger:       outcome.Trigger,
		Duration:      took,
		Error:         msg,
		At:            m.opts.Now(),
	}
	if err := m.store.AppendPollingLog(ctx, entry); err != nil {
		m.logger.Debug().Err(err).Str("entity_id", outcome.EntityID).Str("phase", phase).Msg("polling log write failed")
	}
}
