// Package risk computes the blended compliance risk score of an entity.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"compliance-watch/internal/metrics"
	"compliance-watch/internal/storage"
)

// Component weights of the blended health score.
const (
	WeightHistoric   = 0.40
	WeightCurrent    = 0.35
	WeightPredictive = 0.25

	// NeutralScore is returned when a calculation cannot complete.
	NeutralScore = 0.5
)

// Store is the persistence the engine reads history from and writes
// calculations to.
type Store interface {
	storage.EntityStore
	storage.CheckResultStore
	storage.RiskFactorStore
}

// Options tune the engine.
type Options struct {
	DeadlineDay        int
	HistoryMonths      int
	PredictiveMonths   int
	IndustryMultiplier map[string]float64
	Location           *time.Location
	Concurrency        int
	Now                func() time.Time
}

// Engine is the risk scoring engine.
type Engine struct {
	store      Store
	opts       Options
	industries map[string]float64
	metrics    *metrics.Recorder
	logger     zerolog.Logger
}

// BatchSummary aggregates a recalculation run.
type BatchSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Failures  map[string]string
	Duration  time.Duration
}

// NewEngine builds a scoring engine.
func NewEngine(store Store, opts Options, rec *metrics.Recorder, logger zerolog.Logger) *Engine {
	if opts.DeadlineDay <= 0 {
		opts.DeadlineDay = 17
	}
	if opts.HistoryMonths <= 0 {
		opts.HistoryMonths = 12
	}
	if opts.PredictiveMonths <= 0 {
		opts.PredictiveMonths = 6
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	industries := make(map[string]float64, len(DefaultIndustryMultipliers)+len(opts.IndustryMultiplier))
	for k, v := range DefaultIndustryMultipliers {
		industries[k] = v
	}
	for k, v := range opts.IndustryMultiplier {
		industries[normaliseIndustry(k)] = v
	}

	return &Engine{
		store:      store,
		opts:       opts,
		industries: industries,
		metrics:    rec,
		logger:     logger.With().Str("component", "risk_engine").Logger(),
	}
}

// CalculateRiskScore returns the entity's risk score in [0, 1] and records
// the factors behind it. It never fails: internal errors yield NeutralScore.
func (e *Engine) CalculateRiskScore(ctx context.Context, entityID string, snap *storage.ComplianceSnapshot) float64 {
	factors, err := e.Assess(ctx, entityID, snap)
	if err != nil {
		e.logger.Error().Err(err).Str("entity_id", entityID).Msg("risk calculation failed, using neutral score")
		return NeutralScore
	}
	return factors.FinalScore
}

// Assess computes and persists the full factor set. A persistence failure
// is logged; the computed factors are still returned.
func (e *Engine) Assess(ctx context.Context, entityID string, snap *storage.ComplianceSnapshot) (storage.RiskFactorSet, error) {
	now := e.opts.Now().UTC()

	history, err := e.store.ListCheckResultsSince(ctx, entityID, now.AddDate(0, -e.opts.HistoryMonths, 0))
	if err != nil {
		return storage.RiskFactorSet{}, fmt.Errorf("load history: %w", err)
	}

	name, industry, err := e.describe(ctx, entityID, snap)
	if err != nil {
		return storage.RiskFactorSet{}, err
	}

	recentCutoff := now.AddDate(0, -e.opts.PredictiveMonths, 0)
	recent := make([]storage.CheckResult, 0, len(history))
	for _, r := range history {
		if !r.CheckedAt.Before(recentCutoff) {
			recent = append(recent, r)
		}
	}

	factors := storage.RiskFactorSet{
		EntityID:     entityID,
		Historic:     HistoricComponent(history),
		Current:      CurrentComponent(snap),
		Predictive:   PredictiveComponent(recent, history, DaysUntilDeadline(now, e.opts.DeadlineDay, e.opts.Location), now.In(e.opts.Location)),
		Adjustment:   Adjustment(e.industries, industry, name),
		CalculatedAt: now,
	}
	health := WeightHistoric*factors.Historic + WeightCurrent*factors.Current + WeightPredictive*factors.Predictive
	factors.FinalScore = clamp((1-health)*factors.Adjustment, 0, 1)

	if err := e.store.AppendRiskFactors(ctx, factors); err != nil {
		e.logger.Error().Err(err).Str("entity_id", entityID).Msg("persist risk factors failed")
	}
	e.metrics.ObserveRiskScore(factors.FinalScore)

	e.logger.Debug().
		Str("entity_id", entityID).
		Float64("historic", factors.Historic).
		Float64("current", factors.Current).
		Float64("predictive", factors.Predictive).
		Float64("adjustment", factors.Adjustment).
		Float64("score", factors.FinalScore).
		Msg("risk score calculated")
	return factors, nil
}

// describe resolves the name and industry used by the adjustment. The
// snapshot profile wins over the stored entity.
func (e *Engine) describe(ctx context.Context, entityID string, snap *storage.ComplianceSnapshot) (string, string, error) {
	var name, industry string
	entity, err := e.store.GetEntity(ctx, entityID)
	switch {
	case err == nil:
		name, industry = entity.Name, entity.Industry
	case errors.Is(err, storage.ErrNotFound):
	default:
		return "", "", fmt.Errorf("load entity: %w", err)
	}
	if snap != nil && snap.Profile != nil {
		if snap.Profile.Name != "" {
			name = snap.Profile.Name
		}
		if snap.Profile.Industry != "" {
			industry = snap.Profile.Industry
		}
	}
	return name, industry, nil
}

// RecalculateAll rescores every enabled entity from its latest snapshot.
// Failures are collected per entity and never abort the batch.
func (e *Engine) RecalculateAll(ctx context.Context) (BatchSummary, error) {
	start := e.opts.Now()
	entities, err := e.store.ListEntities(ctx, true)
	if err != nil {
		return BatchSummary{}, fmt.Errorf("list entities: %w", err)
	}

	summary := BatchSummary{Total: len(entities), Failures: make(map[string]string)}
	var mu sync.Mutex
	record := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			summary.Failed++
			summary.Failures[id] = err.Error()
			return
		}
		summary.Succeeded++
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, entity := range entities {
		g.Go(func() error {
			record(entity.ID, e.recalculate(gctx, entity.ID))
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = e.opts.Now().Sub(start)
	e.logger.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("risk recalculation finished")
	return summary, nil
}

func (e *Engine) recalculate(ctx context.Context, entityID string) error {
	latest, err := e.store.LatestCheckResult(ctx, entityID)
	if err != nil {
		return fmt.Errorf("load latest result: %w", err)
	}
	var snap *storage.ComplianceSnapshot
	if latest != nil {
		snap = &latest.Snapshot
	}
	factors, err := e.Assess(ctx, entityID, snap)
	if err != nil {
		return err
	}
	if err := e.store.UpdateEntityScore(ctx, entityID, factors.FinalScore, storage.StatusForScore(factors.FinalScore)); err != nil {
		return fmt.Errorf("update score: %w", err)
	}
	return nil
}
