package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliance-watch/internal/storage"
)

var fixedNow = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC) // Tuesday

func newTestEngine(store Store) *Engine {
	return NewEngine(store, Options{Now: func() time.Time { return fixedNow }}, nil, zerolog.Nop())
}

func compliantSnapshot() *storage.ComplianceSnapshot {
	return &storage.ComplianceSnapshot{
		EntityID:     "ACM010101AB1",
		Fiscal:       &storage.FiscalStatus{Active: true, Status: "active"},
		Registration: &storage.RegistrationStatus{VATRegistered: true, Status: "registered"},
		Profile:      &storage.TaxpayerProfile{Name: "Acme", Industry: "manufacturing", Complete: true},
	}
}

func TestCalculateRiskScoreNeutralWithoutData(t *testing.T) {
	store := storage.NewMemoryStore()
	engine := newTestEngine(store)

	score := engine.CalculateRiskScore(context.Background(), "ACM010101AB1", nil)
	assert.InDelta(t, 0.5, score, 1e-9)

	factors, err := store.ListRiskFactors(context.Background(), "ACM010101AB1", fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, factors, 1)
	assert.Equal(t, 1.0, factors[0].Adjustment)
}

func TestCalculateRiskScoreBlendsComponents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, at := range []time.Time{
		time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
	} {
		_, err := store.AppendCheckResult(ctx, storage.CheckResult{EntityID: "ACM010101AB1", ComplianceScore: 95, CheckedAt: at})
		require.NoError(t, err)
	}

	// historic 0.95, current 1.0, predictive 0.5 - 0.2*0.3 (14 days to the 17th)
	score := newTestEngine(store).CalculateRiskScore(ctx, "ACM010101AB1", compliantSnapshot())
	assert.InDelta(t, 0.16, score, 1e-9)
}

func TestCalculateRiskScoreInactiveIsRiskier(t *testing.T) {
	engine := newTestEngine(storage.NewMemoryStore())
	good := engine.CalculateRiskScore(context.Background(), "ACM010101AB1", compliantSnapshot())

	bad := compliantSnapshot()
	bad.Fiscal.Active = false
	bad.Registration.VATRegistered = false
	bad.Profile.OverdueFilings = 2
	worse := engine.CalculateRiskScore(context.Background(), "ACM010101AB1", bad)

	assert.Greater(t, worse, good)
}

type failingStore struct {
	*storage.MemoryStore
	failFor string
}

func (f *failingStore) ListCheckResultsSince(ctx context.Context, id string, since time.Time) ([]storage.CheckResult, error) {
	if f.failFor == "" || f.failFor == id {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.ListCheckResultsSince(ctx, id, since)
}

func TestCalculateRiskScoreNeverFails(t *testing.T) {
	engine := newTestEngine(&failingStore{MemoryStore: storage.NewMemoryStore()})
	assert.Equal(t, NeutralScore, engine.CalculateRiskScore(context.Background(), "ACM010101AB1", compliantSnapshot()))
}

func TestRecalculateAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), failFor: "BAD010101AB1"}
	for _, id := range []string{"ACM010101AB1", "BAD010101AB1", "OFF010101AB1"} {
		_, err := store.UpsertEntity(ctx, storage.MonitoredEntity{ID: id, Name: id, Enabled: id != "OFF010101AB1"})
		require.NoError(t, err)
	}
	_, err := store.AppendCheckResult(ctx, storage.CheckResult{EntityID: "ACM010101AB1", Snapshot: *compliantSnapshot(), ComplianceScore: 90, CheckedAt: fixedNow.Add(-time.Hour)})
	require.NoError(t, err)

	summary, err := newTestEngine(store).RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Failures, "BAD010101AB1")

	entity, err := store.GetEntity(ctx, "ACM010101AB1")
	require.NoError(t, err)
	assert.Less(t, entity.RiskScore, 0.5)
}

func TestAdjustment(t *testing.T) {
	assert.Equal(t, 1.3, Adjustment(DefaultIndustryMultipliers, "Construction", "Grupo Constructor Holding"))
	assert.InDelta(t, 0.765, Adjustment(DefaultIndustryMultipliers, "nonprofit", "Studio Verde"), 1e-9)
	assert.Equal(t, 1.0, Adjustment(DefaultIndustryMultipliers, "unknown", "Acme"))
	assert.InDelta(t, 0.9, Adjustment(DefaultIndustryMultipliers, "professional services", "Acme"), 1e-9)
	assert.Equal(t, SizeSmall, ClassifySize("Lopez & Sons"))
}

func TestSlopeAndSeasonality(t *testing.T) {
	assert.InDelta(t, 10, Slope([]float64{10, 20, 30}), 1e-9)
	assert.Zero(t, Slope([]float64{42}))

	history := []storage.CheckResult{
		{ComplianceScore: 60, CheckedAt: time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)},
		{ComplianceScore: 80, CheckedAt: time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC)},
		{ComplianceScore: 100, CheckedAt: time.Date(2025, 9, 5, 0, 0, 0, 0, time.UTC)},
	}
	assert.InDelta(t, -0.2, Seasonality(history, time.March), 1e-9)
	assert.Zero(t, Seasonality(history, time.January))
}

func TestPredictiveComponent(t *testing.T) {
	degrading := []storage.CheckResult{{ComplianceScore: 90}, {ComplianceScore: 60}}
	// slope -30 saturates strength; 0.5 - 0.3 - 0.2*0.1
	assert.InDelta(t, 0.18, PredictiveComponent(degrading, nil, 30, fixedNow), 1e-9)
	assert.Equal(t, 0.5, PredictiveComponent(degrading[:1], nil, 30, fixedNow))
}

func TestDaysUntilDeadline(t *testing.T) {
	assert.Equal(t, 14, DaysUntilDeadline(fixedNow, 17, time.UTC))
	assert.Equal(t, 0, DaysUntilDeadline(time.Date(2026, 3, 17, 23, 0, 0, 0, time.UTC), 17, time.UTC))
	assert.Equal(t, 28, DaysUntilDeadline(time.Date(2026, 3, 20, 8, 0, 0, 0, time.UTC), 17, time.UTC))
	assert.Equal(t, 0.9, DeadlinePenalty(5))
	assert.Equal(t, 0.6, DeadlinePenalty(10))
	assert.Equal(t, 0.3, DeadlinePenalty(20))
	assert.Equal(t, 0.1, DeadlinePenalty(21))
}

func TestRiskScoreBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("risk score stays within [0, 1]", prop.ForAll(
		func(active, vat, complete bool, overdue, late int, scores []float64, industry string) bool {
			ctx := context.Background()
			store := storage.NewMemoryStore()
			for i, s := range scores {
				_, _ = store.AppendCheckResult(ctx, storage.CheckResult{
					EntityID:        "ACM010101AB1",
					ComplianceScore: s,
					CheckedAt:       fixedNow.AddDate(0, 0, -(i+1)*7),
					AlertTypes:      []string{MarkerMissedDeadline},
				})
			}
			snap := &storage.ComplianceSnapshot{
				Fiscal:       &storage.FiscalStatus{Active: active},
				Registration: &storage.RegistrationStatus{VATRegistered: vat},
				Profile:      &storage.TaxpayerProfile{Name: "Grupo Holding", Industry: industry, Complete: complete, OverdueFilings: overdue, LateCorrections: late},
			}
			score := newTestEngine(store).CalculateRiskScore(ctx, "ACM010101AB1", snap)
			return score >= 0 && score <= 1
		},
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.IntRange(0, 20),
		gen.IntRange(0, 20),
		gen.SliceOf(gen.Float64Range(0, 100)),
		gen.OneConstOf("construction", "financial", "nonprofit", "unknown"),
	))

	properties.TestingRun(t)
}
