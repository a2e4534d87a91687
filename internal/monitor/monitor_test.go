package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliance-watch/internal/alerts"
	"compliance-watch/internal/apperr"
	"compliance-watch/internal/cache"
	"compliance-watch/internal/storage"
)

const entityID = "ABC010101XY1"

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	err     error
	active  bool
	block   chan struct{}
	entered chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{active: true}
}

func (f *fakeSource) FetchSnapshot(_ context.Context, id string) (*storage.ComplianceSnapshot, error) {
	f.mu.Lock()
	f.calls++
	err, active, block, entered := f.err, f.active, f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	status := "active"
	if !active {
		status = "suspended"
	}
	return &storage.ComplianceSnapshot{
		EntityID:     id,
		Fiscal:       &storage.FiscalStatus{Active: active, Status: status},
		Registration: &storage.RegistrationStatus{VATRegistered: true, Status: "registered"},
		Profile:      &storage.TaxpayerProfile{Name: "Acme", Complete: true},
	}, nil
}

func (f *fakeSource) set(fn func(*fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeScorer struct {
	mu     sync.Mutex
	scores []float64
}

func (f *fakeScorer) CalculateRiskScore(context.Context, string, *storage.ComplianceSnapshot) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	score := f.scores[0]
	if len(f.scores) > 1 {
		f.scores = f.scores[1:]
	}
	return score
}

type fakeCreator struct {
	mu     sync.Mutex
	inputs []alerts.AlertInput
}

func (f *fakeCreator) CreateAlert(_ context.Context, in alerts.AlertInput) (alerts.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return alerts.CreateResult{
		Alert:  storage.Alert{ID: "alert-1", EntityID: in.EntityID, Type: in.Type, Severity: storage.Severity(in.Severity)},
		Action: alerts.ActionCreated,
	}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	monitor *Monitor
	store   *storage.MemoryStore
	source  *fakeSource
	scorer  *fakeScorer
	creator *fakeCreator
	clock   *clock
}

func newHarness(t *testing.T, c cache.Cache, opts Options, scores ...float64) *harness {
	t.Helper()
	if len(scores) == 0 {
		scores = []float64{0.1}
	}
	h := &harness{
		store:   storage.NewMemoryStore(),
		source:  newFakeSource(),
		scorer:  &fakeScorer{scores: scores},
		creator: &fakeCreator{},
		clock:   &clock{now: time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)},
	}
	opts.Now = h.clock.Now
	h.monitor = New(h.store, h.source, h.scorer, h.creator, c, opts, nil, zerolog.Nop())
	t.Cleanup(h.monitor.Stop)
	return h
}

func (h *harness) idle(id string) bool {
	h.monitor.mu.Lock()
	defer h.monitor.mu.Unlock()
	_, busy := h.monitor.inflight[id]
	return !busy
}

func (h *harness) completedChecks(id string) int {
	n := 0
	for _, entry := range h.store.PollingLogs() {
		if entry.EntityID == id && entry.Phase == storage.PhaseComplete {
			n++
		}
	}
	return n
}

func TestIntervalForScore(t *testing.T) {
	cases := []struct {
		score float64
		want  int
	}{
		{0.92, 15},
		{0.85, 15},
		{0.70, 60},
		{0.55, 360},
		{0.40, 360},
		{0.39, 1440},
		{0, 1440},
	}
	for _, tc := range cases {
		if got := IntervalForScore(DefaultIntervals, tc.score); got != tc.want {
			t.Fatalf("IntervalForScore(%v) = %d, want %d", tc.score, got, tc.want)
		}
	}
}

func TestIntervalForScoreIsMonotonic(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("higher risk never polls less often", prop.ForAll(
		func(a, b float64) bool {
			low, high := a, b
			if low > high {
				low, high = high, low
			}
			return IntervalForScore(DefaultIntervals, high) <= IntervalForScore(DefaultIntervals, low)
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))
	properties.TestingRun(t)
}

func TestDetectChanges(t *testing.T) {
	first := DetectChanges(nil, &storage.ComplianceSnapshot{}, 0.3, 0.2)
	require.Len(t, first, 1)
	assert.Equal(t, ChangeFirstCheck, first[0].Type)
	assert.Equal(t, storage.SeverityInfo, first[0].Severity)

	previous := &storage.CheckResult{
		RiskScore: 0.2,
		Snapshot: storage.ComplianceSnapshot{
			Fiscal:       &storage.FiscalStatus{Active: true},
			Registration: &storage.RegistrationStatus{VATRegistered: true},
			Profile:      &storage.TaxpayerProfile{OverdueFilings: 1, LateCorrections: 2},
		},
	}
	current := &storage.ComplianceSnapshot{
		Fiscal:       &storage.FiscalStatus{Active: false, Status: "suspended"},
		Registration: &storage.RegistrationStatus{VATRegistered: false},
		Profile:      &storage.TaxpayerProfile{OverdueFilings: 2, LateCorrections: 3},
	}
	changes := DetectChanges(previous, current, 0.45, 0.2)

	got := make(map[string]storage.Severity, len(changes))
	for _, c := range changes {
		got[c.Type] = c.Severity
	}
	assert.Equal(t, map[string]storage.Severity{
		ChangeFiscalStatus:   storage.SeverityCritical,
		ChangeRegistration:   storage.SeverityHigh,
		ChangeMissedDeadline: storage.SeverityHigh,
		ChangeLateCorrection: storage.SeverityMedium,
		ChangeRiskIncrease:   storage.SeverityMedium,
	}, got)

	// restored status and missing sub-checks
	restored := DetectChanges(&storage.CheckResult{
		RiskScore: 0.5,
		Snapshot:  storage.ComplianceSnapshot{Fiscal: &storage.FiscalStatus{Active: false}},
	}, &storage.ComplianceSnapshot{
		Fiscal:       &storage.FiscalStatus{Active: true},
		Registration: &storage.RegistrationStatus{VATRegistered: false},
	}, 0.1, 0.2)
	require.Len(t, restored, 1)
	assert.Equal(t, storage.SeverityLow, restored[0].Severity)
}

func TestCheckRecordsResultAndRaisesAlerts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Options{RiskJumpThreshold: 0.2}, 0.2, 0.6)
	_, err := h.monitor.AddEntityMonitoring(ctx, "abc010101xy1", EntityConfig{Name: "Acme"})
	require.NoError(t, err)

	outcome, err := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, ChangeFirstCheck, outcome.Result.Changes[0].Type)
	assert.InDelta(t, 80, outcome.Result.ComplianceScore, 1e-9)
	assert.Empty(t, outcome.Alerts)

	h.source.set(func(s *fakeSource) { s.active = false })
	h.clock.advance(time.Hour)
	outcome, err = h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.NoError(t, err)

	require.Len(t, outcome.Alerts, 1)
	assert.Equal(t, ChangeFiscalStatus, h.creator.inputs[0].Type)
	assert.Equal(t, "critical", h.creator.inputs[0].Severity)
	assert.True(t, outcome.Result.HasAlertType(ChangeFiscalStatus))
	assert.True(t, outcome.Result.HasAlertType(ChangeRiskIncrease))

	entity, err := h.store.GetEntity(ctx, entityID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, entity.RiskScore, 1e-9)
	assert.Equal(t, storage.StatusForScore(0.6), entity.Status)
	assert.Equal(t, 360, entity.IntervalMinutes)
	require.NotNil(t, entity.LastCheckAt)
	assert.Equal(t, h.clock.Now(), *entity.LastCheckAt)

	var phases []string
	for _, entry := range h.store.PollingLogs() {
		phases = append(phases, entry.Phase)
	}
	assert.Equal(t, []string{storage.PhaseStart, storage.PhaseComplete, storage.PhaseStart, storage.PhaseComplete}, phases)
}

func TestCheckRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Options{})

	_, err := h.monitor.PerformComplianceCheck(ctx, "bad id", TriggerManual)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	assert.Zero(t, h.source.callCount())
}

func TestBreakerOpensOnFifthFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Options{Cooldown: 50 * time.Millisecond})
	_, err := h.monitor.AddEntityMonitoring(ctx, entityID, EntityConfig{})
	require.NoError(t, err)
	h.source.set(func(s *fakeSource) { s.err = errors.New("authority timeout") })

	for i := 0; i < 4; i++ {
		outcome, err := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
		require.Error(t, err)
		assert.Equal(t, StatusFailed, outcome.Status)
		assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))
	}
	assert.Equal(t, "closed", h.monitor.BreakerState())

	_, err = h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.Error(t, err)
	assert.Equal(t, "open", h.monitor.BreakerState())

	outcome, err := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	assert.Equal(t, StatusSkippedBreaker, outcome.Status)
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))
	assert.Equal(t, 5, h.source.callCount())

	time.Sleep(80 * time.Millisecond)
	h.source.set(func(s *fakeSource) { s.err = nil })
	outcome, err = h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "closed", h.monitor.BreakerState())
}

func TestBreakerCountsFromClosedAfterCooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Options{Cooldown: 50 * time.Millisecond})
	_, err := h.monitor.AddEntityMonitoring(ctx, entityID, EntityConfig{})
	require.NoError(t, err)
	h.source.set(func(s *fakeSource) { s.err = errors.New("authority timeout") })

	for i := 0; i < 5; i++ {
		_, _ = h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	}
	require.Equal(t, "open", h.monitor.BreakerState())

	time.Sleep(80 * time.Millisecond)
	outcome, err := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, "closed", h.monitor.BreakerState())

	for i := 0; i < 3; i++ {
		outcome, _ = h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
		assert.Equal(t, StatusFailed, outcome.Status)
	}
	assert.Equal(t, "closed", h.monitor.BreakerState())

	_, _ = h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	assert.Equal(t, "open", h.monitor.BreakerState())
	assert.Equal(t, 10, h.source.callCount())
}

func TestCachedResultSkipsFetch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Options{})
	h.monitor.cache = cache.NewMemory(h.clock.Now)
	_, err := h.monitor.AddEntityMonitoring(ctx, entityID, EntityConfig{})
	require.NoError(t, err)

	first, err := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)

	h.clock.advance(2 * time.Minute)
	second, err := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusCached, second.Status)
	require.NotNil(t, second.Result)
	assert.Equal(t, first.Result.RiskScore, second.Result.RiskScore)
	assert.Equal(t, 1, h.source.callCount())

	h.clock.advance(4 * time.Minute)
	third, err := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, third.Status)
	assert.Equal(t, 2, h.source.callCount())
}

func TestScoreDropReschedulesJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Options{}, 0.92, 0.55)
	_, err := h.monitor.Start(ctx)
	require.NoError(t, err)

	entity, err := h.monitor.AddEntityMonitoring(ctx, entityID, EntityConfig{})
	require.NoError(t, err)
	assert.Equal(t, 360, entity.IntervalMinutes)

	// never checked, so the job fires straight away
	require.Eventually(t, func() bool {
		return h.completedChecks(entityID) == 1 && h.idle(entityID)
	}, time.Second, 5*time.Millisecond)
	job, ok := h.monitor.jobs.Get(entityID)
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, job.Interval)
	assert.Equal(t, "every 15 minutes", job.Expression)

	outcome, err := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 360, outcome.IntervalMinutes)
	assert.True(t, outcome.Rescheduled)

	jobs := h.monitor.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 360*time.Minute, jobs[0].Interval)
	assert.Equal(t, "every 6 hours", jobs[0].Expression)
}

func TestResyncFollowsRescoredEntities(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Options{}, 0.92)
	_, err := h.monitor.Start(ctx)
	require.NoError(t, err)
	_, err = h.monitor.AddEntityMonitoring(ctx, entityID, EntityConfig{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.completedChecks(entityID) == 1 && h.idle(entityID)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.store.UpdateEntityScore(ctx, entityID, 0.2, storage.StatusForScore(0.2)))
	moved, err := h.monitor.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	job, ok := h.monitor.jobs.Get(entityID)
	require.True(t, ok)
	assert.Equal(t, 1440*time.Minute, job.Interval)
	entity, err := h.store.GetEntity(ctx, entityID)
	require.NoError(t, err)
	assert.Equal(t, 1440, entity.IntervalMinutes)
	require.NotNil(t, entity.NextCheckAt)
	assert.Equal(t, job.NextRun, *entity.NextCheckAt)

	moved, err = h.monitor.Resync(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestSmallIntervalChangeKeepsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Options{}, 0.75)
	_, err := h.monitor.Start(ctx)
	require.NoError(t, err)
	_, err = h.monitor.AddEntityMonitoring(ctx, entityID, EntityConfig{IntervalMinutes: 45})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.completedChecks(entityID) == 1 && h.idle(entityID)
	}, time.Second, 5*time.Millisecond)
	job, ok := h.monitor.jobs.Get(entityID)
	require.True(t, ok)
	assert.Equal(t, 45*time.Minute, job.Interval)
}

func TestRemoveEntityMonitoringCancelsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Options{})
	_, err := h.monitor.AddEntityMonitoring(ctx, entityID, EntityConfig{})
	require.NoError(t, err)
	_, err = h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.NoError(t, err)

	_, err = h.monitor.Start(ctx)
	require.NoError(t, err)
	require.Len(t, h.monitor.Jobs(), 1)

	require.NoError(t, h.monitor.RemoveEntityMonitoring(ctx, entityID))
	require.NoError(t, h.monitor.RemoveEntityMonitoring(ctx, entityID))
	assert.Empty(t, h.monitor.Jobs())

	entity, err := h.store.GetEntity(ctx, entityID)
	require.NoError(t, err)
	assert.False(t, entity.Enabled)

	outcome, err := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedDisabled, outcome.Status)

	err = h.monitor.RemoveEntityMonitoring(ctx, "XYZ010101AB1")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestConcurrentCheckIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Options{})
	_, err := h.monitor.AddEntityMonitoring(ctx, entityID, EntityConfig{})
	require.NoError(t, err)

	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.source.set(func(s *fakeSource) { s.block, s.entered = block, entered })

	done := make(chan CheckOutcome, 1)
	go func() {
		outcome, _ := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
		done <- outcome
	}()
	<-entered

	outcome, err := h.monitor.PerformComplianceCheck(ctx, entityID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedInflight, outcome.Status)

	close(block)
	assert.Equal(t, StatusCompleted, (<-done).Status)
	assert.Equal(t, 1, h.source.callCount())
}
