package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliance-watch/internal/alerting"
	"compliance-watch/internal/storage"
)

var tuesday9 = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

func weekdayHours() BusinessHours {
	return BusinessHours{
		Days:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Start: 8 * time.Hour,
		End:   18 * time.Hour,
		Grace: 30 * time.Minute,
	}
}

type recorder struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recorder) Dispatch(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func (r *recorder) snapshot() []alerting.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Notification(nil), r.notes...)
}

type fixture struct {
	engine *Engine
	store  *storage.MemoryStore
	notes  *recorder
	now    time.Time
	mu     sync.Mutex
}

func (f *fixture) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), notes: &recorder{}, now: now}
	f.engine = NewEngine(f.store, f.notes, Options{
		Hours: weekdayHours(),
		Contacts: []Contact{
			{Level: 1, Name: "compliance analyst", Channels: []string{"log"}},
			{Level: 2, Name: "compliance lead", Channels: []string{"log", "telegram"}},
		},
		Now: f.Now,
	}, nil, zerolog.Nop())
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *fixture) alert(t *testing.T, severity storage.Severity) storage.Alert {
	t.Helper()
	alert, err := f.store.InsertAlert(context.Background(), storage.Alert{
		EntityID:  "ABC010101XY1",
		Type:      "fiscal_status_change",
		Severity:  severity,
		Message:   "fiscal status changed to inactive",
		State:     storage.AlertActive,
		CreatedAt: f.Now(),
	})
	require.NoError(t, err)
	return alert
}

func TestBusinessHoursAdjust(t *testing.T) {
	hours := weekdayHours()

	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	delay := hours.Adjust(saturday, 30*time.Minute)
	assert.Equal(t, time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC), saturday.Add(delay))

	assert.Equal(t, 30*time.Minute, hours.Adjust(tuesday9, 30*time.Minute))

	earlyMonday := time.Date(2026, 3, 9, 7, 50, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Minute, hours.Adjust(earlyMonday, 30*time.Minute))

	fridayEvening := time.Date(2026, 3, 6, 18, 10, 0, 0, time.UTC)
	delay = hours.Adjust(fridayEvening, time.Hour)
	assert.Equal(t, time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC), fridayEvening.Add(delay))

	assert.True(t, hours.Contains(tuesday9))
	assert.False(t, hours.Contains(time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2*time.Hour, BusinessHours{}.Adjust(saturday, 2*time.Hour))
}

func TestScheduleEscalationWithinHours(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tuesday9)
	alert := f.alert(t, storage.SeverityCritical)

	require.NoError(t, f.engine.ScheduleEscalation(ctx, alert))
	state, err := f.store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Active)
	assert.Equal(t, 0, state.Level)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC), state.NextEscalationAt)
	assert.Equal(t, []string{alert.ID}, f.engine.Pending())

	f.advance(10 * time.Minute)
	require.NoError(t, f.engine.ScheduleEscalation(ctx, alert))
	again, err := f.store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ScheduledAt, again.ScheduledAt)
}

func TestLowSeverityNeverEscalates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tuesday9)
	alert := f.alert(t, storage.SeverityLow)

	require.NoError(t, f.engine.ScheduleEscalation(ctx, alert))
	state, err := f.store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Empty(t, f.engine.Pending())
}

func TestExecuteEscalationWalksLevelsToTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tuesday9)
	alert := f.alert(t, storage.SeverityCritical)
	require.NoError(t, f.engine.ScheduleEscalation(ctx, alert))

	f.advance(30 * time.Minute)
	require.NoError(t, f.engine.ExecuteEscalation(ctx, alert.ID))
	state, err := f.store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Level)
	assert.Equal(t, f.Now().Add(60*time.Minute), state.NextEscalationAt)

	notes := f.notes.snapshot()
	require.Len(t, notes, 1)
	assert.Equal(t, alerting.KindEscalation, notes[0].Kind)
	assert.Equal(t, "compliance analyst", notes[0].Contact)

	f.advance(60 * time.Minute)
	require.NoError(t, f.engine.ExecuteEscalation(ctx, alert.ID))
	state, err = f.store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Level)
	assert.Equal(t, f.Now().Add(180*time.Minute), state.NextEscalationAt)

	f.advance(180 * time.Minute)
	require.NoError(t, f.engine.ExecuteEscalation(ctx, alert.ID))
	state, err = f.store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.Equal(t, 3, state.Level)
	assert.Equal(t, ReasonMaxLevel, state.ClosedReason)

	stored, err := f.store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.EscalationLevel)

	tickets, err := f.store.ListCriticalTickets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, alert.ID, tickets[0].AlertID)

	notes = f.notes.snapshot()
	require.Len(t, notes, 4)
	assert.Equal(t, "compliance lead", notes[2].Contact)
	assert.Equal(t, alerting.KindExhausted, notes[3].Kind)

	// further steps are inert
	require.NoError(t, f.engine.ExecuteEscalation(ctx, alert.ID))
	tickets, err = f.store.ListCriticalTickets(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
	assert.Empty(t, f.engine.Pending())
}

func TestAcknowledgementCancelsEscalation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tuesday9)
	alert := f.alert(t, storage.SeverityCritical)
	require.NoError(t, f.engine.ScheduleEscalation(ctx, alert))

	_, _, err := f.store.AcknowledgeAlert(ctx, alert.ID, "ops", f.Now())
	require.NoError(t, err)
	require.NoError(t, f.engine.CancelEscalation(ctx, alert.ID, ReasonAcknowledged))
	assert.Empty(t, f.engine.Pending())

	f.advance(2 * time.Hour)
	require.NoError(t, f.engine.ExecuteEscalation(ctx, alert.ID))
	assert.Empty(t, f.notes.snapshot())

	state, err := f.store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.Equal(t, ReasonAcknowledged, state.ClosedReason)
}

func TestExecuteRechecksAlertState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tuesday9)
	alert := f.alert(t, storage.SeverityHigh)
	require.NoError(t, f.engine.ScheduleEscalation(ctx, alert))

	// resolved without the cancel having run yet
	_, _, err := f.store.ResolveAlert(ctx, alert.ID, "ops", "fixed", f.Now())
	require.NoError(t, err)

	require.NoError(t, f.engine.ExecuteEscalation(ctx, alert.ID))
	assert.Empty(t, f.notes.snapshot())
	state, err := f.store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.Equal(t, ReasonResolved, state.ClosedReason)
}

func TestRecoverRearmsPersistedEscalations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, tuesday9)
	overdue := f.alert(t, storage.SeverityCritical)
	future := f.alert(t, storage.SeverityHigh)

	require.NoError(t, f.store.UpsertEscalation(ctx, storage.EscalationState{
		AlertID: overdue.ID, EntityID: overdue.EntityID, Severity: overdue.Severity,
		ScheduledAt: tuesday9.Add(-time.Hour), NextEscalationAt: tuesday9.Add(-30 * time.Minute), Active: true,
	}))
	require.NoError(t, f.store.UpsertEscalation(ctx, storage.EscalationState{
		AlertID: future.ID, EntityID: future.EntityID, Severity: future.Severity,
		ScheduledAt: tuesday9, NextEscalationAt: tuesday9.Add(time.Hour), Active: true,
	}))

	recovered, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	require.Eventually(t, func() bool {
		state, err := f.store.GetEscalation(ctx, overdue.ID)
		return err == nil && state.Level == 1
	}, time.Second, 5*time.Millisecond)

	futureState, err := f.store.GetEscalation(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, futureState.Level)
	assert.Contains(t, f.engine.Pending(), future.ID)
}

func TestContactAndIntervalLookup(t *testing.T) {
	f := newFixture(t, tuesday9)
	assert.Equal(t, "compliance lead", f.engine.ContactFor(3).Name)
	assert.Equal(t, "level 0", f.engine.ContactFor(0).Name)
	assert.Equal(t, 60*time.Minute, f.engine.IntervalFor(1))
	assert.Equal(t, 360*time.Minute, f.engine.IntervalFor(5))
}

// ackOnRead acknowledges the alert right after the engine has read it.
type ackOnRead struct {
	*storage.MemoryStore
	once sync.Once
	at   time.Time
}

func (s *ackOnRead) GetAlert(ctx context.Context, id string) (storage.Alert, error) {
	alert, err := s.MemoryStore.GetAlert(ctx, id)
	s.once.Do(func() {
		_, _, _ = s.MemoryStore.AcknowledgeAlert(ctx, id, "ops", s.at)
	})
	return alert, err
}

// failFinalUpsert rejects the first write of a state at the given level.
type failFinalUpsert struct {
	*storage.MemoryStore
	level  int
	failed bool
}

func (s *failFinalUpsert) UpsertEscalation(ctx context.Context, st storage.EscalationState) error {
	if st.Level == s.level && !s.failed {
		s.failed = true
		return errors.New("connection reset")
	}
	return s.MemoryStore.UpsertEscalation(ctx, st)
}

func newEngineWithStore(t *testing.T, store Store, notes *recorder) *Engine {
	t.Helper()
	engine := NewEngine(store, notes, Options{
		Hours: weekdayHours(),
		Now:   func() time.Time { return tuesday9 },
	}, nil, zerolog.Nop())
	t.Cleanup(engine.Stop)
	return engine
}

func TestAcknowledgedDuringStepIsNotEscalated(t *testing.T) {
	ctx := context.Background()
	store := &ackOnRead{MemoryStore: storage.NewMemoryStore(), at: tuesday9}
	notes := &recorder{}
	engine := newEngineWithStore(t, store, notes)

	alert, err := store.InsertAlert(ctx, storage.Alert{
		EntityID: "ABC010101XY1", Type: "fiscal_status_change", Severity: storage.SeverityCritical,
		Message: "fiscal status changed to inactive", State: storage.AlertActive, CreatedAt: tuesday9,
	})
	require.NoError(t, err)
	require.NoError(t, engine.ScheduleEscalation(ctx, alert))

	require.NoError(t, engine.ExecuteEscalation(ctx, alert.ID))

	stored, err := store.MemoryStore.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AlertAcknowledged, stored.State)
	assert.Equal(t, 0, stored.EscalationLevel)
	assert.Empty(t, notes.snapshot())
	assert.Empty(t, engine.Pending())

	state, err := store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.Equal(t, ReasonAcknowledged, state.ClosedReason)
}

func TestFinalLevelPersistFailureRetries(t *testing.T) {
	ctx := context.Background()
	store := &failFinalUpsert{MemoryStore: storage.NewMemoryStore(), level: 3}
	notes := &recorder{}
	engine := newEngineWithStore(t, store, notes)

	alert, err := store.InsertAlert(ctx, storage.Alert{
		EntityID: "ABC010101XY1", Type: "fiscal_status_change", Severity: storage.SeverityCritical,
		Message: "fiscal status changed to inactive", State: storage.AlertActive, CreatedAt: tuesday9,
	})
	require.NoError(t, err)
	require.NoError(t, store.MemoryStore.UpsertEscalation(ctx, storage.EscalationState{
		AlertID: alert.ID, EntityID: alert.EntityID, Severity: alert.Severity,
		Level: 2, ScheduledAt: tuesday9, NextEscalationAt: tuesday9, Active: true,
	}))

	err = engine.ExecuteEscalation(ctx, alert.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist final escalation")

	tickets, err := store.ListCriticalTickets(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tickets)
	state, err := store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.Contains(t, engine.Pending(), alert.ID)

	require.NoError(t, engine.ExecuteEscalation(ctx, alert.ID))
	tickets, err = store.ListCriticalTickets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	state, err = store.GetEscalation(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.Equal(t, 3, state.Level)
	assert.Equal(t, ReasonMaxLevel, state.ClosedReason)
}
