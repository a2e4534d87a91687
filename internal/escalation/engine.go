// Package escalation pushes unattended alerts up a chain of contacts on a
// business-hours aware timer whose state survives restarts.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"compliance-watch/internal/alerting"
	"compliance-watch/internal/metrics"
	"compliance-watch/internal/scheduler"
	"compliance-watch/internal/storage"
)

// Reasons recorded when an escalation closes.
const (
	ReasonAcknowledged = "acknowledged"
	ReasonResolved     = "resolved"
	ReasonMaxLevel     = "max_level_reached"
	ReasonAlertGone    = "alert_missing"
)

// Store is the persistence the engine needs.
type Store interface {
	storage.AlertStore
	storage.EscalationStore
	storage.TicketStore
}

// Dispatcher delivers escalation notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, note alerting.Notification) error
}

// Contact receives notifications for one escalation level.
type Contact struct {
	Level    int
	Name     string
	Channels []string
}

// Options configure the engine.
type Options struct {
	MaxLevel      int
	Intervals     []time.Duration
	InitialDelays map[storage.Severity]time.Duration
	Hours         BusinessHours
	Contacts      []Contact
	// RetryDelay re-arms a step whose execution failed transiently.
	RetryDelay  time.Duration
	StepTimeout time.Duration
	Now         func() time.Time
}

// DefaultInitialDelays are the silence periods before level 1.
var DefaultInitialDelays = map[storage.Severity]time.Duration{
	storage.SeverityCritical: 30 * time.Minute,
	storage.SeverityHigh:     2 * time.Hour,
	storage.SeverityMedium:   time.Hour,
}

// Engine is the escalation engine.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	opts       Options
	timers     *scheduler.Timers
	metrics    *metrics.Recorder
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	locks map[string]*alertLock
}

type alertLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine builds an escalation engine. Timer callbacks run with a context
// cancelled by Stop.
func NewEngine(store Store, dispatcher Dispatcher, opts Options, rec *metrics.Recorder, logger zerolog.Logger) *Engine {
	if opts.MaxLevel <= 0 {
		opts.MaxLevel = 3
	}
	if len(opts.Intervals) == 0 {
		opts.Intervals = []time.Duration{60 * time.Minute, 180 * time.Minute, 360 * time.Minute}
	}
	if opts.InitialDelays == nil {
		opts.InitialDelays = DefaultInitialDelays
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Minute
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		timers:     scheduler.NewTimers(),
		metrics:    rec,
		logger:     logger.With().Str("component", "escalation_engine").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		locks:      make(map[string]*alertLock),
	}
}

func (e *Engine) lock(alertID string) func() {
	e.mu.Lock()
	l, ok := e.locks[alertID]
	if !ok {
		l = &alertLock{}
		e.locks[alertID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, alertID)
		}
		e.mu.Unlock()
	}
}

// ScheduleEscalation arms level 1 for alert. It is a no-op when an
// escalation is already active or the severity never escalates.
func (e *Engine) ScheduleEscalation(ctx context.Context, alert storage.Alert) error {
	delay, ok := e.opts.InitialDelays[alert.Severity]
	if !ok || delay <= 0 {
		return nil
	}

	unlock := e.lock(alert.ID)
	defer unlock()

	existing, err := e.store.GetEscalation(ctx, alert.ID)
	if err != nil {
		return fmt.Errorf("load escalation %s: %w", alert.ID, err)
	}
	if existing != nil && existing.Active {
		return nil
	}

	now := e.opts.Now().UTC()
	state := storage.EscalationState{
		AlertID:          alert.ID,
		EntityID:         alert.EntityID,
		Severity:         alert.Severity,
		Level:            alert.EscalationLevel,
		ScheduledAt:      now,
		NextEscalationAt: now.Add(e.opts.Hours.Adjust(now, delay)),
		Active:           true,
	}
	if err := e.store.UpsertEscalation(ctx, state); err != nil {
		return fmt.Errorf("persist escalation %s: %w", alert.ID, err)
	}
	e.arm(alert.ID, state.NextEscalationAt)

	e.logger.Info().
		Str("alert_id", alert.ID).
		Str("severity", string(alert.Severity)).
		Time("next_escalation_at", state.NextEscalationAt).
		Msg("escalation scheduled")
	return nil
}

func (e *Engine) arm(alertID string, at time.Time) {
	e.timers.After(alertID, at.Sub(e.opts.Now()), func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.StepTimeout)
		defer cancel()
		if err := e.ExecuteEscalation(ctx, alertID); err != nil {
			e.logger.Error().Err(err).Str("alert_id", alertID).Msg("escalation step failed")
		}
	})
}

// ExecuteEscalation performs the next escalation step for alertID. The alert
// state is re-read before any effect is committed; a closed escalation or an
// alert that is no longer active ends silently.
func (e *Engine) ExecuteEscalation(ctx context.Context, alertID string) error {
	unlock := e.lock(alertID)
	defer unlock()

	state, err := e.store.GetEscalation(ctx, alertID)
	if err != nil {
		e.retry(alertID)
		return fmt.Errorf("load escalation %s: %w", alertID, err)
	}
	if state == nil || !state.Active {
		return nil
	}

	alert, err := e.store.GetAlert(ctx, alertID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return e.close(ctx, alertID, ReasonAlertGone)
	case err != nil:
		e.retry(alertID)
		return fmt.Errorf("load alert %s: %w", alertID, err)
	}
	if alert.State != storage.AlertActive {
		return e.close(ctx, alertID, closedReason(alert.State))
	}

	if state.Level >= e.opts.MaxLevel {
		return e.exhaust(ctx, *state, alert)
	}

	now := e.opts.Now().UTC()
	level := state.Level + 1
	escalated, err := e.store.SetAlertEscalationLevel(ctx, alertID, level)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return e.close(ctx, alertID, ReasonAlertGone)
	case err != nil:
		e.retry(alertID)
		return fmt.Errorf("set escalation level %s: %w", alertID, err)
	case !escalated:
		// acknowledged or resolved after the read above
		return e.closeStale(ctx, alertID)
	}
	state.Level = level
	state.LastEscalatedAt = &now

	contact := e.ContactFor(level)
	e.metrics.Escalated(level)
	e.logger.Warn().
		Str("alert_id", alertID).
		Str("entity_id", alert.EntityID).
		Int("level", level).
		Str("contact", contact.Name).
		Msg("alert escalated")
	if e.dispatcher != nil {
		err := e.dispatcher.Dispatch(ctx, alerting.Notification{
			Kind:      alerting.KindEscalation,
			AlertID:   alertID,
			EntityID:  alert.EntityID,
			AlertType: alert.Type,
			Severity:  string(alert.Severity),
			Message:   alert.Message,
			Level:     level,
			Contact:   contact.Name,
			Channels:  contact.Channels,
			At:        now,
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("alert_id", alertID).Int("level", level).Msg("escalation notification incomplete")
		}
	}

	if level >= e.opts.MaxLevel {
		if err := e.store.UpsertEscalation(ctx, *state); err != nil {
			e.retry(alertID)
			return fmt.Errorf("persist final escalation %s: %w", alertID, err)
		}
		alert.EscalationLevel = level
		return e.exhaust(ctx, *state, alert)
	}

	state.NextEscalationAt = now.Add(e.opts.Hours.Adjust(now, e.IntervalFor(level)))
	if err := e.store.UpsertEscalation(ctx, *state); err != nil {
		e.retry(alertID)
		return fmt.Errorf("persist escalation %s: %w", alertID, err)
	}
	e.arm(alertID, state.NextEscalationAt)
	return nil
}

// exhaust records the critical ticket and ends the escalation.
func (e *Engine) exhaust(ctx context.Context, state storage.EscalationState, alert storage.Alert) error {
	ticket, err := e.store.InsertCriticalTicket(ctx, storage.CriticalTicket{
		AlertID:   alert.ID,
		EntityID:  alert.EntityID,
		Severity:  alert.Severity,
		Level:     state.Level,
		Message:   fmt.Sprintf("escalation exhausted at level %d: %s", state.Level, alert.Message),
		CreatedAt: e.opts.Now().UTC(),
	})
	if err != nil {
		e.retry(alert.ID)
		return fmt.Errorf("create critical ticket for %s: %w", alert.ID, err)
	}
	e.metrics.TicketCreated()
	e.logger.Error().
		Str("alert_id", alert.ID).
		Str("entity_id", alert.EntityID).
		Str("ticket_id", ticket.ID).
		Int("level", state.Level).
		Msg("escalation exhausted, critical ticket created")

	if e.dispatcher != nil {
		err := e.dispatcher.Dispatch(ctx, alerting.Notification{
			Kind:      alerting.KindExhausted,
			AlertID:   alert.ID,
			EntityID:  alert.EntityID,
			AlertType: alert.Type,
			Severity:  string(alert.Severity),
			Message:   ticket.Message,
			Level:     state.Level,
			Contact:   e.ContactFor(state.Level).Name,
			At:        ticket.CreatedAt,
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("exhausted notification incomplete")
		}
	}
	return e.close(ctx, alert.ID, ReasonMaxLevel)
}

func (e *Engine) close(ctx context.Context, alertID, reason string) error {
	e.timers.Cancel(alertID)
	if err := e.store.CloseEscalation(ctx, alertID, reason); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("close escalation %s: %w", alertID, err)
	}
	e.logger.Info().Str("alert_id", alertID).Str("reason", reason).Msg("escalation closed")
	return nil
}

func (e *Engine) closeStale(ctx context.Context, alertID string) error {
	alert, err := e.store.GetAlert(ctx, alertID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return e.close(ctx, alertID, ReasonAlertGone)
	case err != nil:
		return e.close(ctx, alertID, ReasonAcknowledged)
	}
	return e.close(ctx, alertID, closedReason(alert.State))
}

func closedReason(state storage.AlertState) string {
	if state == storage.AlertResolved {
		return ReasonResolved
	}
	return ReasonAcknowledged
}

func (e *Engine) retry(alertID string) {
	e.arm(alertID, e.opts.Now().Add(e.opts.RetryDelay))
}

// CancelEscalation disarms the alert's timer and closes its state.
func (e *Engine) CancelEscalation(ctx context.Context, alertID, reason string) error {
	unlock := e.lock(alertID)
	defer unlock()

	e.timers.Cancel(alertID)
	state, err := e.store.GetEscalation(ctx, alertID)
	if err != nil {
		return fmt.Errorf("load escalation %s: %w", alertID, err)
	}
	if state == nil || !state.Active {
		return nil
	}
	return e.close(ctx, alertID, reason)
}

// Recover re-arms every persisted active escalation. Overdue steps run
// immediately. It returns how many escalations were re-armed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	states, err := e.store.ListActiveEscalations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active escalations: %w", err)
	}
	now := e.opts.Now()
	recovered := 0
	for _, st := range states {
		at := st.NextEscalationAt
		if !at.After(now) {
			at = now
		}
		e.arm(st.AlertID, at)
		recovered++
	}
	e.logger.Info().Int("recovered", recovered).Msg("escalations recovered")
	return recovered, nil
}

// Pending lists alert ids with an armed escalation timer.
func (e *Engine) Pending() []string {
	return e.timers.Keys()
}

// Stop disarms every timer and waits for running steps.
func (e *Engine) Stop() {
	e.cancel()
	e.timers.Stop()
}

// ContactFor returns the contact configured for level, falling back to the
// closest lower level.
func (e *Engine) ContactFor(level int) Contact {
	best := Contact{Level: level, Name: fmt.Sprintf("level %d", level)}
	found := -1
	for _, c := range e.opts.Contacts {
		if c.Level <= level && c.Level > found {
			best = c
			found = c.Level
		}
	}
	return best
}

// IntervalFor returns the wait after reaching level before the next step.
func (e *Engine) IntervalFor(level int) time.Duration {
	idx := level - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(e.opts.Intervals) {
		idx = len(e.opts.Intervals) - 1
	}
	return e.opts.Intervals[idx]
}
