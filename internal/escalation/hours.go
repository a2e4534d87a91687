package escalation

import (
	"time"

	"compliance-watch/internal/config"
)

// BusinessHours describes the working window escalations prefer.
type BusinessHours struct {
	Days     []time.Weekday
	Start    time.Duration // offset from midnight
	End      time.Duration
	Grace    time.Duration
	Location *time.Location
}

// BusinessHoursFromConfig parses the escalation working-hours settings.
func BusinessHoursFromConfig(cfg config.EscalationConfig, loc *time.Location) (BusinessHours, error) {
	days, err := config.ParseWeekdays(cfg.WorkingDays)
	if err != nil {
		return BusinessHours{}, err
	}
	sh, sm, err := config.ParseClock(cfg.WorkStart)
	if err != nil {
		return BusinessHours{}, err
	}
	eh, em, err := config.ParseClock(cfg.WorkEnd)
	if err != nil {
		return BusinessHours{}, err
	}
	return BusinessHours{
		Days:     days,
		Start:    time.Duration(sh)*time.Hour + time.Duration(sm)*time.Minute,
		End:      time.Duration(eh)*time.Hour + time.Duration(em)*time.Minute,
		Grace:    cfg.Grace,
		Location: loc,
	}, nil
}

func (b BusinessHours) loc() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

func (b BusinessHours) isWorkday(day time.Weekday) bool {
	for _, d := range b.Days {
		if d == day {
			return true
		}
	}
	return false
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Contains reports whether t falls inside working hours. An empty day list
// means every moment is working time.
func (b BusinessHours) Contains(t time.Time) bool {
	if len(b.Days) == 0 {
		return true
	}
	local := t.In(b.loc())
	if !b.isWorkday(local.Weekday()) {
		return false
	}
	offset := local.Sub(midnight(local))
	return offset >= b.Start && offset < b.End
}

// NextStart returns the first working-window opening strictly after t.
func (b BusinessHours) NextStart(t time.Time) time.Time {
	local := t.In(b.loc())
	day := midnight(local)
	for i := 0; i <= 7; i++ {
		candidate := day.AddDate(0, 0, i).Add(b.Start)
		if b.isWorkday(candidate.Weekday()) && candidate.After(local) {
			return candidate
		}
	}
	return local.Add(24 * time.Hour)
}

// Adjust defers delay out of non-working time. Inside working hours the delay
// is kept. Outside, it is kept when it already lands inside the next window
// before the grace period ends; otherwise it becomes the time until the next
// window opens plus the grace period.
func (b BusinessHours) Adjust(now time.Time, delay time.Duration) time.Duration {
	if len(b.Days) == 0 || b.Contains(now) {
		return delay
	}
	next := b.NextStart(now)
	landing := now.Add(delay)
	if b.Contains(landing) && !landing.After(next.Add(b.Grace)) {
		return delay
	}
	return next.Sub(now) + b.Grace
}
