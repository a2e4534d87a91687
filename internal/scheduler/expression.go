package scheduler

import (
	"fmt"
	"time"
)

// NextFire returns the first fire time strictly after from for a job with the
// given interval. Sub-hour intervals fire on minute multiples of the hour,
// sub-day intervals on hour multiples of the day, and longer intervals once at
// dailyHour every N days.
func NextFire(interval time.Duration, from time.Time, dailyHour int) time.Time {
	switch {
	case interval <= 0:
		return from
	case interval < time.Hour:
		step := int(interval / time.Minute)
		if step < 1 {
			step = 1
		}
		base := from.Truncate(time.Minute)
		minute := (base.Minute()/step + 1) * step
		if minute >= 60 {
			return time.Date(base.Year(), base.Month(), base.Day(), base.Hour()+1, 0, 0, 0, from.Location())
		}
		return time.Date(base.Year(), base.Month(), base.Day(), base.Hour(), minute, 0, 0, from.Location())
	case interval < 24*time.Hour:
		step := int(interval / time.Hour)
		hour := (from.Hour()/step + 1) * step
		if hour >= 24 {
			return time.Date(from.Year(), from.Month(), from.Day()+1, 0, 0, 0, 0, from.Location())
		}
		return time.Date(from.Year(), from.Month(), from.Day(), hour, 0, 0, 0, from.Location())
	default:
		target := from.Add(interval - 24*time.Hour)
		next := time.Date(target.Year(), target.Month(), target.Day(), dailyHour, 0, 0, 0, from.Location())
		if !next.After(target) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// Describe renders the schedule NextFire follows for an interval.
func Describe(interval time.Duration, dailyHour int) string {
	switch {
	case interval < time.Hour:
		return fmt.Sprintf("every %d minutes", int(interval/time.Minute))
	case interval < 24*time.Hour:
		return fmt.Sprintf("every %d hours", int(interval/time.Hour))
	default:
		return fmt.Sprintf("daily at %02d:00 every %d days", dailyHour, int(interval/(24*time.Hour)))
	}
}
