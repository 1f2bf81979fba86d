package entitlement

import "time"

// CalendarMonth returns the UTC calendar month containing now:
// [first day 00:00 UTC, first day of the next month 00:00 UTC).
// Response quotas reset on this boundary, not on a rolling 30-day window.
func CalendarMonth(now time.Time) Period {
	n := now.UTC()
	start := time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{
		Start: start,
		End:   start.AddDate(0, 1, 0),
	}
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
