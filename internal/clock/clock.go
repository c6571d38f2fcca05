// Package clock provides US/Eastern market-session helpers. All business
// logic timestamps use US/Eastern regardless of machine locale.
package clock

import (
	"fmt"
	"time"
)

var eastern *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// IANA tzdata unavailable; fall back to a fixed EST offset. This is
		// an approximation (no DST) and is logged by callers that care.
		loc = time.FixedZone("EST", -5*3600)
	}
	eastern = loc
}

// Eastern returns the US/Eastern location used for all business logic.
func Eastern() *time.Location { return eastern }

// Now returns the current time in US/Eastern.
func Now() time.Time { return time.Now().In(eastern) }

// TimeOfDay is a wall-clock HH:MM used for configured cutoffs, independent
// of date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return TimeOfDay{}, fmt.Errorf("clock: invalid time of day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("clock: time of day out of range %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// On returns t combined with the given date, in US/Eastern.
func (t TimeOfDay) On(date time.Time) time.Time {
	d := date.In(eastern)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, eastern)
}

// IsAtOrAfter reports whether now (Eastern) is at or after this time of day
// on now's date.
func (t TimeOfDay) IsAtOrAfter(now time.Time) bool {
	boundary := t.On(now)
	n := now.In(eastern)
	return n.Equal(boundary) || n.After(boundary)
}

// IsWeekday reports whether t falls on a trading weekday (Mon-Fri). Market
// holidays are out of scope; the broker adapter's isMarketOpen/getClock is
// the source of truth for that.
func IsWeekday(t time.Time) bool {
	d := t.In(eastern).Weekday()
	return d >= time.Monday && d <= time.Friday
}
