package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar day used for authorization validity windows
// =============================================================================

const DateLayout = "2006-01-02"

// Date is a calendar day normalized to midnight UTC.
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t as observed in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return NewDate(local.Year(), local.Month(), local.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return NewDate(t.Year(), t.Month(), t.Day()), nil
}

func (d Date) Before(other Date) bool { return d.normalize().Before(other.normalize()) }
func (d Date) After(other Date) bool  { return d.normalize().After(other.normalize()) }
func (d Date) Equal(other Date) bool  { return d.normalize().Equal(other.normalize()) }
func (d Date) IsZero() bool           { return d.Time.IsZero() }
func (d Date) AddDays(n int) Date     { return Date{Time: d.normalize().AddDate(0, 0, n)} }
func (d Date) String() string         { return d.Time.Format(DateLayout) }

func (d Date) normalize() time.Time {
	return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// TIME RANGE - Half-open [Start, End) interval for bookings
// =============================================================================

type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) Valid() bool { return r.End.After(r.Start) }

// Overlaps uses half-open semantics: touching endpoints do not overlap.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}

func (r TimeRange) Duration() time.Duration { return r.End.Sub(r.Start) }

// =============================================================================
// CLOCK - "today" is injected so expiry is testable
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

// Today returns the current calendar day for clock in loc.
func Today(clock Clock, loc *time.Location) Date {
	if clock == nil {
		clock = SystemClock{}
	}
	return DateOf(clock.Now(), loc)
}
