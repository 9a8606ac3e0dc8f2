// Package window decides whether a moment falls inside the daily review
// window and when the next review deadline is.
package window

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidWindow = errors.New("invalid review window")

// Clock is a time of day with minute resolution.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) offset() time.Duration {
	return time.Duration(c.Hour)*time.Hour + time.Duration(c.Minute)*time.Minute
}

// On returns the instant of c on the calendar day of t, in t's location.
func (c Clock) On(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, t.Location())
}

func timeOfDay(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}

// IsWithinWindow reports whether the time of day of now lies in [start, end].
// A window with start after end crosses midnight.
func IsWithinWindow(now time.Time, start, end Clock) bool {
	tod := timeOfDay(now)
	if start.offset() <= end.offset() {
		return start.offset() <= tod && tod <= end.offset()
	}
	return tod >= start.offset() || tod <= end.offset()
}

// ComputeDeadline returns today's window end if now is strictly before it,
// otherwise tomorrow's. The result is always after now.
func ComputeDeadline(now time.Time, end Clock) time.Time {
	today := end.On(now)
	if now.Before(today) {
		return today
	}
	y, m, d := now.Date()
	return time.Date(y, m, d+1, end.Hour, end.Minute, 0, 0, now.Location())
}

// Policy is a review window pinned to a location.
type Policy struct {
	Start    Clock
	End      Clock
	Location *time.Location
}

// NewPolicy parses the window bounds. Empty-width windows are rejected.
func NewPolicy(start, end string, loc *time.Location) (Policy, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: start: %v", ErrInvalidWindow, err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: end: %v", ErrInvalidWindow, err)
	}
	if s == e {
		return Policy{}, fmt.Errorf("%w: start and end are both %s", ErrInvalidWindow, s)
	}
	if loc == nil {
		loc = time.Local
	}
	return Policy{Start: s, End: e, Location: loc}, nil
}

func (p Policy) local(t time.Time) time.Time {
	if p.Location == nil {
		return t
	}
	return t.In(p.Location)
}

// Within reports whether now is inside the review window.
func (p Policy) Within(now time.Time) bool {
	return IsWithinWindow(p.local(now), p.Start, p.End)
}

// Deadline returns the next window end after now.
func (p Policy) Deadline(now time.Time) time.Time {
	return ComputeDeadline(p.local(now), p.End)
}
