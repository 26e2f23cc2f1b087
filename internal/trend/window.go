// Package trend summarizes a user's memories over a calendar window.
package trend

import (
	"fmt"
	"time"
)

// Window is a calendar period a report covers.
type Window string

const (
	Day   Window = "day"
	Week  Window = "week"
	Month Window = "month"
)

// ParseWindow validates a window name.
func ParseWindow(s string) (Window, error) {
	switch w := Window(s); w {
	case Day, Week, Month:
		return w, nil
	}
	return "", fmt.Errorf("unknown window %q", s)
}

// Resolve returns the half-open range [start, end) of the window that
// contains now, aligned to calendar boundaries in loc. Weeks start on
// Monday.
func Resolve(w Window, now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	switch w {
	case Day:
		return day, day.AddDate(0, 0, 1), nil
	case Week:
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), nil
	case Month:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unknown window %q", w)
}
