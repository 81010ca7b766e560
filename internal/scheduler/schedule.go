// Package scheduler fires recurring per-channel triggers. Schedule
// evaluation is a pure function of the schedule expression and a reference
// time, so cadence logic is testable without the wall clock.
package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Schedule is a parsed trigger cadence. Two forms are accepted:
//
//	"HH:MM"           daily at that time
//	"@every <dur>"    fixed interval, e.g. "@every 6h"
type Schedule struct {
	hour, minute int
	every        time.Duration
}

// Parse parses a schedule expression.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("parsing interval %q: %w", rest, err)
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be positive, got %s", d)
		}
		return Schedule{every: d}, nil
	}

	var hour, minute int
	if _, err := fmt.Sscanf(expr, "%d:%d", &hour, &minute); err != nil {
		return Schedule{}, fmt.Errorf("parsing schedule %q: %w", expr, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Schedule{}, fmt.Errorf("schedule %q out of range", expr)
	}
	return Schedule{hour: hour, minute: minute}, nil
}

// Next returns the first fire time strictly after the reference time.
func (s Schedule) Next(after time.Time) time.Time {
	if s.every > 0 {
		return after.Add(s.every)
	}
	next := time.Date(after.Year(), after.Month(), after.Day(), s.hour, s.minute, 0, 0, after.Location())
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
