// Package cron evaluates five-field cron expressions
// (minute hour day-of-month month day-of-week).
package cron

import (
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"
)

var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)

// Schedule is a parsed cron expression.
type Schedule struct {
	expr  string
	inner robfig.Schedule
}

// Parse validates and compiles a five-field cron expression.
func Parse(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Schedule{expr: expr, inner: s}, nil
}

// Valid reports whether expr is a well-formed five-field expression.
func Valid(expr string) bool {
	_, err := Parse(expr)
	return err == nil
}

// Next returns the smallest instant strictly after t matching the schedule.
func (s Schedule) Next(t time.Time) time.Time {
	return s.inner.Next(t)
}

// String returns the source expression.
func (s Schedule) String() string {
	return s.expr
}

// IntervalMinutes estimates the shortest gap between consecutive matches,
// in whole minutes. Used for tier gating (free tier rejects sub-hourly
// schedules) and for sizing the scheduler grace window.
func (s Schedule) IntervalMinutes() int {
	// Sample a handful of consecutive gaps; sparse expressions (e.g. yearly)
	// terminate because Next always lands on a concrete match.
	t := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	t = s.inner.Next(t)

	shortest := time.Duration(0)
	for i := 0; i < 4; i++ {
		next := s.inner.Next(t)
		gap := next.Sub(t)
		if shortest == 0 || gap < shortest {
			shortest = gap
		}
		t = next
	}

	minutes := int(shortest / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// NextAfter is a convenience for callers holding only the expression.
// It returns the zero time when expr does not parse.
func NextAfter(expr string, t time.Time) time.Time {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}
	}
	return s.Next(t)
}
