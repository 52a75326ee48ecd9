// Package schedule holds the pure scheduling logic: cron evaluation and the
// next-run algebra that composes baseline cadence, AI hints, guardrails,
// backoff and pause into a single timestamp. Nothing in this package blocks
// or touches storage.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (minute through day of
// week). Seconds and descriptors are rejected so stored expressions stay
// portable.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron validates a 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return s, nil
}

// NextCron returns the first occurrence of expr strictly after t, evaluated
// in UTC.
func NextCron(expr string, t time.Time) (time.Time, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(t.UTC()), nil
}
