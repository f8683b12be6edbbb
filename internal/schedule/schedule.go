// Package schedule computes recurring export run times and drives them.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfiguration is wrapped by every validation failure.
var ErrInvalidConfiguration = errors.New("invalid schedule configuration")

type Frequency string

const (
	Disabled   Frequency = "disabled"
	Hourly     Frequency = "hourly"
	TwiceDaily Frequency = "twicedaily"
	Daily      Frequency = "daily"
	Weekly     Frequency = "weekly"
)

// Config is the persisted schedule.
type Config struct {
	Frequency     Frequency `json:"frequency"`
	RunTime       string    `json:"run_time"`
	RetentionDays int       `json:"retention_days"`
	Exclusions    []string  `json:"exclusions"`
	// Anchor is the unix time the weekly schedule was configured; its
	// weekday fixes the run day.
	Anchor int64  `json:"anchor,omitempty"`
	Theme  string `json:"theme,omitempty"`
}

// Default is the schedule of a fresh install.
func Default() Config {
	return Config{Frequency: Disabled, RunTime: "00:00", RetentionDays: 30, Exclusions: []string{}}
}

// Validate reports the first problem with c.
func (c Config) Validate() error {
	switch c.Frequency {
	case Disabled, Hourly, TwiceDaily, Daily, Weekly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidConfiguration, c.Frequency)
	}
	if _, _, err := ParseRunTime(c.RunTime); err != nil {
		return err
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("%w: retention_days must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

// ParseRunTime parses a 24-hour "HH:MM" time of day.
func ParseRunTime(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return 0, 0, fmt.Errorf("%w: run_time %q is not HH:MM", ErrInvalidConfiguration, s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: run_time %q has an invalid hour", ErrInvalidConfiguration, s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: run_time %q has an invalid minute", ErrInvalidConfiguration, s)
	}
	return hour, minute, nil
}

// NextRun returns the first run strictly after ref, evaluated in loc. A
// disabled or invalid schedule returns the zero time.
func NextRun(c Config, ref time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	hour, minute, err := ParseRunTime(c.RunTime)
	if err != nil {
		return time.Time{}
	}
	ref = ref.In(loc)
	at := time.Date(ref.Year(), ref.Month(), ref.Day(), hour, minute, 0, 0, loc)

	switch c.Frequency {
	case Hourly:
		next := time.Date(ref.Year(), ref.Month(), ref.Day(), ref.Hour(), minute, 0, 0, loc)
		if !next.After(ref) {
			next = next.Add(time.Hour)
		}
		return next
	case TwiceDaily:
		for at.After(ref) {
			at = at.Add(-12 * time.Hour)
		}
		for !at.After(ref) {
			at = at.Add(12 * time.Hour)
		}
		return at
	case Daily:
		if !at.After(ref) {
			at = at.AddDate(0, 0, 1)
		}
		return at
	case Weekly:
		day := ref.Weekday()
		if c.Anchor > 0 {
			day = time.Unix(c.Anchor, 0).In(loc).Weekday()
		}
		at = at.AddDate(0, 0, (int(day)-int(ref.Weekday())+7)%7)
		if !at.After(ref) {
			at = at.AddDate(0, 0, 7)
		}
		return at
	}
	return time.Time{}
}

// Rule adapts a Config to cron.Schedule.
type Rule struct {
	Config   Config
	Location *time.Location
}

func (r Rule) Next(t time.Time) time.Time {
	return NextRun(r.Config, t, r.Location)
}
