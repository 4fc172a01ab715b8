package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind names the scheduling rule chosen for an action.
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerDate     TriggerKind = "date"
	TriggerCron     TriggerKind = "cron"
)

// Trigger is the concrete scheduling rule resolved from one action.
type Trigger struct {
	Kind     TriggerKind
	Schedule cron.Schedule

	Every time.Duration // interval triggers
	RunAt time.Time     // date triggers
	Spec  string        // cron triggers, normalized "sec min hour dom month dow"
}

// Expired reports whether a one-shot trigger lies before now and should be skipped.
func (t *Trigger) Expired(now time.Time) bool {
	return t.Kind == TriggerDate && t.RunAt.Before(now)
}

func (t *Trigger) String() string {
	switch t.Kind {
	case TriggerInterval:
		return fmt.Sprintf("interval[%s]", t.Every)
	case TriggerDate:
		return fmt.Sprintf("date[%s]", t.RunAt.Format(time.RFC3339))
	case TriggerCron:
		return fmt.Sprintf("cron[%s]", t.Spec)
	default:
		return string(t.Kind)
	}
}

// ResolveTrigger selects the trigger for one action: interval, then date/time, then cron fields.
func ResolveTrigger(action ActionConfig, now time.Time) (*Trigger, error) {
	switch {
	case action.Interval != nil:
		minutes := *action.Interval
		if minutes <= 0 {
			return nil, &ConfigError{ActionID: action.ID, Msg: fmt.Sprintf("interval must be positive, got %d", minutes)}
		}
		every := time.Duration(minutes) * time.Minute
		return &Trigger{Kind: TriggerInterval, Every: every, Schedule: cron.Every(every)}, nil

	case action.Date != nil || action.Time != nil:
		runAt, err := ParseDateTime(action.Date, action.Time, now)
		if err != nil {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				cfgErr.ActionID = action.ID
			}
			return nil, err
		}
		return &Trigger{Kind: TriggerDate, RunAt: runAt, Schedule: onceSchedule{at: runAt}}, nil

	case action.CronFields.Any():
		schedule, spec, err := buildCronSchedule(action.CronFields)
		if err != nil {
			return nil, &ConfigError{ActionID: action.ID, Msg: "invalid cron fields", Err: err}
		}
		return &Trigger{Kind: TriggerCron, Spec: spec, Schedule: schedule}, nil

	default:
		return nil, &ConfigError{ActionID: action.ID, Msg: "no recognized trigger (interval, date/time or cron fields)"}
	}
}

// ParseDateTime builds a one-shot run time from a DDMM date and an HHMM time.
// A missing time defaults to 12:00, a missing date to today; the year is always now's year.
func ParseDateTime(dateStr, timeStr *string, now time.Time) (time.Time, error) {
	invalid := func(err error) error {
		return &ConfigError{
			Msg: fmt.Sprintf("date %s and time %s not valid", quoteOrNil(dateStr), quoteOrNil(timeStr)),
			Err: err,
		}
	}

	hour, minute := 12, 0
	if timeStr != nil {
		tm, err := parseFixed(*timeStr, "1504")
		if err != nil {
			return time.Time{}, invalid(err)
		}
		hour, minute = tm.Hour(), tm.Minute()
	}

	year, month, day := now.Date()
	if dateStr != nil {
		dm, err := parseFixed(*dateStr, "0201")
		if err != nil {
			return time.Time{}, invalid(err)
		}
		month, day = dm.Month(), dm.Day()
		// 29 Feb outside a leap year would silently roll into March.
		if check := time.Date(year, month, day, 0, 0, 0, 0, now.Location()); check.Month() != month {
			return time.Time{}, invalid(fmt.Errorf("day %d does not exist in %s %d", day, month, year))
		}
	}

	return time.Date(year, month, day, hour, minute, 0, 0, now.Location()), nil
}

func parseFixed(value, layout string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if len(value) != len(layout) {
		return time.Time{}, fmt.Errorf("%q does not match %s", value, layoutName(layout))
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return time.Time{}, fmt.Errorf("%q does not match %s", value, layoutName(layout))
		}
	}
	return time.Parse(layout, value)
}

func layoutName(layout string) string {
	if layout == "1504" {
		return "HHMM"
	}
	return "DDMM"
}

func quoteOrNil(v *string) string {
	if v == nil {
		return "<none>"
	}
	return fmt.Sprintf("%q", *v)
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// onceSchedule fires a single time.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// windowSchedule bounds an inner schedule to the planning window [from, until).
// A fire time exactly at from is handed out once, on the first call, even when the
// caller's clock has already passed it.
type windowSchedule struct {
	inner cron.Schedule
	from  time.Time
	until time.Time

	pending bool
}

func newWindowSchedule(inner cron.Schedule, from, until time.Time) *windowSchedule {
	return &windowSchedule{inner: inner, from: from, until: until, pending: true}
}

func (s *windowSchedule) Next(t time.Time) time.Time {
	if s.pending {
		s.pending = false
		if !t.Before(s.from) && s.firesAtStart() {
			return s.from
		}
	}
	return s.bound(s.inner.Next(t))
}

// First returns the first fire time in the window without consuming it.
func (s *windowSchedule) First() time.Time {
	if s.firesAtStart() {
		return s.from
	}
	return s.bound(s.inner.Next(s.from))
}

func (s *windowSchedule) firesAtStart() bool {
	if s.from.IsZero() {
		return false
	}
	return s.inner.Next(s.from.Add(-time.Second)).Equal(s.from)
}

func (s *windowSchedule) bound(next time.Time) time.Time {
	if next.IsZero() || !next.Before(s.until) {
		return time.Time{}
	}
	return next
}
