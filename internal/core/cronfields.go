package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const maxFilterSteps = 5000

// dowNames counts day_of_week from Monday (0) to Sunday (6).
var dowNames = map[string]int{"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6}

type cronFieldDef struct {
	name  string
	value string
	def   string
}

// buildCronSchedule turns cron fields into a schedule. Fields finer than the finest
// configured field default to their minimum, all others to "*".
func buildCronSchedule(f CronFields) (cron.Schedule, string, error) {
	fields := []cronFieldDef{
		{name: "year", value: f.Year, def: "*"},
		{name: "month", value: f.Month, def: "1"},
		{name: "day", value: f.Day, def: "1"},
		{name: "week", value: f.Week, def: "*"},
		{name: "day_of_week", value: f.DayOfWeek, def: "*"},
		{name: "hour", value: f.Hour, def: "0"},
		{name: "minute", value: f.Minute, def: "0"},
		{name: "second", value: f.Second, def: "0"},
	}
	last := -1
	for i := range fields {
		fields[i].value = strings.ToLower(strings.TrimSpace(fields[i].value))
		if fields[i].value != "" {
			last = i
		}
	}
	if last < 0 {
		return nil, "", fmt.Errorf("no cron fields set")
	}
	for i := range fields {
		if fields[i].value != "" {
			continue
		}
		if i > last {
			fields[i].value = fields[i].def
		} else {
			fields[i].value = "*"
		}
	}
	year, month, day, week, dow := fields[0].value, fields[1].value, fields[2].value, fields[3].value, fields[4].value
	hour, minute, second := fields[5].value, fields[6].value, fields[7].value

	s := &fieldSchedule{}
	var err error
	if year != "*" {
		if s.years, err = parseValueSet(year, 1970, 2099, nil); err != nil {
			return nil, "", fmt.Errorf("year: %w", err)
		}
	}
	if week != "*" {
		if s.weeks, err = parseValueSet(week, 1, 53, nil); err != nil {
			return nil, "", fmt.Errorf("week: %w", err)
		}
	}
	robfigDow := dow
	if dow != "*" {
		days, err := parseValueSet(dow, 0, 6, dowNames)
		if err != nil {
			return nil, "", fmt.Errorf("day_of_week: %w", err)
		}
		weekdays := days.weekdays()
		// robfig/cron ORs day-of-month and day-of-week when both are restricted; filter
		// day-of-week here instead so both must match.
		if day != "*" {
			s.dows = weekdays
			robfigDow = "*"
		} else {
			robfigDow = weekdays.list()
		}
	}

	spec := strings.Join([]string{second, minute, hour, day, month, robfigDow}, " ")
	inner, err := cronParser.Parse(spec)
	if err != nil {
		return nil, "", fmt.Errorf("invalid cron expression: %w", err)
	}
	s.inner = inner

	display := strings.Join([]string{second, minute, hour, day, month, dow}, " ")
	if year != "*" {
		display += " year=" + year
	}
	if week != "*" {
		display += " week=" + week
	}
	return s, display, nil
}

// fieldSchedule filters a robfig schedule by year, ISO week and day of week.
type fieldSchedule struct {
	inner cron.Schedule
	years valueSet
	weeks valueSet
	dows  valueSet
}

func (s *fieldSchedule) Next(t time.Time) time.Time {
	for i := 0; i < maxFilterSteps; i++ {
		next := s.inner.Next(t)
		if next.IsZero() {
			return next
		}
		loc := next.Location()
		switch {
		case s.years != nil && !s.years.has(next.Year()):
			if next.Year() >= s.years.max() {
				return time.Time{}
			}
			t = time.Date(next.Year()+1, time.January, 1, 0, 0, 0, 0, loc).Add(-time.Second)
		case s.weeks != nil && !s.weeks.has(isoWeek(next)):
			daysToMonday := (8 - int(next.Weekday())) % 7
			if daysToMonday == 0 {
				daysToMonday = 7
			}
			y, m, d := next.Date()
			t = time.Date(y, m, d+daysToMonday, 0, 0, 0, 0, loc).Add(-time.Second)
		case s.dows != nil && !s.dows.has(int(next.Weekday())):
			y, m, d := next.Date()
			t = time.Date(y, m, d+1, 0, 0, 0, 0, loc).Add(-time.Second)
		default:
			return next
		}
	}
	return time.Time{}
}

func isoWeek(t time.Time) int {
	_, week := t.ISOWeek()
	return week
}

// valueSet marks allowed values by index. A nil set allows everything.
type valueSet []bool

func (v valueSet) has(n int) bool {
	return n >= 0 && n < len(v) && v[n]
}

func (v valueSet) max() int {
	for i := len(v) - 1; i >= 0; i-- {
		if v[i] {
			return i
		}
	}
	return -1
}

// weekdays converts a Monday-based day_of_week set to time.Weekday numbering.
func (v valueSet) weekdays() valueSet {
	out := make(valueSet, 7)
	for n, ok := range v {
		if ok {
			out[(n+1)%7] = true
		}
	}
	return out
}

func (v valueSet) list() string {
	var parts []string
	for n, ok := range v {
		if ok {
			parts = append(parts, strconv.Itoa(n))
		}
	}
	return strings.Join(parts, ",")
}

// parseValueSet parses "*", "n", "a-b", "*/n", "a-b/n" and comma lists of these.
func parseValueSet(expr string, min, max int, names map[string]int) (valueSet, error) {
	set := make(valueSet, max+1)
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty element in %q", expr)
		}
		rangePart, step := part, 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			rangePart, step = part[:idx], n
		}
		lo, hi := min, max
		if rangePart != "*" {
			bounds := strings.SplitN(rangePart, "-", 2)
			var err error
			if lo, err = parseFieldValue(bounds[0], names); err != nil {
				return nil, err
			}
			hi = lo
			if len(bounds) == 2 {
				if hi, err = parseFieldValue(bounds[1], names); err != nil {
					return nil, err
				}
			} else if step > 1 {
				hi = max
			}
		}
		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("%q out of range %d-%d", part, min, max)
		}
		for n := lo; n <= hi; n += step {
			set[n] = true
		}
	}
	return set, nil
}

func parseFieldValue(raw string, names map[string]int) (int, error) {
	if n, ok := names[raw]; ok {
		return n, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", raw)
	}
	return n, nil
}
