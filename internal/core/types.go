package core

import (
	"fmt"
	"strings"
	"time"
)

// Status is the severity outcome of a single task execution.
type Status int

const (
	StatusInvalid  Status = -1
	StatusOK       Status = 0
	StatusWarning  Status = 1
	StatusCritical Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusCritical:
		return "CRITICAL"
	default:
		return "INVALID"
	}
}

// ParseStatus maps a status token case-insensitively. Unknown tokens map to StatusInvalid.
func ParseStatus(token string) Status {
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case "OK":
		return StatusOK
	case "WARNING":
		return StatusWarning
	case "CRITICAL":
		return StatusCritical
	default:
		return StatusInvalid
	}
}

// MarshalText renders the status as its token.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CronFields holds the cron-style trigger fields of an action. Empty means unset.
type CronFields struct {
	Year      string `yaml:"year" json:"year,omitempty"`
	Month     string `yaml:"month" json:"month,omitempty"`
	Day       string `yaml:"day" json:"day,omitempty"`
	Week      string `yaml:"week" json:"week,omitempty"`
	DayOfWeek string `yaml:"day_of_week" json:"day_of_week,omitempty"`
	Hour      string `yaml:"hour" json:"hour,omitempty"`
	Minute    string `yaml:"minute" json:"minute,omitempty"`
	Second    string `yaml:"second" json:"second,omitempty"`
}

// Any reports whether at least one recognized cron field is set.
func (c CronFields) Any() bool {
	return c.Year != "" || c.Month != "" || c.Day != "" || c.Week != "" ||
		c.DayOfWeek != "" || c.Hour != "" || c.Minute != "" || c.Second != ""
}

// ActionConfig is one configured unit of scheduled work. Action names the task
// action to invoke and defaults to DefaultAction.
type ActionConfig struct {
	ID       string         `yaml:"id" json:"id"`
	Task     string         `yaml:"task" json:"task"`
	Action   string         `yaml:"action" json:"action,omitempty"`
	Args     map[string]any `yaml:"args" json:"args,omitempty"`
	Interval *int           `yaml:"interval" json:"interval,omitempty"`
	Date     *string        `yaml:"date" json:"date,omitempty"`
	Time     *string        `yaml:"time" json:"time,omitempty"`

	CronFields `yaml:",inline"`
}

// Configuration is the loaded set of actions.
type Configuration struct {
	Actions []ActionConfig `yaml:"actions" json:"actions"`
}

// Validate checks that every action has an id and a task type and that ids are unique.
func (c Configuration) Validate() error {
	seen := make(map[string]struct{}, len(c.Actions))
	for idx, action := range c.Actions {
		if strings.TrimSpace(action.ID) == "" {
			return &ConfigError{Msg: fmt.Sprintf("action %d has no id", idx)}
		}
		if strings.TrimSpace(action.Task) == "" {
			return &ConfigError{ActionID: action.ID, Msg: "no task type"}
		}
		if _, dup := seen[action.ID]; dup {
			return &ConfigError{ActionID: action.ID, Msg: "duplicate action id"}
		}
		seen[action.ID] = struct{}{}
	}
	return nil
}

// Result captures the most recent outcome of a task instance.
type Result struct {
	Action   string
	Status   Status
	Text     string
	Err      error
	Started  time.Time
	Duration time.Duration
}
