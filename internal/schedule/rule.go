package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind selects the recurrence family of a rule.
type Kind string

const (
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindCustom  Kind = "custom"
)

// TimeOfDay is the wall-clock execution time in the rule's timezone.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// DayOfMonth is 1..31, or Last for "final calendar day of the month".
// It marshals Last as the JSON string "last".
type DayOfMonth int

const Last DayOfMonth = -1

func (d DayOfMonth) MarshalJSON() ([]byte, error) {
	if d == Last {
		return []byte(`"last"`), nil
	}
	return json.Marshal(int(d))
}

func (d *DayOfMonth) UnmarshalJSON(b []byte) error {
	if string(b) == `"last"` {
		*d = Last
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("day_of_month: expected 1..31 or \"last\": %w", err)
	}
	*d = DayOfMonth(n)
	return nil
}

// Rule describes when a template should fire.
//
// NextRun is a display cache only: it is recomputed from the rule and the
// current wall clock before every scheduling decision, never trusted.
type Rule struct {
	Enabled bool `json:"enabled"`
	Paused  bool `json:"paused"`

	Kind Kind      `json:"kind"`
	At   TimeOfDay `json:"at"`

	// Weekly.
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`

	// Monthly.
	DayOfMonth DayOfMonth `json:"day_of_month,omitempty"`

	// Custom: fixed interval measured from Anchor in absolute time.
	Interval time.Duration `json:"interval,omitempty"`
	Anchor   time.Time     `json:"anchor,omitempty"`

	// Timezone is an IANA zone name used only for time-of-day interpretation.
	// Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	// EndAt: no fire time is produced at or after this. Zero means no end.
	EndAt time.Time `json:"end_at,omitempty"`

	NextRun time.Time `json:"next_run,omitempty"`
}

var (
	ErrUnknownKind   = errors.New("schedule: unknown recurrence kind")
	ErrEmptyWeekdays = errors.New("schedule: weekly rule requires at least one weekday")
)

// Location resolves the rule's timezone. Empty falls back to UTC.
func (r Rule) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// Validate rejects ambiguous or malformed rules synchronously, so the
// calculator never sees one.
func (r Rule) Validate() error {
	if r.At.Hour < 0 || r.At.Hour > 23 {
		return fmt.Errorf("schedule: hour %d out of range 0..23", r.At.Hour)
	}
	if r.At.Minute < 0 || r.At.Minute > 59 {
		return fmt.Errorf("schedule: minute %d out of range 0..59", r.At.Minute)
	}
	if _, err := r.Location(); err != nil {
		return err
	}

	switch r.Kind {
	case KindDaily:
		// time-of-day checks above are sufficient
	case KindWeekly:
		if len(r.DaysOfWeek) == 0 {
			return ErrEmptyWeekdays
		}
		for _, d := range r.DaysOfWeek {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("schedule: invalid weekday %d", d)
			}
		}
	case KindMonthly:
		if r.DayOfMonth != Last && (r.DayOfMonth < 1 || r.DayOfMonth > 31) {
			return fmt.Errorf("schedule: day_of_month %d out of range 1..31", r.DayOfMonth)
		}
	case KindCustom:
		if r.Interval <= 0 {
			return fmt.Errorf("schedule: custom interval must be > 0, got %s", r.Interval)
		}
		if r.Anchor.IsZero() {
			return errors.New("schedule: custom rule requires an anchor time")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	return nil
}

func (r Rule) hasWeekday(d time.Weekday) bool {
	for _, w := range r.DaysOfWeek {
		if w == d {
			return true
		}
	}
	return false
}
