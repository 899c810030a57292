// Package schedule parses the schedule expressions accepted for recurring and
// one-off debates and computes their next run.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

// Schedule is the canonical stored form of a schedule expression.
type Schedule struct {
	Kind       Kind   `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

// Parse accepts a JSON schedule, "@every <duration>", an RFC 3339 timestamp
// or a cron expression (including gronx macros such as @daily).
func Parse(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{}, fmt.Errorf("empty schedule")
	}

	if strings.HasPrefix(raw, "{") {
		var s Schedule
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return Schedule{}, fmt.Errorf("decode schedule: %w", err)
		}
		return s, s.validate()
	}

	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("parse interval: %w", err)
		}
		s := Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
		return s, s.validate()
	}

	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		s := Schedule{Kind: KindOnce, AtMs: at.UnixMilli()}
		return s, s.validate()
	}

	s := Schedule{Kind: KindCron, CronExpr: raw}
	return s, s.validate()
}

func (s Schedule) validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return nil
}

// Normalize parses raw and returns its canonical JSON form.
func Normalize(raw string) (string, error) {
	s, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return s.JSON(), nil
}

func (s Schedule) JSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// Next returns the first run strictly after the given time. A one-off
// schedule whose time has passed has no next run.
func (s Schedule) Next(after time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, after, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		return after.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case KindOnce:
		at := time.UnixMilli(s.AtMs)
		if at.After(after) {
			return at, true
		}
	}
	return time.Time{}, false
}

// NextRun parses a stored schedule and returns its next run after the given
// time, or nil when there is none.
func NextRun(raw string, after time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	next, ok := s.Next(after)
	if !ok {
		return nil
	}
	return &next
}

// Recurring reports whether the schedule can fire more than once.
func (s Schedule) Recurring() bool {
	return s.Kind != KindOnce
}

// String returns a short human-readable description.
func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			if h := int(d.Hours()); h != 1 {
				return fmt.Sprintf("Every %d hours", h)
			}
			return "Every hour"
		case d >= time.Minute && d%time.Minute == 0:
			if m := int(d.Minutes()); m != 1 {
				return fmt.Sprintf("Every %d minutes", m)
			}
			return "Every minute"
		default:
			return "Every " + d.String()
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	}
	return string(s.Kind)
}
