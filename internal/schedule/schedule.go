// Package schedule parses the schedules that start clusters periodically.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

// Parse accepts a cron expression, "every <duration>", an RFC 3339 time for a
// single run, or the JSON form of Schedule.
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	if strings.HasPrefix(raw, "{") {
		var s Schedule
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("parse schedule json: %w", err)
		}
		return &s, s.validate()
	}

	if rest, ok := cutEvery(raw); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		s := &Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
		return s, s.validate()
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &Schedule{Kind: KindOnce, AtMs: t.UnixMilli()}, nil
	}

	s := &Schedule{Kind: KindCron, CronExpr: raw}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule: not an interval, time or cron expression: %s", raw)
	}
	return s, nil
}

func cutEvery(raw string) (string, bool) {
	for _, prefix := range []string{"@every ", "every "} {
		if rest, ok := strings.CutPrefix(raw, prefix); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

func (s *Schedule) validate() error {
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
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Next returns the first run strictly after ref. ok is false when the
// schedule never runs again.
func (s *Schedule) Next(ref time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, ref, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		return ref.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if t.After(ref) {
			return t, true
		}
	}
	return time.Time{}, false
}

// String returns a human-readable description.
func (s *Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %s", d)
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 MST")
	}
	return s.Kind
}
