// Package schedule parses swarm job schedules. A schedule is stored as JSON
// with a kind of "cron", "interval", or "once"; plain cron strings are
// accepted on input and wrapped.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // if kind=cron
	IntervalMs int64  `json:"interval_ms,omitempty"` // if kind=interval
	AtMs       int64  `json:"at_ms,omitempty"`       // Unix ms, if kind=once
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// NextRun returns the next firing time after now, or nil when the schedule
// will never fire again (spent one-shots, unparseable input).
func NextRun(raw string, now time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}

	var next time.Time
	switch s.Kind {
	case "cron":
		next, err = gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
	case "interval":
		if s.IntervalMs <= 0 {
			return nil
		}
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case "once":
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}
	return &next
}

// Normalize validates a schedule and returns its canonical JSON form. A bare
// cron expression is wrapped as {"kind":"cron",...}; JSON input is validated
// and passed through.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		switch s.Kind {
		case "cron":
			if !gronx.New().IsValid(s.CronExpr) {
				return "", fmt.Errorf("invalid cron expression: %s", s.CronExpr)
			}
		case "interval":
			if s.IntervalMs <= 0 {
				return "", fmt.Errorf("interval_ms must be positive")
			}
		case "once":
			if s.AtMs <= 0 {
				return "", fmt.Errorf("at_ms must be positive")
			}
		default:
			return "", fmt.Errorf("unknown schedule kind: %s", s.Kind)
		}
		return raw, nil
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not valid JSON or cron expression: %s", raw)
	}

	data, err := json.Marshal(Schedule{Kind: "cron", CronExpr: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Describe renders a schedule for humans, falling back to the raw form.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}
	switch s.Kind {
	case "cron":
		return "cron " + s.CronExpr
	case "interval":
		return "every " + (time.Duration(s.IntervalMs) * time.Millisecond).String()
	case "once":
		return "once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	default:
		return raw
	}
}
