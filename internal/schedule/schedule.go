package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule is the decoded form of a workflow schedule trigger.
type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms,omitempty"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms,omitempty"`       // Unix ms timestamp (if kind=once)
}

// Parse normalizes and decodes a schedule string.
func Parse(raw string) (*Schedule, error) {
	normalized, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	var s Schedule
	if err := json.Unmarshal([]byte(normalized), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// NextRun returns the first fire time strictly after the reference time.
// ok is false when the schedule will never fire again.
func (s *Schedule) NextRun(after time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case "cron":
		t, err := gronx.NextTickAfter(s.CronExpr, after, false)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case "interval":
		return after.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case "once":
		t := time.UnixMilli(s.AtMs)
		if t.After(after) {
			return t, true
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// Format returns a human-readable description of a schedule string.
func Format(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}

	switch s.Kind {
	case "cron":
		return s.CronExpr
	case "interval":
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
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	case "once":
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04")
	}
	return raw
}

// Normalize accepts a JSON schedule, a plain cron expression or an
// "every <duration>" shorthand and returns the canonical JSON form.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty schedule")
	}

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
		return marshal(s)
	}

	if rest, ok := strings.CutPrefix(raw, "every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid interval: %s", rest)
		}
		return marshal(Schedule{Kind: "interval", IntervalMs: d.Milliseconds()})
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not valid JSON, interval or cron expression: %s", raw)
	}
	return marshal(Schedule{Kind: "cron", CronExpr: raw})
}

func marshal(s Schedule) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
