package schedule

import (
	"fmt"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "cron" {
		t.Errorf("expected kind 'cron', got '%s'", s.Kind)
	}
	if s.CronExpr != "0 9 * * *" {
		t.Errorf("expected cron expr '0 9 * * *', got '%s'", s.CronExpr)
	}
}

func TestParsePlainCron(t *testing.T) {
	s, err := Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "cron" || s.CronExpr != "*/5 * * * *" {
		t.Errorf("unexpected schedule %+v", s)
	}
}

func TestParseEveryShorthand(t *testing.T) {
	s, err := Parse("every 90s")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "interval" || s.IntervalMs != 90000 {
		t.Errorf("unexpected schedule %+v", s)
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"not a schedule",
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"once","at_ms":-1}`,
		`{"kind":"weekly"}`,
		"every -1m",
	} {
		if _, err := Normalize(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestNextRunCron(t *testing.T) {
	s, err := Parse("0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	ref := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	next, ok := s.NextRun(ref)
	if !ok {
		t.Fatal("expected a next run")
	}
	if next.Hour() != 9 || next.Minute() != 0 || next.Day() != 1 {
		t.Errorf("expected 09:00 on the same day, got %v", next)
	}
}

func TestNextRunInterval(t *testing.T) {
	s, err := Parse(`{"kind":"interval","interval_ms":60000}`)
	if err != nil {
		t.Fatal(err)
	}
	ref := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	next, ok := s.NextRun(ref)
	if !ok || !next.Equal(ref.Add(time.Minute)) {
		t.Errorf("expected %v, got %v (ok=%v)", ref.Add(time.Minute), next, ok)
	}
}

func TestNextRunOnce(t *testing.T) {
	ref := time.Now()
	future := ref.Add(time.Hour).UnixMilli()
	s, err := Parse(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.NextRun(ref); !ok {
		t.Fatal("expected next run for future once schedule")
	}
	if _, ok := s.NextRun(ref.Add(2 * time.Hour)); ok {
		t.Error("expected no next run once the time has passed")
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"kind":"interval","interval_ms":3600000}`, "Every hour"},
		{`{"kind":"interval","interval_ms":7200000}`, "Every 2 hours"},
		{`{"kind":"interval","interval_ms":60000}`, "Every minute"},
		{`{"kind":"interval","interval_ms":300000}`, "Every 5 minutes"},
		{`{"kind":"interval","interval_ms":30000}`, "Every 30 seconds"},
		{"0 9 * * *", "0 9 * * *"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := Format(tt.raw); got != tt.want {
			t.Errorf("Format(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
