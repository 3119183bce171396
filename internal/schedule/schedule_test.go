package schedule

import (
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	s, err := Parse("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron {
		t.Errorf("expected kind 'cron', got '%s'", s.Kind)
	}
	if s.CronExpr != "*/5 * * * *" {
		t.Errorf("expected trimmed cron, got '%s'", s.CronExpr)
	}
}

func TestParseInterval(t *testing.T) {
	for _, raw := range []string{"every 30m", "@every 30m"} {
		s, err := Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if s.Kind != KindInterval || s.IntervalMs != 30*60*1000 {
			t.Errorf("unexpected schedule for %q: %+v", raw, s)
		}
	}

	if _, err := Parse("every soon"); err == nil {
		t.Error("expected error for bad duration")
	}
	if _, err := Parse("every -5m"); err == nil {
		t.Error("expected error for negative interval")
	}
}

func TestParseOnce(t *testing.T) {
	s, err := Parse("2030-01-02T15:04:05Z")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	want := time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)
	if s.Kind != KindOnce || s.AtMs != want.UnixMilli() {
		t.Errorf("unexpected schedule %+v", s)
	}
}

func TestParseJSON(t *testing.T) {
	s, err := Parse(`{"kind":"interval","interval_ms":60000}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindInterval || s.IntervalMs != 60000 {
		t.Errorf("unexpected schedule %+v", s)
	}

	if _, err := Parse(`{"kind":"cron","cron_expr":"bad"}`); err == nil {
		t.Error("expected error for invalid cron in JSON")
	}
	if _, err := Parse(`{"kind":"bogus"}`); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestParseInvalid(t *testing.T) {
	for _, raw := range []string{"", "not a cron", "{broken"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestNextCron(t *testing.T) {
	s, err := Parse("0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	ref := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	next, ok := s.Next(ref)
	if !ok {
		t.Fatal("expected next run")
	}
	if want := time.Date(2030, 1, 2, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextInterval(t *testing.T) {
	s := &Schedule{Kind: KindInterval, IntervalMs: 60000}
	ref := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	next, ok := s.Next(ref)
	if !ok || !next.Equal(ref.Add(time.Minute)) {
		t.Errorf("expected ref+1m, got %v (%t)", next, ok)
	}
}

func TestNextOnce(t *testing.T) {
	at := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	s := &Schedule{Kind: KindOnce, AtMs: at.UnixMilli()}

	next, ok := s.Next(at.Add(-time.Hour))
	if !ok || !next.Equal(at) {
		t.Errorf("expected %v, got %v (%t)", at, next, ok)
	}
	if _, ok := s.Next(at); ok {
		t.Error("expected no run at or after the scheduled time")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		s    Schedule
		want string
	}{
		{Schedule{Kind: KindCron, CronExpr: "0 9 * * *"}, "0 9 * * *"},
		{Schedule{Kind: KindInterval, IntervalMs: 3600000}, "Every hour"},
		{Schedule{Kind: KindInterval, IntervalMs: 7200000}, "Every 2 hours"},
		{Schedule{Kind: KindInterval, IntervalMs: 60000}, "Every minute"},
		{Schedule{Kind: KindInterval, IntervalMs: 1800000}, "Every 30 minutes"},
		{Schedule{Kind: KindInterval, IntervalMs: 30000}, "Every 30s"},
		{Schedule{Kind: KindOnce, AtMs: time.Date(2030, 3, 4, 5, 6, 0, 0, time.UTC).UnixMilli()}, "Once at Mar 4 05:06 UTC"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}
