package scheduler

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		kind   SpecKind
		source string
		every  time.Duration
	}{
		{raw: "0 4 * * *", kind: SpecCron, source: "cron"},
		{raw: "@daily", kind: SpecCron, source: "cron"},
		{raw: "cron:30 3 * * 1", kind: SpecCron, source: "cron"},
		{raw: "6h", kind: SpecInterval, source: "duration", every: 6 * time.Hour},
		{raw: "every: 90m", kind: SpecInterval, source: "duration", every: 90 * time.Minute},
		{raw: "06:00", kind: SpecInterval, source: "hhmm", every: 6 * time.Hour},
		{raw: "interval:00:45", kind: SpecInterval, source: "hhmm", every: 45 * time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
		}
		if got.Kind != tt.kind || got.Source != tt.source || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.raw, got)
		}
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "compact-often", "00:00", "-5m", "cron:", "every:", "1:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", raw)
		}
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	if err := ValidateSchedule("*/15 * * * *"); err != nil {
		t.Fatal(err)
	}
	if err := ValidateSchedule("every tuesday"); err == nil {
		t.Fatal("free text accepted as cron")
	}
}
