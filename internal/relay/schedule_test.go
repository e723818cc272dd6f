package relay

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 9, 18, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		caption   string
		fireAt    time.Time
		caption2  string
		immediate bool
		ignored   int
	}{
		{name: "relative minutes", caption: "hello #in 30m", fireAt: now.Add(30 * time.Minute), caption2: "hello"},
		{name: "absolute", caption: "hello #at 2025-09-18 14:00", fireAt: time.Date(2025, 9, 18, 14, 0, 0, 0, time.UTC), caption2: "hello"},
		{name: "no directive", caption: "hello", fireAt: now, caption2: "hello", immediate: true},
		{name: "trimmed only", caption: "  hello   world ", fireAt: now, caption2: "hello   world", immediate: true},
		{name: "relative long unit", caption: "#in 5 minutes later", fireAt: now, caption2: "#in 5 minutes later", immediate: true, ignored: 1},
		{name: "relative minutes word", caption: "#in 5minutes later", fireAt: now.Add(5 * time.Minute), caption2: "later"},
		{name: "relative hours", caption: "a #in 2h b", fireAt: now.Add(2 * time.Hour), caption2: "a b"},
		{name: "rfc3339 offset", caption: "x #at 2025-09-18T16:00:00+02:00", fireAt: time.Date(2025, 9, 18, 14, 0, 0, 0, time.UTC), caption2: "x"},
		{name: "seconds", caption: "#at 2025-09-18 14:00:30 y", fireAt: time.Date(2025, 9, 18, 14, 0, 30, 0, time.UTC), caption2: "y"},
		{name: "missing unit", caption: "hi #in 30", fireAt: now, caption2: "hi #in 30", immediate: true, ignored: 1},
		{name: "negative", caption: "hi #in -5m", fireAt: now, caption2: "hi #in -5m", immediate: true, ignored: 1},
		{name: "bad time", caption: "hi #at 2025-13-40 99:99", fireAt: now, caption2: "hi #at 2025-13-40 99:99", immediate: true, ignored: 1},
		{name: "first well formed wins", caption: "a #in 10m b #in 20m", fireAt: now.Add(10 * time.Minute), caption2: "a b #in 20m"},
		{name: "malformed then valid", caption: "a #in xx b #at 2025-09-18 12:00", fireAt: time.Date(2025, 9, 18, 12, 0, 0, 0, time.UTC), caption2: "a #in xx b", ignored: 1},
		{name: "past clamped", caption: "old #at 2020-01-01 00:00", fireAt: now, caption2: "old"},
		{name: "hashtag untouched", caption: "#inbox zero", fireAt: now, caption2: "#inbox zero", immediate: true},
		{name: "newlines kept", caption: "line one #in 1m\nline two", fireAt: now.Add(time.Minute), caption2: "line one\nline two"},
		{name: "offset overflows to past", caption: "hi #in 200000000m", fireAt: now, caption2: "hi #in 200000000m", immediate: true, ignored: 1},
		{name: "offset overflows to future", caption: "hi #in 400000000m", fireAt: now, caption2: "hi #in 400000000m", immediate: true, ignored: 1},
		{name: "hours overflow", caption: "hi #in 9000000h", fireAt: now, caption2: "hi #in 9000000h", immediate: true, ignored: 1},
		{name: "uppercase", caption: "#IN 3M go", fireAt: now.Add(3 * time.Minute), caption2: "go"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseSchedule(tt.caption, now)
			if !got.FireAt.Equal(tt.fireAt) {
				t.Fatalf("FireAt = %v, want %v", got.FireAt, tt.fireAt)
			}
			if got.Caption != tt.caption2 {
				t.Fatalf("Caption = %q, want %q", got.Caption, tt.caption2)
			}
			if got.Immediate != tt.immediate {
				t.Fatalf("Immediate = %v, want %v", got.Immediate, tt.immediate)
			}
			if len(got.Ignored) != tt.ignored {
				t.Fatalf("Ignored = %v, want %d entries", got.Ignored, tt.ignored)
			}
		})
	}
}

func TestParseScheduleNeverInPast(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 9, 18, 10, 0, 0, 0, time.UTC)
	for _, c := range []string{"#at 2025-09-18 09:59", "#at 1999-01-01", "#in 0m", "plain"} {
		got := ParseSchedule(c, now)
		if got.FireAt.Before(now) {
			t.Fatalf("ParseSchedule(%q).FireAt = %v is before now", c, got.FireAt)
		}
	}
	if got := ParseSchedule("#at 2025-09-18 09:59", now); !got.Clamped {
		t.Fatal("expected past absolute time to be clamped")
	}
}
