package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// delayedFirst fires first at a fixed time, then follows base.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// makeIntervalScheduleWithSpread offsets the first run of an interval job by
// a per-name delay below min(every, 30s), so the compaction and sweep jobs
// registered at boot do not hit the disk together.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxStartupSpread)
	if limit <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte(now.Format(time.RFC3339Nano)))
	jitter := time.Duration(h.Sum64() % uint64(limit))
	return &delayedFirst{base: base, first: now.Add(every + jitter)}, jitter
}
