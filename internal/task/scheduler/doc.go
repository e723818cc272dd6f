// Package scheduler runs housekeeping jobs on cron or interval schedules
// (storage compaction, stale media sweeps).
//
// Jobs run on the cron goroutine, one at a time per schedule: a trigger that
// fires while the previous run is still going is skipped.
package scheduler
