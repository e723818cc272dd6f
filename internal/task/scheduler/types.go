package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler service.
type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ, e.g. "Asia/Jakarta"
	DefaultTimeout time.Duration
	HistorySize    int
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules
	running       atomic.Bool
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type HistoryItem struct {
	Name    string
	Started time.Time
	Took    time.Duration
	Error   string
}

// TaskEvent is the Data of task.* bus events.
type TaskEvent struct {
	Name  string        `json:"name"`
	Took  time.Duration `json:"took"`
	Error string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Skipped   uint64
	Schedules []ScheduleInfo
	History   []HistoryItem
}
