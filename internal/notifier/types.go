package notifier

import (
	"time"

	kit "tgrelay/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Notification is one operator message.
type Notification struct {
	// Channel groups notifications for dedup and events, e.g. "relay.published".
	Channel string
	// Key overrides the text-based dedup key, e.g. one per submission.
	Key      string
	Priority int
	Target   kit.ChatTarget
	Text     string
	Options  *kit.SendOptions
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// NotificationEvent is the Data of notifier.* bus events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
