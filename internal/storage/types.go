package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, lost on restart
//   - "file":   dependency-free file backend (jsonl journals + snapshots)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SubmissionRecord is the persisted form of a queued submission.
// Payload is opaque to storage; the relay engine owns its encoding.
type SubmissionRecord struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	FireAt    time.Time `json:"fire_at"`
	CreatedAt time.Time `json:"created_at"`
	Seq       uint64    `json:"seq"`
	Payload   []byte    `json:"payload"`
}

// DispatchRecord is the last successful publish.
type DispatchRecord struct {
	Ref          string    `json:"ref"`
	Caption      string    `json:"caption"`
	SubmissionID string    `json:"submission_id"`
	PublishedAt  time.Time `json:"published_at"`
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
