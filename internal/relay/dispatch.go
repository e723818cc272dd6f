package relay

import (
	"sync"
	"time"
)

// DispatchRecord describes the most recent successful publish.
type DispatchRecord struct {
	Ref          string
	Caption      string
	SubmissionID string
	PublishedAt  time.Time
}

// DispatchSlot holds the last DispatchRecord. Last write wins.
type DispatchSlot struct {
	mu  sync.RWMutex
	rec DispatchRecord
	set bool
}

func NewDispatchSlot() *DispatchSlot { return &DispatchSlot{} }

func (s *DispatchSlot) Get() (DispatchRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec, s.set
}

func (s *DispatchSlot) Set(rec DispatchRecord) {
	s.mu.Lock()
	s.rec = rec
	s.set = true
	s.mu.Unlock()
}
