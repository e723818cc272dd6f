package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.Mutex
	closed   bool
	fps      map[string]time.Time
	subs     map[string]SubmissionRecord
	dispatch *DispatchRecord
	audit    []AuditEntry
}

// NewMemory returns a Store that keeps everything in process memory.
func NewMemory() Store {
	return &memoryStore{
		fps:  map[string]time.Time{},
		subs: map[string]SubmissionRecord{},
	}
}

func (s *memoryStore) HasFingerprint(ctx context.Context, fp string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.fps[strings.TrimSpace(fp)]
	return ok, nil
}

func (s *memoryStore) AddFingerprints(ctx context.Context, fps []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, fp := range fps {
		if fp = strings.TrimSpace(fp); fp != "" {
			s.fps[fp] = at
		}
	}
	return nil
}

func (s *memoryStore) SaveSubmission(ctx context.Context, rec SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.subs[rec.ID] = rec
	return nil
}

func (s *memoryStore) DeleteSubmission(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.subs, id)
	return nil
}

func (s *memoryStore) LoadSubmissions(ctx context.Context) ([]SubmissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]SubmissionRecord, 0, len(s.subs))
	for _, r := range s.subs {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *memoryStore) PutDispatch(ctx context.Context, rec DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dispatch = &rec
	return nil
}

func (s *memoryStore) GetDispatch(ctx context.Context) (DispatchRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DispatchRecord{}, false, ErrClosed
	}
	if s.dispatch == nil {
		return DispatchRecord{}, false, nil
	}
	return *s.dispatch, true, nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) Compact(ctx context.Context) error { return nil }

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// sortRecords orders records the way the queue orders them: fire time, creation time, sequence.
func sortRecords(rs []SubmissionRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].FireAt.Equal(rs[j].FireAt) {
			return rs[i].FireAt.Before(rs[j].FireAt)
		}
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].Seq < rs[j].Seq
	})
}
