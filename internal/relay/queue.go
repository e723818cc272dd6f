package relay

import (
	"sort"
	"strings"
	"time"
)

// queue holds every live submission ordered by fire time, then creation
// time, then admission sequence. It is not safe for concurrent use; Engine
// guards it.
type queue struct {
	items []*Submission
	byID  map[string]*Submission
}

func newQueue() *queue {
	return &queue{byID: map[string]*Submission{}}
}

func lessSubmission(a, b *Submission) bool {
	if !a.FireAt.Equal(b.FireAt) {
		return a.FireAt.Before(b.FireAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// insert adds sub. A submission with the same id replaces the old entry.
func (q *queue) insert(sub *Submission) {
	if _, ok := q.byID[sub.ID]; ok {
		q.remove(sub.ID)
	}
	i := sort.Search(len(q.items), func(i int) bool { return lessSubmission(sub, q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = sub
	q.byID[sub.ID] = sub
}

func (q *queue) remove(id string) *Submission {
	sub, ok := q.byID[id]
	if !ok {
		return nil
	}
	delete(q.byID, id)
	for i, s := range q.items {
		if s == sub {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return sub
}

func (q *queue) get(id string) *Submission { return q.byID[id] }

func (q *queue) len() int { return len(q.items) }

// nextDue returns the first scheduled submission with FireAt <= now that is
// not already being published.
func (q *queue) nextDue(now time.Time) *Submission {
	for _, s := range q.items {
		if s.FireAt.After(now) {
			return nil
		}
		if s.State == StateScheduled && !s.inFlight {
			return s
		}
	}
	return nil
}

// nextFire is the earliest fire time among idle scheduled submissions.
func (q *queue) nextFire() (time.Time, bool) {
	for _, s := range q.items {
		if s.State == StateScheduled && !s.inFlight {
			return s.FireAt, true
		}
	}
	return time.Time{}, false
}

func (q *queue) byState(state State) []*Submission {
	var out []*Submission
	for _, s := range q.items {
		if s.State == state {
			out = append(out, s)
		}
	}
	return out
}

// approvals lists awaiting submissions, oldest request first.
func (q *queue) approvals() []*Submission {
	out := q.byState(StateAwaitingApproval)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Approval.CreatedAt.Before(out[j].Approval.CreatedAt)
	})
	return out
}

// findApproval resolves an approval id or a unique prefix of one. The
// submission id (or its prefix) is accepted as well. Empty id picks the
// oldest request.
func (q *queue) findApproval(id string) (*Submission, error) {
	pending := q.approvals()
	if len(pending) == 0 {
		return nil, ErrApprovalNotFound
	}
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return pending[0], nil
	}
	var match *Submission
	for _, s := range pending {
		if s.Approval.ID == id || s.ID == id {
			return s, nil
		}
		if strings.HasPrefix(s.Approval.ID, id) || strings.HasPrefix(s.ID, id) {
			if match != nil && match != s {
				return nil, ErrAmbiguousID
			}
			match = s
		}
	}
	if match == nil {
		return nil, ErrApprovalNotFound
	}
	return match, nil
}

// fingerprints maps each fingerprint held by a live submission to its owner.
func (q *queue) fingerprints() map[string]string {
	out := make(map[string]string, len(q.items))
	for _, s := range q.items {
		for _, fp := range s.Fingerprints() {
			if _, ok := out[fp]; !ok {
				out[fp] = s.ID
			}
		}
	}
	return out
}
