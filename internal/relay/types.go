package relay

import (
	"context"
	"strings"
	"time"
)

type MediaKind string

const (
	KindPhoto MediaKind = "photo"
	KindVideo MediaKind = "video"
)

func ParseKind(s string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPhoto:
		return KindPhoto, nil
	case KindVideo:
		return KindVideo, nil
	}
	return "", ErrUnknownKind
}

// MediaItem is one unit of content. It is immutable once fingerprinted.
type MediaItem struct {
	Kind        MediaKind `json:"kind"`
	Payload     string    `json:"payload"` // local file path
	Fingerprint string    `json:"fingerprint"`
	GroupID     string    `json:"group_id,omitempty"`
	MIME        string    `json:"mime,omitempty"`
	ArrivedAt   time.Time `json:"arrived_at"`
}

type State string

const (
	StateCreated          State = "created"
	StateScheduled        State = "scheduled"
	StateAwaitingApproval State = "awaiting_approval"
	StatePublished        State = "published"
	StateDiscarded        State = "discarded"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StatePublished, StateDiscarded, StateFailed, StateCancelled:
		return true
	}
	return false
}

type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
)

// DuplicateApproval is a pending operator decision. It only exists while its
// submission is awaiting approval.
type DuplicateApproval struct {
	ID           string     `json:"id"`
	SubmissionID string     `json:"submission_id"`
	Colliding    []string   `json:"colliding"`
	CreatedAt    time.Time  `json:"created_at"`
	Resolution   Resolution `json:"resolution"`
}

// Submission is the unit the engine schedules and publishes.
type Submission struct {
	ID        string             `json:"id"`
	Items     []MediaItem        `json:"items"`
	Caption   string             `json:"caption"`
	FireAt    time.Time          `json:"fire_at"`
	State     State              `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
	Seq       uint64             `json:"seq"`
	Approval  *DuplicateApproval `json:"approval,omitempty"`
	LastError string             `json:"last_error,omitempty"`

	// Picked by the timing goroutine and being published right now.
	inFlight bool
}

func (s *Submission) Fingerprints() []string {
	out := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		if it.Fingerprint != "" {
			out = append(out, it.Fingerprint)
		}
	}
	return out
}

// Event is one inbound item as delivered by the source listener.
type Event struct {
	GroupID     string
	Kind        MediaKind
	Payload     string
	Fingerprint string
	MIME        string
	Caption     string
	Final       bool
	ArrivedAt   time.Time
}

// PublishPlan is one thread: a captioned root followed by uncaptioned replies.
type PublishPlan struct {
	SubmissionID string
	Root         MediaItem
	Caption      string
	Replies      []MediaItem
}

type PublishResult struct {
	RootRef   string
	ReplyRefs []string
}

// Publisher delivers a plan to the destination feed. It is called once per
// dispatch attempt and must not retry the whole thread on its own.
type Publisher interface {
	Publish(ctx context.Context, plan PublishPlan) (PublishResult, error)
}

type PublisherFunc func(ctx context.Context, plan PublishPlan) (PublishResult, error)

func (f PublisherFunc) Publish(ctx context.Context, plan PublishPlan) (PublishResult, error) {
	return f(ctx, plan)
}

// NoticeKind classifies operator notices.
type NoticeKind string

const (
	NoticeApprovalRequested NoticeKind = "approval_requested"
	NoticeApprovalExpired   NoticeKind = "approval_expired"
	NoticePublished         NoticeKind = "published"
	NoticePublishFailed     NoticeKind = "publish_failed"
	NoticeStoreError        NoticeKind = "store_error"
)

// Notice is sent to the operator chat.
type Notice struct {
	Kind         NoticeKind
	SubmissionID string
	ApprovalID   string
	Caption      string
	Fingerprint  string // first colliding fingerprint
	Ref          string
	ItemCount    int
	Err          string
	At           time.Time
}

type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

type NotifierFunc func(ctx context.Context, n Notice)

func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// Stats is a point-in-time view for /status and metrics.
type Stats struct {
	Scheduled        int
	AwaitingApproval int
	InFlight         int
	Groups           int
	PendingCommits   int
	NextFire         time.Time
}
