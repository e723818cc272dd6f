package relay

import (
	"time"

	"tgrelay/internal/eventbus"
)

// Bus topics published by Engine.
const (
	TopicEnqueued  = "relay.enqueued"
	TopicAwaiting  = "relay.awaiting"
	TopicPublished = "relay.published"
	TopicFailed    = "relay.failed"
	TopicCancelled = "relay.cancelled"
	TopicDiscarded = "relay.discarded"
)

// LifecycleEvent is the Data payload of every relay topic.
type LifecycleEvent struct {
	SubmissionID string        `json:"submission_id"`
	State        State         `json:"state"`
	Items        int           `json:"items"`
	FireAt       time.Time     `json:"fire_at"`
	Ref          string        `json:"ref,omitempty"`
	Error        string        `json:"error,omitempty"`
	Took         time.Duration `json:"took,omitempty"`
}

func topicFor(s State) string {
	switch s {
	case StateScheduled:
		return TopicEnqueued
	case StateAwaitingApproval:
		return TopicAwaiting
	case StatePublished:
		return TopicPublished
	case StateFailed:
		return TopicFailed
	case StateCancelled:
		return TopicCancelled
	case StateDiscarded:
		return TopicDiscarded
	}
	return ""
}

func (e *Engine) publishEvent(sub Submission, ref, errText string, took time.Duration) {
	if e.bus == nil {
		return
	}
	topic := topicFor(sub.State)
	if topic == "" {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: topic,
		Time: e.now(),
		Data: LifecycleEvent{
			SubmissionID: sub.ID,
			State:        sub.State,
			Items:        len(sub.Items),
			FireAt:       sub.FireAt,
			Ref:          ref,
			Error:        errText,
			Took:         took,
		},
	})
}
