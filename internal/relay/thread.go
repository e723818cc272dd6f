package relay

// Assemble orders sub into a thread. The first video is the root; without
// a video the first item is. Every other item follows as a reply in arrival
// order. Only the root carries the caption.
func Assemble(sub *Submission) (PublishPlan, error) {
	if sub == nil || len(sub.Items) == 0 {
		return PublishPlan{}, ErrEmptySubmission
	}
	root := 0
	for i, it := range sub.Items {
		if it.Kind == KindVideo {
			root = i
			break
		}
	}
	replies := make([]MediaItem, 0, len(sub.Items)-1)
	for i, it := range sub.Items {
		if i != root {
			replies = append(replies, it)
		}
	}
	return PublishPlan{
		SubmissionID: sub.ID,
		Root:         sub.Items[root],
		Caption:      sub.Caption,
		Replies:      replies,
	}, nil
}
