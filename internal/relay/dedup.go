package relay

import (
	"context"
	"fmt"
)

// FingerprintSet is the published-content side of duplicate checks.
type FingerprintSet interface {
	HasFingerprint(ctx context.Context, fp string) (bool, error)
}

// Decision is the Resolver's verdict. Colliding is empty when Clear.
type Decision struct {
	Clear     bool
	Colliding []string
}

// Resolver gates a submission against published fingerprints and against
// fingerprints held by other live submissions.
type Resolver struct {
	Published FingerprintSet
}

// Check reports which of sub's fingerprints are already known. queued maps
// a fingerprint to the live submission that holds it; entries owned by sub
// itself are ignored. Repeats inside sub are not collisions.
func (r Resolver) Check(ctx context.Context, sub *Submission, queued map[string]string) (Decision, error) {
	seen := make(map[string]struct{}, len(sub.Items))
	var colliding []string
	for _, fp := range sub.Fingerprints() {
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		if owner, ok := queued[fp]; ok && owner != sub.ID {
			colliding = append(colliding, fp)
			continue
		}
		if r.Published == nil {
			continue
		}
		ok, err := r.Published.HasFingerprint(ctx, fp)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if ok {
			colliding = append(colliding, fp)
		}
	}
	return Decision{Clear: len(colliding) == 0, Colliding: colliding}, nil
}
