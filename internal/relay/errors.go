package relay

import "errors"

var (
	// ErrParseAmbiguous marks a malformed schedule directive. It is absorbed:
	// the submission schedules immediately and the directive stays in the caption.
	ErrParseAmbiguous = errors.New("relay: malformed schedule directive")

	// ErrPublish wraps any error returned by the Publisher.
	ErrPublish = errors.New("relay: publish failed")

	// ErrStoreUnavailable wraps persistence failures.
	ErrStoreUnavailable = errors.New("relay: store unavailable")

	ErrApprovalNotFound = errors.New("relay: approval not found")
	ErrAmbiguousID      = errors.New("relay: id prefix matches more than one approval")
	ErrEmptySubmission  = errors.New("relay: submission has no items")
	ErrUnknownKind      = errors.New("relay: unknown media kind")
	ErrClosed           = errors.New("relay: engine closed")
)
