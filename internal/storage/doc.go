// Package storage persists the relay's durable state.
//
// It holds:
//   - the fingerprint set of everything already published
//   - every non-terminal submission (the scheduling queue contents)
//   - the last dispatch record
//   - an append-only audit log of operator actions
package storage
