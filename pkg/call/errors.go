package call

import "errors"

var (
	// ErrNoActiveCall indicates a join was attempted with no active call.
	ErrNoActiveCall = errors.New("no active call in room")

	// ErrEmptyIdentity indicates a blank participant identity.
	ErrEmptyIdentity = errors.New("participant identity is empty")
)
