package mesh

import "errors"

var (
	// ErrLinkClosed indicates the peer link has been closed.
	ErrLinkClosed = errors.New("link is closed")

	// ErrLinkNotFound indicates no link exists for the remote identity.
	ErrLinkNotFound = errors.New("link not found")

	// ErrPoolClosed indicates the link pool has been shut down.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrAlreadyInCall indicates the session already has an active call.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrNotInCall indicates the session has no active call.
	ErrNotInCall = errors.New("not in a call")

	// ErrMediaUnavailable indicates local audio capture failed. The call
	// attempt is aborted before any roster mutation; retryable.
	ErrMediaUnavailable = errors.New("local audio unavailable")

	// ErrAutoplayBlocked is returned by a playback sink whose platform
	// refuses to start audio output without a user gesture. Recoverable via
	// Playback.Resume; never fatal to the call.
	ErrAutoplayBlocked = errors.New("audio playback blocked pending user gesture")
)
