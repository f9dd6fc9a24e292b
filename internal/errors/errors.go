package errors

import "errors"

// Common error types for the session-consistency protocol
var (
	// Session classification errors
	ErrNoActiveSession    = errors.New("no active session")
	ErrSessionInvalidated = errors.New("session invalidated")
	ErrTransient          = errors.New("transient failure")

	// Fan-out channel errors
	ErrChannelJoin  = errors.New("channel join failed")
	ErrNotConnected = errors.New("channel not connected")

	// State machine errors
	ErrInvalidTransition = errors.New("invalid state transition")

	// Flow errors
	ErrInvalidState = errors.New("invalid state parameter")
	ErrInvalidNonce = errors.New("invalid nonce")
	ErrNoIDToken    = errors.New("no id token in response")

	// Hub errors
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidLogoutToken = errors.New("invalid logout token")
	ErrReplayedToken      = errors.New("replayed token")

	// General errors
	ErrNotFound = errors.New("not found")
)
