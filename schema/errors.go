package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidSession indicates a session key with a missing or malformed component.
	ErrInvalidSession = errors.New("invalid session key")
	// ErrSessionNotFound indicates the host has no session for the key.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTerminalNotStarted indicates the session exists but its PTY is not running.
	ErrTerminalNotStarted = errors.New("terminal not started")
	// ErrHostUnavailable indicates the session host could not be reached.
	ErrHostUnavailable = errors.New("session host unavailable")
	// ErrUnauthorized indicates a missing or rejected bearer token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStreamClosed indicates the event stream ended.
	ErrStreamClosed = errors.New("event stream closed")
	// ErrRateLimited indicates input was rejected by the host rate limiter.
	ErrRateLimited = errors.New("input rate limited")
)
