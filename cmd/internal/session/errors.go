package session

import "errors"

var (
	// ErrSessionClosed is returned to any caller of a session that has fully closed.
	// It is terminal for the exchange that observes it.
	ErrSessionClosed = errors.New("session closed")

	// ErrReaderConflict is returned when a second blocking read is attempted while
	// another read on the same session is still outstanding.
	ErrReaderConflict = errors.New("another connection still open")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)
