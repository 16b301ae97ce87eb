package gateway

import "errors"

var (
	// ErrConfiguration is returned for new streams when no generation backend
	// is configured. No session is created.
	ErrConfiguration = errors.New("generation backend not configured")
	// ErrStreamNotFound is returned when resuming an id with no session.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrInvalidCursor is returned for a cursor outside [0, length].
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrInvalidRequest is returned when a request names neither or both of a
	// stream id and a generation payload, or carries an invalid payload.
	ErrInvalidRequest = errors.New("invalid stream request")
)
