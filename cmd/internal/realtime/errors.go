package realtime

import "errors"

var (
	// ErrInvalidInput reports a malformed or incomplete request.
	ErrInvalidInput = errors.New("realtime: invalid input")
	// ErrNotJoined reports an event received before the connection sent join.
	ErrNotJoined = errors.New("realtime: join first")
	// ErrIdentityMismatch reports a payload claiming another user's identity.
	ErrIdentityMismatch = errors.New("realtime: identity mismatch")
	// ErrMessageTooLong reports a body over the per-message rune limit.
	ErrMessageTooLong = errors.New("realtime: message too long")

	errHandlerPanic = errors.New("realtime: handler panic")
)
