package realtime

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort lexicographically by creation time, which keeps log lines and
// message ids in the same order.
func NewULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand does not fail on supported platforms; fall back to the
		// monotonic default entropy rather than returning an empty id.
		return ulid.Make().String()
	}
	return id.String()
}

// NewSessionID returns a ULID used as websocket session handle.
func NewSessionID(now time.Time) string { return NewULID(now) }

// NewMessageID returns a ULID used as the broker-assigned message id.
func NewMessageID(now time.Time) string { return NewULID(now) }

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string { return NewULID(now) }
