package realtime

import (
	"time"

	"murmur/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) string {
	return ids.MustULID(now)
}

// NewChannelID returns a ULID used as channel id.
// Channel ids sort by creation time, which List relies on after a reload.
func NewChannelID(now time.Time) string {
	return ids.MustULID(now)
}

// NewMessageID returns a ULID used as message id.
func NewMessageID(now time.Time) string {
	return ids.MustULID(now)
}

// NewEnvelopeID returns the id stamped on outgoing envelopes.
func NewEnvelopeID() string {
	return ids.NewEnvelopeID()
}
