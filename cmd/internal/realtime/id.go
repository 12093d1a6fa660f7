package realtime

import (
	"time"

	"github.com/google/uuid"

	"tars/cmd/identity"
)

// NewSessionID returns a random UUID identifying one websocket connection.
func NewSessionID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return identity.NewULID(now)
}

// NewMessageID returns a ULID used as the persisted message id.
func NewMessageID(now time.Time) (string, error) {
	return identity.NewULID(now)
}
