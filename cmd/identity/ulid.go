package identity

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a 26-char ULID stamped with now (current time when zero).
// Ids minted within the same millisecond stay ordered.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now()
	}
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
