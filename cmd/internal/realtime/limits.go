package realtime

import "time"

// Hard limits enforced by the gateway.
const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	// Max message text length in runes.
	maxMessageChars = 2000

	// Max size of an opaque signaling payload.
	maxSignalBytes = 32 << 10
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)
