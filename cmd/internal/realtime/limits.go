package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits: sustained events per second and burst.
	rateLimitPerSecond = 12
	rateLimitBurst     = 40

	// DefaultTypingTTL is how long a typing signal stays active without a refresh.
	DefaultTypingTTL = 5 * time.Second
)
