package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Max notification text length (runes).
	maxNotificationChars = 1000

	// Per-conversation in-memory log bound.
	maxMessagesPerConversation = 10_000
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

const (
	defaultHistoryPage  = 1
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)
