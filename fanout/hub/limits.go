package hub

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 16 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Per-connection rate limits (invokes per window). Clients only join and leave.
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second

	defaultSendQueueSize = 32
	defaultWriteTimeout  = 5 * time.Second
	closeGrace           = time.Second
)
