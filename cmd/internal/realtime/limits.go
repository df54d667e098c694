package realtime

import "time"

// Connection limits and defaults.
const (
	// maxFrameBytes bounds one inbound websocket frame. Message bodies top
	// out at 2000 runes, so 64 KiB leaves generous envelope headroom.
	maxFrameBytes = 64 * 1024

	// defaultSendQueueSize bounds the per-session outbound queue. When the
	// queue is full, pushes are dropped rather than blocking the hub.
	defaultSendQueueSize = 64
	minSendQueueSize     = 16

	// defaultHelloTimeout bounds how long an unauthenticated connection may
	// sit before the first hello frame arrives.
	defaultHelloTimeout = 10 * time.Second

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 10 * time.Second
	maxPingFailures          = 3

	// Per-connection inbound event budget, independent of the per-sender
	// message limit enforced by the messaging service.
	defaultConnRateEvents = 60
	defaultConnRateWindow = 10 * time.Second
)
