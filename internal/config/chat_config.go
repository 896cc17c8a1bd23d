package config

import "time"

const (
	// Messages
	MaxMessageLength = 4000

	// Store write retries
	RetryInitialInterval = 200 * time.Millisecond
	RetryMaxInterval     = 5 * time.Second
	RetryMaxElapsedTime  = 30 * time.Second
	OperationTimeout     = 40 * time.Second

	// Websocket
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxFrameSize   = 8 << 10
	SendBufferSize = 16

	// Commands read from one socket but not yet run
	CommandQueueSize = 64

	// Presence writes issued by the hub
	PresenceWriteTimeout = 5 * time.Second

	// On-duty chat announcements that failed are retried after this long
	NotifyRetryDelay = 30 * time.Second
)
