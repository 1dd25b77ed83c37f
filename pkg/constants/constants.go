package constants

import "time"

const (
	// CloseMessageCode is the WebSocket close code sent on an intentional close.
	CloseMessageCode = 1000
	// AbnormalCloseCode is reported when a connection goes away without a close frame.
	AbnormalCloseCode = 1006

	// DefaultHeartbeatInterval is how often a ping is written while the connection is open.
	DefaultHeartbeatInterval = 20 * time.Second
	// DefaultBaseMessageID is the first auto-assigned message id.
	DefaultBaseMessageID int64 = 1

	DefaultBackoffInitialDelay = time.Second
	DefaultBackoffMaxDelay     = 100 * time.Second
	DefaultBackoffMultiplier   = 2.0

	// MaxWriteAttempts is how many connections a frame may fail to be
	// written to before it is discarded.
	MaxWriteAttempts = 3

	// DefaultWriteTimeout bounds control frame writes (ping, close).
	DefaultWriteTimeout = 10 * time.Second
)

var (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
)
