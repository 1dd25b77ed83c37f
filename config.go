package flowthings

import (
	"log/slog"
	"os"
	"time"

	"github.com/flowthings/flowthings.go/pkg/codec"
	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/connection/gorillaws"
	"github.com/flowthings/flowthings.go/pkg/connection/rews"
	"github.com/flowthings/flowthings.go/pkg/constants"
	"github.com/flowthings/flowthings.go/pkg/logger"
)

// Config configures a Session. Use NewConfig to get one with defaults.
type Config struct {
	// URL is the WebSocket endpoint of the first connection.
	// When empty, Handshaker is asked for it.
	URL string

	// Handshaker hands out the URL of every new connection.
	// Defaults to always reconnecting to URL.
	Handshaker rews.Handshaker

	Transport connection.Transport
	Codec     codec.Codec
	Logger    logger.Logger

	Heartbeat         bool
	HeartbeatInterval time.Duration
	// LogHeartbeat logs every ping sent.
	LogHeartbeat bool

	// BaseMessageID is the first id handed out by the automatic counter.
	// It is used as given, zero included; NewConfig sets it to 1.
	BaseMessageID int64

	// RequestTimeout fails a pending request with constants.ErrTimeout
	// when no response arrives in time. Zero disables it.
	RequestTimeout time.Duration

	// HandshakeTimeout bounds each reconnect handshake. Zero disables it.
	HandshakeTimeout time.Duration

	Backoff rews.BackoffConfig

	// OnReconnect runs on the event loop after a new connection was
	// attached and subscriptions were replayed onto it.
	OnReconnect func()

	// OnResubscribed runs once every replayed subscription of a
	// reconnect has been acknowledged or has failed.
	OnResubscribed func(ResubscribeResult)

	// OnMessage sees every raw inbound frame before it is dispatched.
	OnMessage func(raw []byte)
}

func NewConfig(u string) *Config {
	return &Config{
		URL:               u,
		Transport:         gorillaws.New(),
		Codec:             codec.JSON{},
		Logger:            logger.New(slog.NewTextHandler(os.Stdout, nil)),
		Heartbeat:         true,
		HeartbeatInterval: constants.DefaultHeartbeatInterval,
		BaseMessageID:     constants.DefaultBaseMessageID,
		Backoff:           rews.DefaultBackoffConfig(),
	}
}

func (c *Config) validate() error {
	if c.URL == "" && c.Handshaker == nil {
		return constants.ErrNoURL
	}
	if c.Transport == nil {
		return constants.ErrNoTransport
	}
	if c.Codec == nil {
		return constants.ErrNoCodec
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if cfg.Handshaker == nil {
		cfg.Handshaker = rews.StaticURL(cfg.URL)
	}
	return cfg
}
