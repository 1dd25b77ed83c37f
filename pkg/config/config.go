// Package config loads session settings from a TOML file and the
// environment, and turns them into a *flowthings.Config.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	flowthings "github.com/flowthings/flowthings.go"
	"github.com/flowthings/flowthings.go/pkg/codec"
	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/connection/gorillaws"
	"github.com/flowthings/flowthings.go/pkg/connection/gws"
	"github.com/flowthings/flowthings.go/pkg/connection/rews"
	"github.com/flowthings/flowthings.go/pkg/constants"
	"github.com/flowthings/flowthings.go/pkg/logger"
	zlog "github.com/flowthings/flowthings.go/pkg/logger/zerolog"
)

const (
	EnvURL       = "FLOWTHINGS_URL"
	EnvTransport = "FLOWTHINGS_TRANSPORT"
	EnvCodec     = "FLOWTHINGS_CODEC"
	EnvLogLevel  = "FLOWTHINGS_LOG_LEVEL"
)

const (
	TransportGorilla = "gorillaws"
	TransportGws     = "gws"

	LogFormatConsole = "console"
	LogFormatJSON    = "json"
	LogFormatZerolog = "zerolog"
)

// GetEnvOrDefault returns the value of the environment variable key,
// or defaultValue when it is unset or empty.
func GetEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value
}

type fileConfig struct {
	URL               string        `toml:"url"`
	Transport         string        `toml:"transport"`
	Codec             string        `toml:"codec"`
	LogLevel          string        `toml:"log_level"`
	LogFormat         string        `toml:"log_format"`
	Heartbeat         bool          `toml:"heartbeat"`
	HeartbeatInterval string        `toml:"heartbeat_interval"`
	LogHeartbeat      bool          `toml:"log_heartbeat"`
	BaseMessageID     int64         `toml:"base_message_id"`
	RequestTimeout    string        `toml:"request_timeout"`
	HandshakeTimeout  string        `toml:"handshake_timeout"`
	Backoff           backoffConfig `toml:"backoff"`
	Flows             []string      `toml:"flows"`
}

type backoffConfig struct {
	Initial    string  `toml:"initial"`
	Max        string  `toml:"max"`
	Multiplier float64 `toml:"multiplier"`
	Jitter     float64 `toml:"jitter"`
}

// Settings are the resolved session settings.
type Settings struct {
	URL       string
	Transport string
	Codec     string
	LogLevel  slog.Level
	LogFormat string

	Heartbeat         bool
	HeartbeatInterval time.Duration
	LogHeartbeat      bool
	BaseMessageID     int64
	RequestTimeout    time.Duration
	HandshakeTimeout  time.Duration
	Backoff           rews.BackoffConfig

	// Flows are the flow ids a command line client subscribes to.
	Flows []string
}

func Default() Settings {
	return Settings{
		Transport:         TransportGorilla,
		Codec:             "json",
		LogLevel:          slog.LevelInfo,
		LogFormat:         LogFormatConsole,
		Heartbeat:         true,
		HeartbeatInterval: constants.DefaultHeartbeatInterval,
		BaseMessageID:     constants.DefaultBaseMessageID,
		Backoff:           rews.DefaultBackoffConfig(),
	}
}

// Load reads path, when not empty, over the defaults and then applies the
// environment overrides.
func Load(path string) (Settings, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return Settings{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Settings{}, err
	}

	return cfg, nil
}

//nolint:gocyclo
func (s *Settings) decodeFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("url") {
		s.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("transport") {
		s.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("codec") {
		s.Codec = strings.TrimSpace(raw.Codec)
	}
	if meta.IsDefined("log_level") {
		if err := s.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
	}
	if meta.IsDefined("log_format") {
		s.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("heartbeat") {
		s.Heartbeat = raw.Heartbeat
	}
	if meta.IsDefined("heartbeat_interval") {
		if s.HeartbeatInterval, err = parseDuration("heartbeat_interval", raw.HeartbeatInterval); err != nil {
			return err
		}
	}
	if meta.IsDefined("log_heartbeat") {
		s.LogHeartbeat = raw.LogHeartbeat
	}
	if meta.IsDefined("base_message_id") {
		s.BaseMessageID = raw.BaseMessageID
	}
	if meta.IsDefined("request_timeout") {
		if s.RequestTimeout, err = parseDuration("request_timeout", raw.RequestTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("handshake_timeout") {
		if s.HandshakeTimeout, err = parseDuration("handshake_timeout", raw.HandshakeTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("backoff", "initial") {
		if s.Backoff.InitialDelay, err = parseDuration("backoff.initial", raw.Backoff.Initial); err != nil {
			return err
		}
	}
	if meta.IsDefined("backoff", "max") {
		if s.Backoff.MaxDelay, err = parseDuration("backoff.max", raw.Backoff.Max); err != nil {
			return err
		}
	}
	if meta.IsDefined("backoff", "multiplier") {
		s.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		s.Backoff.RandomizationFactor = raw.Backoff.Jitter
	}
	if meta.IsDefined("flows") {
		s.Flows = normalizeFlows(raw.Flows)
	}

	return nil
}

func (s *Settings) applyEnv() error {
	s.URL = GetEnvOrDefault(EnvURL, s.URL)
	s.Transport = GetEnvOrDefault(EnvTransport, s.Transport)
	s.Codec = GetEnvOrDefault(EnvCodec, s.Codec)

	if level := os.Getenv(EnvLogLevel); level != "" {
		if err := s.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("parse %s: %w", EnvLogLevel, err)
		}
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeFlows(in []string) []string {
	out := make([]string, 0, len(in))
	for _, flow := range in {
		v := strings.TrimSpace(flow)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// SessionConfig builds a session config writing its logs to w.
func (s *Settings) SessionConfig(w io.Writer) (*flowthings.Config, error) {
	l, err := s.Logger(w)
	if err != nil {
		return nil, err
	}

	tr, err := s.transport(l)
	if err != nil {
		return nil, err
	}

	c, ok := codec.ByName(s.Codec)
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", s.Codec)
	}

	cfg := flowthings.NewConfig(s.URL)
	cfg.Transport = tr
	cfg.Codec = c
	cfg.Logger = l
	cfg.Heartbeat = s.Heartbeat
	cfg.HeartbeatInterval = s.HeartbeatInterval
	cfg.LogHeartbeat = s.LogHeartbeat
	cfg.BaseMessageID = s.BaseMessageID
	cfg.RequestTimeout = s.RequestTimeout
	cfg.HandshakeTimeout = s.HandshakeTimeout
	cfg.Backoff = s.Backoff

	return cfg, nil
}

func (s *Settings) transport(l logger.Logger) (connection.Transport, error) {
	switch s.Transport {
	case "", TransportGorilla:
		return gorillaws.New().Logger(l), nil
	case TransportGws:
		tr := gws.New()
		tr.Logger = l
		return tr, nil
	}
	return nil, fmt.Errorf("unknown transport %q", s.Transport)
}

// Logger builds the logger selected by LogFormat and LogLevel.
func (s *Settings) Logger(w io.Writer) (logger.Logger, error) {
	switch s.LogFormat {
	case "", LogFormatConsole:
		return logger.New(logger.NewConsoleHandler(w, s.LogLevel)), nil
	case LogFormatJSON:
		return logger.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: s.LogLevel})), nil
	case LogFormatZerolog:
		level, err := zerolog.ParseLevel(strings.ToLower(s.LogLevel.String()))
		if err != nil {
			return nil, fmt.Errorf("zerolog level: %w", err)
		}
		return zlog.New(zerolog.New(w).Level(level).With().Timestamp().Logger()), nil
	}
	return nil, fmt.Errorf("unknown log format %q", s.LogFormat)
}
