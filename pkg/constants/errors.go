package constants

import "errors"

var (
	ErrClosed      = errors.New("session is closed")
	ErrTimeout     = errors.New("timeout waiting for response")
	ErrWriteFailed = errors.New("frame could not be written")
	ErrNotOpen     = errors.New("connection is not open")
	ErrNoURL       = errors.New("connection url not set and no handshaker configured")
	ErrNoTransport = errors.New("transport is not set")
	ErrNoCodec     = errors.New("codec is not set")
	ErrNoTopic     = errors.New("topic id is empty")
	ErrInvalidURL  = errors.New("invalid websocket url")
)
