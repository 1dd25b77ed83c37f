// Package connection defines the wire frames exchanged with the service
// and the transport contract a session drives.
//
// A Transport dials a URL and returns a Conn that starts in StateConnecting.
// Dialing happens in the background; the outcome is reported through the
// EventHandler given to Dial, exactly like a browser WebSocket:
// OnOpen once the handshake completes, OnMessage per inbound frame, and
// OnClose exactly once when the connection is gone, preceded by OnError
// when the loss was not a clean close.
//
// Implementations live in the gorillaws and gws sub-packages.
package connection

import (
	"fmt"
	"sync/atomic"
)

// IntentionalClose is the close reason a session uses when the caller asked
// for the connection to go away. A close carrying this reason must not be
// treated as a connection loss.
const IntentionalClose = "flowthings: session closed"

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// AtomicState is a State that can be read and swapped concurrently.
type AtomicState struct {
	v atomic.Int32
}

func (a *AtomicState) Load() State {
	return State(a.v.Load())
}

func (a *AtomicState) Store(s State) {
	a.v.Store(int32(s))
}

// CompareAndSwap moves from old to next and reports whether it did.
func (a *AtomicState) CompareAndSwap(old, next State) bool {
	return a.v.CompareAndSwap(int32(old), int32(next))
}

// MessageKind selects the WebSocket data frame type used by Conn.Send.
type MessageKind int

const (
	TextMessage MessageKind = iota
	BinaryMessage
)

// EventHandler receives the events of a single Conn.
// Calls may come from any goroutine, but never concurrently for the same Conn.
type EventHandler interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(code int, reason string)
	OnError(err error)
	OnPing(payload []byte)
	OnPong(payload []byte)
}

// Conn is one duplex connection. It is never reused after it closes.
type Conn interface {
	// Send writes one data frame. It fails with constants.ErrNotOpen
	// unless the connection is open.
	Send(kind MessageKind, data []byte) error
	// Ping writes a transport level ping control frame.
	Ping(payload []byte) error
	// Close tears the connection down, sending reason in the close frame.
	// It is safe to call more than once and in any state.
	Close(reason string) error
	State() State
}

type Transport interface {
	// Dial starts connecting to url and returns immediately.
	// An error is only returned when the dial cannot even be attempted,
	// such as for a malformed url.
	Dial(url string, h EventHandler) (Conn, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(url string, h EventHandler) (Conn, error)

func (f TransportFunc) Dial(url string, h EventHandler) (Conn, error) {
	return f(url, h)
}
