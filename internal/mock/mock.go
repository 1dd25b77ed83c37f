// Package mock provides an in-memory connection.Transport for exercising a
// session without a network. Tests drive each Conn by hand: Open, Push,
// Drop and Fail inject the events a real socket would report.
package mock

import (
	"sync"

	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/constants"
)

type Transport struct {
	mu    sync.Mutex
	conns []*Conn

	// DialErr, when set, is returned by Dial.
	DialErr error
}

var _ connection.Transport = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{}
}

func (t *Transport) Dial(url string, h connection.EventHandler) (connection.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.DialErr != nil {
		return nil, t.DialErr
	}

	c := &Conn{URL: url, handler: h}
	c.state.Store(connection.StateConnecting)
	t.conns = append(t.conns, c)
	return c, nil
}

// Conns returns every Conn dialed so far, oldest first.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

// Conn returns the i-th dialed Conn, or nil.
func (t *Transport) Conn(i int) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

func (t *Transport) Dialed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

type Conn struct {
	URL string

	handler connection.EventHandler
	state   connection.AtomicState

	mu          sync.Mutex
	sent        [][]byte
	kinds       []connection.MessageKind
	pings       int
	sendErr     error
	closeReason string
	closed      bool
}

var _ connection.Conn = (*Conn)(nil)

func (c *Conn) State() connection.State {
	return c.state.Load()
}

// Open completes the handshake.
func (c *Conn) Open() {
	if c.state.CompareAndSwap(connection.StateConnecting, connection.StateOpen) {
		c.handler.OnOpen()
	}
}

// Push delivers an inbound frame.
func (c *Conn) Push(data []byte) {
	c.handler.OnMessage(data)
}

// Drop simulates the peer closing the connection.
func (c *Conn) Drop(code int, reason string) {
	if c.markClosed() {
		c.handler.OnClose(code, reason)
	}
}

// Fail simulates a network failure: an error followed by an abnormal close.
func (c *Conn) Fail(err error) {
	if c.markClosed() {
		c.handler.OnError(err)
		c.handler.OnClose(constants.AbnormalCloseCode, err.Error())
	}
}

// FailSends makes every following Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Conn) Send(kind connection.MessageKind, data []byte) error {
	if c.state.Load() != connection.StateOpen {
		return constants.ErrNotOpen
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.kinds = append(c.kinds, kind)
	return nil
}

func (c *Conn) Ping([]byte) error {
	if c.state.Load() != connection.StateOpen {
		return constants.ErrNotOpen
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	c.closeReason = reason
	c.mu.Unlock()

	if c.markClosed() {
		c.handler.OnClose(constants.CloseMessageCode, reason)
	}
	return nil
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.state.Store(connection.StateClosed)
	return true
}

// Sent returns a copy of the frames written so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *Conn) Kinds() []connection.MessageKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]connection.MessageKind(nil), c.kinds...)
}

func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// CloseReason is the reason given to Close, if it was called.
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}
