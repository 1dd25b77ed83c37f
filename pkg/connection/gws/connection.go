// Package gws implements connection.Transport on top of github.com/lxzan/gws.
package gws

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lxzan/gws"

	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/constants"
	"github.com/flowthings/flowthings.go/pkg/logger"
)

type Transport struct {
	Header            http.Header
	HandshakeTimeout  time.Duration
	PermessageDeflate bool

	Logger logger.Logger
}

var _ connection.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		HandshakeTimeout:  constants.DefaultWriteTimeout,
		PermessageDeflate: true,
		Logger:            logger.Nop(),
	}
}

func (t *Transport) Dial(rawURL string, h connection.EventHandler) (connection.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrInvalidURL, err)
	}
	if u.Scheme != constants.WebsocketScheme && u.Scheme != constants.WebsocketSecureScheme {
		return nil, fmt.Errorf("%w: unsupported scheme %q", constants.ErrInvalidURL, u.Scheme)
	}

	l := t.Logger
	if l == nil {
		l = logger.Nop()
	}

	c := &Connection{handler: h, logger: l}
	c.state.Store(connection.StateConnecting)

	option := &gws.ClientOption{
		Addr:             rawURL,
		RequestHeader:    t.Header,
		HandshakeTimeout: t.HandshakeTimeout,
		PermessageDeflate: gws.PermessageDeflate{
			Enabled: t.PermessageDeflate,
		},
	}

	go c.run(option)

	return c, nil
}

type Connection struct {
	conn     *gws.Conn
	connLock sync.Mutex

	state   connection.AtomicState
	handler connection.EventHandler

	closeOnce      sync.Once
	closeRequested bool
	closeReason    string

	logger logger.Logger
}

var _ connection.Conn = (*Connection)(nil)

func (c *Connection) State() connection.State {
	return c.state.Load()
}

func (c *Connection) run(option *gws.ClientOption) {
	socket, _, err := gws.NewClient(&websocketHandler{conn: c}, option)
	if err != nil {
		c.finish(fmt.Errorf("dial %s: %w", option.Addr, err))
		return
	}

	c.connLock.Lock()
	if !c.state.CompareAndSwap(connection.StateConnecting, connection.StateOpen) {
		c.connLock.Unlock()
		socket.NetConn().Close()
		c.finish(errors.New("closed while connecting"))
		return
	}
	c.conn = socket
	c.connLock.Unlock()

	// ReadLoop reports OnOpen first and OnClose last, on this goroutine.
	socket.ReadLoop()
}

func (c *Connection) finish(err error) {
	c.state.Store(connection.StateClosed)

	c.connLock.Lock()
	requested, reason := c.closeRequested, c.closeReason
	c.connLock.Unlock()

	if requested {
		c.handler.OnClose(constants.CloseMessageCode, reason)
		return
	}

	var closeErr *gws.CloseError
	if errors.As(err, &closeErr) {
		c.handler.OnClose(int(closeErr.Code), string(closeErr.Reason))
		return
	}

	if err == nil {
		err = errors.New("connection closed")
	}
	c.handler.OnError(err)
	c.handler.OnClose(constants.AbnormalCloseCode, err.Error())
}

type websocketHandler struct {
	conn *Connection
}

func (h *websocketHandler) OnOpen(socket *gws.Conn) {
	h.conn.handler.OnOpen()
}

func (h *websocketHandler) OnClose(socket *gws.Conn, err error) {
	h.conn.finish(err)
}

func (h *websocketHandler) OnPing(socket *gws.Conn, payload []byte) {
	h.conn.handler.OnPing(payload)
	if err := socket.WritePong(payload); err != nil {
		h.conn.logger.Debug("gws: failed to write pong", "error", err)
	}
}

func (h *websocketHandler) OnPong(socket *gws.Conn, payload []byte) {
	h.conn.handler.OnPong(payload)
}

func (h *websocketHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	// The message buffer goes back to a pool on Close.
	data := append([]byte(nil), message.Bytes()...)
	h.conn.handler.OnMessage(data)
}

func (c *Connection) openConn() *gws.Conn {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.state.Load() != connection.StateOpen {
		return nil
	}
	return c.conn
}

func (c *Connection) Send(kind connection.MessageKind, data []byte) error {
	socket := c.openConn()
	if socket == nil {
		return constants.ErrNotOpen
	}

	opcode := gws.OpcodeText
	if kind == connection.BinaryMessage {
		opcode = gws.OpcodeBinary
	}
	return socket.WriteMessage(opcode, data)
}

func (c *Connection) Ping(payload []byte) error {
	socket := c.openConn()
	if socket == nil {
		return constants.ErrNotOpen
	}
	return socket.WritePing(payload)
}

func (c *Connection) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.connLock.Lock()
		c.closeRequested = true
		c.closeReason = reason
		socket := c.conn
		c.connLock.Unlock()

		if c.state.CompareAndSwap(connection.StateConnecting, connection.StateClosing) {
			// gws cannot cancel a dial; run closes the socket once it lands.
			return
		}
		if !c.state.CompareAndSwap(connection.StateOpen, connection.StateClosing) || socket == nil {
			return
		}

		socket.WriteClose(constants.CloseMessageCode, []byte(reason))
		socket.NetConn().Close()
	})
	return nil
}
