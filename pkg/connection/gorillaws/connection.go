// Package gorillaws implements connection.Transport on top of gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/constants"
	"github.com/flowthings/flowthings.go/pkg/logger"
)

// DefaultDialer is the default gorilla dialer used by the Transport
//
// It uses the default gorilla dialer as of gorilla/websocket v1.5.0 with
// EnableCompression set to true.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// Option is applied to every Connection right after its handshake completes.
type Option func(c *Connection) error

type Transport struct {
	Dialer *gorilla.Dialer
	Header http.Header

	// WriteTimeout bounds ping and close control frame writes.
	WriteTimeout time.Duration

	Option []Option
	logger logger.Logger
}

var _ connection.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		Dialer:       DefaultDialer,
		WriteTimeout: constants.DefaultWriteTimeout,
		logger:       logger.Nop(),
	}
}

func (t *Transport) Logger(l logger.Logger) *Transport {
	t.logger = l
	return t
}

func (t *Transport) SetCompression(compress bool) *Transport {
	t.Option = append(t.Option, func(c *Connection) error {
		c.Conn.EnableWriteCompression(compress)
		return nil
	})
	return t
}

// Dial starts connecting to rawURL in the background.
func (t *Transport) Dial(rawURL string, h connection.EventHandler) (connection.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrInvalidURL, err)
	}
	if u.Scheme != constants.WebsocketScheme && u.Scheme != constants.WebsocketSecureScheme {
		return nil, fmt.Errorf("%w: unsupported scheme %q", constants.ErrInvalidURL, u.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		handler:      h,
		cancelDial:   cancel,
		writeTimeout: t.WriteTimeout,
		options:      t.Option,
		logger:       t.logger,
	}
	c.state.Store(connection.StateConnecting)

	go c.run(ctx, t.dialer(), rawURL, t.Header)

	return c, nil
}

func (t *Transport) dialer() *gorilla.Dialer {
	if t.Dialer != nil {
		return t.Dialer
	}
	return DefaultDialer
}

type Connection struct {
	Conn *gorilla.Conn
	// connLock serializes data frame writes and guards Conn and closeReason.
	connLock sync.Mutex

	state   connection.AtomicState
	handler connection.EventHandler

	cancelDial context.CancelFunc
	closeOnce  sync.Once

	// closeReason is set once Close was called. It marks the coming
	// OnClose as locally initiated.
	closeReason    string
	closeRequested bool

	writeTimeout time.Duration
	options      []Option
	logger       logger.Logger
}

var _ connection.Conn = (*Connection)(nil)

func (c *Connection) State() connection.State {
	return c.state.Load()
}

func (c *Connection) run(ctx context.Context, dialer *gorilla.Dialer, rawURL string, header http.Header) {
	conn, res, err := dialer.DialContext(ctx, rawURL, header)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		c.finish(fmt.Errorf("dial %s: %w", rawURL, err))
		return
	}

	c.connLock.Lock()
	if !c.state.CompareAndSwap(connection.StateConnecting, connection.StateOpen) {
		// Close won the race against the handshake.
		c.connLock.Unlock()
		conn.Close()
		c.finish(net.ErrClosed)
		return
	}
	c.Conn = conn
	for _, option := range c.options {
		if err := option(c); err != nil {
			c.logger.Warn("gorillaws: failed to apply connection option", "error", err)
		}
	}
	c.connLock.Unlock()

	conn.SetPingHandler(func(appData string) error {
		c.handler.OnPing([]byte(appData))
		err := conn.WriteControl(gorilla.PongMessage, []byte(appData), c.deadline())
		if errors.Is(err, gorilla.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(appData string) error {
		c.handler.OnPong([]byte(appData))
		return nil
	})

	c.handler.OnOpen()
	c.readLoop(conn)
}

func (c *Connection) readLoop(conn *gorilla.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.finish(err)
			return
		}
		if kind == gorilla.TextMessage || kind == gorilla.BinaryMessage {
			c.handler.OnMessage(data)
		}
	}
}

// finish reports the end of the connection to the handler, exactly once.
func (c *Connection) finish(err error) {
	c.state.Store(connection.StateClosed)

	c.connLock.Lock()
	requested, reason := c.closeRequested, c.closeReason
	c.connLock.Unlock()

	if requested {
		c.handler.OnClose(constants.CloseMessageCode, reason)
		return
	}

	// gorilla reports a vanished peer as a 1006 CloseError.
	var closeErr *gorilla.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != gorilla.CloseAbnormalClosure {
		c.handler.OnClose(closeErr.Code, closeErr.Text)
		return
	}

	c.handler.OnError(err)
	c.handler.OnClose(constants.AbnormalCloseCode, err.Error())
}

// Send writes data as a single text or binary message.
func (c *Connection) Send(kind connection.MessageKind, data []byte) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.state.Load() != connection.StateOpen || c.Conn == nil {
		return constants.ErrNotOpen
	}

	messageType := gorilla.TextMessage
	if kind == connection.BinaryMessage {
		messageType = gorilla.BinaryMessage
	}

	err := c.Conn.WriteMessage(messageType, data)
	if errors.Is(err, gorilla.ErrCloseSent) {
		return fmt.Errorf("%w: %v", constants.ErrNotOpen, err)
	}
	return err
}

func (c *Connection) Ping(payload []byte) error {
	conn := c.openConn()
	if conn == nil {
		return constants.ErrNotOpen
	}
	return conn.WriteControl(gorilla.PingMessage, payload, c.deadline())
}

// Close writes a close frame carrying reason and closes the socket without
// waiting for the peer to answer. OnClose is reported with reason.
func (c *Connection) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.connLock.Lock()
		c.closeRequested = true
		c.closeReason = reason
		conn := c.Conn
		c.connLock.Unlock()

		if c.state.CompareAndSwap(connection.StateConnecting, connection.StateClosing) {
			c.cancelDial()
			return
		}
		if !c.state.CompareAndSwap(connection.StateOpen, connection.StateClosing) || conn == nil {
			return
		}

		writeErr := conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(constants.CloseMessageCode, reason), c.deadline())
		if writeErr != nil && !errors.Is(writeErr, gorilla.ErrCloseSent) {
			c.logger.Debug("gorillaws: failed to write close message", "error", writeErr)
		}

		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = closeErr
		}
	})
	return err
}

func (c *Connection) openConn() *gorilla.Conn {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.state.Load() != connection.StateOpen {
		return nil
	}
	return c.Conn
}

func (c *Connection) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}
