package flowthings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowthings/flowthings.go/pkg/codec"
	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/connection/rews"
	"github.com/flowthings/flowthings.go/pkg/constants"
	"github.com/flowthings/flowthings.go/pkg/logger"
)

const errorBufferSize = 32

// Session is a long lived client session. It survives connection loss by
// reconnecting and replaying its subscriptions. All exported methods are
// safe for concurrent use.
type Session struct {
	cfg    Config
	codec  codec.Codec
	logger logger.Logger

	mailbox    *mailbox
	pending    *PendingTable
	subs       *SubscriptionRegistry
	controller *rews.Controller
	heartbeat  *heartbeat

	// sendMu serializes id assignment and frame encoding.
	sendMu sync.Mutex
	nextID int64

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	errs      chan error

	openMu sync.Mutex
	openCh chan struct{}
	isOpen bool

	// Owned by the event loop.
	conn    connection.Conn
	gen     uint64
	open    bool
	stopped bool
	outbox  []outbound
	resub   *resubscription
}

// outbound is an encoded frame waiting to be written.
type outbound struct {
	id    int64
	kind  connection.OperationKind
	topic string
	data  []byte
	op    *PendingOperation

	// attempts counts the connections that failed to take the frame.
	attempts int
}

// Connect creates a Session and starts dialing its first connection.
// It returns once the dial is under way; use WaitOpen to wait for OPEN.
// Requests issued before then are queued.
func Connect(ctx context.Context, c *Config) (*Session, error) {
	if c == nil {
		return nil, errors.New("config is nil")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	cfg := c.withDefaults()

	u := cfg.URL
	if u == "" {
		var err error
		if u, err = cfg.Handshaker.Connect(ctx, false); err != nil {
			return nil, fmt.Errorf("initial handshake: %w", err)
		}
	}

	s := newSession(cfg)
	s.controller = rews.New(rews.Params{
		Handshaker:       cfg.Handshaker,
		Swap:             s.swap,
		Post:             s.mailbox.post,
		Backoff:          cfg.Backoff,
		HandshakeTimeout: cfg.HandshakeTimeout,
		OnError:          s.reportError,
		Logger:           s.logger,
	})

	if err := s.attach(u); err != nil {
		return nil, err
	}

	go s.loop()

	return s, nil
}

func newSession(cfg Config) *Session {
	s := &Session{
		cfg:     cfg,
		codec:   cfg.Codec,
		logger:  cfg.Logger,
		mailbox: newMailbox(),
		pending: NewPendingTable(),
		subs:    NewSubscriptionRegistry(),
		nextID:  cfg.BaseMessageID,
		done:    make(chan struct{}),
		errs:    make(chan error, errorBufferSize),
		openCh:  make(chan struct{}),
	}
	s.heartbeat = &heartbeat{interval: cfg.HeartbeatInterval, post: s.mailbox.post}
	return s
}

func (s *Session) loop() {
	defer close(s.done)

	for range s.mailbox.notify {
		for _, fn := range s.mailbox.drain() {
			fn()
			if s.stopped {
				return
			}
		}
	}
}

// attach dials u and makes it the current connection. Events of any
// previously attached connection are ignored from now on.
func (s *Session) attach(u string) error {
	s.gen++
	gen := s.gen

	if old := s.conn; old != nil {
		s.conn = nil
		go old.Close("replaced")
	}
	s.open = false
	s.heartbeat.halt()
	s.markNotOpen()

	conn, err := s.cfg.Transport.Dial(u, &connHandler{s: s, gen: gen})
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	s.conn = conn
	s.logger.Debug("dialing", "url", u, "generation", gen)
	return nil
}

// swap is called by the reconnection controller with the url of the
// connection that replaces a lost one.
func (s *Session) swap(u string) error {
	if err := s.attach(u); err != nil {
		return err
	}
	s.resubscribe()
	if s.cfg.OnReconnect != nil {
		s.cfg.OnReconnect()
	}
	return nil
}

func (s *Session) handleOpen(gen uint64) {
	if gen != s.gen {
		return
	}
	s.open = true
	s.markOpen()
	s.logger.Info("connection open", "generation", gen, "queued", len(s.outbox))

	if s.cfg.Heartbeat {
		s.heartbeat.start(func() { s.beat(gen) })
	}
	s.flush()
}

func (s *Session) handleLoss(gen uint64, reason string) {
	if gen != s.gen {
		return
	}
	s.open = false
	s.heartbeat.halt()
	s.markNotOpen()
	s.controller.ConnectionLost(reason)
}

func (s *Session) handleMessage(gen uint64, data []byte) {
	if gen != s.gen {
		return
	}
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(data)
	}
	s.dispatch(data)
}

func (s *Session) dispatch(data []byte) {
	var in connection.Inbound
	if err := s.codec.Unmarshal(data, &in); err != nil {
		s.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	if in.IsPush() {
		if l, ok := s.subs.Get(in.Resource); ok {
			if l != nil {
				l(&Notification{Resource: in.Resource, Value: in.Value, codec: s.codec})
			}
			return
		}
	}

	if in.Head == nil || in.Head.MessageID == nil {
		s.logger.Debug("dropping uncorrelated frame", "type", in.Type, "resource", in.Resource)
		return
	}

	id := *in.Head.MessageID
	op, ok := s.pending.Take(id)
	if !ok {
		s.logger.Debug("dropping response without pending request", "message_id", id)
		return
	}
	op.stop()

	var err error
	if !in.Head.OK {
		err = &connection.ProtocolError{MessageID: id, Status: in.Head.Status, Errors: in.Head.Errors}
	}
	op.handler(&Response{MessageID: id, Head: *in.Head, Body: in.Body, codec: s.codec}, err)
}

func (s *Session) beat(gen uint64) {
	if gen != s.gen || !s.open {
		return
	}
	if err := s.conn.Ping(heartbeatPayload); err != nil {
		s.logger.Debug("heartbeat failed", "error", err)
		return
	}
	if s.cfg.LogHeartbeat {
		s.logger.Info("heartbeat sent", "generation", gen)
	}
}

var heartbeatPayload = []byte(`{"type":"heartbeat"}`)

// transmit queues ob and writes the queue right away if the connection is open.
func (s *Session) transmit(ob outbound) {
	if s.stopped {
		return
	}
	s.outbox = append(s.outbox, ob)
	if s.open {
		s.flush()
	}
}

// flush writes queued frames in order. A failed write keeps the frame at
// the head of the queue and drops the connection, so the queue is retried
// on the next one. A frame no connection took after
// constants.MaxWriteAttempts tries is discarded.
func (s *Session) flush() {
	for len(s.outbox) > 0 {
		err := s.write(s.outbox[0])
		if err == nil {
			s.outbox = s.outbox[1:]
			continue
		}

		s.outbox[0].attempts++
		if ob := s.outbox[0]; ob.attempts >= constants.MaxWriteAttempts {
			s.outbox = s.outbox[1:]
			s.discard(ob, err)
			continue
		}

		s.logger.Warn("write failed, dropping connection", "message_id", s.outbox[0].id, "queued", len(s.outbox), "error", err)
		s.dropConn(fmt.Sprintf("write failed: %v", err))
		return
	}
	s.outbox = nil
}

// discard gives up on ob and fails its request.
func (s *Session) discard(ob outbound, cause error) {
	err := fmt.Errorf("%w: message %d after %d attempts: %v", constants.ErrWriteFailed, ob.id, ob.attempts, cause)
	s.logger.Error("discarding frame", "message_id", ob.id, "kind", ob.kind, "error", cause)
	s.reportError(err)

	if ob.op != nil && s.pending.TakeOp(ob.op) {
		ob.op.stop()
		ob.op.handler(nil, err)
	}
}

// dropConn closes the current connection as lost. Its close event comes
// back through handleLoss and starts a reconnect.
func (s *Session) dropConn(reason string) {
	s.open = false
	s.heartbeat.halt()
	s.markNotOpen()
	if err := s.conn.Close(reason); err != nil {
		s.logger.Debug("close failed", "error", err)
	}
}

func (s *Session) write(ob outbound) error {
	kind := connection.TextMessage
	if s.codec.Binary() {
		kind = connection.BinaryMessage
	}
	return s.conn.Send(kind, ob.data)
}

// resubscribe replays every registered topic onto the freshly attached
// connection. A subscribe frame that is still queued is not sent again:
// one queued by an earlier replay is carried over into this replay, one
// queued by Subscribe is left out of it.
func (s *Session) resubscribe() {
	queued := make(map[string]*PendingOperation)
	for _, ob := range s.outbox {
		if ob.kind == connection.Subscribe {
			queued[ob.topic] = ob.op
		}
	}

	prev := s.resub
	var topics, replay []string
	var carried []*PendingOperation
	for _, topic := range s.subs.Topics() {
		op, ok := queued[topic]
		switch {
		case !ok:
			topics = append(topics, topic)
			replay = append(replay, topic)
		case prev != nil && prev.owns(topic, op):
			topics = append(topics, topic)
			carried = append(carried, op)
		}
	}

	tracker := newResubscription(topics, s.resubscribed)
	for _, op := range carried {
		tracker.track(op)
	}
	if prev != nil {
		prev.supersede(tracker, s.pending)
	}
	s.resub = tracker

	for _, topic := range replay {
		s.sendMu.Lock()
		ob, op, err := s.prepare(connection.Drop, connection.Subscribe, connection.Payload{FlowID: topic}, sendOptions{
			handler: tracker.handler(topic),
		})
		s.sendMu.Unlock()
		if err != nil {
			tracker.ack(topic, err)
			continue
		}
		tracker.track(op)
		s.transmit(ob)
	}

	tracker.settle()
}

func (s *Session) resubscribed(res ResubscribeResult) {
	if s.resub != nil && s.resub.settled {
		s.resub = nil
	}
	s.logger.Info("subscriptions replayed", "topics", len(res.Topics), "failed", len(res.Failed))
	for topic, err := range res.Failed {
		s.reportError(fmt.Errorf("resubscribe %s: %w", topic, err))
	}
	if s.cfg.OnResubscribed != nil {
		s.cfg.OnResubscribed(res)
	}
}

func (s *Session) reportError(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Debug("error channel full, dropping error", "error", err)
	}
}

func (s *Session) markOpen() {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if !s.isOpen {
		close(s.openCh)
		s.isOpen = true
	}
}

func (s *Session) markNotOpen() {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.isOpen {
		s.openCh = make(chan struct{})
		s.isOpen = false
	}
}

// WaitOpen blocks until the current connection is open.
func (s *Session) WaitOpen(ctx context.Context) error {
	s.openMu.Lock()
	ch := s.openCh
	s.openMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-s.done:
		return constants.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors reports reconnection and resubscription failures.
// Errors are dropped when nobody drains the channel.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// State is the reconnection state of the session.
func (s *Session) State() rews.State {
	return s.controller.State()
}

// Subscriptions returns the topics currently subscribed to.
func (s *Session) Subscriptions() []string {
	return s.subs.Topics()
}

// Pending is the number of requests waiting for a response.
func (s *Session) Pending() int {
	return s.pending.Len()
}

// Close closes the connection for good. No reconnection is attempted
// afterwards and Send fails with constants.ErrClosed. Requests still
// pending are neither resolved nor failed. Close is idempotent.
//
// Close waits for the event loop to stop. Called from a listener, response
// handler or hook, which run on that loop, it returns ctx's error and the
// session shuts down once the callback returns; call it in a new goroutine
// to avoid blocking the loop until ctx expires.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mailbox.post(s.shutdown)
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) shutdown() {
	s.controller.Close()
	s.heartbeat.halt()
	s.pending.stopTimers()
	s.open = false
	s.markNotOpen()
	if s.conn != nil {
		if err := s.conn.Close(connection.IntentionalClose); err != nil {
			s.logger.Debug("close failed", "error", err)
		}
	}
	s.outbox = nil
	s.stopped = true
	s.logger.Info("session closed")
}

// connHandler forwards the events of one connection to the event loop,
// tagged with the generation it was attached under.
type connHandler struct {
	s   *Session
	gen uint64
}

func (h *connHandler) OnOpen() {
	h.s.mailbox.post(func() { h.s.handleOpen(h.gen) })
}

func (h *connHandler) OnMessage(data []byte) {
	h.s.mailbox.post(func() { h.s.handleMessage(h.gen, data) })
}

func (h *connHandler) OnClose(code int, reason string) {
	h.s.logger.Debug("connection closed", "generation", h.gen, "code", code, "reason", reason)
	h.s.mailbox.post(func() { h.s.handleLoss(h.gen, reason) })
}

func (h *connHandler) OnError(err error) {
	h.s.logger.Warn("connection error", "generation", h.gen, "error", err)
	h.s.mailbox.post(func() { h.s.handleLoss(h.gen, err.Error()) })
}

func (h *connHandler) OnPing([]byte) {}

func (h *connHandler) OnPong([]byte) {
	if h.s.cfg.LogHeartbeat {
		h.s.logger.Debug("heartbeat acknowledged", "generation", h.gen)
	}
}
