package flowthings

import (
	"fmt"
	"time"

	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/constants"
)

type sendOptions struct {
	messageID int64
	handler   ResponseHandler
}

type SendOption func(o *sendOptions)

// WithMessageID sends the request under id instead of the next automatic one.
// Zero means unset.
func WithMessageID(id int64) SendOption {
	return func(o *sendOptions) {
		o.messageID = id
	}
}

// WithResponseHandler registers h for the response to the request.
// Without a handler the response is dropped.
func WithResponseHandler(h ResponseHandler) SendOption {
	return func(o *sendOptions) {
		o.handler = h
	}
}

// Send queues a request frame and returns the message id it was sent under.
// The frame is written right away when the connection is open, and on the
// next OPEN otherwise.
func (s *Session) Send(object connection.ObjectType, kind connection.OperationKind, payload connection.Payload, opts ...SendOption) (int64, error) {
	if s.closed.Load() {
		return 0, constants.ErrClosed
	}

	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.sendMu.Lock()
	ob, _, err := s.prepare(object, kind, payload, o)
	s.sendMu.Unlock()
	if err != nil {
		return 0, err
	}

	s.mailbox.post(func() { s.transmit(ob) })

	return ob.id, nil
}

// prepare assigns an id, encodes the frame and registers the handler.
// sendMu must be held.
func (s *Session) prepare(object connection.ObjectType, kind connection.OperationKind, payload connection.Payload, o sendOptions) (outbound, *PendingOperation, error) {
	id := o.messageID
	if id == 0 {
		id = s.nextMessageID()
	}

	data, err := s.codec.Marshal(connection.NewFrame(id, object, kind, payload))
	if err != nil {
		return outbound{}, nil, fmt.Errorf("encode %s %s frame: %w", object, kind, err)
	}

	var op *PendingOperation
	if o.handler != nil {
		op = s.register(id, o.handler)
	}

	return outbound{id: id, kind: kind, topic: payload.FlowID, data: data, op: op}, op, nil
}

// nextMessageID post-increments the counter, skipping ids that are
// still waiting for a response. sendMu must be held.
func (s *Session) nextMessageID() int64 {
	for s.pending.Has(s.nextID) {
		s.nextID++
	}
	id := s.nextID
	s.nextID++
	return id
}

func (s *Session) register(id int64, h ResponseHandler) *PendingOperation {
	op := &PendingOperation{MessageID: id, CreatedAt: time.Now(), handler: h}
	if s.cfg.RequestTimeout > 0 {
		op.stopTimer = time.AfterFunc(s.cfg.RequestTimeout, func() {
			s.mailbox.post(func() { s.expire(op) })
		}).Stop
	}
	s.pending.Put(op)
	return op
}

func (s *Session) expire(op *PendingOperation) {
	if !s.pending.TakeOp(op) {
		return
	}
	s.logger.Debug("request timed out", "message_id", op.MessageID, "after", time.Since(op.CreatedAt))
	op.handler(nil, fmt.Errorf("%w: message %d", constants.ErrTimeout, op.MessageID))
}

// Subscribe registers listener for pushes on topicID and asks the service to
// start sending them. The subscription is replayed on every reconnect until
// Unsubscribe is called. Subscribing again replaces the listener.
func (s *Session) Subscribe(topicID string, listener Listener, opts ...SendOption) (int64, error) {
	if topicID == "" {
		return 0, constants.ErrNoTopic
	}
	if s.closed.Load() {
		return 0, constants.ErrClosed
	}

	s.subs.Set(topicID, listener)
	return s.Send(connection.Drop, connection.Subscribe, connection.Payload{FlowID: topicID}, opts...)
}

// Unsubscribe removes the listener for topicID immediately and tells the
// service to stop pushing. Unsubscribing an unknown topic is harmless.
func (s *Session) Unsubscribe(topicID string, opts ...SendOption) (int64, error) {
	if topicID == "" {
		return 0, constants.ErrNoTopic
	}
	if s.closed.Load() {
		return 0, constants.ErrClosed
	}

	s.subs.Remove(topicID)
	return s.Send(connection.Drop, connection.Unsubscribe, connection.Payload{FlowID: topicID}, opts...)
}
