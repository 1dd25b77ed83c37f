package flowthings

import (
	"sync"
	"time"

	"github.com/flowthings/flowthings.go/pkg/codec"
	"github.com/flowthings/flowthings.go/pkg/connection"
)

// ResponseHandler receives the response to one request.
//
// err is a *connection.ProtocolError when the service answered with
// ok == false, wraps constants.ErrTimeout when Config.RequestTimeout
// elapsed first, and wraps constants.ErrWriteFailed when the request was
// discarded after failing to be written constants.MaxWriteAttempts times.
// res is nil unless a response arrived.
type ResponseHandler func(res *Response, err error)

// Response is a correlated response frame.
type Response struct {
	MessageID int64
	Head      connection.Head
	Body      any

	codec codec.Codec
}

// Decode converts the response body into dst.
func (r *Response) Decode(dst any) error {
	return codec.Transcode(r.codec, r.Body, dst)
}

// PendingOperation is one request waiting for its response.
type PendingOperation struct {
	MessageID int64
	CreatedAt time.Time

	handler   ResponseHandler
	stopTimer func() bool
}

func (op *PendingOperation) stop() {
	if op.stopTimer != nil {
		op.stopTimer()
	}
}

// PendingTable maps message ids to the operations awaiting them.
type PendingTable struct {
	mu  sync.Mutex
	ops map[int64]*PendingOperation
}

func NewPendingTable() *PendingTable {
	return &PendingTable{ops: make(map[int64]*PendingOperation)}
}

// Put registers op under its message id, silently replacing any
// operation already waiting on that id.
func (t *PendingTable) Put(op *PendingOperation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.ops[op.MessageID]; ok && prev != op {
		prev.stop()
	}
	t.ops[op.MessageID] = op
}

// Take removes and returns the operation waiting on id.
// Of any number of concurrent Take calls for one id, only one succeeds.
func (t *PendingTable) Take(id int64) (*PendingOperation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if ok {
		delete(t.ops, id)
	}
	return op, ok
}

// TakeOp removes op only if it is still the operation registered under its id.
func (t *PendingTable) TakeOp(op *PendingOperation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.ops[op.MessageID]; !ok || cur != op {
		return false
	}
	delete(t.ops, op.MessageID)
	return true
}

func (t *PendingTable) Has(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ops[id]
	return ok
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// stopTimers cancels every timeout timer without resolving the operations.
func (t *PendingTable) stopTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, op := range t.ops {
		op.stop()
	}
}
