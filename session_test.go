package flowthings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowthings/flowthings.go/internal/mock"
	"github.com/flowthings/flowthings.go/internal/testlog"
	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/connection/rews"
	"github.com/flowthings/flowthings.go/pkg/constants"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func newTestSession(t *testing.T, tweak func(c *Config)) (*Session, *mock.Transport) {
	t.Helper()

	tr := mock.NewTransport()
	cfg := NewConfig("ws://flow.test/session")
	cfg.Transport = tr
	cfg.Logger = testlog.New(t)
	cfg.Heartbeat = false
	cfg.Backoff = rews.BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2,
	}
	if tweak != nil {
		tweak(cfg)
	}

	s, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})

	return s, tr
}

func openConn(t *testing.T, s *Session, c *mock.Conn) {
	t.Helper()

	c.Open()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.WaitOpen(ctx))
}

func waitConn(t *testing.T, tr *mock.Transport, i int) *mock.Conn {
	t.Helper()

	require.Eventually(t, func() bool { return tr.Dialed() > i }, waitFor, tick)
	return tr.Conn(i)
}

func waitSent(t *testing.T, c *mock.Conn, n int) []connection.Frame {
	t.Helper()

	require.Eventually(t, func() bool { return len(c.Sent()) >= n }, waitFor, tick)
	return decodeFrames(t, c.Sent())
}

func decodeFrames(t *testing.T, raw [][]byte) []connection.Frame {
	t.Helper()

	frames := make([]connection.Frame, 0, len(raw))
	for _, data := range raw {
		var f connection.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		frames = append(frames, f)
	}
	return frames
}

func respond(c *mock.Conn, id int64, ok bool, body string) {
	c.Push([]byte(fmt.Sprintf(`{"head":{"messageId":%d,"ok":%t,"status":200},"body":%s}`, id, ok, body)))
}

func push(c *mock.Conn, topic string, value string) {
	c.Push([]byte(fmt.Sprintf(`{"type":"message","resource":%q,"value":%s}`, topic, value)))
}

type responses struct {
	mu   sync.Mutex
	errs map[int64][]error
	ch   chan int64
}

func newResponses() *responses {
	return &responses{errs: make(map[int64][]error), ch: make(chan int64, 64)}
}

func (r *responses) handler(id int64) ResponseHandler {
	return func(_ *Response, err error) {
		r.mu.Lock()
		r.errs[id] = append(r.errs[id], err)
		r.mu.Unlock()
		r.ch <- id
	}
}

func (r *responses) count(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs[id])
}

func (r *responses) wait(t *testing.T, id int64) error {
	t.Helper()

	deadline := time.After(waitFor)
	for {
		select {
		case got := <-r.ch:
			if got == id {
				r.mu.Lock()
				defer r.mu.Unlock()
				errs := r.errs[id]
				return errs[len(errs)-1]
			}
		case <-deadline:
			t.Fatalf("no response for message %d", id)
			return nil
		}
	}
}

func TestRequestsQueuedBeforeOpenAreSentInOrder(t *testing.T) {
	s, tr := newTestSession(t, nil)
	c := waitConn(t, tr, 0)

	first, err := s.Flow().Create(map[string]any{"path": "/alice/lights"})
	require.NoError(t, err)
	second, err := s.Drop().Create("f1", map[string]any{"elems": map[string]any{"on": true}})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Empty(t, c.Sent())

	openConn(t, s, c)

	frames := waitSent(t, c, 2)
	require.Len(t, frames, 2)

	assert.Equal(t, int64(1), frames[0].MessageID)
	assert.Equal(t, connection.Flow, frames[0].Object)
	assert.Equal(t, connection.Create, frames[0].Type)
	assert.Equal(t, map[string]any{"path": "/alice/lights"}, frames[0].Value)

	assert.Equal(t, int64(2), frames[1].MessageID)
	assert.Equal(t, connection.Drop, frames[1].Object)
	assert.Equal(t, "f1", frames[1].FlowID)
}

func TestSendWritesImmediatelyWhenOpen(t *testing.T) {
	s, tr := newTestSession(t, nil)
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	id, err := s.Track().Read("t1")
	require.NoError(t, err)

	frames := waitSent(t, c, 1)
	assert.Equal(t, id, frames[0].MessageID)
	assert.Equal(t, connection.Track, frames[0].Object)
	assert.Equal(t, connection.Find, frames[0].Type)
	assert.Equal(t, "t1", frames[0].ID)
	assert.Equal(t, []connection.MessageKind{connection.TextMessage}, c.Kinds())
}

func TestResponseHandlerFiresOnce(t *testing.T) {
	s, tr := newTestSession(t, nil)
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	res := newResponses()
	var body struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	}
	var decodeErr error
	done := make(chan struct{})

	first, err := s.Flow().Create(map[string]any{"path": "/a"}, WithResponseHandler(func(r *Response, err error) {
		decodeErr = err
		if err == nil {
			decodeErr = r.Decode(&body)
		}
		close(done)
	}))
	require.NoError(t, err)
	second, err := s.Flow().Read("f2", WithResponseHandler(res.handler(2)))
	require.NoError(t, err)
	require.Equal(t, int64(2), second)
	assert.Equal(t, 2, s.Pending())

	respond(c, first, true, `{"id":"f1","path":"/a"}`)
	respond(c, first, true, `{"id":"f1","path":"/a"}`)
	respond(c, second, true, `{}`)

	require.NoError(t, res.wait(t, second))
	<-done
	require.NoError(t, decodeErr)
	assert.Equal(t, "f1", body.ID)
	assert.Equal(t, "/a", body.Path)
	assert.Equal(t, 0, s.Pending())
}

func TestFailedResponseIsProtocolError(t *testing.T) {
	s, tr := newTestSession(t, nil)
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	res := newResponses()
	id, err := s.Flow().Delete("f1", WithResponseHandler(res.handler(1)))
	require.NoError(t, err)

	c.Push([]byte(fmt.Sprintf(`{"head":{"messageId":%d,"ok":false,"status":404,"errors":["not found"]}}`, id)))

	err = res.wait(t, id)
	var perr *connection.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 404, perr.Status)
	assert.Contains(t, err.Error(), "not found")
}

func TestRequestTimeout(t *testing.T) {
	s, tr := newTestSession(t, func(c *Config) {
		c.RequestTimeout = 20 * time.Millisecond
	})
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	res := newResponses()
	id, err := s.Flow().Read("f1", WithResponseHandler(res.handler(1)))
	require.NoError(t, err)

	assert.ErrorIs(t, res.wait(t, id), constants.ErrTimeout)
	assert.Equal(t, 0, s.Pending())

	// A late response finds nothing to resolve.
	other, err := s.Flow().Read("f2", WithResponseHandler(res.handler(2)))
	require.NoError(t, err)
	respond(c, id, true, `{}`)
	respond(c, other, true, `{}`)
	require.NoError(t, res.wait(t, other))
	assert.Equal(t, 1, res.count(id))
}

func TestMessageIDsSkipPendingIDs(t *testing.T) {
	s, tr := newTestSession(t, func(c *Config) {
		c.BaseMessageID = 5
	})
	waitConn(t, tr, 0)

	res := newResponses()
	first, err := s.Flow().Read("a")
	require.NoError(t, err)
	explicit, err := s.Flow().Read("b", WithMessageID(6), WithResponseHandler(res.handler(6)))
	require.NoError(t, err)
	next, err := s.Flow().Read("c")
	require.NoError(t, err)
	unset, err := s.Flow().Read("d", WithMessageID(0))
	require.NoError(t, err)

	assert.Equal(t, int64(5), first)
	assert.Equal(t, int64(6), explicit)
	assert.Equal(t, int64(7), next)
	assert.Equal(t, int64(8), unset)
}

func TestPushRoutedToListener(t *testing.T) {
	s, tr := newTestSession(t, nil)
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	got := make(chan *Notification, 4)
	_, err := s.Flow().Subscribe("f1", func(n *Notification) { got <- n })
	require.NoError(t, err)

	push(c, "f2", `{"ignored":true}`)
	push(c, "f1", `{"elems":{"temp":21}}`)

	select {
	case n := <-got:
		assert.Equal(t, "f1", n.Resource)
		var drop struct {
			Elems map[string]int `json:"elems"`
		}
		require.NoError(t, n.Decode(&drop))
		assert.Equal(t, 21, drop.Elems["temp"])
	case <-time.After(waitFor):
		t.Fatal("push not delivered")
	}

	_, err = s.Flow().Unsubscribe("f1")
	require.NoError(t, err)
	push(c, "f1", `{"elems":{"temp":22}}`)

	// The frame after the unsubscribe went nowhere once a later response arrives.
	res := newResponses()
	id, err := s.Flow().Read("f1", WithResponseHandler(res.handler(3)))
	require.NoError(t, err)
	respond(c, id, true, `{}`)
	require.NoError(t, res.wait(t, id))
	assert.Empty(t, got)
}

func TestSubscribeFrames(t *testing.T) {
	s, tr := newTestSession(t, nil)
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	_, err := s.Subscribe("", nil)
	assert.ErrorIs(t, err, constants.ErrNoTopic)

	_, err = s.Subscribe("f1", nil)
	require.NoError(t, err)
	_, err = s.Unsubscribe("f1")
	require.NoError(t, err)
	_, err = s.Unsubscribe("f1")
	require.NoError(t, err)

	frames := waitSent(t, c, 3)
	assert.Equal(t, connection.Subscribe, frames[0].Type)
	assert.Equal(t, connection.Drop, frames[0].Object)
	assert.Equal(t, "f1", frames[0].FlowID)
	assert.Equal(t, connection.Unsubscribe, frames[1].Type)
	assert.Equal(t, connection.Unsubscribe, frames[2].Type)
	assert.Empty(t, s.Subscriptions())
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	var reconnects atomic.Int32
	results := make(chan ResubscribeResult, 1)
	s, tr := newTestSession(t, func(c *Config) {
		c.OnReconnect = func() { reconnects.Add(1) }
		c.OnResubscribed = func(r ResubscribeResult) { results <- r }
	})
	c1 := waitConn(t, tr, 0)
	openConn(t, s, c1)

	got := make(chan string, 8)
	for _, topic := range []string{"a", "b"} {
		topic := topic
		_, err := s.Subscribe(topic, func(n *Notification) { got <- topic })
		require.NoError(t, err)
	}
	waitSent(t, c1, 2)

	c1.Fail(errors.New("connection reset by peer"))

	c2 := waitConn(t, tr, 1)
	assert.Equal(t, "ws://flow.test/session", c2.URL)
	openConn(t, s, c2)

	frames := waitSent(t, c2, 2)
	require.Len(t, frames, 2)
	topics := []string{frames[0].FlowID, frames[1].FlowID}
	assert.ElementsMatch(t, []string{"a", "b"}, topics)
	for _, f := range frames {
		assert.Equal(t, connection.Subscribe, f.Type)
	}
	assert.Equal(t, int32(1), reconnects.Load())

	for _, f := range frames {
		respond(c2, f.MessageID, true, `{}`)
	}
	select {
	case r := <-results:
		assert.ElementsMatch(t, []string{"a", "b"}, r.Topics)
		assert.Empty(t, r.Failed)
	case <-time.After(waitFor):
		t.Fatal("resubscription never settled")
	}

	// Events of the replaced connection are ignored.
	push(c1, "a", `{}`)
	push(c2, "b", `{}`)
	select {
	case topic := <-got:
		assert.Equal(t, "b", topic)
	case <-time.After(waitFor):
		t.Fatal("push on new connection not delivered")
	}
	assert.Equal(t, rews.StateConnected, s.State())
}

func TestQueuedSubscribeIsNotReplayed(t *testing.T) {
	results := make(chan ResubscribeResult, 1)
	s, tr := newTestSession(t, func(c *Config) {
		c.OnResubscribed = func(r ResubscribeResult) { results <- r }
	})
	c1 := waitConn(t, tr, 0)

	_, err := s.Subscribe("a", nil)
	require.NoError(t, err)

	c1.Drop(constants.AbnormalCloseCode, "handshake refused")

	c2 := waitConn(t, tr, 1)
	select {
	case r := <-results:
		assert.Empty(t, r.Topics)
	case <-time.After(waitFor):
		t.Fatal("resubscription never settled")
	}

	openConn(t, s, c2)
	frames := waitSent(t, c2, 1)

	// Give a duplicate the chance to show up.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c2.Sent(), 1)
	assert.Equal(t, "a", frames[0].FlowID)
	assert.Equal(t, int64(1), frames[0].MessageID)
}

func TestFailedResubscribeIsReported(t *testing.T) {
	results := make(chan ResubscribeResult, 1)
	s, tr := newTestSession(t, func(c *Config) {
		c.OnResubscribed = func(r ResubscribeResult) { results <- r }
	})
	c1 := waitConn(t, tr, 0)
	openConn(t, s, c1)

	_, err := s.Subscribe("a", nil)
	require.NoError(t, err)
	waitSent(t, c1, 1)

	c1.Drop(constants.AbnormalCloseCode, "gone")
	c2 := waitConn(t, tr, 1)
	openConn(t, s, c2)

	frames := waitSent(t, c2, 1)
	respond(c2, frames[0].MessageID, false, `null`)

	select {
	case r := <-results:
		require.Contains(t, r.Failed, "a")
		var perr *connection.ProtocolError
		assert.ErrorAs(t, r.Failed["a"], &perr)
	case <-time.After(waitFor):
		t.Fatal("resubscription never settled")
	}

	select {
	case err := <-s.Errors():
		assert.Contains(t, err.Error(), "resubscribe a")
	case <-time.After(waitFor):
		t.Fatal("failure not reported")
	}
	assert.Equal(t, []string{"a"}, s.Subscriptions())
}

func TestReplayCarriedOverWhenConnectionDiesBeforeOpen(t *testing.T) {
	results := make(chan ResubscribeResult, 4)
	s, tr := newTestSession(t, func(c *Config) {
		c.OnResubscribed = func(r ResubscribeResult) { results <- r }
	})
	c1 := waitConn(t, tr, 0)
	openConn(t, s, c1)

	for _, topic := range []string{"a", "b"} {
		_, err := s.Subscribe(topic, nil)
		require.NoError(t, err)
	}
	waitSent(t, c1, 2)

	c1.Drop(constants.AbnormalCloseCode, "gone")
	c2 := waitConn(t, tr, 1)
	c2.Drop(constants.AbnormalCloseCode, "handshake refused")
	c3 := waitConn(t, tr, 2)

	select {
	case r := <-results:
		t.Fatalf("replay settled before any subscribe was answered: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Empty(t, c2.Sent())

	openConn(t, s, c3)
	frames := waitSent(t, c3, 2)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, c3.Sent(), 2)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{frames[0].FlowID, frames[1].FlowID})

	for _, f := range frames {
		respond(c3, f.MessageID, true, `{}`)
	}
	select {
	case r := <-results:
		assert.ElementsMatch(t, []string{"a", "b"}, r.Topics)
		assert.Empty(t, r.Failed)
	case <-time.After(waitFor):
		t.Fatal("resubscription never settled")
	}
	assert.Zero(t, s.Pending())
}

func TestFailedWriteDropsConnection(t *testing.T) {
	s, tr := newTestSession(t, nil)
	c1 := waitConn(t, tr, 0)
	openConn(t, s, c1)

	c1.FailSends(errors.New("message too big"))
	created, err := s.Track().Create(map[string]any{"name": "t"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c1.State() == connection.StateClosed }, waitFor, tick)
	assert.Contains(t, c1.CloseReason(), "message too big")
	assert.NotEqual(t, connection.IntentionalClose, c1.CloseReason())

	read, err := s.Track().Read("t1")
	require.NoError(t, err)

	c2 := waitConn(t, tr, 1)
	openConn(t, s, c2)

	frames := waitSent(t, c2, 2)
	assert.Equal(t, []int64{created, read}, []int64{frames[0].MessageID, frames[1].MessageID})
	assert.Equal(t, connection.Create, frames[0].Type)
	assert.Empty(t, c1.Sent())
}

func TestFrameDiscardedAfterRepeatedWriteFailures(t *testing.T) {
	tooBig := errors.New("message too big")
	s, tr := newTestSession(t, nil)
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	res := newResponses()
	c.FailSends(tooBig)
	id, err := s.Track().Create(map[string]any{"name": "t"}, WithResponseHandler(res.handler(1)))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	for i := 1; i < constants.MaxWriteAttempts; i++ {
		prev := c
		require.Eventually(t, func() bool { return prev.State() == connection.StateClosed }, waitFor, tick)
		c = waitConn(t, tr, i)
		c.FailSends(tooBig)
		c.Open()
	}

	assert.ErrorIs(t, res.wait(t, 1), constants.ErrWriteFailed)
	select {
	case err := <-s.Errors():
		assert.ErrorIs(t, err, constants.ErrWriteFailed)
	case <-time.After(waitFor):
		t.Fatal("discarded frame not reported")
	}
	assert.Zero(t, s.Pending())

	// The connection that saw the last failure stays in use.
	c.FailSends(nil)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.WaitOpen(ctx))

	read, err := s.Track().Read("t1")
	require.NoError(t, err)
	frames := waitSent(t, c, 1)
	assert.Equal(t, read, frames[0].MessageID)
	assert.Equal(t, constants.MaxWriteAttempts, tr.Dialed())
}

func TestCloseFromListenerCompletesAfterCallback(t *testing.T) {
	s, tr := newTestSession(t, nil)
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	closeErr := make(chan error, 1)
	_, err := s.Subscribe("a", func(*Notification) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		closeErr <- s.Close(ctx)
	})
	require.NoError(t, err)

	push(c, "a", `{}`)
	select {
	case err := <-closeErr:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(waitFor):
		t.Fatal("listener never ran")
	}

	require.Eventually(t, func() bool { return c.CloseReason() == connection.IntentionalClose }, waitFor, tick)
	assert.Equal(t, rews.StateClosed, s.State())
}

func TestZeroBaseMessageID(t *testing.T) {
	s, tr := newTestSession(t, func(c *Config) {
		c.BaseMessageID = 0
	})
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	res := newResponses()
	id, err := s.Flow().Read("f1", WithResponseHandler(res.handler(0)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	frames := waitSent(t, c, 1)
	assert.Equal(t, int64(0), frames[0].MessageID)

	respond(c, 0, true, `{}`)
	require.NoError(t, res.wait(t, 0))

	next, err := s.Flow().Read("f2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
}

func TestHeartbeatRestartsOnReconnect(t *testing.T) {
	s, tr := newTestSession(t, func(c *Config) {
		c.Heartbeat = true
		c.HeartbeatInterval = 5 * time.Millisecond
	})
	c1 := waitConn(t, tr, 0)
	openConn(t, s, c1)

	require.Eventually(t, func() bool { return c1.Pings() >= 2 }, waitFor, tick)

	c1.Drop(constants.AbnormalCloseCode, "gone")
	c2 := waitConn(t, tr, 1)
	stale := c1.Pings()
	openConn(t, s, c2)

	require.Eventually(t, func() bool { return c2.Pings() >= 2 }, waitFor, tick)
	assert.Equal(t, stale, c1.Pings())
}

func TestCloseSuppressesReconnect(t *testing.T) {
	s, tr := newTestSession(t, nil)
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, connection.IntentionalClose, c.CloseReason())
	assert.Equal(t, rews.StateClosed, s.State())

	_, err := s.Flow().Create(nil)
	assert.ErrorIs(t, err, constants.ErrClosed)
	_, err = s.Subscribe("a", nil)
	assert.ErrorIs(t, err, constants.ErrClosed)
	assert.ErrorIs(t, s.WaitOpen(context.Background()), constants.ErrClosed)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.Dialed())
}

func TestMalformedFrameIsDropped(t *testing.T) {
	var raw atomic.Int32
	s, tr := newTestSession(t, func(c *Config) {
		c.OnMessage = func([]byte) { raw.Add(1) }
	})
	c := waitConn(t, tr, 0)
	openConn(t, s, c)

	res := newResponses()
	id, err := s.Flow().Read("f1", WithResponseHandler(res.handler(1)))
	require.NoError(t, err)

	c.Push([]byte(`not json`))
	c.Push([]byte(`{"type":"message","resource":"nobody"}`))
	c.Push([]byte(`{"head":{"ok":true}}`))
	respond(c, id, true, `{}`)

	require.NoError(t, res.wait(t, id))
	assert.Equal(t, int32(4), raw.Load())
}

func TestConnectValidatesConfig(t *testing.T) {
	cfg := NewConfig("")
	cfg.Transport = mock.NewTransport()
	_, err := Connect(context.Background(), cfg)
	assert.ErrorIs(t, err, constants.ErrNoURL)

	cfg = NewConfig("ws://flow.test")
	cfg.Transport = nil
	_, err = Connect(context.Background(), cfg)
	assert.ErrorIs(t, err, constants.ErrNoTransport)

	cfg = NewConfig("ws://flow.test")
	cfg.Codec = nil
	_, err = Connect(context.Background(), cfg)
	assert.ErrorIs(t, err, constants.ErrNoCodec)

	tr := mock.NewTransport()
	tr.DialErr = constants.ErrInvalidURL
	cfg = NewConfig("ws://flow.test")
	cfg.Transport = tr
	_, err = Connect(context.Background(), cfg)
	assert.ErrorIs(t, err, constants.ErrInvalidURL)
}

func TestHandshakerSuppliesEveryURL(t *testing.T) {
	var calls []bool
	var mu sync.Mutex
	s, tr := newTestSession(t, func(c *Config) {
		c.URL = ""
		c.Handshaker = rews.HandshakerFunc(func(_ context.Context, reconnect bool) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, reconnect)
			return fmt.Sprintf("ws://flow.test/session/%d", len(calls)), nil
		})
	})
	c1 := waitConn(t, tr, 0)
	assert.Equal(t, "ws://flow.test/session/1", c1.URL)
	openConn(t, s, c1)

	c1.Drop(constants.AbnormalCloseCode, "gone")
	c2 := waitConn(t, tr, 1)
	assert.Equal(t, "ws://flow.test/session/2", c2.URL)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, calls)
}

func TestHandshakeFailureIsRetried(t *testing.T) {
	var attempts atomic.Int32
	s, tr := newTestSession(t, func(c *Config) {
		c.Handshaker = rews.HandshakerFunc(func(context.Context, bool) (string, error) {
			if attempts.Add(1) < 3 {
				return "", errors.New("service unavailable")
			}
			return "ws://flow.test/again", nil
		})
	})
	c1 := waitConn(t, tr, 0)
	openConn(t, s, c1)
	c1.Drop(constants.AbnormalCloseCode, "gone")

	c2 := waitConn(t, tr, 1)
	assert.Equal(t, "ws://flow.test/again", c2.URL)
	assert.Equal(t, int32(3), attempts.Load())

	for i := 0; i < 2; i++ {
		select {
		case err := <-s.Errors():
			assert.Contains(t, err.Error(), "service unavailable")
		case <-time.After(waitFor):
			t.Fatal("handshake failure not reported")
		}
	}
}
