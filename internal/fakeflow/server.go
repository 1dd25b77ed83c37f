// Package fakeflow provides a fake flowthings WebSocket server for testing
// purposes. It keeps flows, drops and tracks in memory, answers every
// request frame with a correlated response, and pushes created drops to the
// connections subscribed to their flow.
//
// Text frames are read and answered as JSON, binary frames as CBOR.
//
// The WebSocket server is implemented using the `gws` library.
//
// Failures are injected with stub responses that match specific
// operations, along with failure configurations that specify how the
// server fails (delays, refusals, closes, dropped connections).
package fakeflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lxzan/gws"

	"github.com/flowthings/flowthings.go/pkg/codec"
	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/connection/rews"
)

const sessionKey = "session"

// FailureType is the kind of failure to inject while handling a request.
type FailureType string

const (
	FailureNone FailureType = "none"
	// FailureResponseDelay sends the response after a delay, in the background.
	FailureResponseDelay FailureType = "response_delay"
	// FailureNoResponse swallows the request.
	FailureNoResponse FailureType = "no_response"
	// FailureInvalidResponse answers with bytes no codec can parse.
	FailureInvalidResponse FailureType = "invalid_response"
	// FailureWebSocketClose sends a close frame with the configured code and reason.
	FailureWebSocketClose FailureType = "websocket_close"
	// FailureDropConnection closes the underlying network connection.
	FailureDropConnection FailureType = "drop_connection"
)

type FailureConfig struct {
	Type        FailureType
	Delay       time.Duration
	CloseCode   uint16
	CloseReason string
}

// RequestMatcher matches request frames by object and operation.
// Empty fields match anything.
type RequestMatcher struct {
	Object  connection.ObjectType
	Type    connection.OperationKind
	Matcher func(f *connection.Frame) bool
}

func (m RequestMatcher) matches(f *connection.Frame) bool {
	if m.Object != "" && m.Object != f.Object {
		return false
	}
	if m.Type != "" && m.Type != f.Type {
		return false
	}
	return m.Matcher == nil || m.Matcher(f)
}

// StubResponse overrides the default handling of matching frames.
// Times limits how often it applies; zero means always.
type StubResponse struct {
	Matcher  RequestMatcher
	Body     any
	Status   int
	Errors   []any
	Failures []FailureConfig
	Times    int

	used int
}

func (s *StubResponse) failed() bool {
	return s.Status >= http.StatusBadRequest || len(s.Errors) > 0
}

// MatchOperation matches every frame of the given object and operation.
func MatchOperation(object connection.ObjectType, kind connection.OperationKind) RequestMatcher {
	return RequestMatcher{Object: object, Type: kind}
}

// RefuseSubscribe answers subscribe requests for flowID with ok == false.
func RefuseSubscribe(flowID string) StubResponse {
	return StubResponse{
		Matcher: RequestMatcher{
			Type: connection.Subscribe,
			Matcher: func(f *connection.Frame) bool {
				return f.FlowID == flowID
			},
		},
		Status: http.StatusForbidden,
		Errors: []any{"subscription refused"},
	}
}

// Server is a fake flowthings WebSocket server.
type Server struct {
	addr     string
	listener net.Listener
	server   *gws.Server

	json codec.Codec
	cbor codec.Codec

	mu          sync.RWMutex
	stubs       []*StubResponse
	connections map[*gws.Conn]*client
	store       map[connection.ObjectType]map[string]map[string]any
	frames      []connection.Frame
	sessions    []string
	pings       int

	handshakeFailures int
}

type client struct {
	session string
	subs    map[string]bool
	// opcode is the frame type the client last spoke.
	opcode gws.Opcode
}

type Handler struct {
	server *Server
}

// NewServer creates a fake server. Use "127.0.0.1:0" to bind to a random
// available port.
func NewServer(addr string) *Server {
	cborCodec, err := codec.NewCBOR()
	if err != nil {
		panic(fmt.Sprintf("BUG: cbor codec: %v", err))
	}

	s := &Server{
		addr:        addr,
		json:        codec.JSON{},
		cbor:        cborCodec,
		connections: make(map[*gws.Conn]*client),
		store:       make(map[connection.ObjectType]map[string]map[string]any),
	}

	s.server = gws.NewServer(&Handler{server: s}, &gws.ServerOption{
		Authorize: func(r *http.Request, session gws.SessionStorage) bool {
			id, ok := sessionFromPath(r.URL.Path)
			if ok {
				session.Store(sessionKey, id)
			}
			return ok
		},
	})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) {
			log.Printf("fakeflow: server error: %v", err)
		}
	}

	return s
}

// sessionFromPath extracts the id of /session/<id>/ws.
func sessionFromPath(p string) (string, bool) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 3 || parts[0] != "session" || parts[2] != "ws" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(listener); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("fakeflow: server error: %v", err)
		}
	}()

	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() error {
	s.DropConnections()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// NewSession mints a session id and returns the WebSocket URL for it.
func (s *Server) NewSession() string {
	id := uuid.NewString()

	s.mu.Lock()
	s.sessions = append(s.sessions, id)
	s.mu.Unlock()

	return fmt.Sprintf("ws://%s/session/%s/ws", s.Address(), id)
}

// Handshaker hands out a new session URL on every call, failing the next
// calls set up with FailHandshakes first.
func (s *Server) Handshaker() rews.Handshaker {
	return rews.HandshakerFunc(func(ctx context.Context, _ bool) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		s.mu.Lock()
		if s.handshakeFailures > 0 {
			s.handshakeFailures--
			s.mu.Unlock()
			return "", errors.New("fakeflow: handshake refused")
		}
		s.mu.Unlock()

		return s.NewSession(), nil
	})
}

func (s *Server) FailHandshakes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakeFailures = n
}

func (s *Server) AddStubResponse(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = append(s.stubs, &stub)
}

// Frames returns every request frame received so far.
func (s *Server) Frames() []connection.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]connection.Frame(nil), s.frames...)
}

// FramesOf returns the received frames of one operation.
func (s *Server) FramesOf(kind connection.OperationKind) []connection.Frame {
	var out []connection.Frame
	for _, f := range s.Frames() {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

func (s *Server) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.sessions...)
}

// Connections is the number of open connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Subscribers is the number of open connections subscribed to flowID.
func (s *Server) Subscribers(flowID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.connections {
		if c.subs[flowID] {
			n++
		}
	}
	return n
}

func (s *Server) Pings() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pings
}

// DropConnections closes every open connection without a close frame.
func (s *Server) DropConnections() {
	for _, socket := range s.sockets() {
		socket.NetConn().Close()
	}
}

// CloseConnections sends a close frame on every open connection.
func (s *Server) CloseConnections(code uint16, reason string) {
	for _, socket := range s.sockets() {
		socket.WriteClose(code, []byte(reason))
	}
}

// Push sends a drop notification for flowID to every subscribed connection.
func (s *Server) Push(flowID string, value any) {
	type target struct {
		socket *gws.Conn
		opcode gws.Opcode
	}

	s.mu.RLock()
	var targets []target
	for socket, c := range s.connections {
		if c.subs[flowID] {
			targets = append(targets, target{socket: socket, opcode: c.opcode})
		}
	}
	s.mu.RUnlock()

	in := connection.Inbound{Type: connection.PushType, Resource: flowID, Value: value}
	for _, t := range targets {
		s.write(t.socket, t.opcode, in)
	}
}

func (s *Server) sockets() []*gws.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gws.Conn, 0, len(s.connections))
	for socket := range s.connections {
		out = append(out, socket)
	}
	return out
}

func (s *Server) write(socket *gws.Conn, opcode gws.Opcode, v any) {
	c := s.json
	if opcode == gws.OpcodeBinary {
		c = s.cbor
	}

	data, err := c.Marshal(v)
	if err != nil {
		log.Printf("fakeflow: marshal: %v", err)
		return
	}
	if err := socket.WriteMessage(opcode, data); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("fakeflow: write: %v", err)
	}
}

func (h *Handler) OnOpen(socket *gws.Conn) {
	id, _ := socket.Session().Load(sessionKey)
	session, _ := id.(string)

	h.server.mu.Lock()
	h.server.connections[socket] = &client{session: session, subs: make(map[string]bool), opcode: gws.OpcodeText}
	h.server.mu.Unlock()
}

func (h *Handler) OnClose(socket *gws.Conn, _ error) {
	h.server.mu.Lock()
	delete(h.server.connections, socket)
	h.server.mu.Unlock()
}

func (h *Handler) OnPing(socket *gws.Conn, payload []byte) {
	h.server.mu.Lock()
	h.server.pings++
	h.server.mu.Unlock()

	if err := socket.WritePong(payload); err != nil {
		log.Printf("fakeflow: write pong: %v", err)
	}
}

func (h *Handler) OnPong(*gws.Conn, []byte) {}

func (h *Handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	c := h.server.json
	if message.Opcode == gws.OpcodeBinary {
		c = h.server.cbor
	}

	var f connection.Frame
	if err := c.Unmarshal(message.Bytes(), &f); err != nil {
		log.Printf("fakeflow: unparsable frame: %v", err)
		return
	}

	h.server.mu.Lock()
	h.server.frames = append(h.server.frames, f)
	if cl, found := h.server.connections[socket]; found {
		cl.opcode = message.Opcode
	}
	stub := h.server.matchStub(&f)
	h.server.mu.Unlock()

	respond := func(v any) {
		h.server.write(socket, message.Opcode, v)
	}

	if stub != nil {
		for _, failure := range stub.Failures {
			if h.applyFailure(socket, failure, func() { respond(h.stubResponse(&f, stub)) }) {
				return
			}
		}
		respond(h.stubResponse(&f, stub))
		return
	}

	respond(h.handle(socket, &f))
}

// matchStub returns the first stub matching f. mu must be held.
func (s *Server) matchStub(f *connection.Frame) *StubResponse {
	for _, stub := range s.stubs {
		if stub.Times > 0 && stub.used >= stub.Times {
			continue
		}
		if stub.Matcher.matches(f) {
			stub.used++
			return stub
		}
	}
	return nil
}

// applyFailure injects failure and reports whether the normal response
// must be skipped.
func (h *Handler) applyFailure(socket *gws.Conn, failure FailureConfig, send func()) bool {
	switch failure.Type {
	case FailureResponseDelay:
		go func() {
			time.Sleep(failure.Delay)
			send()
		}()
		return true

	case FailureNoResponse:
		return true

	case FailureInvalidResponse:
		if err := socket.WriteMessage(gws.OpcodeText, []byte("{not json")); err != nil {
			log.Printf("fakeflow: write invalid response: %v", err)
		}
		return true

	case FailureWebSocketClose:
		code := failure.CloseCode
		if code == 0 {
			code = 1001
		}
		reason := failure.CloseReason
		if reason == "" {
			reason = "failure injection"
		}
		socket.WriteClose(code, []byte(reason))
		return true

	case FailureDropConnection:
		socket.NetConn().Close()
		return true
	}

	return false
}

func (h *Handler) stubResponse(f *connection.Frame, stub *StubResponse) connection.Inbound {
	id := f.MessageID
	status := stub.Status
	if status == 0 {
		status = http.StatusOK
	}
	return connection.Inbound{
		Head: &connection.Head{MessageID: &id, OK: !stub.failed(), Status: status, Errors: stub.Errors},
		Body: stub.Body,
	}
}

func (h *Handler) handle(socket *gws.Conn, f *connection.Frame) connection.Inbound {
	switch f.Type {
	case connection.Subscribe, connection.Unsubscribe:
		h.server.mu.Lock()
		if c, ok := h.server.connections[socket]; ok {
			if f.Type == connection.Subscribe {
				c.subs[f.FlowID] = true
			} else {
				delete(c.subs, f.FlowID)
			}
		}
		h.server.mu.Unlock()
		return okResponse(f, http.StatusOK, map[string]any{"flowId": f.FlowID})

	case connection.Create:
		record := map[string]any{"id": newID(f.Object)}
		if value, isMap := f.Value.(map[string]any); isMap {
			for k, v := range value {
				record[k] = v
			}
		} else if f.Value != nil {
			record["value"] = f.Value
		}
		if f.FlowID != "" {
			record["flowId"] = f.FlowID
		}
		h.server.put(f.Object, record["id"].(string), record)

		if f.Object == connection.Drop && f.FlowID != "" {
			go h.server.Push(f.FlowID, record)
		}
		return okResponse(f, http.StatusCreated, record)

	case connection.Find:
		record, found := h.server.get(f.Object, f.ID)
		if !found {
			return notFound(f)
		}
		return okResponse(f, http.StatusOK, record)

	case connection.Update:
		record, found := h.server.get(f.Object, f.ID)
		if !found {
			return notFound(f)
		}
		if value, isMap := f.Value.(map[string]any); isMap {
			for k, v := range value {
				record[k] = v
			}
		}
		h.server.put(f.Object, f.ID, record)
		return okResponse(f, http.StatusOK, record)

	case connection.Delete:
		if !h.server.remove(f.Object, f.ID) {
			return notFound(f)
		}
		return okResponse(f, http.StatusOK, nil)
	}

	id := f.MessageID
	return connection.Inbound{Head: &connection.Head{
		MessageID: &id,
		Status:    http.StatusBadRequest,
		Errors:    []any{fmt.Sprintf("unknown operation %q", f.Type)},
	}}
}

func (s *Server) put(object connection.ObjectType, id string, record map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store[object] == nil {
		s.store[object] = make(map[string]map[string]any)
	}
	s.store[object][id] = record
}

func (s *Server) get(object connection.ObjectType, id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.store[object][id]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out, true
}

func (s *Server) remove(object connection.ObjectType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.store[object][id]; !ok {
		return false
	}
	delete(s.store[object], id)
	return true
}

func newID(object connection.ObjectType) string {
	prefix := string(object[0])
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func okResponse(f *connection.Frame, status int, body any) connection.Inbound {
	id := f.MessageID
	return connection.Inbound{
		Head: &connection.Head{MessageID: &id, OK: true, Status: status},
		Body: body,
	}
}

func notFound(f *connection.Frame) connection.Inbound {
	id := f.MessageID
	return connection.Inbound{Head: &connection.Head{
		MessageID: &id,
		Status:    http.StatusNotFound,
		Errors:    []any{fmt.Sprintf("%s %s not found", f.Object, f.ID)},
	}}
}
