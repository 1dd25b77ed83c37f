// Package flowthings implements a persistent, self-healing client session
// for the flowthings WebSocket API.
//
// # Sessions
//
// [Connect] opens a [Session] over a single WebSocket connection. The session
// correlates requests with their responses by message id, routes push
// notifications to subscription listeners, keeps the connection alive with
// heartbeat pings, and reconnects with exponential backoff when the
// connection is lost.
//
// Reconnection is transparent: subscriptions are keyed by topic id, not by
// connection, and are replayed on every new connection. Requests issued
// while the connection is down are queued and sent once the next connection
// opens. Requests already written to a connection that is later lost are
// not retried.
//
// # Operations
//
// [Session.Send] is the low level entry point used by every other operation.
// [Session.Flow], [Session.Drop] and [Session.Track] return thin builders for
// the create, find, update and delete operations of each resource type, and
// [Session.Subscribe] and [Session.Unsubscribe] manage drop subscriptions on a
// flow.
//
// All operations return as soon as the request is queued. Results arrive on
// the [ResponseHandler] given with [WithResponseHandler]; handlers and
// subscription [Listener] functions run on the session's event loop and must
// not block. In particular they must not wait for [Session.Close], which
// waits for that same loop.
//
// # Transports and codecs
//
// The default transport is [github.com/flowthings/flowthings.go/pkg/connection/gorillaws].
// [github.com/flowthings/flowthings.go/pkg/connection/gws] is a drop-in alternative.
// Frames are JSON by default; see [github.com/flowthings/flowthings.go/pkg/codec].
package flowthings
