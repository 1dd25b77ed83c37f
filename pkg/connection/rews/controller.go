// Package rews drives reconnection of a session's WebSocket connection.
//
// The Controller is a small state machine:
//
//	Connected --loss--> BackingOff --delay--> Reconnecting --ok--> Connected
//	                        ^                      |
//	                        +-------failure--------+
//
// Closed is terminal and only reached through Close or a close carrying
// connection.IntentionalClose.
//
// The Controller does not own a goroutine. Every method except State must be
// called from the owner's event loop, and the Controller hands its own
// asynchronous work (backoff timers, handshake results) back to that loop
// through Params.Post.
package rews

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/logger"
)

type State int

const (
	StateUnknown State = iota
	StateConnected
	StateBackingOff
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateBackingOff:
		return "backing_off"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s State) TransitionTo(
	newState State,
) (State, error) {
	switch s {
	case StateConnected:
		switch newState {
		case StateBackingOff, StateClosed:
			return newState, nil
		}
	case StateBackingOff:
		switch newState {
		case StateReconnecting, StateClosed:
			return newState, nil
		}
	case StateReconnecting:
		switch newState {
		case StateConnected, StateBackingOff, StateClosed:
			return newState, nil
		}
	case StateClosed:
		if newState == StateClosed {
			return newState, nil
		}
	}

	return StateUnknown, fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

// Handshaker obtains the URL of a fresh connection from the service.
// reconnect is false for the very first connection of a session.
type Handshaker interface {
	Connect(ctx context.Context, reconnect bool) (string, error)
}

type HandshakerFunc func(ctx context.Context, reconnect bool) (string, error)

func (f HandshakerFunc) Connect(ctx context.Context, reconnect bool) (string, error) {
	return f(ctx, reconnect)
}

// StaticURL is a Handshaker that always hands out the same URL.
func StaticURL(u string) Handshaker {
	return HandshakerFunc(func(context.Context, bool) (string, error) {
		return u, nil
	})
}

type Params struct {
	Handshaker Handshaker

	// Swap detaches the current connection and attaches a new one dialed
	// at url. It runs on the owner's event loop.
	Swap func(url string) error

	// Post runs fn on the owner's event loop.
	Post func(fn func())

	Backoff BackoffConfig

	// HandshakeTimeout bounds each handshake call. Zero means no bound.
	HandshakeTimeout time.Duration

	// OnError receives handshake and swap failures. Optional.
	OnError func(error)

	// AfterFunc schedules f after d and returns a function that cancels it.
	// Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)

	Logger logger.Logger
}

type Controller struct {
	p       Params
	backoff *Backoff
	logger  logger.Logger

	stopTimer       func() bool
	cancelHandshake context.CancelFunc

	// mu guards state, which State reads from other goroutines.
	mu    sync.Mutex
	state State
}

// New returns a Controller in StateConnected, waiting for the first loss.
func New(p Params) *Controller {
	if p.AfterFunc == nil {
		p.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	l := p.Logger
	if l == nil {
		l = logger.Nop()
	}

	return &Controller{
		p:       p,
		backoff: NewBackoff(p.Backoff),
		logger:  l,
		state:   StateConnected,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt is the number of reconnection delays handed out since the last
// successful reconnect.
func (c *Controller) Attempt() int {
	return c.backoff.Attempt()
}

func (c *Controller) transitionTo(newState State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newState, err := c.state.TransitionTo(newState)
	if err != nil {
		return err
	}

	c.state = newState
	c.logger.Debug("rews: state transitioned", "new_state", newState)

	return nil
}

func (c *Controller) mustTransitionTo(newState State) {
	if err := c.transitionTo(newState); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
}

// ConnectionLost reports that the current connection closed or failed.
//
// A close carrying connection.IntentionalClose moves the controller to
// StateClosed. Any other loss schedules a reconnection attempt, unless one is
// already on its way, so a connection reporting both an error and a close
// only advances the backoff once.
func (c *Controller) ConnectionLost(reason string) {
	if reason == connection.IntentionalClose {
		c.Close()
		return
	}

	if c.State() != StateConnected {
		c.logger.Debug("rews: ignoring loss signal", "state", c.State(), "reason", reason)
		return
	}

	c.mustTransitionTo(StateBackingOff)
	c.logger.Warn("rews: connection lost", "reason", reason)
	c.schedule()
}

// Close stops any pending attempt and makes the controller terminal.
// It is idempotent.
func (c *Controller) Close() {
	if c.State() == StateClosed {
		return
	}
	c.mustTransitionTo(StateClosed)

	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	if c.cancelHandshake != nil {
		c.cancelHandshake()
		c.cancelHandshake = nil
	}
}

func (c *Controller) schedule() {
	attempt := c.backoff.Attempt() + 1
	delay := c.backoff.Next()
	c.logger.Info("rews: scheduling reconnection", "attempt", attempt, "delay", delay)

	c.stopTimer = c.p.AfterFunc(delay, func() {
		c.p.Post(c.attempt)
	})
}

func (c *Controller) attempt() {
	// The timer may have fired after Close.
	if c.State() != StateBackingOff {
		return
	}
	c.stopTimer = nil
	c.mustTransitionTo(StateReconnecting)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.p.HandshakeTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.p.HandshakeTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.cancelHandshake = cancel

	c.logger.Debug("rews: requesting reconnect handshake", "attempt", c.backoff.Attempt())

	go func() {
		u, err := c.p.Handshaker.Connect(ctx, true)
		c.p.Post(func() {
			c.handshakeDone(u, err)
		})
	}()
}

func (c *Controller) handshakeDone(u string, err error) {
	if c.cancelHandshake != nil {
		c.cancelHandshake()
		c.cancelHandshake = nil
	}
	if c.State() != StateReconnecting {
		return
	}

	if err != nil {
		err = fmt.Errorf("reconnect handshake: %w", err)
	} else if swapErr := c.p.Swap(u); swapErr != nil {
		err = fmt.Errorf("reconnect to %s: %w", u, swapErr)
	}

	if err != nil {
		c.logger.Error("rews: reconnection attempt failed", "attempt", c.backoff.Attempt(), "error", err)
		if c.p.OnError != nil {
			c.p.OnError(err)
		}
		c.mustTransitionTo(StateBackingOff)
		c.schedule()
		return
	}

	c.backoff.Reset()
	c.mustTransitionTo(StateConnected)
	c.logger.Info("rews: reconnected", "url", u)
}
