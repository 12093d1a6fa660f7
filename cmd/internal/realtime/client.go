package realtime

import (
	"sync"
	"sync/atomic"

	"tars/cmd/internal/presence"
	v1 "tars/shared/contracts/realtime/v1"
)

// State is a session's lifecycle position. Transitions only move forward:
// Connecting -> Active -> Closed, or Connecting -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client represents one connected websocket session.
//
// Send is never closed by the server so concurrent deliveries cannot panic;
// done signals the session goroutines to stop.
type Client struct {
	SessionID string
	Identity  presence.Identity
	Send      chan v1.Envelope

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Connecting client with a bounded send queue.
func NewClient(identity presence.Identity, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Identity:  identity,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) activate() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close moves the client to Closed. It reports whether this call did the transition.
func (c *Client) Close() bool {
	if c == nil {
		return false
	}
	closed := false
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		closed = true
	})
	return closed
}

// TrySend enqueues env without blocking. It fails when the client is closed
// or its queue is full.
func (c *Client) TrySend(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
