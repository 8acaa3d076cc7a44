// Package session holds the per-connection state object and the
// process-wide registry from user identity to live connections.
package session

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/cipherbase/internal/auth"
	"github.com/adred-codev/cipherbase/internal/wire"
)

// CloseReason labels why a connection ended; used for metrics and the
// registry's server-initiated closes.
type CloseReason string

const (
	ReasonSuperseded      CloseReason = "superseded"
	ReasonSlowConsumer    CloseReason = "slow_consumer"
	ReasonLivenessTimeout CloseReason = "liveness_timeout"
	ReasonAuthFailure     CloseReason = "auth_failure"
	ReasonSignOut         CloseReason = "sign_out"
	ReasonUserDeleted     CloseReason = "user_deleted"
	ReasonTransportError  CloseReason = "transport_error"
	ReasonServerShutdown  CloseReason = "server_shutdown"
)

// State is the connection lifecycle position.
type State int32

const (
	StateAwaitingKeyValidation State = iota
	StateActive
	StateClosing
	StateClosed
)

// sendQueueSize bounds the outbound queue per connection. Overflow is
// the slow-consumer signal: the subscription is dropped and the
// connection closed.
const sendQueueSize = 256

// Conn is one live WebSocket connection. A single reader goroutine
// owns all frame processing, so handshake and subscription state need
// no locking beyond the atomics the heartbeat touches.
type Conn struct {
	ID       int64
	ClientID string
	Identity *auth.Identity
	Logger   zerolog.Logger

	Transport net.Conn
	Limiter   *rate.Limiter

	// KeyProof is the pending validation challenge; cleared once the
	// connection becomes Active.
	KeyProof *auth.KeyProof

	ConnectedAt time.Time

	state   atomic.Int32
	isAlive atomic.Bool

	send      chan []byte
	stop      chan struct{}
	closeOnce sync.Once
	reason    CloseReason

	subsMu sync.Mutex
	subs   map[string]struct{} // dbId set, for release on close
}

// NewConn wraps an upgraded transport.
func NewConn(id int64, clientID string, identity *auth.Identity, transport net.Conn, limiter *rate.Limiter, logger zerolog.Logger) *Conn {
	c := &Conn{
		ID:          id,
		ClientID:    clientID,
		Identity:    identity,
		Logger:      logger,
		Transport:   transport,
		Limiter:     limiter,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, sendQueueSize),
		stop:        make(chan struct{}),
		subs:        make(map[string]struct{}),
	}
	c.isAlive.Store(true)
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// SetState moves the connection forward; never backward past Closing.
func (c *Conn) SetState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) >= StateClosing && s < StateClosing {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Alive reports the heartbeat flag.
func (c *Conn) Alive() bool { return c.isAlive.Load() }

// SetAlive sets the heartbeat flag; any inbound frame marks the
// connection alive.
func (c *Conn) SetAlive(v bool) { c.isAlive.Store(v) }

// TrySend enqueues a frame without blocking. A false return means the
// outbound queue is full and the caller must treat the connection as a
// slow consumer.
func (c *Conn) TrySend(frame []byte) bool {
	select {
	case <-c.stop:
		return true // already closing; drop silently
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Send marshals msg and enqueues it, closing the connection as a slow
// consumer on overflow.
func (c *Conn) Send(msg wire.Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		c.Logger.Error().Err(err).Str("route", msg.Route).Msg("Failed to marshal outbound frame")
		return
	}
	if !c.TrySend(frame) {
		c.Logger.Warn().Msg("Outbound queue overflow")
		c.Close(ReasonSlowConsumer)
	}
}

// Outbox is drained by the write pump.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Done is closed when the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} { return c.stop }

// Close begins teardown. Idempotent; the first reason wins. The write
// pump notices Done and closes the transport, which unblocks the read
// pump.
func (c *Conn) Close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		c.SetState(StateClosing)
		close(c.stop)
	})
}

// Reason returns the close reason recorded by the first Close call.
func (c *Conn) Reason() CloseReason {
	select {
	case <-c.stop:
		return c.reason
	default:
		return ""
	}
}

// Terminate force-closes the transport without waiting for the pumps;
// used by the heartbeat on liveness failure.
func (c *Conn) Terminate(reason CloseReason) {
	c.Close(reason)
	c.Transport.Close()
}

// AddSubscription records an open database on this connection.
// Returns false when already subscribed.
func (c *Conn) AddSubscription(dbID string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs[dbID]; ok {
		return false
	}
	c.subs[dbID] = struct{}{}
	return true
}

// RemoveSubscription forgets a database.
func (c *Conn) RemoveSubscription(dbID string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, dbID)
}

// Subscriptions snapshots the open database ids.
func (c *Conn) Subscriptions() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}
