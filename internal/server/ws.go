package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/adred-codev/cipherbase/internal/monitoring"
	"github.com/adred-codev/cipherbase/internal/session"
	"github.com/adred-codev/cipherbase/internal/wire"
)

// Time allowed to write a frame to the peer.
const writeWait = 5 * time.Second

// readIdleTimeout is a transport-level backstop behind the application
// heartbeat; refreshed on every inbound frame.
const readIdleTimeout = 3 * heartbeatInterval

// handleUpgrade authenticates the request, upgrades it, and starts the
// connection's pumps. Unauthenticated upgrades are rejected before the
// WebSocket handshake completes.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	remoteIP := clientIP(r)

	if s.shuttingDown.Load() {
		monitoring.ConnectionsRejected.WithLabelValues("shutdown").Inc()
		httpError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}
	if ok, reason := s.guard.Admit(remoteIP); !ok {
		monitoring.ConnectionsRejected.WithLabelValues(reason).Inc()
		if reason == "rate_limit" {
			httpError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		} else {
			httpError(w, http.StatusServiceUnavailable, "Server overloaded")
		}
		return
	}

	identity, err := s.sessions.Verify(r.Context(), bearerToken(r))
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("auth").Inc()
		httpError(w, http.StatusUnauthorized, "Session invalid")
		return
	}
	user, err := s.users.Get(r.Context(), identity.UserID)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("auth").Inc()
		httpError(w, http.StatusUnauthorized, "Session invalid")
		return
	}

	// The validation challenge is derived before the handshake so a
	// broken stored key rejects cheaply.
	proof, err := s.keys.NewKeyProof(user.PublicKey, user.KeySalts.DHKeySalt)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("auth").Inc()
		httpError(w, http.StatusBadRequest, "Invalid public key")
		return
	}

	clientID := r.URL.Query().Get("clientId")

	transport, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		s.logger.Warn().Err(err).Str("client_ip", remoteIP).Msg("WebSocket upgrade failed")
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateRefill), s.cfg.RateBurst)
	connID := s.registry.NextID()
	logger := s.logger.With().
		Int64("conn_id", connID).
		Str("user_id", identity.UserID).
		Str("app_id", identity.AppID).
		Logger()

	c := session.NewConn(connID, clientID, identity, transport, limiter, logger)
	c.KeyProof = proof
	s.registry.Register(c)
	s.guard.ConnectionOpened()
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsCurrent.Inc()

	// Application handshake: salts plus the encrypted validation
	// nonce. The connection stays in AwaitingKeyValidation until the
	// client returns the decrypted nonce.
	salts := user.KeySalts
	c.Send(wire.Message{
		Route:                      wire.RouteConnection,
		KeySalts:                   &salts,
		EncryptedValidationMessage: proof.Ciphertext,
	})

	logger.Info().Str("client_ip", remoteIP).Msg("Connection established")

	go s.writePump(c)
	go s.readPump(c)
}

// readPump processes inbound frames in arrival order; it is the only
// goroutine touching handshake and dispatch state for the connection.
func (s *Server) readPump(c *session.Conn) {
	defer monitoring.RecoverPanic(c.Logger, "readPump", map[string]any{"conn_id": c.ID})
	defer s.teardown(c)

	for {
		c.Transport.SetReadDeadline(time.Now().Add(readIdleTimeout))
		msg, op, err := wsutil.ReadClientData(c.Transport)
		if err != nil {
			c.Close(session.ReasonTransportError)
			return
		}

		// Any inbound frame proves liveness.
		c.SetAlive(true)
		monitoring.MessagesReceived.Inc()

		switch op {
		case ws.OpText:
			if len(msg) > wire.MaxFrameSize {
				s.sendPlainError(c, "Message is too large")
				continue
			}
			s.handleFrame(c, msg)
		case ws.OpClose:
			c.Close(session.ReasonTransportError)
			return
		}
	}
}

// writePump drains the outbound queue, batching writes behind one
// flush, and closes the transport when the connection shuts down.
func (s *Server) writePump(c *session.Conn) {
	defer monitoring.RecoverPanic(c.Logger, "writePump", map[string]any{"conn_id": c.ID})

	writer := bufio.NewWriter(c.Transport)
	defer c.Transport.Close()

	for {
		select {
		case <-c.Done():
			// Flush anything queued before the close started, then say
			// goodbye.
			c.Transport.SetWriteDeadline(time.Now().Add(writeWait))
			n := len(c.Outbox())
			for i := 0; i < n; i++ {
				if err := wsutil.WriteServerMessage(writer, ws.OpText, <-c.Outbox()); err != nil {
					return
				}
				monitoring.MessagesSent.Inc()
			}
			writer.Flush()
			wsutil.WriteServerMessage(c.Transport, ws.OpClose, nil)
			return
		case frame := <-c.Outbox():
			c.Transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				c.Close(session.ReasonTransportError)
				return
			}
			monitoring.MessagesSent.Inc()

			// Drain whatever else is queued before flushing.
			n := len(c.Outbox())
			for i := 0; i < n; i++ {
				frame = <-c.Outbox()
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					c.Close(session.ReasonTransportError)
					return
				}
				monitoring.MessagesSent.Inc()
			}
			if err := writer.Flush(); err != nil {
				c.Close(session.ReasonTransportError)
				return
			}
		}
	}
}

// teardown runs exactly once per connection, when the read pump exits:
// subscriptions are released before the connection leaves the registry.
func (s *Server) teardown(c *session.Conn) {
	c.Close(session.ReasonTransportError)
	c.SetState(session.StateClosed)

	s.dispatcher.DetachConn(c)
	s.registry.Remove(c)
	s.guard.ConnectionClosed()

	reason := string(c.Reason())
	if reason == "" {
		reason = string(session.ReasonTransportError)
	}
	monitoring.ConnectionsCurrent.Dec()
	monitoring.DisconnectsTotal.WithLabelValues(reason).Inc()
	c.Logger.Info().
		Str("reason", reason).
		Dur("connected", time.Since(c.ConnectedAt)).
		Msg("Connection closed")
}

// heartbeatLoop pings every live connection on a fixed interval and
// terminates those that stayed silent for a whole interval.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "heartbeat", nil)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(wire.Message{Route: wire.RoutePing})
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatTick(ping)
		}
	}
}

// heartbeatTick pings every live connection and terminates those that
// stayed silent since the previous tick.
func (s *Server) heartbeatTick(ping []byte) {
	for _, c := range s.registry.Snapshot() {
		if !c.Alive() {
			c.Logger.Info().Msg("Heartbeat missed; terminating")
			c.Terminate(session.ReasonLivenessTimeout)
			continue
		}
		c.SetAlive(false)
		c.TrySend(ping)
	}
}

// sendPlainError emits a non-JSON text frame; used for oversized
// frames and unknown actions where no requestId can be echoed.
func (s *Server) sendPlainError(c *session.Conn, msg string) {
	if !c.TrySend([]byte(msg)) {
		c.Close(session.ReasonSlowConsumer)
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
