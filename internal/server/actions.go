package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adred-codev/cipherbase/internal/auth"
	"github.com/adred-codev/cipherbase/internal/monitoring"
	"github.com/adred-codev/cipherbase/internal/session"
	"github.com/adred-codev/cipherbase/internal/txlog"
	"github.com/adred-codev/cipherbase/internal/wire"
)

// replayChunkSize bounds how many records share one TransactionLog
// frame during open replay, keeping each frame well under MaxFrameSize.
const replayChunkSize = 64

// handleFrame parses and dispatches one inbound text frame. Errors stay
// scoped to the frame: a malformed or unknown request never closes the
// connection.
func (s *Server) handleFrame(c *session.Conn, frame []byte) {
	var req wire.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		s.sendPlainError(c, "Unable to parse message")
		return
	}

	// Pong is heartbeat bookkeeping, exempt from rate limiting and the
	// handshake gate; SetAlive already ran in the read pump.
	if req.Action == wire.ActionPong {
		return
	}

	if !c.Limiter.Allow() {
		monitoring.RateLimited.Inc()
		c.Send(wire.Fail(req.RequestID, req.Action, wire.StatusTooManyRequests, wire.RetryHint{RetryDelay: 1000}))
		return
	}

	switch c.State() {
	case session.StateAwaitingKeyValidation:
		if req.Action != wire.ActionValidateKey {
			c.Send(wire.Fail(req.RequestID, req.Action, wire.StatusBadRequest, "Key not validated"))
			return
		}
	case session.StateActive:
		if req.Action == wire.ActionValidateKey {
			c.Send(wire.Fail(req.RequestID, req.Action, wire.StatusBadRequest, "Key already validated"))
			return
		}
	default:
		return // closing; drop silently
	}

	ctx := s.ctx
	var msg wire.Message
	switch req.Action {
	case wire.ActionValidateKey:
		msg = s.actionValidateKey(c, req)
	case wire.ActionSignOut:
		msg = s.actionSignOut(ctx, c, req)
	case wire.ActionUpdateUser:
		msg = s.actionUpdateUser(ctx, c, req)
	case wire.ActionDeleteUser:
		msg = s.actionDeleteUser(ctx, c, req)
	case wire.ActionOpenDatabase:
		msg = s.actionOpenDatabase(ctx, c, req)
	case wire.ActionInsert:
		msg = s.actionItemCommand(ctx, c, req, wire.CommandInsert)
	case wire.ActionUpdate:
		msg = s.actionItemCommand(ctx, c, req, wire.CommandUpdate)
	case wire.ActionDelete:
		msg = s.actionItemCommand(ctx, c, req, wire.CommandDelete)
	case wire.ActionBatchTransaction:
		msg = s.actionBatchTransaction(ctx, c, req)
	case wire.ActionBundle:
		msg = s.actionBundle(ctx, c, req)
	case wire.ActionGetPasswordSalts:
		msg = s.actionGetPasswordSalts(ctx, c, req)
	default:
		s.sendPlainError(c, "Received unknown action "+req.Action)
		return
	}
	// OpenDatabase replies from inside the engine's open callback and
	// returns a zero Message here.
	if msg.Route == "" && msg.Response == nil {
		return
	}
	c.Send(msg)
}

func (s *Server) actionValidateKey(c *session.Conn, req wire.Request) wire.Message {
	var params wire.ValidateKeyParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return wire.Fail(req.RequestID, req.Action, wire.StatusBadRequest, "Invalid params")
	}
	if c.KeyProof == nil || !c.KeyProof.Verify(params.ValidationMessage) {
		c.Logger.Warn().Msg("Key validation failed")
		return wire.Fail(req.RequestID, req.Action, wire.StatusUnauthorized, "Invalid key")
	}
	c.KeyProof = nil
	c.SetState(session.StateActive)
	c.Logger.Info().Msg("Key validated")
	return wire.OK(req.RequestID, req.Action, nil)
}

func (s *Server) actionSignOut(ctx context.Context, c *session.Conn, req wire.Request) wire.Message {
	if err := s.sessions.Invalidate(ctx, c.Identity.Session.SessionID); err != nil {
		return s.actionError(c, req, err)
	}
	// The response must be queued before the close starts dropping
	// frames.
	c.Send(wire.OK(req.RequestID, req.Action, nil))
	c.Close(session.ReasonSignOut)
	return wire.Message{}
}

func (s *Server) actionUpdateUser(ctx context.Context, c *session.Conn, req wire.Request) wire.Message {
	var params wire.UpdateUserParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return wire.Fail(req.RequestID, req.Action, wire.StatusBadRequest, "Invalid params")
	}
	user, err := s.users.Get(ctx, c.Identity.UserID)
	if err != nil {
		return s.actionError(c, req, err)
	}
	if _, err := s.users.Update(ctx, user, params); err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			return wire.Fail(req.RequestID, req.Action, wire.StatusConflict, "Username already exists")
		}
		return s.actionError(c, req, err)
	}

	// Password rotation ends every other session: their tokens were
	// minted against credentials that no longer exist.
	if len(params.PasswordToken) > 0 {
		if _, err := s.sessions.InvalidateAll(ctx, user.UserID, c.Identity.Session.SessionID); err != nil {
			c.Logger.Error().Err(err).Msg("Failed to invalidate sessions after password change")
		}
		s.registry.Broadcast(user.UserID, c.ID, wire.Message{Route: wire.RouteSessionRevoked})
		for _, other := range s.registry.ForUser(user.UserID) {
			if other.ID != c.ID {
				other.Close(session.ReasonAuthFailure)
			}
		}
	}
	return wire.OK(req.RequestID, req.Action, nil)
}

func (s *Server) actionDeleteUser(ctx context.Context, c *session.Conn, req wire.Request) wire.Message {
	user, err := s.users.Get(ctx, c.Identity.UserID)
	if err != nil {
		return s.actionError(c, req, err)
	}
	if err := s.users.SoftDelete(ctx, user); err != nil {
		return s.actionError(c, req, err)
	}
	if _, err := s.sessions.InvalidateAll(ctx, user.UserID, ""); err != nil {
		c.Logger.Error().Err(err).Msg("Failed to invalidate sessions of deleted user")
	}

	userID := user.UserID
	go func() {
		defer monitoring.RecoverPanic(s.logger, "purgeUser", map[string]any{"user_id": userID})
		if err := s.engine.PurgeUser(context.Background(), userID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("User data purge incomplete")
		}
	}()

	for _, other := range s.registry.ForUser(userID) {
		if other.ID == c.ID {
			continue
		}
		other.Close(session.ReasonUserDeleted)
	}
	c.Send(wire.OK(req.RequestID, req.Action, nil))
	c.Close(session.ReasonUserDeleted)
	return wire.Message{}
}

// actionOpenDatabase replays the database to the connection and
// subscribes it. The replay frames and the subscription are arranged
// inside the engine's ready callback, so the subscriber sees every
// record exactly once: replayed records end at OpenResult.LastSeq and
// fan-out resumes above it.
func (s *Server) actionOpenDatabase(ctx context.Context, c *session.Conn, req wire.Request) wire.Message {
	var params wire.OpenDatabaseParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return wire.Fail(req.RequestID, req.Action, wire.StatusBadRequest, "Invalid params")
	}
	if params.DBNameHash == "" {
		return wire.Fail(req.RequestID, req.Action, wire.StatusBadRequest, "Database name hash missing")
	}

	res, err := s.engine.Open(ctx, c.Identity.UserID, params, func(res *txlog.OpenResult) {
		c.Send(wire.OK(req.RequestID, req.Action, map[string]any{"dbId": res.DBID}))

		if len(res.Bundle) > 0 {
			seq := res.BundleSeqNo
			c.Send(wire.Message{
				Route:             wire.RouteTransactionLog,
				DBID:              res.DBID,
				DBNameHash:        res.NameHash,
				Bundle:            res.Bundle,
				BundleSeqNo:       &seq,
				NewDatabaseParams: res.NewDatabaseParams,
			})
		}
		for start := 0; start < len(res.Transactions); start += replayChunkSize {
			end := start + replayChunkSize
			if end > len(res.Transactions) {
				end = len(res.Transactions)
			}
			msg := wire.Message{
				Route:        wire.RouteTransactionLog,
				DBID:         res.DBID,
				DBNameHash:   res.NameHash,
				Transactions: res.Transactions[start:end],
			}
			if start == 0 && len(res.Bundle) == 0 {
				msg.NewDatabaseParams = res.NewDatabaseParams
			}
			c.Send(msg)
		}
		if len(res.Bundle) == 0 && len(res.Transactions) == 0 {
			// Empty log; the client still needs its creation metadata.
			c.Send(wire.Message{
				Route:             wire.RouteTransactionLog,
				DBID:              res.DBID,
				DBNameHash:        res.NameHash,
				NewDatabaseParams: res.NewDatabaseParams,
			})
		}

		s.dispatcher.Subscribe(res.DBID, c, res.LastSeq)
		c.AddSubscription(res.DBID)
	})
	if err != nil {
		return s.actionError(c, req, err)
	}
	c.Logger.Debug().Str("db_id", res.DBID).Uint64("last_seq", res.LastSeq).Msg("Database opened")
	// The success response was sent from the callback; nothing more to
	// send here.
	return wire.Message{}
}

func (s *Server) actionItemCommand(ctx context.Context, c *session.Conn, req wire.Request, cmd wire.Command) wire.Message {
	var params wire.ItemParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return wire.Fail(req.RequestID, req.Action, wire.StatusBadRequest, "Invalid params")
	}
	tx, err := s.engine.Append(ctx, c.Identity.UserID, c.Identity.UserID, cmd, params)
	if err != nil {
		return s.actionError(c, req, err)
	}
	return wire.OK(req.RequestID, req.Action, map[string]any{"sequenceNo": tx.SeqNo})
}

func (s *Server) actionBatchTransaction(ctx context.Context, c *session.Conn, req wire.Request) wire.Message {
	var params wire.BatchTransactionParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return wire.Fail(req.RequestID, req.Action, wire.StatusBadRequest, "Invalid params")
	}
	txs, err := s.engine.AppendBatch(ctx, c.Identity.UserID, c.Identity.UserID, params)
	if err != nil {
		return s.actionError(c, req, err)
	}
	seqNos := make([]uint64, len(txs))
	for i, tx := range txs {
		seqNos[i] = tx.SeqNo
	}
	return wire.OK(req.RequestID, req.Action, map[string]any{"sequenceNos": seqNos})
}

func (s *Server) actionBundle(ctx context.Context, c *session.Conn, req wire.Request) wire.Message {
	var params wire.BundleParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return wire.Fail(req.RequestID, req.Action, wire.StatusBadRequest, "Invalid params")
	}
	if len(params.Bundle) == 0 {
		return wire.Fail(req.RequestID, req.Action, wire.StatusBadRequest, "Bundle is empty")
	}
	if err := s.engine.PublishBundle(ctx, c.Identity.UserID, params); err != nil {
		return s.actionError(c, req, err)
	}
	return wire.OK(req.RequestID, req.Action, nil)
}

func (s *Server) actionGetPasswordSalts(ctx context.Context, c *session.Conn, req wire.Request) wire.Message {
	user, err := s.users.Get(ctx, c.Identity.UserID)
	if err != nil {
		return s.actionError(c, req, err)
	}
	return wire.OK(req.RequestID, req.Action, user.PasswordSalts)
}

// actionError maps a domain error onto a wire response.
func (s *Server) actionError(c *session.Conn, req wire.Request, err error) wire.Message {
	status := wire.StatusInternalError
	data := "Unknown error"
	switch {
	case errors.Is(err, txlog.ErrItemExists):
		status, data = wire.StatusBadRequest, "Item already exists"
	case errors.Is(err, txlog.ErrItemMissing):
		status, data = wire.StatusNotFound, "Item does not exist"
	case errors.Is(err, txlog.ErrBatchInvalid):
		status, data = wire.StatusBadRequest, "Invalid batch"
	case errors.Is(err, txlog.ErrDatabaseNotFound):
		status, data = wire.StatusNotFound, "Database not found"
	case errors.Is(err, txlog.ErrNotOwner):
		status, data = wire.StatusForbidden, "Database not owned by user"
	case errors.Is(err, txlog.ErrBundleStale):
		status, data = wire.StatusBadRequest, "Bundle sequence number is out of range"
	case errors.Is(err, txlog.ErrReopenTooOld):
		status, data = wire.StatusBadRequest, "Reopen point predates current bundle"
	case errors.Is(err, txlog.ErrUnavailable):
		status, data = wire.StatusServiceUnavailable, "Service unavailable"
	case errors.Is(err, auth.ErrSessionInvalid):
		status, data = wire.StatusUnauthorized, "Session invalid"
	case errors.Is(err, auth.ErrUserNotFound):
		status, data = wire.StatusNotFound, "User not found"
	default:
		c.Logger.Error().Err(err).Str("action", req.Action).Msg("Action failed")
	}
	return wire.Fail(req.RequestID, req.Action, status, data)
}
