// Package dispatch couples the transaction log engine to the session
// registry: every committed record is fanned out, in seqNo order, to
// all connections that have opened the database.
package dispatch

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/cipherbase/internal/monitoring"
	"github.com/adred-codev/cipherbase/internal/session"
	"github.com/adred-codev/cipherbase/internal/wire"
)

// subscriber pairs a connection with its delivery cursor.
// lastDelivered is read and written only under the dispatcher's lock;
// the relay delivers from its own goroutine.
type subscriber struct {
	conn          *session.Conn
	lastDelivered uint64
}

// delivery is a subscriber with its cursor as snapshotted under the
// lock, so the skip loop runs without holding it.
type delivery struct {
	sub    *subscriber
	cursor uint64
}

// Dispatcher maintains per-database subscriber lists in registration
// order. Engine fan-out runs under the database's append lock, so
// deliveries to one database are already serialized; the dispatcher's
// own lock only guards the subscriber maps.
type Dispatcher struct {
	logger zerolog.Logger

	mu   sync.Mutex
	byDB map[string][]*subscriber
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger.With().Str("component", "dispatch").Logger(),
		byDB:   make(map[string][]*subscriber),
	}
}

// Subscribe attaches a connection to a database from lastDelivered
// onward. Call under the engine's open callback so no record between
// replay and attachment is lost.
func (d *Dispatcher) Subscribe(dbID string, c *session.Conn, lastDelivered uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.byDB[dbID] {
		if sub.conn == c {
			// Reopen on the same connection just moves the cursor
			// backward if the client asked for older records.
			if lastDelivered < sub.lastDelivered {
				sub.lastDelivered = lastDelivered
			}
			return
		}
	}
	d.byDB[dbID] = append(d.byDB[dbID], &subscriber{conn: c, lastDelivered: lastDelivered})
}

// Unsubscribe detaches a connection from one database.
func (d *Dispatcher) Unsubscribe(dbID string, c *session.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detachLocked(dbID, c)
}

func (d *Dispatcher) detachLocked(dbID string, c *session.Conn) {
	subs := d.byDB[dbID]
	for i, sub := range subs {
		if sub.conn == c {
			d.byDB[dbID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(d.byDB[dbID]) == 0 {
		delete(d.byDB, dbID)
	}
}

// DetachConn releases every subscription held by a closing connection.
// Detachment is a set removal; nothing cascades.
func (d *Dispatcher) DetachConn(c *session.Conn) {
	for _, dbID := range c.Subscriptions() {
		d.Unsubscribe(dbID, c)
		c.RemoveSubscription(dbID)
	}
}

// TransactionsAppended implements txlog.Fanout. Records below a
// subscriber's cursor are skipped, which also dedupes records arriving
// twice via the cross-node relay. A subscriber whose outbound queue
// overflows is detached and its connection closed; others are
// unaffected.
func (d *Dispatcher) TransactionsAppended(dbID string, txs []wire.Transaction) {
	if len(txs) == 0 {
		return
	}

	d.mu.Lock()
	snaps := make([]delivery, len(d.byDB[dbID]))
	for i, sub := range d.byDB[dbID] {
		snaps[i] = delivery{sub: sub, cursor: sub.lastDelivered}
	}
	d.mu.Unlock()

	for _, sn := range snaps {
		pending := txs
		for len(pending) > 0 && pending[0].SeqNo <= sn.cursor {
			pending = pending[1:]
		}
		if len(pending) == 0 {
			continue
		}
		msg := wire.Message{
			Route:        wire.RouteTransactionLog,
			DBID:         dbID,
			Transactions: pending,
		}
		if !d.deliver(sn.sub.conn, msg) {
			d.drop(dbID, sn.sub.conn)
			continue
		}
		last := pending[len(pending)-1].SeqNo
		d.mu.Lock()
		if last > sn.sub.lastDelivered {
			sn.sub.lastDelivered = last
		}
		d.mu.Unlock()
	}
}

// BundlePublished implements txlog.Fanout: subscribers are told a new
// bundle supersedes replayed history.
func (d *Dispatcher) BundlePublished(dbID string, bundleSeqNo uint64) {
	d.mu.Lock()
	subs := append([]*subscriber(nil), d.byDB[dbID]...)
	d.mu.Unlock()

	seq := bundleSeqNo
	msg := wire.Message{
		Route:       wire.RouteBundlePublished,
		DBID:        dbID,
		BundleSeqNo: &seq,
	}
	for _, sub := range subs {
		if !d.deliver(sub.conn, msg) {
			d.drop(dbID, sub.conn)
		}
	}
}

func (d *Dispatcher) deliver(c *session.Conn, msg wire.Message) bool {
	frame, err := json.Marshal(msg)
	if err != nil {
		d.logger.Error().Err(err).Str("route", msg.Route).Msg("Failed to marshal fan-out frame")
		return true
	}
	return c.TrySend(frame)
}

// drop sheds a slow consumer: the one place the system releases load
// under sustained unfairness.
func (d *Dispatcher) drop(dbID string, c *session.Conn) {
	d.mu.Lock()
	d.detachLocked(dbID, c)
	d.mu.Unlock()

	monitoring.SlowConsumersDropped.Inc()
	d.logger.Warn().
		Int64("conn_id", c.ID).
		Str("db_id", dbID).
		Msg("Dropping slow consumer")
	c.Close(session.ReasonSlowConsumer)
}
