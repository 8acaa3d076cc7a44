// Package relay bridges transaction fan-out across server nodes over
// NATS. Each node republishes the records it commits; peers feed them
// into their local dispatcher, where per-subscriber cursors drop
// anything already delivered. The relay is optional and never on the
// commit path: publish failures are logged, not surfaced.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/cipherbase/internal/wire"
)

const (
	txSubject     = "cb.tx"
	bundleSubject = "cb.bundle"
)

// Sink is where remote records land; satisfied by the dispatcher.
type Sink interface {
	TransactionsAppended(dbID string, txs []wire.Transaction)
	BundlePublished(dbID string, bundleSeqNo uint64)
}

type txEnvelope struct {
	Node         string             `json:"node"`
	DBID         string             `json:"dbId"`
	Transactions []wire.Transaction `json:"transactions,omitempty"`
	BundleSeqNo  uint64             `json:"bundleSeqNo,omitempty"`
}

// Relay publishes local commits and subscribes to peer commits. It
// implements txlog.Fanout.
type Relay struct {
	conn   *nats.Conn
	nodeID string
	sink   Sink
	logger zerolog.Logger
	subs   []*nats.Subscription
}

// Connect dials NATS and starts relaying into sink.
func Connect(url string, sink Sink, logger zerolog.Logger) (*Relay, error) {
	r := &Relay{
		nodeID: uuid.NewString(),
		sink:   sink,
		logger: logger.With().Str("component", "relay").Logger(),
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			r.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: connect to NATS: %w", err)
	}
	r.conn = conn

	txSub, err := conn.Subscribe(txSubject+".>", r.handleTransactions)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: subscribe %s: %w", txSubject, err)
	}
	bundleSub, err := conn.Subscribe(bundleSubject+".>", r.handleBundle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: subscribe %s: %w", bundleSubject, err)
	}
	r.subs = append(r.subs, txSub, bundleSub)

	r.logger.Info().Str("url", url).Str("node_id", r.nodeID).Msg("Transaction relay connected")
	return r, nil
}

// TransactionsAppended implements txlog.Fanout on the publish side.
func (r *Relay) TransactionsAppended(dbID string, txs []wire.Transaction) {
	r.publish(txSubject+"."+dbID, txEnvelope{Node: r.nodeID, DBID: dbID, Transactions: txs})
}

// BundlePublished implements txlog.Fanout on the publish side.
func (r *Relay) BundlePublished(dbID string, bundleSeqNo uint64) {
	r.publish(bundleSubject+"."+dbID, txEnvelope{Node: r.nodeID, DBID: dbID, BundleSeqNo: bundleSeqNo})
}

func (r *Relay) publish(subject string, env txEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error().Err(err).Str("subject", subject).Msg("Failed to marshal relay envelope")
		return
	}
	if err := r.conn.Publish(subject, data); err != nil {
		r.logger.Warn().Err(err).Str("subject", subject).Msg("Relay publish failed")
	}
}

func (r *Relay) handleTransactions(msg *nats.Msg) {
	var env txEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Bad relay envelope")
		return
	}
	if env.Node == r.nodeID {
		return
	}
	r.sink.TransactionsAppended(env.DBID, env.Transactions)
}

func (r *Relay) handleBundle(msg *nats.Msg) {
	var env txEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Bad relay envelope")
		return
	}
	if env.Node == r.nodeID {
		return
	}
	r.sink.BundlePublished(env.DBID, env.BundleSeqNo)
}

// Close drains subscriptions and closes the connection.
func (r *Relay) Close() {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn().Err(err).Msg("Relay unsubscribe failed")
		}
	}
	r.conn.Close()
}
