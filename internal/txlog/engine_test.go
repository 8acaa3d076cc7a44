package txlog

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/cipherbase/internal/store"
	"github.com/adred-codev/cipherbase/internal/wire"
)

// captureFanout records every emission for assertions.
type captureFanout struct {
	mu      sync.Mutex
	txs     []wire.Transaction
	bundles []uint64
}

func (f *captureFanout) TransactionsAppended(dbID string, txs []wire.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, txs...)
}

func (f *captureFanout) BundlePublished(dbID string, seqNo uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles = append(f.bundles, seqNo)
}

func (f *captureFanout) seen() []wire.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Transaction(nil), f.txs...)
}

func newTestEngine(t *testing.T) (*Engine, *captureFanout) {
	t.Helper()
	e := NewEngine(store.NewMemory(), zerolog.Nop())
	f := &captureFanout{}
	e.AddFanout(f)
	return e, f
}

func openTestDB(t *testing.T, e *Engine, userID, nameHash, dbID string) *OpenResult {
	t.Helper()
	res, err := e.Open(context.Background(), userID, wire.OpenDatabaseParams{
		DBNameHash:        nameHash,
		NewDatabaseParams: &wire.NewDatabaseParams{DBID: dbID},
	}, nil)
	require.NoError(t, err)
	return res
}

func TestEngineOpenCreatesOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := openTestDB(t, e, "user1", "hash1", "db1")
	require.Equal(t, "db1", res.DBID)
	require.Empty(t, res.Transactions)
	require.Zero(t, res.LastSeq)

	// Reopening by name hash resolves the same database; the second
	// NewDatabaseParams is ignored.
	res2, err := e.Open(ctx, "user1", wire.OpenDatabaseParams{
		DBNameHash:        "hash1",
		NewDatabaseParams: &wire.NewDatabaseParams{DBID: "db-other"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "db1", res2.DBID)

	// Opening an unknown database without creation params fails.
	_, err = e.Open(ctx, "user1", wire.OpenDatabaseParams{DBNameHash: "hash2"}, nil)
	require.ErrorIs(t, err, ErrDatabaseNotFound)
}

func TestEngineAppendDenseSeqNos(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()
	openTestDB(t, e, "user1", "hash1", "db1")

	for i, key := range []string{"a", "b", "c"} {
		tx, err := e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{
			DBID: "db1", ItemKey: key, EncryptedItem: []byte{byte(i)},
		})
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), tx.SeqNo)
	}

	seen := f.seen()
	require.Len(t, seen, 3)
	for i, tx := range seen {
		require.Equal(t, uint64(i+1), tx.SeqNo)
	}

	res := openTestDB(t, e, "user1", "hash1", "db1")
	require.Len(t, res.Transactions, 3)
	require.Equal(t, uint64(3), res.LastSeq)
}

func TestEngineKeyInvariants(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	openTestDB(t, e, "user1", "hash1", "db1")

	_, err := e.Append(ctx, "user1", "user1", wire.CommandUpdate, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.ErrorIs(t, err, ErrItemMissing)
	_, err = e.Append(ctx, "user1", "user1", wire.CommandDelete, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.ErrorIs(t, err, ErrItemMissing)

	_, err = e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.NoError(t, err)
	_, err = e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.ErrorIs(t, err, ErrItemExists)

	_, err = e.Append(ctx, "user1", "user1", wire.CommandUpdate, wire.ItemParams{DBID: "db1", ItemKey: "a", EncryptedItem: []byte("v2")})
	require.NoError(t, err)
	_, err = e.Append(ctx, "user1", "user1", wire.CommandDelete, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.NoError(t, err)

	// Deleted keys may be inserted again.
	_, err = e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.NoError(t, err)
}

func TestEngineOwnership(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	openTestDB(t, e, "user1", "hash1", "db1")

	_, err := e.Append(ctx, "user2", "user2", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.ErrorIs(t, err, ErrNotOwner)

	_, err = e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "missing", ItemKey: "a"})
	require.ErrorIs(t, err, ErrDatabaseNotFound)
}

func TestEngineAppendBatch(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()
	openTestDB(t, e, "user1", "hash1", "db1")

	// Intra-batch sequences are legal: insert then update then delete.
	txs, err := e.AppendBatch(ctx, "user1", "user1", wire.BatchTransactionParams{
		DBID: "db1",
		Operations: []wire.BatchOperation{
			{Command: wire.CommandInsert, ItemKey: "a"},
			{Command: wire.CommandUpdate, ItemKey: "a", EncryptedItem: []byte("v2")},
			{Command: wire.CommandInsert, ItemKey: "b"},
			{Command: wire.CommandDelete, ItemKey: "b"},
		},
	})
	require.NoError(t, err)
	require.Len(t, txs, 4)
	for i, tx := range txs {
		require.Equal(t, uint64(i+1), tx.SeqNo)
	}
	require.Len(t, f.seen(), 4)

	// A batch with one invalid op writes nothing.
	_, err = e.AppendBatch(ctx, "user1", "user1", wire.BatchTransactionParams{
		DBID: "db1",
		Operations: []wire.BatchOperation{
			{Command: wire.CommandInsert, ItemKey: "c"},
			{Command: wire.CommandInsert, ItemKey: "a"}, // live from the first batch
		},
	})
	require.ErrorIs(t, err, ErrItemExists)
	require.Len(t, f.seen(), 4)
	res := openTestDB(t, e, "user1", "hash1", "db1")
	require.Equal(t, uint64(4), res.LastSeq)
}

func TestEngineAppendBatchLimits(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	openTestDB(t, e, "user1", "hash1", "db1")

	_, err := e.AppendBatch(ctx, "user1", "user1", wire.BatchTransactionParams{DBID: "db1"})
	require.ErrorIs(t, err, ErrBatchInvalid)

	ops := make([]wire.BatchOperation, wire.MaxBatchSize+1)
	for i := range ops {
		ops[i] = wire.BatchOperation{Command: wire.CommandInsert, ItemKey: string(rune('a' + i))}
	}
	_, err = e.AppendBatch(ctx, "user1", "user1", wire.BatchTransactionParams{DBID: "db1", Operations: ops})
	require.ErrorIs(t, err, ErrBatchInvalid)
}

func TestEnginePublishBundle(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()
	openTestDB(t, e, "user1", "hash1", "db1")

	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: key})
		require.NoError(t, err)
	}

	// Above the head: rejected.
	err := e.PublishBundle(ctx, "user1", wire.BundleParams{DBID: "db1", SeqNo: 5, Bundle: []byte("blob")})
	require.ErrorIs(t, err, ErrBundleStale)

	require.NoError(t, e.PublishBundle(ctx, "user1", wire.BundleParams{DBID: "db1", SeqNo: 3, Bundle: []byte("blob")}))
	require.Equal(t, []uint64{3}, f.bundles)

	// At or below the current bundle: rejected.
	err = e.PublishBundle(ctx, "user1", wire.BundleParams{DBID: "db1", SeqNo: 3, Bundle: []byte("blob2")})
	require.ErrorIs(t, err, ErrBundleStale)
	err = e.PublishBundle(ctx, "user1", wire.BundleParams{DBID: "db1", SeqNo: 2, Bundle: []byte("blob2")})
	require.ErrorIs(t, err, ErrBundleStale)

	// Replay now starts from the bundle.
	res := openTestDB(t, e, "user1", "hash1", "db1")
	require.Equal(t, []byte("blob"), res.Bundle)
	require.Equal(t, uint64(3), res.BundleSeqNo)
	require.Len(t, res.Transactions, 1)
	require.Equal(t, uint64(4), res.Transactions[0].SeqNo)

	// Appends continue densely above the head.
	tx, err := e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "e"})
	require.NoError(t, err)
	require.Equal(t, uint64(5), tx.SeqNo)
}

func TestEngineBundleSurvivesRestart(t *testing.T) {
	st := store.NewMemory()
	e := NewEngine(st, zerolog.Nop())
	ctx := context.Background()
	openTestDB(t, e, "user1", "hash1", "db1")

	_, err := e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.NoError(t, err)
	_, err = e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "b"})
	require.NoError(t, err)
	_, err = e.Append(ctx, "user1", "user1", wire.CommandDelete, wire.ItemParams{DBID: "db1", ItemKey: "b"})
	require.NoError(t, err)
	require.NoError(t, e.PublishBundle(ctx, "user1", wire.BundleParams{DBID: "db1", SeqNo: 3, Bundle: []byte("blob")}))

	// A fresh process over the same store must still see "a" as live
	// even though its Insert was absorbed into the bundle.
	restarted := NewEngine(st, zerolog.Nop())
	_, err = restarted.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.ErrorIs(t, err, ErrItemExists)
	tx, err := restarted.Append(ctx, "user1", "user1", wire.CommandUpdate, wire.ItemParams{DBID: "db1", ItemKey: "a", EncryptedItem: []byte("v2")})
	require.NoError(t, err)
	require.Equal(t, uint64(4), tx.SeqNo)

	// "b" was deleted before the bundle, so it is free again.
	_, err = restarted.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "b"})
	require.NoError(t, err)
}

func TestEngineOpenRefreshesPeerBundle(t *testing.T) {
	st := store.NewMemory()
	local := NewEngine(st, zerolog.Nop())
	peer := NewEngine(st, zerolog.Nop())
	ctx := context.Background()
	openTestDB(t, local, "user1", "hash1", "db1")

	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := local.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: key})
		require.NoError(t, err)
	}

	// Another node publishes a bundle; this node's in-memory head is
	// now behind the stored record.
	openTestDB(t, peer, "user1", "hash1", "db1")
	require.NoError(t, peer.PublishBundle(ctx, "user1", wire.BundleParams{DBID: "db1", SeqNo: 3, Bundle: []byte("blob")}))

	// Open here pairs the new bundle with a replay starting above it,
	// never duplicating absorbed records.
	res := openTestDB(t, local, "user1", "hash1", "db1")
	require.Equal(t, []byte("blob"), res.Bundle)
	require.Equal(t, uint64(3), res.BundleSeqNo)
	require.Len(t, res.Transactions, 1)
	require.Equal(t, uint64(4), res.Transactions[0].SeqNo)

	// The refreshed live set still covers keys absorbed by the bundle.
	_, err := local.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.ErrorIs(t, err, ErrItemExists)
}

func TestEngineReopenAt(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	openTestDB(t, e, "user1", "hash1", "db1")

	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: key})
		require.NoError(t, err)
	}
	require.NoError(t, e.PublishBundle(ctx, "user1", wire.BundleParams{DBID: "db1", SeqNo: 2, Bundle: []byte("blob")}))

	// Reopen above the bundle: no bundle, records after the cursor only.
	at := uint64(3)
	res, err := e.Open(ctx, "user1", wire.OpenDatabaseParams{DBNameHash: "hash1", ReopenAtSeqNo: &at}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Bundle)
	require.Len(t, res.Transactions, 1)
	require.Equal(t, uint64(4), res.Transactions[0].SeqNo)

	// Reopen below the bundle: history is gone.
	at = 1
	_, err = e.Open(ctx, "user1", wire.OpenDatabaseParams{DBNameHash: "hash1", ReopenAtSeqNo: &at}, nil)
	require.ErrorIs(t, err, ErrReopenTooOld)
}

func TestEngineOpenReadyRegistration(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	openTestDB(t, e, "user1", "hash1", "db1")

	_, err := e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.NoError(t, err)

	var readyLastSeq uint64
	res, err := e.Open(ctx, "user1", wire.OpenDatabaseParams{DBNameHash: "hash1"}, func(r *OpenResult) {
		readyLastSeq = r.LastSeq
	})
	require.NoError(t, err)
	require.Equal(t, res.LastSeq, readyLastSeq)
	require.Equal(t, uint64(1), readyLastSeq)
}

func TestEnginePurgeUser(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	openTestDB(t, e, "user1", "hash1", "db1")
	openTestDB(t, e, "user1", "hash2", "db2")
	openTestDB(t, e, "user2", "hash1", "db3")

	_, err := e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "a"})
	require.NoError(t, err)

	require.NoError(t, e.PurgeUser(ctx, "user1"))

	_, err = e.Open(ctx, "user1", wire.OpenDatabaseParams{DBNameHash: "hash1"}, nil)
	require.ErrorIs(t, err, ErrDatabaseNotFound)
	_, err = e.Append(ctx, "user1", "user1", wire.CommandInsert, wire.ItemParams{DBID: "db1", ItemKey: "b"})
	require.ErrorIs(t, err, ErrDatabaseNotFound)

	// Other users are untouched.
	res := openTestDB(t, e, "user2", "hash1", "db3")
	require.Equal(t, "db3", res.DBID)
}
