package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Item{Partition: "p", Sort: "a", Value: []byte("one")}, false))

	item, err := m.Get(ctx, "p", "a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), item.Value)

	_, err = m.Get(ctx, "p", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.Get(ctx, "other", "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPutIfAbsent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Item{Partition: "p", Sort: "a", Value: []byte("one")}, true))
	err := m.Put(ctx, Item{Partition: "p", Sort: "a", Value: []byte("two")}, true)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// Unconditional put overwrites.
	require.NoError(t, m.Put(ctx, Item{Partition: "p", Sort: "a", Value: []byte("two")}, false))
	item, err := m.Get(ctx, "p", "a")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), item.Value)
}

func TestMemoryRangeOrdered(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, seq := range []uint64{3, 1, 5, 2, 4} {
		require.NoError(t, m.Put(ctx, Item{Partition: "tx", Sort: SeqSort(seq), Value: []byte{byte(seq)}}, false))
	}

	items, err := m.Range(ctx, "tx", SeqSort(2), SeqSort(4))
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		require.Equal(t, SeqSort(uint64(i+2)), item.Sort)
	}

	// Open-ended range returns everything from the start sort onward.
	items, err = m.Range(ctx, "tx", SeqSort(4), "")
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestMemoryBatchAtomic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Item{Partition: "p", Sort: "taken", Value: []byte("x")}, false))

	err := m.Batch(ctx, []Op{
		{Kind: OpPut, Partition: "p", Sort: "new", Value: []byte("y"), IfAbsent: true},
		{Kind: OpPut, Partition: "p", Sort: "taken", Value: []byte("z"), IfAbsent: true},
	})
	require.ErrorIs(t, err, ErrConditionFailed)

	// The failed batch must not have applied its first op.
	_, err = m.Get(ctx, "p", "new")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Batch(ctx, []Op{
		{Kind: OpPut, Partition: "p", Sort: "new", Value: []byte("y"), IfAbsent: true},
		{Kind: OpDelete, Partition: "p", Sort: "taken"},
	}))
	_, err = m.Get(ctx, "p", "taken")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryNextSeq(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.NextSeq(ctx, "tx#db1", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	first, err = m.NextSeq(ctx, "tx#db1", 3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), first)

	first, err = m.NextSeq(ctx, "tx#db1", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(5), first)

	// Counters are per partition.
	first, err = m.NextSeq(ctx, "tx#db2", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Item{Partition: "p", Sort: "a", Value: []byte("one")}, false))
	require.NoError(t, m.Delete(ctx, "p", "a"))
	_, err := m.Get(ctx, "p", "a")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing row is not an error.
	require.NoError(t, m.Delete(ctx, "p", "a"))
}
