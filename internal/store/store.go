// Package store provides the storage adapter abstraction: a thin
// interface over a wide-column KV store offering conditional insert,
// range query on a sort key within a partition, batch transactional
// writes, and a monotonic per-partition sequence allocator.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when no item exists at the key.
	ErrNotFound = errors.New("store: item not found")
	// ErrAlreadyExists is returned by a conditional Put when the sort
	// key is already occupied.
	ErrAlreadyExists = errors.New("store: item already exists")
	// ErrConditionFailed is returned by Batch when any op's condition
	// does not hold; nothing was written.
	ErrConditionFailed = errors.New("store: condition failed")
	// ErrTxConflict is returned by Batch when the transaction lost a
	// race and should be retried with fresh keys.
	ErrTxConflict = errors.New("store: transaction conflict")
)

// Item is one stored record addressed by (partition, sort).
type Item struct {
	Partition string
	Sort      string
	Value     []byte
}

// OpKind selects the mutation inside a Batch.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one mutation inside a Batch. IfAbsent makes a Put conditional
// on the sort key being free.
type Op struct {
	Kind      OpKind
	Partition string
	Sort      string
	Value     []byte
	IfAbsent  bool
}

// MaxBatchOps is the most ops a single Batch may carry; DynamoDB's
// transactional write limit is the binding constraint.
const MaxBatchOps = 25

// Store is the adapter contract. Within a single Batch the store
// applies the condition set serializably; across calls, reads observe
// a linearizable history per partition.
type Store interface {
	// Put writes item; with ifAbsent it fails with ErrAlreadyExists
	// when the key is occupied.
	Put(ctx context.Context, item Item, ifAbsent bool) error
	// Get returns the item at (partition, sort) or ErrNotFound.
	Get(ctx context.Context, partition, sort string) (Item, error)
	// Range returns items in partition with fromSort <= sort, and
	// sort <= toSort when toSort is non-empty, ordered by sort key.
	Range(ctx context.Context, partition, fromSort, toSort string) ([]Item, error)
	// Batch applies up to MaxBatchOps mutations all-or-nothing.
	Batch(ctx context.Context, ops []Op) error
	// NextSeq reserves a contiguous block of count sequence numbers
	// for partition and returns the first. Blocks never repeat.
	NextSeq(ctx context.Context, partition string, count uint64) (uint64, error)
	// Delete removes the item if present; absence is not an error.
	Delete(ctx context.Context, partition, sort string) error
	// Close releases driver resources.
	Close() error
}

// SeqSort formats a sequence number as a fixed-width sort key so that
// lexicographic and numeric order agree.
func SeqSort(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}
