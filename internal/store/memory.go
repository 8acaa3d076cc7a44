package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store used by tests and single-node dev
// deployments. Each partition is an independent sorted map; the whole
// store is guarded by one mutex, which also gives Batch its
// all-or-nothing semantics.
type Memory struct {
	mu         sync.Mutex
	partitions map[string]map[string][]byte
	counters   map[string]uint64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[string]map[string][]byte),
		counters:   make(map[string]uint64),
	}
}

func (m *Memory) partition(name string) map[string][]byte {
	p, ok := m.partitions[name]
	if !ok {
		p = make(map[string][]byte)
		m.partitions[name] = p
	}
	return p
}

func (m *Memory) Put(ctx context.Context, item Item, ifAbsent bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.partition(item.Partition)
	if ifAbsent {
		if _, occupied := p[item.Sort]; occupied {
			return ErrAlreadyExists
		}
	}
	p[item.Sort] = append([]byte(nil), item.Value...)
	return nil
}

func (m *Memory) Get(ctx context.Context, partition, sortKey string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[partition]
	if !ok {
		return Item{}, ErrNotFound
	}
	v, ok := p[sortKey]
	if !ok {
		return Item{}, ErrNotFound
	}
	return Item{Partition: partition, Sort: sortKey, Value: append([]byte(nil), v...)}, nil
}

func (m *Memory) Range(ctx context.Context, partition, fromSort, toSort string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[partition]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		if k < fromSort {
			continue
		}
		if toSort != "" && k > toSort {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]Item, 0, len(keys))
	for _, k := range keys {
		items = append(items, Item{Partition: partition, Sort: k, Value: append([]byte(nil), p[k]...)})
	}
	return items, nil
}

func (m *Memory) Batch(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Check every condition before touching anything.
	for _, op := range ops {
		if op.Kind == OpPut && op.IfAbsent {
			if p, ok := m.partitions[op.Partition]; ok {
				if _, occupied := p[op.Sort]; occupied {
					return ErrConditionFailed
				}
			}
		}
	}
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			m.partition(op.Partition)[op.Sort] = append([]byte(nil), op.Value...)
		case OpDelete:
			if p, ok := m.partitions[op.Partition]; ok {
				delete(p, op.Sort)
			}
		}
	}
	return nil
}

func (m *Memory) NextSeq(ctx context.Context, partition string, count uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if count == 0 {
		count = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	first := m.counters[partition] + 1
	m.counters[partition] += count
	return first, nil
}

func (m *Memory) Delete(ctx context.Context, partition, sortKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.partitions[partition]; ok {
		delete(p, sortKey)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
