package kv

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Memory is an in-process Db used by tests and ephemeral pages.
type Memory struct {
	mu         sync.RWMutex
	data       map[string][]byte
	closed     bool
	failWrites error
}

var _ Db = (*Memory)(nil)

// NewMemory returns an empty in-memory Db.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *Memory) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *Memory) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	m.data[string(key)] = clone(value)
	return nil
}

func (m *Memory) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	delete(m.data, string(key))
	return nil
}

func (m *Memory) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = clone(m.data[k])
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) NewBatch() Batch {
	return &memoryBatch{m: m}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailWrites makes every later Put, Delete and batch Execute fail with err.
// A nil err restores normal writes.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = err
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *Memory) writable() error {
	if m.closed {
		return errors.New("kv: db closed")
	}
	return m.failWrites
}

type memoryBatch struct {
	ops
	m *Memory
}

func (b *memoryBatch) Execute() error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if err := b.m.writable(); err != nil {
		return err
	}
	for _, op := range b.ops {
		if op.delete {
			delete(b.m.data, string(op.key))
		} else {
			b.m.data[string(op.key)] = op.value
		}
	}
	return nil
}
