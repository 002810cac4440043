// Package kv is the local persistent key-value engine backing page storage.
//
// The engine is opaque to its callers: keys and values are byte strings, reads
// are point lookups or ordered prefix scans, and multi-key writes go through a
// Batch that is applied atomically or not at all.
package kv

import (
	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Get when the key is absent, and by Open when the
// database file does not exist.
var ErrNotFound = errors.New("kv: not found")

// Db is a durable ordered map.
type Db interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// Has reports whether key is present.
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Iterate calls fn for every key with the given prefix, in key order.
	// Keys and values passed to fn are copies owned by fn. Iteration stops at
	// the first error returned by fn, which Iterate returns.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	// NewBatch starts an atomic multi-key write.
	NewBatch() Batch
	Close() error
}

// Batch accumulates writes and applies them atomically on Execute.
// A batch must not be reused after Execute.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	// Len returns the number of staged operations.
	Len() int
	Execute() error
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// ops is the staged-operation list shared by the Batch implementations.
type ops []batchOp

func (o *ops) Put(key, value []byte) {
	*o = append(*o, batchOp{key: clone(key), value: clone(value)})
}

func (o *ops) Delete(key []byte) {
	*o = append(*o, batchOp{key: clone(key), delete: true})
}

func (o *ops) Len() int { return len(*o) }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
