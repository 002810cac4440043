package kv

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cockroachdb/errors"
)

var bucketName = []byte("pagesync")

// BoltDb is the production Db backed by a single bolt file.
type BoltDb struct {
	db *bolt.DB
}

var _ Db = (*BoltDb)(nil)

// Create opens the bolt file at path, creating it and its parent directory if
// needed.
func Create(path string) (*BoltDb, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create db dir")
	}
	return openBolt(path)
}

// Open opens an existing bolt file. It returns ErrNotFound if path does not
// exist.
func Open(path string) (*BoltDb, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "db %s", path)
		}
		return nil, errors.Wrap(err, "stat db")
	}
	return openBolt(path)
}

func openBolt(path string) (*BoltDb, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}
	return &BoltDb{db: db}, nil
}

func (b *BoltDb) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDb) Has(key []byte) (bool, error) {
	_, err := b.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *BoltDb) Put(key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

func (b *BoltDb) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

// Iterate collects matching pairs inside a read transaction and calls fn
// after it closes, so fn may write to the Db.
func (b *BoltDb) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	var keys, values [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, clone(k))
			values = append(values, clone(v))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range keys {
		if err := fn(keys[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltDb) NewBatch() Batch {
	return &boltBatch{db: b.db}
}

func (b *BoltDb) Close() error {
	return b.db.Close()
}

type boltBatch struct {
	ops
	db *bolt.DB
}

func (bb *boltBatch) Execute() error {
	if len(bb.ops) == 0 {
		return nil
	}
	return bb.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, op := range bb.ops {
			var err error
			if op.delete {
				err = bucket.Delete(op.key)
			} else {
				err = bucket.Put(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}
