package dag

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/systemshift/pagesync/internal/kv"
	"github.com/systemshift/pagesync/internal/telemetry"
)

// Priority controls when an entry's object is transferred during sync.
type Priority uint8

const (
	// Eager objects are fetched together with the commit that references them.
	Eager Priority = iota
	// Lazy objects are fetched the first time they are read.
	Lazy
)

func (p Priority) String() string {
	if p == Lazy {
		return "lazy"
	}
	return "eager"
}

// Stored object layout: one tag byte followed by the payload.
const (
	tagRaw  byte = 0
	tagZstd byte = 1

	// Objects smaller than this are never worth compressing.
	compressThreshold = 256

	// MaxObjectSize bounds objects accepted from sync sources.
	MaxObjectSize = 64 << 20
	// fetchPrealloc caps how much of a declared size is allocated up front.
	fetchPrealloc = 1 << 20
)

var (
	objectPrefix         = []byte("o/")
	objectSizePrefix     = []byte("z/")
	unsyncedObjectPrefix = []byte("u/o/")
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("dag: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("dag: zstd decoder initialization failed: " + err.Error())
	}
}

// ObjectStoreOptions configures an ObjectStore.
type ObjectStoreOptions struct {
	// CacheSize is the number of decoded objects kept in memory.
	CacheSize int
	// Compress stores objects zstd-compressed when that saves space.
	Compress  bool
	Telemetry telemetry.Sink
	// Page labels telemetry events.
	Page string
}

// ObjectStore manages content-addressed immutable objects in a Db.
type ObjectStore struct {
	db        kv.Db
	cache     *lru.Cache[ObjectDigest, []byte]
	fetches   singleflight.Group
	compress  bool
	telemetry telemetry.Sink
	page      string
	// ctx bounds shared fetches; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	delegate SyncDelegate
	// run executes local writes; the page routes them through its queue.
	run func(ctx context.Context, fn func() error) error
}

// NewObjectStore creates an ObjectStore over db.
func NewObjectStore(db kv.Db, opts ObjectStoreOptions) (*ObjectStore, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[ObjectDigest, []byte](size)
	if err != nil {
		return nil, errors.Wrap(err, "object cache")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ObjectStore{
		db:        db,
		cache:     cache,
		ctx:       ctx,
		cancel:    cancel,
		compress:  opts.Compress,
		telemetry: telemetry.OrNop(opts.Telemetry),
		page:      opts.Page,
		run: func(ctx context.Context, fn func() error) error {
			return fn()
		},
	}, nil
}

// Close aborts fetches in flight.
func (s *ObjectStore) Close() {
	s.cancel()
}

func objectKey(d ObjectDigest) []byte {
	return append(append([]byte{}, objectPrefix...), d.Bytes()...)
}

func objectSizeKey(d ObjectDigest) []byte {
	return append(append([]byte{}, objectSizePrefix...), d.Bytes()...)
}

func unsyncedObjectKey(d ObjectDigest) []byte {
	return append(append([]byte{}, unsyncedObjectPrefix...), d.Bytes()...)
}

// SetSyncDelegate sets where GetOrFetch looks for objects missing locally.
func (s *ObjectStore) SetSyncDelegate(d SyncDelegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = d
}

func (s *ObjectStore) syncDelegate() SyncDelegate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate
}

// Put writes data to the object store, returning its identifier.
// If the object already exists, this is a no-op.
func (s *ObjectStore) Put(ctx context.Context, data []byte) (ObjectIdentifier, error) {
	d, err := ComputeDigest(data)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	id := ObjectIdentifier{Digest: d}
	err = s.run(ctx, func() error {
		ok, err := s.db.Has(objectKey(d))
		if err != nil {
			return ioError(err, "check object")
		}
		if ok {
			return nil
		}
		t := newTxn(s.db)
		s.stage(t, id, data, true)
		if err := t.batch.Execute(); err != nil {
			return ioError(err, "write object")
		}
		return nil
	})
	if err != nil {
		return ObjectIdentifier{}, err
	}
	s.cache.Add(d, bytes.Clone(data))
	return id, nil
}

// stage adds the object to t. unsynced marks it for cloud upload.
func (s *ObjectStore) stage(t *txn, id ObjectIdentifier, data []byte, unsynced bool) {
	if t.objects[id.Digest] {
		return
	}
	t.objects[id.Digest] = true
	t.batch.Put(objectKey(id.Digest), s.encode(data))
	t.batch.Put(objectSizeKey(id.Digest), binary.AppendUvarint(nil, uint64(len(data))))
	if unsynced {
		t.batch.Put(unsyncedObjectKey(id.Digest), nil)
	}
}

// has reports whether the object is stored or staged in t.
func (s *ObjectStore) has(t *txn, id ObjectIdentifier) (bool, error) {
	if t.objects[id.Digest] {
		return true, nil
	}
	return s.Has(context.Background(), id)
}

func (s *ObjectStore) encode(data []byte) []byte {
	if s.compress && len(data) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(data, []byte{tagZstd})
		if len(compressed) < len(data)+1 {
			return compressed
		}
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, tagRaw)
	return append(out, data...)
}

func decodeObject(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errors.New("empty object record")
	}
	switch stored[0] {
	case tagRaw:
		return stored[1:], nil
	case tagZstd:
		return zstdDecoder.DecodeAll(stored[1:], nil)
	default:
		return nil, errors.Newf("unknown object tag %d", stored[0])
	}
}

// Has reports whether the object is stored locally.
func (s *ObjectStore) Has(ctx context.Context, id ObjectIdentifier) (bool, error) {
	if s.cache.Contains(id.Digest) {
		return true, nil
	}
	ok, err := s.db.Has(objectKey(id.Digest))
	if err != nil {
		return false, ioError(err, "check object")
	}
	return ok, nil
}

// Size returns the decoded length of a locally stored object without
// reading it.
func (s *ObjectStore) Size(ctx context.Context, id ObjectIdentifier) (uint64, error) {
	if data, ok := s.cache.Peek(id.Digest); ok {
		return uint64(len(data)), nil
	}
	raw, err := s.db.Get(objectSizeKey(id.Digest))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, mark(err, ErrNotFound, "object "+id.String())
	}
	if err != nil {
		return 0, ioError(err, "read object size "+id.String())
	}
	size, n := binary.Uvarint(raw)
	if n <= 0 {
		s.telemetry.Report(telemetry.LocalStoreCorrupted, s.page)
		return 0, mark(errors.New("bad size record"), ErrCorrupted, "object "+id.String())
	}
	return size, nil
}

// Get reads a locally stored object. The returned slice must not be modified.
func (s *ObjectStore) Get(ctx context.Context, id ObjectIdentifier) ([]byte, error) {
	if data, ok := s.cache.Get(id.Digest); ok {
		return data, nil
	}
	stored, err := s.db.Get(objectKey(id.Digest))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, mark(err, ErrNotFound, "object "+id.String())
	}
	if err != nil {
		return nil, ioError(err, "read object "+id.String())
	}
	data, err := decodeObject(stored)
	if err == nil {
		err = verifyDigest(id, data)
	}
	if err != nil {
		s.telemetry.Report(telemetry.LocalStoreCorrupted, s.page)
		return nil, mark(err, ErrCorrupted, "object "+id.String())
	}
	s.cache.Add(id.Digest, data)
	return data, nil
}

func verifyDigest(id ObjectIdentifier, data []byte) error {
	d, err := ComputeDigest(data)
	if err != nil {
		return err
	}
	if !d.Equals(id.Digest) {
		return errors.Mark(errors.Newf("object %s hashes to %s", id, FormatCID(d)), ErrDigestMismatch)
	}
	return nil
}

// GetOrFetch returns the object, fetching and storing it through the sync
// delegate when it is not held locally.
func (s *ObjectStore) GetOrFetch(ctx context.Context, id ObjectIdentifier, priority Priority) ([]byte, error) {
	data, err := s.Get(ctx, id)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return data, err
	}
	data, err = s.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.run(ctx, func() error {
		t := newTxn(s.db)
		s.stage(t, id, data, false)
		if err := t.batch.Execute(); err != nil {
			return ioError(err, "write fetched object")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Add(id.Digest, data)
	return bytes.Clone(data), nil
}

// Fetch retrieves an object from the sync delegate without storing it.
// Concurrent fetches of one object share a single request, which outlives
// any one caller's ctx but not the store. Each caller gets its own copy.
func (s *ObjectStore) Fetch(ctx context.Context, id ObjectIdentifier) ([]byte, error) {
	d := s.syncDelegate()
	if d == nil {
		return nil, errors.Mark(errors.Newf("object %s not found locally and sync is not configured", id), ErrNotFound)
	}
	ch := s.fetches.DoChan(id.Digest.KeyString(), func() (interface{}, error) {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()
		return fetchObject(fctx, d, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return bytes.Clone(res.Val.([]byte)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fetchObject(ctx context.Context, d SyncDelegate, id ObjectIdentifier) ([]byte, error) {
	size, r, err := d.GetObject(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, mark(err, ErrNetwork, "remote has no object "+id.String())
		}
		return nil, err
	}
	defer r.Close()

	if size < 0 || size > MaxObjectSize {
		return nil, errors.Mark(errors.Newf("object %s: declared size %d outside [0, %d]", id, size, MaxObjectSize), ErrNetwork)
	}
	var buf bytes.Buffer
	buf.Grow(int(min(size, fetchPrealloc)))
	n, err := io.Copy(&buf, io.LimitReader(r, size+1))
	if err != nil {
		return nil, mark(err, ErrNetwork, "read object "+id.String())
	}
	if n != size {
		return nil, errors.Mark(errors.Newf("object %s: declared size %d, read %d", id, size, n), ErrDigestMismatch)
	}
	data := buf.Bytes()
	if err := verifyDigest(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

// UnsyncedObjects lists objects written locally that the cloud has not
// acknowledged.
func (s *ObjectStore) UnsyncedObjects(ctx context.Context) ([]ObjectIdentifier, error) {
	var ids []ObjectIdentifier
	err := s.db.Iterate(unsyncedObjectPrefix, func(k, v []byte) error {
		d, err := castCID(k[len(unsyncedObjectPrefix):])
		if err != nil {
			return mark(err, ErrCorrupted, "unsynced object key")
		}
		ids = append(ids, ObjectIdentifier{Digest: d})
		return nil
	})
	if err != nil && !errors.Is(err, ErrCorrupted) {
		err = ioError(err, "list unsynced objects")
	}
	return ids, err
}

// MarkObjectSynced records that the cloud holds the object.
func (s *ObjectStore) MarkObjectSynced(ctx context.Context, id ObjectIdentifier) error {
	return s.run(ctx, func() error {
		if err := s.db.Delete(unsyncedObjectKey(id.Digest)); err != nil {
			return ioError(err, "mark object synced")
		}
		return nil
	})
}
