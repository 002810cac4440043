package kv

// Prefixed scopes db to the keys starting with prefix. Keys seen by callers
// never include the prefix, so independent pages can share one file without
// observing each other.
func Prefixed(db Db, prefix string) Db {
	return &prefixedDb{db: db, prefix: []byte(prefix)}
}

type prefixedDb struct {
	db     Db
	prefix []byte
}

func (p *prefixedDb) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	return append(out, k...)
}

func (p *prefixedDb) Get(key []byte) ([]byte, error) { return p.db.Get(p.key(key)) }
func (p *prefixedDb) Has(key []byte) (bool, error)   { return p.db.Has(p.key(key)) }
func (p *prefixedDb) Put(key, value []byte) error    { return p.db.Put(p.key(key), value) }
func (p *prefixedDb) Delete(key []byte) error        { return p.db.Delete(p.key(key)) }

func (p *prefixedDb) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	n := len(p.prefix)
	return p.db.Iterate(p.key(prefix), func(k, v []byte) error {
		return fn(k[n:], v)
	})
}

func (p *prefixedDb) NewBatch() Batch {
	return &prefixedBatch{b: p.db.NewBatch(), p: p}
}

// Close is a no-op: the underlying Db is owned by whoever created it.
func (p *prefixedDb) Close() error { return nil }

type prefixedBatch struct {
	b Batch
	p *prefixedDb
}

func (b *prefixedBatch) Put(key, value []byte) { b.b.Put(b.p.key(key), value) }
func (b *prefixedBatch) Delete(key []byte)     { b.b.Delete(b.p.key(key)) }
func (b *prefixedBatch) Len() int              { return b.b.Len() }
func (b *prefixedBatch) Execute() error        { return b.b.Execute() }
