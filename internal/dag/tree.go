package dag

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/systemshift/pagesync/internal/codec"
	"github.com/systemshift/pagesync/internal/telemetry"
)

// Entry is one key of a page snapshot.
type Entry struct {
	Key      string
	Object   ObjectIdentifier
	Priority Priority
}

// Equal reports whether two entries point at the same object with the same
// priority.
func (e Entry) Equal(o Entry) bool {
	return e.Key == o.Key && e.Priority == o.Priority && e.Object.Digest.Equals(o.Object.Digest)
}

// EntryChange is one key's difference between two trees. A nil Entry means
// the key was deleted.
type EntryChange struct {
	Key   string
	Entry *Entry
}

// treeNode is the stored form of a snapshot: every entry, sorted by key.
type treeNode struct {
	V       int         `cbor:"v"`
	Entries []treeEntry `cbor:"e"`
}

type treeEntry struct {
	Key      string `cbor:"k"`
	Object   []byte `cbor:"o"`
	Priority uint8  `cbor:"p"`
}

// emptyTreeID identifies the snapshot with no keys. Every page's root commit
// points at it.
var emptyTree, emptyTreeID = mustEmptyTree()

func mustEmptyTree() ([]byte, ObjectIdentifier) {
	data, err := encodeTree(nil)
	if err != nil {
		panic("dag: empty tree encoding failed: " + err.Error())
	}
	d, err := ComputeDigest(data)
	if err != nil {
		panic("dag: empty tree digest failed: " + err.Error())
	}
	return data, ObjectIdentifier{Digest: d}
}

// EmptyTreeID identifies the snapshot with no keys.
func EmptyTreeID() ObjectIdentifier {
	return emptyTreeID
}

func encodeTree(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	node := treeNode{V: 1, Entries: make([]treeEntry, 0, len(sorted))}
	for i, e := range sorted {
		if i > 0 && sorted[i-1].Key == e.Key {
			return nil, errors.Newf("duplicate key %q in tree", e.Key)
		}
		if !e.Object.Defined() {
			return nil, errors.Newf("key %q has no object", e.Key)
		}
		node.Entries = append(node.Entries, treeEntry{
			Key:      e.Key,
			Object:   e.Object.Digest.Bytes(),
			Priority: uint8(e.Priority),
		})
	}
	return codec.Marshal(node)
}

func decodeTree(data []byte) ([]Entry, error) {
	var node treeNode
	if err := codec.Unmarshal(data, &node); err != nil {
		return nil, errors.Wrap(err, "decode tree")
	}
	if node.V != 1 {
		return nil, errors.Newf("unsupported tree version %d", node.V)
	}
	entries := make([]Entry, 0, len(node.Entries))
	for i, te := range node.Entries {
		if i > 0 && node.Entries[i-1].Key >= te.Key {
			return nil, errors.Newf("tree keys out of order at %q", te.Key)
		}
		d, err := castCID(te.Object)
		if err != nil {
			return nil, err
		}
		if te.Priority > uint8(Lazy) {
			return nil, errors.Newf("key %q: unknown priority %d", te.Key, te.Priority)
		}
		entries = append(entries, Entry{
			Key:      te.Key,
			Object:   ObjectIdentifier{Digest: d},
			Priority: Priority(te.Priority),
		})
	}
	return entries, nil
}

// PutTree stores a snapshot and returns its identifier.
func (s *ObjectStore) PutTree(ctx context.Context, entries []Entry) (ObjectIdentifier, error) {
	data, err := encodeTree(entries)
	if err != nil {
		return ObjectIdentifier{}, errors.Mark(err, ErrInternal)
	}
	return s.Put(ctx, data)
}

// GetTree reads a snapshot, fetching it through the delegate if needed.
func (s *ObjectStore) GetTree(ctx context.Context, id ObjectIdentifier) ([]Entry, error) {
	data, err := s.GetOrFetch(ctx, id, Eager)
	if err != nil {
		return nil, err
	}
	return s.decodeStoredTree(id, data)
}

// localTree reads a snapshot without going to the network. It is safe to
// call from the page queue.
func (s *ObjectStore) localTree(ctx context.Context, id ObjectIdentifier) ([]Entry, error) {
	data, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decodeStoredTree(id, data)
}

// decodeStoredTree treats an undecodable stored tree as corruption.
func (s *ObjectStore) decodeStoredTree(id ObjectIdentifier, data []byte) ([]Entry, error) {
	entries, err := decodeTree(data)
	if err != nil {
		s.telemetry.Report(telemetry.LocalStoreCorrupted, s.page)
		return nil, mark(err, ErrCorrupted, "tree "+id.String())
	}
	return entries, nil
}

// Diff returns the changes that turn base into other, in key order.
// Both inputs must be sorted by key, as returned by GetTree.
func Diff(base, other []Entry) []EntryChange {
	var changes []EntryChange
	i, j := 0, 0
	for i < len(base) || j < len(other) {
		switch {
		case j >= len(other) || (i < len(base) && base[i].Key < other[j].Key):
			changes = append(changes, EntryChange{Key: base[i].Key})
			i++
		case i >= len(base) || other[j].Key < base[i].Key:
			e := other[j]
			changes = append(changes, EntryChange{Key: e.Key, Entry: &e})
			j++
		default:
			if !base[i].Equal(other[j]) {
				e := other[j]
				changes = append(changes, EntryChange{Key: e.Key, Entry: &e})
			}
			i++
			j++
		}
	}
	return changes
}

// ApplyChanges returns base with changes applied, sorted by key.
func ApplyChanges(base []Entry, changes []EntryChange) []Entry {
	byKey := make(map[string]Entry, len(base)+len(changes))
	for _, e := range base {
		byKey[e.Key] = e
	}
	for _, c := range changes {
		if c.Entry == nil {
			delete(byKey, c.Key)
			continue
		}
		byKey[c.Key] = *c.Entry
	}
	out := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func findEntry(entries []Entry, key string) (Entry, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Key >= key })
	if i < len(entries) && entries[i].Key == key {
		return entries[i], true
	}
	return Entry{}, false
}
