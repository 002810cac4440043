package dag

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/systemshift/pagesync/internal/kv"
	"github.com/systemshift/pagesync/internal/telemetry"
)

var (
	commitPrefix         = []byte("c/")
	headPrefix           = []byte("h/")
	unsyncedCommitPrefix = []byte("u/c/")
	metaPrefix           = []byte("m/")
)

func commitKey(id CommitID) []byte {
	return append(append([]byte{}, commitPrefix...), id.Bytes()...)
}

func headKey(id CommitID) []byte {
	return append(append([]byte{}, headPrefix...), id.Bytes()...)
}

// unsyncedCommitKey sorts by generation so uploads go parents first.
func unsyncedCommitKey(c *Commit) []byte {
	k := make([]byte, 0, len(unsyncedCommitPrefix)+8+len(c.ID.Bytes()))
	k = append(k, unsyncedCommitPrefix...)
	k = binary.BigEndian.AppendUint64(k, c.Generation)
	return append(k, c.ID.Bytes()...)
}

func metaKey(name string) []byte {
	return append(append([]byte{}, metaPrefix...), name...)
}

// MissingCommitsError lists commits that a DAG operation needed but the
// store does not hold. It is marked ErrMissingParent.
type MissingCommitsError struct {
	IDs []CommitID
}

func (e *MissingCommitsError) Error() string {
	if len(e.IDs) == 1 {
		return "missing commit " + FormatCID(e.IDs[0])
	}
	return fmt.Sprintf("missing %d commits, first %s", len(e.IDs), FormatCID(e.IDs[0]))
}

func missingCommits(ids ...CommitID) error {
	return errors.Mark(&MissingCommitsError{IDs: ids}, ErrMissingParent)
}

// MissingCommitIDs extracts the ids carried by a missing-parent error.
func MissingCommitIDs(err error) []CommitID {
	var m *MissingCommitsError
	if errors.As(err, &m) {
		return m.IDs
	}
	return nil
}

// CommitStoreOptions configures a CommitStore.
type CommitStoreOptions struct {
	CacheSize int
	Telemetry telemetry.Sink
	Page      string
}

// CommitStore is the durable commit DAG of one page and its head set.
// Writes are staged into a txn by the page queue; reads are safe from any
// goroutine.
type CommitStore struct {
	db        kv.Db
	objects   *ObjectStore
	cache     *lru.Cache[CommitID, *Commit]
	telemetry telemetry.Sink
	page      string
}

// NewCommitStore creates a CommitStore over db. Root objects of inserted
// commits must be present in objects.
func NewCommitStore(db kv.Db, objects *ObjectStore, opts CommitStoreOptions) (*CommitStore, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[CommitID, *Commit](size)
	if err != nil {
		return nil, errors.Wrap(err, "commit cache")
	}
	return &CommitStore{
		db:        db,
		objects:   objects,
		cache:     cache,
		telemetry: telemetry.OrNop(opts.Telemetry),
		page:      opts.Page,
	}, nil
}

// GetCommit returns the commit with the given id, or ErrNotFound.
func (s *CommitStore) GetCommit(ctx context.Context, id CommitID) (*Commit, error) {
	if c, ok := s.cache.Get(id); ok {
		return c, nil
	}
	data, err := s.db.Get(commitKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, mark(err, ErrNotFound, "commit "+FormatCID(id))
	}
	if err != nil {
		return nil, ioError(err, "read commit")
	}
	c, err := DecodeCommit(data)
	if err == nil && !c.ID.Equals(id) {
		err = errors.Newf("stored commit hashes to %s", FormatCID(c.ID))
	}
	if err != nil {
		s.telemetry.Report(telemetry.LocalStoreCorrupted, s.page)
		return nil, mark(err, ErrCorrupted, "commit "+FormatCID(id))
	}
	s.cache.Add(id, c)
	return c, nil
}

// HasCommit reports whether the commit is stored.
func (s *CommitStore) HasCommit(ctx context.Context, id CommitID) (bool, error) {
	if s.cache.Contains(id) {
		return true, nil
	}
	ok, err := s.db.Has(commitKey(id))
	if err != nil {
		return false, ioError(err, "check commit")
	}
	return ok, nil
}

// GetHeads returns the commits with no known child, sorted by
// (generation, id).
func (s *CommitStore) GetHeads(ctx context.Context) ([]*Commit, error) {
	var ids []CommitID
	err := s.db.Iterate(headPrefix, func(k, _ []byte) error {
		id, err := castCID(k[len(headPrefix):])
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, ioError(err, "list heads")
	}
	heads := make([]*Commit, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		heads = append(heads, c)
	}
	SortCommits(heads)
	return heads, nil
}

// AddCommit inserts one commit; see AddCommits.
func (s *CommitStore) AddCommit(ctx context.Context, c *Commit) error {
	return s.AddCommits(ctx, []*Commit{c})
}

// AddCommits validates and inserts commits and updates the head set in one
// atomic write. Commits already stored are skipped. Callers that share the
// store with a page must go through the page instead.
func (s *CommitStore) AddCommits(ctx context.Context, commits []*Commit) error {
	t := newTxn(s.db)
	if err := s.stage(ctx, t, commits, true); err != nil {
		return err
	}
	return s.execute(ctx, t)
}

func (s *CommitStore) execute(ctx context.Context, t *txn) error {
	if t.batch.Len() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.batch.Execute(); err != nil {
		return ioError(err, "write commits")
	}
	for _, c := range t.added {
		s.cache.Add(c.ID, c)
	}
	return nil
}

// stage validates commits against the DAG plus whatever t already holds and
// adds them to t. unsynced marks them for cloud upload.
func (s *CommitStore) stage(ctx context.Context, t *txn, commits []*Commit, unsynced bool) error {
	sorted := make([]*Commit, len(commits))
	copy(sorted, commits)
	SortCommits(sorted)

	for _, c := range sorted {
		if _, ok := t.commits[c.ID]; ok {
			continue
		}
		known, err := s.HasCommit(ctx, c.ID)
		if err != nil {
			return err
		}
		if known {
			continue
		}
		if err := s.validate(ctx, t, c); err != nil {
			return err
		}
		ok, err := s.objects.has(t, c.RootID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Mark(errors.Newf("commit %s: root tree %s not stored", c, c.RootID), ErrNotFound)
		}

		t.commits[c.ID] = c
		t.added = append(t.added, c)
		t.batch.Put(commitKey(c.ID), c.StorageBytes)
		for _, p := range c.ParentIDs {
			t.batch.Delete(headKey(p))
		}
		t.batch.Put(headKey(c.ID), nil)
		if unsynced {
			t.batch.Put(unsyncedCommitKey(c), nil)
		}
	}
	return nil
}

func (s *CommitStore) validate(ctx context.Context, t *txn, c *Commit) error {
	if c.IsRoot() {
		if !c.ID.Equals(rootCommit.ID) {
			return invalidCommit("commit %s has no parents but is not the root commit", c)
		}
		return nil
	}
	var missing []CommitID
	var gen uint64
	for _, p := range c.ParentIDs {
		parent, ok := t.commits[p]
		if !ok {
			var err error
			parent, err = s.GetCommit(ctx, p)
			if errors.Is(err, ErrNotFound) {
				missing = append(missing, p)
				continue
			}
			if err != nil {
				return err
			}
		}
		if parent.Generation > gen {
			gen = parent.Generation
		}
	}
	if len(missing) > 0 {
		return missingCommits(missing...)
	}
	if c.Generation != gen+1 {
		return invalidCommit("commit %s: generation %d, parents imply %d", c, c.Generation, gen+1)
	}
	return nil
}

// Ancestors walks the strict ancestors of id in (generation, id) descending
// order. A commit whose parent is not stored ends the walk with
// ErrMissingParent.
func (s *CommitStore) Ancestors(ctx context.Context, id CommitID) iter.Seq2[*Commit, error] {
	return func(yield func(*Commit, error) bool) {
		start, err := s.GetCommit(ctx, id)
		if err != nil {
			yield(nil, err)
			return
		}
		for c, err := range s.walk(ctx, start.ParentIDs) {
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}

// walk yields the given commits and all their ancestors, each once,
// highest generation first.
func (s *CommitStore) walk(ctx context.Context, from []CommitID) iter.Seq2[*Commit, error] {
	return func(yield func(*Commit, error) bool) {
		h := &commitHeap{}
		seen := make(map[CommitID]bool)
		push := func(ids []CommitID) error {
			for _, id := range ids {
				if seen[id] {
					continue
				}
				seen[id] = true
				c, err := s.GetCommit(ctx, id)
				if errors.Is(err, ErrNotFound) {
					return missingCommits(id)
				}
				if err != nil {
					return err
				}
				heap.Push(h, c)
			}
			return nil
		}
		if err := push(from); err != nil {
			yield(nil, err)
			return
		}
		for h.Len() > 0 {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			c := heap.Pop(h).(*Commit)
			if !yield(c, nil) {
				return
			}
			if err := push(c.ParentIDs); err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// IsAncestor reports whether ancestor is descendant or one of its ancestors.
func (s *CommitStore) IsAncestor(ctx context.Context, ancestor, descendant CommitID) (bool, error) {
	if ancestor.Equals(descendant) {
		return true, nil
	}
	target, err := s.GetCommit(ctx, ancestor)
	if err != nil {
		return false, err
	}
	for c, err := range s.Ancestors(ctx, descendant) {
		if err != nil {
			return false, err
		}
		if c.ID.Equals(ancestor) {
			return true, nil
		}
		if c.Generation < target.Generation {
			return false, nil
		}
	}
	return false, nil
}

// LCA returns the lowest common ancestor of a and b: the common ancestor
// with the highest (generation, id). When the walk reaches a commit that is
// not stored, the error carries its id.
func (s *CommitStore) LCA(ctx context.Context, a, b CommitID) (*Commit, error) {
	const (
		left  = 1
		right = 2
		both  = left | right
	)
	if a.Equals(b) {
		return s.GetCommit(ctx, a)
	}
	colors := make(map[CommitID]uint8)
	h := &commitHeap{}
	add := func(id CommitID, color uint8) error {
		if _, queued := colors[id]; queued {
			colors[id] |= color
			return nil
		}
		c, err := s.GetCommit(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return missingCommits(id)
		}
		if err != nil {
			return err
		}
		colors[id] = color
		heap.Push(h, c)
		return nil
	}
	if err := add(a, left); err != nil {
		return nil, err
	}
	if err := add(b, right); err != nil {
		return nil, err
	}
	var missing []CommitID
	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Descendants have strictly higher generations, so a popped
		// commit's color is final.
		c := heap.Pop(h).(*Commit)
		color := colors[c.ID]
		if color == both {
			if len(missing) > 0 {
				break
			}
			return c, nil
		}
		for _, p := range c.ParentIDs {
			if err := add(p, color); err != nil {
				if ids := MissingCommitIDs(err); ids != nil {
					missing = append(missing, ids...)
					continue
				}
				return nil, err
			}
		}
	}
	if len(missing) > 0 {
		return nil, missingCommits(missing...)
	}
	return nil, errors.Mark(errors.Newf("commits %s and %s share no ancestor", ShortID(a), ShortID(b)), ErrInvalidCommit)
}

// UnsyncedCommits returns commits not yet acknowledged by the cloud, parents
// before children.
func (s *CommitStore) UnsyncedCommits(ctx context.Context) ([]*Commit, error) {
	var ids []CommitID
	err := s.db.Iterate(unsyncedCommitPrefix, func(k, _ []byte) error {
		id, err := castCID(k[len(unsyncedCommitPrefix)+8:])
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, ioError(err, "list unsynced commits")
	}
	commits := make([]*Commit, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

func (s *CommitStore) markSynced(t *txn, c *Commit) {
	t.batch.Delete(unsyncedCommitKey(c))
}

// GetSyncMetadata reads a value stored with setSyncMetadata, or ErrNotFound.
func (s *CommitStore) GetSyncMetadata(ctx context.Context, name string) ([]byte, error) {
	v, err := s.db.Get(metaKey(name))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, mark(err, ErrNotFound, "sync metadata "+name)
	}
	if err != nil {
		return nil, ioError(err, "read sync metadata")
	}
	return v, nil
}

func (s *CommitStore) setSyncMetadata(t *txn, name string, value []byte) {
	t.batch.Put(metaKey(name), value)
}

// commitHeap pops the highest (generation, id) first.
type commitHeap []*Commit

func (h commitHeap) Len() int           { return len(h) }
func (h commitHeap) Less(i, j int) bool { return CompareCommits(h[i], h[j]) > 0 }
func (h commitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *commitHeap) Push(x any) {
	*h = append(*h, x.(*Commit))
}

func (h *commitHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}
