package dag

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/pagesync/internal/kv"
	"github.com/systemshift/pagesync/internal/telemetry"
)

type testDAG struct {
	store *CommitStore
	db    *kv.Memory
	tel   *telemetry.Recorder
}

func newTestDAG(t *testing.T) *testDAG {
	t.Helper()
	ctx := context.Background()
	db := kv.NewMemory()
	rec := &telemetry.Recorder{}
	objects, err := NewObjectStore(db, ObjectStoreOptions{Telemetry: rec})
	require.NoError(t, err)
	_, err = objects.Put(ctx, emptyTree)
	require.NoError(t, err)
	s, err := NewCommitStore(db, objects, CommitStoreOptions{CacheSize: 8, Telemetry: rec})
	require.NoError(t, err)
	tx := newTxn(db)
	require.NoError(t, s.stage(ctx, tx, []*Commit{RootCommit()}, false))
	require.NoError(t, s.execute(ctx, tx))
	return &testDAG{store: s, db: db, tel: rec}
}

// child builds a commit on parents with a distinct timestamp.
func child(t *testing.T, ts int64, parents ...*Commit) *Commit {
	t.Helper()
	c, err := NewCommit(parents, EmptyTreeID(), time.Unix(ts, 0))
	require.NoError(t, err)
	return c
}

func TestCommitStore_HeadsFollowInsertions(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	root := RootCommit()

	heads, err := d.store.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.True(t, heads[0].ID.Equals(root.ID))

	a := child(t, 1, root)
	b := child(t, 2, root)
	require.NoError(t, d.store.AddCommits(ctx, []*Commit{a, b}))
	heads, err = d.store.GetHeads(ctx)
	require.NoError(t, err)
	assert.Len(t, heads, 2)

	m := child(t, 3, a, b)
	require.NoError(t, d.store.AddCommit(ctx, m))
	heads, err = d.store.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.True(t, heads[0].ID.Equals(m.ID))
}

func TestCommitStore_AddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	a := child(t, 1, RootCommit())
	require.NoError(t, d.store.AddCommit(ctx, a))
	require.NoError(t, d.store.AddCommit(ctx, a))

	heads, err := d.store.GetHeads(ctx)
	require.NoError(t, err)
	assert.Len(t, heads, 1)
	unsynced, err := d.store.UnsyncedCommits(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1)
}

func TestCommitStore_RejectsMissingParent(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	a := child(t, 1, RootCommit())
	b := child(t, 2, a)

	err := d.store.AddCommit(ctx, b)
	require.True(t, errors.Is(err, ErrMissingParent))
	ids := MissingCommitIDs(err)
	require.Len(t, ids, 1)
	assert.True(t, ids[0].Equals(a.ID))

	ok, err := d.store.HasCommit(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitStore_RejectsBadGeneration(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	bad, err := buildCommit([]CommitID{RootCommit().ID}, 5, EmptyTreeID(), time.Unix(1, 0))
	require.NoError(t, err)
	assert.True(t, errors.Is(d.store.AddCommit(ctx, bad), ErrInvalidCommit))
}

func TestCommitStore_RejectsForeignRoot(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	other, err := buildCommit(nil, 0, EmptyTreeID(), time.Unix(9, 0))
	require.NoError(t, err)
	assert.True(t, errors.Is(d.store.AddCommit(ctx, other), ErrInvalidCommit))
}

func TestCommitStore_BatchMayContainChains(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	a := child(t, 1, RootCommit())
	b := child(t, 2, a)
	c := child(t, 3, b)
	// Out of order within the batch.
	require.NoError(t, d.store.AddCommits(ctx, []*Commit{c, a, b}))

	heads, err := d.store.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.True(t, heads[0].ID.Equals(c.ID))
}

func TestCommitStore_FailedWriteChangesNothing(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	d.db.FailWrites(errors.New("disk full"))
	err := d.store.AddCommit(ctx, child(t, 1, RootCommit()))
	assert.True(t, errors.Is(err, ErrIO))
	d.db.FailWrites(nil)

	heads, err := d.store.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.True(t, heads[0].IsRoot())
}

func TestCommitStore_AncestorsAndLCA(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	root := RootCommit()
	a := child(t, 1, root)
	b1 := child(t, 2, a)
	b2 := child(t, 3, b1)
	c1 := child(t, 4, a)
	require.NoError(t, d.store.AddCommits(ctx, []*Commit{a, b1, b2, c1}))

	var walked []*Commit
	for c, err := range d.store.Ancestors(ctx, b2.ID) {
		require.NoError(t, err)
		walked = append(walked, c)
	}
	require.Len(t, walked, 3)
	assert.True(t, walked[0].ID.Equals(b1.ID))
	assert.True(t, walked[1].ID.Equals(a.ID))
	assert.True(t, walked[2].ID.Equals(root.ID))

	ok, err := d.store.IsAncestor(ctx, a.ID, b2.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.store.IsAncestor(ctx, c1.ID, b2.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	lca, err := d.store.LCA(ctx, b2.ID, c1.ID)
	require.NoError(t, err)
	assert.True(t, lca.ID.Equals(a.ID))

	lca, err = d.store.LCA(ctx, b2.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, lca.ID.Equals(a.ID))
}

func TestCommitStore_LCAAfterMerge(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	root := RootCommit()
	a := child(t, 1, root)
	b := child(t, 2, root)
	m := child(t, 3, a, b)
	x := child(t, 4, m)
	y := child(t, 5, b)
	require.NoError(t, d.store.AddCommits(ctx, []*Commit{a, b, m, x, y}))

	lca, err := d.store.LCA(ctx, x.ID, y.ID)
	require.NoError(t, err)
	assert.True(t, lca.ID.Equals(b.ID))
}

func TestCommitStore_CorruptCommit(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	a := child(t, 1, RootCommit())
	require.NoError(t, d.store.AddCommit(ctx, a))
	d.store.cache.Purge()
	require.NoError(t, d.db.Put(commitKey(a.ID), []byte("junk")))

	_, err := d.store.GetCommit(ctx, a.ID)
	assert.True(t, errors.Is(err, ErrCorrupted))
	assert.Equal(t, 1, d.tel.Count(telemetry.LocalStoreCorrupted))
}

func TestCommitStore_UnsyncedInGenerationOrder(t *testing.T) {
	ctx := context.Background()
	d := newTestDAG(t)
	a := child(t, 1, RootCommit())
	b := child(t, 2, a)
	c := child(t, 3, b)
	require.NoError(t, d.store.AddCommits(ctx, []*Commit{c, b, a}))

	unsynced, err := d.store.UnsyncedCommits(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 3)
	for i, want := range []*Commit{a, b, c} {
		assert.True(t, unsynced[i].ID.Equals(want.ID))
	}

	tx := newTxn(d.db)
	d.store.markSynced(tx, a)
	require.NoError(t, d.store.execute(ctx, tx))
	unsynced, err = d.store.UnsyncedCommits(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 2)
}
