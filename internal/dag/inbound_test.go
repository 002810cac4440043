package dag

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/pagesync/internal/telemetry"
)

// objectsOnly serves objects but never knows any commit.
type objectsOnly struct {
	*pageDelegate
}

func (objectsOnly) GetCommits(context.Context, []CommitID) ([][]byte, error) {
	return nil, nil
}

func TestAddCommitsFromSync_Cloud(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t)
	_, err := a.Put(ctx, "k", []byte("v"), Eager)
	require.NoError(t, err)

	w := &recordingWatcher{}
	b.AddCommitWatcher(w)
	b.SetSyncDelegate(&pageDelegate{src: a.PageStorage})
	require.NoError(t, b.AddCommitsFromSync(ctx, storageBytes(t, a.PageStorage), Cloud))

	assert.Equal(t, headIDs(t, a.PageStorage), headIDs(t, b.PageStorage))
	require.Eventually(t, func() bool { return len(w.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Cloud, w.snapshot()[0].source)

	// The cloud already holds what it sent.
	commits, err := b.UnsyncedCommits(ctx)
	require.NoError(t, err)
	assert.Empty(t, commits)
	objects, err := b.UnsyncedObjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, objects)

	b.SetSyncDelegate(nil)
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestAddCommitsFromSync_PeerCommitsAreUnsynced(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t)
	_, err := a.Put(ctx, "k", []byte("v"), Eager)
	require.NoError(t, err)

	b.SetSyncDelegate(&pageDelegate{src: a.PageStorage})
	require.NoError(t, b.AddCommitsFromSync(ctx, storageBytes(t, a.PageStorage), P2P))

	commits, err := b.UnsyncedCommits(ctx)
	require.NoError(t, err)
	assert.Len(t, commits, 1)
	objects, err := b.UnsyncedObjects(ctx)
	require.NoError(t, err)
	assert.Len(t, objects, 2)
}

func TestAddCommitsFromSync_AlreadyKnownIsNoop(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	_, err := a.Put(ctx, "k", []byte("v"), Eager)
	require.NoError(t, err)

	w := &recordingWatcher{}
	a.AddCommitWatcher(w)
	require.NoError(t, a.AddCommitsFromSync(ctx, storageBytes(t, a.PageStorage), Cloud))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, w.snapshot())
}

func TestAddCommitsFromSync_FetchesMissingParents(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t)
	_, err := a.Put(ctx, "x", []byte("1"), Eager)
	require.NoError(t, err)
	_, err = a.Put(ctx, "y", []byte("2"), Eager)
	require.NoError(t, err)
	all := storageBytes(t, a.PageStorage)
	require.Len(t, all, 2)

	d := &pageDelegate{src: a.PageStorage}
	b.SetSyncDelegate(d)
	require.NoError(t, b.AddCommitsFromSync(ctx, all[1:], Cloud))

	assert.Equal(t, headIDs(t, a.PageStorage), headIDs(t, b.PageStorage))
	assert.Equal(t, int32(1), d.commitCalls.Load())
	assert.Zero(t, b.PendingCount())

	// The parent came from a peer lookup, so it still needs uploading.
	commits, err := b.UnsyncedCommits(ctx)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, uint64(1), commits[0].Generation)
}

func TestAddCommitsFromSync_OutOfOrderRecovers(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t)
	_, err := a.Put(ctx, "x", []byte("1"), Eager)
	require.NoError(t, err)
	_, err = a.Put(ctx, "y", []byte("2"), Eager)
	require.NoError(t, err)
	all := storageBytes(t, a.PageStorage)

	b.SetSyncDelegate(objectsOnly{&pageDelegate{src: a.PageStorage}})
	require.NoError(t, b.AddCommitsFromSync(ctx, all[1:], Cloud))
	assert.Equal(t, 1, b.PendingCount())
	assert.Equal(t, 1, b.telemetry.Count(telemetry.CommitsReceivedOutOfOrder))
	assert.True(t, headIDs(t, b.PageStorage)[0].Equals(RootCommit().ID))

	require.NoError(t, b.AddCommitsFromSync(ctx, all[:1], Cloud))
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, headIDs(t, a.PageStorage), headIDs(t, b.PageStorage))
	assert.Zero(t, b.telemetry.Count(telemetry.CommitsReceivedOutOfOrderNotRecovered))
}

func TestAddCommitsFromSync_PendingExpires(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t, func(o *Options) { o.PendingTTL = 10 * time.Millisecond })
	_, err := a.Put(ctx, "x", []byte("1"), Eager)
	require.NoError(t, err)
	_, err = a.Put(ctx, "y", []byte("2"), Eager)
	require.NoError(t, err)
	all := storageBytes(t, a.PageStorage)

	b.SetSyncDelegate(objectsOnly{&pageDelegate{src: a.PageStorage}})
	require.NoError(t, b.AddCommitsFromSync(ctx, all[1:], Cloud))
	require.Equal(t, 1, b.PendingCount())

	b.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return b.telemetry.Count(telemetry.CommitsReceivedOutOfOrderNotRecovered) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.PendingCount())
}

func TestAddCommitsFromSync_PendingLimit(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t, func(o *Options) { o.PendingLimit = 1 })
	for _, v := range []string{"1", "2", "3"} {
		_, err := a.Put(ctx, "k", []byte(v), Eager)
		require.NoError(t, err)
	}
	all := storageBytes(t, a.PageStorage)

	b.SetSyncDelegate(objectsOnly{&pageDelegate{src: a.PageStorage}})
	require.NoError(t, b.AddCommitsFromSync(ctx, all[2:], Cloud))
	require.NoError(t, b.AddCommitsFromSync(ctx, all[1:2], Cloud))
	assert.Equal(t, 1, b.PendingCount())
	require.Eventually(t, func() bool {
		return b.telemetry.Count(telemetry.CommitsReceivedOutOfOrderNotRecovered) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAddCommitsFromSync_RejectsMalformed(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t)
	_, err := a.Put(ctx, "k", []byte("v"), Eager)
	require.NoError(t, err)

	b.SetSyncDelegate(&pageDelegate{src: a.PageStorage})
	data := append([][]byte{[]byte("garbage")}, storageBytes(t, a.PageStorage)...)
	err = b.AddCommitsFromSync(ctx, data, P2P)
	assert.True(t, errors.Is(err, ErrInvalidCommit))
	// The well-formed commit still lands.
	assert.Equal(t, headIDs(t, a.PageStorage), headIDs(t, b.PageStorage))
}

func TestAddCommitsFromSync_RejectsWrongGeneration(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t)
	_, err := a.Put(ctx, "k", []byte("v"), Eager)
	require.NoError(t, err)

	ts := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	bad, err := buildCommit([]CommitID{RootCommit().ID}, 5, emptyTreeID, ts)
	require.NoError(t, err)
	child, err := buildCommit([]CommitID{bad.ID}, 6, emptyTreeID, ts)
	require.NoError(t, err)

	b.SetSyncDelegate(&pageDelegate{src: a.PageStorage})
	data := append(storageBytes(t, a.PageStorage), bad.StorageBytes, child.StorageBytes)
	err = b.AddCommitsFromSync(ctx, data, Cloud)
	assert.True(t, errors.Is(err, ErrInvalidCommit))

	// The valid commit in the same batch is inserted.
	assert.Equal(t, headIDs(t, a.PageStorage), headIDs(t, b.PageStorage))
	for _, id := range []CommitID{bad.ID, child.ID} {
		_, err := b.GetCommit(ctx, id)
		assert.True(t, errors.Is(err, ErrNotFound))
	}
	assert.Zero(t, b.PendingCount())
}

func TestAddCommitsFromSync_RejectsBadObjects(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t)
	_, err := a.Put(ctx, "x", []byte("1"), Eager)
	require.NoError(t, err)
	_, err = a.Put(ctx, "y", []byte("2"), Eager)
	require.NoError(t, err)

	b.SetSyncDelegate(&pageDelegate{src: a.PageStorage, corruptObject: true})
	err = b.AddCommitsFromSync(ctx, storageBytes(t, a.PageStorage), P2P)
	assert.True(t, errors.Is(err, ErrDigestMismatch))
	assert.True(t, errors.Is(err, ErrInvalidCommit))
	assert.True(t, headIDs(t, b.PageStorage)[0].Equals(RootCommit().ID))
}

func TestAddCommitsFromSync_CancelledInsertsNothing(t *testing.T) {
	a := openTestPage(t)
	b := openTestPage(t)
	_, err := a.Put(context.Background(), "k", []byte("v"), Eager)
	require.NoError(t, err)

	b.SetSyncDelegate(&pageDelegate{src: a.PageStorage})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.AddCommitsFromSync(ctx, storageBytes(t, a.PageStorage), Cloud)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, headIDs(t, b.PageStorage)[0].Equals(RootCommit().ID))
}

func TestAddCommitsFromSync_LazyValuesFetchedOnRead(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t)
	_, err := a.Put(ctx, "big", []byte("lazy value"), Lazy)
	require.NoError(t, err)

	d := &pageDelegate{src: a.PageStorage}
	b.SetSyncDelegate(d)
	require.NoError(t, b.AddCommitsFromSync(ctx, storageBytes(t, a.PageStorage), Cloud))
	// Only the tree.
	assert.Equal(t, int32(1), d.objectCalls.Load())

	got, err := b.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, []byte("lazy value"), got)
	assert.Equal(t, int32(2), d.objectCalls.Load())

	_, err = b.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, int32(2), d.objectCalls.Load())
}

func TestRequestMissingParents(t *testing.T) {
	ctx := context.Background()
	a := openTestPage(t)
	b := openTestPage(t)
	_, err := a.Put(ctx, "x", []byte("1"), Eager)
	require.NoError(t, err)
	_, err = a.Put(ctx, "y", []byte("2"), Eager)
	require.NoError(t, err)
	all := storageBytes(t, a.PageStorage)

	b.SetSyncDelegate(objectsOnly{&pageDelegate{src: a.PageStorage}})
	require.NoError(t, b.AddCommitsFromSync(ctx, all[1:], Cloud))
	require.Equal(t, 1, b.PendingCount())

	b.SetSyncDelegate(&pageDelegate{src: a.PageStorage})
	require.NoError(t, b.RequestMissingParents(ctx))
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, headIDs(t, a.PageStorage), headIDs(t, b.PageStorage))
}
