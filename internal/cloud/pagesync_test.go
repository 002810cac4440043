package cloud

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/pagesync/internal/dag"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestPageSync_UploadsLocalCommits(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	a := openPage(t)
	_, err := a.Put(ctx, "k", []byte("v"), dag.Eager)
	require.NoError(t, err)

	startSync(t, provider, a, PageSyncOptions{})

	require.Eventually(t, func() bool {
		return provider.CommitCount(testLedger, testPageID) == 1 && unsyncedCount(t, a) == 0
	}, waitFor, tick)
	objects, err := a.UnsyncedObjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestPageSync_UploadsNewCommitsWhileRunning(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	a := openPage(t)
	s := startSync(t, provider, a, PageSyncOptions{})

	for _, v := range []string{"1", "2", "3"} {
		_, err := a.Put(ctx, "k", []byte(v), dag.Eager)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return provider.CommitCount(testLedger, testPageID) == 3 && s.UploadState() == UploadIdle
	}, waitFor, tick)
}

func TestPageSync_DownloadsRemoteCommits(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	a := openPage(t)
	b := openPage(t)
	_, err := a.Put(ctx, "k", []byte("from-a"), dag.Eager)
	require.NoError(t, err)
	startSync(t, provider, a, PageSyncOptions{})
	require.Eventually(t, func() bool {
		return provider.CommitCount(testLedger, testPageID) == 1
	}, waitFor, tick)

	startSync(t, provider, b, PageSyncOptions{})

	require.Eventually(t, func() bool { return valueOf(b, "k") == "from-a" }, waitFor, tick)
	pos, err := b.GetSyncMetadata(ctx, positionKey)
	require.NoError(t, err)
	assert.Equal(t, "1", string(pos))
	// Downloaded commits are already in the cloud.
	assert.Equal(t, 0, unsyncedCount(t, b))
	assert.Equal(t, 1, provider.CommitCount(testLedger, testPageID))
}

func TestPageSync_WatcherTriggersDownload(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	a := openPage(t)
	b := openPage(t)
	startSync(t, provider, a, PageSyncOptions{})
	startSync(t, provider, b, PageSyncOptions{})

	_, err := a.Put(ctx, "k", []byte("pushed"), dag.Eager)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return valueOf(b, "k") == "pushed" }, waitFor, tick)
}

func TestPageSync_PollingFindsRemoteCommits(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	a := openPage(t)
	b := openPage(t)
	pc, err := provider.GetPageCloud(ctx, testLedger, testPageID)
	require.NoError(t, err)
	// b polls through a cloud that never notifies.
	silent := NewPageSync(b, silentCloud{pc}, PageSyncOptions{Backoff: fastBackoff(), PollInterval: 10 * time.Millisecond})
	b.SetSyncDelegate(silent)
	silent.Start()
	t.Cleanup(silent.Close)

	startSync(t, provider, a, PageSyncOptions{})
	_, err = a.Put(ctx, "k", []byte("polled"), dag.Eager)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return valueOf(b, "k") == "polled" }, waitFor, tick)
}

func TestPageSync_UploadsObjectsInOneBatch(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	a := openPage(t)
	for _, k := range []string{"x", "y", "z"} {
		_, err := a.Put(ctx, k, []byte("value of "+k), dag.Eager)
		require.NoError(t, err)
	}
	startSync(t, provider, a, PageSyncOptions{})

	require.Eventually(t, func() bool {
		return provider.CommitCount(testLedger, testPageID) == 3 && unsyncedCount(t, a) == 0
	}, waitFor, tick)
	assert.Equal(t, 1, provider.Calls("AddObjects"))
}

func TestPageSync_InvalidRemoteCommitDoesNotHideValidOnes(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	a := openPage(t)
	_, err := a.Put(ctx, "k", []byte("v"), dag.Eager)
	require.NoError(t, err)
	startSync(t, provider, a, PageSyncOptions{})
	require.Eventually(t, func() bool { return unsyncedCount(t, a) == 0 }, waitFor, tick)

	// A commit on the root claiming generation 5.
	root := dag.RootCommit()
	bad, err := dag.NewCommit([]*dag.Commit{{ID: root.ID, Generation: 4}}, root.RootID, time.Now())
	require.NoError(t, err)
	pc, err := provider.GetPageCloud(ctx, testLedger, testPageID)
	require.NoError(t, err)
	require.NoError(t, pc.AddCommits(ctx, "", [][]byte{bad.StorageBytes}))

	b := openPage(t)
	startSync(t, provider, b, PageSyncOptions{})
	require.Eventually(t, func() bool {
		pos, err := b.GetSyncMetadata(ctx, positionKey)
		return err == nil && string(pos) == "2"
	}, waitFor, tick)
	assert.Equal(t, "v", valueOf(b, "k"))
	_, err = b.GetCommit(ctx, bad.ID)
	assert.True(t, errors.Is(err, dag.ErrNotFound))
}

func TestPageSync_LazyValuesFetchedOnRead(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	a := openPage(t)
	b := openPage(t)
	_, err := a.Put(ctx, "big", []byte("lazy value"), dag.Lazy)
	require.NoError(t, err)
	startSync(t, provider, a, PageSyncOptions{})
	require.Eventually(t, func() bool { return unsyncedCount(t, a) == 0 }, waitFor, tick)

	startSync(t, provider, b, PageSyncOptions{})
	require.Eventually(t, func() bool {
		head, err := b.Head(ctx)
		return err == nil && !head.IsRoot()
	}, waitFor, tick)

	before := provider.Calls("GetObject")
	got, err := b.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, "lazy value", string(got))
	assert.Greater(t, provider.Calls("GetObject"), before)
}

func TestPageSync_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	provider.FailNext(3, errors.Mark(errors.New("offline"), dag.ErrNetwork))
	a := openPage(t)
	_, err := a.Put(ctx, "k", []byte("v"), dag.Eager)
	require.NoError(t, err)

	startSync(t, provider, a, PageSyncOptions{})

	require.Eventually(t, func() bool {
		return provider.CommitCount(testLedger, testPageID) == 1 && unsyncedCount(t, a) == 0
	}, waitFor, tick)
}

func TestPageSync_RetriesCredentialFailures(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	provider.RequireToken("secret")
	var attempts atomic.Int32
	creds := CredentialsFunc(func(ctx context.Context) (string, error) {
		if attempts.Add(1) <= 2 {
			return "", errors.New("token service down")
		}
		return "secret", nil
	})
	a := openPage(t)
	_, err := a.Put(ctx, "k", []byte("v"), dag.Eager)
	require.NoError(t, err)

	startSync(t, provider, a, PageSyncOptions{Credentials: creds})

	require.Eventually(t, func() bool {
		return provider.CommitCount(testLedger, testPageID) == 1
	}, waitFor, tick)
	assert.Greater(t, int(attempts.Load()), 2)
}

func TestPageSync_PermanentFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	pc, err := provider.GetPageCloud(ctx, testLedger, testPageID)
	require.NoError(t, err)
	broken := &rejectingCloud{PageCloud: pc}
	a := openPage(t)
	_, err = a.Put(ctx, "k", []byte("v"), dag.Eager)
	require.NoError(t, err)

	s := NewPageSync(a, broken, PageSyncOptions{Backoff: fastBackoff()})
	s.Start()
	t.Cleanup(s.Close)

	require.Eventually(t, func() bool { return broken.calls.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return s.UploadState() == UploadIdle }, waitFor, tick)
	assert.Never(t, func() bool { return broken.calls.Load() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, 1, unsyncedCount(t, a))

	// The next local commit tries again.
	_, err = a.Put(ctx, "k", []byte("v2"), dag.Eager)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return broken.calls.Load() == 2 }, waitFor, tick)
}

func TestPageSync_DelegateServesCommits(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	a := openPage(t)
	c, err := a.Put(ctx, "k", []byte("v"), dag.Eager)
	require.NoError(t, err)
	s := startSync(t, provider, a, PageSyncOptions{})
	require.Eventually(t, func() bool { return unsyncedCount(t, a) == 0 }, waitFor, tick)

	got, err := s.GetCommits(ctx, []dag.CommitID{c.ID, dag.RootCommit().ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c.StorageBytes, got[0])
}

func TestPageSync_CloseStopsUploads(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	a := openPage(t)
	s := startSync(t, provider, a, PageSyncOptions{})
	s.Close()

	_, err := a.Put(ctx, "k", []byte("v"), dag.Eager)
	require.NoError(t, err)
	assert.Never(t, func() bool {
		return provider.CommitCount(testLedger, testPageID) > 0
	}, 50*time.Millisecond, tick)
	assert.Equal(t, 1, unsyncedCount(t, a))
}

func TestMemoryProvider_AddCommitsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	pc, err := provider.GetPageCloud(ctx, testLedger, testPageID)
	require.NoError(t, err)
	_, commits := commitBytes(t, "k", "v")

	require.NoError(t, pc.AddCommits(ctx, "", commits))
	require.NoError(t, pc.AddCommits(ctx, "", commits))

	got, next, err := pc.GetCommits(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, Position("1"), next)

	got, _, err = pc.GetCommits(ctx, "", next)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryProvider_RejectsBadToken(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	provider.RequireToken("secret")
	pc, err := provider.GetPageCloud(ctx, testLedger, testPageID)
	require.NoError(t, err)

	_, _, err = pc.GetCommits(ctx, "wrong", "")
	assert.True(t, errors.Is(err, dag.ErrAuthentication))
	assert.True(t, dag.IsTransient(err))
}

// silentCloud never notifies watchers.
type silentCloud struct {
	PageCloud
}

func (silentCloud) SetWatcher(context.Context, string, Position, Watcher) error {
	return nil
}

// rejectingCloud refuses every commit upload with a non-retryable error.
type rejectingCloud struct {
	PageCloud
	calls atomic.Int32
}

func (c *rejectingCloud) AddCommits(context.Context, string, [][]byte) error {
	c.calls.Add(1)
	return errors.Mark(errors.New("rejected"), dag.ErrInternal)
}
