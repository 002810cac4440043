package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/pagesync/internal/cloud"
	"github.com/systemshift/pagesync/internal/config"
	"github.com/systemshift/pagesync/internal/dag"
	"github.com/systemshift/pagesync/internal/kv"
	"github.com/systemshift/pagesync/internal/p2p"
	"github.com/systemshift/pagesync/internal/telemetry"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newLedger(t *testing.T, opts Options) *Ledger {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "notes"
	}
	if opts.MergeDebounce == 0 {
		opts.MergeDebounce = time.Millisecond
	}
	l, err := New(kv.NewMemory(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func get(l *Ledger, page, key string) string {
	p, err := l.Page(context.Background(), page)
	if err != nil {
		return ""
	}
	v, err := p.Get(context.Background(), key)
	if err != nil {
		return ""
	}
	return string(v)
}

func TestLedger_PageIsOpenedOnce(t *testing.T) {
	ctx := context.Background()
	rec := &telemetry.Recorder{}
	l := newLedger(t, Options{Telemetry: rec})
	assert.Equal(t, 1, rec.Count(telemetry.LedgerStarted))

	a, err := l.Page(ctx, "todo")
	require.NoError(t, err)
	b, err := l.Page(ctx, "todo")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, []string{"todo"}, l.Pages())

	_, err = a.Put(ctx, "milk", []byte("2l"), dag.Eager)
	require.NoError(t, err)
	assert.Equal(t, "2l", get(l, "todo", "milk"))
}

func TestLedger_PagesAreIsolated(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, Options{})
	a, err := l.Page(ctx, "a")
	require.NoError(t, err)
	_, err = a.Put(ctx, "k", []byte("in a"), dag.Eager)
	require.NoError(t, err)

	assert.Equal(t, "in a", get(l, "a", "k"))
	assert.Empty(t, get(l, "b", "k"))
	ids, err := l.PageIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestLedger_RejectsBadNames(t *testing.T) {
	_, err := New(kv.NewMemory(), Options{Name: ""})
	assert.Error(t, err)

	l := newLedger(t, Options{})
	for _, id := range []string{"", "a/b"} {
		_, err := l.Page(context.Background(), id)
		assert.Error(t, err, id)
	}
}

func TestLedger_ClosedRejectsPages(t *testing.T) {
	l := newLedger(t, Options{})
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	_, err := l.Page(context.Background(), "p")
	assert.ErrorIs(t, err, dag.ErrInternal)
}

func TestLedger_ReopenFromDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "notes.db")

	l, err := Open(path, Options{Name: "notes"})
	require.NoError(t, err)
	p, err := l.Page(ctx, "todo")
	require.NoError(t, err)
	_, err = p.Put(ctx, "k", []byte("kept"), dag.Eager)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path, Options{Name: "notes"})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, "kept", get(l, "todo", "k"))
}

func TestLedger_SyncsOverPeers(t *testing.T) {
	ctx := context.Background()
	net := p2p.NewMemoryNetwork()
	a := newLedger(t, Options{Mesh: net.Join("a"), P2P: p2p.Options{RequestTimeout: time.Second}})
	b := newLedger(t, Options{Mesh: net.Join("b"), P2P: p2p.Options{RequestTimeout: time.Second}})

	pa, err := a.Page(ctx, "todo")
	require.NoError(t, err)
	_, err = b.Page(ctx, "todo")
	require.NoError(t, err)
	_, err = pa.Put(ctx, "k", []byte("from a"), dag.Eager)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return get(b, "todo", "k") == "from a" }, waitFor, tick)
}

func TestLedger_SyncsThroughCloud(t *testing.T) {
	ctx := context.Background()
	provider := cloud.NewMemoryProvider()
	opts := func() Options {
		return Options{
			Cloud: provider,
			CloudSync: cloud.PageSyncOptions{
				Backoff:      cloud.BackoffOptions{Initial: time.Millisecond, Max: 5 * time.Millisecond},
				PollInterval: 20 * time.Millisecond,
			},
		}
	}
	a := newLedger(t, opts())
	pa, err := a.Page(ctx, "todo")
	require.NoError(t, err)
	_, err = pa.Put(ctx, "k", []byte("via cloud"), dag.Eager)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return provider.CommitCount("notes", "todo") == 1 }, waitFor, tick)

	b := newLedger(t, opts())
	require.Eventually(t, func() bool { return get(b, "todo", "k") == "via cloud" }, waitFor, tick)
}

func TestLedger_ConcurrentEditsMerge(t *testing.T) {
	ctx := context.Background()
	net := p2p.NewMemoryNetwork()
	a := newLedger(t, Options{Mesh: net.Join("a")})
	b := newLedger(t, Options{Mesh: net.Join("b")})
	pa, err := a.Page(ctx, "todo")
	require.NoError(t, err)
	pb, err := b.Page(ctx, "todo")
	require.NoError(t, err)

	_, err = pa.Put(ctx, "x", []byte("1"), dag.Eager)
	require.NoError(t, err)
	_, err = pb.Put(ctx, "y", []byte("2"), dag.Eager)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ha, err := pa.GetHeads(ctx)
		if err != nil || len(ha) != 1 {
			return false
		}
		hb, err := pb.GetHeads(ctx)
		if err != nil || len(hb) != 1 {
			return false
		}
		return ha[0].ID.Equals(hb[0].ID) && get(a, "todo", "y") == "2" && get(b, "todo", "x") == "1"
	}, waitFor, tick)
}

func TestOptionsFromConfig(t *testing.T) {
	v := config.New()
	c, err := config.LoadWithViper(v)
	require.NoError(t, err)
	c.Cloud.Token = "secret"

	opts := OptionsFromConfig(c)
	assert.Equal(t, c.Ledger, opts.Name)
	assert.Equal(t, 100*time.Millisecond, opts.MergeDebounce)
	assert.Equal(t, 1024, opts.PendingLimit)
	assert.Equal(t, 30*time.Second, opts.CloudSync.PollInterval)
	token, err := opts.CloudSync.Credentials.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", token)
}
