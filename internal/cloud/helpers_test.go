package cloud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systemshift/pagesync/internal/dag"
	"github.com/systemshift/pagesync/internal/kv"
)

const (
	testLedger = "ledger"
	testPageID = "page"
)

func openPage(t *testing.T) *dag.PageStorage {
	t.Helper()
	p, err := dag.OpenPage(context.Background(), kv.NewMemory(), testPageID, dag.Options{})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func fastBackoff() BackoffOptions {
	return BackoffOptions{Initial: time.Millisecond, Max: 5 * time.Millisecond}
}

// startSync connects page to provider the way a ledger does: the PageSync
// is also the page's delegate for data it has not downloaded.
func startSync(t *testing.T, provider Provider, page *dag.PageStorage, opts PageSyncOptions) *PageSync {
	t.Helper()
	pc, err := provider.GetPageCloud(context.Background(), testLedger, page.ID())
	require.NoError(t, err)
	if opts.Backoff == (BackoffOptions{}) {
		opts.Backoff = fastBackoff()
	}
	s := NewPageSync(page, pc, opts)
	page.SetSyncDelegate(s)
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func unsyncedCount(t *testing.T, p *dag.PageStorage) int {
	t.Helper()
	commits, err := p.UnsyncedCommits(context.Background())
	require.NoError(t, err)
	return len(commits)
}

func valueOf(p *dag.PageStorage, key string) string {
	v, err := p.Get(context.Background(), key)
	if err != nil {
		return ""
	}
	return string(v)
}

// commitBytes returns the storage bytes of a fresh commit setting key.
func commitBytes(t *testing.T, key, value string) (*dag.PageStorage, [][]byte) {
	t.Helper()
	p := openPage(t)
	_, err := p.Put(context.Background(), key, []byte(value), dag.Eager)
	require.NoError(t, err)
	commits, err := p.UnsyncedCommits(context.Background())
	require.NoError(t, err)
	out := make([][]byte, len(commits))
	for i, c := range commits {
		out[i] = c.StorageBytes
	}
	return p, out
}
