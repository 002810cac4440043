package dag

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/pagesync/internal/kv"
	"github.com/systemshift/pagesync/internal/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testPage struct {
	*PageStorage
	db        *kv.Memory
	clock     *fakeClock
	telemetry *telemetry.Recorder
}

func openTestPage(t *testing.T, configure ...func(*Options)) *testPage {
	t.Helper()
	db := kv.NewMemory()
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &telemetry.Recorder{}
	opts := Options{Telemetry: rec, Clock: clock.Now, Compress: true}
	for _, fn := range configure {
		fn(&opts)
	}
	p, err := OpenPage(context.Background(), db, "test-page", opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return &testPage{PageStorage: p, db: db, clock: clock, telemetry: rec}
}

// pageDelegate serves another page's data the way a peer would.
type pageDelegate struct {
	src           *PageStorage
	objectCalls   atomic.Int32
	commitCalls   atomic.Int32
	corruptObject bool
}

func (d *pageDelegate) GetObject(ctx context.Context, id ObjectIdentifier) (int64, io.ReadCloser, error) {
	d.objectCalls.Add(1)
	data, err := d.src.Objects().Get(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	if d.corruptObject {
		data = append([]byte("x"), data[1:]...)
	}
	return int64(len(data)), io.NopCloser(bytes.NewReader(data)), nil
}

func (d *pageDelegate) GetCommits(ctx context.Context, ids []CommitID) ([][]byte, error) {
	d.commitCalls.Add(1)
	var out [][]byte
	for _, id := range ids {
		c, err := d.src.Commits().GetCommit(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c.StorageBytes)
	}
	return out, nil
}

// storageBytes returns every non-root commit of p, parents first.
func storageBytes(t *testing.T, p *PageStorage) [][]byte {
	t.Helper()
	log, err := p.Log(context.Background(), 0)
	require.NoError(t, err)
	var out [][]byte
	for i := len(log) - 1; i >= 0; i-- {
		if !log[i].IsRoot() {
			out = append(out, log[i].StorageBytes)
		}
	}
	return out
}

func headIDs(t *testing.T, p *PageStorage) []CommitID {
	t.Helper()
	heads, err := p.GetHeads(context.Background())
	require.NoError(t, err)
	ids := make([]CommitID, 0, len(heads))
	for _, h := range heads {
		ids = append(ids, h.ID)
	}
	return ids
}

type watchCall struct {
	commits []*Commit
	source  ChangeSource
}

type recordingWatcher struct {
	mu    sync.Mutex
	calls []watchCall
}

func (w *recordingWatcher) OnNewCommits(commits []*Commit, source ChangeSource) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, watchCall{commits: commits, source: source})
}

func (w *recordingWatcher) snapshot() []watchCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]watchCall, len(w.calls))
	copy(out, w.calls)
	return out
}
