package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/pagesync/internal/dag"
	"github.com/systemshift/pagesync/internal/kv"
)

const (
	testLedger = "ledger"
	testPage   = "page"
	waitFor    = 2 * time.Second
	tick       = 5 * time.Millisecond
)

type device struct {
	mesh *MemoryMesh
	lc   *LedgerCommunicator
	page *dag.PageStorage
	pc   *PageCommunicator
}

func openPage(t *testing.T) *dag.PageStorage {
	t.Helper()
	p, err := dag.OpenPage(context.Background(), kv.NewMemory(), testPage, dag.Options{})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// join connects a device to net with the page open and a communicator
// serving it.
func join(t *testing.T, net *MemoryNetwork, id DeviceID, page *dag.PageStorage) *device {
	t.Helper()
	mesh := net.Join(id)
	lc := NewLedgerCommunicator(mesh, testLedger, Options{RequestTimeout: time.Second})
	d := &device{mesh: mesh, lc: lc, page: page}
	t.Cleanup(func() {
		lc.Close()
		mesh.Close()
	})
	if page != nil {
		d.open(t)
	}
	return d
}

func (d *device) open(t *testing.T) {
	t.Helper()
	pc, err := d.lc.AddPage(d.page)
	require.NoError(t, err)
	d.page.SetSyncDelegate(pc)
	d.pc = pc
}

func value(p *dag.PageStorage, key string) string {
	v, err := p.Get(context.Background(), key)
	if err != nil {
		return ""
	}
	return string(v)
}

func heads(t *testing.T, p *dag.PageStorage) []dag.CommitID {
	t.Helper()
	hs, err := p.GetHeads(context.Background())
	require.NoError(t, err)
	ids := make([]dag.CommitID, len(hs))
	for i, h := range hs {
		ids[i] = h.ID
	}
	return ids
}

func TestP2P_ExistingCommitsReachNewDevice(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	a := join(t, net, "a", openPage(t))
	_, err := a.page.Put(ctx, "k", []byte("v1"), dag.Eager)
	require.NoError(t, err)
	_, err = a.page.Put(ctx, "k", []byte("v2"), dag.Eager)
	require.NoError(t, err)

	b := join(t, net, "b", openPage(t))

	require.Eventually(t, func() bool { return value(b.page, "k") == "v2" }, waitFor, tick)
	assert.Equal(t, heads(t, a.page), heads(t, b.page))
}

func TestP2P_PageOpenedLaterStillWatches(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	a := join(t, net, "a", openPage(t))
	b := join(t, net, "b", nil)
	b.page = openPage(t)
	// a announced the page before b had it open.
	time.Sleep(20 * time.Millisecond)
	b.open(t)

	require.Eventually(t, func() bool {
		return len(a.pc.Interested()) == 1 && len(b.pc.Interested()) == 1
	}, waitFor, tick)

	_, err := b.page.Put(ctx, "k", []byte("from-b"), dag.Eager)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return value(a.page, "k") == "from-b" }, waitFor, tick)
}

func TestP2P_LocalCommitsArePushed(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	a := join(t, net, "a", openPage(t))
	b := join(t, net, "b", openPage(t))
	require.Eventually(t, func() bool { return len(a.pc.Interested()) == 1 }, waitFor, tick)

	_, err := a.page.Put(ctx, "k", []byte("pushed"), dag.Eager)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return value(b.page, "k") == "pushed" }, waitFor, tick)
	// Peer commits are offered to the cloud by the receiver.
	unsynced, err := b.page.UnsyncedCommits(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1)
}

func TestP2P_ConcurrentWritesConverge(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	pa, pb := openPage(t), openPage(t)
	_, err := pa.Put(ctx, "x", []byte("a"), dag.Eager)
	require.NoError(t, err)
	_, err = pb.Put(ctx, "y", []byte("b"), dag.Eager)
	require.NoError(t, err)

	for _, p := range []*dag.PageStorage{pa, pb} {
		r := dag.NewMergeResolver(p, dag.MergeResolverOptions{Debounce: time.Millisecond})
		t.Cleanup(r.Close)
	}
	join(t, net, "a", pa)
	join(t, net, "b", pb)

	require.Eventually(t, func() bool {
		ha, hb := heads(t, pa), heads(t, pb)
		return len(ha) == 1 && len(hb) == 1 && ha[0].Equals(hb[0])
	}, waitFor, tick)
	for _, p := range []*dag.PageStorage{pa, pb} {
		assert.Equal(t, "a", value(p, "x"))
		assert.Equal(t, "b", value(p, "y"))
	}
}

func TestP2P_LazyValuesFetchedFromPeer(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	a := join(t, net, "a", openPage(t))
	_, err := a.page.Put(ctx, "big", []byte("lazy"), dag.Lazy)
	require.NoError(t, err)
	b := join(t, net, "b", openPage(t))

	require.Eventually(t, func() bool {
		return len(heads(t, b.page)) == 1 && heads(t, b.page)[0].Equals(heads(t, a.page)[0])
	}, waitFor, tick)
	has, err := b.page.Objects().Has(ctx, mustEntry(t, a.page, "big").Object)
	require.NoError(t, err)
	assert.False(t, has)

	got, err := b.page.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, "lazy", string(got))
}

func mustEntry(t *testing.T, p *dag.PageStorage, key string) dag.Entry {
	t.Helper()
	head, err := p.Head(context.Background())
	require.NoError(t, err)
	e, err := p.GetEntry(context.Background(), head, key)
	require.NoError(t, err)
	return e
}

func TestP2P_DeviceLeaving(t *testing.T) {
	net := NewMemoryNetwork()
	a := join(t, net, "a", openPage(t))
	b := join(t, net, "b", openPage(t))
	require.Eventually(t, func() bool { return len(a.pc.Interested()) == 1 }, waitFor, tick)

	b.lc.Close()
	require.NoError(t, b.mesh.Close())

	require.Eventually(t, func() bool { return len(a.pc.Interested()) == 0 }, waitFor, tick)
	assert.Empty(t, a.mesh.Devices())
}

// silentHandler records messages and never answers.
type silentHandler struct {
	mu   sync.Mutex
	msgs []*Envelope
}

func (h *silentHandler) OnDeviceJoined(DeviceID) {}
func (h *silentHandler) OnDeviceLeft(DeviceID)   {}
func (h *silentHandler) OnMessage(from DeviceID, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, env)
}

func (h *silentHandler) count(t MessageType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if m.Type == t {
			n++
		}
	}
	return n
}

func TestP2P_UnansweredRequestTimesOut(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	mesh := net.Join("a")
	lc := NewLedgerCommunicator(mesh, testLedger, Options{RequestTimeout: 30 * time.Millisecond})
	t.Cleanup(func() { lc.Close(); mesh.Close() })
	pc, err := lc.AddPage(openPage(t))
	require.NoError(t, err)

	mute := net.Join("mute")
	h := &silentHandler{}
	mute.SetHandler(h)
	t.Cleanup(func() { mute.Close() })
	start, err := EncodeEnvelope(&Envelope{Type: MsgWatchStart, Ledger: testLedger, Page: testPage})
	require.NoError(t, err)
	require.NoError(t, mute.Send(ctx, "a", start))
	require.Eventually(t, func() bool { return len(pc.Interested()) == 1 }, waitFor, tick)

	_, err = pc.GetCommits(ctx, []dag.CommitID{dag.RootCommit().ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dag.ErrNetwork))
	require.Eventually(t, func() bool { return h.count(MsgCommitsRequest) == 1 }, waitFor, tick)
}

func TestP2P_IgnoresOtherLedgersAndGarbage(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	a := join(t, net, "a", openPage(t))
	raw := net.Join("raw")
	t.Cleanup(func() { raw.Close() })

	require.NoError(t, raw.Send(ctx, "a", []byte("not cbor")))
	other, err := EncodeEnvelope(&Envelope{Type: MsgWatchStart, Ledger: "other", Page: testPage})
	require.NoError(t, err)
	require.NoError(t, raw.Send(ctx, "a", other))

	assert.Never(t, func() bool {
		for _, d := range a.pc.Interested() {
			if d == "raw" {
				return true
			}
		}
		return false
	}, 50*time.Millisecond, tick)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	id := dag.RootCommit().ID
	in := &Envelope{
		Type:      MsgCommits,
		Ledger:    "l",
		Page:      "p",
		RequestID: []byte{1, 2, 3},
		IDs:       encodeIDs([]dag.CommitID{id}),
		Commits:   [][]byte{dag.RootCommit().StorageBytes},
		Objects:   []WireObject{{ID: []byte{9}, Data: []byte("d")}},
		Found:     true,
	}
	data, err := EncodeEnvelope(in)
	require.NoError(t, err)
	out, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, []dag.CommitID{id}, decodeIDs(out.IDs))
	assert.Equal(t, "commits", out.Type.String())
}

func TestEnvelope_RejectsUnknownType(t *testing.T) {
	data, err := EncodeEnvelope(&Envelope{Type: 99})
	require.NoError(t, err)
	_, err = DecodeEnvelope(data)
	assert.True(t, errors.Is(err, dag.ErrInvalidCommit))
}
