package p2p

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/dag"
	"github.com/systemshift/pagesync/internal/queue"
)

// PageCommunicator exchanges one page with the devices watching it.
//
// Inbound commits are applied on the communicator's own work queue, not in
// the mesh handler: applying may fetch objects from the sending device, and
// the replies arrive through the handler.
type PageCommunicator struct {
	lc   *LedgerCommunicator
	page *dag.PageStorage
	log  *zap.SugaredLogger

	// prefetch holds objects pushed alongside commits, keyed by digest, so
	// inserting those commits does not ask for them again.
	prefetch *lru.Cache[string, []byte]
	work     *queue.Serial

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	interested map[DeviceID]bool
	requests   map[uuid.UUID]*request
	closed     bool
}

type request struct {
	to    DeviceID
	reply chan *Envelope
}

var (
	_ dag.SyncDelegate  = (*PageCommunicator)(nil)
	_ dag.CommitWatcher = (*PageCommunicator)(nil)
)

func newPageCommunicator(l *LedgerCommunicator, page *dag.PageStorage) (*PageCommunicator, error) {
	cache, err := lru.New[string, []byte](l.cache)
	if err != nil {
		return nil, errors.Wrap(err, "prefetch cache")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PageCommunicator{
		lc:         l,
		page:       page,
		log:        l.log.With("page", page.ID()),
		prefetch:   cache,
		work:       queue.NewSerial(),
		ctx:        ctx,
		cancel:     cancel,
		interested: make(map[DeviceID]bool),
		requests:   make(map[uuid.UUID]*request),
	}, nil
}

func (pc *PageCommunicator) start(devices []DeviceID) {
	pc.page.AddCommitWatcher(pc)
	for _, d := range devices {
		pc.announce(d)
	}
}

func (pc *PageCommunicator) close() {
	pc.page.RemoveCommitWatcher(pc)
	pc.mu.Lock()
	pc.closed = true
	watchers := pc.interestedLocked()
	pc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), pc.lc.timeout)
	for _, d := range watchers {
		if err := pc.lc.send(ctx, d, pc.envelope(MsgWatchStop)); err != nil {
			pc.log.Debugw("Watch stop not delivered", "device", d, "error", err)
		}
	}
	cancel()

	pc.cancel()
	pc.failRequests(func(*request) bool { return true })
	pc.work.Close()
	pc.wg.Wait()
}

// Interested lists the devices watching this page, sorted.
func (pc *PageCommunicator) Interested() []DeviceID {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.interestedLocked()
}

func (pc *PageCommunicator) interestedLocked() []DeviceID {
	out := make([]DeviceID, 0, len(pc.interested))
	for d := range pc.interested {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (pc *PageCommunicator) envelope(t MessageType) *Envelope {
	return &Envelope{Type: t, Page: pc.page.ID()}
}

// announce asks device to watch the page and tells it our heads.
func (pc *PageCommunicator) announce(device DeviceID) {
	pc.work.Post(func() {
		if err := pc.lc.send(pc.ctx, device, pc.envelope(MsgWatchStart)); err != nil {
			pc.log.Debugw("Watch start not delivered", "device", device, "error", err)
			return
		}
		pc.sendHeads(device)
	})
}

func (pc *PageCommunicator) sendHeads(device DeviceID) {
	heads, err := pc.page.GetHeads(pc.ctx)
	if err != nil {
		pc.log.Warnw("Reading heads failed", "error", err)
		return
	}
	ids := make([]dag.CommitID, len(heads))
	for i, h := range heads {
		ids[i] = h.ID
	}
	env := pc.envelope(MsgHeads)
	env.IDs = encodeIDs(ids)
	if err := pc.lc.send(pc.ctx, device, env); err != nil {
		pc.log.Debugw("Heads not delivered", "device", device, "error", err)
	}
}

func (pc *PageCommunicator) deviceLeft(device DeviceID) {
	pc.mu.Lock()
	delete(pc.interested, device)
	pc.mu.Unlock()
	pc.failRequests(func(r *request) bool { return r.to == device })
}

// failRequests wakes the matching waiters with no reply.
func (pc *PageCommunicator) failRequests(match func(*request) bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for id, r := range pc.requests {
		if match(r) {
			delete(pc.requests, id)
			close(r.reply)
		}
	}
}

// handle dispatches a message without blocking the mesh.
func (pc *PageCommunicator) handle(from DeviceID, env *Envelope) {
	switch env.Type {
	case MsgWatchStart:
		pc.mu.Lock()
		isNew := !pc.interested[from]
		pc.interested[from] = true
		pc.mu.Unlock()
		// A device that just started watching may have missed our own
		// watch start, for instance if it opened the page after we did.
		if isNew {
			pc.announce(from)
		} else {
			pc.work.Post(func() { pc.sendHeads(from) })
		}
	case MsgWatchStop:
		pc.mu.Lock()
		delete(pc.interested, from)
		pc.mu.Unlock()
	case MsgHeads:
		ids := decodeIDs(env.IDs)
		pc.work.Post(func() { pc.pullHeads(from, ids) })
	case MsgCommitsRequest:
		pc.serve(func() { pc.serveCommits(from, env) })
	case MsgObjectRequest:
		pc.serve(func() { pc.serveObject(from, env) })
	case MsgCommits, MsgObjectResponse:
		if pc.resolve(env) {
			return
		}
		if env.Type != MsgCommits || len(env.RequestID) > 0 {
			return
		}
		pc.cacheObjects(env.Objects)
		commits := env.Commits
		pc.work.Post(func() { pc.apply(from, commits) })
	}
}

func (pc *PageCommunicator) serve(fn func()) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return
	}
	pc.wg.Add(1)
	go func() {
		defer pc.wg.Done()
		fn()
	}()
}

// resolve hands a reply to its waiting request. It reports whether env
// was a reply.
func (pc *PageCommunicator) resolve(env *Envelope) bool {
	if len(env.RequestID) == 0 {
		return false
	}
	id, err := uuid.FromBytes(env.RequestID)
	if err != nil {
		return true
	}
	pc.mu.Lock()
	r, ok := pc.requests[id]
	delete(pc.requests, id)
	pc.mu.Unlock()
	if ok {
		r.reply <- env
		close(r.reply)
	}
	return true
}

// request sends env to device and waits for the reply.
func (pc *PageCommunicator) request(ctx context.Context, to DeviceID, env *Envelope) (*Envelope, error) {
	id := uuid.New()
	env.RequestID = id[:]
	r := &request{to: to, reply: make(chan *Envelope, 1)}
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil, errors.Mark(errors.New("communicator closed"), dag.ErrNetwork)
	}
	pc.requests[id] = r
	pc.mu.Unlock()
	defer func() {
		pc.mu.Lock()
		delete(pc.requests, id)
		pc.mu.Unlock()
	}()

	tctx, cancel := context.WithTimeout(ctx, pc.lc.timeout)
	defer cancel()
	if err := pc.lc.send(tctx, to, env); err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-r.reply:
		if !ok || resp == nil {
			return nil, errors.Mark(errors.Newf("device %s left during %s", to, env.Type), dag.ErrNetwork)
		}
		return resp, nil
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.Mark(errors.Newf("device %s did not answer %s", to, env.Type), dag.ErrNetwork)
	}
}

// pullHeads requests the advertised heads we do not have. Their missing
// ancestors are then fetched by the page through this communicator.
func (pc *PageCommunicator) pullHeads(from DeviceID, heads []dag.CommitID) {
	var unknown []dag.CommitID
	for _, id := range heads {
		_, err := pc.page.GetCommit(pc.ctx, id)
		if errors.Is(err, dag.ErrNotFound) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return
	}
	env := pc.envelope(MsgCommitsRequest)
	env.IDs = encodeIDs(unknown)
	resp, err := pc.request(pc.ctx, from, env)
	if err != nil {
		pc.log.Infow("Fetching advertised heads failed", "device", from, "error", err)
		return
	}
	pc.cacheObjects(resp.Objects)
	pc.apply(from, resp.Commits)
}

func (pc *PageCommunicator) apply(from DeviceID, commits [][]byte) {
	if len(commits) == 0 {
		return
	}
	err := pc.page.AddCommitsFromSync(pc.ctx, commits, dag.P2P)
	if errors.Is(err, dag.ErrInvalidCommit) {
		// The valid commits of the batch were still inserted.
		pc.log.Warnw("Rejected invalid peer commits", "device", from, "error", err)
		return
	}
	if err != nil {
		pc.log.Warnw("Applying peer commits failed", "device", from, "count", len(commits), "error", err)
		return
	}
	pc.log.Debugw("Applied peer commits", "device", from, "count", len(commits))
}

func (pc *PageCommunicator) cacheObjects(objects []WireObject) {
	for _, o := range objects {
		id, err := dag.CastID(o.ID)
		if err != nil {
			continue
		}
		pc.prefetch.Add(id.KeyString(), o.Data)
	}
}

func (pc *PageCommunicator) serveCommits(from DeviceID, req *Envelope) {
	var found []*dag.Commit
	for _, id := range decodeIDs(req.IDs) {
		c, err := pc.page.GetCommit(pc.ctx, id)
		if err != nil {
			continue
		}
		found = append(found, c)
	}
	resp := pc.envelope(MsgCommits)
	resp.RequestID = req.RequestID
	resp.Found = len(found) > 0
	for _, c := range found {
		resp.Commits = append(resp.Commits, c.StorageBytes)
	}
	resp.Objects = pc.newObjects(found)
	if err := pc.lc.send(pc.ctx, from, resp); err != nil {
		pc.log.Debugw("Commits reply not delivered", "device", from, "error", err)
	}
}

func (pc *PageCommunicator) serveObject(from DeviceID, req *Envelope) {
	resp := pc.envelope(MsgObjectResponse)
	resp.RequestID = req.RequestID
	if len(req.IDs) == 1 {
		if digest, err := dag.CastID(req.IDs[0]); err == nil {
			data, err := pc.page.Objects().Get(pc.ctx, dag.ObjectIdentifier{Digest: digest})
			if err == nil {
				resp.Found = true
				resp.Objects = []WireObject{{ID: req.IDs[0], Data: data}}
			}
		}
	}
	if err := pc.lc.send(pc.ctx, from, resp); err != nil {
		pc.log.Debugw("Object reply not delivered", "device", from, "error", err)
	}
}

// OnNewCommits pushes local commits to the watching devices. Commits from
// the cloud or from peers are not forwarded.
func (pc *PageCommunicator) OnNewCommits(commits []*dag.Commit, source dag.ChangeSource) {
	if source != dag.Local {
		return
	}
	pc.work.Post(func() { pc.broadcast(commits) })
}

func (pc *PageCommunicator) broadcast(commits []*dag.Commit) {
	targets := pc.Interested()
	if len(targets) == 0 {
		return
	}
	env := pc.envelope(MsgCommits)
	for _, c := range commits {
		env.Commits = append(env.Commits, c.StorageBytes)
	}
	env.Objects = pc.newObjects(commits)
	for _, d := range targets {
		if err := pc.lc.send(pc.ctx, d, env); err != nil {
			pc.log.Infow("Push to device failed", "device", d, "error", err)
		}
	}
}

// maxPushBytes bounds the objects attached to one commits message. The
// receiver requests whatever did not fit.
const maxPushBytes = 4 << 20

// newObjects collects each commit's tree and the eager values its parents
// did not reference. Lazy values stay behind until read.
func (pc *PageCommunicator) newObjects(commits []*dag.Commit) []WireObject {
	seen := make(map[string]bool)
	var out []WireObject
	total := 0
	add := func(id dag.ObjectIdentifier) {
		key := id.Digest.KeyString()
		if seen[key] {
			return
		}
		seen[key] = true
		data, err := pc.page.Objects().Get(pc.ctx, id)
		if err != nil || total+len(data) > maxPushBytes {
			return
		}
		total += len(data)
		out = append(out, WireObject{ID: id.Digest.Bytes(), Data: data})
	}
	for _, c := range commits {
		entries, err := pc.page.GetEntries(pc.ctx, c)
		if err != nil {
			pc.log.Debugw("Reading tree failed", "commit", c, "error", err)
			continue
		}
		known := make(map[string]bool)
		for _, pid := range c.ParentIDs {
			parent, err := pc.page.GetCommit(pc.ctx, pid)
			if err != nil {
				continue
			}
			parentEntries, err := pc.page.GetEntries(pc.ctx, parent)
			if err != nil {
				continue
			}
			for _, e := range parentEntries {
				known[e.Object.Digest.KeyString()] = true
			}
		}
		add(c.RootID)
		for _, e := range entries {
			if e.Priority == dag.Eager && !known[e.Object.Digest.KeyString()] {
				add(e.Object)
			}
		}
	}
	return out
}

// GetObject serves pushed objects first, then asks each watching device.
func (pc *PageCommunicator) GetObject(ctx context.Context, id dag.ObjectIdentifier) (int64, io.ReadCloser, error) {
	if data, ok := pc.prefetch.Get(id.Digest.KeyString()); ok {
		return int64(len(data)), io.NopCloser(bytes.NewReader(data)), nil
	}
	var errs error
	for _, d := range pc.Interested() {
		env := pc.envelope(MsgObjectRequest)
		env.IDs = [][]byte{id.Digest.Bytes()}
		resp, err := pc.request(ctx, d, env)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if !resp.Found || len(resp.Objects) != 1 {
			continue
		}
		data := resp.Objects[0].Data
		return int64(len(data)), io.NopCloser(bytes.NewReader(data)), nil
	}
	if errs != nil {
		return 0, nil, errs
	}
	return 0, nil, errors.Mark(errors.Newf("no device has object %s", id), dag.ErrNotFound)
}

// GetCommits asks each watching device in turn for the ids still missing.
func (pc *PageCommunicator) GetCommits(ctx context.Context, ids []dag.CommitID) ([][]byte, error) {
	remaining := make(map[dag.CommitID]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}
	var out [][]byte
	var errs error
	for _, d := range pc.Interested() {
		if len(remaining) == 0 {
			break
		}
		want := make([]dag.CommitID, 0, len(remaining))
		for _, id := range ids {
			if remaining[id] {
				want = append(want, id)
			}
		}
		env := pc.envelope(MsgCommitsRequest)
		env.IDs = encodeIDs(want)
		resp, err := pc.request(ctx, d, env)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			errs = errors.CombineErrors(errs, err)
			continue
		}
		pc.cacheObjects(resp.Objects)
		for _, data := range resp.Commits {
			c, err := dag.DecodeCommit(data)
			if err != nil || !remaining[c.ID] {
				continue
			}
			delete(remaining, c.ID)
			out = append(out, data)
		}
	}
	if len(out) == 0 && errs != nil {
		return nil, errs
	}
	return out, nil
}
