package dag

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/pagesync/internal/telemetry"
)

const (
	// maxParentRounds bounds how many times one call asks the delegate for
	// missing parents before leaving commits in the pending buffer.
	maxParentRounds  = 32
	fetchParallelism = 8
)

// AddCommitsFromSync inserts commits received from cloud or peer sync. It
// is the only inbound path: both sources go through the same validation,
// object fetching and watcher notification as local commits.
//
// Malformed commits are rejected with ErrInvalidCommit and never inserted;
// the rest of the batch is still processed. Commits whose parents cannot be
// obtained are buffered and retried when the parents arrive. A cancelled ctx
// leaves the page unchanged for the commits it interrupted.
func (p *PageStorage) AddCommitsFromSync(ctx context.Context, data [][]byte, source ChangeSource) error {
	var rejected error
	batch := make([]inboundCommit, 0, len(data))
	for _, d := range data {
		c, err := DecodeCommit(d)
		if err != nil {
			rejected = errors.CombineErrors(rejected, err)
			continue
		}
		batch = append(batch, inboundCommit{commit: c, source: source})
	}
	if err := p.failure(); err != nil {
		return err
	}
	if err := p.addInbound(ctx, batch); err != nil {
		return errors.CombineErrors(err, rejected)
	}
	return rejected
}

func (p *PageStorage) addInbound(ctx context.Context, batch []inboundCommit) error {
	var rejected error
	for round := 0; len(batch) > 0; {
		ready, waiting, missing, bad, err := p.partition(ctx, batch)
		rejected = errors.CombineErrors(rejected, bad)
		if err != nil {
			return errors.CombineErrors(err, rejected)
		}
		if len(ready) > 0 {
			bad, err := p.insertInbound(ctx, ready)
			rejected = errors.CombineErrors(rejected, bad)
			if err != nil {
				return errors.CombineErrors(err, rejected)
			}
			if released := p.pending.release(p.isKnown(ctx)); len(released) > 0 {
				batch = append(waiting, released...)
				continue
			}
		}
		if len(waiting) == 0 {
			break
		}
		round++
		if round > maxParentRounds || len(missing) == 0 {
			p.buffer(waiting)
			break
		}
		fetched := p.requestCommits(ctx, missing)
		if len(fetched) == 0 {
			p.buffer(waiting)
			break
		}
		batch = append(waiting, fetched...)
	}
	return rejected
}

func (p *PageStorage) isKnown(ctx context.Context) func(CommitID) bool {
	return func(id CommitID) bool {
		ok, err := p.commits.HasCommit(ctx, id)
		return err == nil && ok
	}
}

// partition splits batch into commits insertable now (parents stored or
// earlier in ready) and commits still waiting. missing lists parents found
// nowhere. Known commits are dropped. Commits whose generation disagrees
// with their parents are rejected along with their descendants in batch;
// the rest of the batch is unaffected.
func (p *PageStorage) partition(ctx context.Context, batch []inboundCommit) (ready, waiting []inboundCommit, missing []CommitID, rejected error, err error) {
	commits := make([]*Commit, 0, len(batch))
	sources := make(map[CommitID]ChangeSource, len(batch))
	for _, in := range batch {
		if _, dup := sources[in.commit.ID]; dup {
			continue
		}
		sources[in.commit.ID] = in.source
		commits = append(commits, in.commit)
	}
	SortCommits(commits)

	readyGen := make(map[CommitID]uint64)
	badSet := make(map[CommitID]bool)
	missingSet := make(map[CommitID]bool)
	for _, c := range commits {
		known, err := p.commits.HasCommit(ctx, c.ID)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if known {
			continue
		}
		if c.IsRoot() && !c.ID.Equals(rootCommit.ID) {
			badSet[c.ID] = true
			rejected = errors.CombineErrors(rejected, invalidCommit("commit %s has no parents but is not the root commit", c))
			continue
		}
		ok := true
		var gen uint64
		var badParent CommitID
		for _, parent := range c.ParentIDs {
			if badSet[parent] {
				badParent = parent
				break
			}
			if g, inReady := readyGen[parent]; inReady {
				gen = max(gen, g)
				continue
			}
			pc, err := p.commits.GetCommit(ctx, parent)
			if err == nil {
				gen = max(gen, pc.Generation)
				continue
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, nil, nil, nil, err
			}
			ok = false
			if _, inBatch := sources[parent]; !inBatch && !missingSet[parent] {
				missingSet[parent] = true
				missing = append(missing, parent)
			}
		}
		if badParent.Defined() {
			badSet[c.ID] = true
			rejected = errors.CombineErrors(rejected, invalidCommit("commit %s: parent %s rejected", c, ShortID(badParent)))
			continue
		}
		in := inboundCommit{commit: c, source: sources[c.ID]}
		if !ok {
			waiting = append(waiting, in)
			continue
		}
		if !c.IsRoot() && c.Generation != gen+1 {
			badSet[c.ID] = true
			rejected = errors.CombineErrors(rejected, invalidCommit("commit %s: generation %d, parents imply %d", c, c.Generation, gen+1))
			continue
		}
		readyGen[c.ID] = c.Generation
		ready = append(ready, in)
	}
	return ready, waiting, missing, rejected, nil
}

// insertInbound fetches what ready commits reference and inserts them in one
// atomic write. Commits whose tree is unusable are rejected along with their
// descendants in ready.
func (p *PageStorage) insertInbound(ctx context.Context, ready []inboundCommit) (rejected error, err error) {
	objects, bad, err := p.fetchCommitObjects(ctx, ready)
	if err != nil {
		return nil, err
	}
	accepted := ready[:0:0]
	for _, in := range ready {
		if cause, ok := bad[in.commit.ID]; ok {
			rejected = errors.CombineErrors(rejected, cause)
			continue
		}
		for _, parent := range in.commit.ParentIDs {
			if _, ok := bad[parent]; ok {
				bad[in.commit.ID] = invalidCommit("commit %s: parent %s rejected", in.commit, ShortID(parent))
				rejected = errors.CombineErrors(rejected, bad[in.commit.ID])
				break
			}
		}
		if _, ok := bad[in.commit.ID]; !ok {
			accepted = append(accepted, in)
		}
	}
	if len(accepted) == 0 {
		return rejected, nil
	}

	err = p.run(ctx, func() error {
		t := newTxn(p.db)
		for _, in := range accepted {
			for _, o := range objects[in.commit.ID] {
				p.objects.stage(t, o.id, o.data, in.source == P2P)
			}
		}
		sort.Slice(accepted, func(i, j int) bool {
			return CompareCommits(accepted[i].commit, accepted[j].commit) < 0
		})
		sources := make(map[CommitID]ChangeSource, len(accepted))
		var order []ChangeSource
		for _, in := range accepted {
			if !slices.Contains(order, in.source) {
				order = append(order, in.source)
			}
			sources[in.commit.ID] = in.source
			if err := p.commits.stage(ctx, t, []*Commit{in.commit}, in.source != Cloud); err != nil {
				return err
			}
		}
		if err := p.commits.execute(ctx, t); err != nil {
			return err
		}
		for _, src := range order {
			var added []*Commit
			for _, c := range t.added {
				if sources[c.ID] == src {
					added = append(added, c)
				}
			}
			if len(added) > 0 {
				p.log.Debugw("Inserted commits", "source", src.String(), "count", len(added))
				p.notifyWatchers(added, src)
			}
		}
		return nil
	})
	return rejected, err
}

type fetchedObject struct {
	id   ObjectIdentifier
	data []byte
}

// fetchCommitObjects gathers each commit's tree and eager values that are
// not stored locally. Nothing is written. Commits with an undecodable tree
// are returned in bad.
func (p *PageStorage) fetchCommitObjects(ctx context.Context, ready []inboundCommit) (map[CommitID][]fetchedObject, map[CommitID]error, error) {
	var mu sync.Mutex
	objects := make(map[CommitID][]fetchedObject)
	bad := make(map[CommitID]error)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for _, in := range ready {
		c := in.commit
		g.Go(func() error {
			fetched, err := p.fetchForCommit(gctx, c)
			mu.Lock()
			defer mu.Unlock()
			if errors.IsAny(err, ErrInvalidCommit, ErrDigestMismatch) {
				bad[c.ID] = errors.Mark(errors.Wrapf(err, "commit %s", c), ErrInvalidCommit)
				return nil
			}
			if err != nil {
				return err
			}
			objects[c.ID] = fetched
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return objects, bad, nil
}

func (p *PageStorage) fetchForCommit(ctx context.Context, c *Commit) ([]fetchedObject, error) {
	var out []fetchedObject
	treeData, local, err := p.localOrFetch(ctx, c.RootID)
	if err != nil {
		return nil, err
	}
	entries, err := decodeTree(treeData)
	if err != nil {
		if local {
			p.telemetry.Report(telemetry.LocalStoreCorrupted, p.id)
			return nil, mark(err, ErrCorrupted, "tree "+c.RootID.String())
		}
		return nil, errors.Mark(errors.Wrapf(err, "commit %s", c), ErrInvalidCommit)
	}
	if !local {
		out = append(out, fetchedObject{id: c.RootID, data: treeData})
	}
	for _, e := range entries {
		if e.Priority != Eager {
			continue
		}
		data, local, err := p.localOrFetch(ctx, e.Object)
		if err != nil {
			return nil, err
		}
		if !local {
			out = append(out, fetchedObject{id: e.Object, data: data})
		}
	}
	return out, nil
}

// localOrFetch returns the object's bytes; local reports whether they came
// from the store. Only the tree's bytes are needed when local.
func (p *PageStorage) localOrFetch(ctx context.Context, id ObjectIdentifier) ([]byte, bool, error) {
	ok, err := p.objects.Has(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if ok {
		data, err := p.objects.Get(ctx, id)
		return data, true, err
	}
	data, err := p.objects.Fetch(ctx, id)
	return data, false, err
}

// requestCommits asks the delegate for commits by id. Failures are logged;
// the caller falls back to buffering. Fetched parents count as peer commits
// so they are also offered to the cloud.
func (p *PageStorage) requestCommits(ctx context.Context, ids []CommitID) []inboundCommit {
	d := p.syncDelegate()
	if d == nil {
		return nil
	}
	raw, err := d.GetCommits(ctx, ids)
	if err != nil {
		p.log.Debugw("Requesting missing parents failed", "count", len(ids), "error", err)
		return nil
	}
	out := make([]inboundCommit, 0, len(raw))
	for _, data := range raw {
		c, err := DecodeCommit(data)
		if err != nil {
			p.log.Warnw("Delegate returned an invalid commit", "error", err)
			continue
		}
		out = append(out, inboundCommit{commit: c, source: P2P})
	}
	return out
}

func (p *PageStorage) buffer(waiting []inboundCommit) {
	if p.pending.add(waiting) > 0 {
		p.telemetry.Report(telemetry.CommitsReceivedOutOfOrder, p.id)
		p.log.Infow("Buffered commits with unknown parents", "count", len(waiting), "buffered", p.pending.len())
	}
}

// RequestMissingParents asks the delegate again for the parents of every
// buffered commit and inserts whatever becomes insertable.
func (p *PageStorage) RequestMissingParents(ctx context.Context) error {
	missing := p.pending.missingParents(p.isKnown(ctx))
	if len(missing) == 0 {
		return nil
	}
	return p.FetchCommits(ctx, missing)
}

// FetchCommits asks the sync delegate for commits by id and inserts them
// through the inbound path.
func (p *PageStorage) FetchCommits(ctx context.Context, ids []CommitID) error {
	fetched := p.requestCommits(ctx, ids)
	if len(fetched) == 0 {
		return errors.Mark(errors.Newf("no sync source returned any of %d commits", len(ids)), ErrNotFound)
	}
	return p.addInbound(ctx, fetched)
}

// PendingCount returns how many out-of-order commits are buffered.
func (p *PageStorage) PendingCount() int {
	return p.pending.len()
}
