package dag

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type journalState int

const (
	journalOpen journalState = iota
	journalCommitted
	journalRolledBack
)

// Journal stages Put and Delete operations against one or two parent
// commits. Nothing is durable until Commit succeeds.
type Journal struct {
	page    *PageStorage
	id      uuid.UUID
	parents []*Commit

	mu      sync.Mutex
	state   journalState
	changes map[string]*Entry // nil entry: delete
}

func newJournal(page *PageStorage, parents ...*Commit) *Journal {
	return &Journal{
		page:    page,
		id:      uuid.New(),
		parents: parents,
		changes: make(map[string]*Entry),
	}
}

// ID identifies the journal in logs.
func (j *Journal) ID() uuid.UUID {
	return j.id
}

// Parents returns the commits the journal is based on.
func (j *Journal) Parents() []*Commit {
	out := make([]*Commit, len(j.parents))
	copy(out, j.parents)
	return out
}

// Put sets key to the object. A later Put or Delete of the same key
// replaces this one.
func (j *Journal) Put(key string, object ObjectIdentifier, priority Priority) error {
	if !object.Defined() {
		return errors.Mark(errors.Newf("put %q: undefined object", key), ErrInternal)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != journalOpen {
		return ErrJournalClosed
	}
	j.changes[key] = &Entry{Key: key, Object: object, Priority: priority}
	return nil
}

// Delete removes key.
func (j *Journal) Delete(key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != journalOpen {
		return ErrJournalClosed
	}
	j.changes[key] = nil
	return nil
}

// Commit turns the staged changes into a new commit and advances the head
// set. A single-parent journal with no effective change returns its parent.
// On failure the journal stays open and Commit may be retried.
func (j *Journal) Commit(ctx context.Context) (*Commit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != journalOpen {
		return nil, ErrJournalClosed
	}
	changes := make([]EntryChange, 0, len(j.changes))
	for k, e := range j.changes {
		changes = append(changes, EntryChange{Key: k, Entry: e})
	}
	sort.Slice(changes, func(a, b int) bool { return changes[a].Key < changes[b].Key })

	var c *Commit
	err := j.page.run(ctx, func() error {
		var err error
		c, err = j.page.commitJournal(ctx, j.parents, changes)
		return err
	})
	if err != nil {
		return nil, err
	}
	j.state = journalCommitted
	j.changes = nil
	return c, nil
}

// Rollback discards the staged changes. The head set is untouched.
func (j *Journal) Rollback() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != journalOpen {
		return ErrJournalClosed
	}
	j.state = journalRolledBack
	j.changes = nil
	return nil
}

// commitJournal runs on the page queue.
func (p *PageStorage) commitJournal(ctx context.Context, parents []*Commit, changes []EntryChange) (*Commit, error) {
	base, err := p.objects.localTree(ctx, parents[0].RootID)
	if err != nil {
		return nil, err
	}
	entries := ApplyChanges(base, changes)
	merge := len(parents) > 1
	if !merge && len(Diff(base, entries)) == 0 {
		return parents[0], nil
	}
	if merge {
		if err := p.checkMergeParents(ctx, parents); err != nil {
			return nil, err
		}
	}

	treeData, err := encodeTree(entries)
	if err != nil {
		return nil, errors.Mark(err, ErrInternal)
	}
	treeDigest, err := ComputeDigest(treeData)
	if err != nil {
		return nil, err
	}
	treeID := ObjectIdentifier{Digest: treeDigest}

	c, err := NewCommit(parents, treeID, p.commitTime(parents, merge))
	if err != nil {
		return nil, err
	}

	t := newTxn(p.db)
	if ok, err := p.objects.Has(ctx, treeID); err != nil {
		return nil, err
	} else if !ok {
		p.objects.stage(t, treeID, treeData, true)
	}
	if err := p.commits.stage(ctx, t, []*Commit{c}, true); err != nil {
		return nil, err
	}
	if err := p.commits.execute(ctx, t); err != nil {
		return nil, err
	}
	if len(t.added) > 0 {
		p.log.Debugw("Committed", "commit", c.String(), "parents", len(parents), "changes", len(changes))
		p.notifyWatchers(t.added, Local)
	}
	return c, nil
}

// commitTime never goes backwards from a parent. A merge takes the latest
// parent time so replicas merging the same heads build the same commit.
func (p *PageStorage) commitTime(parents []*Commit, merge bool) time.Time {
	var ts time.Time
	if !merge {
		ts = p.clock().UTC()
	}
	for _, parent := range parents {
		if parent.Timestamp.After(ts) {
			ts = parent.Timestamp
		}
	}
	return ts
}

func (p *PageStorage) checkMergeParents(ctx context.Context, parents []*Commit) error {
	heads, err := p.commits.GetHeads(ctx)
	if err != nil {
		return err
	}
	for _, parent := range parents {
		found := false
		for _, h := range heads {
			if h.ID.Equals(parent.ID) {
				found = true
				break
			}
		}
		if !found {
			return errors.Mark(errors.Newf("merge parent %s is no longer a head", parent), ErrInternal)
		}
	}
	return nil
}
