package dag

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/kv"
	"github.com/systemshift/pagesync/internal/queue"
	"github.com/systemshift/pagesync/internal/telemetry"
)

// ChangeSource says where newly inserted commits came from.
type ChangeSource int

const (
	Local ChangeSource = iota
	Cloud
	P2P
)

func (s ChangeSource) String() string {
	switch s {
	case Local:
		return "local"
	case Cloud:
		return "cloud"
	case P2P:
		return "p2p"
	default:
		return "unknown"
	}
}

// CommitWatcher is told about every successful insertion, in insertion
// order, on a goroutine separate from the caller's.
type CommitWatcher interface {
	OnNewCommits(commits []*Commit, source ChangeSource)
}

// Options configures a page.
type Options struct {
	Logger    *zap.SugaredLogger
	Telemetry telemetry.Sink
	// Clock stamps local commits. Defaults to time.Now.
	Clock           func() time.Time
	ObjectCacheSize int
	CommitCacheSize int
	Compress        bool
	// PendingLimit bounds the out-of-order commit buffer.
	PendingLimit int
	// PendingTTL is how long a buffered commit waits for its parents.
	PendingTTL time.Duration
}

// PageStorage is the single point of truth for one page: its objects, its
// commit DAG and the journals that extend it. Every mutation runs on the
// page's serial queue.
type PageStorage struct {
	id        string
	db        kv.Db
	log       *zap.SugaredLogger
	telemetry telemetry.Sink
	clock     func() time.Time

	objects *ObjectStore
	commits *CommitStore
	pending *pendingCommits

	queue  *queue.Serial
	notify *queue.Serial

	mu       sync.RWMutex
	watchers []CommitWatcher
	delegate SyncDelegate
	failed   error
}

// OpenPage opens the page stored in db, creating its root commit on first
// use. db must not be shared with another page.
func OpenPage(ctx context.Context, db kv.Db, id string, opts Options) (*PageStorage, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sink := telemetry.OrNop(opts.Telemetry)

	objects, err := NewObjectStore(db, ObjectStoreOptions{
		CacheSize: opts.ObjectCacheSize,
		Compress:  opts.Compress,
		Telemetry: sink,
		Page:      id,
	})
	if err != nil {
		return nil, err
	}
	commits, err := NewCommitStore(db, objects, CommitStoreOptions{
		CacheSize: opts.CommitCacheSize,
		Telemetry: sink,
		Page:      id,
	})
	if err != nil {
		return nil, err
	}

	p := &PageStorage{
		id:        id,
		db:        db,
		log:       log.With("page", id),
		telemetry: sink,
		clock:     clock,
		objects:   objects,
		commits:   commits,
		queue:     queue.NewSerial(),
		notify:    queue.NewSerial(),
	}
	p.pending = newPendingCommits(opts.PendingLimit, opts.PendingTTL, clock, func(n int) {
		sink.Report(telemetry.CommitsReceivedOutOfOrderNotRecovered, id)
		p.log.Warnw("Dropped out-of-order commits", "count", n)
	})
	objects.run = p.run

	if err := p.run(ctx, func() error { return p.ensureRoot(ctx) }); err != nil {
		p.Close()
		return nil, errors.Wrapf(err, "open page %s", id)
	}
	return p, nil
}

func (p *PageStorage) ensureRoot(ctx context.Context) error {
	root := RootCommit()
	ok, err := p.commits.HasCommit(ctx, root.ID)
	if err != nil || ok {
		return err
	}
	t := newTxn(p.db)
	p.objects.stage(t, emptyTreeID, emptyTree, false)
	if err := p.commits.stage(ctx, t, []*Commit{root}, false); err != nil {
		return err
	}
	return p.commits.execute(ctx, t)
}

// ID returns the page id.
func (p *PageStorage) ID() string {
	return p.id
}

// Objects exposes the page's object store for readers.
func (p *PageStorage) Objects() *ObjectStore {
	return p.objects
}

// Commits exposes the page's commit DAG for readers.
func (p *PageStorage) Commits() *CommitStore {
	return p.commits
}

// Close stops the page's queues. Work already queued still runs.
func (p *PageStorage) Close() {
	p.pending.stop()
	p.objects.Close()
	p.queue.Close()
	p.notify.Close()
}

// run executes fn on the page queue. A page that has seen corruption
// refuses all further work.
func (p *PageStorage) run(ctx context.Context, fn func() error) error {
	err := p.queue.Do(ctx, func() error {
		if err := p.failure(); err != nil {
			return err
		}
		return p.check(fn())
	})
	if errors.Is(err, queue.ErrClosed) {
		return errors.Mark(errors.Wrapf(err, "page %s", p.id), ErrInternal)
	}
	return err
}

func (p *PageStorage) failure() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failed
}

// check marks the page failed when err is corruption, and returns err.
func (p *PageStorage) check(err error) error {
	if err == nil || !errors.Is(err, ErrCorrupted) {
		return err
	}
	p.mu.Lock()
	if p.failed == nil {
		p.failed = errors.Mark(errors.Wrapf(err, "page %s is unusable", p.id), ErrCorrupted)
		p.log.Errorw("Local store corrupted", "error", err)
	}
	p.mu.Unlock()
	return err
}

// read runs a read-only operation off the queue, honouring the failed state.
func (p *PageStorage) read(fn func() error) error {
	if err := p.failure(); err != nil {
		return err
	}
	return p.check(fn())
}

// AddCommitWatcher registers w for future insertions.
func (p *PageStorage) AddCommitWatcher(w CommitWatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchers = append(p.watchers, w)
}

// RemoveCommitWatcher unregisters w.
func (p *PageStorage) RemoveCommitWatcher(w CommitWatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.watchers {
		if x == w {
			p.watchers = append(p.watchers[:i], p.watchers[i+1:]...)
			return
		}
	}
}

func (p *PageStorage) notifyWatchers(commits []*Commit, source ChangeSource) {
	p.mu.RLock()
	watchers := make([]CommitWatcher, len(p.watchers))
	copy(watchers, p.watchers)
	p.mu.RUnlock()
	if len(watchers) == 0 {
		return
	}
	delivered := make([]*Commit, len(commits))
	copy(delivered, commits)
	p.notify.Post(func() {
		for _, w := range watchers {
			w.OnNewCommits(delivered, source)
		}
	})
}

// SetSyncDelegate sets where the page fetches objects and commits it lacks.
func (p *PageStorage) SetSyncDelegate(d SyncDelegate) {
	p.mu.Lock()
	p.delegate = d
	p.mu.Unlock()
	p.objects.SetSyncDelegate(d)
}

func (p *PageStorage) syncDelegate() SyncDelegate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.delegate
}

// StartJournal opens a journal on the page's latest head, by
// (generation, id).
func (p *PageStorage) StartJournal(ctx context.Context) (*Journal, error) {
	head, err := p.Head(ctx)
	if err != nil {
		return nil, err
	}
	return newJournal(p, head), nil
}

// StartJournalAt opens a journal on a specific commit.
func (p *PageStorage) StartJournalAt(ctx context.Context, id CommitID) (*Journal, error) {
	c, err := p.GetCommit(ctx, id)
	if err != nil {
		return nil, err
	}
	return newJournal(p, c), nil
}

// StartMergeJournal opens a journal whose commit will have both left and
// right as parents. It starts from left's snapshot.
func (p *PageStorage) StartMergeJournal(ctx context.Context, left, right *Commit) (*Journal, error) {
	if left.ID.Equals(right.ID) {
		return nil, errors.Mark(errors.New("merge of a commit with itself"), ErrInternal)
	}
	return newJournal(p, left, right), nil
}

// AddObject stores data and returns its identifier.
func (p *PageStorage) AddObject(ctx context.Context, data []byte) (ObjectIdentifier, error) {
	var id ObjectIdentifier
	err := p.read(func() error {
		var err error
		id, err = p.objects.Put(ctx, data)
		return err
	})
	return id, err
}

// Put stores value under key in a commit on the latest head.
func (p *PageStorage) Put(ctx context.Context, key string, value []byte, priority Priority) (*Commit, error) {
	id, err := p.AddObject(ctx, value)
	if err != nil {
		return nil, err
	}
	j, err := p.StartJournal(ctx)
	if err != nil {
		return nil, err
	}
	if err := j.Put(key, id, priority); err != nil {
		return nil, err
	}
	return j.Commit(ctx)
}

// Delete removes key in a commit on the latest head.
func (p *PageStorage) Delete(ctx context.Context, key string) (*Commit, error) {
	j, err := p.StartJournal(ctx)
	if err != nil {
		return nil, err
	}
	if err := j.Delete(key); err != nil {
		return nil, err
	}
	return j.Commit(ctx)
}

// Get reads key at the latest head.
func (p *PageStorage) Get(ctx context.Context, key string) ([]byte, error) {
	head, err := p.Head(ctx)
	if err != nil {
		return nil, err
	}
	return p.GetValue(ctx, head, key)
}

// Head returns the greatest head by (generation, id).
func (p *PageStorage) Head(ctx context.Context) (*Commit, error) {
	heads, err := p.GetHeads(ctx)
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return nil, errors.Mark(errors.Newf("page %s has no heads", p.id), ErrCorrupted)
	}
	return heads[len(heads)-1], nil
}

// GetHeads returns the current heads sorted by (generation, id).
func (p *PageStorage) GetHeads(ctx context.Context) ([]*Commit, error) {
	var heads []*Commit
	err := p.read(func() error {
		var err error
		heads, err = p.commits.GetHeads(ctx)
		return err
	})
	return heads, err
}

// GetCommit returns a stored commit.
func (p *PageStorage) GetCommit(ctx context.Context, id CommitID) (*Commit, error) {
	var c *Commit
	err := p.read(func() error {
		var err error
		c, err = p.commits.GetCommit(ctx, id)
		return err
	})
	return c, err
}

// GetEntries returns the snapshot of commit c, sorted by key.
func (p *PageStorage) GetEntries(ctx context.Context, c *Commit) ([]Entry, error) {
	var entries []Entry
	err := p.read(func() error {
		var err error
		entries, err = p.objects.GetTree(ctx, c.RootID)
		return err
	})
	return entries, err
}

// GetEntry returns one key of commit c's snapshot, or ErrNotFound.
func (p *PageStorage) GetEntry(ctx context.Context, c *Commit, key string) (Entry, error) {
	entries, err := p.GetEntries(ctx, c)
	if err != nil {
		return Entry{}, err
	}
	e, ok := findEntry(entries, key)
	if !ok {
		return Entry{}, errors.Mark(errors.Newf("key %q not found at %s", key, c), ErrNotFound)
	}
	return e, nil
}

// GetValue reads key at commit c. Lazy values not held locally are fetched
// through the sync delegate.
func (p *PageStorage) GetValue(ctx context.Context, c *Commit, key string) ([]byte, error) {
	e, err := p.GetEntry(ctx, c, key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = p.read(func() error {
		var err error
		data, err = p.objects.GetOrFetch(ctx, e.Object, e.Priority)
		return err
	})
	return data, err
}

// Log returns up to limit commits reachable from the heads, newest
// generation first. limit <= 0 means all.
func (p *PageStorage) Log(ctx context.Context, limit int) ([]*Commit, error) {
	heads, err := p.GetHeads(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]CommitID, 0, len(heads))
	for _, h := range heads {
		ids = append(ids, h.ID)
	}
	var out []*Commit
	err = p.read(func() error {
		for c, err := range p.commits.walk(ctx, ids) {
			if err != nil {
				return err
			}
			out = append(out, c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// UnsyncedCommits lists local and peer commits the cloud has not
// acknowledged, parents first.
func (p *PageStorage) UnsyncedCommits(ctx context.Context) ([]*Commit, error) {
	var commits []*Commit
	err := p.read(func() error {
		var err error
		commits, err = p.commits.UnsyncedCommits(ctx)
		return err
	})
	return commits, err
}

// UnsyncedObjects lists objects the cloud has not acknowledged.
func (p *PageStorage) UnsyncedObjects(ctx context.Context) ([]ObjectIdentifier, error) {
	var ids []ObjectIdentifier
	err := p.read(func() error {
		var err error
		ids, err = p.objects.UnsyncedObjects(ctx)
		return err
	})
	return ids, err
}

// MarkCommitsSynced records that the cloud holds commits.
func (p *PageStorage) MarkCommitsSynced(ctx context.Context, commits []*Commit) error {
	return p.run(ctx, func() error {
		t := newTxn(p.db)
		for _, c := range commits {
			p.commits.markSynced(t, c)
		}
		return p.commits.execute(ctx, t)
	})
}

// MarkObjectSynced records that the cloud holds the object.
func (p *PageStorage) MarkObjectSynced(ctx context.Context, id ObjectIdentifier) error {
	return p.objects.MarkObjectSynced(ctx, id)
}

// GetSyncMetadata reads a value saved by SetSyncMetadata, or ErrNotFound.
func (p *PageStorage) GetSyncMetadata(ctx context.Context, name string) ([]byte, error) {
	var v []byte
	err := p.read(func() error {
		var err error
		v, err = p.commits.GetSyncMetadata(ctx, name)
		return err
	})
	return v, err
}

// SetSyncMetadata durably saves a sync-layer value, such as a download
// position.
func (p *PageStorage) SetSyncMetadata(ctx context.Context, name string, value []byte) error {
	return p.run(ctx, func() error {
		t := newTxn(p.db)
		p.commits.setSyncMetadata(t, name, value)
		return p.commits.execute(ctx, t)
	})
}
