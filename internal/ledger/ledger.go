// Package ledger ties the pages of one ledger to their merge resolver and
// to cloud and peer sync.
package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/cloud"
	"github.com/systemshift/pagesync/internal/config"
	"github.com/systemshift/pagesync/internal/dag"
	"github.com/systemshift/pagesync/internal/kv"
	"github.com/systemshift/pagesync/internal/p2p"
	"github.com/systemshift/pagesync/internal/telemetry"
)

// Options configures a Ledger. Cloud and Mesh are optional; without them the
// ledger is local only.
type Options struct {
	Name      string
	Logger    *zap.SugaredLogger
	Telemetry telemetry.Sink

	// Page storage.
	ObjectCacheSize int
	Compress        bool
	PendingLimit    int
	PendingTTL      time.Duration
	Clock           func() time.Time

	MergeDebounce time.Duration
	Policy        dag.ConflictPolicy

	Cloud     cloud.Provider
	CloudSync cloud.PageSyncOptions

	Mesh p2p.Mesh
	P2P  p2p.Options
}

// OptionsFromConfig maps settings onto Options. Providers and the mesh are
// left for the caller to build.
func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Name:            c.Ledger,
		ObjectCacheSize: c.Storage.ObjectCache,
		Compress:        c.Storage.Compress,
		PendingLimit:    c.Sync.PendingLimit,
		PendingTTL:      c.Sync.PendingTTL,
		MergeDebounce:   c.Merge.Debounce,
		Policy:          dag.LastWriterWins{},
		CloudSync: cloud.PageSyncOptions{
			Credentials:  cloud.StaticCredentials(c.Cloud.Token),
			PollInterval: c.Cloud.PollInterval,
			Backoff: cloud.BackoffOptions{
				Initial: c.Cloud.Backoff.Initial,
				Max:     c.Cloud.Backoff.Max,
				Jitter:  0.1,
			},
		},
		P2P: p2p.Options{RequestTimeout: c.P2P.RequestTimeout},
	}
}

// Ledger is the set of pages sharing one Db and one sync configuration.
type Ledger struct {
	name      string
	db        kv.Db
	ownsDb    bool
	opts      Options
	log       *zap.SugaredLogger
	telemetry telemetry.Sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cloud *cloud.LedgerSync
	comm  *p2p.LedgerCommunicator

	mu         sync.Mutex
	pages      map[string]*page
	cloudReady bool
	closed     bool
}

type page struct {
	storage *dag.PageStorage
	merge   *dag.MergeResolver
	peers   *p2p.PageCommunicator
	cloud   *cloud.PageSync
}

// delegate orders peers before the cloud.
func (p *page) delegate() dag.SyncDelegate {
	var d dag.MultiDelegate
	if p.peers != nil {
		d = append(d, p.peers)
	}
	if p.cloud != nil {
		d = append(d, p.cloud)
	}
	return d
}

// Open opens or creates the bolt file at path and the ledger stored in it.
func Open(path string, opts Options) (*Ledger, error) {
	db, err := kv.Create(path)
	if err != nil {
		return nil, errors.Mark(err, dag.ErrIO)
	}
	l, err := New(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.ownsDb = true
	return l, nil
}

// New runs a ledger on db. The cloud device check runs in the background;
// pages start syncing with the cloud once it passes.
func New(db kv.Db, opts Options) (*Ledger, error) {
	if err := checkName(opts.Name); err != nil {
		return nil, errors.Wrap(err, "ledger name")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	sink := telemetry.OrNop(opts.Telemetry)
	ctx, cancel := context.WithCancel(context.Background())
	l := &Ledger{
		name:      opts.Name,
		db:        db,
		opts:      opts,
		log:       log.With("ledger", opts.Name),
		telemetry: sink,
		ctx:       ctx,
		cancel:    cancel,
		pages:     make(map[string]*page),
	}
	if opts.Mesh != nil {
		p2pOpts := opts.P2P
		p2pOpts.Logger = log.Named("p2p")
		l.comm = p2p.NewLedgerCommunicator(opts.Mesh, opts.Name, p2pOpts)
	}
	if opts.Cloud != nil {
		cloudOpts := opts.CloudSync
		cloudOpts.Logger = log.Named("cloud")
		l.cloud = cloud.NewLedgerSync(opts.Cloud, opts.Name, kv.Prefixed(db, "ledger/"), cloudOpts)
		l.wg.Add(1)
		go l.startCloud()
	}
	sink.Report(telemetry.LedgerStarted, "")
	l.log.Infow("Ledger started", "cloud", opts.Cloud != nil, "p2p", opts.Mesh != nil)
	return l, nil
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return errors.Newf("%q must be a non-empty name without slashes", name)
	}
	return nil
}

func (l *Ledger) startCloud() {
	defer l.wg.Done()
	if err := l.cloud.Start(l.ctx); err != nil {
		if l.ctx.Err() == nil {
			l.log.Errorw("Cloud sync disabled", "error", err)
		}
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.cloudReady = true
	for _, p := range l.pages {
		l.attachCloudLocked(p)
	}
}

func (l *Ledger) attachCloudLocked(p *page) {
	s, err := l.cloud.SyncPage(l.ctx, p.storage)
	if err != nil {
		l.log.Warnw("Cloud sync failed to start", "page", p.storage.ID(), "error", err)
		return
	}
	p.cloud = s
	p.storage.SetSyncDelegate(p.delegate())
}

// Name returns the ledger name.
func (l *Ledger) Name() string {
	return l.name
}

// Page returns the page with id, opening it and starting its sync on first
// use.
func (l *Ledger) Page(ctx context.Context, id string) (*dag.PageStorage, error) {
	if err := checkName(id); err != nil {
		return nil, errors.Wrap(err, "page id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.Mark(errors.New("ledger closed"), dag.ErrInternal)
	}
	if p, ok := l.pages[id]; ok {
		return p.storage, nil
	}

	storage, err := dag.OpenPage(ctx, kv.Prefixed(l.db, "page/"+id+"/"), id, dag.Options{
		Logger:          l.log.Named("page"),
		Telemetry:       l.telemetry,
		Clock:           l.opts.Clock,
		ObjectCacheSize: l.opts.ObjectCacheSize,
		Compress:        l.opts.Compress,
		PendingLimit:    l.opts.PendingLimit,
		PendingTTL:      l.opts.PendingTTL,
	})
	if err != nil {
		return nil, err
	}
	p := &page{storage: storage}
	p.merge = dag.NewMergeResolver(storage, dag.MergeResolverOptions{
		Logger:    l.log.Named("merge"),
		Telemetry: l.telemetry,
		Policy:    l.opts.Policy,
		Debounce:  l.opts.MergeDebounce,
	})
	if l.comm != nil {
		pc, err := l.comm.AddPage(storage)
		if err != nil {
			p.merge.Close()
			storage.Close()
			return nil, err
		}
		p.peers = pc
	}
	storage.SetSyncDelegate(p.delegate())
	if l.cloudReady {
		l.attachCloudLocked(p)
	}
	l.pages[id] = p
	return storage, nil
}

// Pages lists the open pages.
func (l *Ledger) Pages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.pages))
	for id := range l.pages {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PageIDs lists every page stored in the ledger's Db, open or not.
func (l *Ledger) PageIDs() ([]string, error) {
	seen := map[string]bool{}
	err := l.db.Iterate([]byte("page/"), func(key, _ []byte) error {
		rest := strings.TrimPrefix(string(key), "page/")
		if i := strings.IndexByte(rest, '/'); i > 0 {
			seen[rest[:i]] = true
		}
		return nil
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "list pages"), dag.ErrIO)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Close stops peer exchange, then cloud sync, then every page.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pages := l.pages
	l.pages = make(map[string]*page)
	l.mu.Unlock()

	l.cancel()
	if l.comm != nil {
		l.comm.Close()
	}
	l.wg.Wait()
	if l.cloud != nil {
		l.cloud.Close()
	}
	for _, p := range pages {
		p.merge.Close()
		p.storage.Close()
	}
	if l.ownsDb {
		return l.db.Close()
	}
	return nil
}
