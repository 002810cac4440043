package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/dag"
	"github.com/systemshift/pagesync/internal/kv"
)

var fingerprintKey = []byte("cloud/fingerprint")

// ErrCloudErased is returned when the cloud no longer knows this device's
// fingerprint: its data was erased and local pages must not be re-uploaded
// into the new generation unasked.
var ErrCloudErased = errors.Mark(errors.New("cloud data was erased"), dag.ErrNotFound)

// LedgerSync owns the cloud sync of every page of one ledger.
type LedgerSync struct {
	provider Provider
	ledger   string
	db       kv.Db
	opts     PageSyncOptions
	log      *zap.SugaredLogger

	mu    sync.Mutex
	pages map[string]*PageSync
}

// NewLedgerSync creates the sync for ledger. db holds the device's
// fingerprint and is typically the ledger's own Db.
func NewLedgerSync(provider Provider, ledger string, db kv.Db, opts PageSyncOptions) *LedgerSync {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.Credentials == nil {
		opts.Credentials = StaticCredentials("")
	}
	return &LedgerSync{
		provider: provider,
		ledger:   ledger,
		db:       db,
		opts:     opts,
		log:      log.With("ledger", ledger),
		pages:    make(map[string]*PageSync),
	}
}

// Start checks the device set fingerprint, registering one on first use.
// Transient failures are retried until ctx ends. ErrCloudErased means the
// cloud was wiped since this device last synced.
func (l *LedgerSync) Start(ctx context.Context) error {
	op := func() error {
		err := l.checkFingerprint(ctx)
		if err != nil && !dag.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	if l.opts.Backoff.Initial > 0 {
		b.InitialInterval = l.opts.Backoff.Initial
	}
	if l.opts.Backoff.Max > 0 {
		b.MaxInterval = l.opts.Backoff.Max
	}
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, delay time.Duration) {
		l.log.Infow("Device set check failed, retrying", "delay", delay, "error", err)
	})
}

func (l *LedgerSync) checkFingerprint(ctx context.Context) error {
	token, err := authToken(ctx, l.opts.Credentials)
	if err != nil {
		return err
	}
	devices, err := l.provider.GetDeviceSet(ctx)
	if err != nil {
		return err
	}
	stored, err := l.db.Get(fingerprintKey)
	if errors.Is(err, kv.ErrNotFound) {
		fp := uuid.NewString()
		if err := devices.SetFingerprint(ctx, token, fp); err != nil {
			return err
		}
		if err := l.db.Put(fingerprintKey, []byte(fp)); err != nil {
			return errors.Mark(errors.Wrap(err, "save fingerprint"), dag.ErrIO)
		}
		l.log.Infow("Registered device with cloud", "fingerprint", fp)
		return nil
	}
	if err != nil {
		return errors.Mark(errors.Wrap(err, "read fingerprint"), dag.ErrIO)
	}
	err = devices.CheckFingerprint(ctx, token, string(stored))
	if errors.Is(err, dag.ErrNotFound) {
		return errors.WithSecondaryError(ErrCloudErased, err)
	}
	return err
}

// SyncPage starts syncing page and returns its PageSync, which is also the
// page's cloud delegate.
func (l *LedgerSync) SyncPage(ctx context.Context, page *dag.PageStorage) (*PageSync, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.pages[page.ID()]; ok {
		return s, nil
	}
	pc, err := l.provider.GetPageCloud(ctx, l.ledger, page.ID())
	if err != nil {
		return nil, errors.Wrapf(err, "page cloud %s", page.ID())
	}
	s := NewPageSync(page, pc, l.opts)
	s.Start()
	l.pages[page.ID()] = s
	return s, nil
}

// Close stops every page sync.
func (l *LedgerSync) Close() {
	l.mu.Lock()
	pages := l.pages
	l.pages = make(map[string]*PageSync)
	l.mu.Unlock()
	for _, s := range pages {
		s.Close()
	}
}
