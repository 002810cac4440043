package dag

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/telemetry"
)

// MergeSide is one head's view of a key changed on both sides of a merge.
// A nil Entry means that side deleted the key.
type MergeSide struct {
	Commit *Commit
	Entry  *Entry
}

// ConflictPolicy picks the value of a key that both heads changed
// differently since their common ancestor. base is nil when the key did not
// exist there. Returning a nil entry deletes the key. The result must depend
// only on the arguments so every replica reaches the same merge.
type ConflictPolicy interface {
	Resolve(ctx context.Context, key string, base *Entry, left, right MergeSide) (*Entry, error)
}

// PolicyFunc adapts a function to ConflictPolicy.
type PolicyFunc func(ctx context.Context, key string, base *Entry, left, right MergeSide) (*Entry, error)

func (f PolicyFunc) Resolve(ctx context.Context, key string, base *Entry, left, right MergeSide) (*Entry, error) {
	return f(ctx, key, base, left, right)
}

// LastWriterWins keeps the side whose commit has the later timestamp, and
// the greater commit id on a tie.
type LastWriterWins struct{}

func (LastWriterWins) Resolve(_ context.Context, _ string, _ *Entry, left, right MergeSide) (*Entry, error) {
	if left.Commit.Timestamp.After(right.Commit.Timestamp) {
		return left.Entry, nil
	}
	if right.Commit.Timestamp.After(left.Commit.Timestamp) {
		return right.Entry, nil
	}
	if CompareIDs(left.Commit.ID, right.Commit.ID) > 0 {
		return left.Entry, nil
	}
	return right.Entry, nil
}

// MergeResolverOptions configures a MergeResolver.
type MergeResolverOptions struct {
	Logger    *zap.SugaredLogger
	Telemetry telemetry.Sink
	// Policy defaults to LastWriterWins.
	Policy ConflictPolicy
	// Debounce is how long heads must stay divergent before merging.
	Debounce time.Duration
	// MaxDelay bounds how long a steady stream of commits can postpone a
	// merge. Defaults to 20 debounce windows.
	MaxDelay time.Duration
}

const defaultDebounce = 100 * time.Millisecond

// MergeResolver watches a page and merges divergent heads into one.
type MergeResolver struct {
	page      *PageStorage
	log       *zap.SugaredLogger
	telemetry telemetry.Sink
	policy    ConflictPolicy
	debounce  time.Duration
	maxDelay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	timerMu sync.Mutex
	timer   *time.Timer
	// waitingSince is when the first commit of the current window arrived.
	waitingSince time.Time
	closed       bool

	// mu serializes merges.
	mu sync.Mutex
}

// NewMergeResolver attaches a resolver to page and checks its heads once.
func NewMergeResolver(page *PageStorage, opts MergeResolverOptions) *MergeResolver {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	policy := opts.Policy
	if policy == nil {
		policy = LastWriterWins{}
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 20 * debounce
	}
	maxDelay = max(maxDelay, debounce)
	ctx, cancel := context.WithCancel(context.Background())
	r := &MergeResolver{
		page:      page,
		log:       log.With("page", page.ID()),
		telemetry: telemetry.OrNop(opts.Telemetry),
		policy:    policy,
		debounce:  debounce,
		maxDelay:  maxDelay,
		ctx:       ctx,
		cancel:    cancel,
	}
	page.AddCommitWatcher(r)
	r.schedule()
	return r
}

// OnNewCommits restarts the debounce window, up to MaxDelay after the
// window opened.
func (r *MergeResolver) OnNewCommits(commits []*Commit, source ChangeSource) {
	r.schedule()
}

func (r *MergeResolver) schedule() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.closed {
		return
	}
	now := time.Now()
	if r.waitingSince.IsZero() {
		r.waitingSince = now
	}
	delay := min(r.debounce, r.waitingSince.Add(r.maxDelay).Sub(now))
	delay = max(delay, 0)
	if r.timer != nil {
		r.timer.Reset(delay)
		return
	}
	r.timer = time.AfterFunc(delay, func() {
		r.timerMu.Lock()
		r.waitingSince = time.Time{}
		r.timerMu.Unlock()
		if err := r.ResolveNow(r.ctx); err != nil && r.ctx.Err() == nil {
			r.log.Warnw("Merge left heads divergent", "error", err)
		}
	})
}

// Close stops the resolver. A merge in progress is cancelled.
func (r *MergeResolver) Close() {
	r.timerMu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerMu.Unlock()
	r.cancel()
	r.page.RemoveCommitWatcher(r)
	// Wait for a running merge to observe the cancellation.
	r.mu.Lock()
	r.mu.Unlock()
}

// ResolveNow merges heads pairwise, lowest (generation, id) first, until one
// head remains. On failure the heads are left as they were.
func (r *MergeResolver) ResolveNow(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		heads, err := r.page.GetHeads(ctx)
		if err != nil {
			return err
		}
		if len(heads) < 2 {
			return nil
		}
		left, right := heads[0], heads[1]
		merged, err := r.merge(ctx, left, right)
		if ids := MissingCommitIDs(err); ids != nil {
			r.log.Infow("Merge waiting for ancestors", "missing", len(ids))
			if ferr := r.page.FetchCommits(ctx, ids); ferr != nil {
				return errors.CombineErrors(err, ferr)
			}
			return err
		}
		if err != nil {
			return errors.Wrapf(err, "merge %s and %s", left, right)
		}
		r.telemetry.Report(telemetry.CommitsMerged, r.page.ID())
		r.log.Infow("Merged heads", "left", left.String(), "right", right.String(), "commit", merged.String())
	}
}

func (r *MergeResolver) merge(ctx context.Context, left, right *Commit) (*Commit, error) {
	lca, err := r.page.Commits().LCA(ctx, left.ID, right.ID)
	if err != nil {
		return nil, err
	}
	base, err := r.page.GetEntries(ctx, lca)
	if err != nil {
		return nil, err
	}
	leftEntries, err := r.page.GetEntries(ctx, left)
	if err != nil {
		return nil, err
	}
	rightEntries, err := r.page.GetEntries(ctx, right)
	if err != nil {
		return nil, err
	}
	leftChanges := make(map[string]*Entry)
	for _, c := range Diff(base, leftEntries) {
		leftChanges[c.Key] = c.Entry
	}

	j, err := r.page.StartMergeJournal(ctx, left, right)
	if err != nil {
		return nil, err
	}
	for _, rc := range Diff(base, rightEntries) {
		result := rc.Entry
		if lc, changed := leftChanges[rc.Key]; changed {
			if sameEntry(lc, rc.Entry) {
				continue
			}
			var baseEntry *Entry
			if e, ok := findEntry(base, rc.Key); ok {
				baseEntry = &e
			}
			result, err = r.policy.Resolve(ctx, rc.Key,
				baseEntry, MergeSide{Commit: left, Entry: lc}, MergeSide{Commit: right, Entry: rc.Entry})
			if err != nil {
				_ = j.Rollback()
				return nil, errors.Wrapf(err, "resolve %q", rc.Key)
			}
			if sameEntry(result, lc) {
				continue
			}
		}
		if result == nil {
			err = j.Delete(rc.Key)
		} else {
			err = j.Put(rc.Key, result.Object, result.Priority)
		}
		if err != nil {
			_ = j.Rollback()
			return nil, err
		}
	}
	return j.Commit(ctx)
}

func sameEntry(a, b *Entry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
