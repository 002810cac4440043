package dag

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultPendingLimit = 1024
	defaultPendingTTL   = 5 * time.Minute
)

type inboundCommit struct {
	commit *Commit
	source ChangeSource
}

type pendingEntry struct {
	inboundCommit
	added time.Time
}

// pendingCommits holds commits received before their parents. It is bounded
// by count and by age; whatever leaves it without being inserted is reported
// through dropped.
type pendingCommits struct {
	ttl     time.Duration
	clock   func() time.Time
	dropped func(n int)

	mu      sync.Mutex
	limit   int
	entries *lru.Cache[CommitID, pendingEntry]
	timer   *time.Timer
	stopped bool
}

func newPendingCommits(limit int, ttl time.Duration, clock func() time.Time, dropped func(n int)) *pendingCommits {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	// Eviction is done by hand in add so it can be reported.
	entries, err := lru.New[CommitID, pendingEntry](limit + 1)
	if err != nil {
		panic("dag: pending buffer: " + err.Error())
	}
	return &pendingCommits{
		ttl:     ttl,
		clock:   clock,
		dropped: dropped,
		limit:   limit,
		entries: entries,
	}
}

// add buffers commits and reports how many were new to the buffer.
func (b *pendingCommits) add(commits []inboundCommit) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return 0
	}
	now := b.clock()
	added, evicted := 0, 0
	for _, in := range commits {
		if b.entries.Contains(in.commit.ID) {
			continue
		}
		for b.entries.Len() >= b.limit {
			b.entries.RemoveOldest()
			evicted++
		}
		b.entries.Add(in.commit.ID, pendingEntry{inboundCommit: in, added: now})
		added++
	}
	evicted += b.expireLocked(now)
	b.scheduleLocked()
	if evicted > 0 {
		go b.dropped(evicted)
	}
	return added
}

// release removes and returns buffered commits for which known reports
// every parent present.
func (b *pendingCommits) release(known func(CommitID) bool) []inboundCommit {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []inboundCommit
	for _, id := range b.entries.Keys() {
		e, ok := b.entries.Peek(id)
		if !ok {
			continue
		}
		ready := true
		for _, p := range e.commit.ParentIDs {
			if !known(p) {
				ready = false
				break
			}
		}
		if ready {
			b.entries.Remove(id)
			out = append(out, e.inboundCommit)
		}
	}
	return out
}

// missingParents lists parents of buffered commits that are neither known
// nor buffered themselves.
func (b *pendingCommits) missingParents(known func(CommitID) bool) []CommitID {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[CommitID]bool)
	var out []CommitID
	for _, id := range b.entries.Keys() {
		e, ok := b.entries.Peek(id)
		if !ok {
			continue
		}
		for _, p := range e.commit.ParentIDs {
			if seen[p] || b.entries.Contains(p) || known(p) {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (b *pendingCommits) len() int {
	return b.entries.Len()
}

func (b *pendingCommits) expireLocked(now time.Time) int {
	n := 0
	for {
		_, e, ok := b.entries.GetOldest()
		if !ok || now.Sub(e.added) < b.ttl {
			return n
		}
		b.entries.RemoveOldest()
		n++
	}
}

func (b *pendingCommits) scheduleLocked() {
	if b.timer != nil || b.entries.Len() == 0 || b.stopped {
		return
	}
	b.timer = time.AfterFunc(b.ttl, b.sweep)
}

func (b *pendingCommits) sweep() {
	b.mu.Lock()
	b.timer = nil
	n := b.expireLocked(b.clock())
	b.scheduleLocked()
	b.mu.Unlock()
	if n > 0 {
		b.dropped(n)
	}
}

func (b *pendingCommits) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
