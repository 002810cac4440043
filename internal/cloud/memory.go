package cloud

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/systemshift/pagesync/internal/dag"
)

// MemoryProvider is an in-process Provider shared by every device of a
// test. Watchers are notified on their own goroutine, the way a network
// provider would.
type MemoryProvider struct {
	mu           sync.Mutex
	token        string
	fingerprints map[string]bool
	pages        map[string]*memoryPage
	failNext     int
	failErr      error
	calls        map[string]int
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider returns an empty provider that accepts any token.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		fingerprints: make(map[string]bool),
		pages:        make(map[string]*memoryPage),
		calls:        make(map[string]int),
	}
}

// RequireToken makes every call fail with dag.ErrAuthentication unless it
// carries token.
func (m *MemoryProvider) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// FailNext makes the next n calls return err.
func (m *MemoryProvider) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// Calls reports how many times op was called, failed calls included.
func (m *MemoryProvider) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// CommitCount reports how many commits a page's remote log holds.
func (m *MemoryProvider) CommitCount(ledger, page string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[ledger+"/"+page]
	if !ok {
		return 0
	}
	return len(p.log)
}

// enter records op and returns the injected or authentication failure, if
// any. Must hold mu.
func (m *MemoryProvider) enter(op, auth string) error {
	m.calls[op]++
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	if m.token != "" && auth != m.token {
		return errors.Mark(errors.Newf("%s: bad token", op), dag.ErrAuthentication)
	}
	return nil
}

func (m *MemoryProvider) GetDeviceSet(ctx context.Context) (DeviceSet, error) {
	return memoryDevices{m}, nil
}

func (m *MemoryProvider) GetPageCloud(ctx context.Context, ledger, page string) (PageCloud, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ledger + "/" + page
	p, ok := m.pages[key]
	if !ok {
		p = &memoryPage{
			m:        m,
			known:    make(map[dag.CommitID]bool),
			objects:  make(map[string][]byte),
			watchers: make(map[*memoryPageCloud]Watcher),
		}
		m.pages[key] = p
	}
	return &memoryPageCloud{memoryPage: p}, nil
}

func (m *MemoryProvider) EraseAllData(ctx context.Context, auth string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("EraseAllData", auth); err != nil {
		return err
	}
	m.fingerprints = make(map[string]bool)
	for _, p := range m.pages {
		p.log = nil
		p.known = make(map[dag.CommitID]bool)
		p.objects = make(map[string][]byte)
	}
	return nil
}

type memoryDevices struct {
	m *MemoryProvider
}

func (d memoryDevices) CheckFingerprint(ctx context.Context, auth, fingerprint string) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	if err := d.m.enter("CheckFingerprint", auth); err != nil {
		return err
	}
	if !d.m.fingerprints[fingerprint] {
		return errors.Mark(errors.Newf("fingerprint %s", fingerprint), dag.ErrNotFound)
	}
	return nil
}

func (d memoryDevices) SetFingerprint(ctx context.Context, auth, fingerprint string) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	if err := d.m.enter("SetFingerprint", auth); err != nil {
		return err
	}
	d.m.fingerprints[fingerprint] = true
	return nil
}

type memoryPage struct {
	m        *MemoryProvider
	log      [][]byte
	known    map[dag.CommitID]bool
	objects  map[string][]byte
	watchers map[*memoryPageCloud]Watcher
}

// memoryPageCloud is one device's handle on a shared page, so each device
// keeps its own watcher.
type memoryPageCloud struct {
	*memoryPage
}

func parsePosition(pos Position) (int, error) {
	if pos == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(string(pos))
	if err != nil || n < 0 {
		return 0, errors.Mark(errors.Newf("bad position %q", pos), dag.ErrInternal)
	}
	return n, nil
}

func (p *memoryPage) AddCommits(ctx context.Context, auth string, commits [][]byte) error {
	p.m.mu.Lock()
	if err := p.m.enter("AddCommits", auth); err != nil {
		p.m.mu.Unlock()
		return err
	}
	var added [][]byte
	for _, data := range commits {
		c, err := dag.DecodeCommit(data)
		if err != nil {
			p.m.mu.Unlock()
			return errors.Mark(err, dag.ErrInternal)
		}
		if p.known[c.ID] {
			continue
		}
		p.known[c.ID] = true
		data = bytes.Clone(data)
		p.log = append(p.log, data)
		added = append(added, data)
	}
	var watchers []Watcher
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	next := Position(strconv.Itoa(len(p.log)))
	p.m.mu.Unlock()

	if len(added) > 0 {
		for _, w := range watchers {
			go w.OnNewCommits(added, next)
		}
	}
	return nil
}

func (p *memoryPage) GetCommits(ctx context.Context, auth string, after Position) ([][]byte, Position, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.enter("GetCommits", auth); err != nil {
		return nil, "", err
	}
	n, err := parsePosition(after)
	if err != nil {
		return nil, "", err
	}
	if n > len(p.log) {
		n = len(p.log)
	}
	out := make([][]byte, 0, len(p.log)-n)
	for _, data := range p.log[n:] {
		out = append(out, bytes.Clone(data))
	}
	return out, Position(strconv.Itoa(len(p.log))), nil
}

func (p *memoryPage) AddObjects(ctx context.Context, auth string, objects []Object) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.enter("AddObjects", auth); err != nil {
		return err
	}
	for _, o := range objects {
		p.objects[o.ID.Digest.KeyString()] = bytes.Clone(o.Data)
	}
	return nil
}

func (p *memoryPage) GetObject(ctx context.Context, auth string, id dag.ObjectIdentifier) (int64, io.ReadCloser, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.enter("GetObject", auth); err != nil {
		return 0, nil, err
	}
	data, ok := p.objects[id.Digest.KeyString()]
	if !ok {
		return 0, nil, errors.Mark(errors.Newf("object %s", id), dag.ErrNotFound)
	}
	return int64(len(data)), io.NopCloser(bytes.NewReader(data)), nil
}

func (h *memoryPageCloud) SetWatcher(ctx context.Context, auth string, after Position, w Watcher) error {
	p := h.memoryPage
	p.m.mu.Lock()
	if err := p.m.enter("SetWatcher", auth); err != nil {
		p.m.mu.Unlock()
		return err
	}
	n, err := parsePosition(after)
	if err != nil {
		p.m.mu.Unlock()
		return err
	}
	if w == nil {
		delete(p.watchers, h)
	} else {
		p.watchers[h] = w
	}
	var missed [][]byte
	if n < len(p.log) {
		missed = append(missed, p.log[n:]...)
	}
	next := Position(strconv.Itoa(len(p.log)))
	p.m.mu.Unlock()

	if w != nil && len(missed) > 0 {
		go w.OnNewCommits(missed, next)
	}
	return nil
}
