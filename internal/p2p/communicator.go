package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/dag"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultPrefetchSize   = 256
)

// Options configures a LedgerCommunicator.
type Options struct {
	Logger *zap.SugaredLogger
	// RequestTimeout bounds each request to one device.
	RequestTimeout time.Duration
	// PrefetchSize is how many pushed objects each page keeps until the
	// commits referencing them are inserted.
	PrefetchSize int
}

// LedgerCommunicator multiplexes the pages of one ledger over a Mesh.
type LedgerCommunicator struct {
	ledger  string
	mesh    Mesh
	log     *zap.SugaredLogger
	timeout time.Duration
	cache   int

	mu     sync.Mutex
	pages  map[string]*PageCommunicator
	closed bool
}

var _ MeshHandler = (*LedgerCommunicator)(nil)

// NewLedgerCommunicator takes over mesh's handler.
func NewLedgerCommunicator(mesh Mesh, ledger string, opts Options) *LedgerCommunicator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	cache := opts.PrefetchSize
	if cache <= 0 {
		cache = defaultPrefetchSize
	}
	l := &LedgerCommunicator{
		ledger:  ledger,
		mesh:    mesh,
		log:     log.With("ledger", ledger),
		timeout: timeout,
		cache:   cache,
		pages:   make(map[string]*PageCommunicator),
	}
	mesh.SetHandler(l)
	return l
}

// AddPage starts exchanging page with the connected devices and returns its
// communicator, which is also a sync delegate for the page.
func (l *LedgerCommunicator) AddPage(page *dag.PageStorage) (*PageCommunicator, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errors.Mark(errors.New("communicator closed"), dag.ErrInternal)
	}
	if pc, ok := l.pages[page.ID()]; ok {
		l.mu.Unlock()
		return pc, nil
	}
	pc, err := newPageCommunicator(l, page)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.pages[page.ID()] = pc
	l.mu.Unlock()

	pc.start(l.mesh.Devices())
	return pc, nil
}

// RemovePage stops exchanging page. Watching devices are told to stop.
func (l *LedgerCommunicator) RemovePage(id string) {
	l.mu.Lock()
	pc, ok := l.pages[id]
	delete(l.pages, id)
	l.mu.Unlock()
	if ok {
		pc.close()
	}
}

// Close stops every page. The mesh stays open.
func (l *LedgerCommunicator) Close() {
	l.mu.Lock()
	l.closed = true
	pages := l.pages
	l.pages = make(map[string]*PageCommunicator)
	l.mu.Unlock()
	for _, pc := range pages {
		pc.close()
	}
}

func (l *LedgerCommunicator) page(id string) *PageCommunicator {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pages[id]
}

func (l *LedgerCommunicator) allPages() []*PageCommunicator {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*PageCommunicator, 0, len(l.pages))
	for _, pc := range l.pages {
		out = append(out, pc)
	}
	return out
}

func (l *LedgerCommunicator) OnDeviceJoined(device DeviceID) {
	l.log.Infow("Device joined", "device", device)
	for _, pc := range l.allPages() {
		pc.announce(device)
	}
}

func (l *LedgerCommunicator) OnDeviceLeft(device DeviceID) {
	l.log.Infow("Device left", "device", device)
	for _, pc := range l.allPages() {
		pc.deviceLeft(device)
	}
}

func (l *LedgerCommunicator) OnMessage(from DeviceID, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		l.log.Warnw("Dropped malformed message", "device", from, "error", err)
		return
	}
	if env.Ledger != l.ledger {
		return
	}
	pc := l.page(env.Page)
	if pc == nil {
		l.log.Debugw("Message for a page that is not open", "device", from, "page", env.Page, "type", env.Type)
		return
	}
	pc.handle(from, env)
}

func (l *LedgerCommunicator) send(ctx context.Context, to DeviceID, env *Envelope) error {
	env.Ledger = l.ledger
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return l.mesh.Send(ctx, to, data)
}
