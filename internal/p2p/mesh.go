package p2p

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/systemshift/pagesync/internal/dag"
	"github.com/systemshift/pagesync/internal/queue"
)

// DeviceID names a connected device.
type DeviceID string

// MeshHandler receives mesh events. Calls for one device arrive in order,
// and a handler must not block: replies it waits for arrive through the
// same handler.
type MeshHandler interface {
	OnDeviceJoined(device DeviceID)
	OnDeviceLeft(device DeviceID)
	OnMessage(from DeviceID, data []byte)
}

// Mesh is the transport between devices. Send fails with dag.ErrNetwork
// when the device is not connected.
type Mesh interface {
	Send(ctx context.Context, to DeviceID, data []byte) error
	SetHandler(h MeshHandler)
	// Devices lists the connected devices, sorted.
	Devices() []DeviceID
	Close() error
}

func notConnected(d DeviceID) error {
	return errors.Mark(errors.Newf("device %s is not connected", d), dag.ErrNetwork)
}

// MemoryNetwork connects MemoryMeshes in one process.
type MemoryNetwork struct {
	mu     sync.Mutex
	meshes map[DeviceID]*MemoryMesh
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{meshes: make(map[DeviceID]*MemoryMesh)}
}

// Join adds a device and announces it to the devices already present.
func (n *MemoryNetwork) Join(id DeviceID) *MemoryMesh {
	m := &MemoryMesh{
		id:    id,
		net:   n,
		inbox: queue.NewSerial(),
	}
	n.mu.Lock()
	others := n.snapshotLocked()
	n.meshes[id] = m
	n.mu.Unlock()
	for _, o := range others {
		o.deliver(func(h MeshHandler) { h.OnDeviceJoined(id) })
	}
	return m
}

func (n *MemoryNetwork) snapshotLocked() []*MemoryMesh {
	out := make([]*MemoryMesh, 0, len(n.meshes))
	for _, m := range n.meshes {
		out = append(out, m)
	}
	return out
}

func (n *MemoryNetwork) leave(id DeviceID) {
	n.mu.Lock()
	delete(n.meshes, id)
	others := n.snapshotLocked()
	n.mu.Unlock()
	for _, o := range others {
		o.deliver(func(h MeshHandler) { h.OnDeviceLeft(id) })
	}
}

// MemoryMesh is one device's view of a MemoryNetwork. Deliveries run on the
// device's own serial queue.
type MemoryMesh struct {
	id    DeviceID
	net   *MemoryNetwork
	inbox *queue.Serial

	mu      sync.Mutex
	handler MeshHandler
	closed  bool
}

var _ Mesh = (*MemoryMesh)(nil)

// ID returns the device's id.
func (m *MemoryMesh) ID() DeviceID {
	return m.id
}

func (m *MemoryMesh) deliver(fn func(MeshHandler)) {
	m.inbox.Post(func() {
		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h != nil {
			fn(h)
		}
	})
}

func (m *MemoryMesh) SetHandler(h MeshHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *MemoryMesh) Send(ctx context.Context, to DeviceID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.net.mu.Lock()
	target, ok := m.net.meshes[to]
	_, self := m.net.meshes[m.id]
	m.net.mu.Unlock()
	if !ok || !self {
		return notConnected(to)
	}
	msg := append([]byte(nil), data...)
	from := m.id
	target.deliver(func(h MeshHandler) { h.OnMessage(from, msg) })
	return nil
}

func (m *MemoryMesh) Devices() []DeviceID {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if _, ok := m.net.meshes[m.id]; !ok {
		return nil
	}
	out := make([]DeviceID, 0, len(m.net.meshes))
	for id := range m.net.meshes {
		if id != m.id {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close leaves the network. The other devices see OnDeviceLeft.
func (m *MemoryMesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.net.leave(m.id)
	m.inbox.Close()
	return nil
}
