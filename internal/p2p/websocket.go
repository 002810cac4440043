package p2p

import (
	"context"
	"crypto/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/codec"
	"github.com/systemshift/pagesync/internal/dag"
	"github.com/systemshift/pagesync/internal/identity"
)

// WebsocketOptions configures a WebsocketMesh.
type WebsocketOptions struct {
	Logger *zap.SugaredLogger
	// Peers are ws:// URLs dialed and kept connected.
	Peers []string
	// Allowed restricts connections to these device DIDs. Empty allows any
	// device that proves its key.
	Allowed []string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	RedialMax        time.Duration
	// MaxMessageSize bounds one incoming message. A larger message drops
	// the connection.
	MaxMessageSize int64
}

func (o *WebsocketOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.RedialMax <= 0 {
		o.RedialMax = time.Minute
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = dag.MaxObjectSize + 1<<20
	}
}

const handshakeDomain = "pagesync-handshake/v2"

// hello opens the handshake; proof signs the transcript.
type hello struct {
	DID   string `cbor:"d"`
	Nonce []byte `cbor:"n"`
}

type proof struct {
	Sig []byte `cbor:"s"`
}

// transcript is what each side signs: both identities, both nonces and
// which end of the connection the signer is.
type transcript struct {
	Domain        string `cbor:"dom"`
	Dialer        bool   `cbor:"dial"`
	Signer        string `cbor:"s"`
	Verifier      string `cbor:"v"`
	SignerNonce   []byte `cbor:"sn"`
	VerifierNonce []byte `cbor:"vn"`
}

func handshakeTranscript(dialer bool, signer, verifier string, signerNonce, verifierNonce []byte) ([]byte, error) {
	data, err := codec.Marshal(transcript{
		Domain:        handshakeDomain,
		Dialer:        dialer,
		Signer:        signer,
		Verifier:      verifier,
		SignerNonce:   signerNonce,
		VerifierNonce: verifierNonce,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode transcript")
	}
	return data, nil
}

// WebsocketMesh connects devices over websockets. Each side proves it holds
// the key of its did:key identity by signing the other side's nonce, and
// the DID becomes the DeviceID.
type WebsocketMesh struct {
	id   *identity.Identity
	opts WebsocketOptions
	log  *zap.SugaredLogger

	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	handler MeshHandler
	conns   map[DeviceID]*wsConn
	closed  bool
}

var _ Mesh = (*WebsocketMesh)(nil)

type wsConn struct {
	device   DeviceID
	ws       *websocket.Conn
	outbound bool
	writeMu  sync.Mutex
}

// NewWebsocketMesh creates a mesh for the device holding id. Call Start to
// dial the configured peers and mount Handler to accept connections.
func NewWebsocketMesh(id *identity.Identity, opts WebsocketOptions) *WebsocketMesh {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &WebsocketMesh{
		id:       id,
		opts:     opts,
		log:      opts.Logger.With("device", id.DID),
		upgrader: websocket.Upgrader{HandshakeTimeout: opts.HandshakeTimeout},
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[DeviceID]*wsConn),
	}
}

// ID returns this device's id.
func (m *WebsocketMesh) ID() DeviceID {
	return DeviceID(m.id.DID)
}

// Start keeps a connection open to every configured peer.
func (m *WebsocketMesh) Start() {
	for _, url := range m.opts.Peers {
		m.wg.Add(1)
		go m.maintain(url)
	}
}

// Handler accepts incoming device connections.
func (m *WebsocketMesh) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.log.Warnw("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		device, err := m.handshake(ws, false)
		if err != nil {
			m.log.Warnw("Handshake failed", "remote_addr", r.RemoteAddr, "error", err)
			ws.Close()
			return
		}
		m.run(device, ws, false)
	})
}

// Dial connects to url once and serves the connection until it drops.
func (m *WebsocketMesh) Dial(ctx context.Context, url string) error {
	ws, err := m.dial(ctx, url)
	if err != nil {
		return err
	}
	device, err := m.handshake(ws, true)
	if err != nil {
		ws.Close()
		return err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(device, ws, true)
	}()
	return nil
}

func (m *WebsocketMesh) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "dial %s", url), dag.ErrNetwork)
	}
	return ws, nil
}

// maintain redials url with exponential backoff whenever the connection is
// down.
func (m *WebsocketMesh) maintain(url string) {
	defer m.wg.Done()
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = m.opts.RedialMax
	b.MaxElapsedTime = 0
	for m.ctx.Err() == nil {
		ws, err := m.dial(m.ctx, url)
		if err == nil {
			var device DeviceID
			device, err = m.handshake(ws, true)
			if err == nil {
				b.Reset()
				m.run(device, ws, true)
			} else {
				ws.Close()
			}
		}
		if err != nil {
			m.log.Debugw("Peer connection failed", "url", url, "error", err)
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

// handshake exchanges hellos and proofs and returns the verified peer.
// outbound is true on the dialing side.
func (m *WebsocketMesh) handshake(ws *websocket.Conn, outbound bool) (DeviceID, error) {
	ws.SetReadLimit(m.opts.MaxMessageSize)
	deadline := time.Now().Add(m.opts.HandshakeTimeout)
	ws.SetReadDeadline(deadline)
	ws.SetWriteDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})
	defer ws.SetWriteDeadline(time.Time{})

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "nonce")
	}
	if err := writeCBOR(ws, hello{DID: m.id.DID, Nonce: nonce}); err != nil {
		return "", err
	}
	var theirs hello
	if err := readCBOR(ws, &theirs); err != nil {
		return "", err
	}
	if theirs.DID == m.id.DID {
		return "", errors.Mark(errors.New("connected to self"), dag.ErrNetwork)
	}
	if !m.allowed(theirs.DID) {
		return "", errors.Mark(errors.Newf("device %s is not allowed", theirs.DID), dag.ErrAuthentication)
	}
	mine, err := handshakeTranscript(outbound, m.id.DID, theirs.DID, nonce, theirs.Nonce)
	if err != nil {
		return "", err
	}
	sig, err := m.id.Sign(mine)
	if err != nil {
		return "", err
	}
	if err := writeCBOR(ws, proof{Sig: sig}); err != nil {
		return "", err
	}
	var p proof
	if err := readCBOR(ws, &p); err != nil {
		return "", err
	}
	peer, err := handshakeTranscript(!outbound, theirs.DID, m.id.DID, theirs.Nonce, nonce)
	if err != nil {
		return "", err
	}
	if err := identity.Verify(theirs.DID, peer, p.Sig); err != nil {
		return "", errors.Mark(errors.Wrapf(err, "device %s", theirs.DID), dag.ErrAuthentication)
	}
	return DeviceID(theirs.DID), nil
}

func (m *WebsocketMesh) allowed(did string) bool {
	if len(m.opts.Allowed) == 0 {
		return true
	}
	for _, a := range m.opts.Allowed {
		if a == did {
			return true
		}
	}
	return false
}

func writeCBOR(ws *websocket.Conn, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode handshake")
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Mark(errors.Wrap(err, "write handshake"), dag.ErrNetwork)
	}
	return nil
}

func readCBOR(ws *websocket.Conn, v any) error {
	kind, data, err := ws.ReadMessage()
	if err != nil {
		return errors.Mark(errors.Wrap(err, "read handshake"), dag.ErrNetwork)
	}
	if kind != websocket.BinaryMessage {
		return errors.Mark(errors.Newf("unexpected frame type %d", kind), dag.ErrNetwork)
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode handshake"), dag.ErrAuthentication)
	}
	return nil
}

// preferred reports whether c is the connection both ends keep when two
// devices dial each other at once: the one dialed by the smaller DID.
func (m *WebsocketMesh) preferred(c *wsConn) bool {
	smaller := DeviceID(m.id.DID) < c.device
	return c.outbound == smaller
}

// run registers the connection and reads from it until it drops. A second
// connection to the same device replaces the first unless the first is the
// preferred one.
func (m *WebsocketMesh) run(device DeviceID, ws *websocket.Conn, outbound bool) {
	c := &wsConn{device: device, ws: ws, outbound: outbound}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ws.Close()
		return
	}
	old := m.conns[device]
	if old != nil && m.preferred(old) && !m.preferred(c) {
		m.mu.Unlock()
		ws.Close()
		return
	}
	m.conns[device] = c
	h := m.handler
	m.mu.Unlock()
	if old != nil {
		old.ws.Close()
	}
	m.log.Infow("Device connected", "peer", device)
	if h != nil && old == nil {
		h.OnDeviceJoined(device)
	}

	stop := make(chan struct{})
	defer close(stop)
	go m.ping(c, stop)

	pongWait := 3 * m.opts.PingInterval
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			m.log.Debugw("Connection closed", "peer", device, "error", err)
			break
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.BinaryMessage {
			continue
		}
		if h := m.currentHandler(); h != nil {
			h.OnMessage(device, data)
		}
	}

	ws.Close()
	m.mu.Lock()
	current := m.conns[device] == c
	if current {
		delete(m.conns, device)
	}
	h = m.handler
	m.mu.Unlock()
	if current && h != nil {
		h.OnDeviceLeft(device)
	}
}

func (m *WebsocketMesh) ping(c *wsConn, stop <-chan struct{}) {
	t := time.NewTicker(m.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.ws.Close()
				return
			}
		}
	}
}

func (m *WebsocketMesh) currentHandler() MeshHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func (m *WebsocketMesh) SetHandler(h MeshHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *WebsocketMesh) Send(ctx context.Context, to DeviceID, data []byte) error {
	m.mu.Lock()
	c := m.conns[to]
	m.mu.Unlock()
	if c == nil {
		return notConnected(to)
	}
	deadline := time.Now().Add(m.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.ws.Close()
		return errors.Mark(errors.Wrapf(err, "send to %s", to), dag.ErrNetwork)
	}
	return nil
}

func (m *WebsocketMesh) Devices() []DeviceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceID, 0, len(m.conns))
	for d := range m.conns {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close drops every connection and stops redialing.
func (m *WebsocketMesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*wsConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	m.cancel()
	for _, c := range conns {
		c.ws.Close()
	}
	m.wg.Wait()
	return nil
}
