package cloud

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/codec"
	"github.com/systemshift/pagesync/internal/dag"
)

// KuboOptions configures a KuboProvider.
type KuboOptions struct {
	// APIURL is the Kubo RPC endpoint, e.g. http://127.0.0.1:5001/api/v0.
	APIURL string
	// Key names the keystore key whose IPNS name holds this device's data.
	// It is created on first use.
	Key string
	// Peers are the IPNS names of the user's other devices.
	Peers  []string
	Logger *zap.SugaredLogger
}

// KuboProvider stores each device's uploads in IPFS under the device's own
// IPNS name and reads the other devices' names to download.
//
// The IPNS record points at a root manifest listing one page manifest per
// page. A page manifest lists the uploaded commits in order and maps object
// digests to the IPFS files holding them. Kubo has no push notification, so
// SetWatcher never calls back and PageSync relies on polling.
type KuboProvider struct {
	client *KuboClient
	key    string
	peers  []string
	log    *zap.SugaredLogger

	// mu serializes updates of this device's root.
	mu   sync.Mutex
	self string
	root *kuboRoot
}

var _ Provider = (*KuboProvider)(nil)

type kuboRoot struct {
	Fingerprint string            `json:"fingerprint,omitempty"`
	Pages       map[string]string `json:"pages"`
}

type kuboCommit struct {
	ID  string `json:"id"`
	CID string `json:"cid"`
}

type kuboPageManifest struct {
	Commits []kuboCommit      `json:"commits"`
	Objects map[string]string `json:"objects"`
}

// NewKuboProvider creates a provider. Nothing is contacted until first use.
func NewKuboProvider(opts KuboOptions) *KuboProvider {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	key := opts.Key
	if key == "" {
		key = "pagesync"
	}
	return &KuboProvider{
		client: NewKuboClient(opts.APIURL),
		key:    key,
		peers:  opts.Peers,
		log:    log,
	}
}

// loadRoot resolves this device's root manifest, creating the IPNS key if
// needed. Must hold mu.
func (p *KuboProvider) loadRoot(ctx context.Context, c *KuboClient) (*kuboRoot, error) {
	if p.root != nil {
		return p.root, nil
	}
	if p.self == "" {
		keys, err := c.KeyList(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if k.Name == p.key {
				p.self = k.ID
			}
		}
		if p.self == "" {
			info, err := c.KeyGen(ctx, p.key)
			if err != nil {
				return nil, err
			}
			p.self = info.ID
			p.log.Infow("Created IPNS key", "key", p.key, "name", info.ID)
		}
	}
	root, err := p.readRoot(ctx, c, p.self)
	if err != nil {
		return nil, err
	}
	p.root = root
	return root, nil
}

// readRoot fetches the root manifest published under name. A name that was
// never published has an empty root.
func (p *KuboProvider) readRoot(ctx context.Context, c *KuboClient, name string) (*kuboRoot, error) {
	root := &kuboRoot{Pages: make(map[string]string)}
	cid, err := c.NameResolve(ctx, "/ipns/"+name)
	if errors.Is(err, dag.ErrNotFound) {
		return root, nil
	}
	if err != nil {
		return nil, err
	}
	if err := p.readJSON(ctx, c, cid, root); err != nil {
		return nil, err
	}
	if root.Pages == nil {
		root.Pages = make(map[string]string)
	}
	return root, nil
}

func (p *KuboProvider) readJSON(ctx context.Context, c *KuboClient, cid string, v any) error {
	data, err := c.CatBytes(ctx, cid)
	if err != nil {
		return err
	}
	if err := codec.DecodeJSON(data, v); err != nil {
		return errors.Mark(errors.Wrapf(err, "manifest %s", cid), dag.ErrInternal)
	}
	return nil
}

func (p *KuboProvider) addJSON(ctx context.Context, c *KuboClient, v any) (string, error) {
	data, err := codec.EncodeJSON(v)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "encode manifest"), dag.ErrInternal)
	}
	return c.Add(ctx, data)
}

// publish stores root and points this device's IPNS name at it. Must hold
// mu.
func (p *KuboProvider) publish(ctx context.Context, c *KuboClient, root *kuboRoot) error {
	cid, err := p.addJSON(ctx, c, root)
	if err != nil {
		return err
	}
	if err := c.NamePublish(ctx, cid, p.key); err != nil {
		return err
	}
	p.root = root
	return nil
}

func (p *KuboProvider) pageManifest(ctx context.Context, c *KuboClient, root *kuboRoot, page string) (*kuboPageManifest, error) {
	m := &kuboPageManifest{Objects: make(map[string]string)}
	cid, ok := root.Pages[page]
	if !ok {
		return m, nil
	}
	if err := p.readJSON(ctx, c, cid, m); err != nil {
		return nil, err
	}
	if m.Objects == nil {
		m.Objects = make(map[string]string)
	}
	return m, nil
}

// updatePage applies fn to this device's manifest of page and publishes the
// result if fn reports a change.
func (p *KuboProvider) updatePage(ctx context.Context, auth, page string, fn func(*kuboPageManifest) (bool, error)) error {
	c := p.client.WithToken(auth)
	p.mu.Lock()
	defer p.mu.Unlock()
	root, err := p.loadRoot(ctx, c)
	if err != nil {
		return err
	}
	m, err := p.pageManifest(ctx, c, root, page)
	if err != nil {
		return err
	}
	changed, err := fn(m)
	if err != nil || !changed {
		return err
	}
	cid, err := p.addJSON(ctx, c, m)
	if err != nil {
		return err
	}
	next := &kuboRoot{Fingerprint: root.Fingerprint, Pages: make(map[string]string, len(root.Pages)+1)}
	for k, v := range root.Pages {
		next.Pages[k] = v
	}
	next.Pages[page] = cid
	return p.publish(ctx, c, next)
}

// devices returns every device's root: this device first, then the peers
// in configuration order.
func (p *KuboProvider) devices(ctx context.Context, c *KuboClient) ([]string, []*kuboRoot, error) {
	p.mu.Lock()
	own, err := p.loadRoot(ctx, c)
	self := p.self
	p.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	names := []string{self}
	roots := []*kuboRoot{own}
	for _, peer := range p.peers {
		root, err := p.readRoot(ctx, c, peer)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "device %s", peer)
		}
		names = append(names, peer)
		roots = append(roots, root)
	}
	return names, roots, nil
}

func (p *KuboProvider) GetDeviceSet(ctx context.Context) (DeviceSet, error) {
	return kuboDevices{p}, nil
}

func (p *KuboProvider) GetPageCloud(ctx context.Context, ledger, page string) (PageCloud, error) {
	return &kuboPage{p: p, page: ledger + "/" + page}, nil
}

// EraseAllData publishes an empty root for this device. Peer devices keep
// their own data until they erase it.
func (p *KuboProvider) EraseAllData(ctx context.Context, auth string) error {
	c := p.client.WithToken(auth)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.loadRoot(ctx, c); err != nil {
		return err
	}
	return p.publish(ctx, c, &kuboRoot{Pages: make(map[string]string)})
}

type kuboDevices struct {
	p *KuboProvider
}

func (d kuboDevices) CheckFingerprint(ctx context.Context, auth, fingerprint string) error {
	c := d.p.client.WithToken(auth)
	d.p.mu.Lock()
	defer d.p.mu.Unlock()
	root, err := d.p.loadRoot(ctx, c)
	if err != nil {
		return err
	}
	if root.Fingerprint != fingerprint {
		return errors.Mark(errors.Newf("fingerprint %s", fingerprint), dag.ErrNotFound)
	}
	return nil
}

func (d kuboDevices) SetFingerprint(ctx context.Context, auth, fingerprint string) error {
	c := d.p.client.WithToken(auth)
	d.p.mu.Lock()
	defer d.p.mu.Unlock()
	root, err := d.p.loadRoot(ctx, c)
	if err != nil {
		return err
	}
	next := &kuboRoot{Fingerprint: fingerprint, Pages: root.Pages}
	return d.p.publish(ctx, c, next)
}

type kuboPage struct {
	p    *KuboProvider
	page string
}

func (k *kuboPage) AddCommits(ctx context.Context, auth string, commits [][]byte) error {
	c := k.p.client.WithToken(auth)
	return k.p.updatePage(ctx, auth, k.page, func(m *kuboPageManifest) (bool, error) {
		known := make(map[string]bool, len(m.Commits))
		for _, ref := range m.Commits {
			known[ref.ID] = true
		}
		changed := false
		for _, data := range commits {
			commit, err := dag.DecodeCommit(data)
			if err != nil {
				return false, errors.Mark(err, dag.ErrInternal)
			}
			id := dag.FormatCID(commit.ID)
			if known[id] {
				continue
			}
			cid, err := c.Add(ctx, data)
			if err != nil {
				return false, err
			}
			known[id] = true
			m.Commits = append(m.Commits, kuboCommit{ID: id, CID: cid})
			changed = true
		}
		return changed, nil
	})
}

// kuboPosition counts how many commits of each device were consumed.
type kuboPosition map[string]int

func parseKuboPosition(pos Position) (kuboPosition, error) {
	out := make(kuboPosition)
	if pos == "" {
		return out, nil
	}
	if err := codec.DecodeJSON([]byte(pos), &out); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "bad position %q", pos), dag.ErrInternal)
	}
	return out, nil
}

func (k *kuboPage) GetCommits(ctx context.Context, auth string, after Position) ([][]byte, Position, error) {
	c := k.p.client.WithToken(auth)
	pos, err := parseKuboPosition(after)
	if err != nil {
		return nil, "", err
	}
	names, roots, err := k.p.devices(ctx, c)
	if err != nil {
		return nil, "", err
	}
	var out [][]byte
	for i, name := range names {
		m, err := k.p.pageManifest(ctx, c, roots[i], k.page)
		if err != nil {
			return nil, "", err
		}
		from := min(pos[name], len(m.Commits))
		for _, ref := range m.Commits[from:] {
			data, err := c.CatBytes(ctx, ref.CID)
			if err != nil {
				return nil, "", errors.Wrapf(err, "commit %s", ref.ID)
			}
			out = append(out, data)
		}
		pos[name] = len(m.Commits)
	}
	next, err := codec.EncodeJSON(pos)
	if err != nil {
		return nil, "", errors.Mark(err, dag.ErrInternal)
	}
	return out, Position(next), nil
}

// AddObjects adds each new object to IPFS and publishes the page manifest
// once for the whole batch.
func (k *kuboPage) AddObjects(ctx context.Context, auth string, objects []Object) error {
	c := k.p.client.WithToken(auth)
	return k.p.updatePage(ctx, auth, k.page, func(m *kuboPageManifest) (bool, error) {
		changed := false
		for _, o := range objects {
			key := o.ID.String()
			if _, ok := m.Objects[key]; ok {
				continue
			}
			cid, err := c.Add(ctx, o.Data)
			if err != nil {
				return false, errors.Wrapf(err, "object %s", key)
			}
			m.Objects[key] = cid
			changed = true
		}
		return changed, nil
	})
}

func (k *kuboPage) GetObject(ctx context.Context, auth string, id dag.ObjectIdentifier) (int64, io.ReadCloser, error) {
	c := k.p.client.WithToken(auth)
	names, roots, err := k.p.devices(ctx, c)
	if err != nil {
		return 0, nil, err
	}
	key := id.String()
	for i := range names {
		m, err := k.p.pageManifest(ctx, c, roots[i], k.page)
		if err != nil {
			return 0, nil, err
		}
		cid, ok := m.Objects[key]
		if !ok {
			continue
		}
		data, err := c.CatBytes(ctx, cid)
		if err != nil {
			return 0, nil, err
		}
		return int64(len(data)), io.NopCloser(bytes.NewReader(data)), nil
	}
	return 0, nil, errors.Mark(errors.Newf("object %s", id), dag.ErrNotFound)
}

// SetWatcher accepts the registration but never notifies.
func (k *kuboPage) SetWatcher(ctx context.Context, auth string, after Position, w Watcher) error {
	return nil
}
