package routing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	kb "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"findprovs/pkg/lookup"
)

var ErrUnknownPeer = errors.New("peer is not part of the network")

// GeneratePeers creates n peers with ed25519 identities derived from seed, so
// the same seed always gives the same network.
func GeneratePeers(n int, seed int64) ([]lookup.PeerRecord, error) {
	rng := rand.New(rand.NewSource(seed))
	peers := make([]lookup.PeerRecord, 0, n)
	for i := range n {
		seed := make([]byte, ed25519.SeedSize)
		_, _ = rng.Read(seed)
		priv, err := crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed))
		if err != nil {
			return nil, err
		}
		id, err := peer.IDFromPrivateKey(priv)
		if err != nil {
			return nil, err
		}
		addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/10.%d.%d.%d/tcp/4001", (i>>16)&0xff, (i>>8)&0xff, i&0xff))
		if err != nil {
			return nil, err
		}
		peers = append(peers, lookup.PeerRecord{ID: id, Addrs: []ma.Multiaddr{addr}})
	}
	return peers, nil
}

type MemoryNetworkConfig struct {
	Clock      clock.Clock
	BucketSize int
	Latency    time.Duration
}

func (cfg *MemoryNetworkConfig) Apply(opts ...MemoryNetworkOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type MemoryNetworkOption func(cfg *MemoryNetworkConfig) error

func WithNetworkClock(clk clock.Clock) MemoryNetworkOption {
	return func(cfg *MemoryNetworkConfig) error {
		cfg.Clock = clk
		return nil
	}
}

// WithNetworkBucketSize sets how many contacts a node keeps per bucket and how
// many nodes store each provider record.
func WithNetworkBucketSize(size int) MemoryNetworkOption {
	return func(cfg *MemoryNetworkConfig) error {
		if size < 1 {
			return errors.New("bucket size must be at least 1")
		}
		cfg.BucketSize = size
		return nil
	}
}

// WithLatency delays every answer in the network by latency.
func WithLatency(latency time.Duration) MemoryNetworkOption {
	return func(cfg *MemoryNetworkConfig) error {
		if latency < 0 {
			return errors.New("latency cannot be negative")
		}
		cfg.Latency = latency
		return nil
	}
}

// MemoryNetwork is a simulated DHT held in memory. Every node keeps a bucketed
// view of the others, and provider records live on the nodes closest to their key.
type MemoryNetwork struct {
	cfg   MemoryNetworkConfig
	mx    sync.RWMutex
	nodes map[peer.ID]*memoryNode
	ids   []peer.ID
}

type memoryNode struct {
	record      lookup.PeerRecord
	contacts    []peer.ID
	providers   map[string][]peer.ID
	latency     time.Duration
	unreachable bool
	failure     error
}

func NewMemoryNetwork(peers []lookup.PeerRecord, opts ...MemoryNetworkOption) (*MemoryNetwork, error) {
	cfg := MemoryNetworkConfig{
		Clock:      clock.New(),
		BucketSize: lookup.DefaultBucketSize,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	n := &MemoryNetwork{
		cfg:   cfg,
		nodes: map[peer.ID]*memoryNode{},
	}
	for _, p := range peers {
		if _, ok := n.nodes[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer %s", p.ID)
		}
		n.nodes[p.ID] = &memoryNode{
			record:    p,
			providers: map[string][]peer.ID{},
			latency:   cfg.Latency,
		}
		n.ids = append(n.ids, p.ID)
	}
	for _, node := range n.nodes {
		node.contacts = n.buckets(node.record.ID)
	}
	return n, nil
}

// buckets returns the contacts self would keep: up to BucketSize peers per
// common prefix length, closest first.
func (n *MemoryNetwork) buckets(self peer.ID) []peer.ID {
	selfKey := kb.ConvertPeerID(self)
	others := make([]peer.ID, 0, len(n.ids))
	for _, id := range n.ids {
		if id != self {
			others = append(others, id)
		}
	}
	sizes := map[int]int{}
	contacts := []peer.ID{}
	for _, id := range kb.SortClosestPeers(others, selfKey) {
		cpl := kb.CommonPrefixLen(selfKey, kb.ConvertPeerID(id))
		if sizes[cpl] >= n.cfg.BucketSize {
			continue
		}
		sizes[cpl]++
		contacts = append(contacts, id)
	}
	return contacts
}

func (n *MemoryNetwork) Peers() []lookup.PeerRecord {
	n.mx.RLock()
	defer n.mx.RUnlock()
	peers := make([]lookup.PeerRecord, 0, len(n.ids))
	for _, id := range n.ids {
		peers = append(peers, n.nodes[id].record)
	}
	return peers
}

// Provide stores provider records for key on the BucketSize nodes closest to it.
func (n *MemoryNetwork) Provide(key lookup.Key, providers ...peer.ID) error {
	n.mx.Lock()
	defer n.mx.Unlock()
	for _, id := range providers {
		if _, ok := n.nodes[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
		}
	}
	closest := kb.SortClosestPeers(slices.Clone(n.ids), key.ID())
	if len(closest) > n.cfg.BucketSize {
		closest = closest[:n.cfg.BucketSize]
	}
	hash := string(key.Multihash())
	for _, id := range closest {
		node := n.nodes[id]
		for _, p := range providers {
			if !slices.Contains(node.providers[hash], p) {
				node.providers[hash] = append(node.providers[hash], p)
			}
		}
	}
	return nil
}

// SetUnreachable makes every dial to id fail.
func (n *MemoryNetwork) SetUnreachable(id peer.ID, unreachable bool) error {
	return n.update(id, func(node *memoryNode) {
		node.unreachable = unreachable
	})
}

// SetFailure makes every query to id return err once connected.
func (n *MemoryNetwork) SetFailure(id peer.ID, err error) error {
	return n.update(id, func(node *memoryNode) {
		node.failure = err
	})
}

func (n *MemoryNetwork) SetLatency(id peer.ID, latency time.Duration) error {
	return n.update(id, func(node *memoryNode) {
		node.latency = latency
	})
}

func (n *MemoryNetwork) update(id peer.ID, fn func(node *memoryNode)) error {
	n.mx.Lock()
	defer n.mx.Unlock()
	node, ok := n.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	fn(node)
	return nil
}

// Router returns a router running on the network node id.
func (n *MemoryNetwork) Router(id peer.ID) (*MemoryRouter, error) {
	n.mx.RLock()
	defer n.mx.RUnlock()
	node, ok := n.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return newMemoryRouter(n, id, node.contacts), nil
}

// Client returns a router for a node outside the network that knows the
// network through the same bucketed view its members have.
func (n *MemoryNetwork) Client(self peer.ID) *MemoryRouter {
	n.mx.RLock()
	defer n.mx.RUnlock()
	return newMemoryRouter(n, self, n.buckets(self))
}

// answer is what node id replies to a provider query for key.
func (n *MemoryNetwork) answer(id peer.ID, key lookup.Key) (lookup.QueryResult, error) {
	n.mx.RLock()
	defer n.mx.RUnlock()
	node := n.nodes[id]
	if node.failure != nil {
		return lookup.QueryResult{}, node.failure
	}
	closer := kb.SortClosestPeers(slices.Clone(node.contacts), key.ID())
	if len(closer) > n.cfg.BucketSize {
		closer = closer[:n.cfg.BucketSize]
	}
	res := lookup.QueryResult{
		CloserPeers: make([]lookup.PeerRecord, 0, len(closer)),
	}
	for _, c := range closer {
		res.CloserPeers = append(res.CloserPeers, n.nodes[c].record)
	}
	for _, p := range node.providers[string(key.Multihash())] {
		res.Providers = append(res.Providers, lookup.ProviderRecord(n.nodes[p].record))
	}
	return res, nil
}

func (n *MemoryNetwork) dial(id peer.ID) (time.Duration, error) {
	n.mx.RLock()
	defer n.mx.RUnlock()
	node, ok := n.nodes[id]
	if !ok {
		return 0, ErrUnknownPeer
	}
	if node.unreachable {
		return node.latency, errors.New("connection refused")
	}
	return node.latency, nil
}

var (
	_ Router                      = &MemoryRouter{}
	_ lookup.ConnectednessChecker = &MemoryRouter{}
)

// MemoryRouter is a node of a MemoryNetwork.
type MemoryRouter struct {
	network   *MemoryNetwork
	self      peer.ID
	contacts  []peer.ID
	mx        sync.Mutex
	connected map[peer.ID]struct{}
}

func newMemoryRouter(n *MemoryNetwork, self peer.ID, contacts []peer.ID) *MemoryRouter {
	return &MemoryRouter{
		network:   n,
		self:      self,
		contacts:  contacts,
		connected: map[peer.ID]struct{}{},
	}
}

func (r *MemoryRouter) Self() peer.ID {
	return r.self
}

func (r *MemoryRouter) Ready(ctx context.Context) (bool, error) {
	return len(r.contacts) > 0, nil
}

func (r *MemoryRouter) ClosestPeers(ctx context.Context, key lookup.Key, count int) ([]lookup.PeerRecord, error) {
	closest := kb.SortClosestPeers(slices.Clone(r.contacts), key.ID())
	if count > 0 && len(closest) > count {
		closest = closest[:count]
	}
	r.network.mx.RLock()
	defer r.network.mx.RUnlock()
	peers := make([]lookup.PeerRecord, 0, len(closest))
	for _, id := range closest {
		peers = append(peers, r.network.nodes[id].record)
	}
	return peers, nil
}

func (r *MemoryRouter) Query(ctx context.Context, p lookup.PeerRecord, key lookup.Key) (lookup.QueryResult, error) {
	latency, err := r.network.dial(p.ID)
	if !r.IsConnected(p.ID) || err != nil {
		if werr := r.wait(ctx, latency); werr != nil {
			return lookup.QueryResult{}, werr
		}
		if err != nil {
			return lookup.QueryResult{}, lookup.NewQueryFailure(lookup.FailureDial, err)
		}
		r.mx.Lock()
		r.connected[p.ID] = struct{}{}
		r.mx.Unlock()
	}
	if err := r.wait(ctx, latency); err != nil {
		return lookup.QueryResult{}, err
	}
	res, err := r.network.answer(p.ID, key)
	if err != nil {
		return lookup.QueryResult{}, lookup.NewQueryFailure(lookup.FailureProtocol, err)
	}
	return res, nil
}

func (r *MemoryRouter) IsConnected(id peer.ID) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.connected[id]
	return ok
}

func (r *MemoryRouter) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := r.network.cfg.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
