package routing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pb "github.com/libp2p/go-libp2p-kad-dht/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/sec"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/spf13/afero"

	"findprovs/pkg/lookup"
	"findprovs/pkg/metrics"
)

type P2PRouterConfig struct {
	DataDir    string
	ListenAddr string
	FS         afero.Fs
	Libp2pOpts []libp2p.Option
}

func (cfg *P2PRouterConfig) Apply(opts ...P2PRouterOption) error {
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

type P2PRouterOption func(cfg *P2PRouterConfig) error

func WithLibP2POptions(opts ...libp2p.Option) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.Libp2pOpts = opts
		return nil
	}
}

// WithDataDir persists the node identity in dataDir so the peer ID survives restarts.
func WithDataDir(dataDir string) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.DataDir = dataDir
		return nil
	}
}

// WithListenAddr makes the node listen on addr, given as host:port. Without it
// the node only dials out.
func WithListenAddr(addr string) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.ListenAddr = addr
		return nil
	}
}

func WithFilesystem(fs afero.Fs) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		if fs == nil {
			return errors.New("filesystem cannot be nil")
		}
		cfg.FS = fs
		return nil
	}
}

var (
	_ Router                      = &P2PRouter{}
	_ lookup.ConnectednessChecker = &P2PRouter{}
)

// P2PRouter runs lookups over a libp2p host taking part in the IPFS DHT as a client.
type P2PRouter struct {
	bootstrapper Bootstrapper
	host         host.Host
	kdht         *dht.IpfsDHT
	messenger    *pb.ProtocolMessenger
}

func NewP2PRouter(ctx context.Context, bs Bootstrapper, opts ...P2PRouterOption) (*P2PRouter, error) {
	cfg := P2PRouterConfig{
		FS: afero.NewOsFs(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	libp2pOpts := []libp2p.Option{
		libp2p.PrometheusRegisterer(metrics.DefaultRegisterer),
		libp2p.AddrsFactory(func(addrs []ma.Multiaddr) []ma.Multiaddr {
			public := []ma.Multiaddr{}
			for _, addr := range addrs {
				if manet.IsIPLoopback(addr) {
					continue
				}
				public = append(public, addr)
			}
			return public
		}),
	}
	if cfg.ListenAddr == "" {
		libp2pOpts = append(libp2pOpts, libp2p.NoListenAddrs)
	} else {
		multiAddrs, err := listenMultiaddrs(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		libp2pOpts = append(libp2pOpts, libp2p.ListenAddrs(multiAddrs...))
	}
	if cfg.DataDir != "" {
		peerKey, err := loadOrCreatePrivateKey(ctx, cfg.FS, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(peerKey))
	}
	libp2pOpts = append(libp2pOpts, cfg.Libp2pOpts...)
	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create host: %w", err)
	}

	dhtOpts := []dht.Option{
		dht.Mode(dht.ModeClient),
		dht.BootstrapPeersFunc(bootstrapFunc(ctx, bs, h)),
	}
	kdht, err := dht.New(ctx, h, dhtOpts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create distributed hash table: %w", err), h.Close())
	}
	messenger, err := pb.NewProtocolMessenger(newStreamMessageSender(h, KadProtocol))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create protocol messenger: %w", err), kdht.Close(), h.Close())
	}

	r := &P2PRouter{
		bootstrapper: bs,
		host:         h,
		kdht:         kdht,
		messenger:    messenger,
	}
	return r, nil
}

// Run bootstraps the DHT and keeps the node up until ctx is done.
func (r *P2PRouter) Run(ctx context.Context) (err error) {
	self := r.selfAddr()
	logr.FromContextOrDiscard(ctx).WithName("p2p").Info("starting p2p router", "id", self)
	defer func() {
		cerr := r.Close()
		if cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	if err := r.kdht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("could not bootstrap distributed hash table: %w", err)
	}
	err = r.bootstrapper.Run(ctx, self)
	if err != nil {
		return err
	}
	return nil
}

func (r *P2PRouter) Close() error {
	return errors.Join(r.kdht.Close(), r.host.Close())
}

func (r *P2PRouter) Self() peer.ID {
	return r.host.ID()
}

func (r *P2PRouter) Ready(ctx context.Context) (bool, error) {
	if r.kdht.RoutingTable().Size() > 0 {
		return true, nil
	}
	addrInfos, err := r.bootstrapper.Get(ctx)
	if err != nil {
		return false, err
	}
	if len(addrInfos) == 0 {
		return false, nil
	}
	err = r.kdht.Bootstrap(ctx)
	if err != nil {
		return false, err
	}
	return false, nil
}

func (r *P2PRouter) ClosestPeers(ctx context.Context, key lookup.Key, count int) ([]lookup.PeerRecord, error) {
	ids := r.kdht.RoutingTable().NearestPeers(key.ID(), count)
	peers := make([]lookup.PeerRecord, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, lookup.PeerRecord{
			ID:    id,
			Addrs: r.host.Peerstore().Addrs(id),
		})
	}
	return peers, nil
}

// Query asks p for providers of key with a GET_PROVIDERS message, dialing it first if needed.
func (r *P2PRouter) Query(ctx context.Context, p lookup.PeerRecord, key lookup.Key) (lookup.QueryResult, error) {
	if len(p.Addrs) > 0 {
		r.host.Peerstore().AddAddrs(p.ID, p.Addrs, peerstore.TempAddrTTL)
	}
	if !r.IsConnected(p.ID) {
		err := r.host.Connect(ctx, p.AddrInfo())
		if err != nil {
			return lookup.QueryResult{}, queryFailure(ctx, lookup.FailureDial, err)
		}
	}
	provs, closer, err := r.messenger.GetProviders(ctx, p.ID, key.Multihash())
	if err != nil {
		return lookup.QueryResult{}, queryFailure(ctx, lookup.FailureProtocol, err)
	}
	res := lookup.QueryResult{
		CloserPeers: make([]lookup.PeerRecord, 0, len(closer)),
		Providers:   make([]lookup.ProviderRecord, 0, len(provs)),
	}
	for _, ai := range closer {
		if ai == nil || ai.ID == "" {
			continue
		}
		res.CloserPeers = append(res.CloserPeers, lookup.PeerRecordFromAddrInfo(*ai))
	}
	for _, ai := range provs {
		if ai == nil || ai.ID == "" {
			continue
		}
		res.Providers = append(res.Providers, lookup.ProviderRecord(lookup.PeerRecordFromAddrInfo(*ai)))
	}
	return res, nil
}

func (r *P2PRouter) IsConnected(id peer.ID) bool {
	return r.host.Network().Connectedness(id) == network.Connected
}

func (r *P2PRouter) selfAddr() string {
	addrs := r.host.Addrs()
	if len(addrs) == 0 {
		return fmt.Sprintf("/p2p/%s", r.host.ID().String())
	}
	return fmt.Sprintf("%s/p2p/%s", addrs[0].String(), r.host.ID().String())
}

// queryFailure tags err with kind unless ctx ended, in which case the context
// decides between timeout and abort.
func queryFailure(ctx context.Context, kind lookup.QueryFailureKind, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = lookup.FailureTimeout
	case ctx.Err() != nil:
		kind = lookup.FailureAborted
	}
	return lookup.NewQueryFailure(kind, err)
}

func bootstrapFunc(ctx context.Context, bootstrapper Bootstrapper, h host.Host) func() []peer.AddrInfo {
	log := logr.FromContextOrDiscard(ctx).WithName("p2p")
	return func() []peer.AddrInfo {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer bootstrapCancel()

		var hostPort *ma.Component
		if hostAddrs := h.Addrs(); len(hostAddrs) > 0 {
			ma.ForEach(hostAddrs[0], func(c ma.Component) bool {
				if c.Protocol().Code == ma.P_TCP {
					hostPort = &c
					return false
				}
				return true
			})
		}

		addrInfos, err := bootstrapper.Get(bootstrapCtx)
		if err != nil {
			log.Error(err, "could not get bootstrap addresses")
			return nil
		}
		filteredAddrInfos := []peer.AddrInfo{}
		for _, addrInfo := range addrInfos {
			// Skip addresses that match host.
			matches, err := hostMatches(*host.InfoFromHost(h), addrInfo)
			if err != nil {
				log.Error(err, "could not compare host with address")
				continue
			}
			if matches {
				log.Info("skipping bootstrap peer that is same as host")
				continue
			}

			// Add the host port to addresses without one.
			if hostPort != nil {
				modifiedAddrs := []ma.Multiaddr{}
				for _, addr := range addrInfo.Addrs {
					if hasTransportPort(addr) {
						modifiedAddrs = append(modifiedAddrs, addr)
						continue
					}
					modifiedAddrs = append(modifiedAddrs, ma.Join(addr, hostPort))
				}
				addrInfo.Addrs = modifiedAddrs
			}

			// Resolve ID if it is missing.
			if addrInfo.ID != "" {
				filteredAddrInfos = append(filteredAddrInfos, addrInfo)
				continue
			}
			addrInfo.ID = "id"
			err = h.Connect(bootstrapCtx, addrInfo)
			var mismatchErr sec.ErrPeerIDMismatch
			if !errors.As(err, &mismatchErr) {
				log.Error(err, "could not get peer id")
				continue
			}
			addrInfo.ID = mismatchErr.Actual
			filteredAddrInfos = append(filteredAddrInfos, addrInfo)
		}
		if len(filteredAddrInfos) == 0 {
			log.Info("no bootstrap nodes found")
			return nil
		}
		return filteredAddrInfos
	}
}

func hasTransportPort(addr ma.Multiaddr) bool {
	found := false
	ma.ForEach(addr, func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_TCP, ma.P_UDP, ma.P_DNSADDR:
			found = true
			return false
		}
		return true
	})
	return found
}

func listenMultiaddrs(addr string) ([]ma.Multiaddr, error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tcpComp, err := ma.NewMultiaddr(fmt.Sprintf("/tcp/%s", p))
	if err != nil {
		return nil, err
	}
	ipComps := []ma.Multiaddr{}
	ip := net.ParseIP(h)
	if ip.To4() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	} else if ip.To16() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip6/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	}
	if len(ipComps) == 0 {
		ipComps = []ma.Multiaddr{manet.IP6Unspecified, manet.IP4Unspecified}
	}
	multiAddrs := []ma.Multiaddr{}
	for _, ipComp := range ipComps {
		multiAddrs = append(multiAddrs, ipComp.Encapsulate(tcpComp))
	}
	return multiAddrs, nil
}

func hostMatches(host, addrInfo peer.AddrInfo) (bool, error) {
	// Skip self when address ID matches host ID.
	if host.ID != "" && addrInfo.ID != "" {
		return host.ID == addrInfo.ID, nil
	}
	if len(host.Addrs) == 0 {
		return false, nil
	}

	// Skip self when IP matches
	hostIP, err := manet.ToIP(host.Addrs[0])
	if err != nil {
		return false, err
	}
	for _, addr := range addrInfo.Addrs {
		addrIP, err := manet.ToIP(addr)
		if err != nil {
			return false, err
		}
		if hostIP.Equal(addrIP) {
			return true, nil
		}
	}

	return false, nil
}

func loadOrCreatePrivateKey(ctx context.Context, fs afero.Fs, dataDir string) (crypto.PrivKey, error) { //nolint: ireturn // LibP2P returns interfaces so we also have to.
	keyPath := filepath.Join(dataDir, "private.key")
	log := logr.FromContextOrDiscard(ctx).WithValues("path", keyPath)
	err := fs.MkdirAll(dataDir, 0o755)
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(fs, keyPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Info("creating a new private key")
		privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		rawBytes, err := privKey.Raw()
		if err != nil {
			return nil, err
		}
		pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(ed25519.PrivateKey(rawBytes))
		if err != nil {
			return nil, err
		}
		block := &pem.Block{
			Type:  "PRIVATE KEY",
			Bytes: pkcs8Bytes,
		}
		err = afero.WriteFile(fs, keyPath, pem.EncodeToMemory(block), 0o600)
		if err != nil {
			return nil, err
		}
		return privKey, nil
	}
	log.Info("loading the private key from data directory")
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("private key file does not contain a PEM block")
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("invalid PEM block type %s", block.Type)
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	edKey, ok := parsedKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an Ed25519 private key")
	}
	privKey, err := crypto.UnmarshalEd25519PrivateKey(edKey)
	if err != nil {
		return nil, err
	}
	return privKey, nil
}
