package routing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-logr/logr"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/miekg/dns"
)

// Bootstrapper supplies the peers a node joins the network through.
type Bootstrapper interface {
	// Run keeps the bootstrapper alive until ctx is done. id is the full p2p address of the local node.
	Run(ctx context.Context, id string) error
	Get(ctx context.Context) ([]peer.AddrInfo, error)
}

var _ Bootstrapper = &StaticBootstrapper{}

type StaticBootstrapper struct {
	peers []peer.AddrInfo
}

// NewDefaultBootstrapper returns a bootstrapper for the public IPFS bootstrap nodes.
func NewDefaultBootstrapper() *StaticBootstrapper {
	return NewStaticBootstrapper(dht.GetDefaultBootstrapPeerAddrInfos())
}

func NewStaticBootstrapperFromStrings(peerStrs []string) (*StaticBootstrapper, error) {
	addrs := []ma.Multiaddr{}
	for _, s := range peerStrs {
		addr, err := ma.NewMultiaddr(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap peer %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	peers, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		return nil, err
	}
	return NewStaticBootstrapper(peers), nil
}

func NewStaticBootstrapper(peers []peer.AddrInfo) *StaticBootstrapper {
	return &StaticBootstrapper{
		peers: peers,
	}
}

func (b *StaticBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *StaticBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	return b.peers, nil
}

const (
	dnsaddrPrefix   = "dnsaddr="
	maxDNSAddrDepth = 8
)

var _ Bootstrapper = &DNSAddrBootstrapper{}

// DNSAddrBootstrapper resolves bootstrap peers from the dnsaddr TXT records of a
// domain, following nested /dnsaddr entries.
type DNSAddrBootstrapper struct {
	domain string
	server string
	client *dns.Client
	limit  int
}

type DNSAddrOption func(b *DNSAddrBootstrapper) error

// WithDNSServer sets the resolver queried, as host:port. The default is the
// first nameserver in /etc/resolv.conf.
func WithDNSServer(server string) DNSAddrOption {
	return func(b *DNSAddrBootstrapper) error {
		if _, _, err := net.SplitHostPort(server); err != nil {
			return err
		}
		b.server = server
		return nil
	}
}

func WithDNSTimeout(timeout time.Duration) DNSAddrOption {
	return func(b *DNSAddrBootstrapper) error {
		b.client.Timeout = timeout
		return nil
	}
}

func NewDNSAddrBootstrapper(domain string, limit int, opts ...DNSAddrOption) (*DNSAddrBootstrapper, error) {
	if domain == "" {
		return nil, errors.New("dnsaddr domain cannot be empty")
	}
	b := &DNSAddrBootstrapper{
		domain: domain,
		client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		limit:  limit,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("could not read resolver configuration: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errors.New("no nameservers configured")
		}
		b.server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return b, nil
}

func (b *DNSAddrBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *DNSAddrBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("p2p").WithValues("domain", b.domain)
	addrs, err := b.resolve(ctx, b.domain, 0)
	if err != nil {
		return nil, err
	}
	if b.limit > 0 && len(addrs) > b.limit {
		addrs = addrs[:b.limit]
	}
	peers, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		return nil, err
	}
	log.V(4).Info("resolved bootstrap peers", "peers", len(peers))
	return peers, nil
}

func (b *DNSAddrBootstrapper) resolve(ctx context.Context, domain string, depth int) ([]ma.Multiaddr, error) {
	if depth > maxDNSAddrDepth {
		return nil, fmt.Errorf("dnsaddr recursion too deep at %s", domain)
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("_dnsaddr."+domain), dns.TypeTXT)
	resp, _, err := b.client.ExchangeContext(ctx, msg, b.server)
	if err != nil {
		return nil, fmt.Errorf("could not resolve dnsaddr for %s: %w", domain, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("could not resolve dnsaddr for %s: %s", domain, dns.RcodeToString[resp.Rcode])
	}
	addrs := []ma.Multiaddr{}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		value := strings.Join(txt.Txt, "")
		if !strings.HasPrefix(value, dnsaddrPrefix) {
			continue
		}
		addr, err := ma.NewMultiaddr(strings.TrimPrefix(value, dnsaddrPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid dnsaddr record %q: %w", value, err)
		}
		nested, err := addr.ValueForProtocol(ma.P_DNSADDR)
		if err != nil {
			addrs = append(addrs, addr)
			continue
		}
		resolved, err := b.resolve(ctx, nested, depth+1)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, resolved...)
	}
	return addrs, nil
}
