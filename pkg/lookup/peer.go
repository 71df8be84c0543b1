package lookup

import (
	"slices"

	kb "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// PeerRecord is a peer together with the addresses it is known by. Addresses may be empty.
type PeerRecord struct {
	ID    peer.ID
	Addrs []ma.Multiaddr
}

// ProviderRecord is a peer that announced it can serve the key being looked up.
type ProviderRecord PeerRecord

func PeerRecordFromAddrInfo(ai peer.AddrInfo) PeerRecord {
	return PeerRecord{
		ID:    ai.ID,
		Addrs: slices.Clone(ai.Addrs),
	}
}

func (p PeerRecord) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{
		ID:    p.ID,
		Addrs: slices.Clone(p.Addrs),
	}
}

func (p PeerRecord) String() string {
	return p.ID.String()
}

func (p ProviderRecord) AddrInfo() peer.AddrInfo {
	return PeerRecord(p).AddrInfo()
}

func (p ProviderRecord) String() string {
	return p.ID.String()
}

// peerKey maps a peer into the DHT keyspace.
func peerKey(id peer.ID) kb.ID {
	return kb.ConvertPeerID(id)
}

// mergeAddrs appends the addresses of b missing from a.
func mergeAddrs(a, b []ma.Multiaddr) []ma.Multiaddr {
	for _, addr := range b {
		if !ma.Contains(a, addr) {
			a = append(a, addr)
		}
	}
	return a
}
