package lookup

import (
	"bytes"
	"math/big"
	"slices"

	kb "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Distance is the XOR of two keyspace IDs read as a big-endian unsigned integer.
type Distance []byte

// XOR returns the distance between a and b. The shorter ID is left padded with
// zeros so IDs of different length still compare.
func XOR(a, b kb.ID) Distance {
	n := max(len(a), len(b))
	d := make(Distance, n)
	for i := range n {
		d[i] = byteAt(a, i, n) ^ byteAt(b, i, n)
	}
	return d
}

func byteAt(id kb.ID, i, n int) byte {
	offset := n - len(id)
	if i < offset {
		return 0
	}
	return id[i-offset]
}

// Cmp returns -1, 0 or +1 depending on whether d is closer, as close or further than o.
func (d Distance) Cmp(o Distance) int {
	if len(d) != len(o) {
		return d.Big().Cmp(o.Big())
	}
	return bytes.Compare(d, o)
}

func (d Distance) Big() *big.Int {
	return new(big.Int).SetBytes(d)
}

// PeerDistance returns the distance from a peer to the target key.
func PeerDistance(id peer.ID, target Key) Distance {
	return XOR(peerKey(id), target.ID())
}

// ComparePeers orders a and b by distance to target. Ties are broken by the raw
// bytes of the peer IDs so the order never depends on map iteration or timing.
func ComparePeers(a, b peer.ID, target Key) int {
	if c := PeerDistance(a, target).Cmp(PeerDistance(b, target)); c != 0 {
		return c
	}
	return bytes.Compare([]byte(a), []byte(b))
}

// SortByDistance sorts peers in place, closest to target first.
func SortByDistance(peers []PeerRecord, target Key) {
	entries := toEntries(peers, target)
	slices.SortFunc(entries, compareEntries)
	for i, e := range entries {
		peers[i] = e.Peer
	}
}

// FrontierEntry is a peer with its distance to the lookup target precomputed.
type FrontierEntry struct {
	Peer     PeerRecord
	Distance Distance
}

func newEntry(p PeerRecord, target Key) FrontierEntry {
	return FrontierEntry{
		Peer:     p,
		Distance: PeerDistance(p.ID, target),
	}
}

func toEntries(peers []PeerRecord, target Key) []FrontierEntry {
	entries := make([]FrontierEntry, 0, len(peers))
	for _, p := range peers {
		entries = append(entries, newEntry(p, target))
	}
	return entries
}

func compareEntries(a, b FrontierEntry) int {
	if c := a.Distance.Cmp(b.Distance); c != 0 {
		return c
	}
	return bytes.Compare([]byte(a.Peer.ID), []byte(b.Peer.ID))
}
