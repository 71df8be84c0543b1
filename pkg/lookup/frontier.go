package lookup

import (
	"slices"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Frontier holds the peers that are known but not yet queried, closest first.
// A peer leaves the frontier by being popped and is then marked visited, after
// which it is never accepted again during the same lookup.
//
// Frontier is not safe for concurrent use.
type Frontier struct {
	target   Key
	capacity int
	entries  []FrontierEntry
	queued   map[peer.ID]struct{}
	visited  map[peer.ID]struct{}
}

// NewFrontier creates an empty frontier for target. A capacity <= 0 means unbounded.
func NewFrontier(target Key, capacity int) *Frontier {
	return &Frontier{
		target:   target,
		capacity: capacity,
		queued:   map[peer.ID]struct{}{},
		visited:  map[peer.ID]struct{}{},
	}
}

// Seed adds the initial peers of a lookup. It returns the number of peers added.
func (f *Frontier) Seed(peers []PeerRecord) int {
	return f.Offer(peers)
}

// Offer adds peers learned from a response. Visited peers, peers already queued
// and peers that would fall outside the capacity are ignored.
func (f *Frontier) Offer(peers []PeerRecord) int {
	added := 0
	for _, p := range peers {
		if f.insert(p) {
			added++
		}
	}
	return added
}

func (f *Frontier) insert(p PeerRecord) bool {
	if p.ID == "" {
		return false
	}
	if _, ok := f.visited[p.ID]; ok {
		return false
	}
	if _, ok := f.queued[p.ID]; ok {
		return false
	}
	e := newEntry(p, f.target)
	i, _ := slices.BinarySearchFunc(f.entries, e, compareEntries)
	if f.capacity > 0 && i >= f.capacity {
		return false
	}
	f.entries = slices.Insert(f.entries, i, e)
	f.queued[p.ID] = struct{}{}
	if f.capacity > 0 && len(f.entries) > f.capacity {
		dropped := f.entries[len(f.entries)-1]
		f.entries = f.entries[:len(f.entries)-1]
		delete(f.queued, dropped.Peer.ID)
	}
	return true
}

// PopClosest removes the closest queued peer and marks it visited.
func (f *Frontier) PopClosest() (PeerRecord, bool) {
	if len(f.entries) == 0 {
		return PeerRecord{}, false
	}
	e := f.entries[0]
	f.entries[0] = FrontierEntry{}
	f.entries = f.entries[1:]
	delete(f.queued, e.Peer.ID)
	f.visited[e.Peer.ID] = struct{}{}
	return e.Peer, true
}

// MarkVisited excludes id from the lookup, removing it from the queue if present.
func (f *Frontier) MarkVisited(id peer.ID) {
	f.visited[id] = struct{}{}
	if _, ok := f.queued[id]; !ok {
		return
	}
	delete(f.queued, id)
	f.entries = slices.DeleteFunc(f.entries, func(e FrontierEntry) bool {
		return e.Peer.ID == id
	})
}

func (f *Frontier) Visited(id peer.ID) bool {
	_, ok := f.visited[id]
	return ok
}

func (f *Frontier) VisitedCount() int {
	return len(f.visited)
}

// Len returns the number of queued peers.
func (f *Frontier) Len() int {
	return len(f.entries)
}

// Entries returns a copy of the queued peers in ascending distance order.
func (f *Frontier) Entries() []FrontierEntry {
	return slices.Clone(f.entries)
}
