package lookup

import (
	"slices"

	"github.com/libp2p/go-libp2p/core/peer"
)

// QueryState is the bookkeeping of a single lookup. Providers and the visited
// count only ever grow. closestKnown holds the width nearest peers seen so far
// and is what progress is measured against.
//
// QueryState is owned by the goroutine coordinating the lookup.
type QueryState struct {
	target       Key
	width        int
	inFlight     int
	queried      int
	failed       int
	providers    map[peer.ID]ProviderRecord
	order        []peer.ID
	closestKnown []FrontierEntry
}

func NewQueryState(target Key, width int) *QueryState {
	return &QueryState{
		target:    target,
		width:     width,
		providers: map[peer.ID]ProviderRecord{},
	}
}

// RecordProvider adds p and returns true the first time its peer ID is seen.
// Later sightings only contribute addresses that were not known yet.
func (s *QueryState) RecordProvider(p ProviderRecord) bool {
	if p.ID == "" {
		return false
	}
	if existing, ok := s.providers[p.ID]; ok {
		existing.Addrs = mergeAddrs(existing.Addrs, p.Addrs)
		s.providers[p.ID] = existing
		return false
	}
	s.providers[p.ID] = ProviderRecord{ID: p.ID, Addrs: slices.Clone(p.Addrs)}
	s.order = append(s.order, p.ID)
	return true
}

func (s *QueryState) HasProvider(id peer.ID) bool {
	_, ok := s.providers[id]
	return ok
}

func (s *QueryState) ProviderCount() int {
	return len(s.providers)
}

// Providers returns the providers in the order they were first recorded.
func (s *QueryState) Providers() []ProviderRecord {
	out := make([]ProviderRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.providers[id])
	}
	return out
}

// UpdateClosest merges candidates into closestKnown and keeps the width nearest.
func (s *QueryState) UpdateClosest(candidates []PeerRecord) {
	for _, c := range candidates {
		if c.ID == "" {
			continue
		}
		if slices.ContainsFunc(s.closestKnown, func(e FrontierEntry) bool { return e.Peer.ID == c.ID }) {
			continue
		}
		s.closestKnown = append(s.closestKnown, newEntry(c, s.target))
	}
	slices.SortFunc(s.closestKnown, compareEntries)
	if s.width > 0 && len(s.closestKnown) > s.width {
		clear(s.closestKnown[s.width:])
		s.closestKnown = s.closestKnown[:s.width]
	}
}

// IsConverged reports whether a round that produced newClosest made no progress,
// that is none of the peers is strictly closer to the target than the closest
// peer already known. Provider counts play no part in it.
func (s *QueryState) IsConverged(newClosest []PeerRecord) bool {
	if len(s.closestKnown) == 0 {
		return len(newClosest) == 0
	}
	best := s.closestKnown[0].Distance
	for _, c := range newClosest {
		if PeerDistance(c.ID, s.target).Cmp(best) < 0 {
			return false
		}
	}
	return true
}

// ClosestKnown returns the closest peers seen so far, nearest first.
func (s *QueryState) ClosestKnown() []PeerRecord {
	out := make([]PeerRecord, 0, len(s.closestKnown))
	for _, e := range s.closestKnown {
		out = append(out, e.Peer)
	}
	return out
}

func (s *QueryState) InFlight() int {
	return s.inFlight
}
