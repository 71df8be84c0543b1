package render

import (
	"time"

	"findprovs/pkg/lookup"
)

// PeerJSON is how peers and providers are written out.
type PeerJSON struct {
	ID         string   `json:"id"`
	Multiaddrs []string `json:"multiaddrs"`
}

func NewPeerJSON(p lookup.PeerRecord) PeerJSON {
	addrs := make([]string, 0, len(p.Addrs))
	for _, addr := range p.Addrs {
		addrs = append(addrs, addr.String())
	}
	return PeerJSON{
		ID:         p.ID.String(),
		Multiaddrs: addrs,
	}
}

func NewProviderJSON(p lookup.ProviderRecord) PeerJSON {
	return NewPeerJSON(lookup.PeerRecord(p))
}

func ProvidersJSON(providers []lookup.ProviderRecord) []PeerJSON {
	out := make([]PeerJSON, 0, len(providers))
	for _, p := range providers {
		out = append(out, NewProviderJSON(p))
	}
	return out
}

// EventRecord is the flat JSON form of a trace event. Only the fields of the
// event's type are set.
type EventRecord struct {
	Type        lookup.EventType `json:"type"`
	Time        time.Time        `json:"time"`
	Round       int              `json:"round"`
	Peer        *PeerJSON        `json:"peer,omitempty"`
	Query       lookup.QueryKind `json:"query,omitempty"`
	Failure     string           `json:"failure,omitempty"`
	Error       string           `json:"error,omitempty"`
	CloserPeers []PeerJSON       `json:"closerPeers,omitempty"`
	Providers   []PeerJSON       `json:"providers,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Found       *int             `json:"found,omitempty"`
	Queried     *int             `json:"queried,omitempty"`
}

func NewEventRecord(ev lookup.Event) EventRecord {
	h := ev.Header()
	rec := EventRecord{
		Type:  ev.Type(),
		Time:  h.Time,
		Round: h.Round,
	}
	switch ev := ev.(type) {
	case lookup.DialingPeer:
		rec.Peer = peerPtr(ev.Peer)
	case lookup.QuerySent:
		rec.Peer = peerPtr(ev.To)
		rec.Query = ev.Query
	case lookup.QueryError:
		rec.Peer = peerPtr(ev.From)
		rec.Failure = string(ev.Failure)
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}
	case lookup.PeerResponded:
		rec.Peer = peerPtr(ev.From)
		rec.CloserPeers = make([]PeerJSON, 0, len(ev.CloserPeers))
		for _, p := range ev.CloserPeers {
			rec.CloserPeers = append(rec.CloserPeers, NewPeerJSON(p))
		}
		rec.Providers = ProvidersJSON(ev.Providers)
	case lookup.ProviderFound:
		rec.Peer = peerPtr(lookup.PeerRecord(ev.Provider))
	case lookup.LookupComplete:
		rec.Reason = string(ev.Reason)
		rec.Found = &ev.Providers
		rec.Queried = &ev.Queried
	}
	return rec
}

func peerPtr(p lookup.PeerRecord) *PeerJSON {
	j := NewPeerJSON(p)
	return &j
}
