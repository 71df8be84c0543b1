package lookup

import (
	"time"
)

// EventType names the kind of a trace event.
type EventType string

const (
	EventDialingPeer    EventType = "dialing-peer"
	EventQuerySent      EventType = "query-sent"
	EventQueryError     EventType = "query-error"
	EventPeerResponded  EventType = "peer-responded"
	EventProviderFound  EventType = "provider-found"
	EventLookupComplete EventType = "lookup-complete"
)

// QueryKind is the DHT request sent to a peer.
type QueryKind string

const QueryGetProviders QueryKind = "GET_PROVIDERS"

// CompletionReason explains why a lookup stopped.
type CompletionReason string

const (
	ReasonConverged         CompletionReason = "converged"
	ReasonFrontierExhausted CompletionReason = "frontier-exhausted"
	ReasonProviderThreshold CompletionReason = "provider-threshold"
	ReasonTimeout           CompletionReason = "timeout"
	ReasonCancelled         CompletionReason = "cancelled"
)

// Event is a step of a lookup trace. The set of events is closed, the
// implementations are the types in this file.
type Event interface {
	Type() EventType
	Header() EventHeader
	event()
}

// EventHeader is shared by all events.
type EventHeader struct {
	// Time is when the step happened, which for events of a round can be
	// earlier than when the event was emitted.
	Time time.Time
	// Round is the query round the event belongs to, zero before the first round.
	Round int
}

func (h EventHeader) Header() EventHeader {
	return h
}

func (EventHeader) event() {}

// DialingPeer is emitted before a query to a peer without an open connection.
type DialingPeer struct {
	EventHeader
	Peer PeerRecord
}

type QuerySent struct {
	EventHeader
	To    PeerRecord
	Query QueryKind
}

type QueryError struct {
	EventHeader
	From    PeerRecord
	Failure QueryFailureKind
	Err     error
}

type PeerResponded struct {
	EventHeader
	From        PeerRecord
	CloserPeers []PeerRecord
	Providers   []ProviderRecord
}

// ProviderFound is emitted once per provider peer ID.
type ProviderFound struct {
	EventHeader
	Provider ProviderRecord
}

// LookupComplete is always the last event of a lookup.
type LookupComplete struct {
	EventHeader
	Reason    CompletionReason
	Providers int
	Queried   int
}

func (DialingPeer) Type() EventType    { return EventDialingPeer }
func (QuerySent) Type() EventType      { return EventQuerySent }
func (QueryError) Type() EventType     { return EventQueryError }
func (PeerResponded) Type() EventType  { return EventPeerResponded }
func (ProviderFound) Type() EventType  { return EventProviderFound }
func (LookupComplete) Type() EventType { return EventLookupComplete }

// EventSink receives the events of a lookup in emission order. Consume is called
// from the goroutine running the lookup and should return quickly.
type EventSink interface {
	Consume(ev Event)
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(ev Event)

func (f SinkFunc) Consume(ev Event) {
	f(ev)
}

// MultiSink forwards every event to each sink in order.
func MultiSink(sinks ...EventSink) EventSink {
	return SinkFunc(func(ev Event) {
		for _, s := range sinks {
			if s != nil {
				s.Consume(ev)
			}
		}
	})
}
