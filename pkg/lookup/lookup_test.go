package lookup

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

type collected struct {
	events    []Event
	providers []ProviderRecord
	result    Result
}

// collect drains both streams of l and waits for its result.
func collect(t *testing.T, l *Lookup) collected {
	t.Helper()
	out := collected{}
	providersDone := make(chan struct{})
	go func() {
		defer close(providersDone)
		for p := range l.Providers() {
			out.providers = append(out.providers, p)
		}
	}()
	timeout := time.After(5 * time.Second)
	events := l.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			out.events = append(out.events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for lookup events")
		}
	}
	<-providersDone
	out.result = l.Wait()
	return out
}

func providerIDs(c collected) []peer.ID {
	ids := []peer.ID{}
	for _, p := range c.providers {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestStartStreamsProvidersAndEvents(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	peers := rankedPeers(t, key, 4)
	client := newFakeClient()
	client.respond(peers[1].ID, QueryResult{
		CloserPeers: []PeerRecord{peers[0]},
		Providers:   []ProviderRecord{provider(peers[3])},
	})
	client.respond(peers[0].ID, QueryResult{
		Providers: []ProviderRecord{provider(peers[3]), provider(peers[2])},
	})

	e, err := NewEngine(client, nil)
	require.NoError(t, err)
	l, err := e.Start(context.Background(), key, []PeerRecord{peers[1]})
	require.NoError(t, err)
	c := collect(t, l)

	require.Equal(t, []peer.ID{peers[3].ID, peers[2].ID}, providerIDs(c))
	require.Equal(t, c.result.Providers, c.providers)
	require.Equal(t, ReasonFrontierExhausted, c.result.Reason)
	require.Equal(t, l.ID(), c.result.ID)
	require.Equal(t, StateCompleted, l.State())
	complete, ok := lastEvent(t, c.events).(LookupComplete)
	require.True(t, ok)
	require.Equal(t, 2, complete.Providers)
	require.Len(t, eventsOf[ProviderFound](c.events), 2)

	select {
	case <-l.Done():
	default:
		t.Fatal("lookup should be done after its streams closed")
	}
}

func TestCancelEndsTraceWithCancelled(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	peers := rankedPeers(t, key, 3)
	started := make(chan struct{})
	client := newFakeClient()
	client.respond(peers[2].ID, QueryResult{
		CloserPeers: []PeerRecord{peers[0], peers[1]},
		Providers:   []ProviderRecord{provider(peers[1])},
	})
	client.handle(peers[0].ID, func(ctx context.Context) (QueryResult, error) {
		close(started)
		return blockUntilDone(ctx)
	})
	client.respond(peers[1].ID, QueryResult{Providers: []ProviderRecord{provider(peers[0])}})

	e, err := NewEngine(client, nil, WithConcurrency(1))
	require.NoError(t, err)
	l, err := e.Start(context.Background(), key, peers[2:])
	require.NoError(t, err)

	<-started
	l.Cancel()
	l.Cancel()
	c := collect(t, l)

	require.Equal(t, ReasonCancelled, c.result.Reason)
	require.Equal(t, StateCancelled, l.State())
	require.Equal(t, []EventType{
		EventDialingPeer,
		EventQuerySent,
		EventPeerResponded,
		EventProviderFound,
		EventLookupComplete,
	}, types(c.events))
	require.Equal(t, ReasonCancelled, lastEvent(t, c.events).(LookupComplete).Reason)
	require.Equal(t, []peer.ID{peers[1].ID}, providerIDs(c))
	require.NotContains(t, client.queried(), peers[1].ID)

	// Cancelling a finished lookup is a no-op.
	l.Cancel()
}

func TestCancelAbandonsQueriesAfterGracePeriod(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	peers := rankedPeers(t, key, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	client := newFakeClient()
	// This peer ignores the abort signal.
	client.handle(peers[0].ID, func(context.Context) (QueryResult, error) {
		close(started)
		<-release
		return QueryResult{}, nil
	})

	grace := 50 * time.Millisecond
	e, err := NewEngine(client, nil, WithGracePeriod(grace))
	require.NoError(t, err)
	l, err := e.Start(context.Background(), key, peers)
	require.NoError(t, err)

	<-started
	cancelledAt := time.Now()
	l.Cancel()
	c := collect(t, l)

	require.Less(t, time.Since(cancelledAt), 2*time.Second)
	require.GreaterOrEqual(t, time.Since(cancelledAt), grace)
	require.Equal(t, []EventType{EventLookupComplete}, types(c.events))
	require.Equal(t, ReasonCancelled, c.result.Reason)
}

func TestParentContextCancellation(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	peers := rankedPeers(t, key, 1)
	client := newFakeClient()
	client.handle(peers[0].ID, blockUntilDone)

	e, err := NewEngine(client, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l, err := e.Start(ctx, key, peers)
	require.NoError(t, err)
	c := collect(t, l)

	require.Equal(t, ReasonCancelled, c.result.Reason)
	require.Equal(t, []EventType{EventLookupComplete}, types(c.events))
	require.Empty(t, client.queried())
}

func TestRoundIsCommittedAtOnce(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	peers := rankedPeers(t, key, 4)
	a, b := peers[0], peers[1]
	release := make(chan struct{})
	client := newFakeClient()
	client.respond(a.ID, QueryResult{Providers: []ProviderRecord{provider(peers[2])}})
	client.handle(b.ID, func(ctx context.Context) (QueryResult, error) {
		select {
		case <-release:
			return QueryResult{Providers: []ProviderRecord{provider(peers[3])}}, nil
		case <-ctx.Done():
			return QueryResult{}, ctx.Err()
		}
	})

	e, err := NewEngine(client, nil, WithDesiredProviders(2))
	require.NoError(t, err)
	l, err := e.Start(context.Background(), key, []PeerRecord{a, b})
	require.NoError(t, err)

	// Nothing of the round is visible while one of its queries is outstanding.
	select {
	case ev := <-l.Events():
		t.Fatalf("unexpected event %s before the round completed", ev.Type())
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, StateQuerying, l.State())

	close(release)
	c := collect(t, l)
	require.Equal(t, ReasonProviderThreshold, c.result.Reason)
	require.Equal(t, 1, c.result.Rounds)
	require.ElementsMatch(t, []peer.ID{peers[2].ID, peers[3].ID}, providerIDs(c))
	require.Equal(t, []EventType{
		EventDialingPeer,
		EventQuerySent,
		EventPeerResponded,
		EventProviderFound,
		EventDialingPeer,
		EventQuerySent,
		EventPeerResponded,
		EventProviderFound,
		EventLookupComplete,
	}, types(c.events))
}

func types(events []Event) []EventType {
	out := []EventType{}
	for _, ev := range events {
		out = append(out, ev.Type())
	}
	return out
}

func TestStateIsCancelledRightAfterCancel(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	peers := rankedPeers(t, key, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	client := newFakeClient()
	client.handle(peers[0].ID, func(context.Context) (QueryResult, error) {
		close(started)
		<-release
		return QueryResult{}, nil
	})

	e, err := NewEngine(client, nil, WithGracePeriod(time.Minute))
	require.NoError(t, err)
	l, err := e.Start(context.Background(), key, peers)
	require.NoError(t, err)

	<-started
	require.Equal(t, StateQuerying, l.State())
	l.Cancel()
	require.Equal(t, StateCancelled, l.State())

	close(release)
	c := collect(t, l)
	require.Equal(t, ReasonCancelled, c.result.Reason)
	require.Equal(t, StateCancelled, l.State())
}
