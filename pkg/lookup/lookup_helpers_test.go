package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context) (QueryResult, error)

// fakeClient answers queries from per peer handlers and records who was asked.
type fakeClient struct {
	mu        sync.Mutex
	handlers  map[peer.ID]handlerFunc
	calls     []peer.ID
	connected map[peer.ID]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		handlers:  map[peer.ID]handlerFunc{},
		connected: map[peer.ID]bool{},
	}
}

func (c *fakeClient) handle(id peer.ID, h handlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[id] = h
}

func (c *fakeClient) respond(id peer.ID, res QueryResult) {
	c.handle(id, func(context.Context) (QueryResult, error) {
		return res, nil
	})
}

func (c *fakeClient) Query(ctx context.Context, p PeerRecord, _ Key) (QueryResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, p.ID)
	h, ok := c.handlers[p.ID]
	c.mu.Unlock()
	if !ok {
		return QueryResult{}, NewQueryFailure(FailureDial, errors.New("no route to peer"))
	}
	return h(ctx)
}

func (c *fakeClient) queried() []peer.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]peer.ID(nil), c.calls...)
}

type connectedClient struct {
	*fakeClient
}

func (c connectedClient) IsConnected(id peer.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected[id]
}

type staticTable []PeerRecord

func (t staticTable) ClosestPeers(_ context.Context, key Key, count int) ([]PeerRecord, error) {
	peers := append([]PeerRecord(nil), t...)
	SortByDistance(peers, key)
	if len(peers) > count {
		peers = peers[:count]
	}
	return peers, nil
}

// recorder is a sink keeping every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Consume(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []EventType {
	out := []EventType{}
	for _, ev := range r.all() {
		out = append(out, ev.Type())
	}
	return out
}

func testKey(t *testing.T) Key {
	t.Helper()
	key, err := KeyFromName("findprovs-test-content")
	require.NoError(t, err)
	return key
}

// rankedPeers returns n peers ordered by distance to key, closest first.
func rankedPeers(t *testing.T, key Key, n int) []PeerRecord {
	t.Helper()
	peers := make([]PeerRecord, 0, n)
	for i := range n {
		addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/10.0.0.%d/tcp/4001", i+1))
		require.NoError(t, err)
		peers = append(peers, PeerRecord{
			ID:    peer.ID(fmt.Sprintf("test-peer-%03d", i)),
			Addrs: []ma.Multiaddr{addr},
		})
	}
	SortByDistance(peers, key)
	return peers
}

func provider(p PeerRecord) ProviderRecord {
	return ProviderRecord(p)
}

func blockUntilDone(ctx context.Context) (QueryResult, error) {
	<-ctx.Done()
	return QueryResult{}, ctx.Err()
}

func lastEvent(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func eventsOf[T Event](events []Event) []T {
	out := []T{}
	for _, ev := range events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
