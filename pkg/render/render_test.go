package render

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"findprovs/pkg/lookup"
)

const (
	peerA = "QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN"
	peerB = "QmQCU2EcMqAqQPR2i9bChDtGNJchTbq5TbXJJ16u19uLTa"
)

func testPeer(t *testing.T, s string, addr string) lookup.PeerRecord {
	t.Helper()

	id, err := peer.Decode(s)
	require.NoError(t, err)
	p := lookup.PeerRecord{ID: id}
	if addr != "" {
		p.Addrs = []ma.Multiaddr{ma.StringCast(addr)}
	}
	return p
}

func traceEvents(t *testing.T) []lookup.Event {
	t.Helper()

	a := testPeer(t, peerA, "/ip4/10.0.0.1/tcp/4001")
	b := testPeer(t, peerB, "")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := lookup.EventHeader{Time: now, Round: 1}
	return []lookup.Event{
		lookup.DialingPeer{EventHeader: h, Peer: a},
		lookup.QuerySent{EventHeader: h, To: a, Query: lookup.QueryGetProviders},
		lookup.PeerResponded{EventHeader: h, From: a, CloserPeers: []lookup.PeerRecord{b}, Providers: []lookup.ProviderRecord{lookup.ProviderRecord(a)}},
		lookup.ProviderFound{EventHeader: h, Provider: lookup.ProviderRecord(a)},
		lookup.QuerySent{EventHeader: h, To: b, Query: lookup.QueryGetProviders},
		lookup.QueryError{EventHeader: h, From: b, Failure: lookup.FailureDial, Err: lookup.NewQueryFailure(lookup.FailureDial, errors.New("no route"))},
		lookup.LookupComplete{EventHeader: h, Reason: lookup.ReasonFrontierExhausted, Providers: 1, Queried: 2},
	}
}

func TestTerminalShowsProviders(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	term := NewTerminal(buf)
	for _, ev := range traceEvents(t) {
		term.Consume(ev)
	}

	expected := `Providers:
[
  {
    "id": "QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
    "multiaddrs": [
      "/ip4/10.0.0.1/tcp/4001"
    ]
  }
]
`
	require.Equal(t, expected, buf.String())
}

func TestTerminalVerboseTrace(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	term := NewTerminal(buf, WithVerbose(true))
	for _, ev := range traceEvents(t) {
		term.Consume(ev)
	}

	out := buf.String()
	require.Contains(t, out, "[round 1] dialing "+peerA+"\n")
	require.Contains(t, out, "[round 1] sending GET_PROVIDERS query to "+peerB+"\n")
	require.Contains(t, out, "[round 1] "+peerA+" responded with 1 closer peers and 1 providers\n")
	require.Contains(t, out, "[round 1] query to "+peerB+" failed: dial-error: no route\n")
	require.True(t, strings.HasSuffix(out, "[round 1] lookup complete: frontier-exhausted after 2 queries\n"))
	require.NotContains(t, out, "\x1b[")
}

func TestTerminalQueryFailed(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	term := NewTerminal(buf, WithColor(true))
	term.Searching(mustKey(t))
	term.Consume(lookup.LookupComplete{Reason: lookup.ReasonTimeout})

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Equal(t, []string{
		"Searching for providers of QmSnuWmxptJZdLJpKRarxBMS2Ju2oANVrgbr2xWbie9b2D...",
		"\x1b[31mQuery failed:",
		"  no providers found before the lookup timed out\x1b[0m",
	}, lines)
}

func TestTerminalDeduplicatesProviders(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	term := NewTerminal(buf)
	a := lookup.ProviderRecord(testPeer(t, peerA, ""))
	term.Consume(lookup.ProviderFound{Provider: a})
	term.Consume(lookup.ProviderFound{Provider: a})
	require.Equal(t, 1, strings.Count(buf.String(), "Providers:"))
	require.Len(t, term.providers, 1)
}

func TestStatusColors(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	s := NewStatus(buf, true)
	s.Show("ready", ColorActive)
	s.Show("found", ColorSuccess)
	s.Show("plain", ColorNone)
	require.Equal(t, "\x1b[34mready\x1b[0m\n\x1b[32mfound\x1b[0m\nplain\n", buf.String())
}

func TestJSONLines(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	flushes := 0
	sink := NewJSONLines(buf, func() { flushes++ })
	events := traceEvents(t)
	for _, ev := range events {
		sink.Consume(ev)
	}
	require.NoError(t, sink.Err())
	require.Equal(t, len(events), flushes)

	records := []map[string]any{}
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		rec := map[string]any{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, len(events))

	require.Equal(t, "dialing-peer", records[0]["type"])
	require.Equal(t, "2024-03-01T12:00:00Z", records[0]["time"])
	require.InDelta(t, 1, records[0]["round"], 0)
	require.Equal(t, peerA, records[0]["peer"].(map[string]any)["id"])
	require.Equal(t, "GET_PROVIDERS", records[1]["query"])
	require.Len(t, records[2]["closerPeers"], 1)
	require.Equal(t, "dial-error", records[5]["failure"])
	require.Equal(t, "dial-error: no route", records[5]["error"])
	require.Equal(t, "frontier-exhausted", records[6]["reason"])
	require.InDelta(t, 1, records[6]["found"], 0)
	require.InDelta(t, 2, records[6]["queried"], 0)
	require.NotContains(t, records[6], "peer")
}

type failingWriter struct {
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestJSONLinesStopsAfterError(t *testing.T) {
	t.Parallel()

	w := &failingWriter{}
	sink := NewJSONLines(w, nil)
	sink.Consume(lookup.LookupComplete{Reason: lookup.ReasonConverged})
	sink.Consume(lookup.LookupComplete{Reason: lookup.ReasonConverged})
	require.EqualError(t, sink.Err(), "broken pipe")
	require.Equal(t, 1, w.writes)
}

func mustKey(t *testing.T) lookup.Key {
	t.Helper()

	key, err := lookup.ParseKey("QmSnuWmxptJZdLJpKRarxBMS2Ju2oANVrgbr2xWbie9b2D")
	require.NoError(t, err)
	return key
}
