package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"findprovs/pkg/lookup"
)

// Color classifies a status line.
type Color int

const (
	ColorNone Color = iota
	ColorActive
	ColorSuccess
	ColorError
)

const ansiReset = "\x1b[0m"

func (c Color) ansi() string {
	switch c {
	case ColorActive:
		return "\x1b[34m"
	case ColorSuccess:
		return "\x1b[32m"
	case ColorError:
		return "\x1b[31m"
	default:
		return ""
	}
}

// Status writes status lines to a terminal.
type Status struct {
	mx    sync.Mutex
	w     io.Writer
	color bool
}

func NewStatus(w io.Writer, color bool) *Status {
	return &Status{
		w:     w,
		color: color,
	}
}

// Show writes text as one status line. Multi-line text is written as is.
func (s *Status) Show(text string, c Color) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.color && c != ColorNone {
		text = c.ansi() + text + ansiReset
	}
	_, _ = fmt.Fprintln(s.w, text)
}

type TerminalConfig struct {
	Color   bool
	Verbose bool
}

type TerminalOption func(cfg *TerminalConfig)

func WithColor(enabled bool) TerminalOption {
	return func(cfg *TerminalConfig) {
		cfg.Color = enabled
	}
}

// WithVerbose renders every trace event instead of only providers and the outcome.
func WithVerbose(enabled bool) TerminalOption {
	return func(cfg *TerminalConfig) {
		cfg.Verbose = enabled
	}
}

var _ lookup.EventSink = &Terminal{}

// Terminal renders a lookup for a person watching it. The provider list is
// printed again every time it grows.
type Terminal struct {
	status    *Status
	verbose   bool
	providers []PeerJSON
	seen      map[peer.ID]struct{}
}

func NewTerminal(w io.Writer, opts ...TerminalOption) *Terminal {
	cfg := TerminalConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Terminal{
		status:  NewStatus(w, cfg.Color),
		verbose: cfg.Verbose,
		seen:    map[peer.ID]struct{}{},
	}
}

func (t *Terminal) Status() *Status {
	return t.status
}

// Searching announces the start of a lookup for key.
func (t *Terminal) Searching(key lookup.Key) {
	t.status.Show(fmt.Sprintf("Searching for providers of %s...", key), ColorNone)
}

func (t *Terminal) Consume(ev lookup.Event) {
	switch ev := ev.(type) {
	case lookup.DialingPeer:
		t.trace(ev, fmt.Sprintf("dialing %s", ev.Peer.ID), ColorNone)
	case lookup.QuerySent:
		t.trace(ev, fmt.Sprintf("sending %s query to %s", ev.Query, ev.To.ID), ColorNone)
	case lookup.QueryError:
		t.trace(ev, fmt.Sprintf("query to %s failed: %v", ev.From.ID, queryErrorText(ev)), ColorError)
	case lookup.PeerResponded:
		t.trace(ev, fmt.Sprintf("%s responded with %d closer peers and %d providers", ev.From.ID, len(ev.CloserPeers), len(ev.Providers)), ColorNone)
	case lookup.ProviderFound:
		if _, ok := t.seen[ev.Provider.ID]; ok {
			return
		}
		t.seen[ev.Provider.ID] = struct{}{}
		t.providers = append(t.providers, NewProviderJSON(ev.Provider))
		t.showProviders()
	case lookup.LookupComplete:
		t.trace(ev, fmt.Sprintf("lookup complete: %s after %d queries", ev.Reason, ev.Queried), ColorActive)
		if len(t.providers) == 0 {
			t.status.Show("Query failed:\n"+indent(failureText(ev.Reason)), ColorError)
		}
	}
}

func (t *Terminal) trace(ev lookup.Event, text string, c Color) {
	if !t.verbose {
		return
	}
	t.status.Show(fmt.Sprintf("[round %d] %s", ev.Header().Round, text), c)
}

func (t *Terminal) showProviders() {
	b, err := json.MarshalIndent(t.providers, "", "  ")
	if err != nil {
		t.status.Show(fmt.Sprintf("could not render providers: %v", err), ColorError)
		return
	}
	t.status.Show("Providers:\n"+string(b), ColorSuccess)
}

func queryErrorText(ev lookup.QueryError) string {
	if ev.Err == nil {
		return string(ev.Failure)
	}
	return ev.Err.Error()
}

func failureText(reason lookup.CompletionReason) string {
	switch reason {
	case lookup.ReasonTimeout:
		return "no providers found before the lookup timed out"
	case lookup.ReasonCancelled:
		return "the lookup was cancelled"
	default:
		return fmt.Sprintf("no providers found (%s)", reason)
	}
}

func indent(text string) string {
	return "  " + strings.ReplaceAll(text, "\n", "\n  ")
}
