package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"findprovs/pkg/metrics"
)

// RoutingTableView exposes the peers the local node already knows about.
type RoutingTableView interface {
	// ClosestPeers returns up to count known peers ordered by proximity to key.
	ClosestPeers(ctx context.Context, key Key, count int) ([]PeerRecord, error)
}

// QueryResult is the answer of a peer to a provider query.
type QueryResult struct {
	CloserPeers []PeerRecord
	Providers   []ProviderRecord
}

// QueryPeerClient sends a single provider query to one peer. The context carries
// both the deadline and the abort signal of the call. Failures should be
// returned as *QueryFailure, untagged errors are classified with ClassifyError.
type QueryPeerClient interface {
	Query(ctx context.Context, p PeerRecord, key Key) (QueryResult, error)
}

// ConnectednessChecker is optionally implemented by a QueryPeerClient to tell
// whether a query to a peer reuses an existing connection.
type ConnectednessChecker interface {
	IsConnected(id peer.ID) bool
}

// State is the lifecycle position of a lookup.
type State int32

const (
	StateIdle State = iota
	StateSeeding
	StateQuerying
	StateConverging
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSeeding:
		return "seeding"
	case StateQuerying:
		return "querying"
	case StateConverging:
		return "converging"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Result summarizes a finished lookup.
type Result struct {
	ID        string
	Key       Key
	Reason    CompletionReason
	Providers []ProviderRecord
	Rounds    int
	Queried   int
	Failed    int
	Duration  time.Duration
}

// Engine runs provider lookups. It holds no per-lookup state, so any number of
// lookups can run on the same engine at the same time.
type Engine struct {
	client QueryPeerClient
	table  RoutingTableView
	cfg    Config
}

// NewEngine creates an engine querying peers through client. table may be nil,
// lookups then only start from the seed peers given to them.
func NewEngine(client QueryPeerClient, table RoutingTableView, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	cfg := DefaultConfig()
	if err := cfg.Apply(opts...); err != nil {
		return nil, err
	}
	return &Engine{
		client: client,
		table:  table,
		cfg:    cfg,
	}, nil
}

// Run performs a lookup for key and blocks until it completes. Events are
// delivered to sink in order, the last one being LookupComplete. When seeds is
// empty the lookup starts from the closest peers in the routing table.
//
// Only an invalid key or invalid options return an error, failing peers and
// timeouts are reported through the events and the result.
func (e *Engine) Run(ctx context.Context, key Key, seeds []PeerRecord, sink EventSink, opts ...Option) (Result, error) {
	q, err := e.newQuery(key, seeds, opts)
	if err != nil {
		return Result{}, err
	}
	if sink != nil {
		q.sink = sink
	}
	return q.run(ctx), nil
}

func (e *Engine) newQuery(key Key, seeds []PeerRecord, opts []Option) (*query, error) {
	if !key.Defined() {
		return nil, fmt.Errorf("%w: key is not defined", ErrInvalidKey)
	}
	cfg := e.cfg
	if err := cfg.Apply(opts...); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &query{
		id:       id,
		key:      key,
		seeds:    seeds,
		cfg:      cfg,
		client:   e.client,
		table:    e.table,
		sink:     SinkFunc(func(Event) {}),
		log:      cfg.Log.WithName("lookup").WithValues("lookup", id, "key", key.String()),
		frontier: NewFrontier(key, cfg.frontierCapacity()),
		state:    NewQueryState(key, cfg.BucketSize),
	}, nil
}

// query is a single lookup. Frontier and state are only touched by the
// goroutine executing run, the query goroutines only report back over a channel.
type query struct {
	id       string
	key      Key
	seeds    []PeerRecord
	cfg      Config
	client   QueryPeerClient
	table    RoutingTableView
	sink     EventSink
	log      logr.Logger
	frontier *Frontier
	state    *QueryState
	round    int
	status   atomic.Int32
}

// outcome is what became of one query of a round.
type outcome struct {
	peer   PeerRecord
	dial   bool
	sentAt time.Time
	doneAt time.Time
	result QueryResult
	err    error
	done   bool
}

type reply struct {
	index  int
	result QueryResult
	err    error
}

func (q *query) run(ctx context.Context) Result {
	start := q.cfg.Clock.Now()
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = q.cfg.Clock.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}
	reason := q.loop(ctx)
	return q.complete(reason, start)
}

func (q *query) loop(ctx context.Context) CompletionReason {
	q.setStatus(StateSeeding)
	seeds := q.seed(ctx)
	if reason, ok := interrupted(ctx); ok {
		return reason
	}
	added := q.frontier.Seed(seeds)
	q.state.UpdateClosest(seeds)
	q.log.V(4).Info("seeded lookup", "seeds", len(seeds), "queued", added)

	for {
		q.setStatus(StateQuerying)
		if reason, ok := interrupted(ctx); ok {
			return reason
		}
		batch := q.nextBatch()
		if len(batch) == 0 {
			return ReasonFrontierExhausted
		}
		q.round++
		q.log.V(4).Info("starting round", "round", q.round, "peers", len(batch), "queued", q.frontier.Len())
		outcomes := q.dispatch(ctx, batch)
		// A cancelled round is discarded without emitting anything.
		if cancelledCtx(ctx) {
			return ReasonCancelled
		}

		q.setStatus(StateConverging)
		converged, cancelled := q.commit(ctx, outcomes)
		if cancelled {
			return ReasonCancelled
		}
		reason, stopped := interrupted(ctx)
		switch {
		case stopped && reason == ReasonCancelled:
			return reason
		case q.cfg.DesiredProviders > 0 && q.state.ProviderCount() >= q.cfg.DesiredProviders:
			return ReasonProviderThreshold
		case stopped:
			return reason
		case q.frontier.Len() == 0:
			return ReasonFrontierExhausted
		case converged:
			return ReasonConverged
		}
	}
}

func (q *query) seed(ctx context.Context) []PeerRecord {
	if q.cfg.Self != "" {
		q.frontier.MarkVisited(q.cfg.Self)
	}
	seeds := q.seeds
	if len(seeds) == 0 && q.table != nil {
		peers, err := q.table.ClosestPeers(ctx, q.key, q.cfg.BucketSize)
		if err != nil {
			q.log.Error(err, "could not get closest peers from routing table")
		}
		seeds = peers
	}
	return q.withoutSelf(seeds)
}

func (q *query) nextBatch() []PeerRecord {
	batch := make([]PeerRecord, 0, q.cfg.Concurrency)
	for len(batch) < q.cfg.Concurrency {
		p, ok := q.frontier.PopClosest()
		if !ok {
			break
		}
		batch = append(batch, p)
	}
	return batch
}

// dispatch queries every peer of batch concurrently and waits for all of them.
// When the lookup context ends or the provider threshold is crossed the
// remaining queries are aborted, and queries still running after the grace
// period are recorded as failed.
func (q *query) dispatch(ctx context.Context, batch []PeerRecord) []outcome {
	roundCtx, abort := context.WithCancel(ctx)
	defer abort()

	outcomes := make([]outcome, len(batch))
	replies := make(chan reply, len(batch))
	for i, p := range batch {
		outcomes[i] = outcome{
			peer:   p,
			dial:   q.needsDial(p.ID),
			sentAt: q.cfg.Clock.Now(),
		}
		go func() {
			callCtx := roundCtx
			if q.cfg.QueryTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = q.cfg.Clock.WithTimeout(roundCtx, q.cfg.QueryTimeout)
				defer cancel()
			}
			res, err := q.client.Query(callCtx, p, q.key)
			replies <- reply{index: i, result: res, err: err}
		}()
	}
	q.state.inFlight += len(batch)
	metrics.InFlightQueries.Add(float64(len(batch)))
	defer metrics.InFlightQueries.Sub(float64(len(batch)))

	var grace *clock.Timer
	var graceC <-chan time.Time
	startGrace := func() {
		if grace == nil {
			grace = q.cfg.Clock.Timer(q.cfg.GracePeriod)
			graceC = grace.C
		}
	}
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	fresh := map[peer.ID]struct{}{}
	done := ctx.Done()
	pending := len(batch)
	for pending > 0 {
		select {
		case r := <-replies:
			o := &outcomes[r.index]
			o.result, o.err, o.done, o.doneAt = r.result, r.err, true, q.cfg.Clock.Now()
			pending--
			q.state.inFlight--
			if r.err == nil && q.crossesThreshold(fresh, r.result.Providers) {
				q.log.V(4).Info("provider threshold reached, aborting remaining queries", "round", q.round, "pending", pending)
				abort()
				startGrace()
			}
		case <-done:
			// The round context is a child of ctx and already carries its error.
			done = nil
			startGrace()
		case <-graceC:
			failure := graceFailure(ctx)
			for i := range outcomes {
				if outcomes[i].done {
					continue
				}
				outcomes[i].err, outcomes[i].done, outcomes[i].doneAt = failure, true, q.cfg.Clock.Now()
				q.state.inFlight--
			}
			q.log.V(4).Info("abandoning queries after grace period", "round", q.round, "pending", pending)
			pending = 0
		}
	}
	return outcomes
}

// crossesThreshold adds the providers not recorded yet to fresh and reports
// whether recorded and fresh providers together reach the desired count. The
// query state itself is only updated once the whole round is in.
func (q *query) crossesThreshold(fresh map[peer.ID]struct{}, providers []ProviderRecord) bool {
	if q.cfg.DesiredProviders == 0 {
		return false
	}
	for _, p := range providers {
		if p.ID != "" && !q.state.HasProvider(p.ID) {
			fresh[p.ID] = struct{}{}
		}
	}
	return q.state.ProviderCount()+len(fresh) >= q.cfg.DesiredProviders
}

// commit applies the outcomes of a round in the order the queries were issued
// and reports whether the round made no progress towards the target. When the
// lookup is cancelled while the round is being committed, commit stops before
// the next event and reports it, the rest of the round is discarded.
func (q *query) commit(ctx context.Context, outcomes []outcome) (converged, cancelled bool) {
	var candidates []PeerRecord
	for _, o := range outcomes {
		sent := EventHeader{Time: o.sentAt, Round: q.round}
		if o.dial {
			if !q.emitActive(ctx, DialingPeer{EventHeader: sent, Peer: o.peer}) {
				return false, true
			}
		}
		if !q.emitActive(ctx, QuerySent{EventHeader: sent, To: o.peer, Query: QueryGetProviders}) {
			return false, true
		}
		q.state.queried++

		received := EventHeader{Time: o.doneAt, Round: q.round}
		if o.err != nil {
			kind := ClassifyError(o.err)
			q.state.failed++
			metrics.PeerQueriesTotal.WithLabelValues(string(kind)).Inc()
			q.log.V(4).Info("query failed", "peer", o.peer.ID.String(), "failure", kind, "err", o.err.Error())
			if !q.emitActive(ctx, QueryError{EventHeader: received, From: o.peer, Failure: kind, Err: o.err}) {
				return false, true
			}
			continue
		}

		metrics.PeerQueriesTotal.WithLabelValues("success").Inc()
		closer := q.withoutSelf(o.result.CloserPeers)
		if !q.emitActive(ctx, PeerResponded{EventHeader: received, From: o.peer, CloserPeers: closer, Providers: o.result.Providers}) {
			return false, true
		}
		for _, p := range o.result.Providers {
			// Checked before recording so a provider is only kept when it is also reported.
			if cancelledCtx(ctx) {
				return false, true
			}
			if !q.state.RecordProvider(p) {
				continue
			}
			metrics.ProvidersFoundTotal.Inc()
			q.emit(ProviderFound{EventHeader: received, Provider: q.state.providers[p.ID]})
		}
		if cancelledCtx(ctx) {
			return false, true
		}
		q.frontier.Offer(closer)
		candidates = append(candidates, closer...)
	}
	converged = q.state.IsConverged(candidates)
	q.state.UpdateClosest(candidates)
	return converged, false
}

func (q *query) complete(reason CompletionReason, start time.Time) Result {
	if reason == ReasonCancelled {
		q.setStatus(StateCancelled)
	} else {
		q.setStatus(StateCompleted)
	}
	now := q.cfg.Clock.Now()
	res := Result{
		ID:        q.id,
		Key:       q.key,
		Reason:    reason,
		Providers: q.state.Providers(),
		Rounds:    q.round,
		Queried:   q.state.queried,
		Failed:    q.state.failed,
		Duration:  now.Sub(start),
	}
	q.emit(LookupComplete{
		EventHeader: EventHeader{Time: now, Round: q.round},
		Reason:      reason,
		Providers:   len(res.Providers),
		Queried:     res.Queried,
	})

	metrics.LookupsTotal.WithLabelValues(string(reason)).Inc()
	metrics.LookupDurHistogram.WithLabelValues(string(reason)).Observe(res.Duration.Seconds())
	metrics.LookupRounds.Observe(float64(res.Rounds))
	q.log.Info("lookup complete", "reason", reason, "providers", len(res.Providers), "rounds", res.Rounds, "queried", res.Queried, "failed", res.Failed, "duration", res.Duration.String())
	return res
}

func (q *query) emit(ev Event) {
	q.sink.Consume(ev)
}

// emitActive emits ev unless the lookup has been cancelled.
func (q *query) emitActive(ctx context.Context, ev Event) bool {
	if cancelledCtx(ctx) {
		return false
	}
	q.emit(ev)
	return true
}

func cancelledCtx(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func (q *query) needsDial(id peer.ID) bool {
	cc, ok := q.client.(ConnectednessChecker)
	if !ok {
		return true
	}
	return !cc.IsConnected(id)
}

func (q *query) withoutSelf(peers []PeerRecord) []PeerRecord {
	if q.cfg.Self == "" {
		return peers
	}
	out := make([]PeerRecord, 0, len(peers))
	for _, p := range peers {
		if p.ID != q.cfg.Self {
			out = append(out, p)
		}
	}
	return out
}

func (q *query) setStatus(s State) {
	prev := State(q.status.Swap(int32(s)))
	if prev != s {
		q.log.V(6).Info("lookup state changed", "from", prev.String(), "to", s.String())
	}
}

func (q *query) currentState() State {
	return State(q.status.Load())
}

func interrupted(ctx context.Context) (CompletionReason, bool) {
	err := ctx.Err()
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout, true
	default:
		return ReasonCancelled, true
	}
}

func graceFailure(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewQueryFailure(FailureTimeout, ErrGraceExpired)
	}
	return NewQueryFailure(FailureAborted, ErrGraceExpired)
}
