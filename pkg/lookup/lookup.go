package lookup

import (
	"context"
	"errors"
	"sync"
)

// Lookup is a running lookup started with Engine.Start.
//
// Providers and Events are buffered without bound so the lookup never waits on
// its reader. Both channels are closed after LookupComplete and must be read
// until then, cancel the lookup to get there early.
type Lookup struct {
	id        string
	q         *query
	events    *stream[Event]
	providers *stream[ProviderRecord]
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	result    Result
}

// Start begins a lookup for key in the background. An invalid key or invalid
// options are returned right away and no lookup is started.
func (e *Engine) Start(ctx context.Context, key Key, seeds []PeerRecord, opts ...Option) (*Lookup, error) {
	q, err := e.newQuery(key, seeds, opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Lookup{
		id:        q.id,
		q:         q,
		events:    newStream[Event](),
		providers: newStream[ProviderRecord](),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	q.sink = SinkFunc(l.consume)
	go func() {
		defer close(l.done)
		defer cancel()
		l.result = q.run(ctx)
	}()
	return l, nil
}

func (l *Lookup) consume(ev Event) {
	l.events.push(ev)
	switch ev := ev.(type) {
	case ProviderFound:
		l.providers.push(ev.Provider)
	case LookupComplete:
		l.providers.close()
		l.events.close()
	}
}

func (l *Lookup) ID() string {
	return l.id
}

// Providers yields every distinct provider once, in discovery order.
func (l *Lookup) Providers() <-chan ProviderRecord {
	return l.providers.out
}

// Events yields the trace of the lookup.
func (l *Lookup) Events() <-chan Event {
	return l.events.out
}

// Cancel stops the lookup. It is safe to call any number of times from any goroutine.
func (l *Lookup) Cancel() {
	l.cancel()
}

// Done is closed once the lookup has completed.
func (l *Lookup) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the lookup has completed and returns its result.
func (l *Lookup) Wait() Result {
	<-l.done
	return l.result
}

// State reports StateCancelled as soon as the lookup has been cancelled, even
// while the queries of the current round are still winding down.
func (l *Lookup) State() State {
	s := l.q.currentState()
	if s == StateCompleted || s == StateCancelled {
		return s
	}
	if errors.Is(l.ctx.Err(), context.Canceled) {
		return StateCancelled
	}
	return s
}

// stream is an unbounded queue drained into a channel by its own goroutine.
type stream[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
	out    chan T
}

func newStream[T any]() *stream[T] {
	s := &stream[T]{
		out: make(chan T),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *stream[T]) push(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.items = append(s.items, v)
	s.cond.Signal()
}

func (s *stream[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Signal()
}

func (s *stream[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.items) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.items) == 0 {
			s.mu.Unlock()
			return
		}
		v := s.items[0]
		var zero T
		s.items[0] = zero
		s.items = s.items[1:]
		s.mu.Unlock()
		s.out <- v
	}
}
