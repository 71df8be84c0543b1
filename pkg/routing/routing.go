package routing

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/peer"

	"findprovs/pkg/lookup"
)

// Router is the node a lookup runs on. It knows peers close to a key and can
// send provider queries to them.
type Router interface {
	lookup.RoutingTableView
	lookup.QueryPeerClient
	// Ready returns true when the router knows peers to start a lookup from.
	Ready(ctx context.Context) (bool, error)
	// Self returns the peer ID of the local node.
	Self() peer.ID
}

// DefaultReadyInterval is how often WaitReady polls a router.
const DefaultReadyInterval = time.Second

var errNotReady = errors.New("router has no peers yet")

// WaitReady polls the router every interval until it is ready or ctx is done.
func WaitReady(ctx context.Context, r Router, interval time.Duration) error {
	log := logr.FromContextOrDiscard(ctx).WithName("p2p")
	err := retry.Do(
		func() error {
			ready, err := r.Ready(ctx)
			if err != nil {
				return err
			}
			if !ready {
				return errNotReady
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if errors.Is(err, errNotReady) {
				log.V(4).Info("waiting for peers", "attempt", n+1)
				return
			}
			log.Error(err, "could not check router readiness", "attempt", n+1)
		}),
	)
	if err != nil {
		return err
	}
	return nil
}
