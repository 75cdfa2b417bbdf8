package exchange

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

// ListenerClosedError reports a listener that closed before any address was
// bound. It matches ErrListenerClosed with errors.Is and unwraps to Reason.
type ListenerClosedError struct {
	Addrs  []ma.Multiaddr
	Reason error
}

func (e *ListenerClosedError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("%s: %v", ErrListenerClosed, e.Addrs)
	}
	return fmt.Sprintf("%s: %v: %s", ErrListenerClosed, e.Addrs, e.Reason)
}

func (e *ListenerClosedError) Unwrap() error { return e.Reason }

func (e *ListenerClosedError) Is(target error) bool { return target == ErrListenerClosed }

// NewBridge starts listening on every listen address, advertises the public
// addresses and waits until the first address is bound. Only then does it
// subscribe to the store intents. The bound address is returned with the
// bridge; Run must be called to start the steady state.
func NewBridge(ctx context.Context, store Store, swarm Swarm, listen, public []ma.Multiaddr, opts Options) (*Bridge, ma.Multiaddr, error) {
	if len(listen) == 0 {
		return nil, nil, errors.New("no listen address configured")
	}
	if opts.Chooser == nil {
		opts.Chooser = FirstPeer{}
	}

	for _, addr := range listen {
		if err := swarm.ListenOn(addr); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to listen on %s", addr)
		}
	}
	for _, addr := range public {
		swarm.AddExternalAddress(addr)
	}

	events := swarm.Events()
	bound, err := waitListening(ctx, events)
	if err != nil {
		return nil, nil, err
	}
	log.Infow("listening", "addr", bound)

	b := &Bridge{
		store:    store,
		swarm:    swarm,
		opts:     opts,
		intents:  store.SubscribeIntents(),
		events:   events,
		attempts: make(attempts),
	}
	if aborter, ok := store.(WantAborter); ok {
		b.aborter = aborter
	}
	return b, bound, nil
}

// waitListening blocks until the first ListenAddrBound. A listener that
// closes with an error fails the setup; an orderly close and any other
// event are dropped.
func waitListening(ctx context.Context, events <-chan types.Event) (ma.Multiaddr, error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, ErrSwarmClosed
			}
			switch e := ev.(type) {
			case types.ListenAddrBound:
				return e.Addr, nil
			case types.ListenerClosed:
				if e.Reason != nil {
					return nil, &ListenerClosedError{Addrs: e.Addrs, Reason: e.Reason}
				}
				log.Infow("listener closed before binding", "addrs", e.Addrs)
			default:
				log.Debugw("ignoring event before listening", "kind", ev.Kind())
			}
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "waiting for a listen address")
		}
	}
}
