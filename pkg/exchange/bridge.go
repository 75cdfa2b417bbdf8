// Package exchange couples the local block store with the swarm. The Bridge
// turns store intents into swarm actions and swarm events into store
// mutations, always handling local intents before network events.
package exchange

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

var log = logging.Logger("exchange")

var (
	// ErrListenerClosed is returned by NewBridge when a listener closes
	// before any address was bound.
	ErrListenerClosed = errors.New("listener closed before binding")
	// ErrSwarmClosed is returned by NewBridge when the swarm event stream
	// ends during setup.
	ErrSwarmClosed = errors.New("swarm event stream closed")
	// ErrNoProviders fails retrievals nobody could serve.
	ErrNoProviders = errors.New("no providers found")
)

// DefaultWantPriority is the priority attached to every want.
const DefaultWantPriority int32 = 1000

// Options tune the bridge.
type Options struct {
	WantPriority int32
	Chooser      PeerChooser
	NoProviders  NoProvidersPolicy
}

// DefaultOptions returns the options of a default configuration.
func DefaultOptions() Options {
	return Options{
		WantPriority: DefaultWantPriority,
		Chooser:      FirstPeer{},
		NoProviders: NoProvidersPolicy{
			Policy:      config.NoProvidersFail,
			MaxAttempts: 3,
		},
	}
}

// OptionsFromConfig builds bridge options from the exchange config section.
func OptionsFromConfig(cfg *config.ExchangeConfig) (Options, error) {
	chooser, err := NewPeerChooser(cfg.PeerSelection)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		WantPriority: cfg.WantPriority,
		Chooser:      chooser,
		NoProviders:  DefaultOptions().NoProviders,
	}
	if cfg.NoProviders != nil {
		opts.NoProviders = NoProvidersPolicy{
			Policy:      cfg.NoProviders.Policy,
			MaxAttempts: cfg.NoProviders.MaxAttempts,
		}
	}
	return opts, nil
}

// Bridge is the steady state coordinator. It holds no state of its own
// besides the NoProviders attempt counters.
type Bridge struct {
	store   Store
	swarm   Swarm
	aborter WantAborter
	opts    Options

	intents <-chan types.Intent
	events  <-chan types.Event

	attempts attempts
}

// Run processes intents and events until either stream closes, which ends
// Run with a nil error, or ctx is cancelled.
//
// Every pass first drains all ready intents, then all ready events. When
// both sources are idle Run parks on both; if an event wakes it, intents
// that became ready meanwhile are still handled first.
func (b *Bridge) Run(ctx context.Context) error {
	log.Info("bridge running")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		handled, open := b.drainIntents(ctx)
		if !open {
			log.Info("intent stream closed, stopping bridge")
			return nil
		}
		n, open := b.drainEvents(ctx)
		if !open {
			log.Info("swarm event stream closed, stopping bridge")
			return nil
		}
		if handled+n > 0 {
			continue
		}

		select {
		case in, ok := <-b.intents:
			if !ok {
				log.Info("intent stream closed, stopping bridge")
				return nil
			}
			b.handleIntent(ctx, in)
		case ev, ok := <-b.events:
			if !ok {
				log.Info("swarm event stream closed, stopping bridge")
				return nil
			}
			if _, open := b.drainIntents(ctx); !open {
				log.Info("intent stream closed, stopping bridge")
				return nil
			}
			b.handleEvent(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainIntents handles every intent that is ready without blocking.
func (b *Bridge) drainIntents(ctx context.Context) (int, bool) {
	handled := 0
	for {
		select {
		case in, ok := <-b.intents:
			if !ok {
				return handled, false
			}
			b.handleIntent(ctx, in)
			handled++
		default:
			return handled, true
		}
	}
}

// drainEvents handles every event that is ready without blocking.
func (b *Bridge) drainEvents(ctx context.Context) (int, bool) {
	handled := 0
	for {
		select {
		case ev, ok := <-b.events:
			if !ok {
				return handled, false
			}
			b.handleEvent(ctx, ev)
			handled++
		default:
			return handled, true
		}
	}
}

func (b *Bridge) handleIntent(ctx context.Context, in types.Intent) {
	intentsHandled.IncKind(ctx, in.Kind.String())
	c := in.Cid

	switch in.Kind {
	case types.IntentWant:
		log.Debugw("want", "cid", c)
		b.swarm.Want(c, b.opts.WantPriority)
	case types.IntentCancel:
		log.Debugw("cancel", "cid", c)
		b.attempts.reset(c)
		b.swarm.Cancel(c)
	case types.IntentProvide:
		b.provide(ctx, c)
	case types.IntentUnprovide:
		log.Debugw("unprovide", "cid", c)
		b.swarm.Unprovide(c)
	default:
		log.Errorw("unknown intent", "kind", in.Kind, "cid", c)
	}
}

// provide advertises c, pushing the data along when it is stored locally.
func (b *Bridge) provide(ctx context.Context, c cid.Cid) {
	blk, ok, err := b.store.GetLocal(ctx, c)
	if err != nil {
		handlerErrors.IncKind(ctx, "provide")
		log.Warnw("failed to look up block, providing without data", "cid", c, "err", err)
		ok = false
	}

	if ok {
		log.Debugw("provide and send", "cid", c)
		err = b.swarm.ProvideAndSend(c, blk.RawData())
	} else {
		log.Debugw("provide", "cid", c)
		err = b.swarm.Provide(c)
	}
	if err != nil {
		handlerErrors.IncKind(ctx, "provide")
		log.Errorw("failed to provide", "cid", c, "err", err)
	}
}

func (b *Bridge) handleEvent(ctx context.Context, ev types.Event) {
	eventsHandled.IncKind(ctx, ev.Kind())

	switch e := ev.(type) {
	case types.ReceivedBlock:
		b.receivedBlock(ctx, e)
	case types.ReceivedWant:
		b.receivedWant(ctx, e)
	case types.Providers:
		p, ok := b.opts.Chooser.Choose(e.Peers)
		if !ok {
			handlerErrors.IncKind(ctx, e.Kind())
			log.Errorw("swarm reported an empty provider set", "cid", e.Cid)
			return
		}
		log.Debugw("connecting to provider", "cid", e.Cid, "peer", p)
		b.swarm.Connect(p)
	case types.NoProviders:
		b.noProviders(e.Cid)
	case types.BootstrapComplete:
		b.provideAll(ctx)
	case types.ListenAddrBound:
		log.Infow("listening", "addr", e.Addr)
	case types.ListenerClosed:
		log.Warnw("listener closed", "addrs", e.Addrs, "reason", e.Reason)
	default:
		log.Warnw("unknown swarm event", "kind", ev.Kind())
	}
}

func (b *Bridge) receivedBlock(ctx context.Context, e types.ReceivedBlock) {
	b.attempts.reset(e.Cid)
	blk, err := blocks.NewBlockWithCid(e.Data, e.Cid)
	if err != nil {
		handlerErrors.IncKind(ctx, e.Kind())
		log.Errorw("failed to build received block", "cid", e.Cid, "peer", e.Peer, "err", err)
		return
	}
	if err := b.store.Insert(ctx, blk); err != nil {
		handlerErrors.IncKind(ctx, e.Kind())
		log.Errorw("failed to insert received block", "cid", e.Cid, "peer", e.Peer, "err", err)
		return
	}
	log.Debugw("received block", "cid", e.Cid, "peer", e.Peer)
}

func (b *Bridge) receivedWant(ctx context.Context, e types.ReceivedWant) {
	blk, ok, err := b.store.GetLocal(ctx, e.Cid)
	if err != nil {
		handlerErrors.IncKind(ctx, e.Kind())
		log.Errorw("failed to look up wanted block", "cid", e.Cid, "peer", e.Peer, "err", err)
		return
	}
	if !ok {
		log.Debugw("peer wants a block we do not have", "cid", e.Cid, "peer", e.Peer)
		return
	}
	b.swarm.Send(e.Peer, e.Cid, blk.RawData())
}

func (b *Bridge) noProviders(c cid.Cid) {
	policy := b.opts.NoProviders
	switch policy.Policy {
	case config.NoProvidersIgnore:
		log.Infow("no providers, leaving want pending", "cid", c)
	case config.NoProvidersRetry:
		log.Infow("no providers, wanting again", "cid", c)
		b.swarm.Want(c, b.opts.WantPriority)
	default:
		n := b.attempts.inc(c)
		if n < policy.MaxAttempts {
			log.Infow("no providers, wanting again", "cid", c, "attempt", n)
			b.swarm.Want(c, b.opts.WantPriority)
			return
		}
		b.attempts.reset(c)
		if b.aborter == nil {
			log.Warnw("no providers, giving up", "cid", c, "attempts", n)
			return
		}
		log.Warnw("no providers, aborting retrieval", "cid", c, "attempts", n)
		b.aborter.AbortWant(c, ErrNoProviders)
	}
}

// provideAll advertises every public block. Entries that fail to enumerate
// are logged one by one.
func (b *Bridge) provideAll(ctx context.Context) {
	provided, failed := 0, 0
	for p := range b.store.PublicCids(ctx) {
		if p.Err != nil {
			failed++
			handlerErrors.IncKind(ctx, types.BootstrapComplete{}.Kind())
			log.Errorw("failed to enumerate public block", "cid", p.Cid, "err", p.Err)
			continue
		}
		if err := b.swarm.Provide(p.Cid); err != nil {
			failed++
			handlerErrors.IncKind(ctx, types.BootstrapComplete{}.Kind())
			log.Errorw("failed to provide public block", "cid", p.Cid, "err", err)
			continue
		}
		provided++
	}
	log.Infow("provided public blocks", "count", provided, "failed", failed)
}
