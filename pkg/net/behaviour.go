// Package net implements the swarm side of the block exchange on a libp2p
// host: bitswap messages over streams, kad-dht content routing and the
// event stream consumed by the exchange.
package net

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	offroute "github.com/ipfs/go-ipfs-routing/offline"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/metrics"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-libp2p-core/routing"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	swarm "github.com/libp2p/go-libp2p-swarm"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

var log = logging.Logger("swarm")

// ErrClosed is returned by operations on a closed behaviour.
var ErrClosed = errors.New("swarm closed")

// Behaviour is the libp2p backed swarm. It keeps the local wantlist, the
// ledger of what remote peers want from us and the set of provided cids, and
// reports everything that happens on the network as events.
type Behaviour struct {
	host   host.Host
	router routing.Routing
	dht    *dht.IpfsDHT
	bwc    *metrics.BandwidthCounter

	bootstrapPeers   []peer.AddrInfo
	handshakeTimeout time.Duration
	queryTimeout     time.Duration
	maxProviders     int
	reprovide        time.Duration

	lk       sync.Mutex
	wants    map[cid.Cid]int32
	queries  map[cid.Cid]*providerQuery
	ledger   map[cid.Cid]map[peer.ID]struct{}
	provided map[cid.Cid]struct{}
	external []ma.Multiaddr

	// evLk makes closing the event channel safe against concurrent emitters.
	evLk     sync.RWMutex
	evClosed bool
	events   chan types.Event

	ctx     context.Context
	cancel  context.CancelFunc
	closing chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewBehaviour builds the host and the content router. The host does not
// listen until ListenOn is called.
func NewBehaviour(ctx context.Context, priv crypto.PrivKey, ds datastore.Batching, cfg *config.Config) (*Behaviour, error) {
	bootstrapPeers, err := PeerAddrsToAddrInfo(cfg.Bootstrap.Addresses)
	if err != nil {
		return nil, errors.Wrap(err, "bootstrap.addresses")
	}
	bufSize := cfg.Swarm.EventBuffer
	if bufSize < 0 {
		bufSize = 0
	}

	bctx, cancel := context.WithCancel(context.Background())
	b := &Behaviour{
		bwc:              metrics.NewBandwidthCounter(),
		bootstrapPeers:   bootstrapPeers,
		handshakeTimeout: time.Duration(cfg.Swarm.HandshakeTimeout),
		queryTimeout:     time.Duration(cfg.Exchange.ProviderQueryTimeout),
		maxProviders:     cfg.Exchange.MaxProviders,
		reprovide:        time.Duration(cfg.Exchange.ReprovideInterval),
		wants:            make(map[cid.Cid]int32),
		queries:          make(map[cid.Cid]*providerQuery),
		ledger:           make(map[cid.Cid]map[peer.ID]struct{}),
		provided:         make(map[cid.Cid]struct{}),
		events:           make(chan types.Event, bufSize),
		ctx:              bctx,
		cancel:           cancel,
		closing:          make(chan struct{}),
	}

	h, err := buildHost(priv, cfg.Swarm, b.bwc, b.addrsFactory)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to build libp2p host")
	}
	b.host = h

	if cfg.Swarm.Offline {
		b.router = offroute.NewOfflineRouter(ds, blankValidator{})
	} else {
		d, err := dht.New(ctx, h,
			dht.Mode(dht.ModeAuto),
			dht.Datastore(ds),
			dht.ProtocolPrefix(protocol.ID(cfg.Swarm.DHTProtocolPrefix)),
			dht.BootstrapPeers(bootstrapPeers...),
		)
		if err != nil {
			cancel()
			_ = h.Close()
			return nil, errors.Wrap(err, "failed to setup routing")
		}
		b.dht = d
		b.router = d
	}

	for _, proto := range protocols {
		h.SetStreamHandler(proto, b.handleStream)
	}
	h.Network().Notify(b.notifiee())

	if b.reprovide > 0 {
		b.spawn(b.reprovider)
	}

	log.Infow("swarm ready", "peer", h.ID(), "offline", cfg.Swarm.Offline)
	return b, nil
}

// ID is the local peer id.
func (b *Behaviour) ID() peer.ID {
	return b.host.ID()
}

// Host exposes the underlying libp2p host.
func (b *Behaviour) Host() host.Host {
	return b.host
}

// Events is the stream of network events. It is closed by Close.
func (b *Behaviour) Events() <-chan types.Event {
	return b.events
}

// ListenOn starts listening on addr. ListenAddrBound is emitted once the
// listener is up.
func (b *Behaviour) ListenOn(addr ma.Multiaddr) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.host.Network().Listen(addr); err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return nil
}

// AddExternalAddress advertises addr to other peers in addition to the
// listen addresses. Nothing is dialed.
func (b *Behaviour) AddExternalAddress(addr ma.Multiaddr) {
	b.lk.Lock()
	defer b.lk.Unlock()
	for _, a := range b.external {
		if a.Equal(addr) {
			return
		}
	}
	b.external = append(b.external, addr)
}

func (b *Behaviour) addrsFactory(addrs []ma.Multiaddr) []ma.Multiaddr {
	b.lk.Lock()
	defer b.lk.Unlock()
	return append(addrs, b.external...)
}

// Connect dials p in the background using the addresses known for it.
func (b *Behaviour) Connect(p peer.ID) {
	if p == b.host.ID() || b.isClosed() {
		return
	}
	if sw, ok := b.host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(p)
	}
	b.spawn(func() {
		ctx, cancel := context.WithTimeout(b.ctx, b.handshakeTimeout)
		defer cancel()
		if err := b.host.Connect(ctx, peer.AddrInfo{ID: p}); err != nil {
			log.Warnw("failed to connect", "peer", p, "err", err)
			return
		}
		log.Debugw("connected", "peer", p)
	})
}

// Bootstrap connects to the bootstrap peers and fills the routing table, then
// emits BootstrapComplete.
func (b *Behaviour) Bootstrap(ctx context.Context) error {
	if b.dht != nil {
		b.connectBootstrapPeers(ctx)
		if err := b.router.Bootstrap(ctx); err != nil {
			return errors.Wrap(err, "failed to bootstrap routing")
		}
		select {
		case err := <-b.dht.RefreshRoutingTable():
			if err != nil {
				log.Warnw("routing table refresh failed", "err", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closing:
			return ErrClosed
		}
	}
	log.Infow("bootstrap complete", "peers", len(b.host.Network().Peers()))
	b.emit(types.BootstrapComplete{})
	return nil
}

func (b *Behaviour) connectBootstrapPeers(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pi := range b.bootstrapPeers {
		if pi.ID == b.host.ID() {
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, b.handshakeTimeout)
			defer cancel()
			if err := b.host.Connect(cctx, pi); err != nil {
				log.Warnw("failed to connect to bootstrap peer", "peer", pi.ID, "err", err)
			}
		}(pi)
	}
	wg.Wait()
}

func (b *Behaviour) emit(ev types.Event) bool {
	b.evLk.RLock()
	defer b.evLk.RUnlock()
	if b.evClosed {
		return false
	}
	select {
	case b.events <- ev:
		return true
	case <-b.closing:
		return false
	}
}

// spawn runs fn in a goroutine tracked by Close. Nothing is started once the
// behaviour is closing.
func (b *Behaviour) spawn(fn func()) bool {
	b.lk.Lock()
	if b.isClosed() {
		b.lk.Unlock()
		return false
	}
	b.wg.Add(1)
	b.lk.Unlock()
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

func (b *Behaviour) isClosed() bool {
	select {
	case <-b.closing:
		return true
	default:
		return false
	}
}

// Close stops background work, shuts down routing and the host and closes
// the event stream.
func (b *Behaviour) Close() error {
	var result error
	b.once.Do(func() {
		b.lk.Lock()
		close(b.closing)
		b.cancel()
		for c, q := range b.queries {
			q.cancel()
			delete(b.queries, c)
		}
		b.lk.Unlock()

		if closer, ok := b.router.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "failed to close routing"))
			}
		}
		if err := b.host.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close host"))
		}
		b.wg.Wait()

		b.evLk.Lock()
		b.evClosed = true
		close(b.events)
		b.evLk.Unlock()
	})
	return result
}

type blankValidator struct{}

func (blankValidator) Validate(_ string, _ []byte) error        { return nil }
func (blankValidator) Select(_ string, _ [][]byte) (int, error) { return 0, nil }
