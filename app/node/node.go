// Package node assembles a running block exchange node: repo, block store,
// swarm and the bridge between them.
package node

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
	"github.com/ipfs-force-community/blockbridge/pkg/exchange"
	"github.com/ipfs-force-community/blockbridge/pkg/metrics"
	"github.com/ipfs-force-community/blockbridge/pkg/net"
	"github.com/ipfs-force-community/blockbridge/pkg/repo"
	"github.com/ipfs-force-community/blockbridge/pkg/store"
)

var log = logging.Logger("node")

const metricsNamespace = "blockbridge"

// Node is a block exchange node.
type Node struct {
	repo         repo.Repo
	cfg          *config.Config
	exchangeOpts exchange.Options

	store *store.Store
	swarm *net.Behaviour

	bridge     *exchange.Bridge
	listenAddr ma.Multiaddr
	metrics    *metrics.Server

	cancel   context.CancelFunc
	done     chan error
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Repo returns the repo.
func (node *Node) Repo() repo.Repo {
	return node.repo
}

// Store returns the block store.
func (node *Node) Store() *store.Store {
	return node.store
}

// Swarm returns the networking layer.
func (node *Node) Swarm() *net.Behaviour {
	return node.swarm
}

// ListenAddr is the first address the swarm bound. It is nil before Start.
func (node *Node) ListenAddr() ma.Multiaddr {
	return node.listenAddr
}

// Done receives the result of the bridge once it stops.
func (node *Node) Done() <-chan error {
	return node.done
}

// Start binds the listen addresses, starts the bridge and bootstraps the
// swarm in the background.
func (node *Node) Start(ctx context.Context) error {
	listen, err := config.ParseMultiaddrs(node.cfg.Swarm.ListenAddresses)
	if err != nil {
		return errors.Wrap(err, "swarm.listenAddresses")
	}
	public, err := config.ParseMultiaddrs(node.cfg.Swarm.PublicAddresses)
	if err != nil {
		return errors.Wrap(err, "swarm.publicAddresses")
	}

	node.bridge, node.listenAddr, err = exchange.NewBridge(ctx, node.store, node.swarm, listen, public, node.exchangeOpts)
	if err != nil {
		return errors.Wrap(err, "failed to start exchange")
	}

	if n, err := node.store.Rewant(ctx); err != nil {
		log.Warnw("failed to requeue wants", "err", err)
	} else if n > 0 {
		log.Infow("requeued wants", "count", n)
	}

	if node.cfg.Metrics.Enabled {
		node.metrics, err = metrics.Listen(node.cfg.Metrics.Address, metricsNamespace)
		if err != nil {
			return errors.Wrap(err, "failed to setup metrics")
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel
	node.done = make(chan error, 1)

	node.wg.Add(2)
	go func() {
		defer node.wg.Done()
		err := node.bridge.Run(runCtx)
		if err != nil && err != context.Canceled {
			log.Errorw("bridge stopped", "err", err)
		}
		node.done <- err
	}()
	go func() {
		defer node.wg.Done()
		if err := node.swarm.Bootstrap(runCtx); err != nil && runCtx.Err() == nil {
			log.Warnw("bootstrap failed", "err", err)
		}
	}()

	log.Infow("node started", "peer", node.swarm.ID(), "addr", node.listenAddr)
	return nil
}

// Stop shuts the node down. Closing the store ends the intent stream and
// closing the swarm ends the event stream, so the bridge returns on its own
// before the repo is closed.
func (node *Node) Stop(ctx context.Context) error {
	var result error
	node.stopOnce.Do(func() {
		log.Infof("closing store...")
		if err := node.store.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close store"))
		}

		bw := node.swarm.BandwidthStats()
		log.Infow("swarm traffic", "in", bw.TotalIn, "out", bw.TotalOut, "peers", len(node.swarm.Peers()))
		log.Infof("shutting down swarm...")
		if err := node.swarm.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close swarm"))
		}

		stopped := make(chan struct{})
		go func() {
			node.wg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			result = multierror.Append(result, errors.Wrap(ctx.Err(), "waiting for the bridge"))
		}
		if node.cancel != nil {
			node.cancel()
		}

		if node.metrics != nil {
			if err := node.metrics.Close(ctx); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "failed to close metrics server"))
			}
		}

		log.Infof("closing repository...")
		if err := node.repo.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close repo"))
		}

		for _, name := range logging.GetSubsystems() {
			_ = logging.Logger(name).Sync()
		}
	})
	return result
}
