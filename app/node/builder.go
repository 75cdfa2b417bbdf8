package node

import (
	"context"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
	"github.com/ipfs-force-community/blockbridge/pkg/exchange"
	"github.com/ipfs-force-community/blockbridge/pkg/net"
	"github.com/ipfs-force-community/blockbridge/pkg/repo"
	"github.com/ipfs-force-community/blockbridge/pkg/store"
)

// Builder is a helper to aid in the construction of a node.
type Builder struct {
	repo         repo.Repo
	offlineMode  bool
	exchangeOpts *exchange.Options
}

// BuilderOpt is an option for building a node.
type BuilderOpt func(*Builder) error

// OfflineMode enables or disables offline mode. Offline nodes still listen
// and exchange blocks with peers they are told about but skip the DHT.
func OfflineMode(offlineMode bool) BuilderOpt {
	return func(c *Builder) error {
		c.offlineMode = offlineMode
		return nil
	}
}

// Repo sets the repo the node runs on. An in memory repo is used otherwise.
func Repo(r repo.Repo) BuilderOpt {
	return func(c *Builder) error {
		c.repo = r
		return nil
	}
}

// ExchangeOptions overrides the bridge options derived from the config.
func ExchangeOptions(opts exchange.Options) BuilderOpt {
	return func(c *Builder) error {
		c.exchangeOpts = &opts
		return nil
	}
}

// New creates a new node.
func New(ctx context.Context, opts ...BuilderOpt) (*Node, error) {
	b := &Builder{}
	for _, o := range opts {
		if err := o(b); err != nil {
			return nil, err
		}
	}
	return b.build(ctx)
}

func (b *Builder) build(ctx context.Context) (*Node, error) {
	if b.repo == nil {
		b.repo = repo.NewInMemoryRepo()
	}

	cfg := b.repo.Config()
	if b.offlineMode && !cfg.Swarm.Offline {
		swarmCfg := *cfg.Swarm
		swarmCfg.Offline = true
		copied := *cfg
		copied.Swarm = &swarmCfg
		cfg = &copied
	}

	exchangeOpts, err := b.bridgeOptions(cfg)
	if err != nil {
		return nil, err
	}

	nd := &Node{
		repo:         b.repo,
		cfg:          cfg,
		exchangeOpts: exchangeOpts,
	}

	nd.store, err = store.New(b.repo.Datastore(), cfg.Store)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build node.store")
	}

	priv, err := b.repo.Identity()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load identity")
	}
	routingDs := namespace.Wrap(b.repo.Datastore(), datastore.NewKey("/routing"))
	nd.swarm, err = net.NewBehaviour(ctx, priv, routingDs, cfg)
	if err != nil {
		_ = nd.store.Close()
		return nil, errors.Wrap(err, "failed to build node.swarm")
	}
	return nd, nil
}

func (b *Builder) bridgeOptions(cfg *config.Config) (exchange.Options, error) {
	if b.exchangeOpts != nil {
		return *b.exchangeOpts, nil
	}
	opts, err := exchange.OptionsFromConfig(cfg.Exchange)
	if err != nil {
		return exchange.Options{}, errors.Wrap(err, "invalid exchange config")
	}
	return opts, nil
}
