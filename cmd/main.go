// Package cmd is the blockbridge command line.
package cmd

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
	"github.com/ipfs-force-community/blockbridge/pkg/repo"
	"github.com/ipfs-force-community/blockbridge/pkg/store"
)

var log = logging.Logger("cli")

const (
	// OptionRepoDir is the name of the option for specifying the directory of the repo.
	OptionRepoDir = "repodir"

	// OfflineMode keeps the daemon from touching the network.
	OfflineMode = "offline"

	// SwarmAddress is a multiaddr the swarm listens on.
	SwarmAddress = "swarmlisten"

	// BootstrapPeers are dialed after the swarm starts.
	BootstrapPeers = "bootstrap"

	defaultRepoDir = "~/.blockbridge"
)

var repoFlag = &cli.StringFlag{
	Name:    OptionRepoDir,
	Usage:   "the directory of the repo, defaults to " + defaultRepoDir,
	EnvVars: []string{"BLOCKBRIDGE_PATH"},
	Value:   defaultRepoDir,
}

// NewApp builds the command tree.
func NewApp() *cli.App {
	return &cli.App{
		Name:  "blockbridge",
		Usage: "exchange content addressed blocks with peers",
		Flags: []cli.Flag{repoFlag},
		Commands: []*cli.Command{
			initCmd,
			daemonCmd,
			lsCmd,
			catCmd,
			refsCmd,
			pinCmd,
			unpinCmd,
			putCmd,
			importCmd,
			publicCmd,
			gcCmd,
			configCmd,
		},
	}
}

// withStore opens the repo and a store over its datastore for the duration
// of fn. A running daemon holds the repo lock, so these commands fail while
// it is up.
func withStore(cctx *cli.Context, fn func(ctx context.Context, s *store.Store) error) error {
	r, err := repo.OpenFSRepo(cctx.String(OptionRepoDir))
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Warnw("failed to close repo", "err", err)
		}
	}()

	s, err := store.New(r.Datastore(), r.Config().Store)
	if err != nil {
		return err
	}
	defer s.Close() // nolint: errcheck

	return fn(cctx.Context, s)
}

func withRepo(cctx *cli.Context, fn func(r *repo.FSRepo) error) error {
	r, err := repo.OpenFSRepo(cctx.String(OptionRepoDir))
	if err != nil {
		return err
	}
	defer r.Close() // nolint: errcheck
	return fn(r)
}

func newInitConfig(cctx *cli.Context) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if addrs := cctx.StringSlice(SwarmAddress); len(addrs) > 0 {
		cfg.Swarm.ListenAddresses = addrs
	}
	if peers := cctx.StringSlice(BootstrapPeers); len(peers) > 0 {
		cfg.Bootstrap.Addresses = peers
	}
	cfg.Swarm.Offline = cctx.Bool(OfflineMode)
	return cfg, cfg.Validate()
}
