package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/blockbridge/app/node"
	"github.com/ipfs-force-community/blockbridge/pkg/repo"
)

const shutdownTimeout = 30 * time.Second

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "Initialize a blockbridge repo",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  SwarmAddress,
			Usage: "multiaddr the swarm listens on",
		},
		&cli.StringSliceFlag{
			Name:  BootstrapPeers,
			Usage: "p2p multiaddr of a peer to bootstrap from",
		},
		&cli.BoolFlag{
			Name:  OfflineMode,
			Usage: "do not join the DHT",
		},
	},
	Action: func(cctx *cli.Context) error {
		repoDir := cctx.String(OptionRepoDir)
		cfg, err := newInitConfig(cctx)
		if err != nil {
			return err
		}

		log.Infof("initializing repo at %s", repoDir)
		if err := repo.InitFSRepo(repoDir, cfg); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cctx.App.Writer, "initialized repo at %s\n", repoDir)
		return err
	},
}

var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Start a long-running daemon process",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  OfflineMode,
			Usage: "start the node without joining the DHT",
		},
	},
	Action: func(cctx *cli.Context) error {
		r, err := repo.OpenFSRepo(cctx.String(OptionRepoDir))
		if err != nil {
			return err
		}

		nd, err := node.New(cctx.Context, node.Repo(r), node.OfflineMode(cctx.Bool(OfflineMode)))
		if err != nil {
			_ = r.Close()
			return err
		}

		if err := nd.Start(cctx.Context); err != nil {
			_ = nd.Stop(context.Background())
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "peer id: %s\n", nd.Swarm().ID())               // nolint: errcheck
		fmt.Fprintf(cctx.App.Writer, "listening on: %s\n", nd.ListenAddr().String()) // nolint: errcheck

		return awaitShutdown(cctx.Context, nd)
	},
}

// awaitShutdown blocks until a signal arrives or the bridge stops, then
// stops the node.
func awaitShutdown(ctx context.Context, nd *node.Node) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Warnf("received shutdown signal: %s", sig)
	case runErr = <-nd.Done():
		if runErr != nil {
			log.Errorw("exchange stopped", "err", runErr)
		}
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := nd.Stop(stopCtx); err != nil {
		return err
	}
	return runErr
}
