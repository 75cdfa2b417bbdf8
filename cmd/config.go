package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/blockbridge/pkg/repo"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Get and set blockbridge config values",
	Subcommands: []*cli.Command{
		{
			Name:      "get",
			Usage:     "Print a config value as JSON, e.g. swarm.listenAddresses",
			ArgsUsage: "<key>",
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 1 {
					return errors.New("expected a config key")
				}
				return withRepo(cctx, func(r *repo.FSRepo) error {
					v, err := r.Config().Get(cctx.Args().First())
					if err != nil {
						return err
					}
					out, err := json.MarshalIndent(v, "", "\t")
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cctx.App.Writer, string(out))
					return err
				})
			},
		},
		{
			Name:      "set",
			Usage:     "Set a config value from a TOML literal, e.g. exchange.peerSelection '\"random\"'",
			ArgsUsage: "<key> <value>",
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 2 {
					return errors.New("expected a config key and a value")
				}
				key, val := cctx.Args().Get(0), cctx.Args().Get(1)
				return withRepo(cctx, func(r *repo.FSRepo) error {
					cfg := r.Config()
					if _, err := cfg.Set(key, val); err != nil {
						return err
					}
					if err := cfg.Validate(); err != nil {
						return errors.Wrapf(err, "refusing to set %s", key)
					}
					return r.ReplaceConfig(cfg)
				})
			},
		},
	},
}
