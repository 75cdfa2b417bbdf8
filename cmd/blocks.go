package cmd

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/fatih/color"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/blockbridge/pkg/ipld"
	"github.com/ipfs-force-community/blockbridge/pkg/store"
	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

const (
	codecRaw     = "raw"
	codecDagCBOR = "dag-cbor"
)

// lsFilter selects the blocks ls prints. With no selector set every block is
// printed, otherwise a block is printed when it matches any selector.
type lsFilter struct {
	pinned, live, dead, all bool
}

func (f lsFilter) match(m *types.Metadata) bool {
	if f.all || (!f.pinned && !f.live && !f.dead) {
		return true
	}
	return (f.pinned && m.Pinned()) || (f.live && m.Live()) || (f.dead && m.Dead())
}

var lsCmd = &cli.Command{
	Name:  "ls",
	Usage: "List stored blocks with their metadata",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "pinned", Usage: "list pinned blocks"},
		&cli.BoolFlag{Name: "live", Usage: "list blocks that are pinned or referenced"},
		&cli.BoolFlag{Name: "dead", Usage: "list blocks that can be collected"},
		&cli.BoolFlag{Name: "all", Usage: "list every block"},
	},
	Action: func(cctx *cli.Context) error {
		filter := lsFilter{
			pinned: cctx.Bool("pinned"),
			live:   cctx.Bool("live"),
			dead:   cctx.Bool("dead"),
			all:    cctx.Bool("all"),
		}
		return withStore(cctx, func(ctx context.Context, s *store.Store) error {
			return listBlocks(ctx, cctx.App.Writer, s, filter)
		})
	},
}

func listBlocks(ctx context.Context, w io.Writer, s *store.Store, filter lsFilter) error {
	ch, err := s.Blocks(ctx)
	if err != nil {
		return err
	}

	color.New(color.Bold).Fprintf(w, "%-10s %-10s %-10s %-10s %s\n", "pins", "referers", "children", "public", "cid") // nolint: errcheck
	for c := range ch {
		m, err := s.Metadata(ctx, c)
		if err != nil {
			return errors.Wrapf(err, "failed to read metadata of %s", c)
		}
		if !filter.match(m) {
			continue
		}
		line := fmt.Sprintf("%-10d %-10d %-10d %-10t %s\n", m.Pins, m.Referers, len(m.Refs), m.Public, c)
		if m.Dead() {
			color.New(color.Faint).Fprint(w, line) // nolint: errcheck
			continue
		}
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func cidArg(cctx *cli.Context) (cid.Cid, error) {
	if cctx.NArg() != 1 {
		return cid.Undef, fmt.Errorf("expected exactly one cid argument, got %d", cctx.NArg())
	}
	c, err := cid.Decode(cctx.Args().First())
	if err != nil {
		return cid.Undef, errors.Wrapf(err, "invalid cid %q", cctx.Args().First())
	}
	return c, nil
}

var catCmd = &cli.Command{
	Name:      "cat",
	Usage:     "Print a stored block as JSON",
	ArgsUsage: "<cid>",
	Action: func(cctx *cli.Context) error {
		c, err := cidArg(cctx)
		if err != nil {
			return err
		}
		return withStore(cctx, func(ctx context.Context, s *store.Store) error {
			blk, ok, err := s.GetLocal(ctx, c)
			if err != nil {
				return err
			}
			if !ok {
				log.Debugw("block not stored", "cid", c)
				return nil
			}
			out, err := ipld.RenderJSON(blk)
			if err != nil {
				return errors.Wrapf(err, "failed to render %s", c)
			}
			_, err = fmt.Fprintln(cctx.App.Writer, string(out))
			return err
		})
	},
}

var refsCmd = &cli.Command{
	Name:      "refs",
	Usage:     "Print the links of a stored block",
	ArgsUsage: "<cid>",
	Action: func(cctx *cli.Context) error {
		c, err := cidArg(cctx)
		if err != nil {
			return err
		}
		return withStore(cctx, func(ctx context.Context, s *store.Store) error {
			m, err := s.Metadata(ctx, c)
			if err != nil {
				return err
			}
			for _, ref := range m.Refs {
				if _, err := fmt.Fprintln(cctx.App.Writer, ref); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var pinCmd = &cli.Command{
	Name:      "pin",
	Usage:     "Pin a block, fetching it from peers when the daemon runs",
	ArgsUsage: "<cid>",
	Action: func(cctx *cli.Context) error {
		c, err := cidArg(cctx)
		if err != nil {
			return err
		}
		return withStore(cctx, func(ctx context.Context, s *store.Store) error {
			return s.Pin(ctx, c)
		})
	},
}

var unpinCmd = &cli.Command{
	Name:      "unpin",
	Usage:     "Remove a pin from a block",
	ArgsUsage: "<cid>",
	Action: func(cctx *cli.Context) error {
		c, err := cidArg(cctx)
		if err != nil {
			return err
		}
		return withStore(cctx, func(ctx context.Context, s *store.Store) error {
			return s.Unpin(ctx, c)
		})
	},
}

var putCmd = &cli.Command{
	Name:      "put",
	Usage:     "Store and pin the contents of a file as a block",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "public", Usage: "advertise the block to the network"},
		&cli.StringFlag{
			Name:  "codec",
			Usage: "raw stores the file as is, dag-cbor encodes a JSON file",
			Value: codecRaw,
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one file argument, got %d", cctx.NArg())
		}
		f, err := os.Open(cctx.Args().First())
		if err != nil {
			return err
		}
		defer f.Close() // nolint: errcheck

		blk, err := encodeBlock(f, cctx.String("codec"))
		if err != nil {
			return err
		}

		return withStore(cctx, func(ctx context.Context, s *store.Store) error {
			if err := s.Insert(ctx, blk); err != nil {
				return err
			}
			if err := s.Pin(ctx, blk.Cid()); err != nil {
				return err
			}
			if cctx.Bool("public") {
				if err := s.SetPublic(ctx, blk.Cid(), true); err != nil {
					return err
				}
			}
			_, err := fmt.Fprintln(cctx.App.Writer, blk.Cid())
			return err
		})
	},
}

// encodeBlock turns the input into a sha2-256 CIDv1 block of the given codec.
func encodeBlock(r io.Reader, codec string) (blocks.Block, error) {
	switch codec {
	case codecRaw:
		data, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, err
		}
		c, err := cid.NewPrefixV1(cid.Raw, mh.SHA2_256).Sum(data)
		if err != nil {
			return nil, err
		}
		return blocks.NewBlockWithCid(data, c)
	case codecDagCBOR:
		nd, err := cbor.FromJSON(r, mh.SHA2_256, -1)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode json as dag-cbor")
		}
		return nd, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

var publicCmd = &cli.Command{
	Name:      "public",
	Usage:     "Mark a block as advertised to the network",
	ArgsUsage: "<cid>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "off", Usage: "stop advertising the block"},
	},
	Action: func(cctx *cli.Context) error {
		c, err := cidArg(cctx)
		if err != nil {
			return err
		}
		return withStore(cctx, func(ctx context.Context, s *store.Store) error {
			return s.SetPublic(ctx, c, !cctx.Bool("off"))
		})
	},
}

var gcCmd = &cli.Command{
	Name:  "gc",
	Usage: "Remove blocks that are neither pinned nor referenced",
	Action: func(cctx *cli.Context) error {
		return withStore(cctx, func(ctx context.Context, s *store.Store) error {
			n, err := s.GC(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cctx.App.Writer, "removed %d blocks\n", n)
			return err
		})
	},
}
