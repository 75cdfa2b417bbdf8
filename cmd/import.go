package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/blockbridge/pkg/store"
)

var importCmd = &cli.Command{
	Name:      "import",
	Usage:     "Store every block of a CAR file and pin its roots",
	ArgsUsage: "<file.car>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "public", Usage: "advertise the roots to the network"},
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

		return withStore(cctx, func(ctx context.Context, s *store.Store) error {
			roots, n, err := importCar(ctx, s, f, cctx.Bool("public"))
			if err != nil {
				return err
			}
			for _, root := range roots {
				if _, err := fmt.Fprintln(cctx.App.Writer, root); err != nil {
					return err
				}
			}
			log.Infow("car imported", "blocks", n, "roots", len(roots))
			return nil
		})
	},
}

// importCar inserts the blocks of a CAR stream and pins its roots. Roots are
// pinned after the blocks are stored so no want is raised for them.
func importCar(ctx context.Context, s *store.Store, r io.Reader, public bool) ([]cid.Cid, int, error) {
	cr, err := car.NewCarReader(r)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to read car header")
	}

	n := 0
	for {
		blk, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, n, errors.Wrapf(err, "failed to read block %d", n)
		}
		if err := s.Insert(ctx, blk); err != nil {
			return nil, n, errors.Wrapf(err, "failed to store %s", blk.Cid())
		}
		n++
	}

	for _, root := range cr.Header.Roots {
		if err := s.Pin(ctx, root); err != nil {
			return nil, n, err
		}
		if public {
			if err := s.SetPublic(ctx, root, true); err != nil {
				return nil, n, err
			}
		}
	}
	return cr.Header.Roots, n, nil
}
