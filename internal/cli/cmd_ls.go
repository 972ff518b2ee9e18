package cli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

var errLimitReached = errors.New("limit reached")

// LsCmd returns the ls command.
func LsCmd(a *app) *Command {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "Print at most `n` IDs (0 = all)")
	paths := fs.Bool("paths", false, "Print entity directories instead of IDs")

	return &Command{
		Flags: fs,
		Usage: "ls <category> [--limit N] [--paths]",
		Short: "List entity IDs",
		Long:  "List the IDs of a category in shard order, one per line.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errCategoryRequired
			}

			if len(args) > 1 {
				return errTooManyArgs
			}

			cat, err := shardstore.ParseCategory(args[0])
			if err != nil {
				return err
			}

			s, err := a.readStore(ctx)
			if err != nil {
				return err
			}

			c, err := s.Collection(cat)
			if err != nil {
				return err
			}

			n := 0

			err = c.Scan(ctx, func(id uint64) error {
				if *limit > 0 && n >= *limit {
					return errLimitReached
				}

				if *paths {
					o.Println(c.Path(id))
				} else {
					o.Println(id)
				}

				n++

				return nil
			})
			if errors.Is(err, errLimitReached) {
				return nil
			}

			return err
		},
	}
}
