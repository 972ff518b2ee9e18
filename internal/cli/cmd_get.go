package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

var (
	errCategoryRequired = errors.New("category is required")
	errIDRequired       = errors.New("id is required")
	errTooManyArgs      = errors.New("too many arguments")
	errIndexRequired    = errors.New("index and key are required")
)

// RouteCmd returns the route command.
func RouteCmd(a *app) *Command {
	fs := flag.NewFlagSet("route", flag.ContinueOnError)
	abs := fs.Bool("abs", false, "Print the absolute path")

	return &Command{
		Flags: fs,
		Usage: "route <category> <id> [--abs]",
		Short: "Print an entity's directory",
		Long: `Print the directory of an entity relative to the store root.
The path is computed from the config alone; the entity need not exist.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			cat, id, err := parseCategoryID(args)
			if err != nil {
				return err
			}

			router := shardstore.NewRouter(a.cfg.StoreConfig())

			if *abs {
				o.Println(router.Dir(cat, id))
			} else {
				o.Println(router.Route(cat, id))
			}

			return nil
		},
	}
}

// GetCmd returns the get command.
func GetCmd(a *app) *Command {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	doc := fs.String("doc", "", "Print one raw sub-document (e.g. profile/main.json) instead of the aggregate")

	return &Command{
		Flags: fs,
		Usage: "get <category> <id> [--doc <name>]",
		Short: "Print an entity as JSON",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			cat, id, err := parseCategoryID(args)
			if err != nil {
				return err
			}

			s, err := a.readStore(ctx)
			if err != nil {
				return err
			}

			if *doc != "" {
				raw, err := s.Documents().GetRaw(ctx, s.Router().Route(cat, id)+"/"+*doc)
				if err != nil {
					return err
				}

				return printJSON(o, raw)
			}

			c, err := s.Collection(cat)
			if err != nil {
				return err
			}

			v, err := c.Load(ctx, id)
			if err != nil {
				return err
			}

			return printJSON(o, v)
		},
	}
}

// FindCmd returns the find command.
func FindCmd(a *app) *Command {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	idOnly := fs.Bool("id", false, "Print only the ID")

	return &Command{
		Flags: fs,
		Usage: "find <category> <index> <key> [--id]",
		Short: "Look an entity up by unique key",
		Long: `Look an entity up by one of its category's unique indexes and print it.
Keys are matched case-insensitively. Indexes: user: username, email;
admin: admin_username; post: post_slug; media: media_sha256.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errCategoryRequired
			}

			if len(args) < 3 {
				return errIndexRequired
			}

			if len(args) > 3 {
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

			if *idOnly {
				id, err := s.Indexes().Lookup(ctx, args[1], args[2])
				if err != nil {
					return err
				}

				o.Println(id)

				return nil
			}

			c, err := s.Collection(cat)
			if err != nil {
				return err
			}

			v, err := c.LoadByKey(ctx, args[1], args[2])
			if err != nil {
				return err
			}

			return printJSON(o, v)
		},
	}
}

func parseCategoryID(args []string) (shardstore.Category, uint64, error) {
	switch {
	case len(args) == 0:
		return "", 0, errCategoryRequired
	case len(args) == 1:
		return "", 0, errIDRequired
	case len(args) > 2:
		return "", 0, errTooManyArgs
	}

	cat, err := shardstore.ParseCategory(args[0])
	if err != nil {
		return "", 0, err
	}

	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid id %q: must be a non-negative integer", args[1])
	}

	return cat, id, nil
}

func printJSON(o *IO, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	o.Println(string(data))

	return nil
}
