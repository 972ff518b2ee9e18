package cli

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

type checkFlags struct {
	parallel   *int
	rate       *float64
	categories *[]string
	asJSON     *bool
}

func addCheckFlags(fs *flag.FlagSet) checkFlags {
	return checkFlags{
		parallel:   fs.Int("parallel", 4, "Concurrent entity reads"),
		rate:       fs.Float64("rate", 0, "Max entity reads per second (0 = unlimited)"),
		categories: fs.StringSlice("category", nil, "Restrict to `categories` (repeatable)"),
		asJSON:     fs.Bool("json", false, "Print the report as JSON"),
	}
}

func (f checkFlags) options() (shardstore.CheckOptions, error) {
	opts := shardstore.CheckOptions{Parallel: *f.parallel, Rate: *f.rate}

	for _, name := range *f.categories {
		cat, err := shardstore.ParseCategory(name)
		if err != nil {
			return opts, err
		}

		opts.Categories = append(opts.Categories, cat)
	}

	return opts, nil
}

// CheckCmd returns the check command.
func CheckCmd(a *app) *Command {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	flags := addCheckFlags(fs)

	return &Command{
		Flags: fs,
		Usage: "check [--parallel N] [--rate N] [--category C]",
		Short: "Report index and file inconsistencies",
		Long: `Compare every entity with its category's indexes and look for temp files
left by interrupted writes. Read-only. Exits 1 if anything is found.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return errTooManyArgs
			}

			opts, err := flags.options()
			if err != nil {
				return err
			}

			s, err := a.readStore(ctx)
			if err != nil {
				return err
			}

			report, err := s.Check(ctx, opts)
			if err != nil {
				return err
			}

			return printReport(o, report, *flags.asJSON, "run 'shardstore repair' to fix what can be fixed")
		},
	}
}

// RepairCmd returns the repair command.
func RepairCmd(a *app) *Command {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	flags := addCheckFlags(fs)
	dryRun := fs.Bool("dry-run", false, "Report what would be fixed without writing")
	tempMaxAge := fs.Duration("temp-max-age", 15*time.Minute, "Remove orphaned temp files older than `age`")

	return &Command{
		Flags: fs,
		Usage: "repair [--dry-run] [--temp-max-age D]",
		Short: "Fix index and file inconsistencies",
		Long: `Run check, then remove dangling and mismatched index entries, add missing
ones, remove entity directories without a primary document and sweep old
temp files. Conflicting keys and corrupt documents are reported, not fixed.
Takes the store's write lock.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return errTooManyArgs
			}

			opts, err := flags.options()
			if err != nil {
				return err
			}

			opts.DryRun = *dryRun
			opts.TempMaxAge = *tempMaxAge

			var s *shardstore.Store

			if *dryRun {
				s, err = a.readStore(ctx)
			} else {
				s, err = a.writeStore(ctx)
				if s != nil {
					defer func() { _ = s.Close() }()
				}
			}

			if err != nil {
				return err
			}

			report, err := s.Repair(ctx, opts)
			if err != nil {
				return err
			}

			return printReport(o, report, *flags.asJSON, "resolve by hand (see 'shardstore get')")
		},
	}
}

func printReport(o *IO, r *shardstore.Report, asJSON bool, action string) error {
	if unfixed := r.Unfixed(); unfixed > 0 {
		o.Warn(fmt.Sprintf("%d unresolved finding(s)", unfixed), action)
	}

	if asJSON {
		return printJSON(o, r)
	}

	for _, f := range r.Findings {
		switch {
		case f.Fixed:
			o.Println("fixed:", f.String())
		case f.Skipped != "":
			o.Printf("skipped: %s (%s)\n", f.String(), f.Skipped)
		default:
			o.Println(f.String())
		}
	}

	o.Printf("%d entities, %d findings, %d unresolved\n", r.Entities, len(r.Findings), r.Unfixed())

	return nil
}
