package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shardstore/pkg/fs"
	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

// Run is the main entry point. Returns exit code.
//
// sigCh delivers interrupt signals; the first one cancels the running
// command. It may be nil.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("shardstore", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	cwd := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	root := globals.String("root", "", "Store root `dir` (overrides config)")
	verbose := globals.CountP("verbose", "v", "Log more (-v info, -vv debug)")
	quiet := globals.BoolP("quiet", "q", false, "Log errors only")
	help := globals.BoolP("help", "h", false, "Show help")

	if len(args) > 0 {
		args = args[1:]
	}

	if err := globals.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals, nil)

		return 1
	}

	rest := globals.Args()

	level := &slog.LevelVar{}

	switch {
	case *quiet:
		level.Set(slog.LevelError)
	case *verbose >= 2:
		level.Set(slog.LevelDebug)
	case *verbose == 1:
		level.Set(slog.LevelInfo)
	default:
		level.Set(slog.LevelWarn)
	}

	a := &app{in: in, env: env, logger: newLogger(errOut, level, env)}
	cmds := a.commands()

	if *help || len(rest) == 0 {
		printUsage(out, globals, cmds)

		return 0
	}

	name := rest[0]

	cmd := findCommand(cmds, name)
	if cmd == nil {
		fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, globals, cmds)

		return 1
	}

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride: *cwd,
		ConfigPath:      *configPath,
		RootOverride:    *root,
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	a.cfg = cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				a.logger.Warn("interrupted, stopping")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	code := cmd.Run(ctx, NewIO(in, out, errOut), rest[1:])

	if err := a.close(); err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	return code
}

// app carries what commands share within one Run: the resolved config,
// the logger and a lazily opened read-only store.
type app struct {
	in     io.Reader
	env    map[string]string
	cfg    Config
	logger *slog.Logger
	reader *shardstore.Store
}

func (a *app) commands() []*Command {
	return []*Command{
		RouteCmd(a),
		GetCmd(a),
		FindCmd(a),
		LsCmd(a),
		CheckCmd(a),
		RepairCmd(a),
		ShellCmd(a),
		PrintConfigCmd(a),
	}
}

func (a *app) options(readOnly bool) shardstore.Options {
	return shardstore.Options{
		Logger:      a.logger,
		ReadOnly:    readOnly,
		LockTimeout: a.cfg.LockTimeout.Std(),
	}
}

// readStore opens the store read-only once per Run. Read-only stores take
// no root lock, so inspecting a store in use by a service is fine.
func (a *app) readStore(ctx context.Context) (*shardstore.Store, error) {
	if a.reader != nil {
		return a.reader, nil
	}

	s, err := shardstore.Open(ctx, a.cfg.StoreConfig(), a.options(true))
	if err != nil {
		return nil, err
	}

	a.reader = s

	return s, nil
}

// writeStore opens a writable store. The caller closes it.
func (a *app) writeStore(ctx context.Context) (*shardstore.Store, error) {
	s, err := shardstore.Open(ctx, a.cfg.StoreConfig(), a.options(false))
	if errors.Is(err, fs.ErrWouldBlock) {
		return nil, fmt.Errorf("%w (another process has %s open for writing)", err, a.cfg.RootAbs)
	}

	return s, err
}

func (a *app) close() error {
	if a.reader == nil {
		return nil
	}

	err := a.reader.Close()
	a.reader = nil

	return err
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, cmds []*Command) {
	fprintln(w, `shardstore - inspect and repair a sharded JSON document store

Usage: shardstore [options] <command> [args]

Options:`)

	globals.SetOutput(w)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})

	if len(cmds) == 0 {
		return
	}

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range cmds {
		fprintln(w, c.HelpLine())
	}
}
