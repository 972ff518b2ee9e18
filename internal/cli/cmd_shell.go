package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

// shellCommands are the commands available inside the shell. All of them
// are read-only.
var shellCommands = []string{"route", "get", "find", "ls", "check"}

// ShellCmd returns the shell command.
func ShellCmd(a *app) *Command {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "shell",
		Short: "Interactive read-only shell",
		Long: `Start an interactive shell over a read-only view of the store.
Commands: ` + strings.Join(shellCommands, ", ") + `, help, exit.
Each takes the same arguments as the top-level command.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return errTooManyArgs
			}

			if _, err := a.readStore(ctx); err != nil {
				return err
			}

			r := newLineReader(a.in, a.env)
			defer r.Close()

			return runShell(ctx, a, o, r)
		},
	}
}

// lineReader is the input side of the shell.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// newLineReader uses liner when stdin is a terminal and plain line reads
// otherwise, so scripts can pipe commands in.
func newLineReader(in io.Reader, env map[string]string) lineReader {
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return newLinerReader(env)
	}

	if in == nil {
		in = strings.NewReader("")
	}

	return &scanReader{scanner: bufio.NewScanner(in)}
}

type linerReader struct {
	state   *liner.State
	history string
}

func newLinerReader(env map[string]string) *linerReader {
	r := &linerReader{state: liner.NewLiner(), history: historyFile(env)}

	r.state.SetCtrlCAborts(true)
	r.state.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range append(slices.Clone(shellCommands), "help", "exit") {
			if strings.HasPrefix(c, line) {
				out = append(out, c)
			}
		}

		return out
	})

	if r.history != "" {
		if f, err := os.Open(r.history); err == nil {
			_, _ = r.state.ReadHistory(f)
			_ = f.Close()
		}
	}

	return r
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	line, err := r.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}

	return line, err
}

func (r *linerReader) AppendHistory(line string) {
	r.state.AppendHistory(line)
}

// Close saves history and restores the terminal.
func (r *linerReader) Close() error {
	if r.history != "" {
		if err := os.MkdirAll(filepath.Dir(r.history), 0o755); err == nil {
			if f, err := os.Create(r.history); err == nil {
				_, _ = r.state.WriteHistory(f)
				_ = f.Close()
			}
		}
	}

	return r.state.Close()
}

type scanReader struct {
	scanner *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}

	if err := r.scanner.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (*scanReader) AppendHistory(string) {}

func (*scanReader) Close() error { return nil }

// historyFile returns the shell history path under the XDG state dir.
func historyFile(env map[string]string) string {
	if dir := env["XDG_STATE_HOME"]; dir != "" {
		return filepath.Join(dir, "shardstore", "history")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".local", "state", "shardstore", "history")
	}

	return ""
}

func runShell(ctx context.Context, a *app, o *IO, r lineReader) error {
	s, err := a.readStore(ctx)
	if err != nil {
		return err
	}

	o.Printf("shardstore shell (root=%s, read-only). Type 'help' for commands.\n", s.Config().Root)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := r.Prompt("shardstore> ")
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		r.AppendHistory(line)

		name := strings.ToLower(fields[0])

		switch name {
		case "exit", "quit", "q":
			return nil
		case "help", "?":
			printShellHelp(a, o)

			continue
		}

		if !slices.Contains(shellCommands, name) {
			o.Printf("unknown command: %s (type 'help' for commands)\n", name)

			continue
		}

		cmd := findCommand(a.commands(), name)

		// Errors are printed by the command and do not end the shell.
		sub := NewIO(nil, o.out, o.errOut)
		cmd.Run(ctx, sub, fields[1:])
	}
}

func printShellHelp(a *app, o *IO) {
	o.Println("Commands:")

	for _, c := range a.commands() {
		if slices.Contains(shellCommands, c.Name()) {
			o.Println(c.HelpLine())
		}
	}

	o.Printf("  %-36s %s\n", "help", "Show this help")
	o.Printf("  %-36s %s\n", "exit", "Leave the shell")
	o.Printf("\nCategories: %v\n", shardstore.Categories())
}

func findCommand(cmds []*Command, name string) *Command {
	for _, c := range cmds {
		if c.Name() == name {
			return c
		}
	}

	return nil
}
