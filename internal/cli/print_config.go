package cli

import (
	"context"
	"encoding/json"
	"fmt"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execPrintConfig(o, a.cfg)
		},
	}
}

func execPrintConfig(o *IO, cfg Config) error {
	store := cfg.StoreConfig()

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	o.Println(string(data))
	o.Println("")
	o.Println("# effective_cwd=" + cfg.EffectiveCwd)

	if cfg.LockTimeout != 0 {
		o.Println("# lock_timeout=" + cfg.LockTimeout.Std().String())
	}

	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("#   (defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			o.Println("#   global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			o.Println("#   project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
