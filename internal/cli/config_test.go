package cli_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/shardstore/internal/cli"
	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := cli.LoadConfig(cli.LoadConfigInput{WorkDirOverride: dir, Env: map[string]string{}})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := cfg.RootAbs, filepath.Join(dir, cli.DefaultRoot); got != want {
		t.Errorf("RootAbs = %q, want %q", got, want)
	}

	if diff := cmp.Diff(shardstore.DefaultConfig(filepath.Join(dir, "data")), cfg.StoreConfig()); diff != "" {
		t.Errorf("store config (-want +got):\n%s", diff)
	}

	if cfg.Sources != (cli.ConfigSources{}) {
		t.Errorf("Sources = %+v, want none", cfg.Sources)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := filepath.Join(dir, "xdg")

	writeFile(t, filepath.Join(xdg, "shardstore", "config.json"), `{
		// global settings
		"root": "/global/root",
		"shard_count": 100,
		"lock_timeout": "3s",
	}`)

	writeFile(t, filepath.Join(dir, ".shardstore.json"), `{
		/* project wins over global */
		"root": "project-data",
		"prefixes": {"user": "u"},
	}`)

	env := map[string]string{"XDG_CONFIG_HOME": xdg}

	cfg, err := cli.LoadConfig(cli.LoadConfigInput{WorkDirOverride: dir, Env: env})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.RootAbs != filepath.Join(dir, "project-data") {
		t.Errorf("RootAbs = %q", cfg.RootAbs)
	}

	if cfg.ShardCount != 100 || cfg.LockTimeout.Std() != 3*time.Second {
		t.Errorf("global values lost: %+v", cfg)
	}

	sc := cfg.StoreConfig()
	if sc.Prefixes[shardstore.CategoryUser] != "u" || sc.Prefixes[shardstore.CategoryPost] != "post" {
		t.Errorf("prefixes = %v", sc.Prefixes)
	}

	if cfg.Sources.Global == "" || cfg.Sources.Project == "" {
		t.Errorf("Sources = %+v", cfg.Sources)
	}

	// --root beats every file.
	cfg, err = cli.LoadConfig(cli.LoadConfigInput{WorkDirOverride: dir, Env: env, RootOverride: "/flag/root"})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.RootAbs != "/flag/root" {
		t.Errorf("RootAbs = %q, want /flag/root", cfg.RootAbs)
	}
}

func TestLoadConfigExplicitFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, ".shardstore.json"), `{"root": "ignored"}`)
	writeFile(t, filepath.Join(dir, "conf", "prod.json"), `{"root": "/srv/store", "shard_count": 10, "shard_digits": 2}`)

	cfg, err := cli.LoadConfig(cli.LoadConfigInput{WorkDirOverride: dir, ConfigPath: "conf/prod.json"})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.RootAbs != "/srv/store" || cfg.ShardDigits != 2 {
		t.Errorf("cfg = %+v", cfg)
	}

	_, err = cli.LoadConfig(cli.LoadConfigInput{WorkDirOverride: dir, ConfigPath: "missing.json"})
	if !errors.Is(err, cli.ErrConfigFileNotFound) {
		t.Errorf("missing explicit config: %v", err)
	}
}

func TestLoadConfigRejectsBadFiles(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"syntax":        `{"root": `,
		"empty root":    `{"root": ""}`,
		"unknown field": `{"roots": "x"}`,
		"bad duration":  `{"lock_timeout": "soon"}`,
		"layout":        `{"shard_count": 5000}`,
		"bad category":  `{"prefixes": {"group": "g"}}`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, ".shardstore.json"), content)

			_, err := cli.LoadConfig(cli.LoadConfigInput{WorkDirOverride: dir})
			if err == nil {
				t.Fatal("LoadConfig accepted invalid config")
			}
		})
	}
}
