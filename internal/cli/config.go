package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

// ConfigFileName is the project config file looked up in the working
// directory.
const ConfigFileName = ".shardstore.json"

// DefaultRoot is the store root used when no config sets one, relative to
// the working directory.
const DefaultRoot = "data"

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrRootEmpty          = errors.New("root cannot be empty")
)

// Config is the CLI configuration: the store layout plus runtime knobs.
type Config struct {
	Root        string            `json:"root"`
	ShardCount  uint64            `json:"shard_count,omitempty"`  //nolint:tagliatelle // snake_case for config file
	ShardDigits int               `json:"shard_digits,omitempty"` //nolint:tagliatelle // snake_case for config file
	ShardPrefix string            `json:"shard_prefix,omitempty"` //nolint:tagliatelle // snake_case for config file
	Prefixes    map[string]string `json:"prefixes,omitempty"`
	LockTimeout Duration          `json:"lock_timeout,omitempty"` //nolint:tagliatelle // snake_case for config file

	// Resolved (not serialized).
	EffectiveCwd string        `json:"-"`
	RootAbs      string        `json:"-"`
	Sources      ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// Duration is a time.Duration written as a string ("2s") in config files.
type Duration time.Duration

// UnmarshalJSON accepts a Go duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	if parsed < 0 {
		return fmt.Errorf("duration %q is negative", s)
	}

	*d = Duration(parsed)

	return nil
}

// MarshalJSON writes d as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// DefaultConfig returns the configuration used when no file sets anything.
func DefaultConfig() Config {
	def := shardstore.DefaultConfig(DefaultRoot)

	return Config{
		Root:        def.Root,
		ShardCount:  def.ShardCount,
		ShardDigits: def.ShardDigits,
		ShardPrefix: def.ShardPrefix,
	}
}

// StoreConfig converts c to the store's layout config. Unset fields take
// the store defaults.
func (c Config) StoreConfig() shardstore.Config {
	root := c.RootAbs
	if root == "" {
		root = c.Root
	}

	cfg := shardstore.DefaultConfig(root)

	if c.ShardCount != 0 {
		cfg.ShardCount = c.ShardCount
	}

	if c.ShardDigits != 0 {
		cfg.ShardDigits = c.ShardDigits
	}

	if c.ShardPrefix != "" {
		cfg.ShardPrefix = c.ShardPrefix
	}

	for k, v := range c.Prefixes {
		cfg.Prefixes[shardstore.Category(k)] = v
	}

	return cfg
}

// globalConfigPath returns $XDG_CONFIG_HOME/shardstore/config.json, falling
// back to ~/.config. Empty if neither is known.
func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "shardstore", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "shardstore", "config.json")
	}

	return ""
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	RootOverride    string            // --root flag value; empty means no override
	Env             map[string]string // environment variables
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/shardstore/config.json)
// 3. Project config file in the working directory (.shardstore.json, if exists)
// 4. Explicit config file via ConfigPath (replaces 3; must exist)
// 5. CLI overrides.
//
// The returned config is validated and its root resolved against the
// working directory.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return Config{}, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := DefaultConfig()

	if path := globalConfigPath(input.Env); path != "" {
		globalCfg, loaded, err := loadConfigFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = mergeConfig(cfg, globalCfg)
			cfg.Sources.Global = path
		}
	}

	projectPath := filepath.Join(workDir, ConfigFileName)
	mustExist := false

	if input.ConfigPath != "" {
		projectPath = input.ConfigPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true

		if _, err := os.Stat(projectPath); err != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}
	}

	projectCfg, loaded, err := loadConfigFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = mergeConfig(cfg, projectCfg)
		cfg.Sources.Project = projectPath
	}

	if input.RootOverride != "" {
		cfg.Root = input.RootOverride
	}

	cfg.EffectiveCwd = workDir

	cfg.RootAbs = cfg.Root
	if !filepath.IsAbs(cfg.RootAbs) {
		cfg.RootAbs = filepath.Join(workDir, cfg.RootAbs)
	}

	if err := cfg.StoreConfig().Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	return cfg, nil
}

// loadConfigFile loads a config file. If mustExist is false, a missing file
// reports loaded=false.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	// An explicit "root": "" is a mistake, not "use the default".
	var raw map[string]json.RawMessage

	_ = json.Unmarshal(standardized, &raw)

	if v, ok := raw["root"]; ok && string(v) == `""` {
		return Config{}, ErrRootEmpty
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Root != "" {
		base.Root = overlay.Root
	}

	if overlay.ShardCount != 0 {
		base.ShardCount = overlay.ShardCount
	}

	if overlay.ShardDigits != 0 {
		base.ShardDigits = overlay.ShardDigits
	}

	if overlay.ShardPrefix != "" {
		base.ShardPrefix = overlay.ShardPrefix
	}

	for k, v := range overlay.Prefixes {
		if base.Prefixes == nil {
			base.Prefixes = map[string]string{}
		}

		base.Prefixes[k] = v
	}

	if overlay.LockTimeout != 0 {
		base.LockTimeout = overlay.LockTimeout
	}

	return base
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
