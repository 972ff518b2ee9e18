package shardstore

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"time"

	"github.com/calvinalkan/shardstore/pkg/fs"
)

// Config is the on-disk layout of a store.
//
// ShardCount, ShardDigits, ShardPrefix and Prefixes are effectively a disk
// schema: changing them for an existing root makes every entity
// unreachable. They are fixed per deployment.
type Config struct {
	// Root is the store directory. Created on Open if missing.
	Root string `json:"root"`

	// ShardCount is the modulus for shard assignment. Default: 1000.
	ShardCount uint64 `json:"shard_count"` //nolint:tagliatelle // snake_case for config file

	// ShardDigits is the zero-padded width of the shard number. Must be
	// wide enough for ShardCount-1. Default: 3.
	ShardDigits int `json:"shard_digits"` //nolint:tagliatelle // snake_case for config file

	// ShardPrefix precedes the shard number. Default: "shard_".
	ShardPrefix string `json:"shard_prefix"` //nolint:tagliatelle // snake_case for config file

	// Prefixes maps each category to its entity directory prefix.
	// Missing categories default to the category name.
	Prefixes map[Category]string `json:"prefixes,omitempty"`
}

// DefaultConfig returns the default layout rooted at root.
func DefaultConfig(root string) Config {
	prefixes := make(map[Category]string, len(Categories()))
	for _, c := range Categories() {
		prefixes[c] = string(c)
	}

	return Config{
		Root:        root,
		ShardCount:  1000,
		ShardDigits: 3,
		ShardPrefix: "shard_",
		Prefixes:    prefixes,
	}
}

var (
	errConfigInvalid = errors.New("invalid config")
	namePattern      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

// withDefaults fills zero fields from [DefaultConfig].
func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Root)

	if c.ShardCount == 0 {
		c.ShardCount = def.ShardCount
	}

	if c.ShardDigits == 0 {
		c.ShardDigits = def.ShardDigits
	}

	if c.ShardPrefix == "" {
		c.ShardPrefix = def.ShardPrefix
	}

	prefixes := maps.Clone(def.Prefixes)
	for cat, p := range c.Prefixes {
		if p != "" {
			prefixes[cat] = p
		}
	}

	c.Prefixes = prefixes

	return c
}

// Validate reports the first layout problem in c.
func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: root is empty", errConfigInvalid)
	}

	if c.ShardCount == 0 {
		return fmt.Errorf("%w: shard_count must be > 0", errConfigInvalid)
	}

	if c.ShardDigits < 1 || c.ShardDigits > 19 {
		return fmt.Errorf("%w: shard_digits must be in [1, 19], got %d", errConfigInvalid, c.ShardDigits)
	}

	limit := uint64(1)
	for range c.ShardDigits {
		limit *= 10
	}

	if c.ShardCount > limit {
		return fmt.Errorf("%w: shard_count %d does not fit in %d digits", errConfigInvalid, c.ShardCount, c.ShardDigits)
	}

	if !namePattern.MatchString(c.ShardPrefix) {
		return fmt.Errorf("%w: shard_prefix %q", errConfigInvalid, c.ShardPrefix)
	}

	seen := make(map[string]Category, len(c.Prefixes))

	for _, cat := range Categories() {
		p, ok := c.Prefixes[cat]
		if !ok || !namePattern.MatchString(p) {
			return fmt.Errorf("%w: prefix for %s is %q", errConfigInvalid, cat, p)
		}

		if other, dup := seen[p]; dup {
			return fmt.Errorf("%w: prefix %q used by %s and %s", errConfigInvalid, p, other, cat)
		}

		seen[p] = cat
	}

	for cat := range c.Prefixes {
		if _, err := ParseCategory(string(cat)); err != nil {
			return fmt.Errorf("%w: prefixes: %w", errConfigInvalid, err)
		}
	}

	return nil
}

// Options tunes a store's runtime behaviour. The zero value is usable.
type Options struct {
	// Logger receives structured logs. Default: discard.
	Logger *slog.Logger

	// FS is the filesystem. Default: [fs.NewReal].
	FS fs.FS

	// ReadOnly skips the root lock and rejects every mutation with
	// [ErrReadOnly].
	ReadOnly bool

	// LockTimeout bounds waiting for the root lock held by another
	// process. Zero fails immediately.
	LockTimeout time.Duration

	// IOAttempts is the number of tries for a filesystem operation that
	// fails with a transient errno. Default: 4.
	IOAttempts int

	// IOBackoff is the initial retry delay, doubled per attempt.
	// Default: 5ms.
	IOBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.IOAttempts <= 0 {
		o.IOAttempts = 4
	}

	if o.IOBackoff <= 0 {
		o.IOBackoff = 5 * time.Millisecond
	}

	return o
}
