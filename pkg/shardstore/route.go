package shardstore

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Router maps (category, id) to entity directories. It does no I/O.
//
// The mapping is part of the on-disk format: the same config must produce
// byte-identical names on every run.
type Router struct {
	root        string
	shardCount  uint64
	shardDigits int
	shardPrefix string
	prefixes    map[Category]string
}

// NewRouter builds a router from a validated config.
func NewRouter(cfg Config) *Router {
	return &Router{
		root:        filepath.Clean(cfg.Root),
		shardCount:  cfg.ShardCount,
		shardDigits: cfg.ShardDigits,
		shardPrefix: cfg.ShardPrefix,
		prefixes:    cfg.Prefixes,
	}
}

// Shard returns the shard directory name for id, e.g. "shard_231".
func (r *Router) Shard(id uint64) string {
	n := strconv.FormatUint(id%r.shardCount, 10)
	if pad := r.shardDigits - len(n); pad > 0 {
		n = strings.Repeat("0", pad) + n
	}

	return r.shardPrefix + n
}

// EntityName returns the entity directory name, e.g. "user_1049231".
func (r *Router) EntityName(category Category, id uint64) string {
	return r.prefixes[category] + "_" + strconv.FormatUint(id, 10)
}

// Route returns the entity directory relative to the root:
// "<category>/<shard>/<prefix>_<id>".
func (r *Router) Route(category Category, id uint64) string {
	return filepath.Join(string(category), r.Shard(id), r.EntityName(category, id))
}

// Dir returns the absolute entity directory.
func (r *Router) Dir(category Category, id uint64) string {
	return r.Abs(r.Route(category, id))
}

// Abs returns the absolute form of a root-relative path.
func (r *Router) Abs(rel string) string {
	return filepath.Join(r.root, rel)
}

// Root returns the store root.
func (r *Router) Root() string {
	return r.root
}

// IsShard reports whether name is a well-formed shard directory name.
func (r *Router) IsShard(name string) bool {
	digits, ok := strings.CutPrefix(name, r.shardPrefix)
	if !ok {
		return false
	}

	n, err := strconv.ParseUint(digits, 10, 64)

	return err == nil && n < r.shardCount && r.Shard(n) == name
}

// ParseEntity parses an entity directory name of category back to its ID.
// Only canonical names parse: "user_007" does not.
func (r *Router) ParseEntity(category Category, name string) (uint64, bool) {
	digits, ok := strings.CutPrefix(name, r.prefixes[category]+"_")
	if !ok || digits == "" {
		return 0, false
	}

	id, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || strconv.FormatUint(id, 10) != digits {
		return 0, false
	}

	return id, true
}
