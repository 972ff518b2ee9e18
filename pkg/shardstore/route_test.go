package shardstore_test

import (
	"errors"
	"testing"

	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

func TestRouteLayout(t *testing.T) {
	t.Parallel()

	r := shardstore.NewRouter(shardstore.DefaultConfig("/data"))

	tests := []struct {
		category shardstore.Category
		id       uint64
		want     string
	}{
		{shardstore.CategoryUser, 1049231, "user/shard_231/user_1049231"},
		{shardstore.CategoryUser, 0, "user/shard_000/user_0"},
		{shardstore.CategoryAdmin, 7, "admin/shard_007/admin_7"},
		{shardstore.CategoryPost, 1000, "post/shard_000/post_1000"},
		{shardstore.CategoryMedia, 999, "media/shard_999/media_999"},
		{shardstore.CategoryMedia, 18446744073709551615, "media/shard_615/media_18446744073709551615"},
	}

	for _, tt := range tests {
		if got := r.Route(tt.category, tt.id); got != tt.want {
			t.Errorf("Route(%s, %d) = %q, want %q", tt.category, tt.id, got, tt.want)
		}
	}

	if got, want := r.Dir(shardstore.CategoryUser, 1049231), "/data/user/shard_231/user_1049231"; got != want {
		t.Errorf("Dir = %q, want %q", got, want)
	}
}

func TestRouteIsDeterministicAcrossRouters(t *testing.T) {
	t.Parallel()

	cfg := shardstore.DefaultConfig("/data")
	a := shardstore.NewRouter(cfg)
	b := shardstore.NewRouter(cfg)

	for id := uint64(0); id < 5000; id += 7 {
		for _, c := range shardstore.Categories() {
			if a.Route(c, id) != b.Route(c, id) || a.Route(c, id) != a.Route(c, id) {
				t.Fatalf("route of %s %d differs between calls", c, id)
			}
		}
	}
}

func TestRouteCustomLayout(t *testing.T) {
	t.Parallel()

	cfg := shardstore.Config{
		Root:        "/data",
		ShardCount:  64,
		ShardDigits: 4,
		ShardPrefix: "s",
		Prefixes:    map[shardstore.Category]string{shardstore.CategoryUser: "u"},
	}

	r := shardstore.NewRouter(cfg)

	if got, want := r.Route(shardstore.CategoryUser, 130), "user/s0002/u_130"; got != want {
		t.Errorf("Route = %q, want %q", got, want)
	}
}

func TestParseEntityAndShard(t *testing.T) {
	t.Parallel()

	r := shardstore.NewRouter(shardstore.DefaultConfig("/data"))

	if id, ok := r.ParseEntity(shardstore.CategoryUser, "user_1049231"); !ok || id != 1049231 {
		t.Errorf("ParseEntity(user_1049231) = %d, %v", id, ok)
	}

	for _, name := range []string{"user_", "user_007", "user_x", "post_1", "user_-1", "user_1.tmp"} {
		if _, ok := r.ParseEntity(shardstore.CategoryUser, name); ok {
			t.Errorf("ParseEntity(%q) accepted", name)
		}
	}

	for name, want := range map[string]bool{
		"shard_000":  true,
		"shard_999":  true,
		"shard_1000": false,
		"shard_01":   false,
		"shard_abc":  false,
		"shard-001":  false,
	} {
		if got := r.IsShard(name); got != want {
			t.Errorf("IsShard(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := shardstore.DefaultConfig("/data")

	mutate := func(f func(c *shardstore.Config)) shardstore.Config {
		c := shardstore.DefaultConfig("/data")
		f(&c)

		return c
	}

	tests := []struct {
		name string
		cfg  shardstore.Config
		ok   bool
	}{
		{"default", valid, true},
		{"empty root", mutate(func(c *shardstore.Config) { c.Root = "" }), false},
		{"count exceeds digits", mutate(func(c *shardstore.Config) { c.ShardCount = 1001 }), false},
		{"count fills digits", mutate(func(c *shardstore.Config) { c.ShardCount = 1000 }), true},
		{"bad prefix", mutate(func(c *shardstore.Config) { c.ShardPrefix = "../x" }), false},
		{"duplicate entity prefix", mutate(func(c *shardstore.Config) {
			c.Prefixes[shardstore.CategoryPost] = "user"
		}), false},
		{"unknown category", mutate(func(c *shardstore.Config) { c.Prefixes["group"] = "g" }), false},
		{"zero digits", mutate(func(c *shardstore.Config) { c.ShardDigits = 0 }), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := shardstore.Config{Root: t.TempDir(), ShardCount: 5000, ShardDigits: 2}

	_, err := shardstore.Open(t.Context(), cfg, shardstore.Options{})
	if err == nil {
		t.Fatal("Open accepted 5000 shards in 2 digits")
	}

	if errors.Is(err, shardstore.ErrIO) {
		t.Fatalf("want config error, got %v", err)
	}
}
