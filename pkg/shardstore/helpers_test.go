package shardstore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/calvinalkan/shardstore/pkg/fs"
	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

var created = time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)

func openStore(t *testing.T, root string, opts shardstore.Options) *shardstore.Store {
	t.Helper()

	s, err := shardstore.Open(t.Context(), shardstore.DefaultConfig(root), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func newStore(t *testing.T) *shardstore.Store {
	t.Helper()

	return openStore(t, t.TempDir(), shardstore.Options{})
}

// newFaultyStore opens a store whose filesystem can be told to fail.
func newFaultyStore(t *testing.T) (*shardstore.Store, *fs.Faulty) {
	t.Helper()

	faulty := fs.NewFaulty(fs.NewReal())

	return openStore(t, t.TempDir(), shardstore.Options{FS: faulty, IOBackoff: time.Microsecond}), faulty
}

func alex() *shardstore.User {
	return &shardstore.User{
		Profile: shardstore.UserProfile{
			Username:    "alex.stone",
			Email:       "Alex@Example.com",
			DisplayName: "Alex Stone",
			CreatedAt:   created,
			UpdatedAt:   created,
		},
		Avatar: shardstore.UserAvatar{URL: "https://cdn.example.com/a.png", Width: 64, Height: 64},
	}
}

func entityDir(s *shardstore.Store, c shardstore.Category, id uint64) string {
	return filepath.Join(s.Config().Root, s.Router().Route(c, id))
}
