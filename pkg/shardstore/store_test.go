package shardstore_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shardstore/pkg/fs"
	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

func TestOpenSecondWriterFails(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first := openStore(t, root, shardstore.Options{})

	_, err := shardstore.Open(t.Context(), shardstore.DefaultConfig(root), shardstore.Options{})
	require.ErrorIs(t, err, fs.ErrWouldBlock)

	_, err = shardstore.Open(t.Context(), shardstore.DefaultConfig(root), shardstore.Options{LockTimeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, fs.ErrWouldBlock)

	require.NoError(t, first.Close())

	second, err := shardstore.Open(t.Context(), shardstore.DefaultConfig(root), shardstore.Options{})
	require.NoError(t, err)
	require.NoError(t, second.Close())

	_, err = os.Stat(filepath.Join(root, shardstore.LockFileName))
	require.NoError(t, err)
}

func TestOpenCreatesRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "nested", "store")
	s := openStore(t, root, shardstore.Options{})

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, root, s.Config().Root)
}

func TestReadOnlyStore(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rw := openStore(t, root, shardstore.Options{})
	require.NoError(t, rw.Users.Create(t.Context(), 1, alex()))

	ro := openStore(t, root, shardstore.Options{ReadOnly: true})
	ctx := t.Context()

	u, err := ro.Users.FindByKey(ctx, shardstore.IndexUsername, "alex.stone")
	require.NoError(t, err)
	require.Equal(t, uint64(1), u.Profile.ID)

	require.ErrorIs(t, ro.Users.Create(ctx, 2, &shardstore.User{Profile: shardstore.UserProfile{Username: "x"}}), shardstore.ErrReadOnly)

	_, err = ro.Users.Update(ctx, 1, func(u *shardstore.User) error {
		u.Counters.Posts++

		return nil
	})
	require.ErrorIs(t, err, shardstore.ErrReadOnly)

	require.ErrorIs(t, ro.Users.Delete(ctx, 1), shardstore.ErrReadOnly)
	require.ErrorIs(t, ro.Indexes().Add(ctx, "username", "y", 3), shardstore.ErrReadOnly)

	// The failed create left nothing behind.
	exists, err := rw.Users.Exists(ctx, 2)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = rw.Indexes().Lookup(ctx, shardstore.IndexUsername, "x")
	require.ErrorIs(t, err, shardstore.ErrNotFound)
}

func TestCloseRejectsNewOperations(t *testing.T) {
	t.Parallel()

	s, err := shardstore.Open(t.Context(), shardstore.DefaultConfig(t.TempDir()), shardstore.Options{})
	require.NoError(t, err)

	require.NoError(t, s.Users.Create(t.Context(), 1, alex()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Users.Get(t.Context(), 1)
	require.ErrorIs(t, err, shardstore.ErrClosed)

	_, err = s.Indexes().Lookup(t.Context(), "username", "alex.stone")
	require.ErrorIs(t, err, shardstore.ErrClosed)

	_, err = s.Check(t.Context(), shardstore.CheckOptions{})
	require.ErrorIs(t, err, shardstore.ErrClosed)
}

func TestCloseWaitsForInFlightUpdate(t *testing.T) {
	t.Parallel()

	s, err := shardstore.Open(t.Context(), shardstore.DefaultConfig(t.TempDir()), shardstore.Options{})
	require.NoError(t, err)

	require.NoError(t, s.Users.Create(t.Context(), 1, alex()))

	entered := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup

	wg.Go(func() {
		_, err := s.Users.Update(t.Context(), 1, func(u *shardstore.User) error {
			close(entered)
			<-release

			u.Counters.Likes = 7

			return nil
		})
		if err != nil {
			t.Errorf("Update: %v", err)
		}
	})

	<-entered

	closed := make(chan error, 1)

	go func() { closed <- s.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while an update was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	require.NoError(t, <-closed)

	ro := openStore(t, s.Config().Root, shardstore.Options{ReadOnly: true})

	u, err := ro.Users.Get(t.Context(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(7), u.Counters.Likes)
}

func TestCollectionByCategory(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := t.Context()

	require.NoError(t, s.Posts.Create(ctx, 5, &shardstore.Post{Main: shardstore.PostMain{Title: "t", Slug: "Slug"}}))

	c, err := s.Collection(shardstore.CategoryPost)
	require.NoError(t, err)
	require.Equal(t, []string{shardstore.IndexPostSlug}, c.IndexNames())
	require.Equal(t, "post/shard_005/post_5", c.Path(5))

	v, err := c.LoadByKey(ctx, shardstore.IndexPostSlug, "slug")
	require.NoError(t, err)

	p, ok := v.(*shardstore.Post)
	require.True(t, ok, "LoadByKey returned %T", v)
	require.Equal(t, uint64(5), p.Main.ID)

	_, err = s.Collection("group")
	require.Error(t, err)

	var se *shardstore.Error
	_, err = c.Load(ctx, 6)
	require.True(t, errors.As(err, &se))
	require.Equal(t, "post/shard_006/post_6", se.Path)
}
