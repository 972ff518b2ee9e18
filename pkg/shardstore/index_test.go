package shardstore_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shardstore/pkg/shardstore"
)

func TestIndexAddLookupNormalizes(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ix := s.Indexes()
	ctx := t.Context()

	require.NoError(t, ix.Add(ctx, "username", "  Alex.Stone ", 1049231))

	id, err := ix.Lookup(ctx, "username", "ALEX.STONE")
	require.NoError(t, err)
	require.Equal(t, uint64(1049231), id)

	// Same key, same ID: no-op.
	require.NoError(t, ix.Add(ctx, "username", "alex.stone", 1049231))

	err = ix.Add(ctx, "username", "alex.stone", 7)
	require.ErrorIs(t, err, shardstore.ErrAlreadyExists)

	entries, err := ix.Entries(ctx, "username")
	require.NoError(t, err)

	if diff := cmp.Diff(map[string]uint64{"alex.stone": 1049231}, entries); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
}

func TestIndexLookupMissing(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	_, err := s.Indexes().Lookup(t.Context(), "username", "nobody")
	require.ErrorIs(t, err, shardstore.ErrNotFound)

	names, err := s.Indexes().Names(t.Context())
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestIndexRejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := t.Context()

	require.ErrorIs(t, s.Indexes().Add(ctx, "username", "   ", 1), shardstore.ErrInvalidKey)
	require.ErrorIs(t, s.Indexes().Add(ctx, "User Name", "x", 1), shardstore.ErrInvalidKey)
	require.ErrorIs(t, s.Indexes().Add(ctx, "../etc", "x", 1), shardstore.ErrInvalidKey)
}

func TestIndexRemove(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ix := s.Indexes()
	ctx := t.Context()

	require.NoError(t, ix.Add(ctx, "email", "a@example.com", 1))
	require.NoError(t, ix.Add(ctx, "email", "b@example.com", 2))

	removed, err := ix.RemoveOwned(ctx, "email", "a@example.com", 2)
	require.NoError(t, err)
	require.False(t, removed, "removed an entry owned by another ID")

	removed, err = ix.RemoveOwned(ctx, "email", "A@example.com", 1)
	require.NoError(t, err)
	require.True(t, removed)

	require.NoError(t, ix.Remove(ctx, "email", "b@example.com"))
	require.NoError(t, ix.Remove(ctx, "email", "never@example.com"))

	entries, err := ix.Entries(ctx, "email")
	require.NoError(t, err)
	require.Empty(t, entries)

	names, err := ix.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"email"}, names)
}

func TestIndexConcurrentAddSameKeyExactlyOneWins(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	const n = 32

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []uint64
		others  []error
	)

	for i := range n {
		wg.Go(func() {
			id := uint64(i + 1)

			err := s.Indexes().Add(t.Context(), "username", "alex.stone", id)

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				winners = append(winners, id)
			} else {
				others = append(others, err)
			}
		})
	}

	wg.Wait()

	require.Len(t, winners, 1)
	require.Len(t, others, n-1)

	for _, err := range others {
		require.ErrorIs(t, err, shardstore.ErrAlreadyExists)
	}

	id, err := s.Indexes().Lookup(t.Context(), "username", "alex.stone")
	require.NoError(t, err)
	require.Equal(t, winners[0], id)
}

func TestIndexConcurrentAddDistinctKeysLosesNothing(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	const n = 40

	var wg sync.WaitGroup

	errs := make(chan error, n)

	for i := range n {
		wg.Go(func() {
			errs <- s.Indexes().Add(t.Context(), "post_slug", "slug-"+string(rune('a'+i%26))+string(rune('a'+i/26)), uint64(i))
		})
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := s.Indexes().Entries(t.Context(), "post_slug")
	require.NoError(t, err)
	require.Len(t, entries, n)
}

func TestIndexCorruptFileIsNotTreatedAsEmpty(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := t.Context()

	require.NoError(t, s.Documents().PutRaw(ctx, shardstore.IndexPath("username"), map[string]any{"alex": "not a number"}))

	err := s.Indexes().Add(ctx, "username", "sam", 2)
	require.True(t, errors.Is(err, shardstore.ErrCorruptDocument), "got %v", err)

	raw, err := s.Documents().GetRaw(ctx, shardstore.IndexPath("username"))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"alex": "not a number"}, raw)
}
