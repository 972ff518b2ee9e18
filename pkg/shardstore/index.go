package shardstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/calvinalkan/shardstore/pkg/keylock"
)

// indexDir holds one JSON object per index name.
const indexDir = "indexes"

var indexNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

// NormalizeKey returns the stored form of an index key: surrounding
// whitespace trimmed and lowercased.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Indexes maintains unique key → ID maps, one JSON document per index at
// "indexes/<name>.json".
//
// Every mutation of an index runs under the key lock "index:<name>" and
// re-reads the map inside the critical section, so concurrent Add calls on
// the same index never lose each other's entries and at most one of them
// can claim a key.
type Indexes struct {
	docs   *Documents
	locks  *keylock.Registry
	logger *slog.Logger
	gate   *gate
}

func newIndexes(docs *Documents, locks *keylock.Registry, logger *slog.Logger, g *gate) *Indexes {
	return &Indexes{docs: docs, locks: locks, logger: logger, gate: g}
}

// IndexPath returns the root-relative path of an index document.
func IndexPath(name string) string {
	return filepath.Join(indexDir, name+".json")
}

// Lookup returns the ID stored for key, or [ErrNotFound].
func (x *Indexes) Lookup(ctx context.Context, name, key string) (uint64, error) {
	if err := x.gate.enter(); err != nil {
		return 0, err
	}
	defer x.gate.exit()

	id, err := x.lookup(ctx, name, key)

	return id, withContext(err, "", "", IndexPath(name))
}

// Add maps key to id. Adding the same (key, id) pair again is a no-op;
// adding a key that maps to a different ID returns [ErrAlreadyExists].
func (x *Indexes) Add(ctx context.Context, name, key string, id uint64) error {
	if err := x.gate.enter(); err != nil {
		return err
	}
	defer x.gate.exit()

	return withContext(x.add(ctx, name, key, id), "", "", IndexPath(name))
}

// Remove deletes key regardless of the ID it maps to. Removing a missing
// key is a no-op.
func (x *Indexes) Remove(ctx context.Context, name, key string) error {
	if err := x.gate.enter(); err != nil {
		return err
	}
	defer x.gate.exit()

	_, err := x.remove(ctx, name, key, nil)

	return withContext(err, "", "", IndexPath(name))
}

// RemoveOwned deletes key only if it maps to id. Reports whether an entry
// was removed.
func (x *Indexes) RemoveOwned(ctx context.Context, name, key string, id uint64) (bool, error) {
	if err := x.gate.enter(); err != nil {
		return false, err
	}
	defer x.gate.exit()

	removed, err := x.remove(ctx, name, key, &id)

	return removed, withContext(err, "", "", IndexPath(name))
}

// Entries returns a snapshot of an index.
func (x *Indexes) Entries(ctx context.Context, name string) (map[string]uint64, error) {
	if err := x.gate.enter(); err != nil {
		return nil, err
	}
	defer x.gate.exit()

	if err := validateIndexName(name); err != nil {
		return nil, err
	}

	m, err := x.load(ctx, name)

	return m, withContext(err, "", "", IndexPath(name))
}

// Names lists the index documents present on disk, sorted.
func (x *Indexes) Names(ctx context.Context) ([]string, error) {
	if err := x.gate.enter(); err != nil {
		return nil, err
	}
	defer x.gate.exit()

	entries, err := x.docs.readDir(ctx, indexDir)
	if err != nil {
		return nil, withContext(err, "", "", indexDir)
	}

	var names []string

	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if ok && !e.IsDir() && indexNamePattern.MatchString(name) {
			names = append(names, name)
		}
	}

	slices.Sort(names)

	return names, nil
}

func (x *Indexes) lookup(ctx context.Context, name, key string) (uint64, error) {
	k, err := checkIndexArgs(name, key)
	if err != nil {
		return 0, err
	}

	m, err := x.load(ctx, name)
	if err != nil {
		return 0, err
	}

	id, ok := m[k]
	if !ok {
		return 0, fmt.Errorf("%w: index %q key %q", ErrNotFound, name, k)
	}

	return id, nil
}

func (x *Indexes) add(ctx context.Context, name, key string, id uint64) error {
	if x.docs.readOnly {
		return ErrReadOnly
	}

	k, err := checkIndexArgs(name, key)
	if err != nil {
		return err
	}

	return x.locks.WithLock(ctx, indexLockKey(name), func(ctx context.Context) error {
		// Re-read under the lock: the check and the set must happen in the
		// same critical section.
		m, err := x.load(ctx, name)
		if err != nil {
			return err
		}

		if cur, ok := m[k]; ok {
			if cur == id {
				return nil
			}

			return fmt.Errorf("%w: index %q key %q -> %d", ErrAlreadyExists, name, k, cur)
		}

		m[k] = id

		if err := x.docs.put(ctx, IndexPath(name), m); err != nil {
			return err
		}

		x.logger.DebugContext(ctx, "index entry added", "index", name, "key", k, "id", id)

		return nil
	})
}

// remove deletes key, only if it maps to *owner when owner is non-nil.
func (x *Indexes) remove(ctx context.Context, name, key string, owner *uint64) (bool, error) {
	if x.docs.readOnly {
		return false, ErrReadOnly
	}

	k, err := checkIndexArgs(name, key)
	if err != nil {
		return false, err
	}

	removed := false

	err = x.locks.WithLock(ctx, indexLockKey(name), func(ctx context.Context) error {
		m, err := x.load(ctx, name)
		if err != nil {
			return err
		}

		cur, ok := m[k]
		if !ok || owner != nil && cur != *owner {
			return nil
		}

		delete(m, k)

		if err := x.docs.put(ctx, IndexPath(name), m); err != nil {
			return err
		}

		removed = true

		x.logger.DebugContext(ctx, "index entry removed", "index", name, "key", k, "id", cur)

		return nil
	})

	return removed, err
}

// load reads an index. A missing index document is an empty index.
func (x *Indexes) load(ctx context.Context, name string) (map[string]uint64, error) {
	m := map[string]uint64{}

	err := x.docs.get(ctx, IndexPath(name), &m)
	if errors.Is(err, ErrNotFound) {
		return map[string]uint64{}, nil
	}

	if err != nil {
		return nil, err
	}

	if m == nil {
		m = map[string]uint64{}
	}

	return m, nil
}

func indexLockKey(name string) string {
	return "index:" + name
}

func validateIndexName(name string) error {
	if !indexNamePattern.MatchString(name) {
		return fmt.Errorf("%w: index name %q", ErrInvalidKey, name)
	}

	return nil
}

func checkIndexArgs(name, key string) (string, error) {
	if err := validateIndexName(name); err != nil {
		return "", err
	}

	k := NormalizeKey(key)
	if k == "" {
		return "", fmt.Errorf("%w: empty key for index %q", ErrInvalidKey, name)
	}

	return k, nil
}
