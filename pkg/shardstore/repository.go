package shardstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/calvinalkan/shardstore/pkg/keylock"
)

// Repository stores aggregates of type A, one directory per entity, with
// the files and unique indexes described by its [Schema].
//
// Mutations of one entity run under the key lock "<category>:<id>". Reads
// take no lock: a reader can observe an entity halfway through another
// caller's multi-file update, but never a half-written file.
//
// Ordering on disk:
//   - Create writes secondary documents, then the primary, then index
//     entries. A crash in between leaves an entity without index entries.
//   - Update adds new index entries, writes changed documents, then removes
//     the replaced entries.
//   - Delete removes index entries, then the directory. A crash in between
//     leaves an entity without index entries.
//
// None of these can leave an index entry pointing at a never-created
// entity. [Store.Check] detects the leftovers.
type Repository[A any] struct {
	schema  Schema[A]
	router  *Router
	docs    *Documents
	indexes *Indexes
	locks   *keylock.Registry
	logger  *slog.Logger
	gate    *gate
}

// NewRepository builds a repository for schema on top of an open store.
// Use it for categories beyond the four built-in ones only if they share
// the store's category set; the built-in repositories are [Store.Users],
// [Store.Admins], [Store.Posts] and [Store.Media].
func NewRepository[A any](s *Store, schema Schema[A]) (*Repository[A], error) {
	if err := schema.check(); err != nil {
		return nil, err
	}

	if _, err := ParseCategory(string(schema.Category)); err != nil {
		return nil, err
	}

	schema.Indexes = slices.Sorted(slices.Values(schema.Indexes))

	return &Repository[A]{
		schema:  schema,
		router:  s.router,
		docs:    s.docs,
		indexes: s.indexes,
		locks:   s.locks,
		logger:  s.logger.With("category", string(schema.Category)),
		gate:    s.gate,
	}, nil
}

// Category returns the repository's category.
func (r *Repository[A]) Category() Category {
	return r.schema.Category
}

// IndexNames returns the unique indexes owned by this category.
func (r *Repository[A]) IndexNames() []string {
	return slices.Clone(r.schema.Indexes)
}

// Path returns the entity directory relative to the store root.
func (r *Repository[A]) Path(id uint64) string {
	return r.router.Route(r.schema.Category, id)
}

// Create stores a new entity under id. The ID field of a is set to id.
//
// Returns [ErrAlreadyExists] if the entity exists or one of its index keys
// is taken. In the latter case nothing written by this call remains.
func (r *Repository[A]) Create(ctx context.Context, id uint64, a *A) error {
	if err := r.gate.enter(); err != nil {
		return err
	}
	defer r.gate.exit()

	err := r.locks.WithLock(ctx, r.lockKey(id), func(ctx context.Context) error {
		return r.create(ctx, id, a)
	})

	return r.wrap(err, id)
}

// Get loads an entity. Missing secondary documents decode as zero values.
func (r *Repository[A]) Get(ctx context.Context, id uint64) (*A, error) {
	if err := r.gate.enter(); err != nil {
		return nil, err
	}
	defer r.gate.exit()

	a, err := r.get(ctx, id)

	return a, r.wrap(err, id)
}

// Exists reports whether the entity's primary document exists.
func (r *Repository[A]) Exists(ctx context.Context, id uint64) (bool, error) {
	if err := r.gate.enter(); err != nil {
		return false, err
	}
	defer r.gate.exit()

	ok, err := r.docs.exists(ctx, r.partPath(id, 0))

	return ok, r.wrap(err, id)
}

// Update applies mutate to the current entity and writes back the
// documents that changed. mutate runs under the entity lock; if it returns
// an error nothing is written and the error is returned as is.
//
// Changing an indexed field moves the index entry. If the new key is taken
// the update fails with [ErrAlreadyExists] and nothing is written.
func (r *Repository[A]) Update(ctx context.Context, id uint64, mutate func(a *A) error) (*A, error) {
	if err := r.gate.enter(); err != nil {
		return nil, err
	}
	defer r.gate.exit()

	var out *A

	err := r.locks.WithLock(ctx, r.lockKey(id), func(ctx context.Context) error {
		var err error

		out, err = r.update(ctx, id, mutate)

		return err
	})

	return out, r.wrap(err, id)
}

// TryUpdate is like [Repository.Update] but fails with
// [keylock.ErrWouldBlock] instead of waiting if the entity is locked.
func (r *Repository[A]) TryUpdate(ctx context.Context, id uint64, mutate func(a *A) error) (*A, error) {
	if err := r.gate.enter(); err != nil {
		return nil, err
	}
	defer r.gate.exit()

	var out *A

	err := r.locks.TryWithLock(ctx, r.lockKey(id), func(ctx context.Context) error {
		var err error

		out, err = r.update(ctx, id, mutate)

		return err
	})

	return out, r.wrap(err, id)
}

// Delete removes the entity's index entries, then its directory.
func (r *Repository[A]) Delete(ctx context.Context, id uint64) error {
	if err := r.gate.enter(); err != nil {
		return err
	}
	defer r.gate.exit()

	err := r.locks.WithLock(ctx, r.lockKey(id), func(ctx context.Context) error {
		return r.delete(ctx, id)
	})

	return r.wrap(err, id)
}

// Purge removes an entity without reading it: every entry of the
// category's indexes that points at id, then the directory. Use it for
// entities whose documents are corrupt. Purging a missing entity is a no-op.
func (r *Repository[A]) Purge(ctx context.Context, id uint64) error {
	if err := r.gate.enter(); err != nil {
		return err
	}
	defer r.gate.exit()

	err := r.locks.WithLock(ctx, r.lockKey(id), func(ctx context.Context) error {
		if r.docs.readOnly {
			return ErrReadOnly
		}

		for _, name := range r.schema.Indexes {
			entries, err := r.indexes.load(ctx, name)
			if err != nil {
				return err
			}

			for key, owner := range entries {
				if owner != id {
					continue
				}

				if _, err := r.indexes.remove(ctx, name, key, &id); err != nil {
					return err
				}
			}
		}

		return r.docs.removeDir(ctx, r.Path(id))
	})

	return r.wrap(err, id)
}

// FindByKey looks key up in index name and loads the entity it maps to.
// A key that is empty after normalization is never indexed and yields
// [ErrNotFound].
//
// No lock spans the two steps, so a concurrent rename or delete can make
// this return [ErrNotFound] for a key that existed a moment earlier. If the
// entry still points at the missing entity after a second lookup, the error
// is a [*DanglingIndexError]. An entry whose entity no longer carries key
// (an update in flight, or one cut short by a crash) is also [ErrNotFound].
func (r *Repository[A]) FindByKey(ctx context.Context, name, key string) (*A, error) {
	if err := r.gate.enter(); err != nil {
		return nil, err
	}
	defer r.gate.exit()

	if !r.schema.hasIndex(name) {
		return nil, withContext(fmt.Errorf("%w: %q (have %v)", ErrUnknownIndex, name, r.schema.Indexes), r.schema.Category, "", "")
	}

	norm := NormalizeKey(key)
	if norm == "" {
		return nil, withContext(fmt.Errorf("%w: empty key", ErrNotFound), r.schema.Category, "", IndexPath(name))
	}

	id, err := r.indexes.lookup(ctx, name, key)
	if err != nil {
		return nil, withContext(err, r.schema.Category, "", IndexPath(name))
	}

	a, err := r.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		again, lerr := r.indexes.lookup(ctx, name, key)
		if lerr == nil && again == id {
			r.logger.WarnContext(ctx, "index entry points at missing entity",
				"index", name, "key", norm, "id", id)

			err = &DanglingIndexError{Index: name, Key: norm, ID: id}
		}
	}

	if err == nil && r.schema.keys(a)[name] != norm {
		return nil, r.wrap(fmt.Errorf("%w: %s key %q is stale", ErrNotFound, name, norm), id)
	}

	return a, r.wrap(err, id)
}

// Scan calls fn for every entity directory of the category, ordered by
// shard then ID. It takes no locks and stops at the first error from fn or
// when ctx is done. Directories whose primary document is missing (for
// example after a crash during create) are included.
func (r *Repository[A]) Scan(ctx context.Context, fn func(id uint64) error) error {
	if err := r.gate.enter(); err != nil {
		return err
	}
	defer r.gate.exit()

	return withContext(r.scan(ctx, fn), r.schema.Category, "", string(r.schema.Category))
}

// Load is [Repository.Get] returning the aggregate as any.
func (r *Repository[A]) Load(ctx context.Context, id uint64) (any, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// LoadByKey is [Repository.FindByKey] returning the aggregate as any.
func (r *Repository[A]) LoadByKey(ctx context.Context, name, key string) (any, error) {
	a, err := r.FindByKey(ctx, name, key)
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (r *Repository[A]) create(ctx context.Context, id uint64, a *A) error {
	if r.docs.readOnly {
		return ErrReadOnly
	}

	r.schema.SetID(a, id)

	if err := r.schema.validate(a); err != nil {
		return err
	}

	encoded, err := r.schema.encodeParts(a)
	if err != nil {
		return err
	}

	exists, err := r.docs.exists(ctx, r.partPath(id, 0))
	if err != nil {
		return err
	}

	if exists {
		return fmt.Errorf("%w: %s %d", ErrAlreadyExists, r.schema.Category, id)
	}

	for _, i := range r.writeOrder() {
		if err := r.docs.putBytes(ctx, r.partPath(id, i), encoded[i]); err != nil {
			return errors.Join(err, r.rollbackCreate(ctx, id, nil))
		}
	}

	keys := r.schema.keys(a)

	var added []indexEntry

	for _, name := range r.schema.Indexes {
		key, ok := keys[name]
		if !ok {
			continue
		}

		if err := r.indexes.add(ctx, name, key, id); err != nil {
			return errors.Join(err, r.rollbackCreate(ctx, id, added))
		}

		added = append(added, indexEntry{name: name, key: key})
	}

	r.logger.DebugContext(ctx, "entity created", "id", id)

	return nil
}

// rollbackCreate undoes a partial create: index entries first, then the
// directory, mirroring delete.
func (r *Repository[A]) rollbackCreate(ctx context.Context, id uint64, added []indexEntry) error {
	err := errors.Join(
		r.removeEntries(ctx, id, added),
		r.docs.removeDir(ctx, r.Path(id)),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "create rollback incomplete", "id", id, "error", err)

		return fmt.Errorf("rollback: %w", err)
	}

	r.logger.InfoContext(ctx, "create rolled back", "id", id)

	return nil
}

func (r *Repository[A]) get(ctx context.Context, id uint64) (*A, error) {
	a := new(A)

	for i, p := range r.schema.Parts {
		err := r.docs.get(ctx, r.partPath(id, i), p.Doc(a))
		if errors.Is(err, ErrNotFound) {
			if i == 0 {
				return nil, fmt.Errorf("%w: %s %d", ErrNotFound, r.schema.Category, id)
			}

			continue
		}

		if err != nil {
			return nil, err
		}
	}

	if got := r.schema.ID(a); got != id {
		return nil, fmt.Errorf("%w: %s holds id %d", ErrCorruptDocument, r.schema.Parts[0].Name, got)
	}

	return a, nil
}

func (r *Repository[A]) update(ctx context.Context, id uint64, mutate func(a *A) error) (*A, error) {
	if r.docs.readOnly {
		return nil, ErrReadOnly
	}

	a, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}

	before, err := r.schema.encodeParts(a)
	if err != nil {
		return nil, err
	}

	oldKeys := r.schema.keys(a)

	if err := mutate(a); err != nil {
		return nil, err
	}

	if got := r.schema.ID(a); got != id {
		return nil, fmt.Errorf("%w: update changed id %d to %d", ErrInvalidEntity, id, got)
	}

	if err := r.schema.validate(a); err != nil {
		return nil, err
	}

	after, err := r.schema.encodeParts(a)
	if err != nil {
		return nil, err
	}

	newKeys := r.schema.keys(a)

	var added, stale []indexEntry

	for _, name := range r.schema.Indexes {
		oldKey, hadOld := oldKeys[name]
		newKey, hasNew := newKeys[name]

		if hasNew && newKey != oldKey {
			if err := r.indexes.add(ctx, name, newKey, id); err != nil {
				return nil, errors.Join(err, r.removeEntries(ctx, id, added))
			}

			added = append(added, indexEntry{name: name, key: newKey})
		}

		if hadOld && oldKey != newKey {
			stale = append(stale, indexEntry{name: name, key: oldKey})
		}
	}

	var written []int

	for _, i := range r.writeOrder() {
		if bytes.Equal(before[i], after[i]) {
			continue
		}

		if err := r.docs.putBytes(ctx, r.partPath(id, i), after[i]); err != nil {
			return nil, errors.Join(err, r.restore(ctx, id, before, written), r.removeEntries(ctx, id, added))
		}

		written = append(written, i)
	}

	if err := r.removeEntries(ctx, id, stale); err != nil {
		return nil, fmt.Errorf("documents updated but replaced index entries remain: %w", err)
	}

	if len(written) > 0 {
		r.logger.DebugContext(ctx, "entity updated", "id", id, "documents", len(written))
	}

	return a, nil
}

// restore rewrites the previous encoding of parts already written by a
// failed update.
func (r *Repository[A]) restore(ctx context.Context, id uint64, before [][]byte, written []int) error {
	var errs []error

	for _, i := range written {
		if err := r.docs.putBytes(ctx, r.partPath(id, i), before[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		r.logger.ErrorContext(ctx, "update rollback incomplete", "id", id, "error", err)

		return fmt.Errorf("rollback: %w", err)
	}

	return nil
}

func (r *Repository[A]) delete(ctx context.Context, id uint64) error {
	if r.docs.readOnly {
		return ErrReadOnly
	}

	a, err := r.get(ctx, id)
	if err != nil {
		return err
	}

	keys := r.schema.keys(a)

	entries := make([]indexEntry, 0, len(keys))
	for _, name := range r.schema.Indexes {
		if key, ok := keys[name]; ok {
			entries = append(entries, indexEntry{name: name, key: key})
		}
	}

	if err := r.removeEntries(ctx, id, entries); err != nil {
		return err
	}

	if err := r.docs.removeDir(ctx, r.Path(id)); err != nil {
		return err
	}

	r.logger.DebugContext(ctx, "entity deleted", "id", id)

	return nil
}

func (r *Repository[A]) scan(ctx context.Context, fn func(id uint64) error) error {
	category := string(r.schema.Category)

	shards, err := r.docs.readDir(ctx, category)
	if err != nil {
		return err
	}

	for _, shard := range shards {
		if !shard.IsDir() || !r.router.IsShard(shard.Name()) {
			continue
		}

		entries, err := r.docs.readDir(ctx, filepath.Join(category, shard.Name()))
		if err != nil {
			return err
		}

		ids := make([]uint64, 0, len(entries))

		for _, e := range entries {
			if !e.IsDir() {
				continue
			}

			id, ok := r.router.ParseEntity(r.schema.Category, e.Name())
			if ok && r.router.Shard(id) == shard.Name() {
				ids = append(ids, id)
			}
		}

		slices.Sort(ids)

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := fn(id); err != nil {
				return err
			}
		}
	}

	return nil
}

type indexEntry struct {
	name string
	key  string
}

// removeEntries removes entries owned by id, continuing past failures.
func (r *Repository[A]) removeEntries(ctx context.Context, id uint64, entries []indexEntry) error {
	var errs []error

	for _, e := range entries {
		if _, err := r.indexes.remove(ctx, e.name, e.key, &id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// writeOrder lists part indexes with the primary last.
func (r *Repository[A]) writeOrder() []int {
	order := make([]int, 0, len(r.schema.Parts))
	for i := 1; i < len(r.schema.Parts); i++ {
		order = append(order, i)
	}

	return append(order, 0)
}

func (r *Repository[A]) partPath(id uint64, part int) string {
	return filepath.Join(r.Path(id), r.schema.Parts[part].Name)
}

func (r *Repository[A]) lockKey(id uint64) string {
	return string(r.schema.Category) + ":" + strconv.FormatUint(id, 10)
}

func (r *Repository[A]) wrap(err error, id uint64) error {
	return withContext(err, r.schema.Category, strconv.FormatUint(id, 10), r.Path(id))
}
