package shardstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/calvinalkan/shardstore/pkg/fs"
	"github.com/calvinalkan/shardstore/pkg/keylock"
)

// LockFileName is the root lock file held by a writable [Store].
const LockFileName = ".shardstore.lock"

// Collection is the category-independent view of a [Repository], used by
// tools that work with any category.
type Collection interface {
	Category() Category
	IndexNames() []string
	Path(id uint64) string
	Exists(ctx context.Context, id uint64) (bool, error)
	Load(ctx context.Context, id uint64) (any, error)
	LoadByKey(ctx context.Context, index, key string) (any, error)
	Scan(ctx context.Context, fn func(id uint64) error) error
	Purge(ctx context.Context, id uint64) error

	scanIDs(ctx context.Context, fn func(id uint64) error) error
	inspect(ctx context.Context, id uint64) (map[string]string, error)
	fix(ctx context.Context, f *Finding) error
}

// Store is an open document store. It is safe for concurrent use by
// multiple goroutines. Only one writable Store may be open per root at a
// time, enforced with an flock on [LockFileName].
type Store struct {
	Users  *Repository[User]
	Admins *Repository[Admin]
	Posts  *Repository[Post]
	Media  *Repository[Media]

	cfg         Config
	opts        Options
	router      *Router
	docs        *Documents
	indexes     *Indexes
	locks       *keylock.Registry
	logger      *slog.Logger
	gate        *gate
	collections map[Category]Collection

	closeOnce sync.Once
	rootLock  *fs.Lock
}

// Open validates cfg, creates the root if needed and takes the root lock.
//
// Returns an error matching [fs.ErrWouldBlock] if another writable Store
// holds the root, after waiting up to opts.LockTimeout.
func Open(ctx context.Context, cfg Config, opts Options) (*Store, error) {
	cfg = cfg.withDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	cfg.Root = root
	opts = opts.withDefaults()

	s := &Store{
		cfg:    cfg,
		opts:   opts,
		router: NewRouter(cfg),
		locks:  keylock.New(),
		logger: opts.Logger,
		gate:   &gate{},
	}

	if !opts.ReadOnly {
		if err := fs.MkdirAllSync(opts.FS, root, dirPerm); err != nil {
			return nil, fmt.Errorf("%w: create root: %w", ErrIO, err)
		}

		s.rootLock, err = lockRoot(opts, filepath.Join(root, LockFileName))
		if err != nil {
			return nil, fmt.Errorf("lock root %s: %w", root, err)
		}
	}

	s.docs = newDocuments(s.router, opts, s.gate)
	s.indexes = newIndexes(s.docs, s.locks, opts.Logger, s.gate)

	if err := s.wire(); err != nil {
		return nil, errors.Join(err, s.releaseRoot())
	}

	s.logger.InfoContext(ctx, "store opened", "root", root, "read_only", opts.ReadOnly,
		"shard_count", cfg.ShardCount)

	return s, nil
}

func lockRoot(opts Options, path string) (*fs.Lock, error) {
	locker := fs.NewLocker(opts.FS)

	if opts.LockTimeout > 0 {
		return locker.LockWithTimeout(path, opts.LockTimeout)
	}

	return locker.TryLock(path)
}

func (s *Store) wire() error {
	var err error

	if s.Users, err = NewRepository(s, UserSchema()); err != nil {
		return err
	}

	if s.Admins, err = NewRepository(s, AdminSchema()); err != nil {
		return err
	}

	if s.Posts, err = NewRepository(s, PostSchema()); err != nil {
		return err
	}

	if s.Media, err = NewRepository(s, MediaSchema()); err != nil {
		return err
	}

	s.collections = map[Category]Collection{
		CategoryUser:  s.Users,
		CategoryAdmin: s.Admins,
		CategoryPost:  s.Posts,
		CategoryMedia: s.Media,
	}

	return nil
}

// Close waits for in-flight operations, rejects new ones with [ErrClosed]
// and releases the root lock. Calling Close again is a no-op.
func (s *Store) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.gate.close()
		err = s.releaseRoot()
		s.logger.Info("store closed", "root", s.cfg.Root)
	})

	return err
}

func (s *Store) releaseRoot() error {
	if s.rootLock == nil {
		return nil
	}

	if err := s.rootLock.Close(); err != nil {
		return fmt.Errorf("release root lock: %w", err)
	}

	return nil
}

// Collection returns the repository of category c.
func (s *Store) Collection(c Category) (Collection, error) {
	col, ok := s.collections[c]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", c)
	}

	return col, nil
}

// Documents returns the raw document layer. Writes through it bypass
// entity locks and indexes.
func (s *Store) Documents() *Documents {
	return s.docs
}

// Indexes returns the index layer.
func (s *Store) Indexes() *Indexes {
	return s.indexes
}

// Router returns the store's path router.
func (s *Store) Router() *Router {
	return s.router
}

// Locks returns the key lock registry shared by all repositories. Callers
// may hold "<category>:<id>" keys to compose several calls; a repository
// mutation of an entity whose key the context already holds fails with
// [keylock.ErrReentrant].
func (s *Store) Locks() *keylock.Registry {
	return s.locks
}

// Config returns the effective config with an absolute root.
func (s *Store) Config() Config {
	return s.cfg
}
