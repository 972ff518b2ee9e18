// Package keylock provides in-process mutual exclusion per logical key.
//
// A [Registry] hands out one lock per key string (typically "user:1049231"
// or "index:username"). Callers holding different keys never wait on each
// other; callers requesting the same key are served in arrival order.
//
// Locks are not re-entrant. The context passed to the critical section
// records which keys the operation holds, so a nested acquisition of the
// same key fails with [ErrReentrant] instead of deadlocking.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	// ErrWouldBlock is returned by the Try* variants when the key is held.
	ErrWouldBlock = errors.New("key is locked")

	// ErrReentrant is returned when an operation tries to acquire a key it
	// already holds.
	ErrReentrant = errors.New("key already held by this operation")
)

// Registry is a set of per-key FIFO locks. The zero value is ready to use.
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry is a single key's lock. The buffered channel holds one token while
// the key is locked; blocked senders are queued by the runtime in FIFO
// order, which gives starvation-free hand-off.
type entry struct {
	sem  chan struct{}
	refs int // holders + waiters, guarded by Registry.mu
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Unlock releases a key acquired with [Registry.Lock] or [Registry.TryLock].
// Calling it more than once panics.
type Unlock func()

// WithLock runs fn while holding key exclusively.
//
// Waiting for the key can be abandoned by cancelling ctx, in which case
// ctx.Err() is returned and fn never runs. Once the key is acquired, fn
// receives a context that is not cancelled with ctx, so work started under
// the lock runs to completion (or its own rollback) before the key is
// released.
func (r *Registry) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	unlock, err := r.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	return fn(withHeld(context.WithoutCancel(ctx), key))
}

// TryWithLock is like [Registry.WithLock] but returns [ErrWouldBlock]
// immediately if key is held.
func (r *Registry) TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if Holds(ctx, key) {
		return fmt.Errorf("%w: %q", ErrReentrant, key)
	}

	unlock, err := r.TryLock(key)
	if err != nil {
		return err
	}
	defer unlock()

	return fn(withHeld(context.WithoutCancel(ctx), key))
}

// Lock blocks until key is acquired or ctx is done.
//
// Returns [ErrReentrant] if ctx was derived from a critical section that
// already holds key.
func (r *Registry) Lock(ctx context.Context, key string) (Unlock, error) {
	if Holds(ctx, key) {
		return nil, fmt.Errorf("%w: %q", ErrReentrant, key)
	}

	e := r.ref(key)

	select {
	case e.sem <- struct{}{}:
		return r.unlocker(key, e), nil
	default:
	}

	select {
	case e.sem <- struct{}{}:
		return r.unlocker(key, e), nil
	case <-ctx.Done():
		r.unref(key, e)

		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free.
func (r *Registry) TryLock(key string) (Unlock, error) {
	e := r.ref(key)

	select {
	case e.sem <- struct{}{}:
		return r.unlocker(key, e), nil
	default:
		r.unref(key, e)

		return nil, fmt.Errorf("%w: %q", ErrWouldBlock, key)
	}
}

// Held reports whether key is currently locked.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]

	return ok && len(e.sem) > 0
}

// Len returns the number of keys with holders or waiters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

func (r *Registry) ref(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries == nil {
		r.entries = make(map[string]*entry)
	}

	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}

	e.refs++

	return e
}

func (r *Registry) unref(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(r.entries, key)
	}
}

func (r *Registry) unlocker(key string, e *entry) Unlock {
	var done atomic.Bool

	return func() {
		if done.Swap(true) {
			panic("keylock: unlock of unlocked key " + key)
		}

		<-e.sem
		r.unref(key, e)
	}
}

type heldKey struct{}

// withHeld returns a context recording key as held in addition to any keys
// already recorded in ctx.
func withHeld(ctx context.Context, key string) context.Context {
	prev, _ := ctx.Value(heldKey{}).([]string)
	held := append(slices.Clip(prev), key)

	return context.WithValue(ctx, heldKey{}, held)
}

// Holds reports whether ctx belongs to a critical section holding key.
func Holds(ctx context.Context, key string) bool {
	held, _ := ctx.Value(heldKey{}).([]string)

	return slices.Contains(held, key)
}
