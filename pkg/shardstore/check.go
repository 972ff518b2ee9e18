package shardstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/calvinalkan/shardstore/pkg/fs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// FindingKind classifies an inconsistency found by [Store.Check].
type FindingKind string

// Finding kinds.
const (
	// FindingDanglingEntry: an index entry points at an entity that does
	// not exist. Repair removes the entry.
	FindingDanglingEntry FindingKind = "dangling_entry"

	// FindingMismatchedEntry: an index entry points at an entity whose
	// field no longer normalizes to the key. Repair removes the entry.
	FindingMismatchedEntry FindingKind = "mismatched_entry"

	// FindingMissingEntry: an entity's indexed field has no entry pointing
	// back at it. Repair adds the entry.
	FindingMissingEntry FindingKind = "missing_entry"

	// FindingConflictingKey: two or more entities share one key. Reported
	// only; an operator has to pick the owner.
	FindingConflictingKey FindingKind = "conflicting_key"

	// FindingCorruptEntity: a document of the entity does not decode.
	// Reported only; corrupt documents are never rewritten.
	FindingCorruptEntity FindingKind = "corrupt_entity"

	// FindingIncompleteEntity: an entity directory without its primary
	// document, left by a crash during create. Repair removes it.
	FindingIncompleteEntity FindingKind = "incomplete_entity"

	// FindingOrphanTemp: a temp file left by an interrupted atomic write.
	// Repair removes it once older than [CheckOptions.TempMaxAge].
	FindingOrphanTemp FindingKind = "orphan_temp"
)

// Finding is one inconsistency.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	Category Category    `json:"category,omitempty"`
	ID       uint64      `json:"id,omitempty"`
	IDs      []uint64    `json:"ids,omitempty"`
	Index    string      `json:"index,omitempty"`
	Key      string      `json:"key,omitempty"`
	Path     string      `json:"path,omitempty"`
	Detail   string      `json:"detail,omitempty"`

	// Fixed is set by [Store.Repair] when the finding was repaired.
	Fixed bool `json:"fixed,omitempty"`

	// Skipped explains why Repair left a fixable finding alone, e.g.
	// because the entity changed since the check.
	Skipped string `json:"skipped,omitempty"`
}

func (f Finding) String() string {
	s := string(f.Kind)
	if f.Category != "" {
		s += " " + string(f.Category)
	}

	switch {
	case len(f.IDs) > 0:
		s += fmt.Sprintf(" ids=%v", f.IDs)
	case f.Category != "":
		s += " id=" + strconv.FormatUint(f.ID, 10)
	}

	if f.Index != "" {
		s += fmt.Sprintf(" index=%s key=%q", f.Index, f.Key)
	}

	if f.Path != "" {
		s += " path=" + f.Path
	}

	if f.Detail != "" {
		s += ": " + f.Detail
	}

	return s
}

// Report is the result of [Store.Check] or [Store.Repair].
type Report struct {
	// Entities is the number of entity directories inspected.
	Entities int `json:"entities"`

	// Findings grouped by category, orphaned temp files last.
	Findings []Finding `json:"findings"`
}

// OK reports whether no unfixed findings remain.
func (r *Report) OK() bool {
	return r.Unfixed() == 0
}

// Unfixed counts findings not repaired.
func (r *Report) Unfixed() int {
	n := 0

	for _, f := range r.Findings {
		if !f.Fixed {
			n++
		}
	}

	return n
}

// CheckOptions tunes [Store.Check] and [Store.Repair].
type CheckOptions struct {
	// Parallel bounds concurrent entity reads. Default: 4.
	Parallel int

	// Rate limits entity reads per second across workers. Zero is
	// unlimited.
	Rate float64

	// Categories restricts the pass. Default: all.
	Categories []Category

	// TempMaxAge is the age after which Repair removes orphaned temp
	// files. Younger temp files may belong to a write in flight. Default:
	// 15 minutes.
	TempMaxAge time.Duration

	// DryRun makes Repair report what it would fix without writing.
	DryRun bool
}

const defaultTempMaxAge = 15 * time.Minute

func (o CheckOptions) withDefaults() CheckOptions {
	if o.Parallel <= 0 {
		o.Parallel = 4
	}

	if len(o.Categories) == 0 {
		o.Categories = Categories()
	}

	if o.TempMaxAge <= 0 {
		o.TempMaxAge = defaultTempMaxAge
	}

	return o
}

// Check compares every entity with the indexes its category owns and looks
// for orphaned temp files. It takes no locks and writes nothing, so on a
// store in active use it can report transient states of in-flight
// operations; [Store.Repair] re-verifies each finding under the entity lock.
func (s *Store) Check(ctx context.Context, opts CheckOptions) (*Report, error) {
	if err := s.gate.enter(); err != nil {
		return nil, err
	}
	defer s.gate.exit()

	return s.check(ctx, opts.withDefaults())
}

// Repair runs [Store.Check] and fixes what it safely can: index entries are
// removed before missing ones are added, so a key moved between entities
// resolves in one pass. Conflicting keys and corrupt entities are reported
// and left alone.
func (s *Store) Repair(ctx context.Context, opts CheckOptions) (*Report, error) {
	if err := s.gate.enter(); err != nil {
		return nil, err
	}
	defer s.gate.exit()

	opts = opts.withDefaults()

	if s.opts.ReadOnly && !opts.DryRun {
		return nil, ErrReadOnly
	}

	report, err := s.check(ctx, opts)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return report, nil
	}

	// Removals first, then additions.
	order := []FindingKind{
		FindingDanglingEntry,
		FindingMismatchedEntry,
		FindingIncompleteEntity,
		FindingOrphanTemp,
		FindingMissingEntry,
	}

	for _, kind := range order {
		for i := range report.Findings {
			f := &report.Findings[i]
			if f.Kind != kind {
				continue
			}

			if err := ctx.Err(); err != nil {
				return report, err
			}

			if err := s.fix(ctx, f, opts); err != nil {
				return report, err
			}
		}
	}

	return report, nil
}

func (s *Store) fix(ctx context.Context, f *Finding, opts CheckOptions) error {
	var err error

	if f.Kind == FindingOrphanTemp {
		err = s.fixTemp(ctx, f, opts.TempMaxAge)
	} else {
		err = s.collections[f.Category].fix(ctx, f)
	}

	switch {
	case err != nil:
		s.logger.ErrorContext(ctx, "repair failed", "finding", f.String(), "error", err)

		return fmt.Errorf("repair %s: %w", f, err)
	case f.Fixed:
		s.logger.InfoContext(ctx, "repaired", "finding", f.String())
	case f.Skipped != "":
		s.logger.InfoContext(ctx, "repair skipped", "finding", f.String(), "reason", f.Skipped)
	}

	return nil
}

func (s *Store) fixTemp(ctx context.Context, f *Finding, maxAge time.Duration) error {
	info, err := s.opts.FS.Stat(s.router.Abs(f.Path))
	if errors.Is(err, os.ErrNotExist) {
		f.Skipped = "already gone"

		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrIO, f.Path, err)
	}

	if age := time.Since(info.ModTime()); age < maxAge {
		f.Skipped = fmt.Sprintf("younger than %s", maxAge)

		return nil
	}

	if err := s.docs.removeFile(ctx, f.Path); err != nil {
		return err
	}

	f.Fixed = true

	return nil
}

func (s *Store) check(ctx context.Context, opts CheckOptions) (*Report, error) {
	report := &Report{}

	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}

	for _, cat := range opts.Categories {
		c, ok := s.collections[cat]
		if !ok {
			return nil, fmt.Errorf("unknown category %q", cat)
		}

		n, findings, err := s.checkCollection(ctx, c, opts.Parallel, limiter)
		if err != nil {
			return nil, withContext(err, cat, "", string(cat))
		}

		report.Entities += n
		report.Findings = append(report.Findings, findings...)
	}

	dirs := make([]string, 0, len(opts.Categories)+1)
	for _, cat := range opts.Categories {
		dirs = append(dirs, string(cat))
	}

	dirs = append(dirs, indexDir)

	temps, err := s.findTemps(ctx, dirs)
	if err != nil {
		return nil, err
	}

	report.Findings = append(report.Findings, temps...)

	return report, nil
}

// entityState is what Check learned about one entity.
type entityState struct {
	keys       map[string]string
	corrupt    bool
	incomplete bool
}

func (s *Store) checkCollection(
	ctx context.Context,
	c Collection,
	parallel int,
	limiter *rate.Limiter,
) (int, []Finding, error) {
	cat := c.Category()

	var ids []uint64

	err := c.scanIDs(ctx, func(id uint64) error {
		ids = append(ids, id)

		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	var (
		mu     sync.Mutex
		states = make(map[uint64]entityState, len(ids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, id := range ids {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
			}

			keys, err := c.inspect(gctx, id)

			var st entityState

			switch {
			case err == nil:
				st.keys = keys
			case errors.Is(err, ErrNotFound):
				st.incomplete = true
			case errors.Is(err, ErrCorruptDocument):
				st.corrupt = true
			default:
				return err
			}

			mu.Lock()
			states[id] = st
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	var findings []Finding

	for _, id := range ids {
		st := states[id]

		switch {
		case st.incomplete:
			findings = append(findings, Finding{
				Kind: FindingIncompleteEntity, Category: cat, ID: id, Path: c.Path(id),
				Detail: "primary document missing",
			})
		case st.corrupt:
			findings = append(findings, Finding{
				Kind: FindingCorruptEntity, Category: cat, ID: id, Path: c.Path(id),
			})
		}
	}

	for _, name := range c.IndexNames() {
		entries, err := s.indexes.load(ctx, name)
		if err != nil {
			return 0, nil, err
		}

		findings = append(findings, compareIndex(cat, name, ids, states, entries)...)
	}

	return len(ids), findings, nil
}

// compareIndex diffs the entries an index should hold, derived from the
// entity states, against what it holds.
func compareIndex(
	cat Category,
	name string,
	ids []uint64,
	states map[uint64]entityState,
	entries map[string]uint64,
) []Finding {
	want := map[string][]uint64{}

	for _, id := range ids {
		if key, ok := states[id].keys[name]; ok {
			want[key] = append(want[key], id)
		}
	}

	var findings []Finding

	for _, key := range sortedKeys(entries) {
		id := entries[key]
		if slices.Contains(want[key], id) {
			continue
		}

		st, exists := states[id]

		switch {
		case !exists || st.incomplete:
			findings = append(findings, Finding{
				Kind: FindingDanglingEntry, Category: cat, ID: id, Index: name, Key: key,
				Path: IndexPath(name),
			})
		case st.corrupt:
			// Cannot tell; the corrupt entity is reported on its own.
		default:
			findings = append(findings, Finding{
				Kind: FindingMismatchedEntry, Category: cat, ID: id, Index: name, Key: key,
				Path: IndexPath(name), Detail: fmt.Sprintf("entity key is %q", st.keys[name]),
			})
		}
	}

	for _, key := range sortedKeys(want) {
		owners := want[key]

		if len(owners) > 1 {
			findings = append(findings, Finding{
				Kind: FindingConflictingKey, Category: cat, IDs: owners, Index: name, Key: key,
				Path: IndexPath(name),
			})

			continue
		}

		if cur, ok := entries[key]; !ok || cur != owners[0] {
			findings = append(findings, Finding{
				Kind: FindingMissingEntry, Category: cat, ID: owners[0], Index: name, Key: key,
				Path: IndexPath(name),
			})
		}
	}

	return findings
}

// findTemps walks dirs for files named like in-flight atomic writes.
func (s *Store) findTemps(ctx context.Context, dirs []string) ([]Finding, error) {
	var findings []Finding

	var walk func(dir string) error

	walk = func(dir string) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := s.docs.readDir(ctx, dir)
		if err != nil {
			return err
		}

		for _, e := range entries {
			rel := filepath.Join(dir, e.Name())

			if e.IsDir() {
				if err := walk(rel); err != nil {
					return err
				}

				continue
			}

			if fs.IsTempName(e.Name()) {
				findings = append(findings, Finding{Kind: FindingOrphanTemp, Path: rel})
			}
		}

		return nil
	}

	for _, dir := range dirs {
		if err := walk(dir); err != nil {
			return nil, withContext(err, "", "", dir)
		}
	}

	return findings, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// inspect loads an entity and returns its normalized index keys.
func (r *Repository[A]) inspect(ctx context.Context, id uint64) (map[string]string, error) {
	a, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}

	return r.schema.keys(a), nil
}

func (r *Repository[A]) scanIDs(ctx context.Context, fn func(id uint64) error) error {
	return r.scan(ctx, fn)
}

// fix repairs one finding of this category under the entity lock, after
// checking that it still holds.
func (r *Repository[A]) fix(ctx context.Context, f *Finding) error {
	return r.locks.WithLock(ctx, r.lockKey(f.ID), func(ctx context.Context) error {
		switch f.Kind {
		case FindingDanglingEntry:
			exists, err := r.docs.exists(ctx, r.partPath(f.ID, 0))
			if err != nil {
				return err
			}

			if exists {
				f.Skipped = "entity exists again"

				return nil
			}

			return r.removeFinding(ctx, f)

		case FindingMismatchedEntry:
			keys, err := r.inspect(ctx, f.ID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}

			if keys[f.Index] == f.Key {
				f.Skipped = "entity key matches again"

				return nil
			}

			return r.removeFinding(ctx, f)

		case FindingMissingEntry:
			keys, err := r.inspect(ctx, f.ID)
			if errors.Is(err, ErrNotFound) {
				f.Skipped = "entity is gone"

				return nil
			}

			if err != nil {
				return err
			}

			if keys[f.Index] != f.Key {
				f.Skipped = "entity key changed"

				return nil
			}

			err = r.indexes.add(ctx, f.Index, f.Key, f.ID)
			if errors.Is(err, ErrAlreadyExists) {
				f.Skipped = err.Error()

				return nil
			}

			if err != nil {
				return err
			}

			f.Fixed = true

			return nil

		case FindingIncompleteEntity:
			exists, err := r.docs.exists(ctx, r.partPath(f.ID, 0))
			if err != nil {
				return err
			}

			if exists {
				f.Skipped = "primary document present"

				return nil
			}

			if err := r.docs.removeDir(ctx, r.Path(f.ID)); err != nil {
				return err
			}

			f.Fixed = true

			return nil

		default:
			return nil
		}
	})
}

func (r *Repository[A]) removeFinding(ctx context.Context, f *Finding) error {
	removed, err := r.indexes.remove(ctx, f.Index, f.Key, &f.ID)
	if err != nil {
		return err
	}

	if !removed {
		f.Skipped = "entry changed"

		return nil
	}

	f.Fixed = true

	return nil
}
