package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TempDirer is the part of *testing.T that [NewCrash] needs. It keeps this
// package free of a testing import.
type TempDirer interface {
	TempDir() string
}

// ErrCrashed is returned by every operation of a [Crash] between an
// injected crash and [Crash.Catch] returning, e.g. from deferred calls
// that run while the crash panic unwinds.
var ErrCrashed = errors.New("crashfs: crashed")

// CrashPoint arms crash injection on a [Crash].
//
// An operation is eligible when its [Op] is in Ops (any op if empty) and
// one of its paths is, or is below, one of PathPrefixes (any path if
// empty). Renames match on either path. The After-th eligible operation
// (1-indexed, default 1) crashes before it reaches the disk.
type CrashPoint struct {
	After        int
	Ops          []Op
	PathPrefixes []string
}

// CrashPanic is the panic value of an injected crash. Recover it with
// [Crash.Catch].
type CrashPanic struct {
	Op   Op
	Path string
	Seq  int

	// Cause is set if restoring the durable view failed.
	Cause error
}

func (p *CrashPanic) Error() string {
	msg := fmt.Sprintf("crashfs: injected crash op=%s seq=%d path=%q", p.Op, p.Seq, p.Path)
	if p.Cause != nil {
		msg += fmt.Sprintf(" cause=%v", p.Cause)
	}

	return msg
}

func (p *CrashPanic) Unwrap() error { return p.Cause }

// Crash is a test filesystem that models what survives power loss.
//
// Operations run against a real work directory, so files have real
// descriptors and flock works. Alongside, Crash tracks a durable view under
// a strict model:
//   - file content is durable once Sync succeeds on a handle to it;
//   - a directory's entries are durable once Sync succeeds on a handle to
//     that directory.
//
// [Crash.SimulateCrash], or an armed [CrashPoint], replaces the work
// directory with the durable view and closes every open handle.
//
// Absolute paths are mapped under the work directory, so "/store" names a
// private tree per Crash. Paths never leave it.
//
// Safe for concurrent use.
type Crash struct {
	fs   FS
	base string

	mu   sync.Mutex
	gen  int
	live string
	open map[*crashFile]struct{}

	nextID nodeID
	kind   map[nodeID]nodeKind

	durableDirs  map[nodeID]map[string]nodeID
	durableFiles map[nodeID]fileImage
	liveDirs     map[nodeID]map[string]nodeID

	point   *armedPoint
	crashed bool
}

type armedPoint struct {
	after    int
	seen     int
	ops      map[Op]bool
	prefixes []string
}

// NewCrash returns a Crash over fs (normally [NewReal]) with work
// directories below tb.TempDir().
func NewCrash(tb TempDirer, fs FS) (*Crash, error) {
	if tb == nil || fs == nil {
		return nil, errors.New("crashfs: nil argument")
	}

	c := &Crash{
		fs:           fs,
		base:         tb.TempDir(),
		open:         make(map[*crashFile]struct{}),
		nextID:       rootNode + 1,
		kind:         map[nodeID]nodeKind{rootNode: nodeDir},
		durableDirs:  map[nodeID]map[string]nodeID{rootNode: {}},
		durableFiles: make(map[nodeID]fileImage),
		liveDirs:     map[nodeID]map[string]nodeID{rootNode: {}},
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.rotateLocked(); err != nil {
		return nil, err
	}

	return c, nil
}

// Arm installs p, replacing any earlier point. It fires once.
func (c *Crash) Arm(p CrashPoint) error {
	if p.After < 0 {
		return fmt.Errorf("crashfs: after %d", p.After)
	}

	ap := &armedPoint{after: max(p.After, 1)}

	if len(p.Ops) > 0 {
		ap.ops = make(map[Op]bool, len(p.Ops))
		for _, op := range p.Ops {
			ap.ops[op] = true
		}
	}

	for _, prefix := range p.PathPrefixes {
		rel, err := virtualRel(prefix)
		if err != nil {
			return err
		}

		ap.prefixes = append(ap.prefixes, rel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.point = ap

	return nil
}

// Catch runs fn and recovers an injected crash, returning it. Other panics
// propagate. Afterwards the Crash serves the post-crash view.
func (c *Crash) Catch(fn func()) (crash *CrashPanic) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		p, ok := r.(*CrashPanic)
		if !ok {
			panic(r)
		}

		c.mu.Lock()
		c.crashed = false
		c.mu.Unlock()

		crash = p
	}()

	fn()

	return nil
}

// SimulateCrash drops everything not yet durable and closes all handles.
func (c *Crash) SimulateCrash() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.point = nil

	return c.rotateLocked()
}

// guard is called first by every operation. It fires the armed point and
// panics with a [*CrashPanic] after switching to the durable view.
func (c *Crash) guard(op Op, paths ...string) error {
	c.mu.Lock()

	if c.crashed {
		c.mu.Unlock()

		return ErrCrashed
	}

	p := c.point
	if p == nil || !p.eligible(op, paths) {
		c.mu.Unlock()

		return nil
	}

	p.seen++
	if p.seen < p.after {
		c.mu.Unlock()

		return nil
	}

	c.point = nil
	c.crashed = true
	err := c.rotateLocked()
	c.mu.Unlock()

	panic(&CrashPanic{Op: op, Path: paths[0], Seq: p.seen, Cause: err})
}

func (p *armedPoint) eligible(op Op, paths []string) bool {
	if p.ops != nil && !p.ops[op] {
		return false
	}

	if len(p.prefixes) == 0 {
		return true
	}

	for _, path := range paths {
		rel, err := virtualRel(path)
		if err != nil {
			continue
		}

		for _, prefix := range p.prefixes {
			if underPrefix(rel, prefix) {
				return true
			}
		}
	}

	return false
}

func underPrefix(rel, prefix string) bool {
	return prefix == "" || rel == prefix || strings.HasPrefix(rel, prefix+string(os.PathSeparator))
}

func (c *Crash) Open(path string) (File, error) {
	return c.openWith(OpOpenFile, path, false, c.fs.Open)
}

func (c *Crash) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return c.openWith(OpOpenFile, path, flag&os.O_CREATE != 0, func(abs string) (File, error) {
		return c.fs.OpenFile(abs, flag, perm)
	})
}

func (c *Crash) ReadFile(path string) ([]byte, error) {
	if err := c.guard(OpReadFile, path); err != nil {
		return nil, err
	}

	r, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	return c.fs.ReadFile(r.abs)
}

func (c *Crash) ReadDir(path string) ([]os.DirEntry, error) {
	if err := c.guard(OpReadDir, path); err != nil {
		return nil, err
	}

	r, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	return c.fs.ReadDir(r.abs)
}

func (c *Crash) MkdirAll(path string, perm os.FileMode) error {
	if err := c.guard(OpMkdirAll, path); err != nil {
		return err
	}

	r, err := c.resolve(path)
	if err != nil {
		return err
	}

	if err := c.fs.MkdirAll(r.abs, perm); err != nil {
		return err
	}

	return c.track(r.live, func() error {
		_, err := c.ensureDirLocked(r.rel)

		return err
	})
}

func (c *Crash) Stat(path string) (os.FileInfo, error) {
	if err := c.guard(OpStat, path); err != nil {
		return nil, err
	}

	r, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	return c.fs.Stat(r.abs)
}

func (c *Crash) Exists(path string) (bool, error) {
	if err := c.guard(OpStat, path); err != nil {
		return false, err
	}

	r, err := c.resolve(path)
	if err != nil {
		return false, err
	}

	return c.fs.Exists(r.abs)
}

func (c *Crash) Remove(path string) error {
	return c.removeWith(OpRemove, path, c.fs.Remove)
}

func (c *Crash) RemoveAll(path string) error {
	return c.removeWith(OpRemoveAll, path, c.fs.RemoveAll)
}

func (c *Crash) Rename(oldpath, newpath string) error {
	if err := c.guard(OpRename, newpath, oldpath); err != nil {
		return err
	}

	from, err := c.resolve(oldpath)
	if err != nil {
		return err
	}

	to, err := c.resolve(newpath)
	if err != nil {
		return err
	}

	if err := c.fs.Rename(from.abs, to.abs); err != nil {
		return err
	}

	return c.track(from.live, func() error {
		if from.rel == "" || to.rel == "" {
			return errors.New("crashfs: cannot rename the root")
		}

		fromDir, err := c.dirLocked(parentRel(from.rel))
		if err != nil {
			return err
		}

		toDir, err := c.dirLocked(parentRel(to.rel))
		if err != nil {
			return err
		}

		id, ok := c.liveDirs[fromDir][filepath.Base(from.rel)]
		if !ok {
			return fmt.Errorf("crashfs: untracked path %q", from.rel)
		}

		delete(c.liveDirs[fromDir], filepath.Base(from.rel))
		c.liveDirs[toDir][filepath.Base(to.rel)] = id

		return nil
	})
}

func (c *Crash) removeWith(op Op, path string, remove func(string) error) error {
	if err := c.guard(op, path); err != nil {
		return err
	}

	r, err := c.resolve(path)
	if err != nil {
		return err
	}

	if err := remove(r.abs); err != nil {
		return err
	}

	return c.track(r.live, func() error {
		if r.rel == "" {
			return nil
		}

		if dir, err := c.dirLocked(parentRel(r.rel)); err == nil {
			delete(c.liveDirs[dir], filepath.Base(r.rel))
		}

		return nil
	})
}

func (c *Crash) openWith(op Op, path string, create bool, open func(string) (File, error)) (File, error) {
	if err := c.guard(op, path); err != nil {
		return nil, err
	}

	r, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := open(r.abs)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != r.live {
		return nil, errors.Join(errors.New("crashfs: crashed during open"), f.Close())
	}

	id, kind, ok := c.lookupLocked(r.rel)

	switch {
	case ok && (kind == nodeDir) != info.IsDir():
		return nil, errors.Join(fmt.Errorf("crashfs: type mismatch at %q", r.rel), f.Close())
	case !ok && create && !info.IsDir():
		id, err = c.addFileLocked(r.rel)
		if err != nil {
			return nil, errors.Join(err, f.Close())
		}
	case !ok:
		return nil, errors.Join(fmt.Errorf("crashfs: untracked path %q", r.rel), f.Close())
	}

	cf := &crashFile{File: f, c: c, rel: r.rel, live: r.live, id: id}
	c.open[cf] = struct{}{}

	return cf, nil
}

// track applies a live-tree update unless a crash replaced the work
// directory since the operation resolved its paths.
func (c *Crash) track(live string, update func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != live {
		return nil
	}

	return update()
}

// crashFile wraps a real handle: writes are guarded and Sync records
// durable state.
type crashFile struct {
	File

	c    *Crash
	rel  string
	live string
	id   nodeID

	closeOnce sync.Once
	closeErr  error
}

func (f *crashFile) Write(p []byte) (int, error) {
	if err := f.c.guard(OpWrite, f.rel); err != nil {
		return 0, err
	}

	return f.File.Write(p)
}

func (f *crashFile) Sync() error {
	if err := f.c.guard(OpSync, f.rel); err != nil {
		return err
	}

	if err := f.File.Sync(); err != nil {
		return err
	}

	info, err := f.File.Stat()
	if err != nil {
		return err
	}

	c := f.c

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != f.live {
		return nil
	}

	if info.IsDir() {
		if _, ok := c.livePathLocked(f.id); ok {
			c.durableDirs[f.id] = cloneEntries(c.liveDirs[f.id])
		}

		return nil
	}

	data, err := c.snapshotLocked(f, info.Size())
	if err != nil {
		return fmt.Errorf("crashfs: snapshot %q: %w", f.rel, err)
	}

	c.durableFiles[f.id] = fileImage{data: data, perm: info.Mode().Perm()}

	return nil
}

func (f *crashFile) Close() error {
	err := f.closeUnderlying()

	f.c.mu.Lock()
	delete(f.c.open, f)
	f.c.mu.Unlock()

	return err
}

func (f *crashFile) closeUnderlying() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.File.Close()
	})

	return f.closeErr
}

var _ FS = (*Crash)(nil)
