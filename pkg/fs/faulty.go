package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// Op names a filesystem operation that [Faulty] can fail.
type Op string

// Operations that can be failed by [Faulty].
const (
	OpOpenFile  Op = "openfile"
	OpReadFile  Op = "readfile"
	OpReadDir   Op = "readdir"
	OpMkdirAll  Op = "mkdirall"
	OpStat      Op = "stat"
	OpRemove    Op = "remove"
	OpRemoveAll Op = "removeall"
	OpRename    Op = "rename"
	OpWrite     Op = "write"
	OpSync      Op = "sync"
)

// InjectedError marks an error as intentionally injected by [Faulty].
//
// It wraps an [os.PathError] so errors.Is/As and os.IsNotExist keep working
// on the underlying errno.
type InjectedError struct {
	Err error
}

// Error returns the underlying error's message.
func (e *InjectedError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected by [Faulty].
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Faulty wraps an [FS] and fails operations matching registered rules.
//
// A rule matches an operation and a path substring (empty matches every
// path). Rules registered with [Faulty.FailTimes] expire after n hits;
// rules registered with [Faulty.FailOn] persist until [Faulty.Reset].
//
// An [OpWrite] rule produces a torn write: half of the buffer reaches the
// file before the error is returned, like a process dying mid-write.
//
// Safe for concurrent use.
type Faulty struct {
	fs FS

	mu    sync.Mutex
	rules []*faultRule
	hits  map[Op]int
}

type faultRule struct {
	op        Op
	match     string
	err       error
	remaining int // <0 means unlimited
}

// NewFaulty wraps fs. Panics if fs is nil.
func NewFaulty(fs FS) *Faulty {
	if fs == nil {
		panic("fs is nil")
	}

	return &Faulty{fs: fs, hits: make(map[Op]int)}
}

// FailOn fails every op on paths containing match with err.
func (f *Faulty) FailOn(op Op, match string, err error) {
	f.add(op, match, err, -1)
}

// FailTimes fails the next n ops on paths containing match with err.
func (f *Faulty) FailTimes(op Op, match string, err error, n int) {
	if n <= 0 {
		return
	}

	f.add(op, match, err, n)
}

// Reset removes all rules and hit counters.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = nil
	f.hits = make(map[Op]int)
}

// Hits returns how many times op was failed.
func (f *Faulty) Hits(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.hits[op]
}

func (f *Faulty) add(op Op, match string, err error, n int) {
	if err == nil {
		panic("err is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = append(f.rules, &faultRule{op: op, match: match, err: err, remaining: n})
}

func (f *Faulty) check(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, r := range f.rules {
		if r.op != op || !strings.Contains(path, r.match) {
			continue
		}

		if r.remaining > 0 {
			r.remaining--
			if r.remaining == 0 {
				f.rules = append(f.rules[:i:i], f.rules[i+1:]...)
			}
		}

		f.hits[op]++

		return &InjectedError{Err: &os.PathError{Op: string(op), Path: path, Err: r.err}}
	}

	return nil
}

func (f *Faulty) Open(path string) (File, error) {
	if err := f.check(OpOpenFile, path); err != nil {
		return nil, err
	}

	file, err := f.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, path: path, owner: f}, nil
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check(OpOpenFile, path); err != nil {
		return nil, err
	}

	file, err := f.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, path: path, owner: f}, nil
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.fs.ReadFile(path)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.check(OpReadDir, path); err != nil {
		return nil, err
	}

	return f.fs.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check(OpMkdirAll, path); err != nil {
		return err
	}

	return f.fs.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.check(OpStat, path); err != nil {
		return nil, err
	}

	return f.fs.Stat(path)
}

func (f *Faulty) Exists(path string) (bool, error) {
	if err := f.check(OpStat, path); err != nil {
		return false, err
	}

	return f.fs.Exists(path)
}

func (f *Faulty) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}

	return f.fs.Remove(path)
}

func (f *Faulty) RemoveAll(path string) error {
	if err := f.check(OpRemoveAll, path); err != nil {
		return err
	}

	return f.fs.RemoveAll(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if err := f.check(OpRename, newpath); err != nil {
		return err
	}

	return f.fs.Rename(oldpath, newpath)
}

type faultyFile struct {
	File

	path  string
	owner *Faulty
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.owner.check(OpWrite, ff.path); err != nil {
		n, _ := ff.File.Write(p[:len(p)/2])

		return n, err
	}

	return ff.File.Write(p)
}

func (ff *faultyFile) Sync() error {
	if err := ff.owner.check(OpSync, ff.path); err != nil {
		return err
	}

	return ff.File.Sync()
}

// Compile-time interface check.
var _ FS = (*Faulty)(nil)
