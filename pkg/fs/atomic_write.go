package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrAtomicWriteDirSync is joined into the error of [AtomicWriter.Write]
// when the document was renamed into place but its directory could not be
// synced. The new content is visible; it may not survive a crash.
var ErrAtomicWriteDirSync = errors.New("dir sync")

// TempMarker sits between a document name and the UUID of its in-flight
// copy: "main.json.tmp-<uuid>".
const TempMarker = ".tmp-"

// IsTempName reports whether the base name belongs to an in-flight or
// abandoned [AtomicWriter] temp file.
func IsTempName(name string) bool {
	i := strings.LastIndex(name, TempMarker)
	if i <= 0 {
		return false
	}

	_, err := uuid.Parse(name[i+len(TempMarker):])

	return err == nil
}

// AtomicWriter replaces documents so readers see the old bytes or the new
// bytes, never a mix.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter returns a writer over fs. Panics if fs is nil.
func NewAtomicWriter(fs FS) *AtomicWriter {
	if fs == nil {
		panic("fs is nil")
	}

	return &AtomicWriter{fs: fs}
}

// AtomicWriteOptions tunes [AtomicWriter.Write].
type AtomicWriteOptions struct {
	// SyncDir fsyncs the parent after the rename, making the new name
	// durable.
	SyncDir bool

	// Perm is applied with chmod, so the umask does not narrow it. Required.
	Perm os.FileMode
}

// Write copies r into a sibling temp file, fsyncs it and renames it over
// path. With opts.SyncDir the parent directory is fsynced last.
//
// Until the rename, path keeps its previous content (or stays absent) and
// the temp file is removed on failure where possible. A temp file left by a
// crash is recognizable with [IsTempName].
func (w *AtomicWriter) Write(path string, r io.Reader, opts AtomicWriteOptions) error {
	if r == nil {
		panic("reader is nil")
	}

	if path == "" {
		return errors.New("path is empty")
	}

	if opts.Perm == 0 {
		return errors.New("opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == "." || base == string(os.PathSeparator) {
		return fmt.Errorf("path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmp, tmpPath, err := createTemp(w.fs, dir, base, opts.Perm)
	if err != nil {
		return err
	}

	abort := func(cause error) error {
		return errors.Join(cause, closeTemp(tmpPath, tmp), removeTemp(w.fs, tmpPath))
	}

	if err := tmp.Chmod(opts.Perm); err != nil {
		return abort(fmt.Errorf("chmod temp file %q: %w", tmpPath, err))
	}

	if _, err := io.Copy(tmp, r); err != nil {
		return abort(fmt.Errorf("write temp file %q: %w", tmpPath, err))
	}

	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("sync temp file %q: %w", tmpPath, err))
	}

	// The handle is closed before the rename so it never refers to the
	// published name.
	if err := closeTemp(tmpPath, tmp); err != nil {
		return errors.Join(err, removeTemp(w.fs, tmpPath))
	}

	if err := w.fs.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("rename: %w", err), removeTemp(w.fs, tmpPath))
	}

	if !opts.SyncDir {
		return nil
	}

	if err := SyncDir(w.fs, dir); err != nil {
		return errors.Join(ErrAtomicWriteDirSync, err)
	}

	return nil
}

// WriteWithDefaults is Write with [AtomicWriter.DefaultOptions].
func (w *AtomicWriter) WriteWithDefaults(path string, r io.Reader) error {
	return w.Write(path, r, w.DefaultOptions())
}

// DefaultOptions syncs the directory and writes mode 0644.
func (*AtomicWriter) DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{SyncDir: true, Perm: 0o644}
}

const maxTempAttempts = 16

func createTemp(fs FS, dir, base string, perm os.FileMode) (File, string, error) {
	for range maxTempAttempts {
		path := filepath.Join(dir, base+TempMarker+uuid.NewString())

		f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return f, path, nil
		}

		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("create temp file: %w", err)
		}
	}

	return nil, "", fmt.Errorf("no free temp name in %q", dir)
}

func closeTemp(path string, f File) error {
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close temp file %q: %w", path, err)
	}

	return nil
}

func removeTemp(fs FS, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %q: %w", path, err)
	}

	return nil
}
