package shardstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/calvinalkan/shardstore/pkg/fs"
)

const dirPerm = 0o755

// Documents reads and writes single-object JSON documents at root-relative
// paths. Every write goes through [fs.AtomicWriter].
//
// Documents does no locking; read-modify-write sequences must hold the
// owning key lock (see [Repository] and [Indexes]).
type Documents struct {
	fs       fs.FS
	writer   *fs.AtomicWriter
	router   *Router
	retry    ioRetrier
	logger   *slog.Logger
	readOnly bool
	gate     *gate
}

func newDocuments(router *Router, opts Options, g *gate) *Documents {
	return &Documents{
		fs:       opts.FS,
		writer:   fs.NewAtomicWriter(opts.FS),
		router:   router,
		retry:    ioRetrier{attempts: opts.IOAttempts, backoff: opts.IOBackoff, logger: opts.Logger},
		logger:   opts.Logger,
		readOnly: opts.ReadOnly,
		gate:     g,
	}
}

// Get decodes the document at path into v.
//
// Returns [ErrNotFound] if the file does not exist and [ErrCorruptDocument]
// if it does not hold exactly one JSON object decodable into v.
func (d *Documents) Get(ctx context.Context, path string, v any) error {
	if err := d.gate.enter(); err != nil {
		return err
	}
	defer d.gate.exit()

	return withContext(d.get(ctx, path, v), "", "", path)
}

// GetRaw returns the document at path as a generic JSON object.
func (d *Documents) GetRaw(ctx context.Context, path string) (map[string]any, error) {
	var doc map[string]any

	if err := d.Get(ctx, path, &doc); err != nil {
		return nil, err
	}

	return doc, nil
}

// Put atomically replaces the document at path with v encoded as JSON.
// v must encode to a JSON object. Parent directories are created as needed.
func (d *Documents) Put(ctx context.Context, path string, v any) error {
	if err := d.gate.enter(); err != nil {
		return err
	}
	defer d.gate.exit()

	return withContext(d.put(ctx, path, v), "", "", path)
}

// PutRaw atomically replaces the document at path with a generic object.
func (d *Documents) PutRaw(ctx context.Context, path string, doc map[string]any) error {
	if doc == nil {
		doc = map[string]any{}
	}

	return d.Put(ctx, path, doc)
}

// RemoveDir removes a root-relative directory and everything below it.
// A missing directory is not an error.
func (d *Documents) RemoveDir(ctx context.Context, dir string) error {
	if err := d.gate.enter(); err != nil {
		return err
	}
	defer d.gate.exit()

	return withContext(d.removeDir(ctx, dir), "", "", dir)
}

// Delete removes the document at path. Returns [ErrNotFound] if missing.
func (d *Documents) Delete(ctx context.Context, path string) error {
	if err := d.gate.enter(); err != nil {
		return err
	}
	defer d.gate.exit()

	return withContext(d.delete(ctx, path), "", "", path)
}

// Exists reports whether a document exists at path.
func (d *Documents) Exists(ctx context.Context, path string) (bool, error) {
	if err := d.gate.enter(); err != nil {
		return false, err
	}
	defer d.gate.exit()

	ok, err := d.exists(ctx, path)

	return ok, withContext(err, "", "", path)
}

func (d *Documents) get(ctx context.Context, path string, v any) error {
	if err := validateRelPath(path, true); err != nil {
		return err
	}

	data, err := d.read(ctx, path)
	if err != nil {
		return err
	}

	if err := decodeObject(data, v); err != nil {
		d.logger.WarnContext(ctx, "corrupt document", "path", path, "error", err)

		return err
	}

	return nil
}

func (d *Documents) read(ctx context.Context, path string) ([]byte, error) {
	var data []byte

	err := d.retry.do(ctx, "read", path, func() error {
		var err error

		data, err = d.fs.ReadFile(d.router.Abs(path))

		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, path)
	}

	return data, err
}

func (d *Documents) put(ctx context.Context, path string, v any) error {
	data, err := encodeObject(v)
	if err != nil {
		return err
	}

	return d.putBytes(ctx, path, data)
}

// putBytes writes a document already encoded by encodeObject.
func (d *Documents) putBytes(ctx context.Context, path string, data []byte) error {
	if d.readOnly {
		return ErrReadOnly
	}

	if err := validateRelPath(path, true); err != nil {
		return err
	}

	abs := d.router.Abs(path)

	err := d.retry.do(ctx, "mkdir", filepath.Dir(path), func() error {
		return fs.MkdirAllSync(d.fs, filepath.Dir(abs), dirPerm)
	})
	if err != nil {
		return err
	}

	return d.retry.do(ctx, "write", path, func() error {
		err := d.writer.WriteWithDefaults(abs, bytes.NewReader(data))
		if errors.Is(err, fs.ErrAtomicWriteDirSync) {
			// The new content is in place; only durability of the rename
			// is in doubt.
			d.logger.WarnContext(ctx, "directory sync failed after write", "path", path, "error", err)

			return nil
		}

		return err
	})
}

func (d *Documents) delete(ctx context.Context, path string) error {
	if d.readOnly {
		return ErrReadOnly
	}

	if err := validateRelPath(path, true); err != nil {
		return err
	}

	abs := d.router.Abs(path)

	err := d.retry.do(ctx, "remove", path, func() error {
		return d.fs.Remove(abs)
	})
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: document %s", ErrNotFound, path)
	}

	if err != nil {
		return err
	}

	d.syncParent(ctx, abs)

	return nil
}

// removeDir removes an entity directory and everything below it.
func (d *Documents) removeDir(ctx context.Context, dir string) error {
	if d.readOnly {
		return ErrReadOnly
	}

	if err := validateRelPath(dir, false); err != nil {
		return err
	}

	abs := d.router.Abs(dir)

	err := d.retry.do(ctx, "removeall", dir, func() error {
		return d.fs.RemoveAll(abs)
	})
	if err != nil {
		return err
	}

	d.syncParent(ctx, abs)

	return nil
}

// syncParent makes a removal durable. A missing parent has nothing to sync.
func (d *Documents) syncParent(ctx context.Context, abs string) {
	err := fs.SyncDir(d.fs, filepath.Dir(abs))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.WarnContext(ctx, "directory sync failed after remove", "path", abs, "error", err)
	}
}

// removeFile removes a non-document file such as an orphaned temp file.
func (d *Documents) removeFile(ctx context.Context, path string) error {
	if d.readOnly {
		return ErrReadOnly
	}

	if err := validateRelPath(path, false); err != nil {
		return err
	}

	err := d.retry.do(ctx, "remove", path, func() error {
		return d.fs.Remove(d.router.Abs(path))
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return err
}

func (d *Documents) exists(ctx context.Context, path string) (bool, error) {
	if err := validateRelPath(path, true); err != nil {
		return false, err
	}

	var ok bool

	err := d.retry.do(ctx, "stat", path, func() error {
		var err error

		ok, err = d.fs.Exists(d.router.Abs(path))

		return err
	})

	return ok, err
}

// readDir lists a root-relative directory. A missing directory is empty.
func (d *Documents) readDir(ctx context.Context, dir string) ([]os.DirEntry, error) {
	var entries []os.DirEntry

	err := d.retry.do(ctx, "readdir", dir, func() error {
		var err error

		entries, err = d.fs.ReadDir(d.router.Abs(dir))

		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	return entries, err
}

// encodeObject marshals v with two-space indentation and a trailing newline.
func encodeObject(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("encode document: %T does not encode to a JSON object", v)
	}

	return append(data, '\n'), nil
}

// decodeObject decodes exactly one JSON object from data into v.
func decodeObject(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty file", ErrCorruptDocument)
	}

	if trimmed[0] != '{' {
		return fmt.Errorf("%w: not a JSON object", ErrCorruptDocument)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptDocument, err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after object", ErrCorruptDocument)
	}

	return nil
}
