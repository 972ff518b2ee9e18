package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SyncDir fsyncs the directory at path so entries created, renamed or
// removed in it survive a crash.
func SyncDir(fsys FS, path string) error {
	dir, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("open dir %q: %w", path, err)
	}

	syncErr := dir.Sync()
	closeErr := dir.Close()

	if syncErr != nil {
		return errors.Join(fmt.Errorf("sync dir %q: %w", path, syncErr), closeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close dir %q: %w", path, closeErr)
	}

	return nil
}

// MkdirAllSync is [FS.MkdirAll] that also syncs the parent of every
// directory it had to create, top-down. Existing directories cost one stat.
func MkdirAllSync(fsys FS, path string, perm os.FileMode) error {
	var missing []string

	for dir := filepath.Clean(path); ; dir = filepath.Dir(dir) {
		ok, err := fsys.Exists(dir)
		if err != nil {
			return err
		}

		if ok {
			break
		}

		missing = append(missing, dir)

		if filepath.Dir(dir) == dir {
			break
		}
	}

	if len(missing) == 0 {
		return nil
	}

	if err := fsys.MkdirAll(path, perm); err != nil {
		return err
	}

	for i := len(missing) - 1; i >= 0; i-- {
		if err := SyncDir(fsys, filepath.Dir(missing[i])); err != nil {
			return err
		}
	}

	return nil
}
