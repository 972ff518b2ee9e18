package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// nodeID identifies a file or directory across renames, like an inode.
type nodeID uint64

type nodeKind uint8

const (
	nodeFile nodeKind = iota + 1
	nodeDir
)

const rootNode nodeID = 1

type fileImage struct {
	data []byte
	perm os.FileMode
}

// resolved is a path mapped into the work directory current at the time
// of the call.
type resolved struct {
	rel  string
	abs  string
	live string
}

// virtualRel maps path to a slash-free relative path below the virtual
// root. "/store/x" and "store/x" both give "store/x"; "/" gives "".
func virtualRel(path string) (string, error) {
	if path == "" {
		return "", errors.New("crashfs: empty path")
	}

	rel := strings.TrimPrefix(filepath.Clean(path), string(os.PathSeparator))
	if rel == "." {
		rel = ""
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("crashfs: path escapes root: %q", path)
	}

	return rel, nil
}

func parentRel(rel string) string {
	dir := filepath.Dir(rel)
	if dir == "." {
		return ""
	}

	return dir
}

func splitRel(rel string) []string {
	if rel == "" {
		return nil
	}

	return strings.Split(rel, string(os.PathSeparator))
}

func (c *Crash) resolve(path string) (resolved, error) {
	rel, err := virtualRel(path)
	if err != nil {
		return resolved{}, err
	}

	c.mu.Lock()
	live := c.live
	c.mu.Unlock()

	return resolved{rel: rel, abs: filepath.Join(live, rel), live: live}, nil
}

func (c *Crash) newNodeLocked(kind nodeKind) nodeID {
	id := c.nextID
	c.nextID++
	c.kind[id] = kind

	if kind == nodeDir {
		c.liveDirs[id] = make(map[string]nodeID)
	}

	return id
}

func (c *Crash) lookupLocked(rel string) (nodeID, nodeKind, bool) {
	id := rootNode

	for _, name := range splitRel(rel) {
		if c.kind[id] != nodeDir {
			return 0, 0, false
		}

		child, ok := c.liveDirs[id][name]
		if !ok {
			return 0, 0, false
		}

		id = child
	}

	return id, c.kind[id], true
}

func (c *Crash) dirLocked(rel string) (nodeID, error) {
	id, kind, ok := c.lookupLocked(rel)
	if !ok {
		return 0, fmt.Errorf("crashfs: untracked dir %q", rel)
	}

	if kind != nodeDir {
		return 0, fmt.Errorf("crashfs: not a dir %q", rel)
	}

	return id, nil
}

func (c *Crash) ensureDirLocked(rel string) (nodeID, error) {
	id := rootNode

	for _, name := range splitRel(rel) {
		child, ok := c.liveDirs[id][name]
		if !ok {
			child = c.newNodeLocked(nodeDir)
			c.liveDirs[id][name] = child
		}

		if c.kind[child] != nodeDir {
			return 0, fmt.Errorf("crashfs: not a dir %q", name)
		}

		id = child
	}

	return id, nil
}

func (c *Crash) addFileLocked(rel string) (nodeID, error) {
	if rel == "" {
		return 0, errors.New("crashfs: root is a dir")
	}

	dir, err := c.dirLocked(parentRel(rel))
	if err != nil {
		return 0, err
	}

	id := c.newNodeLocked(nodeFile)
	c.liveDirs[dir][filepath.Base(rel)] = id

	return id, nil
}

// livePathLocked returns the current path of id, or false if id was
// unlinked.
func (c *Crash) livePathLocked(id nodeID) (string, bool) {
	if id == rootNode {
		return "", true
	}

	var (
		found string
		ok    bool
	)

	var walk func(dir nodeID, prefix string)

	walk = func(dir nodeID, prefix string) {
		for name, child := range c.liveDirs[dir] {
			if ok {
				return
			}

			path := filepath.Join(prefix, name)
			if child == id {
				found, ok = path, true

				return
			}

			if c.kind[child] == nodeDir {
				walk(child, path)
			}
		}
	}

	walk(rootNode, "")

	return found, ok
}

// snapshotLocked reads the content of f for the durable view. Write-only
// handles are read through the current path; unlinked files through the
// descriptor.
func (c *Crash) snapshotLocked(f *crashFile, size int64) ([]byte, error) {
	if rel, ok := c.livePathLocked(f.id); ok {
		data, err := c.fs.ReadFile(filepath.Join(c.live, rel))
		if err == nil {
			return data, nil
		}
	}

	buf := make([]byte, size)

	n, err := unix.Pread(int(f.File.Fd()), buf, 0)
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

func cloneEntries(entries map[string]nodeID) map[string]nodeID {
	out := make(map[string]nodeID, len(entries))
	for name, id := range entries {
		out[name] = id
	}

	return out
}

const crashDirPerm = 0o755

// rotateLocked closes every handle and rebuilds a fresh work directory
// from the durable view. Nodes are renumbered so stale state is dropped.
func (c *Crash) rotateLocked() error {
	for f := range c.open {
		_ = f.closeUnderlying()
		delete(c.open, f)
	}

	c.gen++
	next := filepath.Join(c.base, fmt.Sprintf("gen-%03d", c.gen))

	if err := c.fs.MkdirAll(next, crashDirPerm); err != nil {
		return fmt.Errorf("crashfs: create work dir: %w", err)
	}

	kind := map[nodeID]nodeKind{rootNode: nodeDir}
	durableDirs := make(map[nodeID]map[string]nodeID)
	durableFiles := make(map[nodeID]fileImage)

	var restore func(old, id nodeID, abs string) error

	restore = func(old, id nodeID, abs string) error {
		entries := make(map[string]nodeID, len(c.durableDirs[old]))

		for name, child := range c.durableDirs[old] {
			childID := c.nextID
			c.nextID++
			entries[name] = childID
			path := filepath.Join(abs, name)

			if c.kind[child] == nodeDir {
				kind[childID] = nodeDir

				if err := c.fs.MkdirAll(path, crashDirPerm); err != nil {
					return err
				}

				if err := restore(child, childID, path); err != nil {
					return err
				}

				continue
			}

			kind[childID] = nodeFile

			// A durable name whose content was never synced comes back empty.
			img, synced := c.durableFiles[child]
			if synced {
				durableFiles[childID] = img
			}

			if err := writeImage(c.fs, path, img); err != nil {
				return err
			}
		}

		durableDirs[id] = entries

		return nil
	}

	if err := restore(rootNode, rootNode, next); err != nil {
		return fmt.Errorf("crashfs: restore: %w", err)
	}

	liveDirs := make(map[nodeID]map[string]nodeID, len(durableDirs))
	for id, entries := range durableDirs {
		liveDirs[id] = cloneEntries(entries)
	}

	prev := c.live

	c.live = next
	c.kind = kind
	c.durableDirs = durableDirs
	c.durableFiles = durableFiles
	c.liveDirs = liveDirs

	if prev != "" {
		if err := c.fs.RemoveAll(prev); err != nil {
			return fmt.Errorf("crashfs: remove work dir: %w", err)
		}
	}

	return nil
}

func writeImage(fsys FS, path string, img fileImage) error {
	perm := img.perm
	if perm == 0 {
		perm = 0o644
	}

	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	_, err = f.Write(img.data)

	return errors.Join(err, f.Close())
}
