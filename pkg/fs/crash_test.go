package fs_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/shardstore/pkg/fs"
)

func newCrash(t *testing.T) *fs.Crash {
	t.Helper()

	crash, err := fs.NewCrash(t, fs.NewReal())
	if err != nil {
		t.Fatalf("NewCrash: %v", err)
	}

	return crash
}

func mustMkdirDurable(t *testing.T, fsys fs.FS, dir string) {
	t.Helper()

	if err := fs.MkdirAllSync(fsys, dir, 0o755); err != nil {
		t.Fatalf("MkdirAllSync %q: %v", dir, err)
	}
}

func mustSimulateCrash(t *testing.T, crash *fs.Crash) {
	t.Helper()

	if err := crash.SimulateCrash(); err != nil {
		t.Fatalf("SimulateCrash: %v", err)
	}
}

func writeHandle(t *testing.T, fsys fs.FS, path, content string, sync bool) {
	t.Helper()

	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		t.Fatalf("OpenFile %q: %v", path, err)
	}

	if _, err := f.Write([]byte(content)); err != nil {
		t.Fatalf("Write %q: %v", path, err)
	}

	if sync {
		if err := f.Sync(); err != nil {
			t.Fatalf("Sync %q: %v", path, err)
		}
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close %q: %v", path, err)
	}
}

func assertExists(t *testing.T, fsys fs.FS, path string, want bool) {
	t.Helper()

	ok, err := fsys.Exists(path)
	if err != nil {
		t.Fatalf("Exists %q: %v", path, err)
	}

	if ok != want {
		t.Fatalf("Exists %q=%v, want %v", path, ok, want)
	}
}

func TestCrash_Synced_File_Without_Dir_Sync_Is_Lost(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)
	mustMkdirDurable(t, crash, "/d")

	writeHandle(t, crash, "/d/a.json", "{}", true)
	mustSimulateCrash(t, crash)

	assertExists(t, crash, "/d", true)
	assertExists(t, crash, "/d/a.json", false)
}

func TestCrash_Unsynced_Content_Comes_Back_Empty(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)
	mustMkdirDurable(t, crash, "/d")

	writeHandle(t, crash, "/d/a.json", "{}", false)

	if err := fs.SyncDir(crash, "/d"); err != nil {
		t.Fatalf("SyncDir: %v", err)
	}

	mustSimulateCrash(t, crash)

	got, err := crash.ReadFile("/d/a.json")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if len(got) != 0 {
		t.Fatalf("content=%q, want empty", got)
	}
}

func TestCrash_Atomic_Write_Survives(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)
	mustMkdirDurable(t, crash, "/user/shard_231/user_1049231/profile")

	writer := fs.NewAtomicWriter(crash)
	path := "/user/shard_231/user_1049231/profile/main.json"

	if err := writer.WriteWithDefaults(path, strings.NewReader(testContentOld)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	mustSimulateCrash(t, crash)
	mustSimulateCrash(t, crash)

	got, err := crash.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentOld {
		t.Fatalf("content=%q, want %q", got, testContentOld)
	}
}

func TestCrash_Rename_Without_Dir_Sync_Reverts(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)
	mustMkdirDurable(t, crash, "/d")

	writer := fs.NewAtomicWriter(crash)

	if err := writer.WriteWithDefaults("/d/a.json", strings.NewReader(testContentOld)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := writer.Write("/d/a.json", strings.NewReader(testContentNew), fs.AtomicWriteOptions{Perm: 0o644})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	mustSimulateCrash(t, crash)

	got, err := crash.ReadFile("/d/a.json")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentOld {
		t.Fatalf("content=%q, want %q", got, testContentOld)
	}
}

func TestCrash_Remove_Needs_Dir_Sync(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)
	mustMkdirDurable(t, crash, "/d")

	writeHandle(t, crash, "/d/a.json", "{}", true)

	if err := fs.SyncDir(crash, "/d"); err != nil {
		t.Fatalf("SyncDir: %v", err)
	}

	if err := crash.Remove("/d/a.json"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	mustSimulateCrash(t, crash)
	assertExists(t, crash, "/d/a.json", true)

	if err := crash.Remove("/d/a.json"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if err := fs.SyncDir(crash, "/d"); err != nil {
		t.Fatalf("SyncDir: %v", err)
	}

	mustSimulateCrash(t, crash)
	assertExists(t, crash, "/d/a.json", false)
}

func TestMkdirAllSync_Makes_Every_New_Dir_Durable(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)

	if err := crash.MkdirAll("/plain/a/b", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	mustMkdirDurable(t, crash, "/synced/a/b")

	// Existing dirs are left alone.
	mustMkdirDurable(t, crash, "/synced/a/b")

	mustSimulateCrash(t, crash)

	assertExists(t, crash, "/plain", false)
	assertExists(t, crash, "/synced/a/b", true)
}

func TestSyncDir_Reports_Missing_Dir(t *testing.T) {
	t.Parallel()

	err := fs.SyncDir(fs.NewReal(), filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("SyncDir: err=%v, want ErrNotExist", err)
	}
}

func TestCrash_Armed_Point_Fires_On_Nth_Matching_Op(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)
	mustMkdirDurable(t, crash, "/d")
	mustMkdirDurable(t, crash, "/other")

	err := crash.Arm(fs.CrashPoint{After: 2, Ops: []fs.Op{fs.OpOpenFile}, PathPrefixes: []string{"/d"}})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}

	p := crash.Catch(func() {
		writeHandle(t, crash, "/other/x.json", "{}", true)
		writeHandle(t, crash, "/d/a.json", "{}", true)
		writeHandle(t, crash, "/d/b.json", "{}", true)
		t.Error("crash did not fire")
	})
	if p == nil {
		t.Fatal("Catch: want crash, got none")
	}

	if p.Op != fs.OpOpenFile || p.Path != "/d/b.json" || p.Seq != 2 {
		t.Fatalf("crash=%+v, want openfile of /d/b.json at seq 2", *p)
	}

	// The dirs were synced; the files never were.
	assertExists(t, crash, "/d", true)
	assertExists(t, crash, "/d/a.json", false)
	assertExists(t, crash, "/other/x.json", false)

	// Fired once; later ops run normally.
	writeHandle(t, crash, "/d/b.json", "{}", true)
}

func TestCrash_Prefix_Matches_Whole_Path_Elements(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)

	if err := crash.Arm(fs.CrashPoint{Ops: []fs.Op{fs.OpMkdirAll}, PathPrefixes: []string{"/store/user"}}); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	p := crash.Catch(func() {
		if err := crash.MkdirAll("/store/users", 0o755); err != nil {
			t.Errorf("MkdirAll: %v", err)
		}

		_ = crash.MkdirAll("/store/user/shard_001", 0o755)
	})
	if p == nil || p.Path != "/store/user/shard_001" {
		t.Fatalf("crash=%v, want one at /store/user/shard_001", p)
	}
}

func TestCrash_Ops_Fail_While_Crash_Unwinds(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)
	mustMkdirDurable(t, crash, "/d")

	if err := crash.Arm(fs.CrashPoint{Ops: []fs.Op{fs.OpSync}}); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	var deferredErr error

	p := crash.Catch(func() {
		defer func() {
			_, deferredErr = crash.Stat("/d")
		}()

		writeHandle(t, crash, "/d/a.json", "{}", true)
	})
	if p == nil || p.Op != fs.OpSync {
		t.Fatalf("crash=%v, want one at sync", p)
	}

	if !errors.Is(deferredErr, fs.ErrCrashed) {
		t.Fatalf("deferred Stat: err=%v, want ErrCrashed", deferredErr)
	}

	if _, err := crash.Stat("/d"); err != nil {
		t.Fatalf("Stat after Catch: %v", err)
	}
}

func TestCrash_Catch_Rethrows_Other_Panics(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)

	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("recovered %v, want boom", r)
		}
	}()

	crash.Catch(func() { panic("boom") })
	t.Fatal("Catch swallowed a foreign panic")
}

func TestCrash_Arm_Validates_Point(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)

	if err := crash.Arm(fs.CrashPoint{After: -1}); err == nil {
		t.Fatal("Arm with negative After: want error")
	}

	if err := crash.Arm(fs.CrashPoint{PathPrefixes: []string{"../outside"}}); err == nil {
		t.Fatal("Arm with escaping prefix: want error")
	}

	if p := crash.Catch(func() {}); p != nil {
		t.Fatalf("Catch without crash=%v, want nil", p)
	}
}

func TestCrash_Locker_Excludes_Second_Lock(t *testing.T) {
	t.Parallel()

	crash := newCrash(t)
	mustMkdirDurable(t, crash, "/store")

	locker := fs.NewLocker(crash)

	lock, err := locker.TryLock("/store/.lock")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if _, err := locker.TryLock("/store/.lock"); !errors.Is(err, fs.ErrWouldBlock) {
		t.Fatalf("second TryLock: err=%v, want ErrWouldBlock", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
