// Package providertest checks that a fsprovider.Provider honors the contract.
// Backend packages call Run from their tests.
package providertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mschirtzinger/docsync/internal/fsprovider"
)

// Factory returns a fresh, empty provider. Cleanup is the factory's job.
type Factory func(t *testing.T) fsprovider.Provider

// Run runs the contract suite against providers made by newFS.
func Run(t *testing.T, newFS Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, fs fsprovider.Provider)
	}{
		{"WriteRead", testWriteRead},
		{"WriteOptions", testWriteOptions},
		{"CanonicalPaths", testCanonicalPaths},
		{"DeleteFile", testDeleteFile},
		{"CopyMove", testCopyMove},
		{"Directories", testDirectories},
		{"DeleteDirectoryRecursive", testDeleteDirectoryRecursive},
		{"ListDirectory", testListDirectory},
		{"Stats", testStats},
		{"WatchFile", testWatchFile},
		{"WatchDirectory", testWatchDirectory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newFS(t))
		})
	}
}

var create = fsprovider.WriteOptions{Overwrite: true, CreateDirectories: true}

func mustWrite(t *testing.T, fs fsprovider.Provider, p, content string) {
	t.Helper()
	if err := fs.WriteFile(context.Background(), p, content, create); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", p, err)
	}
}

func testWriteRead(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()
	mustWrite(t, fs, "/ws/a.md", "hello")

	got, err := fs.ReadFile(ctx, "/ws/a.md")
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("ReadFile() = %q, want hello", got)
	}

	if _, err := fs.ReadFile(ctx, "/ws/missing.md"); !errors.Is(err, fsprovider.ErrNotFound) {
		t.Errorf("ReadFile(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := fs.ReadFile(ctx, "/ws"); !errors.Is(err, fsprovider.ErrNotAFile) {
		t.Errorf("ReadFile(dir) error = %v, want ErrNotAFile", err)
	}

	var pe *fsprovider.PathError
	_, err = fs.ReadFile(ctx, "/ws/missing.md")
	if !errors.As(err, &pe) || pe.Path != "/ws/missing.md" {
		t.Errorf("error %v does not carry the canonical path", err)
	}
}

func testWriteOptions(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()

	err := fs.WriteFile(ctx, "/nodir/a.md", "x", fsprovider.WriteOptions{})
	if !errors.Is(err, fsprovider.ErrNotFound) {
		t.Errorf("write without parent error = %v, want ErrNotFound", err)
	}

	mustWrite(t, fs, "/a.md", "one")
	err = fs.WriteFile(ctx, "/a.md", "two", fsprovider.WriteOptions{})
	if !errors.Is(err, fsprovider.ErrAlreadyExists) {
		t.Errorf("write over existing error = %v, want ErrAlreadyExists", err)
	}
	if got, _ := fs.ReadFile(ctx, "/a.md"); got != "one" {
		t.Errorf("failed write changed content to %q", got)
	}

	if err := fs.WriteFile(ctx, "/a.md", "two", fsprovider.WriteOptions{Overwrite: true}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if got, _ := fs.ReadFile(ctx, "/a.md"); got != "two" {
		t.Errorf("content after overwrite = %q, want two", got)
	}

	err = fs.WriteFile(ctx, "/a.md/child", "x", create)
	if !errors.Is(err, fsprovider.ErrNotADirectory) {
		t.Errorf("write below a file error = %v, want ErrNotADirectory", err)
	}

	mustWrite(t, fs, "/d/e/f.md", "deep")
	err = fs.WriteFile(ctx, "/d/e", "x", create)
	if !errors.Is(err, fsprovider.ErrNotAFile) {
		t.Errorf("write onto a directory error = %v, want ErrNotAFile", err)
	}
}

func testCanonicalPaths(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()
	mustWrite(t, fs, `ws\docs\..\a.md`, "x")

	for _, p := range []string{"/ws/a.md", "ws/a.md", "/ws//a.md", "/ws/./a.md", "/../ws/a.md"} {
		ok, err := fs.Exists(ctx, p)
		if err != nil {
			t.Fatalf("Exists(%s) failed: %v", p, err)
		}
		if !ok {
			t.Errorf("Exists(%s) = false", p)
		}
	}

	st, err := fs.GetStats(ctx, "ws/a.md")
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if st.Path != "/ws/a.md" || st.Name != "a.md" {
		t.Errorf("GetStats() path = %q name = %q", st.Path, st.Name)
	}
}

func testDeleteFile(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()
	mustWrite(t, fs, "/a.md", "x")

	if err := fs.DeleteFile(ctx, "/a.md"); err != nil {
		t.Fatalf("DeleteFile() failed: %v", err)
	}
	if ok, _ := fs.Exists(ctx, "/a.md"); ok {
		t.Error("file exists after delete")
	}
	if err := fs.DeleteFile(ctx, "/a.md"); !errors.Is(err, fsprovider.ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}

	if err := fs.CreateDirectory(ctx, "/dir", false); err != nil {
		t.Fatalf("CreateDirectory() failed: %v", err)
	}
	if err := fs.DeleteFile(ctx, "/dir"); !errors.Is(err, fsprovider.ErrNotAFile) {
		t.Errorf("DeleteFile(dir) error = %v, want ErrNotAFile", err)
	}
}

func testCopyMove(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()
	mustWrite(t, fs, "/src.md", "data")
	mustWrite(t, fs, "/taken.md", "other")

	if err := fs.CopyFile(ctx, "/src.md", "/copy.md", false); err != nil {
		t.Fatalf("CopyFile() failed: %v", err)
	}
	if got, _ := fs.ReadFile(ctx, "/copy.md"); got != "data" {
		t.Errorf("copy content = %q", got)
	}
	if err := fs.CopyFile(ctx, "/src.md", "/taken.md", false); !errors.Is(err, fsprovider.ErrAlreadyExists) {
		t.Errorf("copy onto existing error = %v, want ErrAlreadyExists", err)
	}

	if err := fs.MoveFile(ctx, "/src.md", "/moved.md", false); err != nil {
		t.Fatalf("MoveFile() failed: %v", err)
	}
	if ok, _ := fs.Exists(ctx, "/src.md"); ok {
		t.Error("source exists after move")
	}
	if got, _ := fs.ReadFile(ctx, "/moved.md"); got != "data" {
		t.Errorf("moved content = %q", got)
	}
	if err := fs.MoveFile(ctx, "/moved.md", "/taken.md", false); !errors.Is(err, fsprovider.ErrAlreadyExists) {
		t.Errorf("move onto existing error = %v, want ErrAlreadyExists", err)
	}
	if err := fs.MoveFile(ctx, "/moved.md", "/taken.md", true); err != nil {
		t.Fatalf("MoveFile(overwrite) failed: %v", err)
	}
	if got, _ := fs.ReadFile(ctx, "/taken.md"); got != "data" {
		t.Errorf("overwritten content = %q", got)
	}
	if err := fs.MoveFile(ctx, "/missing.md", "/x.md", false); !errors.Is(err, fsprovider.ErrNotFound) {
		t.Errorf("move missing error = %v, want ErrNotFound", err)
	}
}

func testDirectories(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()

	if err := fs.CreateDirectory(ctx, "/a/b/c", false); !errors.Is(err, fsprovider.ErrNotFound) {
		t.Errorf("non-recursive mkdir with missing parent error = %v, want ErrNotFound", err)
	}
	if err := fs.CreateDirectory(ctx, "/a/b/c", true); err != nil {
		t.Fatalf("recursive mkdir failed: %v", err)
	}
	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		st, err := fs.GetStats(ctx, p)
		if err != nil {
			t.Fatalf("GetStats(%s) failed: %v", p, err)
		}
		if !st.IsDir() {
			t.Errorf("%s is not a directory", p)
		}
	}
	if err := fs.CreateDirectory(ctx, "/a/b/c", true); err != nil {
		t.Errorf("recursive mkdir of existing dir failed: %v", err)
	}
	if err := fs.CreateDirectory(ctx, "/a/b/c", false); !errors.Is(err, fsprovider.ErrAlreadyExists) {
		t.Errorf("non-recursive mkdir of existing dir error = %v, want ErrAlreadyExists", err)
	}

	mustWrite(t, fs, "/a/file.md", "x")
	if err := fs.DeleteDirectory(ctx, "/a", false); !errors.Is(err, fsprovider.ErrNotEmpty) {
		t.Errorf("non-recursive rmdir error = %v, want ErrNotEmpty", err)
	}
	if err := fs.DeleteDirectory(ctx, "/a/file.md", false); !errors.Is(err, fsprovider.ErrNotADirectory) {
		t.Errorf("rmdir on file error = %v, want ErrNotADirectory", err)
	}
	if err := fs.DeleteDirectory(ctx, "/", true); !errors.Is(err, fsprovider.ErrInvalidPath) {
		t.Errorf("rmdir / error = %v, want ErrInvalidPath", err)
	}
	if err := fs.DeleteDirectory(ctx, "/a/b/c", false); err != nil {
		t.Errorf("rmdir of empty dir failed: %v", err)
	}
}

func testDeleteDirectoryRecursive(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()
	mustWrite(t, fs, "/tree/a.md", "a")
	mustWrite(t, fs, "/tree/sub/b.md", "b")
	mustWrite(t, fs, "/tree/sub/deeper/c.md", "c")
	mustWrite(t, fs, "/keep.md", "k")

	if err := fs.DeleteDirectory(ctx, "/tree", true); err != nil {
		t.Fatalf("recursive rmdir failed: %v", err)
	}
	for _, p := range []string{"/tree", "/tree/a.md", "/tree/sub", "/tree/sub/deeper/c.md"} {
		if ok, _ := fs.Exists(ctx, p); ok {
			t.Errorf("%s survived recursive delete", p)
		}
	}
	if ok, _ := fs.Exists(ctx, "/keep.md"); !ok {
		t.Error("sibling removed by recursive delete")
	}
}

func testListDirectory(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()
	mustWrite(t, fs, "/ws/c.md", "c")
	mustWrite(t, fs, "/ws/a.md", "a")
	mustWrite(t, fs, "/ws/b.txt", "b")
	mustWrite(t, fs, "/ws/.hidden", "h")
	mustWrite(t, fs, "/ws/sub/d.md", "d")

	l, err := fs.ListDirectory(ctx, "/ws", fsprovider.ListOptions{})
	if err != nil {
		t.Fatalf("ListDirectory() failed: %v", err)
	}
	want := []string{"/ws/a.md", "/ws/b.txt", "/ws/c.md", "/ws/sub"}
	if !samePaths(l.Entries, want) {
		t.Errorf("ListDirectory() = %v, want %v", paths(l.Entries), want)
	}
	if l.TotalCount != 4 || l.HasMore {
		t.Errorf("TotalCount = %d HasMore = %v", l.TotalCount, l.HasMore)
	}

	l, err = fs.ListDirectory(ctx, "/ws", fsprovider.ListOptions{Recursive: true, IncludeHidden: true})
	if err != nil {
		t.Fatalf("recursive ListDirectory() failed: %v", err)
	}
	want = []string{"/ws/.hidden", "/ws/a.md", "/ws/b.txt", "/ws/c.md", "/ws/sub", "/ws/sub/d.md"}
	if !samePaths(l.Entries, want) {
		t.Errorf("recursive ListDirectory() = %v, want %v", paths(l.Entries), want)
	}

	l, err = fs.ListDirectory(ctx, "/ws", fsprovider.ListOptions{
		Recursive: true,
		Filter:    func(e fsprovider.Entry) bool { return fsprovider.Extname(e.Path) == ".md" },
		Offset:    1,
		Limit:     1,
	})
	if err != nil {
		t.Fatalf("filtered ListDirectory() failed: %v", err)
	}
	if !samePaths(l.Entries, []string{"/ws/c.md"}) || l.TotalCount != 3 || !l.HasMore {
		t.Errorf("page = %v total = %d more = %v", paths(l.Entries), l.TotalCount, l.HasMore)
	}

	if _, err := fs.ListDirectory(ctx, "/ws/a.md", fsprovider.ListOptions{}); !errors.Is(err, fsprovider.ErrNotADirectory) {
		t.Errorf("list on file error = %v, want ErrNotADirectory", err)
	}
	if _, err := fs.ListDirectory(ctx, "/nope", fsprovider.ListOptions{}); !errors.Is(err, fsprovider.ErrNotFound) {
		t.Errorf("list missing error = %v, want ErrNotFound", err)
	}
}

func testStats(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()
	mustWrite(t, fs, "/a.md", "12345")
	mustWrite(t, fs, "/d/b.md", "123")

	st, err := fs.GetStats(ctx, "/a.md")
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if st.Type != fsprovider.TypeFile || st.Size != 5 || !st.Permissions.Readable {
		t.Errorf("GetStats() = %+v", st)
	}
	if st.ModTime.IsZero() {
		t.Error("zero ModTime")
	}

	fsStats, err := fs.GetFileSystemStats(ctx)
	if err != nil {
		t.Fatalf("GetFileSystemStats() failed: %v", err)
	}
	if fsStats.TotalFiles != 2 || fsStats.TotalDirectories != 1 || fsStats.TotalSize != 8 {
		t.Errorf("GetFileSystemStats() = %+v", fsStats)
	}
}

func testWatchFile(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()
	mustWrite(t, fs, "/w/a.md", "v1")

	w, err := fs.WatchFile(ctx, "/w/a.md")
	if err != nil {
		t.Fatalf("WatchFile() failed: %v", err)
	}
	defer w.Close()

	mustWrite(t, fs, "/w/a.md", "v2")
	ev := WaitFor(t, w, func(ev fsprovider.WatchEvent) bool { return ev.Path == "/w/a.md" })
	if ev.Type != fsprovider.EventModified && ev.Type != fsprovider.EventCreated {
		t.Errorf("event type = %s, want modified", ev.Type)
	}

	if err := fs.DeleteFile(ctx, "/w/a.md"); err != nil {
		t.Fatalf("DeleteFile() failed: %v", err)
	}
	WaitFor(t, w, func(ev fsprovider.WatchEvent) bool { return ev.Type == fsprovider.EventDeleted })
}

func testWatchDirectory(t *testing.T, fs fsprovider.Provider) {
	ctx := context.Background()
	if err := fs.CreateDirectory(ctx, "/w", true); err != nil {
		t.Fatalf("CreateDirectory() failed: %v", err)
	}

	w, err := fs.WatchDirectory(ctx, "/w", true)
	if err != nil {
		t.Fatalf("WatchDirectory() failed: %v", err)
	}
	defer w.Close()

	mustWrite(t, fs, "/w/new.md", "x")
	ev := WaitFor(t, w, func(ev fsprovider.WatchEvent) bool { return ev.Path == "/w/new.md" })
	if ev.Type != fsprovider.EventCreated {
		t.Errorf("event type = %s, want created", ev.Type)
	}

	if err := fs.CreateDirectory(ctx, "/w/sub", false); err != nil {
		t.Fatalf("CreateDirectory() failed: %v", err)
	}
	WaitFor(t, w, func(ev fsprovider.WatchEvent) bool { return ev.Path == "/w/sub" })

	mustWrite(t, fs, "/w/sub/deep.md", "y")
	WaitFor(t, w, func(ev fsprovider.WatchEvent) bool { return ev.Path == "/w/sub/deep.md" })

	if _, err := fs.WatchDirectory(ctx, "/missing", false); !errors.Is(err, fsprovider.ErrNotFound) {
		t.Errorf("watch missing dir error = %v, want ErrNotFound", err)
	}
}

// WaitFor reads events from w until match returns true or a deadline passes.
func WaitFor(t *testing.T, w fsprovider.Watcher, match func(fsprovider.WatchEvent) bool) fsprovider.WatchEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatal("watch closed before the expected event")
			}
			if match(ev) {
				return ev
			}
		case err := <-w.Errors():
			if err != nil {
				t.Fatalf("watch error: %v", err)
			}
		case <-deadline:
			t.Fatal("timeout waiting for watch event")
		}
	}
}

func paths(entries []fsprovider.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func samePaths(entries []fsprovider.Entry, want []string) bool {
	if len(entries) != len(want) {
		return false
	}
	for i, e := range entries {
		if e.Path != want[i] {
			return false
		}
	}
	return true
}
