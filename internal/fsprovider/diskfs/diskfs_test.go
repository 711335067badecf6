package diskfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mschirtzinger/docsync/internal/fsprovider"
	"github.com/mschirtzinger/docsync/internal/fsprovider/providertest"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return fs
}

func TestContract(t *testing.T) {
	providertest.Run(t, func(t *testing.T) fsprovider.Provider {
		return newTestFS(t)
	})
}

func TestNew_RequiresRoot(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New(\"\") should fail")
	}
}

func TestMapsToHostDirectory(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "/ws/a.md", "on disk", fsprovider.WriteOptions{CreateDirectories: true}); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(fs.Root(), "ws", "a.md"))
	if err != nil {
		t.Fatalf("host file missing: %v", err)
	}
	if string(data) != "on disk" {
		t.Errorf("host content = %q", data)
	}
}

func TestCannotEscapeRoot(t *testing.T) {
	outer := t.TempDir()
	root := filepath.Join(outer, "root")
	fs, err := New(root)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outer, "secret"), []byte("s"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := fs.ReadFile(ctx, "../secret"); !errors.Is(err, fsprovider.ErrNotFound) {
		t.Errorf("ReadFile(../secret) error = %v, want ErrNotFound", err)
	}
}

func TestOpenThroughRegistry(t *testing.T) {
	p, err := fsprovider.Open(fsprovider.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("fsprovider.Open() failed: %v", err)
	}
	defer p.Close()
	if p.Kind() != fsprovider.KindDisk {
		t.Errorf("Kind() = %s, want disk", p.Kind())
	}
}

func TestExternalEditsAreWatched(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	w, err := fs.WatchDirectory(ctx, "/", true)
	if err != nil {
		t.Fatalf("WatchDirectory() failed: %v", err)
	}
	defer w.Close()

	host := filepath.Join(fs.Root(), "external.md")
	if err := os.WriteFile(host, []byte("from editor"), 0644); err != nil {
		t.Fatal(err)
	}
	ev := providertest.WaitFor(t, w, func(ev fsprovider.WatchEvent) bool { return ev.Path == "/external.md" })
	if ev.Entry == nil || ev.Entry.Type != fsprovider.TypeFile {
		t.Errorf("event entry = %+v", ev.Entry)
	}

	if err := os.Rename(host, filepath.Join(fs.Root(), "renamed.md")); err != nil {
		t.Fatal(err)
	}
	providertest.WaitFor(t, w, func(ev fsprovider.WatchEvent) bool {
		return ev.Path == "/external.md" && ev.Type == fsprovider.EventDeleted
	})
	providertest.WaitFor(t, w, func(ev fsprovider.WatchEvent) bool {
		return ev.Path == "/renamed.md" && ev.Type == fsprovider.EventCreated
	})
}

func TestGetFileSystemStats_Volume(t *testing.T) {
	fs := newTestFS(t)
	stats, err := fs.GetFileSystemStats(context.Background())
	if err != nil {
		t.Fatalf("GetFileSystemStats() failed: %v", err)
	}
	if stats.Free > stats.Capacity {
		t.Errorf("free %d > capacity %d", stats.Free, stats.Capacity)
	}
}
