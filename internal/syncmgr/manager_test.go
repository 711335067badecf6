package syncmgr

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/docsync/internal/collab"
	"github.com/mschirtzinger/docsync/internal/fsprovider"
	"github.com/mschirtzinger/docsync/internal/fsprovider/virtualfs"
	"github.com/mschirtzinger/docsync/internal/store"
	"github.com/mschirtzinger/docsync/internal/watcher"
)

func newFS(t *testing.T) *virtualfs.FS {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "fs.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	fs, err := virtualfs.New(db)
	if err != nil {
		t.Fatalf("virtualfs.New() failed: %v", err)
	}
	t.Cleanup(func() {
		fs.Close()
		db.Close()
	})
	if err := fs.CreateDirectory(context.Background(), "/ws", true); err != nil {
		t.Fatalf("CreateDirectory() failed: %v", err)
	}
	return fs
}

func newManager(t *testing.T, p fsprovider.Provider) *Manager {
	t.Helper()
	m, err := New(Config{Provider: p, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func idle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() failed: %v", err)
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without provider should fail")
	}
}

func TestExternalWriteReachesRegisteredDocument(t *testing.T) {
	fs := newFS(t)
	m := newManager(t, fs)
	ctx := context.Background()

	if err := m.StartSync(ctx, "/ws"); err != nil {
		t.Fatalf("StartSync() failed: %v", err)
	}
	doc := collab.NewTextDoc()
	if err := m.RegisterDocument("/ws/a.md", doc); err != nil {
		t.Fatalf("RegisterDocument() failed: %v", err)
	}
	idle(t, m)

	if err := fs.WriteFile(ctx, "/ws/a.md", "external edit", fsprovider.WriteOptions{}); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	text := doc.GetText(collab.DefaultText)
	waitFor(t, "document update", func() bool { return text.String() == "external edit" })

	st := m.GetStatus()
	if !st.IsActive || st.Root != "/ws" {
		t.Errorf("status active=%v root=%q", st.IsActive, st.Root)
	}
	if st.SyncedFiles != 1 {
		t.Errorf("SyncedFiles = %d, want 1", st.SyncedFiles)
	}
	if st.LastSync.IsZero() {
		t.Error("LastSync not set")
	}
	if len(st.Errors) != 0 {
		t.Errorf("Errors = %v", st.Errors)
	}
}

func TestStartSyncIsIdempotent(t *testing.T) {
	fs := newFS(t)
	m := newManager(t, fs)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.StartSync(ctx, "/ws"); err != nil {
			t.Fatalf("StartSync() #%d failed: %v", i, err)
		}
	}
	if err := m.StartSync(ctx, "/elsewhere"); err != nil {
		t.Fatalf("StartSync() for another root failed: %v", err)
	}
	if got := m.GetStatus().Root; got != "/ws" {
		t.Errorf("Root = %q, want /ws", got)
	}

	if err := m.StopSync(); err != nil {
		t.Fatalf("StopSync() failed: %v", err)
	}
	if m.IsActive() {
		t.Error("still active after StopSync")
	}
	if err := m.StopSync(); err != nil {
		t.Errorf("second StopSync() failed: %v", err)
	}
	if err := m.StartSync(ctx, "/ws"); err != nil {
		t.Errorf("restart failed: %v", err)
	}
}

func TestUnregisterAndDeleteUpdateSyncedFiles(t *testing.T) {
	fs := newFS(t)
	m := newManager(t, fs)
	ctx := context.Background()

	_ = m.StartSync(ctx, "/ws")
	_ = fs.WriteFile(ctx, "/ws/a.md", "a", fsprovider.WriteOptions{})
	_ = fs.WriteFile(ctx, "/ws/b.md", "b", fsprovider.WriteOptions{})
	_ = m.RegisterDocument("/ws/a.md", collab.NewTextDoc())
	_ = m.RegisterDocument("/ws/b.md", collab.NewTextDoc())
	idle(t, m)

	if err := m.UnregisterDocument("/ws/a.md"); err != nil {
		t.Fatalf("UnregisterDocument() failed: %v", err)
	}
	if got := m.SyncedFiles(); len(got) != 1 || got[0] != "/ws/b.md" {
		t.Errorf("SyncedFiles() = %v", got)
	}

	_ = fs.DeleteFile(ctx, "/ws/b.md")
	waitFor(t, "synced set cleanup", func() bool { return m.GetStatus().SyncedFiles == 0 })
}

func TestSyncFile(t *testing.T) {
	fs := newFS(t)
	m := newManager(t, fs)
	ctx := context.Background()

	doc := collab.NewTextDoc()
	_ = m.RegisterDocument("/ws/a.md", doc)
	idle(t, m)
	doc.GetText(collab.DefaultText).Insert(0, "draft")
	idle(t, m)

	// Changed while nothing watches the workspace.
	_ = fs.WriteFile(ctx, "/ws/a.md", "draft v2", fsprovider.WriteOptions{Overwrite: true})
	if err := m.SyncFile(ctx, "/ws/a.md"); err != nil {
		t.Fatalf("SyncFile() failed: %v", err)
	}
	if got := doc.GetText(collab.DefaultText).String(); got != "draft v2" {
		t.Errorf("document = %q, want %q", got, "draft v2")
	}
}

// failingProvider refuses every write.
type failingProvider struct {
	fsprovider.Provider
}

func (failingProvider) WriteFile(context.Context, string, string, fsprovider.WriteOptions) error {
	return errors.New("disk full")
}

func TestErrorsAccumulateUntilCleared(t *testing.T) {
	fs := newFS(t)
	m := newManager(t, failingProvider{fs})

	doc := collab.NewTextDoc()
	_ = m.RegisterDocument("/ws/a.md", doc)
	idle(t, m)

	text := doc.GetText(collab.DefaultText)
	text.Insert(0, "one")
	idle(t, m)
	text.Insert(3, " two")
	idle(t, m)

	st := m.GetStatus()
	if len(st.Errors) != 2 {
		t.Fatalf("Errors = %v, want 2", st.Errors)
	}
	if st.Errors[0].Path != "/ws/a.md" || !strings.Contains(st.Errors[0].Error(), "disk full") {
		t.Errorf("Errors[0] = %v", st.Errors[0])
	}

	m.ClearErrors()
	if n := len(m.GetStatus().Errors); n != 0 {
		t.Errorf("Errors after clear = %d", n)
	}
}

func conflictAt(t *testing.T, fs *virtualfs.FS, m *Manager, path string) (*collab.TextDoc, watcher.Conflict) {
	t.Helper()
	ctx := context.Background()

	got := make(chan watcher.Conflict, 1)
	m.SetConflictResolver(func(c watcher.Conflict) { got <- c })

	_ = fs.WriteFile(ctx, path, "line one\nline two\n", fsprovider.WriteOptions{})
	doc := collab.NewTextDoc()
	_ = m.RegisterDocument(path, doc)
	idle(t, m)

	_ = fs.WriteFile(ctx, path, "line one edited on disk\nline two\n", fsprovider.WriteOptions{Overwrite: true})
	doc.Transact("peer", func(tx collab.Tx) {
		collab.ReplaceText(tx.GetText(collab.DefaultText), "line one\nline two edited remotely\n")
	})

	select {
	case c := <-got:
		return doc, c
	case <-time.After(3 * time.Second):
		t.Fatal("conflict resolver not called")
	}
	return nil, watcher.Conflict{}
}

func TestResolveConflictStrategies(t *testing.T) {
	tests := []struct {
		name string
		res  func(c watcher.Conflict) Resolution
		want string
	}{
		{
			name: "local keeps file",
			res:  func(watcher.Conflict) Resolution { return Resolution{Strategy: StrategyLocal} },
			want: "line one edited on disk\nline two\n",
		},
		{
			name: "remote keeps document",
			res: func(c watcher.Conflict) Resolution {
				return Resolution{Strategy: StrategyRemote, Content: &c.Remote}
			},
			want: "line one\nline two edited remotely\n",
		},
		{
			name: "manual content",
			res: func(watcher.Conflict) Resolution {
				s := "hand written"
				return Resolution{Strategy: StrategyManual, Content: &s}
			},
			want: "hand written",
		},
		{
			name: "merge suggestion",
			res: func(c watcher.Conflict) Resolution {
				merged, _ := SuggestMerge(c)
				return Resolution{Strategy: StrategyMerge, Content: &merged}
			},
			want: "line one edited on disk\nline two edited remotely\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFS(t)
			m := newManager(t, fs)
			ctx := context.Background()

			doc, c := conflictAt(t, fs, m, "/ws/a.md")
			if len(m.PendingConflicts()) != 1 {
				t.Fatalf("PendingConflicts() = %v", m.PendingConflicts())
			}
			if err := m.SyncFile(ctx, "/ws/a.md"); !errors.Is(err, watcher.ErrConflict) {
				t.Errorf("SyncFile() on conflicted path error = %v", err)
			}

			if err := m.ResolveConflict(ctx, c.Path, tt.res(c)); err != nil {
				t.Fatalf("ResolveConflict() failed: %v", err)
			}
			if got, _ := fs.ReadFile(ctx, "/ws/a.md"); got != tt.want {
				t.Errorf("file = %q, want %q", got, tt.want)
			}
			if got := doc.GetText(collab.DefaultText).String(); got != tt.want {
				t.Errorf("document = %q, want %q", got, tt.want)
			}
			if n := len(m.PendingConflicts()); n != 0 {
				t.Errorf("%d conflicts pending after resolve", n)
			}
		})
	}
}

func TestResolveConflictValidation(t *testing.T) {
	fs := newFS(t)
	m := newManager(t, fs)
	ctx := context.Background()
	_ = m.RegisterDocument("/ws/a.md", collab.NewTextDoc())

	for _, s := range []Strategy{StrategyRemote, StrategyManual, StrategyMerge} {
		if err := m.ResolveConflict(ctx, "/ws/a.md", Resolution{Strategy: s}); !errors.Is(err, ErrContentRequired) {
			t.Errorf("%s without content: error = %v, want ErrContentRequired", s, err)
		}
	}
	if err := m.ResolveConflict(ctx, "/ws/a.md", Resolution{Strategy: "coin-flip"}); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("unknown strategy error = %v", err)
	}
	content := "x"
	if err := m.ResolveConflict(ctx, "/ws/other.md", Resolution{Strategy: StrategyManual, Content: &content}); !errors.Is(err, watcher.ErrNotRegistered) {
		t.Errorf("unregistered path error = %v, want ErrNotRegistered", err)
	}
}

func TestMergeContents(t *testing.T) {
	tests := []struct {
		name                string
		base, local, remote string
		want                string
		clean               bool
	}{
		{"local unchanged", "a", "a", "b", "b", true},
		{"remote unchanged", "a", "b", "a", "b", true},
		{"same change", "a", "b", "b", "b", true},
		{
			name:   "disjoint edits",
			base:   "alpha\nbeta\ngamma\n",
			local:  "ALPHA\nbeta\ngamma\n",
			remote: "alpha\nbeta\nGAMMA\n",
			want:   "ALPHA\nbeta\nGAMMA\n",
			clean:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clean := MergeContents(tt.base, tt.local, tt.remote)
			if got != tt.want || clean != tt.clean {
				t.Errorf("MergeContents() = %q, %v; want %q, %v", got, clean, tt.want, tt.clean)
			}
		})
	}
}
