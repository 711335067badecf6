package main

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/docsync/internal/collab"
	"github.com/mschirtzinger/docsync/internal/config"
	"github.com/mschirtzinger/docsync/internal/fsprovider"
	"github.com/mschirtzinger/docsync/internal/logging"
	"github.com/mschirtzinger/docsync/internal/relay"
	"github.com/mschirtzinger/docsync/internal/syncmgr"
)

func TestRoomName(t *testing.T) {
	tests := []struct {
		workspace, path, want string
	}{
		{"default", "/notes/a.md", "default~notes~a.md"},
		{"", "/a.md", "a.md"},
	}
	for _, tt := range tests {
		if got := roomName(tt.workspace, tt.path); got != tt.want {
			t.Errorf("roomName(%q, %q) = %q, want %q", tt.workspace, tt.path, got, tt.want)
		}
	}
}

func TestProbeAddr(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"http://relay.local:8787", "relay.local:8787", false},
		{"https://relay.example", "relay.example:443", false},
		{"ws://relay.example/base", "relay.example:80", false},
		{"relay", "", true},
	}
	for _, tt := range tests {
		got, err := probeAddr(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("probeAddr(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("probeAddr(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestFSCommands(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		rootCmd.SetArgs(append([]string{"--root", dir}, args...))
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("docsync %v failed: %v", args, err)
		}
	}

	run("fs", "write", "--parents", "notes/a.md", "hello")
	data, err := os.ReadFile(filepath.Join(dir, "notes", "a.md"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("file = %q, %v", data, err)
	}

	run("fs", "mv", "/notes/a.md", "/notes/b.md")
	if _, err := os.Stat(filepath.Join(dir, "notes", "b.md")); err != nil {
		t.Errorf("moved file missing: %v", err)
	}

	run("fs", "rm", "--recursive", "--yes", "/notes")
	if _, err := os.Stat(filepath.Join(dir, "notes")); !os.IsNotExist(err) {
		t.Errorf("directory still present: %v", err)
	}
}

// setupWorkspace points the package configuration at temp storage with the
// virtual backend and seeds it with files.
func setupWorkspace(t *testing.T, files map[string]string) {
	t.Helper()
	dir := t.TempDir()

	cfg = config.Default()
	cfg.FS.Kind = "virtual"
	cfg.FS.DB = filepath.Join(dir, "workspace.db")
	cfg.Store.Path = filepath.Join(dir, "local.db")
	cfg.Offline.NetworkProbeInterval = 50 * time.Millisecond
	cfg.Remote.ReconnectDelay = 20 * time.Millisecond
	l := logging.Open(logging.Options{File: filepath.Join(dir, "docsync.log")})
	logs = l
	t.Cleanup(func() { l.Close() })

	p, err := openProvider()
	if err != nil {
		t.Fatalf("openProvider() failed: %v", err)
	}
	defer p.Close()
	for path, content := range files {
		err := p.WriteFile(context.Background(), path, content, fsprovider.WriteOptions{CreateDirectories: true})
		if err != nil {
			t.Fatalf("WriteFile(%s) failed: %v", path, err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestWorkspaceBindsMatchingFiles(t *testing.T) {
	setupWorkspace(t, map[string]string{
		"/notes/a.md":  "alpha",
		"/notes/b.txt": "beta",
		"/image.png":   "binary",
	})

	ctx := context.Background()
	w, err := newWorkspace(ctx, workspaceOptions{
		scope:    "/",
		exts:     []string{"md", ".txt"},
		strategy: syncmgr.StrategyMerge,
	})
	if err != nil {
		t.Fatalf("newWorkspace() failed: %v", err)
	}
	defer w.close()

	if err := w.sync.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() failed: %v", err)
	}
	if len(w.docs) != 2 {
		t.Fatalf("bound %d documents, want 2", len(w.docs))
	}

	var a *collab.TextDoc
	for _, d := range w.docs {
		if d.path == "/notes/a.md" {
			a = d.doc
		}
	}
	if a == nil {
		t.Fatal("/notes/a.md not bound")
	}
	text := a.GetText(collab.DefaultText)
	if text.String() != "alpha" {
		t.Fatalf("document = %q, want file content", text.String())
	}

	text.Insert(5, "!")
	if err := w.sync.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() failed: %v", err)
	}
	got, err := w.provider.ReadFile(ctx, "/notes/a.md")
	if err != nil || got != "alpha!" {
		t.Errorf("file = %q, %v; want document edit written back", got, err)
	}
	if st := w.sync.GetStatus(); !st.IsActive || st.SyncedFiles != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestWorkspaceSharesEditsThroughRelay(t *testing.T) {
	srv := relay.NewServer(&relay.Config{Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	open := func() *workspace {
		setupWorkspace(t, map[string]string{"/shared.md": ""})
		w, err := newWorkspace(context.Background(), workspaceOptions{
			scope:     "/",
			exts:      []string{"md"},
			remoteURL: ts.URL,
			room:      "test",
			strategy:  syncmgr.StrategyMerge,
		})
		if err != nil {
			t.Fatalf("newWorkspace() failed: %v", err)
		}
		t.Cleanup(w.close)
		return w
	}
	a, b := open(), open()

	for _, w := range []*workspace{a, b} {
		d := w.docs[0]
		waitFor(t, "relay connection", func() bool { return d.offline.Status().IsConnected })
	}

	ctx := context.Background()
	if err := a.provider.WriteFile(ctx, "/shared.md", "from a", fsprovider.WriteOptions{Overwrite: true}); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	waitFor(t, "edit to reach b's file", func() bool {
		got, err := b.provider.ReadFile(ctx, "/shared.md")
		return err == nil && got == "from a"
	})
}
