package remote_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/docsync/internal/collab"
	"github.com/mschirtzinger/docsync/internal/relay"
	"github.com/mschirtzinger/docsync/internal/remote"
	"github.com/mschirtzinger/docsync/internal/store"
)

var quiet = log.New(io.Discard, "", 0)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	s := relay.NewServer(&relay.Config{Logger: quiet})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return ts
}

func newClient(t *testing.T, endpoint string, doc collab.Document, outbox remote.Outbox) *remote.Client {
	t.Helper()
	c, err := remote.New(remote.Config{
		Endpoint:       endpoint,
		Room:           "notes",
		Doc:            doc,
		Outbox:         outbox,
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         quiet,
	})
	if err != nil {
		t.Fatalf("remote.New() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func waitConnected(t *testing.T, c *remote.Client) {
	t.Helper()
	waitFor(t, "connected", func() bool { return c.Status() == remote.StatusConnected })
}

func TestNewValidation(t *testing.T) {
	doc := collab.NewTextDoc()
	tests := []struct {
		name string
		cfg  remote.Config
	}{
		{"no endpoint", remote.Config{Room: "r", Doc: doc}},
		{"no room", remote.Config{Endpoint: "http://localhost", Doc: doc}},
		{"no doc", remote.Config{Endpoint: "http://localhost", Room: "r"}},
		{"bad scheme", remote.Config{Endpoint: "ftp://localhost", Room: "r", Doc: doc}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := remote.New(tt.cfg); err == nil {
				t.Error("remote.New() should fail")
			}
		})
	}
}

func TestRoomURL(t *testing.T) {
	c := newClient(t, "http://relay.example:8787/", collab.NewTextDoc(), nil)
	if got := c.URL(); got != "http://relay.example:8787/ws/notes" {
		t.Errorf("URL() = %q", got)
	}
}

func TestTwoClientsConverge(t *testing.T) {
	ts := newRelay(t)

	docA, docB := collab.NewTextDoc(), collab.NewTextDoc()
	a := newClient(t, ts.URL, docA, nil)
	b := newClient(t, ts.URL, docB, nil)

	var (
		mu       sync.Mutex
		statuses []remote.Status
	)
	a.OnStatus(func(s remote.Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	a.Connect()
	b.Connect()
	waitConnected(t, a)
	waitConnected(t, b)

	docA.GetText(collab.DefaultText).Insert(0, "hello")
	textB := docB.GetText(collab.DefaultText)
	waitFor(t, "b to receive a's edit", func() bool { return textB.String() == "hello" })

	textB.Insert(5, " world")
	textA := docA.GetText(collab.DefaultText)
	waitFor(t, "a to receive b's edit", func() bool { return textA.String() == "hello world" })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Flush(ctx); err != nil {
		t.Errorf("Flush() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 2 || statuses[0] != remote.StatusConnecting || statuses[1] != remote.StatusConnected {
		t.Errorf("status sequence = %v", statuses)
	}
}

func TestOfflineEditsSentOnConnect(t *testing.T) {
	ts := newRelay(t)

	db, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	outbox, err := store.NewOutbox(ctx, db, "notes")
	if err != nil {
		t.Fatalf("NewOutbox() failed: %v", err)
	}

	docA := collab.NewTextDoc()
	a := newClient(t, ts.URL, docA, outbox)

	text := docA.GetText(collab.DefaultText)
	text.Insert(0, "written")
	text.Insert(7, " offline")
	if n, _ := outbox.Len(ctx); n != 2 {
		t.Fatalf("outbox holds %d updates, want 2", n)
	}

	if err := a.Flush(ctx); !errors.Is(err, remote.ErrNotConnected) {
		t.Errorf("Flush() while disconnected error = %v, want ErrNotConnected", err)
	}

	a.Connect()
	waitConnected(t, a)
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Flush(fctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if n, _ := outbox.Len(ctx); n != 0 {
		t.Errorf("outbox holds %d updates after flush", n)
	}

	docB := collab.NewTextDoc()
	b := newClient(t, ts.URL, docB, nil)
	b.Connect()
	textB := docB.GetText(collab.DefaultText)
	waitFor(t, "late joiner replay", func() bool { return textB.String() == "written offline" })
}

func TestDisconnectAndReconnect(t *testing.T) {
	ts := newRelay(t)

	docA, docB := collab.NewTextDoc(), collab.NewTextDoc()
	a := newClient(t, ts.URL, docA, nil)
	b := newClient(t, ts.URL, docB, nil)
	a.Connect()
	b.Connect()
	waitConnected(t, a)
	waitConnected(t, b)

	a.Disconnect()
	waitFor(t, "disconnect", func() bool { return a.Status() == remote.StatusDisconnected })
	if err := a.Ping(context.Background()); !errors.Is(err, remote.ErrNotConnected) {
		t.Errorf("Ping() while disconnected error = %v", err)
	}

	docB.GetText(collab.DefaultText).Insert(0, "missed while away")
	docA.GetText(collab.DefaultText).Insert(0, "mine: ")

	a.Connect()
	waitConnected(t, a)
	textA := docA.GetText(collab.DefaultText)
	waitFor(t, "catch up", func() bool {
		s := textA.String()
		return len(s) == len("mine: missed while away")
	})
	textB := docB.GetText(collab.DefaultText)
	waitFor(t, "b to receive a's offline edit", func() bool {
		return len(textB.String()) == len("mine: missed while away")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Ping(ctx); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}
}

func TestAwareness(t *testing.T) {
	ts := newRelay(t)

	got := make(chan string, 4)
	docB := collab.NewTextDoc()
	b, err := remote.New(remote.Config{
		Endpoint: ts.URL,
		Room:     "notes",
		Doc:      docB,
		Logger:   quiet,
		OnAwareness: func(client string, state []byte) {
			got <- client + "=" + string(state)
		},
	})
	if err != nil {
		t.Fatalf("remote.New() failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	a := newClient(t, ts.URL, collab.NewTextDoc(), nil)
	if err := a.SetAwareness([]byte("cursor:1")); err != nil {
		t.Fatalf("SetAwareness() before connect failed: %v", err)
	}
	b.Connect()
	waitConnected(t, b)
	a.Connect()

	select {
	case s := <-got:
		if s != a.ClientID()+"=cursor:1" {
			t.Errorf("awareness = %q", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("awareness not received")
	}
}

func TestCloseStopsCapturingUpdates(t *testing.T) {
	doc := collab.NewTextDoc()
	outbox := remote.NewMemoryOutbox()
	c := newClient(t, "http://127.0.0.1:1", doc, outbox)

	doc.GetText(collab.DefaultText).Insert(0, "a")
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	doc.GetText(collab.DefaultText).Insert(1, "b")

	pending, _ := outbox.Pending(context.Background())
	if len(pending) != 1 {
		t.Errorf("outbox holds %d updates, want 1", len(pending))
	}
	if err := c.Flush(context.Background()); !errors.Is(err, remote.ErrClosed) {
		t.Errorf("Flush() after Close error = %v, want ErrClosed", err)
	}
	if doc.ObserverCount() != 0 {
		t.Error("document still observed after Close")
	}
}
