package fsprovider

import (
	"context"
	"testing"
	"time"
)

func receive(t *testing.T, w Watcher) WatchEvent {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return WatchEvent{}
}

func expectNone(t *testing.T, w Watcher) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_Scopes(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	ctx := context.Background()

	file := b.Subscribe(ctx, "/ws/a.md", true, false)
	dir := b.Subscribe(ctx, "/ws", false, false)
	tree := b.Subscribe(ctx, "/ws", false, true)

	b.Publish(WatchEvent{Type: EventModified, Path: "/ws/a.md"})
	b.Publish(WatchEvent{Type: EventCreated, Path: "/ws/sub/b.md"})
	b.Publish(WatchEvent{Type: EventCreated, Path: "/other.md"})

	if ev := receive(t, file); ev.Path != "/ws/a.md" {
		t.Errorf("file watch got %s", ev.Path)
	}
	expectNone(t, file)

	if ev := receive(t, dir); ev.Path != "/ws/a.md" {
		t.Errorf("dir watch got %s", ev.Path)
	}
	expectNone(t, dir)

	if ev := receive(t, tree); ev.Path != "/ws/a.md" {
		t.Errorf("tree watch first event %s", ev.Path)
	}
	if ev := receive(t, tree); ev.Path != "/ws/sub/b.md" {
		t.Errorf("tree watch second event %s", ev.Path)
	}
	expectNone(t, tree)
}

func TestBroadcaster_OrderAndSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	w := b.Subscribe(context.Background(), "/", false, true)

	for i := 0; i < 500; i++ {
		b.Publish(WatchEvent{Type: EventModified, Path: "/f", Timestamp: time.Unix(int64(i), 0)})
	}
	for i := 0; i < 500; i++ {
		ev := receive(t, w)
		if ev.Timestamp.Unix() != int64(i) {
			t.Fatalf("event %d out of order: got %d", i, ev.Timestamp.Unix())
		}
	}
}

func TestBroadcaster_CloseAndContext(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	w := b.Subscribe(ctx, "/", false, true)
	if b.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", b.Count())
	}

	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher not closed after context cancel")
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	if b.Count() != 0 {
		t.Errorf("Count() = %d after close, want 0", b.Count())
	}

	b.Close()
	late := b.Subscribe(context.Background(), "/", false, true)
	if _, ok := <-late.Events(); ok {
		t.Error("subscription after Close should be closed")
	}
	late.Close()
}
