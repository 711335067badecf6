package collab

import (
	"sync"
	"testing"
	"time"
)

func TestTextDoc_InsertDelete(t *testing.T) {
	doc := NewTextDoc()
	text := doc.GetText(DefaultText)

	text.Insert(0, "hello")
	text.Insert(5, " world")
	text.Insert(100, "!") // clamped to the end
	if got := text.String(); got != "hello world!" {
		t.Fatalf("String() = %q, want %q", got, "hello world!")
	}

	text.Delete(5, 6)
	if got := text.String(); got != "hello!" {
		t.Errorf("after delete String() = %q, want %q", got, "hello!")
	}
	if text.Len() != 6 {
		t.Errorf("Len() = %d, want 6", text.Len())
	}
}

func TestTextDoc_RuneIndices(t *testing.T) {
	doc := NewTextDoc()
	text := doc.GetText(DefaultText)
	text.Insert(0, "héllo")
	text.Delete(1, 1)
	if got := text.String(); got != "hllo" {
		t.Errorf("String() = %q, want %q", got, "hllo")
	}
}

func TestTextDoc_ObserveAndCancel(t *testing.T) {
	doc := NewTextDoc()
	var got []Update
	cancel := doc.Observe(func(u Update) { got = append(got, u) })

	doc.GetText(DefaultText).Insert(0, "a")
	if len(got) != 1 {
		t.Fatalf("expected 1 update, got %d", len(got))
	}
	if got[0].Origin != nil {
		t.Errorf("plain edit origin = %v, want nil", got[0].Origin)
	}

	cancel()
	cancel() // second cancel is a no-op
	doc.GetText(DefaultText).Insert(0, "b")
	if len(got) != 1 {
		t.Errorf("observer called after cancel: %d updates", len(got))
	}
	if doc.ObserverCount() != 0 {
		t.Errorf("ObserverCount() = %d, want 0", doc.ObserverCount())
	}
}

func TestTextDoc_TransactOrigin(t *testing.T) {
	doc := NewTextDoc()
	var origins []any
	doc.Observe(func(u Update) { origins = append(origins, u.Origin) })

	doc.Transact("watcher", func(tx Tx) {
		tx.GetText(DefaultText).Insert(0, "x")
	})
	doc.GetText(DefaultText).Insert(0, "y")

	if len(origins) != 2 || origins[0] != "watcher" || origins[1] != nil {
		t.Errorf("origins = %v, want [watcher <nil>]", origins)
	}
}

// TestTextDoc_TransactExcludesPlainEdits verifies an edit from another
// goroutine waits for a running transaction and keeps its own origin.
func TestTextDoc_TransactExcludesPlainEdits(t *testing.T) {
	doc := NewTextDoc()
	var (
		mu      sync.Mutex
		updates []Update
	)
	doc.Observe(func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	done := make(chan struct{})
	doc.Transact("watcher", func(tx Tx) {
		text := tx.GetText(DefaultText)
		text.Insert(0, "hello")

		go func() {
			doc.GetText(DefaultText).Insert(0, "USER:")
			close(done)
		}()
		select {
		case <-done:
			t.Error("plain edit ran inside the transaction")
		case <-time.After(50 * time.Millisecond):
		}

		if got := text.String(); got != "hello" {
			t.Errorf("text inside transaction = %q, want hello", got)
		}
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("plain edit never ran after the transaction")
	}

	if got := doc.GetText(DefaultText).String(); got != "USER:hello" {
		t.Errorf("content = %q, want USER:hello", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 || updates[0].Origin != "watcher" || updates[1].Origin != nil {
		t.Errorf("updates = %+v, want watcher then <nil> origin", updates)
	}
}

func TestTextDoc_ReplicateUpdates(t *testing.T) {
	a := NewTextDoc()
	b := NewTextDoc()
	a.Observe(func(u Update) {
		if err := b.ApplyUpdate(u.Data, "remote"); err != nil {
			t.Fatalf("ApplyUpdate failed: %v", err)
		}
	})

	ta := a.GetText(DefaultText)
	ta.Insert(0, "hello world")
	ta.Delete(0, 6)
	ta.Insert(5, "!")

	if got, want := b.GetText(DefaultText).String(), ta.String(); got != want {
		t.Errorf("replica = %q, want %q", got, want)
	}
}

func TestTextDoc_State(t *testing.T) {
	a := NewTextDoc()
	a.GetText(DefaultText).Insert(0, "persisted")
	a.GetText("notes").Insert(0, "n")

	b := NewTextDoc()
	var origin any
	b.Observe(func(u Update) { origin = u.Origin })
	if err := b.ApplyState(a.EncodeState(), "store"); err != nil {
		t.Fatalf("ApplyState failed: %v", err)
	}
	if got := b.GetText(DefaultText).String(); got != "persisted" {
		t.Errorf("content = %q, want persisted", got)
	}
	if got := b.GetText("notes").String(); got != "n" {
		t.Errorf("notes = %q, want n", got)
	}
	if origin != "store" {
		t.Errorf("origin = %v, want store", origin)
	}

	if err := b.ApplyState([]byte(`{"kind":"insert"}`), nil); err == nil {
		t.Error("ApplyState should reject non-state payloads")
	}
	if err := b.ApplyUpdate([]byte(`not json`), nil); err == nil {
		t.Error("ApplyUpdate should reject invalid payloads")
	}
}

func TestReplaceText(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		updates  int
	}{
		{name: "identical", from: "same", to: "same", updates: 0},
		{name: "append", from: "abc", to: "abcdef", updates: 1},
		{name: "middle edit", from: "hello world", to: "hello there world", updates: 1},
		{name: "replace middle", from: "a-b-c", to: "a-X-c", updates: 2},
		{name: "clear", from: "abc", to: "", updates: 1},
		{name: "from empty", from: "", to: "new", updates: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewTextDoc()
			text := doc.GetText(DefaultText)
			text.Insert(0, tt.from)

			count := 0
			doc.Observe(func(Update) { count++ })

			ReplaceText(text, tt.to)
			if got := text.String(); got != tt.to {
				t.Errorf("ReplaceText result = %q, want %q", got, tt.to)
			}
			if count != tt.updates {
				t.Errorf("updates = %d, want %d", count, tt.updates)
			}
		})
	}
}
