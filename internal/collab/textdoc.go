package collab

import (
	"encoding/json"
	"fmt"
	"sync"
)

const (
	opInsert = "insert"
	opDelete = "delete"
	opState  = "state"
)

// op is the wire form of a TextDoc update.
type op struct {
	Kind   string            `json:"kind"`
	Text   string            `json:"text,omitempty"`
	Index  int               `json:"index,omitempty"`
	Value  string            `json:"value,omitempty"`
	Length int               `json:"length,omitempty"`
	State  map[string]string `json:"state,omitempty"`
}

type observer struct {
	id uint64
	fn UpdateFunc
}

// TextDoc is an in-memory Document.
type TextDoc struct {
	txMu sync.Mutex // serializes every mutation

	mu    sync.Mutex
	texts map[string][]rune

	obsMu     sync.Mutex
	observers []observer
	nextID    uint64
}

// NewTextDoc creates an empty document.
func NewTextDoc() *TextDoc {
	return &TextDoc{texts: make(map[string][]rune)}
}

// GetText returns the named container, creating it empty on first use.
func (d *TextDoc) GetText(name string) Text {
	return &docText{doc: d, name: name}
}

// Observe implements Document.
func (d *TextDoc) Observe(fn UpdateFunc) func() {
	d.obsMu.Lock()
	d.nextID++
	id := d.nextID
	d.observers = append(d.observers, observer{id: id, fn: fn})
	d.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.obsMu.Lock()
			defer d.obsMu.Unlock()
			for i, o := range d.observers {
				if o.id == id {
					d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// ObserverCount returns the number of registered observers.
func (d *TextDoc) ObserverCount() int {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	return len(d.observers)
}

// Transact implements Document.
func (d *TextDoc) Transact(origin any, fn func(tx Tx)) {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	fn(txView{doc: d, origin: origin})
}

// txView hands out texts that edit under the already held txMu.
type txView struct {
	doc    *TextDoc
	origin any
}

func (tx txView) GetText(name string) Text {
	return &docText{doc: tx.doc, name: name, inTx: true, origin: tx.origin}
}

// EncodeState returns the full document contents.
func (d *TextDoc) EncodeState() []byte {
	d.mu.Lock()
	state := make(map[string]string, len(d.texts))
	for name, r := range d.texts {
		state[name] = string(r)
	}
	d.mu.Unlock()

	data, _ := json.Marshal(op{Kind: opState, State: state})
	return data
}

// ApplyState replaces the contents of every container named in state.
func (d *TextDoc) ApplyState(state []byte, origin any) error {
	var o op
	if err := json.Unmarshal(state, &o); err != nil {
		return fmt.Errorf("failed to decode document state: %w", err)
	}
	if o.Kind != opState {
		return fmt.Errorf("not a document state: kind %q", o.Kind)
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()
	d.apply(o, origin)
	return nil
}

// ApplyUpdate applies an update produced by another replica.
func (d *TextDoc) ApplyUpdate(update []byte, origin any) error {
	var o op
	if err := json.Unmarshal(update, &o); err != nil {
		return fmt.Errorf("failed to decode document update: %w", err)
	}
	switch o.Kind {
	case opInsert, opDelete, opState:
	default:
		return fmt.Errorf("unknown update kind %q", o.Kind)
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()
	d.apply(o, origin)
	return nil
}

// apply mutates state under mu and notifies observers after releasing it.
// The caller holds txMu.
func (d *TextDoc) apply(o op, origin any) {
	d.mu.Lock()
	changed := true
	switch o.Kind {
	case opInsert:
		cur := d.texts[o.Text]
		idx := clamp(o.Index, 0, len(cur))
		ins := []rune(o.Value)
		next := make([]rune, 0, len(cur)+len(ins))
		next = append(next, cur[:idx]...)
		next = append(next, ins...)
		next = append(next, cur[idx:]...)
		d.texts[o.Text] = next
		changed = len(ins) > 0
	case opDelete:
		cur := d.texts[o.Text]
		idx := clamp(o.Index, 0, len(cur))
		end := clamp(idx+o.Length, idx, len(cur))
		d.texts[o.Text] = append(cur[:idx:idx], cur[end:]...)
		changed = end > idx
	case opState:
		for name, value := range o.State {
			d.texts[name] = []rune(value)
		}
	}
	d.mu.Unlock()

	if !changed {
		return
	}

	data, _ := json.Marshal(o)
	d.notify(Update{Data: data, Origin: origin})
}

func (d *TextDoc) notify(u Update) {
	d.obsMu.Lock()
	observers := make([]observer, len(d.observers))
	copy(observers, d.observers)
	d.obsMu.Unlock()

	for _, o := range observers {
		o.fn(u)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// docText is a handle on one named container of a TextDoc.
type docText struct {
	doc  *TextDoc
	name string

	// Set on texts handed out by a transaction, which already holds txMu.
	inTx   bool
	origin any
}

func (t *docText) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return string(t.doc.texts[t.name])
}

func (t *docText) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return len(t.doc.texts[t.name])
}

func (t *docText) Insert(index int, s string) {
	t.edit(op{Kind: opInsert, Text: t.name, Index: index, Value: s})
}

func (t *docText) Delete(index, length int) {
	if length <= 0 {
		return
	}
	t.edit(op{Kind: opDelete, Text: t.name, Index: index, Length: length})
}

func (t *docText) edit(o op) {
	if !t.inTx {
		t.doc.txMu.Lock()
		defer t.doc.txMu.Unlock()
	}
	t.doc.apply(o, t.origin)
}
