// Package collab defines the collaborative document contract the sync engine
// consumes.
//
// The engine never inspects a document's internals: it reads and replaces named
// text containers, observes update notifications and forwards opaque update
// payloads. Merging concurrent edits is the document implementation's business.
// TextDoc is a plain reference implementation used by the CLI and tests; it
// applies updates in arrival order and does not converge under concurrent edits
// the way a CRDT would.
package collab

// DefaultText is the name of the text container bound to a file's content.
const DefaultText = "content"

// Update is one change notification.
type Update struct {
	// Data is the opaque encoded change, suitable for ApplyUpdate on a replica.
	Data []byte
	// Origin identifies who made the change (the value passed to Transact,
	// ApplyUpdate or ApplyState). It is nil for plain local edits.
	Origin any
}

// UpdateFunc receives update notifications.
type UpdateFunc func(Update)

// Text is a named, index-addressed text container. Indices count runes.
type Text interface {
	String() string
	Insert(index int, s string)
	Delete(index, length int)
	Len() int
}

// Tx is the view of a document handed to a Transact callback. Edits made
// through its texts carry the transaction's origin. It is only valid until the
// callback returns.
type Tx interface {
	GetText(name string) Text
}

// Document is a set of named text containers with change notifications.
//
// Observers run synchronously inside the mutating call, after the document's
// state lock has been released, so they may read the document but must not
// edit it. Every mutation (Text edits, Transact, ApplyUpdate, ApplyState) is
// serialized: while fn runs inside Transact no other edit can reach the
// document. Inside fn, edit through tx only; texts from GetText would block on
// the running transaction.
type Document interface {
	GetText(name string) Text
	// Observe registers fn and returns a function that removes it.
	Observe(fn UpdateFunc) (cancel func())
	Transact(origin any, fn func(tx Tx))

	EncodeState() []byte
	ApplyState(state []byte, origin any) error
	ApplyUpdate(update []byte, origin any) error
}

// ReplaceText makes t equal content with the smallest single delete/insert pair
// that spans the changed middle section. It does nothing when they already match.
func ReplaceText(t Text, content string) {
	current := []rune(t.String())
	next := []rune(content)

	prefix := 0
	for prefix < len(current) && prefix < len(next) && current[prefix] == next[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(current)-prefix && suffix < len(next)-prefix &&
		current[len(current)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}

	removed := len(current) - prefix - suffix
	inserted := next[prefix : len(next)-suffix]

	if removed > 0 {
		t.Delete(prefix, removed)
	}
	if len(inserted) > 0 {
		t.Insert(prefix, string(inserted))
	}
}
