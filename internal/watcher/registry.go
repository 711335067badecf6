package watcher

import (
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/docsync/internal/collab"
	"github.com/mschirtzinger/docsync/internal/fsprovider"
)

// registration binds one document to one canonical path.
//
// cancel and handler are only touched inside doc.Transact, which makes the
// detach/mutate/reattach block exclusive with respect to (un)registration and
// to every other edit of the document.
type registration struct {
	fw   *FileWatcher
	path string
	doc  collab.Document

	handler collab.UpdateFunc
	cancel  func()

	// Owned by the queue goroutine.
	base     string
	hasBase  bool
	conflict *Conflict

	detachOnce sync.Once
}

func (r *registration) text() collab.Text {
	return r.doc.GetText(r.fw.textName)
}

// attach starts observing the document.
func (r *registration) attach() {
	r.doc.Transact(r.fw, func(collab.Tx) {
		r.cancel = r.doc.Observe(r.handler)
	})
}

// detach stops observing the document. Safe to call multiple times.
func (r *registration) detach() {
	r.detachOnce.Do(func() {
		r.doc.Transact(r.fw, func(collab.Tx) {
			if r.cancel != nil {
				r.cancel()
				r.cancel = nil
			}
		})
	})
}

// applyContent replaces the document text with content without the
// watcher's own handler seeing the change. It leaves the document alone and
// returns false when the text is no longer expected: an edit got in first and
// its write-back is already queued.
func (r *registration) applyContent(expected, content string) bool {
	return r.replace(&expected, content)
}

// forceContent replaces the document text with content whatever it holds.
func (r *registration) forceContent(content string) {
	r.replace(nil, content)
}

func (r *registration) replace(expected *string, content string) (applied bool) {
	r.doc.Transact(r.fw, func(tx collab.Tx) {
		if r.cancel == nil {
			// Detached concurrently by unregister.
			return
		}
		text := tx.GetText(r.fw.textName)
		if expected != nil && text.String() != *expected {
			return
		}
		r.cancel()
		collab.ReplaceText(text, content)
		r.cancel = r.doc.Observe(r.handler)
		applied = true
	})
	return applied
}

// RegisterDocument binds doc to path. A document already registered at path
// is detached first. The binding is completed by a registration operation on
// the queue: an existing file's content is loaded into an empty document, an
// empty file position is filled from a non-empty document, and a document
// whose text differs from an existing file is reported as a conflict.
func (fw *FileWatcher) RegisterDocument(path string, doc collab.Document) error {
	p := fsprovider.Resolve(path)

	reg := &registration{fw: fw, path: p, doc: doc}
	reg.handler = func(u collab.Update) {
		if u.Origin == fw {
			return
		}
		fw.documentChanged(reg)
	}

	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return ErrClosed
	}
	old := fw.registry[p]
	fw.registry[p] = reg
	delete(fw.conflicts, p)
	fw.mu.Unlock()

	if old != nil {
		old.detach()
	}
	reg.attach()

	fw.enqueue(&SyncOperation{
		Path:      p,
		Type:      OpFileChange,
		Origin:    OriginRegistration,
		Timestamp: time.Now(),
	})
	return nil
}

// UnregisterDocument detaches the document registered at path and removes it.
func (fw *FileWatcher) UnregisterDocument(path string) error {
	p := fsprovider.Resolve(path)

	fw.mu.Lock()
	reg, ok := fw.registry[p]
	delete(fw.registry, p)
	delete(fw.conflicts, p)
	fw.mu.Unlock()

	if !ok {
		return ErrNotRegistered
	}
	reg.detach()
	return nil
}

// Registered returns the registered paths, sorted.
func (fw *FileWatcher) Registered() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	paths := make([]string, 0, len(fw.registry))
	for p := range fw.registry {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// IsRegistered reports whether a document is registered at path.
func (fw *FileWatcher) IsRegistered(path string) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, ok := fw.registry[fsprovider.Resolve(path)]
	return ok
}

func (fw *FileWatcher) lookup(p string) *registration {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.registry[p]
}

// current reports whether reg is still the registration at its path.
func (fw *FileWatcher) current(reg *registration) bool {
	return fw.lookup(reg.path) == reg
}

// remove drops and detaches the registration at p.
func (fw *FileWatcher) remove(p string) {
	fw.mu.Lock()
	reg, ok := fw.registry[p]
	delete(fw.registry, p)
	delete(fw.conflicts, p)
	fw.mu.Unlock()

	if ok {
		reg.detach()
		fw.logger.Printf("Unregistered %s", p)
	}
}

// removeTree drops the registrations and known directories at or below p.
// Documents under a moved directory are unbound rather than followed.
func (fw *FileWatcher) removeTree(p string) {
	fw.mu.Lock()
	var paths []string
	for rp := range fw.registry {
		if fsprovider.IsWithin(rp, p) {
			paths = append(paths, rp)
		}
	}
	for d := range fw.dirs {
		if fsprovider.IsWithin(d, p) {
			delete(fw.dirs, d)
		}
	}
	fw.mu.Unlock()

	for _, rp := range paths {
		fw.remove(rp)
	}
}

// documentChanged queues a write-back of reg's document. It runs inside the
// document's mutating call.
func (fw *FileWatcher) documentChanged(reg *registration) {
	if !fw.current(reg) {
		return
	}
	fw.enqueue(&SyncOperation{
		Path:      reg.path,
		Type:      OpFileChange,
		Origin:    OriginDocument,
		Timestamp: time.Now(),
	})
}
