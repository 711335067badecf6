// Package watcher bridges file system watch events and collaborative document
// updates.
//
// A FileWatcher owns two things:
//
//   - the registry mapping canonical paths to bound documents
//   - the sync queue, a FIFO of SyncOperations drained by a single goroutine
//
// Every raw watch event becomes exactly one SyncOperation. Document updates
// become document-originated operations that write the document's text back
// through the provider. Operations run one at a time and to completion, which
// serializes all file/document traffic across paths.
//
// When a file change is applied to a document, the watcher's update handler
// is detached, the text replaced and the handler reattached inside a single
// Document.Transact call. No other writer can interleave with that block, so a
// file-originated edit is never echoed back to the file.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/docsync/internal/collab"
	"github.com/mschirtzinger/docsync/internal/fsprovider"
)

// OperationType is the kind of a SyncOperation.
type OperationType string

const (
	OpFileChange OperationType = "file-change"
	OpFileCreate OperationType = "file-create"
	OpFileDelete OperationType = "file-delete"
	OpDirCreate  OperationType = "dir-create"
	OpDirDelete  OperationType = "dir-delete"
)

// Origin says which side produced a SyncOperation.
type Origin string

const (
	// OriginFilesystem operations come from watch events or SyncNow.
	OriginFilesystem Origin = "filesystem"
	// OriginDocument operations come from document updates.
	OriginDocument Origin = "document"
	// OriginResolution operations carry the content chosen to end a conflict.
	OriginResolution Origin = "resolution"
	// OriginRegistration operations bind a newly registered document to its file.
	OriginRegistration Origin = "registration"
)

// SyncOperation is one unit of queued sync work.
type SyncOperation struct {
	Path string
	// OldPath is set for renames.
	OldPath string
	Type    OperationType
	Origin  Origin
	// Content is the content snapshot carried by the operation, when known.
	Content   *string
	Timestamp time.Time

	force bool
	done  chan error
}

var (
	// ErrClosed is returned for operations on a closed FileWatcher.
	ErrClosed = errors.New("file watcher closed")

	// ErrNotRegistered is returned when no document is registered at a path.
	ErrNotRegistered = errors.New("no document registered")

	// ErrConflict is matched by *ConflictError.
	ErrConflict = errors.New("sync conflict")
)

// Config configures a FileWatcher.
type Config struct {
	// Provider is the file store kept in step with documents. Required.
	Provider fsprovider.Provider

	// Logger defaults to stderr with a "[watcher] " prefix.
	Logger *log.Logger

	// TextName is the document text container bound to file content.
	// Default: collab.DefaultText
	TextName string

	// OnProcessed is called after every operation, with the error it failed
	// with (nil on success). It runs on the queue goroutine.
	OnProcessed func(op SyncOperation, err error)

	// OnConflict is called when a path's file and document diverge from the
	// last content they agreed on. The path is blocked until Resolve.
	OnConflict func(c Conflict)
}

// FileWatcher keeps registered documents and their files in step.
type FileWatcher struct {
	provider fsprovider.Provider
	logger   *log.Logger
	textName string
	config   Config

	mu        sync.Mutex
	registry  map[string]*registration
	watches   map[string]*watchHandle
	dirs      map[string]struct{}
	conflicts map[string]Conflict
	queue     []*SyncOperation
	busy      bool
	idle      chan struct{}
	closed    bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type watchHandle struct {
	watcher   fsprovider.Watcher
	recursive bool
}

// New creates a FileWatcher and starts its queue goroutine.
// Close must be called to release it.
func New(cfg Config) (*FileWatcher, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	if cfg.TextName == "" {
		cfg.TextName = collab.DefaultText
	}

	idle := make(chan struct{})
	close(idle)

	fw := &FileWatcher{
		provider: cfg.Provider,
		logger:   cfg.Logger,
		textName: cfg.TextName,
		config:   cfg,
		registry: make(map[string]*registration),
		watches:  make(map[string]*watchHandle),
		dirs:     make(map[string]struct{}),
		idle:     idle,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),

		conflicts: make(map[string]Conflict),
	}

	fw.wg.Add(1)
	go fw.run()
	return fw, nil
}

// Watch starts turning watch events under path into sync operations. A
// directory is watched with its children (or its whole subtree when
// recursive); anything else is watched as a single file. Watching an already
// watched path is a no-op.
func (fw *FileWatcher) Watch(ctx context.Context, path string, recursive bool) error {
	p := fsprovider.Resolve(path)

	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return ErrClosed
	}
	if _, ok := fw.watches[p]; ok {
		fw.mu.Unlock()
		return nil
	}
	fw.mu.Unlock()

	var (
		w   fsprovider.Watcher
		dir bool
	)
	st, err := fw.provider.GetStats(ctx, p)
	switch {
	case err == nil && st.IsDir():
		dir = true
		w, err = fw.provider.WatchDirectory(context.Background(), p, recursive)
	case err == nil || fsprovider.IsNotFound(err):
		w, err = fw.provider.WatchFile(context.Background(), p)
	}
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", p, err)
	}

	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		_ = w.Close()
		return ErrClosed
	}
	if _, ok := fw.watches[p]; ok {
		fw.mu.Unlock()
		_ = w.Close()
		return nil
	}
	fw.watches[p] = &watchHandle{watcher: w, recursive: recursive}
	if dir {
		fw.dirs[p] = struct{}{}
	}
	fw.wg.Add(1)
	fw.mu.Unlock()

	go fw.consume(w)
	fw.logger.Printf("Watching %s (recursive=%v)", p, recursive)
	return nil
}

// Unwatch stops watching path. Registrations are kept.
func (fw *FileWatcher) Unwatch(path string) error {
	p := fsprovider.Resolve(path)

	fw.mu.Lock()
	h, ok := fw.watches[p]
	delete(fw.watches, p)
	if ok {
		fw.forgetDirsLocked(p)
	}
	fw.mu.Unlock()

	if !ok {
		return nil
	}
	if err := h.watcher.Close(); err != nil {
		return fmt.Errorf("failed to stop watching %s: %w", p, err)
	}
	return nil
}

// forgetDirsLocked drops the known directories at or below p that no
// remaining watch covers.
func (fw *FileWatcher) forgetDirsLocked(p string) {
	for d := range fw.dirs {
		if !fsprovider.IsWithin(d, p) {
			continue
		}
		covered := false
		for w, h := range fw.watches {
			if d == w || fsprovider.InScope(d, w, false, h.recursive) {
				covered = true
				break
			}
		}
		if !covered {
			delete(fw.dirs, d)
		}
	}
}

// UnwatchAll stops every watch.
func (fw *FileWatcher) UnwatchAll() error {
	var firstErr error
	for _, p := range fw.Watched() {
		if err := fw.Unwatch(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Watched returns the watched paths, sorted.
func (fw *FileWatcher) Watched() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	paths := make([]string, 0, len(fw.watches))
	for p := range fw.watches {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// consume maps watch events to operations until the watcher closes.
func (fw *FileWatcher) consume(w fsprovider.Watcher) {
	defer fw.wg.Done()

	events, errs := w.Events(), w.Errors()
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if op := fw.mapEvent(ev); op != nil {
				fw.enqueue(op)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fw.logger.Printf("Watch error: %v", err)
		case <-fw.done:
			return
		}
	}
}

// mapEvent turns one watch event into exactly one operation. Events that carry
// no sync meaning (a modified directory) map to nil.
func (fw *FileWatcher) mapEvent(ev fsprovider.WatchEvent) *SyncOperation {
	op := &SyncOperation{
		Path:      fsprovider.Resolve(ev.Path),
		Origin:    OriginFilesystem,
		Timestamp: ev.Timestamp,
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	isDir := ev.Entry != nil && ev.Entry.IsDir()
	if ev.Entry != nil && ev.Entry.Content != nil {
		content := *ev.Entry.Content
		op.Content = &content
	}

	switch ev.Type {
	case fsprovider.EventCreated:
		op.Type = OpFileCreate
		if isDir {
			op.Type = OpDirCreate
		}
	case fsprovider.EventModified:
		if isDir {
			return nil
		}
		op.Type = OpFileChange
	case fsprovider.EventDeleted:
		op.Type = OpFileDelete
		fw.mu.Lock()
		if _, ok := fw.dirs[op.Path]; ok {
			op.Type = OpDirDelete
		}
		fw.mu.Unlock()
	case fsprovider.EventRenamed:
		op.Type = OpFileCreate
		if isDir {
			op.Type = OpDirCreate
		}
		op.OldPath = fsprovider.Resolve(ev.OldPath)
	default:
		return nil
	}
	return op
}

// SyncNow runs one forced pass for path through the queue and waits for it.
// Whichever side moved away from the last agreed content is copied to the
// other; if both moved, the pass reports a conflict.
func (fw *FileWatcher) SyncNow(ctx context.Context, path string) error {
	op := &SyncOperation{
		Path:      fsprovider.Resolve(path),
		Type:      OpFileChange,
		Origin:    OriginFilesystem,
		Timestamp: time.Now(),
		force:     true,
	}
	return fw.enqueueAndWait(ctx, op)
}

// Close stops all watches, detaches every document and stops the queue.
// Queued operations that have not started fail with ErrClosed.
func (fw *FileWatcher) Close() error {
	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return nil
	}
	fw.closed = true
	watches := fw.watches
	fw.watches = make(map[string]*watchHandle)
	regs := fw.registry
	fw.registry = make(map[string]*registration)
	pending := fw.queue
	fw.queue = nil
	fw.mu.Unlock()

	close(fw.done)

	var firstErr error
	for p, h := range watches {
		if err := h.watcher.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop watching %s: %w", p, err)
		}
	}
	for _, reg := range regs {
		reg.detach()
	}
	for _, op := range pending {
		if op.done != nil {
			op.done <- ErrClosed
		}
	}

	fw.wg.Wait()
	return firstErr
}
