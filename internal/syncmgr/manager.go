// Package syncmgr provides workspace-scoped orchestration of file/document sync.
//
// A Manager owns one watcher.FileWatcher. It starts and stops watching a
// workspace root, tracks which files have a registered document, aggregates
// errors and conflicts into a Status, and exposes conflict resolution.
package syncmgr

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
	"github.com/mschirtzinger/docsync/internal/metrics"
	"github.com/mschirtzinger/docsync/internal/watcher"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// StrategyLocal keeps the current file content.
	StrategyLocal Strategy = "local"
	// StrategyRemote keeps the document content; the caller supplies it.
	StrategyRemote Strategy = "remote"
	// StrategyManual uses content edited by the user.
	StrategyManual Strategy = "manual"
	// StrategyMerge uses merged content, e.g. from MergeContents.
	StrategyMerge Strategy = "merge"
)

// Resolution is the caller's answer to a conflict.
type Resolution struct {
	Strategy Strategy
	// Content is required for every strategy except StrategyLocal.
	Content *string
}

var (
	// ErrContentRequired is returned when a resolution needs content but has none.
	ErrContentRequired = errors.New("resolution content required")

	// ErrUnknownStrategy is returned for an unrecognized resolution strategy.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// SyncError is one failed sync operation.
type SyncError struct {
	Path string
	Op   string
	Err  error
	Time time.Time
}

func (e SyncError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e SyncError) Unwrap() error {
	return e.Err
}

// Status is a snapshot of the manager's state.
type Status struct {
	IsActive    bool
	Root        string
	SyncedFiles int
	QueueSize   int
	Errors      []SyncError
	LastSync    time.Time
	Conflicts   []watcher.Conflict
}

// Config holds configuration for a Manager.
type Config struct {
	// Provider is the workspace file store. Required.
	Provider fsprovider.Provider

	// TextName is the document text bound to file content.
	// Default: collab.DefaultText
	TextName string

	// Logger for sync activity
	Logger *log.Logger
}

// Manager orchestrates sync for one workspace.
type Manager struct {
	provider fsprovider.Provider
	logger   *log.Logger
	fw       *watcher.FileWatcher

	mu       sync.Mutex
	active   bool
	root     string
	synced   map[string]struct{}
	errs     []SyncError
	lastSync time.Time
	resolver func(watcher.Conflict)
}

// New creates a Manager. Close must be called to release it.
func New(cfg Config) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	m := &Manager{
		provider: cfg.Provider,
		logger:   cfg.Logger,
		synced:   make(map[string]struct{}),
	}

	fw, err := watcher.New(watcher.Config{
		Provider:    cfg.Provider,
		Logger:      cfg.Logger,
		TextName:    cfg.TextName,
		OnProcessed: m.processed,
		OnConflict:  m.conflicted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	m.fw = fw
	return m, nil
}

// StartSync begins watching root recursively. It is a no-op while already
// active.
func (m *Manager) StartSync(ctx context.Context, root string) error {
	p := fsprovider.Resolve(root)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		if p != m.root {
			m.logger.Printf("Sync already active for %s, ignoring start for %s", m.root, p)
		}
		return nil
	}

	if err := m.fw.Watch(ctx, p, true); err != nil {
		return fmt.Errorf("failed to start sync: %w", err)
	}
	m.active = true
	m.root = p
	m.logger.Printf("Sync started for %s", p)
	return nil
}

// StopSync stops watching. Registered documents stay bound.
func (m *Manager) StopSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil
	}

	if err := m.fw.UnwatchAll(); err != nil {
		return fmt.Errorf("failed to stop sync: %w", err)
	}
	m.active = false
	m.logger.Printf("Sync stopped for %s", m.root)
	return nil
}

// IsActive reports whether the manager is watching a root.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RegisterDocument binds doc to the file at path.
func (m *Manager) RegisterDocument(path string, doc collab.Document) error {
	if err := m.fw.RegisterDocument(path, doc); err != nil {
		return fmt.Errorf("failed to register document: %w", err)
	}

	m.mu.Lock()
	m.synced[fsprovider.Resolve(path)] = struct{}{}
	n := len(m.synced)
	m.mu.Unlock()

	metrics.SetSyncedFiles(n)
	return nil
}

// UnregisterDocument unbinds the document at path.
func (m *Manager) UnregisterDocument(path string) error {
	p := fsprovider.Resolve(path)

	m.mu.Lock()
	delete(m.synced, p)
	n := len(m.synced)
	m.mu.Unlock()
	metrics.SetSyncedFiles(n)

	if err := m.fw.UnregisterDocument(p); err != nil {
		return fmt.Errorf("failed to unregister document: %w", err)
	}
	return nil
}

// SyncFile runs one forced sync pass for path and waits for it.
func (m *Manager) SyncFile(ctx context.Context, path string) error {
	if err := m.fw.SyncNow(ctx, path); err != nil {
		return fmt.Errorf("failed to sync %s: %w", fsprovider.Resolve(path), err)
	}
	return nil
}

// WaitIdle blocks until the sync queue is drained.
func (m *Manager) WaitIdle(ctx context.Context) error {
	return m.fw.WaitIdle(ctx)
}

// GetStatus returns a snapshot of the manager's state.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	st := Status{
		IsActive:    m.active,
		Root:        m.root,
		SyncedFiles: len(m.synced),
		Errors:      append([]SyncError(nil), m.errs...),
		LastSync:    m.lastSync,
	}
	m.mu.Unlock()

	st.QueueSize = m.fw.QueueSize()
	st.Conflicts = m.fw.Conflicts()
	return st
}

// SyncedFiles returns the paths with a registered document, sorted.
func (m *Manager) SyncedFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.synced))
	for p := range m.synced {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ClearErrors empties the accumulated error list.
func (m *Manager) ClearErrors() {
	m.mu.Lock()
	m.errs = nil
	m.mu.Unlock()
}

// Close stops syncing and releases the file watcher.
func (m *Manager) Close() error {
	if err := m.StopSync(); err != nil {
		m.logger.Printf("Error stopping sync: %v", err)
	}
	return m.fw.Close()
}

// processed runs on the watcher's queue goroutine after every operation.
func (m *Manager) processed(op watcher.SyncOperation, err error) {
	metrics.RecordSyncOperation(string(op.Type), string(op.Origin), err == nil)
	metrics.SetSyncQueueSize(m.fw.QueueSize())

	m.mu.Lock()
	defer m.mu.Unlock()

	if op.Type == watcher.OpFileDelete || op.Type == watcher.OpDirDelete || op.OldPath != "" {
		for p := range m.synced {
			if !m.fw.IsRegistered(p) {
				delete(m.synced, p)
			}
		}
		metrics.SetSyncedFiles(len(m.synced))
	}

	switch {
	case err == nil:
		m.lastSync = time.Now()
	case errors.Is(err, watcher.ErrConflict):
		// Reported through Conflicts and the resolver.
	default:
		m.errs = append(m.errs, SyncError{
			Path: op.Path,
			Op:   string(op.Type),
			Err:  err,
			Time: time.Now(),
		})
	}
}
