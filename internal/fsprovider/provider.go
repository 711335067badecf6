// Package fsprovider defines the uniform contract over the file stores the sync
// engine keeps in step with collaborative documents.
//
// Two backends implement the contract:
//
//   - diskfs: a real on-disk tree rooted at a host directory, watched with fsnotify
//   - virtualfs: a virtual tree persisted in the local sqlite key-value store
//
// Backends register themselves with Register() from their init() functions and are
// selected at construction time with Open().
//
// All paths crossing this interface are canonical (see Resolve). The canonical path
// string is the unique key of an entry and the key the watcher uses for document
// registrations, so every caller computing the same logical location must produce
// byte-identical strings.
package fsprovider

import (
	"context"
	"time"
)

// EntryType distinguishes files from directories.
type EntryType string

const (
	// TypeFile is a regular file.
	TypeFile EntryType = "file"
	// TypeDirectory is a directory.
	TypeDirectory EntryType = "directory"
)

// Permissions describes what the current process may do with an entry.
type Permissions struct {
	Readable   bool `json:"readable"`
	Writable   bool `json:"writable"`
	Executable bool `json:"executable"`
}

// Entry is a snapshot of a file or directory.
type Entry struct {
	// Name is the base name of the entry ("" for the root).
	Name string `json:"name"`
	// Path is the canonical absolute path.
	Path string    `json:"path"`
	Type EntryType `json:"type"`
	// Size is the content length in bytes; always 0 for directories.
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	// Content is only populated by backends that keep content inline.
	Content     *string     `json:"content,omitempty"`
	Encoding    string      `json:"encoding,omitempty"`
	Permissions Permissions `json:"permissions"`
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Type == TypeDirectory
}

// Listing is one page of a directory listing.
type Listing struct {
	Entries []Entry
	// TotalCount is the number of matching entries before pagination.
	TotalCount int
	// HasMore is true when offset+limit < TotalCount.
	HasMore bool
}

// ListOptions controls ListDirectory.
type ListOptions struct {
	Recursive     bool
	IncludeHidden bool
	// Filter, when set, keeps only entries for which it returns true.
	Filter func(Entry) bool
	Offset int
	// Limit <= 0 means no limit.
	Limit int
}

// WriteOptions controls WriteFile.
type WriteOptions struct {
	// Overwrite allows replacing an existing file.
	Overwrite bool
	// CreateDirectories creates missing parent directories.
	CreateDirectories bool
	// Encoding is recorded on the entry (informational, content is stored as given).
	Encoding string
}

// FileSystemStats summarizes a store.
type FileSystemStats struct {
	TotalFiles       int
	TotalDirectories int
	TotalSize        int64
	// Capacity and Free are reported by backends that sit on a real volume.
	Capacity uint64
	Free     uint64
}

// WatchEventType is the kind of mutation a WatchEvent reports.
type WatchEventType string

const (
	EventCreated  WatchEventType = "created"
	EventModified WatchEventType = "modified"
	EventDeleted  WatchEventType = "deleted"
	EventRenamed  WatchEventType = "renamed"
)

// WatchEvent reports one mutation. Events for one path arrive in mutation order;
// there is no ordering guarantee across paths.
type WatchEvent struct {
	Type WatchEventType
	Path string
	// OldPath is set for renames.
	OldPath string
	// Entry is a snapshot taken when the event was produced; nil for deletes.
	Entry     *Entry
	Timestamp time.Time
}

// Watcher delivers watch events until closed.
type Watcher interface {
	// Events returns the event channel. It is closed by Close.
	Events() <-chan WatchEvent
	// Errors returns the error channel. It is closed by Close.
	Errors() <-chan error
	// Close stops the watch and releases its resources.
	Close() error
}

// Provider is the contract every file store backend satisfies.
type Provider interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string, opts WriteOptions) error
	DeleteFile(ctx context.Context, path string) error
	CopyFile(ctx context.Context, src, dst string, overwrite bool) error
	MoveFile(ctx context.Context, src, dst string, overwrite bool) error

	CreateDirectory(ctx context.Context, path string, recursive bool) error
	// DeleteDirectory removes a directory. With recursive set, children are removed
	// bottom-up: files before directories, deepest paths first.
	DeleteDirectory(ctx context.Context, path string, recursive bool) error
	ListDirectory(ctx context.Context, path string, opts ListOptions) (*Listing, error)

	Exists(ctx context.Context, path string) (bool, error)
	GetStats(ctx context.Context, path string) (*Entry, error)
	GetFileSystemStats(ctx context.Context) (*FileSystemStats, error)

	WatchFile(ctx context.Context, path string) (Watcher, error)
	WatchDirectory(ctx context.Context, path string, recursive bool) (Watcher, error)

	// Kind names the backend.
	Kind() Kind
	Close() error
}
