// Package virtualfs implements fsprovider.Provider over the local sqlite store.
//
// Every entry is one JSON record in bucket "fs" keyed by its canonical path. The
// root directory always exists. Mutations are serialized by a provider lock and
// their watch events are published while the lock is held, so subscribers see
// events in mutation order.
package virtualfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mschirtzinger/docsync/internal/fsprovider"
	"github.com/mschirtzinger/docsync/internal/store"
)

const bucket = "fs"

func init() {
	fsprovider.Register(fsprovider.KindVirtual, open)
}

func open(opts fsprovider.Options) (fsprovider.Provider, error) {
	db, err := store.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}
	fs, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	fs.ownsDB = true
	return fs, nil
}

// record is the stored form of an entry.
type record struct {
	Type     fsprovider.EntryType `json:"type"`
	Content  string               `json:"content,omitempty"`
	Encoding string               `json:"encoding,omitempty"`
	Created  time.Time            `json:"created"`
	Modified time.Time            `json:"modified"`
}

func (r *record) entry(p string) fsprovider.Entry {
	e := fsprovider.Entry{
		Name:     fsprovider.Basename(p),
		Path:     p,
		Type:     r.Type,
		ModTime:  r.Modified,
		Encoding: r.Encoding,
		Permissions: fsprovider.Permissions{
			Readable: true,
			Writable: true,
		},
	}
	if r.Type == fsprovider.TypeFile {
		content := r.Content
		e.Content = &content
		e.Size = int64(len(content))
	} else {
		e.Permissions.Executable = true
	}
	return e
}

// FS is the virtual file system.
type FS struct {
	db     *store.DB
	ownsDB bool

	mu        sync.Mutex // serializes mutations and event publication
	broadcast *fsprovider.Broadcaster
}

var _ fsprovider.Provider = (*FS)(nil)

// New creates a virtual file system over db, creating the root if needed.
func New(db *store.DB) (*FS, error) {
	fs := &FS{db: db, broadcast: fsprovider.NewBroadcaster()}

	ctx := context.Background()
	ok, err := db.Has(ctx, bucket, "/")
	if err != nil {
		return nil, fmt.Errorf("failed to check root: %w", err)
	}
	if !ok {
		now := time.Now()
		if err := fs.put(ctx, db, "/", &record{Type: fsprovider.TypeDirectory, Created: now, Modified: now}); err != nil {
			return nil, fmt.Errorf("failed to create root: %w", err)
		}
	}
	return fs, nil
}

// Kind implements fsprovider.Provider.
func (fs *FS) Kind() fsprovider.Kind {
	return fsprovider.KindVirtual
}

// Close closes every watcher and, when the FS opened the store itself, the store.
func (fs *FS) Close() error {
	fs.broadcast.Close()
	if fs.ownsDB {
		return fs.db.Close()
	}
	return nil
}

type kvReader interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

type kvWriter interface {
	Put(ctx context.Context, bucket, key string, value []byte) error
}

func (fs *FS) get(ctx context.Context, r kvReader, p string) (*record, error) {
	data, err := r.Get(ctx, bucket, p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fsprovider.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt entry %s: %w", p, err)
	}
	return &rec, nil
}

func (fs *FS) put(ctx context.Context, w kvWriter, p string, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode entry %s: %w", p, err)
	}
	return w.Put(ctx, bucket, p, data)
}

func (fs *FS) publish(typ fsprovider.WatchEventType, p, oldPath string, rec *record) {
	ev := fsprovider.WatchEvent{Type: typ, Path: p, OldPath: oldPath, Timestamp: time.Now()}
	if rec != nil {
		e := rec.entry(p)
		ev.Entry = &e
	}
	fs.broadcast.Publish(ev)
}

// descendants returns the records strictly below dir, keyed by path.
func (fs *FS) descendants(ctx context.Context, dir string) (map[string]*record, error) {
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	items, err := fs.db.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*record, len(items))
	for _, item := range items {
		if item.Key == dir {
			continue
		}
		var rec record
		if err := json.Unmarshal(item.Value, &rec); err != nil {
			return nil, fmt.Errorf("corrupt entry %s: %w", item.Key, err)
		}
		out[item.Key] = &rec
	}
	return out, nil
}

// ReadFile implements fsprovider.Provider.
func (fs *FS) ReadFile(ctx context.Context, path string) (string, error) {
	p := fsprovider.Resolve(path)
	rec, err := fs.get(ctx, fs.db, p)
	if err != nil {
		return "", fsprovider.NewPathError("read", p, err)
	}
	if rec.Type != fsprovider.TypeFile {
		return "", fsprovider.NewPathError("read", p, fsprovider.ErrNotAFile)
	}
	return rec.Content, nil
}

// WriteFile implements fsprovider.Provider.
func (fs *FS) WriteFile(ctx context.Context, path, content string, opts fsprovider.WriteOptions) error {
	p := fsprovider.Resolve(path)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writeLocked(ctx, p, content, opts, "write")
}

func (fs *FS) writeLocked(ctx context.Context, p, content string, opts fsprovider.WriteOptions, op string) error {
	if p == "/" {
		return fsprovider.NewPathError(op, p, fsprovider.ErrNotAFile)
	}

	var (
		created []string
		rec     *record
		existed bool
	)
	err := fs.db.Update(ctx, func(tx *store.Tx) error {
		existing, err := fs.get(ctx, tx, p)
		switch {
		case err == nil:
			if existing.Type != fsprovider.TypeFile {
				return fsprovider.ErrNotAFile
			}
			if !opts.Overwrite {
				return fsprovider.ErrAlreadyExists
			}
			existed = true
		case !errors.Is(err, fsprovider.ErrNotFound):
			return err
		}

		created, err = fs.ensureParents(ctx, tx, fsprovider.Dirname(p), opts.CreateDirectories)
		if err != nil {
			return err
		}

		now := time.Now()
		rec = &record{Type: fsprovider.TypeFile, Content: content, Encoding: opts.Encoding, Created: now, Modified: now}
		if existed {
			rec.Created = existing.Created
			if rec.Encoding == "" {
				rec.Encoding = existing.Encoding
			}
		}
		return fs.put(ctx, tx, p, rec)
	})
	if err != nil {
		return fsprovider.NewPathError(op, p, err)
	}

	for _, dir := range created {
		fs.publish(fsprovider.EventCreated, dir, "", &record{Type: fsprovider.TypeDirectory})
	}
	if existed {
		fs.publish(fsprovider.EventModified, p, "", rec)
	} else {
		fs.publish(fsprovider.EventCreated, p, "", rec)
	}
	return nil
}

// ensureParents checks that dir exists as a directory, creating it and its
// missing ancestors when create is set. It returns the directories it created,
// outermost first.
func (fs *FS) ensureParents(ctx context.Context, tx *store.Tx, dir string, create bool) ([]string, error) {
	var missing []string
	for cur := dir; ; cur = fsprovider.Dirname(cur) {
		rec, err := fs.get(ctx, tx, cur)
		if err == nil {
			if rec.Type != fsprovider.TypeDirectory {
				return nil, fsprovider.ErrNotADirectory
			}
			break
		}
		if !errors.Is(err, fsprovider.ErrNotFound) {
			return nil, err
		}
		if !create {
			return nil, fsprovider.ErrNotFound
		}
		missing = append(missing, cur)
		if cur == "/" {
			break
		}
	}

	now := time.Now()
	created := make([]string, 0, len(missing))
	for i := len(missing) - 1; i >= 0; i-- {
		if err := fs.put(ctx, tx, missing[i], &record{Type: fsprovider.TypeDirectory, Created: now, Modified: now}); err != nil {
			return nil, err
		}
		created = append(created, missing[i])
	}
	return created, nil
}

// DeleteFile implements fsprovider.Provider.
func (fs *FS) DeleteFile(ctx context.Context, path string) error {
	p := fsprovider.Resolve(path)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, err := fs.get(ctx, fs.db, p)
	if err != nil {
		return fsprovider.NewPathError("delete", p, err)
	}
	if rec.Type != fsprovider.TypeFile {
		return fsprovider.NewPathError("delete", p, fsprovider.ErrNotAFile)
	}
	if err := fs.db.Delete(ctx, bucket, p); err != nil {
		return fsprovider.NewPathError("delete", p, err)
	}
	fs.publish(fsprovider.EventDeleted, p, "", nil)
	return nil
}

// CopyFile implements fsprovider.Provider.
func (fs *FS) CopyFile(ctx context.Context, src, dst string, overwrite bool) error {
	s, d := fsprovider.Resolve(src), fsprovider.Resolve(dst)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, err := fs.get(ctx, fs.db, s)
	if err != nil {
		return fsprovider.NewPathError("copy", s, err)
	}
	if rec.Type != fsprovider.TypeFile {
		return fsprovider.NewPathError("copy", s, fsprovider.ErrNotAFile)
	}
	if s == d {
		return nil
	}
	return fs.writeLocked(ctx, d, rec.Content, fsprovider.WriteOptions{Overwrite: overwrite, Encoding: rec.Encoding}, "copy")
}

// MoveFile implements fsprovider.Provider. Directories move with their subtree.
func (fs *FS) MoveFile(ctx context.Context, src, dst string, overwrite bool) error {
	s, d := fsprovider.Resolve(src), fsprovider.Resolve(dst)
	if s == "/" {
		return fsprovider.NewPathError("move", s, fsprovider.ErrInvalidPath)
	}
	if s == d {
		return nil
	}
	if fsprovider.IsWithin(d, s) {
		return fsprovider.NewPathError("move", d, fsprovider.ErrInvalidPath)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	var moved *record
	err := fs.db.Update(ctx, func(tx *store.Tx) error {
		rec, err := fs.get(ctx, tx, s)
		if err != nil {
			return err
		}
		existing, err := fs.get(ctx, tx, d)
		switch {
		case err == nil:
			if !overwrite || existing.Type != rec.Type || existing.Type == fsprovider.TypeDirectory {
				return fsprovider.ErrAlreadyExists
			}
		case !errors.Is(err, fsprovider.ErrNotFound):
			return err
		}
		if _, err := fs.ensureParents(ctx, tx, fsprovider.Dirname(d), false); err != nil {
			return err
		}

		if rec.Type == fsprovider.TypeDirectory {
			items, err := tx.List(ctx, bucket, s+"/")
			if err != nil {
				return err
			}
			for _, item := range items {
				if err := tx.Put(ctx, bucket, d+item.Key[len(s):], item.Value); err != nil {
					return err
				}
			}
			if _, err := tx.DeletePrefix(ctx, bucket, s+"/"); err != nil {
				return err
			}
		}

		rec.Modified = time.Now()
		if err := fs.put(ctx, tx, d, rec); err != nil {
			return err
		}
		moved = rec
		return tx.Delete(ctx, bucket, s)
	})
	if err != nil {
		return fsprovider.NewPathError("move", s, err)
	}

	fs.publish(fsprovider.EventRenamed, d, s, moved)
	return nil
}

// CreateDirectory implements fsprovider.Provider. An existing directory is an
// error unless recursive is set.
func (fs *FS) CreateDirectory(ctx context.Context, path string, recursive bool) error {
	p := fsprovider.Resolve(path)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	var created []string
	err := fs.db.Update(ctx, func(tx *store.Tx) error {
		existing, err := fs.get(ctx, tx, p)
		switch {
		case err == nil:
			if existing.Type != fsprovider.TypeDirectory {
				return fsprovider.ErrAlreadyExists
			}
			if !recursive {
				return fsprovider.ErrAlreadyExists
			}
			return nil
		case !errors.Is(err, fsprovider.ErrNotFound):
			return err
		}
		created, err = fs.ensureParents(ctx, tx, p, recursive)
		if errors.Is(err, fsprovider.ErrNotFound) {
			// Only the parent may be missing in non-recursive mode.
			if _, perr := fs.ensureParents(ctx, tx, fsprovider.Dirname(p), false); perr != nil {
				return perr
			}
			now := time.Now()
			created = []string{p}
			return fs.put(ctx, tx, p, &record{Type: fsprovider.TypeDirectory, Created: now, Modified: now})
		}
		return err
	})
	if err != nil {
		return fsprovider.NewPathError("mkdir", p, err)
	}

	for _, dir := range created {
		fs.publish(fsprovider.EventCreated, dir, "", &record{Type: fsprovider.TypeDirectory})
	}
	return nil
}

// DeleteDirectory implements fsprovider.Provider.
func (fs *FS) DeleteDirectory(ctx context.Context, path string, recursive bool) error {
	p := fsprovider.Resolve(path)
	if p == "/" {
		return fsprovider.NewPathError("rmdir", p, fsprovider.ErrInvalidPath)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, err := fs.get(ctx, fs.db, p)
	if err != nil {
		return fsprovider.NewPathError("rmdir", p, err)
	}
	if rec.Type != fsprovider.TypeDirectory {
		return fsprovider.NewPathError("rmdir", p, fsprovider.ErrNotADirectory)
	}

	children, err := fs.descendants(ctx, p)
	if err != nil {
		return fsprovider.NewPathError("rmdir", p, err)
	}
	if len(children) > 0 && !recursive {
		return fsprovider.NewPathError("rmdir", p, fsprovider.ErrNotEmpty)
	}

	entries := make([]fsprovider.Entry, 0, len(children))
	for cp, crec := range children {
		entries = append(entries, crec.entry(cp))
	}
	ordered := fsprovider.DeletionOrder(entries)

	err = fs.db.Update(ctx, func(tx *store.Tx) error {
		for _, e := range ordered {
			if err := tx.Delete(ctx, bucket, e.Path); err != nil {
				return err
			}
		}
		return tx.Delete(ctx, bucket, p)
	})
	if err != nil {
		return fsprovider.NewPathError("rmdir", p, err)
	}

	for _, e := range ordered {
		fs.publish(fsprovider.EventDeleted, e.Path, "", nil)
	}
	fs.publish(fsprovider.EventDeleted, p, "", nil)
	return nil
}

// ListDirectory implements fsprovider.Provider.
func (fs *FS) ListDirectory(ctx context.Context, path string, opts fsprovider.ListOptions) (*fsprovider.Listing, error) {
	p := fsprovider.Resolve(path)

	rec, err := fs.get(ctx, fs.db, p)
	if err != nil {
		return nil, fsprovider.NewPathError("list", p, err)
	}
	if rec.Type != fsprovider.TypeDirectory {
		return nil, fsprovider.NewPathError("list", p, fsprovider.ErrNotADirectory)
	}

	children, err := fs.descendants(ctx, p)
	if err != nil {
		return nil, fsprovider.NewPathError("list", p, err)
	}

	depth := fsprovider.Depth(p)
	entries := make([]fsprovider.Entry, 0, len(children))
	for cp, crec := range children {
		if !opts.Recursive && fsprovider.Depth(cp) != depth+1 {
			continue
		}
		if !opts.IncludeHidden && hiddenBelow(cp, p) {
			continue
		}
		entries = append(entries, crec.entry(cp))
	}
	return fsprovider.Paginate(entries, opts), nil
}

// hiddenBelow reports whether any element of p below dir is hidden, so a
// recursive listing does not descend into hidden directories.
func hiddenBelow(p, dir string) bool {
	for cur := p; cur != dir && cur != "/"; cur = fsprovider.Dirname(cur) {
		if fsprovider.IsHidden(cur) {
			return true
		}
	}
	return false
}

// Exists implements fsprovider.Provider.
func (fs *FS) Exists(ctx context.Context, path string) (bool, error) {
	return fs.db.Has(ctx, bucket, fsprovider.Resolve(path))
}

// GetStats implements fsprovider.Provider.
func (fs *FS) GetStats(ctx context.Context, path string) (*fsprovider.Entry, error) {
	p := fsprovider.Resolve(path)
	rec, err := fs.get(ctx, fs.db, p)
	if err != nil {
		return nil, fsprovider.NewPathError("stat", p, err)
	}
	e := rec.entry(p)
	return &e, nil
}

// GetFileSystemStats implements fsprovider.Provider. The root is not counted.
func (fs *FS) GetFileSystemStats(ctx context.Context) (*fsprovider.FileSystemStats, error) {
	all, err := fs.descendants(ctx, "/")
	if err != nil {
		return nil, err
	}
	stats := &fsprovider.FileSystemStats{}
	for _, rec := range all {
		if rec.Type == fsprovider.TypeDirectory {
			stats.TotalDirectories++
			continue
		}
		stats.TotalFiles++
		stats.TotalSize += int64(len(rec.Content))
	}
	return stats, nil
}

// WatchFile implements fsprovider.Provider.
func (fs *FS) WatchFile(ctx context.Context, path string) (fsprovider.Watcher, error) {
	return fs.broadcast.Subscribe(ctx, path, true, false), nil
}

// WatchDirectory implements fsprovider.Provider.
func (fs *FS) WatchDirectory(ctx context.Context, path string, recursive bool) (fsprovider.Watcher, error) {
	p := fsprovider.Resolve(path)
	rec, err := fs.get(ctx, fs.db, p)
	if err != nil {
		return nil, fsprovider.NewPathError("watch", p, err)
	}
	if rec.Type != fsprovider.TypeDirectory {
		return nil, fsprovider.NewPathError("watch", p, fsprovider.ErrNotADirectory)
	}
	return fs.broadcast.Subscribe(ctx, p, false, recursive), nil
}
