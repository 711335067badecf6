// Package diskfs implements fsprovider.Provider over a real directory tree.
//
// Canonical path "/a/b" maps to "<root>/a/b". All I/O goes through an afero
// BasePathFs rooted at the host directory, so no canonical path can reach
// outside it. Watching uses fsnotify with directories added recursively.
package diskfs

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"

	"github.com/mschirtzinger/docsync/internal/fsprovider"
)

func init() {
	fsprovider.Register(fsprovider.KindDisk, func(opts fsprovider.Options) (fsprovider.Provider, error) {
		return New(opts.Root)
	})
}

// FS is the on-disk file system.
type FS struct {
	root string
	fs   afero.Fs
}

var _ fsprovider.Provider = (*FS)(nil)

// New creates a provider rooted at root, creating the directory if needed.
func New(root string) (*FS, error) {
	if root == "" {
		return nil, errors.New("root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, err
	}
	return &FS{
		root: abs,
		fs:   afero.NewBasePathFs(afero.NewOsFs(), abs),
	}, nil
}

// Root returns the host directory "/" maps to.
func (d *FS) Root() string {
	return d.root
}

// Kind implements fsprovider.Provider.
func (d *FS) Kind() fsprovider.Kind {
	return fsprovider.KindDisk
}

// Close implements fsprovider.Provider. Watchers are closed by their owners.
func (d *FS) Close() error {
	return nil
}

// hostPath maps a canonical path to the host file system.
func (d *FS) hostPath(p string) string {
	return filepath.Join(d.root, filepath.FromSlash(p))
}

// canonical maps a host path back to its canonical form.
func (d *FS) canonical(host string) (string, bool) {
	rel, err := filepath.Rel(d.root, host)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return fsprovider.Resolve(filepath.ToSlash(rel)), true
}

// mapErr translates OS errors into the provider's sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, iofs.ErrNotExist):
		return fsprovider.ErrNotFound
	case errors.Is(err, iofs.ErrExist):
		return fsprovider.ErrAlreadyExists
	case errors.Is(err, syscall.ENOTDIR):
		return fsprovider.ErrNotADirectory
	case errors.Is(err, syscall.ENOTEMPTY):
		return fsprovider.ErrNotEmpty
	case errors.Is(err, syscall.EISDIR):
		return fsprovider.ErrNotAFile
	}
	return err
}

func (d *FS) entry(p string, fi iofs.FileInfo) fsprovider.Entry {
	e := fsprovider.Entry{
		Name:    fsprovider.Basename(p),
		Path:    p,
		Type:    fsprovider.TypeFile,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Permissions: fsprovider.Permissions{
			Readable:   fi.Mode().Perm()&0400 != 0,
			Writable:   fi.Mode().Perm()&0200 != 0,
			Executable: fi.Mode().Perm()&0100 != 0,
		},
	}
	if fi.IsDir() {
		e.Type = fsprovider.TypeDirectory
		e.Size = 0
	}
	return e
}

func (d *FS) stat(p string) (iofs.FileInfo, error) {
	fi, err := d.fs.Stat(p)
	return fi, mapErr(err)
}

// ReadFile implements fsprovider.Provider.
func (d *FS) ReadFile(_ context.Context, path string) (string, error) {
	p := fsprovider.Resolve(path)
	fi, err := d.stat(p)
	if err != nil {
		return "", fsprovider.NewPathError("read", p, err)
	}
	if fi.IsDir() {
		return "", fsprovider.NewPathError("read", p, fsprovider.ErrNotAFile)
	}
	data, err := afero.ReadFile(d.fs, p)
	if err != nil {
		return "", fsprovider.NewPathError("read", p, mapErr(err))
	}
	return string(data), nil
}

// WriteFile implements fsprovider.Provider.
func (d *FS) WriteFile(_ context.Context, path, content string, opts fsprovider.WriteOptions) error {
	p := fsprovider.Resolve(path)
	if err := d.write(p, content, opts); err != nil {
		return fsprovider.NewPathError("write", p, err)
	}
	return nil
}

func (d *FS) write(p, content string, opts fsprovider.WriteOptions) error {
	if p == "/" {
		return fsprovider.ErrNotAFile
	}

	fi, err := d.stat(p)
	switch {
	case err == nil:
		if fi.IsDir() {
			return fsprovider.ErrNotAFile
		}
		if !opts.Overwrite {
			return fsprovider.ErrAlreadyExists
		}
	case !errors.Is(err, fsprovider.ErrNotFound):
		return err
	}

	if err := d.ensureParent(p, opts.CreateDirectories); err != nil {
		return err
	}
	return mapErr(afero.WriteFile(d.fs, p, []byte(content), 0644))
}

func (d *FS) ensureParent(p string, create bool) error {
	parent := fsprovider.Dirname(p)
	fi, err := d.stat(parent)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fsprovider.ErrNotADirectory
		}
		return nil
	case !errors.Is(err, fsprovider.ErrNotFound):
		return err
	case !create:
		return fsprovider.ErrNotFound
	}
	return mapErr(d.fs.MkdirAll(parent, 0755))
}

// DeleteFile implements fsprovider.Provider.
func (d *FS) DeleteFile(_ context.Context, path string) error {
	p := fsprovider.Resolve(path)
	fi, err := d.stat(p)
	if err != nil {
		return fsprovider.NewPathError("delete", p, err)
	}
	if fi.IsDir() {
		return fsprovider.NewPathError("delete", p, fsprovider.ErrNotAFile)
	}
	if err := d.fs.Remove(p); err != nil {
		return fsprovider.NewPathError("delete", p, mapErr(err))
	}
	return nil
}

// CopyFile implements fsprovider.Provider.
func (d *FS) CopyFile(ctx context.Context, src, dst string, overwrite bool) error {
	s, t := fsprovider.Resolve(src), fsprovider.Resolve(dst)
	content, err := d.ReadFile(ctx, s)
	if err != nil {
		return err
	}
	if s == t {
		return nil
	}
	if err := d.write(t, content, fsprovider.WriteOptions{Overwrite: overwrite}); err != nil {
		return fsprovider.NewPathError("copy", t, err)
	}
	return nil
}

// MoveFile implements fsprovider.Provider. Directories move with their subtree.
func (d *FS) MoveFile(_ context.Context, src, dst string, overwrite bool) error {
	s, t := fsprovider.Resolve(src), fsprovider.Resolve(dst)
	if s == "/" {
		return fsprovider.NewPathError("move", s, fsprovider.ErrInvalidPath)
	}
	if s == t {
		return nil
	}
	if fsprovider.IsWithin(t, s) {
		return fsprovider.NewPathError("move", t, fsprovider.ErrInvalidPath)
	}

	sfi, err := d.stat(s)
	if err != nil {
		return fsprovider.NewPathError("move", s, err)
	}
	tfi, err := d.stat(t)
	switch {
	case err == nil:
		if !overwrite || tfi.IsDir() || sfi.IsDir() {
			return fsprovider.NewPathError("move", t, fsprovider.ErrAlreadyExists)
		}
	case !errors.Is(err, fsprovider.ErrNotFound):
		return fsprovider.NewPathError("move", t, err)
	}
	if err := d.ensureParent(t, false); err != nil {
		return fsprovider.NewPathError("move", t, err)
	}
	if err := d.fs.Rename(s, t); err != nil {
		return fsprovider.NewPathError("move", s, mapErr(err))
	}
	return nil
}

// CreateDirectory implements fsprovider.Provider. An existing directory is an
// error unless recursive is set.
func (d *FS) CreateDirectory(_ context.Context, path string, recursive bool) error {
	p := fsprovider.Resolve(path)
	fi, err := d.stat(p)
	switch {
	case err == nil:
		if fi.IsDir() && recursive {
			return nil
		}
		return fsprovider.NewPathError("mkdir", p, fsprovider.ErrAlreadyExists)
	case !errors.Is(err, fsprovider.ErrNotFound):
		return fsprovider.NewPathError("mkdir", p, err)
	}

	if recursive {
		err = d.fs.MkdirAll(p, 0755)
	} else if err = d.ensureParent(p, false); err == nil {
		err = d.fs.Mkdir(p, 0755)
	}
	if err != nil {
		return fsprovider.NewPathError("mkdir", p, mapErr(err))
	}
	return nil
}

// walk returns the entries strictly below dir. When skipHidden is set, hidden
// entries and everything below hidden directories are left out.
func (d *FS) walk(dir string, recursive, skipHidden bool) ([]fsprovider.Entry, error) {
	var entries []fsprovider.Entry
	err := afero.Walk(d.fs, dir, func(name string, fi iofs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// BasePathFs walks with paths relative to its base.
		p := fsprovider.Resolve(filepath.ToSlash(name))
		if p == dir {
			return nil
		}
		if skipHidden && fsprovider.IsHidden(p) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		entries = append(entries, d.entry(p, fi))
		if fi.IsDir() && !recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return entries, nil
}

// DeleteDirectory implements fsprovider.Provider.
func (d *FS) DeleteDirectory(_ context.Context, path string, recursive bool) error {
	p := fsprovider.Resolve(path)
	if p == "/" {
		return fsprovider.NewPathError("rmdir", p, fsprovider.ErrInvalidPath)
	}

	fi, err := d.stat(p)
	if err != nil {
		return fsprovider.NewPathError("rmdir", p, err)
	}
	if !fi.IsDir() {
		return fsprovider.NewPathError("rmdir", p, fsprovider.ErrNotADirectory)
	}

	children, err := d.walk(p, true, false)
	if err != nil {
		return fsprovider.NewPathError("rmdir", p, err)
	}
	if len(children) > 0 && !recursive {
		return fsprovider.NewPathError("rmdir", p, fsprovider.ErrNotEmpty)
	}

	for _, e := range fsprovider.DeletionOrder(children) {
		if err := d.fs.Remove(e.Path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			return fsprovider.NewPathError("rmdir", e.Path, mapErr(err))
		}
	}
	if err := d.fs.Remove(p); err != nil {
		return fsprovider.NewPathError("rmdir", p, mapErr(err))
	}
	return nil
}

// ListDirectory implements fsprovider.Provider.
func (d *FS) ListDirectory(_ context.Context, path string, opts fsprovider.ListOptions) (*fsprovider.Listing, error) {
	p := fsprovider.Resolve(path)
	fi, err := d.stat(p)
	if err != nil {
		return nil, fsprovider.NewPathError("list", p, err)
	}
	if !fi.IsDir() {
		return nil, fsprovider.NewPathError("list", p, fsprovider.ErrNotADirectory)
	}

	entries, err := d.walk(p, opts.Recursive, !opts.IncludeHidden)
	if err != nil {
		return nil, fsprovider.NewPathError("list", p, err)
	}
	return fsprovider.Paginate(entries, opts), nil
}

// Exists implements fsprovider.Provider.
func (d *FS) Exists(_ context.Context, path string) (bool, error) {
	_, err := d.stat(fsprovider.Resolve(path))
	if errors.Is(err, fsprovider.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetStats implements fsprovider.Provider.
func (d *FS) GetStats(_ context.Context, path string) (*fsprovider.Entry, error) {
	p := fsprovider.Resolve(path)
	fi, err := d.stat(p)
	if err != nil {
		return nil, fsprovider.NewPathError("stat", p, err)
	}
	e := d.entry(p, fi)
	return &e, nil
}

// GetFileSystemStats implements fsprovider.Provider. Capacity and Free describe
// the volume holding the root.
func (d *FS) GetFileSystemStats(_ context.Context) (*fsprovider.FileSystemStats, error) {
	entries, err := d.walk("/", true, false)
	if err != nil {
		return nil, err
	}
	stats := &fsprovider.FileSystemStats{}
	for _, e := range entries {
		if e.IsDir() {
			stats.TotalDirectories++
			continue
		}
		stats.TotalFiles++
		stats.TotalSize += e.Size
	}

	capacity, free, err := volumeStats(d.root)
	if err != nil {
		return nil, err
	}
	stats.Capacity, stats.Free = capacity, free
	return stats, nil
}
