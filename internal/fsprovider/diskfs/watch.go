package diskfs

import (
	"context"
	"fmt"
	iofs "io/fs"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/mschirtzinger/docsync/internal/fsprovider"
)

// watch adapts an fsnotify watcher to fsprovider.Watcher.
//
// fsnotify does not watch recursively, so a recursive watch adds every
// directory below its scope up front and each new directory as it appears. A
// file watch observes the parent directory so that a removed and re-created
// file keeps producing events.
type watch struct {
	d         *FS
	watcher   *fsnotify.Watcher
	scope     string
	exact     bool
	recursive bool

	events chan fsprovider.WatchEvent
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// WatchFile implements fsprovider.Provider. The parent directory must exist.
func (d *FS) WatchFile(ctx context.Context, path string) (fsprovider.Watcher, error) {
	p := fsprovider.Resolve(path)
	parent := fsprovider.Dirname(p)
	fi, err := d.stat(parent)
	if err != nil {
		return nil, fsprovider.NewPathError("watch", p, err)
	}
	if !fi.IsDir() {
		return nil, fsprovider.NewPathError("watch", p, fsprovider.ErrNotADirectory)
	}
	return d.startWatch(ctx, p, []string{parent}, true, false)
}

// WatchDirectory implements fsprovider.Provider.
func (d *FS) WatchDirectory(ctx context.Context, path string, recursive bool) (fsprovider.Watcher, error) {
	p := fsprovider.Resolve(path)
	fi, err := d.stat(p)
	if err != nil {
		return nil, fsprovider.NewPathError("watch", p, err)
	}
	if !fi.IsDir() {
		return nil, fsprovider.NewPathError("watch", p, fsprovider.ErrNotADirectory)
	}

	dirs := []string{p}
	if recursive {
		sub, err := d.subdirectories(p)
		if err != nil {
			return nil, fsprovider.NewPathError("watch", p, err)
		}
		dirs = append(dirs, sub...)
	}
	return d.startWatch(ctx, p, dirs, false, recursive)
}

func (d *FS) subdirectories(dir string) ([]string, error) {
	var dirs []string
	err := afero.Walk(d.fs, dir, func(name string, fi iofs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		p := fsprovider.Resolve(name)
		if fi.IsDir() && p != dir {
			dirs = append(dirs, p)
		}
		return nil
	})
	return dirs, mapErr(err)
}

func (d *FS) startWatch(ctx context.Context, scope string, dirs []string, exact, recursive bool) (*watch, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	for _, dir := range dirs {
		if err := fw.Add(d.hostPath(dir)); err != nil {
			// Release the handles of the directories added so far.
			_ = fw.Close()
			return nil, fsprovider.NewPathError("watch", dir, mapErr(err))
		}
	}

	w := &watch{
		d:         d,
		watcher:   fw,
		scope:     scope,
		exact:     exact,
		recursive: recursive,
		events:    make(chan fsprovider.WatchEvent, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				w.Close()
			case <-w.done:
			}
		}()
	}
	return w, nil
}

func (w *watch) Events() <-chan fsprovider.WatchEvent { return w.events }

func (w *watch) Errors() <-chan error { return w.errors }

// Close stops the watch. It blocks until the event loop has exited.
func (w *watch) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		w.wg.Wait()
		close(w.events)
		close(w.errors)
	})
	return err
}

// processEvents converts fsnotify events until the watch is closed.
func (w *watch) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			ev, ok := w.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case w.events <- ev:
			case <-w.done:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a WatchEvent. Renames surface as a
// delete of the old name; the new name arrives as a create. Chmod is ignored.
func (w *watch) convertEvent(event fsnotify.Event) (fsprovider.WatchEvent, bool) {
	p, ok := w.d.canonical(event.Name)
	if !ok || !fsprovider.InScope(p, w.scope, w.exact, w.recursive) {
		return fsprovider.WatchEvent{}, false
	}

	ev := fsprovider.WatchEvent{Path: p, Timestamp: time.Now()}
	switch {
	case event.Has(fsnotify.Create):
		ev.Type = fsprovider.EventCreated
	case event.Has(fsnotify.Write):
		ev.Type = fsprovider.EventModified
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		ev.Type = fsprovider.EventDeleted
		return ev, true
	default:
		return fsprovider.WatchEvent{}, false
	}

	fi, err := w.d.fs.Stat(p)
	if err != nil {
		// Gone again before we looked; a delete event follows.
		return fsprovider.WatchEvent{}, false
	}
	e := w.d.entry(p, fi)
	ev.Entry = &e

	if fi.IsDir() && w.recursive && ev.Type == fsprovider.EventCreated {
		w.addTree(p)
	}
	return ev, true
}

// addTree starts watching a new directory and everything already below it.
func (w *watch) addTree(dir string) {
	dirs, err := w.d.subdirectories(dir)
	if err != nil {
		w.report(err)
		return
	}
	for _, p := range append([]string{dir}, dirs...) {
		if err := w.watcher.Add(w.d.hostPath(p)); err != nil {
			w.report(fsprovider.NewPathError("watch", p, mapErr(err)))
		}
	}
}

func (w *watch) report(err error) {
	select {
	case w.errors <- err:
	default:
	}
}
