package watcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mschirtzinger/docsync/internal/fsprovider"
)

// Conflict describes a path whose file and document both moved away from the
// content they last agreed on.
type Conflict struct {
	Path string
	// Base is the last content file and document agreed on ("" if never).
	Base string
	// Local is the file content.
	Local string
	// Remote is the document content.
	Remote     string
	DetectedAt time.Time
}

// ConflictError reports a conflict. It matches ErrConflict.
type ConflictError struct {
	Conflict Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict at %s: file and document diverged", e.Conflict.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// raiseConflict blocks reg's path and reports the conflict. Runs on the queue
// goroutine.
func (fw *FileWatcher) raiseConflict(reg *registration, local, remote string) error {
	c := Conflict{
		Path:       reg.path,
		Base:       reg.base,
		Local:      local,
		Remote:     remote,
		DetectedAt: time.Now(),
	}
	reg.conflict = &c

	fw.mu.Lock()
	fw.conflicts[reg.path] = c
	fw.mu.Unlock()

	fw.logger.Printf("Conflict detected at %s", reg.path)
	if fw.config.OnConflict != nil {
		fw.config.OnConflict(c)
	}
	return &ConflictError{Conflict: c}
}

func (fw *FileWatcher) clearConflict(reg *registration) {
	reg.conflict = nil
	fw.mu.Lock()
	delete(fw.conflicts, reg.path)
	fw.mu.Unlock()
}

// Conflicts returns the conflicts awaiting resolution, ordered by path.
func (fw *FileWatcher) Conflicts() []Conflict {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	out := make([]Conflict, 0, len(fw.conflicts))
	for _, c := range fw.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Resolve ends the conflict at path (if any) with content: it is written to
// the file, applied to the document and becomes the new agreed content. It
// runs through the queue and waits for completion.
func (fw *FileWatcher) Resolve(ctx context.Context, path, content string) error {
	p := fsprovider.Resolve(path)
	if !fw.IsRegistered(p) {
		return fmt.Errorf("failed to resolve %s: %w", p, ErrNotRegistered)
	}
	op := &SyncOperation{
		Path:      p,
		Type:      OpFileChange,
		Origin:    OriginResolution,
		Content:   &content,
		Timestamp: time.Now(),
	}
	return fw.enqueueAndWait(ctx, op)
}
