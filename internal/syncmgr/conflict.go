package syncmgr

import (
	"context"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/mschirtzinger/docsync/internal/fsprovider"
	"github.com/mschirtzinger/docsync/internal/metrics"
	"github.com/mschirtzinger/docsync/internal/watcher"
)

// Patches beyond this many diffs get semantic cleanup before PatchMake.
const diffCleanupThreshold = 2

// SetConflictResolver installs fn to be called for every detected conflict.
// fn runs on its own goroutine, so it may call ResolveConflict directly.
func (m *Manager) SetConflictResolver(fn func(watcher.Conflict)) {
	m.mu.Lock()
	m.resolver = fn
	m.mu.Unlock()
}

// PendingConflicts returns the conflicts awaiting resolution.
func (m *Manager) PendingConflicts() []watcher.Conflict {
	return m.fw.Conflicts()
}

// conflicted runs on the watcher's queue goroutine.
func (m *Manager) conflicted(c watcher.Conflict) {
	metrics.RecordConflict()
	metrics.SetConflictsPending(len(m.fw.Conflicts()))

	m.mu.Lock()
	fn := m.resolver
	m.mu.Unlock()

	if fn != nil {
		go fn(c)
	}
}

// ResolveConflict ends the conflict at path. StrategyLocal re-reads the file
// and treats it as authoritative; every other strategy uses res.Content. The
// chosen content is written through the provider and pushed into the
// document.
func (m *Manager) ResolveConflict(ctx context.Context, path string, res Resolution) (err error) {
	p := fsprovider.Resolve(path)
	defer func() {
		metrics.RecordConflictResolution(string(res.Strategy), err == nil)
		metrics.SetConflictsPending(len(m.fw.Conflicts()))
	}()

	var content string
	switch res.Strategy {
	case StrategyLocal:
		content, err = m.provider.ReadFile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to read local content for %s: %w", p, err)
		}
	case StrategyRemote, StrategyManual, StrategyMerge:
		if res.Content == nil {
			return fmt.Errorf("%s resolution for %s: %w", res.Strategy, p, ErrContentRequired)
		}
		content = *res.Content
	default:
		return fmt.Errorf("%q: %w", res.Strategy, ErrUnknownStrategy)
	}

	if err := m.fw.Resolve(ctx, p, content); err != nil {
		return fmt.Errorf("failed to resolve conflict at %s: %w", p, err)
	}
	m.logger.Printf("Resolved conflict at %s (%s)", p, res.Strategy)
	return nil
}

// MergeContents suggests a three-way merge: the changes from base to local are
// applied onto remote. clean is false when some hunk could not be placed; the
// merged text still contains every hunk that did apply.
func MergeContents(base, local, remote string) (merged string, clean bool) {
	if local == base {
		return remote, true
	}
	if remote == base || remote == local {
		return local, true
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(base, local, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	patches := dmp.PatchMake(base, diffs)
	merged, applied := dmp.PatchApply(patches, remote)
	clean = true
	for _, ok := range applied {
		if !ok {
			clean = false
		}
	}
	return merged, clean
}

// SuggestMerge returns MergeContents for the conflict c.
func SuggestMerge(c watcher.Conflict) (string, bool) {
	return MergeContents(c.Base, c.Local, c.Remote)
}
