package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/mschirtzinger/docsync/internal/fsprovider"
)

var writeBack = fsprovider.WriteOptions{Overwrite: true, CreateDirectories: true}

// enqueue appends op to the sync queue and wakes the queue goroutine.
func (fw *FileWatcher) enqueue(op *SyncOperation) bool {
	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return false
	}
	fw.queue = append(fw.queue, op)
	if !fw.busy {
		fw.busy = true
		fw.idle = make(chan struct{})
	}
	fw.mu.Unlock()

	select {
	case fw.wake <- struct{}{}:
	default:
	}
	return true
}

func (fw *FileWatcher) enqueueAndWait(ctx context.Context, op *SyncOperation) error {
	op.done = make(chan error, 1)
	if !fw.enqueue(op) {
		return ErrClosed
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueSize returns the number of operations waiting to be processed.
func (fw *FileWatcher) QueueSize() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.queue)
}

// WaitIdle blocks until the queue is empty and no operation is running.
func (fw *FileWatcher) WaitIdle(ctx context.Context) error {
	fw.mu.Lock()
	idle := fw.idle
	fw.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next pops the head of the queue, or marks the queue idle and returns nil.
func (fw *FileWatcher) next() *SyncOperation {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if len(fw.queue) == 0 {
		if fw.busy {
			fw.busy = false
			close(fw.idle)
		}
		return nil
	}
	op := fw.queue[0]
	fw.queue[0] = nil
	fw.queue = fw.queue[1:]
	return op
}

// run drains the queue one operation at a time until Close.
func (fw *FileWatcher) run() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return
		default:
		}

		op := fw.next()
		if op == nil {
			select {
			case <-fw.wake:
				continue
			case <-fw.done:
				return
			}
		}

		err := fw.process(op)
		if err != nil {
			fw.logger.Printf("Failed to process %s %s (%s): %v", op.Type, op.Path, op.Origin, err)
		}
		if fw.config.OnProcessed != nil {
			fw.config.OnProcessed(*op, err)
		}
		if op.done != nil {
			op.done <- err
		}
	}
}

// process runs one operation to completion.
func (fw *FileWatcher) process(op *SyncOperation) error {
	switch op.Origin {
	case OriginDocument:
		return fw.processDocument(op)
	case OriginRegistration:
		return fw.processRegistration(op)
	case OriginResolution:
		return fw.processResolution(op)
	}

	switch op.Type {
	case OpFileDelete:
		fw.remove(op.Path)
		return nil
	case OpDirDelete:
		fw.removeTree(op.Path)
		return nil
	case OpDirCreate:
		if op.OldPath != "" {
			fw.removeTree(op.OldPath)
		}
		fw.mu.Lock()
		fw.dirs[op.Path] = struct{}{}
		fw.mu.Unlock()
		return nil
	}

	if op.OldPath != "" {
		fw.remove(op.OldPath)
	}
	return fw.processFile(op)
}

// processDocument writes the document's current text to its file.
func (fw *FileWatcher) processDocument(op *SyncOperation) error {
	reg := fw.lookup(op.Path)
	if reg == nil {
		return nil
	}
	if reg.conflict != nil {
		fw.logger.Printf("Skipping write of %s: conflict awaiting resolution", op.Path)
		return nil
	}

	content := reg.text().String()
	if reg.hasBase && content == reg.base {
		return nil
	}

	disk, err := fw.provider.ReadFile(context.Background(), op.Path)
	switch {
	case errors.Is(err, fsprovider.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to read file: %w", err)
	case disk == content:
		reg.base, reg.hasBase = disk, true
		return nil
	case !reg.hasBase || disk != reg.base:
		// The file moved on too and its event has not been processed yet.
		return fw.raiseConflict(reg, disk, content)
	}
	return fw.writeFile(reg, content)
}

func (fw *FileWatcher) writeFile(reg *registration, content string) error {
	if err := fw.provider.WriteFile(context.Background(), reg.path, content, writeBack); err != nil {
		return fmt.Errorf("failed to write document to file: %w", err)
	}
	reg.base, reg.hasBase = content, true
	return nil
}

// processFile reconciles a registered document with its changed file.
func (fw *FileWatcher) processFile(op *SyncOperation) error {
	reg := fw.lookup(op.Path)
	if reg == nil {
		return nil
	}
	if reg.conflict != nil {
		if op.force {
			return &ConflictError{Conflict: *reg.conflict}
		}
		fw.logger.Printf("Skipping %s of %s: conflict awaiting resolution", op.Type, op.Path)
		return nil
	}

	disk, err := fw.provider.ReadFile(context.Background(), op.Path)
	if errors.Is(err, fsprovider.ErrNotFound) {
		if op.force {
			// The file is gone but the document is bound: recreate it.
			return fw.writeFile(reg, reg.text().String())
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	doc := reg.text().String()
	switch {
	case disk == doc:
		reg.base, reg.hasBase = disk, true
		return nil
	case reg.hasBase && disk == reg.base:
		// Our own write coming back, or a forced pass with document edits.
		if op.force {
			return fw.writeFile(reg, doc)
		}
		return nil
	case reg.hasBase && doc != reg.base:
		return fw.raiseConflict(reg, disk, doc)
	case !reg.hasBase && doc != "":
		return fw.raiseConflict(reg, disk, doc)
	}

	if reg.applyContent(doc, disk) {
		reg.base, reg.hasBase = disk, true
	}
	return nil
}

// processRegistration completes RegisterDocument.
func (fw *FileWatcher) processRegistration(op *SyncOperation) error {
	reg := fw.lookup(op.Path)
	if reg == nil {
		return nil
	}

	doc := reg.text().String()
	disk, err := fw.provider.ReadFile(context.Background(), op.Path)
	switch {
	case errors.Is(err, fsprovider.ErrNotFound):
		if doc == "" {
			return nil
		}
		return fw.writeFile(reg, doc)
	case err != nil:
		return fmt.Errorf("failed to read file: %w", err)
	case doc == disk:
		reg.base, reg.hasBase = disk, true
		return nil
	case doc == "":
		if reg.applyContent(doc, disk) {
			reg.base, reg.hasBase = disk, true
		}
		return nil
	}
	return fw.raiseConflict(reg, disk, doc)
}

// processResolution writes the chosen content to the file, pushes it into the
// document and unblocks the path.
func (fw *FileWatcher) processResolution(op *SyncOperation) error {
	reg := fw.lookup(op.Path)
	if reg == nil {
		return ErrNotRegistered
	}
	if op.Content == nil {
		return fmt.Errorf("resolution for %s carries no content", op.Path)
	}
	content := *op.Content

	if err := fw.provider.WriteFile(context.Background(), op.Path, content, writeBack); err != nil {
		return fmt.Errorf("failed to write resolved content: %w", err)
	}
	fw.clearConflict(reg)
	reg.forceContent(content)
	reg.base, reg.hasBase = content, true
	return nil
}
