package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/mschirtzinger/docsync/internal/collab"
)

const docsBucket = "docs"

// DocPersistence keeps one collaborative document durable in the local store.
//
// The stored snapshot is loaded asynchronously after construction; once it has
// been applied, WhenSynced returns and every later document update is written
// back. Updates applied by the persistence itself carry the *DocPersistence as
// their origin.
type DocPersistence struct {
	db     *DB
	key    string
	doc    collab.Document
	logger *log.Logger

	synced  chan struct{}
	syncErr error

	mu     sync.Mutex
	cancel func()
	closed bool

	ctx    context.Context
	stop   context.CancelFunc
	loadWg sync.WaitGroup
}

// NewDocPersistence starts loading the snapshot stored under key into doc.
// A nil logger logs to stderr.
func NewDocPersistence(db *DB, key string, doc collab.Document, logger *log.Logger) *DocPersistence {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	ctx, stop := context.WithCancel(context.Background())

	p := &DocPersistence{
		db:     db,
		key:    key,
		doc:    doc,
		logger: logger,
		synced: make(chan struct{}),
		ctx:    ctx,
		stop:   stop,
	}

	p.loadWg.Add(1)
	go p.load()
	return p
}

// Key returns the persistence key.
func (p *DocPersistence) Key() string {
	return p.key
}

func (p *DocPersistence) load() {
	defer p.loadWg.Done()
	defer close(p.synced)

	state, err := p.db.Get(p.ctx, docsBucket, p.key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		p.syncErr = fmt.Errorf("failed to load document %s: %w", p.key, err)
		return
	default:
		if err := p.doc.ApplyState(state, p); err != nil {
			p.syncErr = fmt.Errorf("failed to apply stored state of %s: %w", p.key, err)
			return
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.cancel = p.doc.Observe(p.handleUpdate)
	p.mu.Unlock()

	// Capture edits made while the snapshot was loading.
	if err := p.persist(); err != nil {
		p.logger.Printf("Failed to persist %s: %v", p.key, err)
	}
}

func (p *DocPersistence) handleUpdate(u collab.Update) {
	if u.Origin == p {
		return
	}
	if err := p.persist(); err != nil {
		p.logger.Printf("Failed to persist %s: %v", p.key, err)
	}
}

func (p *DocPersistence) persist() error {
	return p.db.Put(p.ctx, docsBucket, p.key, p.doc.EncodeState())
}

// Synced returns a channel closed once the stored snapshot has been applied
// (or loading failed).
func (p *DocPersistence) Synced() <-chan struct{} {
	return p.synced
}

// WhenSynced blocks until the stored snapshot has been applied.
func (p *DocPersistence) WhenSynced(ctx context.Context) error {
	select {
	case <-p.synced:
		return p.syncErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearData deletes the stored snapshot and the document's outbox and metadata.
func (p *DocPersistence) ClearData(ctx context.Context) error {
	return p.db.Update(ctx, func(tx *Tx) error {
		if err := tx.Delete(ctx, docsBucket, p.key); err != nil {
			return err
		}
		if _, err := tx.DeletePrefix(ctx, outboxBucket(p.key), ""); err != nil {
			return err
		}
		_, err := tx.DeletePrefix(ctx, metaBucket, p.key+"/")
		return err
	})
}

// Close stops observing the document. Safe to call multiple times.
func (p *DocPersistence) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()

	p.stop()
	p.loadWg.Wait()
	return nil
}
