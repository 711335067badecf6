package remote

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
)

// OutboxEntry is one local update waiting for the relay's ack.
type OutboxEntry struct {
	ID   uint64
	Data []byte
}

// Outbox queues local updates until the relay acknowledges them and remembers
// the last relay sequence the client has applied.
//
// store.Outbox is the durable implementation; MemoryOutbox loses everything on
// restart.
type Outbox interface {
	// ClientID identifies this replica to the relay. It must be stable for the
	// lifetime of the outbox so resends are deduplicated.
	ClientID() string
	Append(ctx context.Context, data []byte) (uint64, error)
	// Pending returns the queued entries in append order.
	Pending(ctx context.Context) ([]OutboxEntry, error)
	Remove(ctx context.Context, id uint64) error
	Cursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, seq uint64) error
}

// MemoryOutbox is an in-memory Outbox.
type MemoryOutbox struct {
	mu       sync.Mutex
	clientID string
	nextID   uint64
	entries  map[uint64][]byte
	cursor   uint64
}

// NewMemoryOutbox creates an empty outbox with a random client id.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		clientID: NewClientID(),
		entries:  make(map[uint64][]byte),
	}
}

// NewClientID returns a random 16-byte hex identifier.
func NewClientID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (o *MemoryOutbox) ClientID() string {
	return o.clientID
}

func (o *MemoryOutbox) Append(_ context.Context, data []byte) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	o.entries[o.nextID] = append([]byte(nil), data...)
	return o.nextID, nil
}

func (o *MemoryOutbox) Pending(_ context.Context) ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pending := make([]OutboxEntry, 0, len(o.entries))
	for id, data := range o.entries {
		pending = append(pending, OutboxEntry{ID: id, Data: data})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return pending, nil
}

func (o *MemoryOutbox) Remove(_ context.Context, id uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, id)
	return nil
}

func (o *MemoryOutbox) Cursor(_ context.Context) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cursor, nil
}

func (o *MemoryOutbox) SetCursor(_ context.Context, seq uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq > o.cursor {
		o.cursor = seq
	}
	return nil
}
