package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/mschirtzinger/docsync/internal/remote"
)

const metaBucket = "meta"

func outboxBucket(key string) string {
	return "outbox/" + key
}

// Outbox is the durable remote.Outbox of one document. Entries live in bucket
// "outbox/<key>" under zero-padded ids so key order is append order; the id
// counter, relay cursor and client id live in bucket "meta".
type Outbox struct {
	db       *DB
	key      string
	clientID string

	mu sync.Mutex // serializes id allocation
}

var _ remote.Outbox = (*Outbox)(nil)

// NewOutbox opens the outbox of key, creating its client id on first use.
func NewOutbox(ctx context.Context, db *DB, key string) (*Outbox, error) {
	o := &Outbox{db: db, key: key}

	err := db.Update(ctx, func(tx *Tx) error {
		id, err := tx.Get(ctx, metaBucket, o.metaKey("client"))
		if errors.Is(err, ErrNotFound) {
			id = []byte(remote.NewClientID())
			err = tx.Put(ctx, metaBucket, o.metaKey("client"), id)
		}
		o.clientID = string(id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox %s: %w", key, err)
	}
	return o, nil
}

func (o *Outbox) metaKey(name string) string {
	return o.key + "/" + name
}

// ClientID implements remote.Outbox.
func (o *Outbox) ClientID() string {
	return o.clientID
}

// Append implements remote.Outbox.
func (o *Outbox) Append(ctx context.Context, data []byte) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var id uint64
	err := o.db.Update(ctx, func(tx *Tx) error {
		last, err := getUint(ctx, tx, o.metaKey("counter"))
		if err != nil {
			return err
		}
		id = last + 1
		if err := putUint(ctx, tx, o.metaKey("counter"), id); err != nil {
			return err
		}
		return tx.Put(ctx, outboxBucket(o.key), fmt.Sprintf("%020d", id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append to outbox %s: %w", o.key, err)
	}
	return id, nil
}

// Pending implements remote.Outbox.
func (o *Outbox) Pending(ctx context.Context) ([]remote.OutboxEntry, error) {
	items, err := o.db.List(ctx, outboxBucket(o.key), "")
	if err != nil {
		return nil, err
	}
	entries := make([]remote.OutboxEntry, 0, len(items))
	for _, item := range items {
		id, err := strconv.ParseUint(item.Key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt outbox key %q: %w", item.Key, err)
		}
		entries = append(entries, remote.OutboxEntry{ID: id, Data: item.Value})
	}
	return entries, nil
}

// Remove implements remote.Outbox.
func (o *Outbox) Remove(ctx context.Context, id uint64) error {
	return o.db.Delete(ctx, outboxBucket(o.key), fmt.Sprintf("%020d", id))
}

// Len returns the number of queued entries.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	return o.db.Count(ctx, outboxBucket(o.key), "")
}

// Cursor implements remote.Outbox.
func (o *Outbox) Cursor(ctx context.Context) (uint64, error) {
	return getUint(ctx, o.db, o.metaKey("cursor"))
}

// SetCursor implements remote.Outbox. The cursor never moves backwards.
func (o *Outbox) SetCursor(ctx context.Context, seq uint64) error {
	return o.db.Update(ctx, func(tx *Tx) error {
		cur, err := getUint(ctx, tx, o.metaKey("cursor"))
		if err != nil {
			return err
		}
		if seq <= cur {
			return nil
		}
		return putUint(ctx, tx, o.metaKey("cursor"), seq)
	})
}

type getter interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

func getUint(ctx context.Context, g getter, key string) (uint64, error) {
	b, err := g.Get(ctx, metaBucket, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("corrupt counter %s", key)
	}
	return binary.BigEndian.Uint64(b), nil
}

func putUint(ctx context.Context, tx *Tx, key string, v uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return tx.Put(ctx, metaBucket, key, b)
}
