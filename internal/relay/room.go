package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/docsync/internal/metrics"
	"github.com/mschirtzinger/docsync/internal/store"
	"github.com/mschirtzinger/docsync/internal/wire"
)

// entry is one stored update in a room log.
type entry struct {
	Seq    uint64    `json:"seq"`
	Client string    `json:"client"`
	ID     uint64    `json:"id"`
	Data   []byte    `json:"data"`
	At     time.Time `json:"at"`
}

func roomBucket(name string) string {
	return "relay/" + name
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// room is one shared document: an ordered update log and its live members.
// All log changes and member writes happen under mu, so every member sees
// messages in sequence order.
type room struct {
	name string
	db   *store.DB

	mu      sync.Mutex
	seq     uint64
	log     []entry
	seen    map[string]map[uint64]uint64 // client -> update id -> seq
	members map[*peer]struct{}
}

func newRoom(name string, db *store.DB) *room {
	return &room{
		name:    name,
		db:      db,
		seen:    make(map[string]map[uint64]uint64),
		members: make(map[*peer]struct{}),
	}
}

// load restores the room log from the store.
func (r *room) load(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	items, err := r.db.List(ctx, roomBucket(r.name), "")
	if err != nil {
		return fmt.Errorf("failed to load room %s: %w", r.name, err)
	}
	for _, it := range items {
		var e entry
		if err := json.Unmarshal(it.Value, &e); err != nil {
			return fmt.Errorf("failed to decode room %s entry %s: %w", r.name, it.Key, err)
		}
		r.record(e)
	}
	return nil
}

func (r *room) record(e entry) {
	r.log = append(r.log, e)
	if e.Seq > r.seq {
		r.seq = e.Seq
	}
	ids := r.seen[e.Client]
	if ids == nil {
		ids = make(map[uint64]uint64)
		r.seen[e.Client] = ids
	}
	ids[e.ID] = e.Seq
}

// join replays the log after since to p, then adds p as a member. The
// replay skips p's own updates.
//
// The replay runs in rounds with the lock released, waiting on p's buffer
// rather than dropping p. The round that finds nothing left to send marks the
// end of the replay and adds p under the lock, so live updates follow it in
// sequence order.
func (r *room) join(ctx context.Context, p *peer, since uint64) error {
	cursor := since
	for {
		r.mu.Lock()
		i := sort.Search(len(r.log), func(i int) bool { return r.log[i].Seq > cursor })
		pending := r.log[i:len(r.log):len(r.log)]
		if len(pending) == 0 {
			p.send(wire.Synced(r.seq))
			r.members[p] = struct{}{}
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		for _, e := range pending {
			cursor = e.Seq
			if e.Client == p.client {
				continue
			}
			m := wire.Message{Type: wire.TypeUpdate, Client: e.Client, Seq: e.Seq, Data: e.Data}
			if err := p.sendWait(ctx, m); err != nil {
				return fmt.Errorf("replay interrupted at seq %d: %w", e.Seq, err)
			}
		}
	}
}

// leave removes p and tells the others its presence is gone.
func (r *room) leave(p *peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[p]; !ok {
		return len(r.members)
	}
	delete(r.members, p)
	r.broadcastLocked(p, wire.Awareness(p.client, nil))
	return len(r.members)
}

// update stores an update from p, acks it and forwards it to the other
// members. A resend of an update already stored is only acked.
func (r *room) update(ctx context.Context, p *peer, id uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq, ok := r.seen[p.client][id]; ok && id != 0 {
		metrics.RecordRelayDuplicate()
		p.send(wire.Ack(id, seq))
		return nil
	}

	e := entry{
		Seq:    r.seq + 1,
		Client: p.client,
		ID:     id,
		Data:   data,
		At:     time.Now(),
	}
	if r.db != nil {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
		if err := r.db.Put(ctx, roomBucket(r.name), seqKey(e.Seq), value); err != nil {
			return fmt.Errorf("failed to store update: %w", err)
		}
	}
	r.record(e)

	if id != 0 {
		p.send(wire.Ack(id, e.Seq))
	}
	r.broadcastLocked(p, wire.Message{Type: wire.TypeUpdate, Client: p.client, Seq: e.Seq, Data: data})
	return nil
}

// awareness forwards presence state from p to the other members.
func (r *room) awareness(p *peer, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(p, wire.Awareness(p.client, data))
}

func (r *room) broadcastLocked(from *peer, m wire.Message) {
	for member := range r.members {
		if member != from {
			member.send(m)
		}
	}
}

// stats summarizes the room for /health.
func (r *room) stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"seq":     r.seq,
		"updates": len(r.log),
		"members": len(r.members),
		"clients": len(r.seen),
	}
}
