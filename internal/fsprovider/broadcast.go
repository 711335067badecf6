package fsprovider

import (
	"context"
	"sync"
)

// Broadcaster fans watch events out to scoped subscribers. Backends without a
// native notification mechanism publish every mutation through it.
//
// Publish never blocks and never drops: each subscriber owns an unbounded queue
// drained by its own goroutine, so events for a subscriber arrive in publish
// order even when the consumer is slow.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscription]struct{})}
}

// Subscribe returns a Watcher for events under scope. A file watch (exact) only
// matches scope itself; a directory watch matches scope's children, or every
// descendant when recursive. The watcher is closed when ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, scope string, exact, recursive bool) Watcher {
	s := &subscription{
		b:         b,
		scope:     Resolve(scope),
		exact:     exact,
		recursive: recursive,
		events:    make(chan WatchEvent),
		errors:    make(chan error),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.once.Do(func() {
			close(s.done)
			close(s.events)
			close(s.errors)
		})
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	s.wg.Add(1)
	go s.pump()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.done:
			}
		}()
	}
	return s
}

// Publish queues ev for every subscriber whose scope covers it.
func (b *Broadcaster) Publish(ev WatchEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.matches(ev.Path) || (ev.OldPath != "" && s.matches(ev.OldPath)) {
			s.push(ev)
		}
	}
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber; later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

type subscription struct {
	b         *Broadcaster
	scope     string
	exact     bool
	recursive bool

	mu    sync.Mutex
	queue []WatchEvent

	events chan WatchEvent
	errors chan error
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *subscription) matches(p string) bool {
	return InScope(p, s.scope, s.exact, s.recursive)
}

func (s *subscription) push(ev WatchEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Events() <-chan WatchEvent { return s.events }

func (s *subscription) Errors() <-chan error { return s.errors }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()

		close(s.done)
		s.wg.Wait()
		close(s.events)
		close(s.errors)
	})
	return nil
}
