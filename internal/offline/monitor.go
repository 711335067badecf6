package offline

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// listeners is a set of connectivity subscribers.
type listeners struct {
	mu   sync.Mutex
	fns  map[uint64]func(bool)
	next uint64
}

func (l *listeners) add(fn func(bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(bool))
	}
	l.next++
	id := l.next
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners) notify(online bool) {
	l.mu.Lock()
	fns := make([]func(bool), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// StaticMonitor is a NetworkMonitor whose state is set by the caller.
type StaticMonitor struct {
	mu     sync.Mutex
	online bool
	subs   listeners
}

// NewStaticMonitor creates a monitor in the given state.
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{online: online}
}

func (s *StaticMonitor) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *StaticMonitor) Subscribe(fn func(online bool)) (cancel func()) {
	return s.subs.add(fn)
}

// Set changes the reported state and notifies subscribers on a transition.
func (s *StaticMonitor) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if changed {
		s.subs.notify(online)
	}
}

// ProbeMonitor derives connectivity from periodic TCP dials to an address,
// typically the relay's host:port.
type ProbeMonitor struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	mu     sync.Mutex
	online bool
	subs   listeners

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ProbeConfig configures a ProbeMonitor.
type ProbeConfig struct {
	// Addr is the host:port to dial. Required.
	Addr string
	// Interval between probes (default: 10s).
	Interval time.Duration
	// Timeout for one dial (default: 3s).
	Timeout time.Duration
	// Logger for connectivity transitions (default: stderr logger)
	Logger *log.Logger
}

// NewProbeMonitor probes once synchronously, then keeps probing in the
// background until Close.
func NewProbeMonitor(cfg ProbeConfig) *ProbeMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[network] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &net.Dialer{}
	p := &ProbeMonitor{
		addr:     cfg.Addr,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		dial:     d.DialContext,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.online = p.probe()

	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *ProbeMonitor) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *ProbeMonitor) Subscribe(fn func(online bool)) (cancel func()) {
	return p.subs.add(fn)
}

// Close stops probing.
func (p *ProbeMonitor) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *ProbeMonitor) probe() bool {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (p *ProbeMonitor) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			online := p.probe()
			if p.ctx.Err() != nil {
				return
			}

			p.mu.Lock()
			changed := p.online != online
			p.online = online
			p.mu.Unlock()

			if changed {
				if online {
					p.logger.Printf("%s is reachable", p.addr)
				} else {
					p.logger.Printf("%s is unreachable", p.addr)
				}
				p.subs.notify(online)
			}
		}
	}
}
