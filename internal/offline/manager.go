// Package offline keeps one collaborative document usable across intermittent
// connectivity.
//
// A Manager combines a durable local store, a remote connection and a network
// monitor into a single SyncStatus. The local store is loaded before the remote
// connection opens, so a reopened document never transiently appears empty.
// Local edits made while disconnected are counted as pending changes; once the
// remote link is back, a sync flushes them and resets the count.
//
// Two timers run while the manager is alive: a periodic sync (while online
// with pending changes) and a health check that pings the remote link and
// disconnects it when the ping fails, so IsConnected never goes silently
// stale.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/docsync/internal/collab"
	"github.com/mschirtzinger/docsync/internal/metrics"
	"github.com/mschirtzinger/docsync/internal/remote"
)

var (
	// ErrOffline is returned when a sync is attempted while offline.
	ErrOffline = errors.New("offline")

	// ErrTimeout is returned when a bounded wait (local load, connect) expires.
	ErrTimeout = errors.New("timed out")

	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("manager destroyed")
)

// LocalStore is the durable local copy of the document.
type LocalStore interface {
	// WhenSynced blocks until the stored state has been loaded into the document.
	WhenSynced(ctx context.Context) error
	// ClearData deletes everything stored for the document.
	ClearData(ctx context.Context) error
	Close() error
}

// RemoteConnection is the link to the collaboration endpoint.
type RemoteConnection interface {
	// Connect starts connecting without blocking.
	Connect()
	Disconnect()
	Close() error
	Status() remote.Status
	OnStatus(fn func(remote.Status)) (cancel func())
	// Flush waits until every local update has reached the remote end.
	Flush(ctx context.Context) error
	// Ping is a lightweight liveness probe.
	Ping(ctx context.Context) error
}

// NetworkMonitor reports platform connectivity.
type NetworkMonitor interface {
	Online() bool
	Subscribe(fn func(online bool)) (cancel func())
}

// Options tunes a Manager. Zero values take the defaults.
type Options struct {
	// SyncInterval is the periodic sync interval (default: 30s).
	SyncInterval time.Duration
	// HealthInterval is the liveness probe interval (default: 15s).
	HealthInterval time.Duration
	// ProbeTimeout bounds one liveness probe (default: 5s).
	ProbeTimeout time.Duration
	// InitTimeout bounds the initial local load (default: 5s).
	InitTimeout time.Duration
	// ConnectTimeout bounds the wait for the remote link in TriggerSync
	// (default: 10s).
	ConnectTimeout time.Duration

	// Logger for manager activity (default: stderr logger)
	Logger *log.Logger
}

func (o *Options) setDefaults() {
	if o.SyncInterval <= 0 {
		o.SyncInterval = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 15 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = 5 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[offline] ", log.LstdFlags)
	}
}

// SyncStatus is the derived state of one document.
type SyncStatus struct {
	IsOnline       bool
	IsConnected    bool
	LastSync       time.Time
	PendingChanges int
	SyncInProgress bool
	Error          error
	// Degraded is set when the local store did not finish loading; the
	// document is then not backed by durable storage until it does.
	Degraded bool
}

// Manager runs offline persistence for one document.
type Manager struct {
	doc     collab.Document
	local   LocalStore
	remote  RemoteConnection
	network NetworkMonitor
	opts    Options
	logger  *log.Logger

	mu        sync.Mutex
	status    SyncStatus
	forced    *bool
	connected chan struct{} // replaced on every status change
	statusFns map[uint64]func(SyncStatus)
	errorFns  map[uint64]func(error)
	nextFn    uint64

	cancels []func()

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// Open starts offline persistence for doc. It waits up to InitTimeout for the
// local store to load; if the load fails or times out the manager continues
// in degraded mode instead of failing. The remote connection is only opened
// after that wait, and only when online.
func Open(ctx context.Context, doc collab.Document, local LocalStore, conn RemoteConnection, network NetworkMonitor, opts Options) (*Manager, error) {
	if doc == nil || local == nil || conn == nil || network == nil {
		return nil, fmt.Errorf("doc, local store, remote connection and network monitor are required")
	}
	opts.setDefaults()

	mctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		doc:       doc,
		local:     local,
		remote:    conn,
		network:   network,
		opts:      opts,
		logger:    opts.Logger,
		connected: make(chan struct{}),
		statusFns: make(map[uint64]func(SyncStatus)),
		errorFns:  make(map[uint64]func(error)),
		ctx:       mctx,
		cancel:    cancel,
	}

	ictx, icancel := context.WithTimeout(ctx, opts.InitTimeout)
	err := local.WhenSynced(ictx)
	icancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("local store load: %w", ErrTimeout)
		}
		m.logger.Printf("Local store unavailable, continuing in degraded mode: %v", err)
		m.status.Degraded = true
		m.status.Error = err
	}

	m.status.IsOnline = network.Online()
	m.status.IsConnected = conn.Status() == remote.StatusConnected

	m.cancels = append(m.cancels,
		doc.Observe(m.handleUpdate),
		conn.OnStatus(m.handleRemoteStatus),
		network.Subscribe(m.handleNetwork),
	)

	if m.status.IsOnline {
		conn.Connect()
	}

	m.wg.Add(2)
	go m.syncLoop()
	go m.healthLoop()
	return m, nil
}

// Status returns a copy of the current status.
func (m *Manager) Status() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatus registers fn for status changes and returns a function that
// removes it.
func (m *Manager) OnStatus(fn func(SyncStatus)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFn++
	id := m.nextFn
	m.statusFns[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.statusFns, id)
		m.mu.Unlock()
	}
}

// OnError registers fn for errors and returns a function that removes it.
func (m *Manager) OnError(fn func(error)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFn++
	id := m.nextFn
	m.errorFns[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.errorFns, id)
		m.mu.Unlock()
	}
}

// update applies fn to the status under the lock and notifies listeners
// (and, when err is non-nil, error listeners) after releasing it.
func (m *Manager) update(fn func(s *SyncStatus), err error) {
	m.mu.Lock()
	fn(&m.status)
	if err != nil {
		m.status.Error = err
	}
	close(m.connected)
	m.connected = make(chan struct{})
	st := m.status
	statusFns := make([]func(SyncStatus), 0, len(m.statusFns))
	for _, f := range m.statusFns {
		statusFns = append(statusFns, f)
	}
	var errorFns []func(error)
	if err != nil {
		for _, f := range m.errorFns {
			errorFns = append(errorFns, f)
		}
	}
	m.mu.Unlock()

	for _, f := range statusFns {
		f(st)
	}
	for _, f := range errorFns {
		f(err)
	}
}

// handleUpdate counts local edits made while disconnected.
func (m *Manager) handleUpdate(u collab.Update) {
	if u.Origin == any(m.remote) || u.Origin == any(m.local) {
		return
	}

	m.mu.Lock()
	connected := m.status.IsConnected
	m.mu.Unlock()
	if connected {
		return
	}
	metrics.RecordOfflineUpdate()
	m.update(func(s *SyncStatus) { s.PendingChanges++ }, nil)
}

func (m *Manager) handleRemoteStatus(rs remote.Status) {
	connected := rs == remote.StatusConnected
	m.update(func(s *SyncStatus) { s.IsConnected = connected }, nil)

	if connected && m.Status().PendingChanges > 0 {
		m.goSync("reconnect")
	}
}

func (m *Manager) handleNetwork(online bool) {
	m.mu.Lock()
	forced := m.forced != nil
	m.mu.Unlock()
	if forced {
		return
	}
	m.setOnline(online)
}

// setOnline applies a connectivity transition.
func (m *Manager) setOnline(online bool) {
	m.update(func(s *SyncStatus) { s.IsOnline = online }, nil)
	if online {
		m.logger.Println("Online, connecting")
		m.remote.Connect()
		return
	}
	m.logger.Println("Offline, disconnecting")
	m.remote.Disconnect()
}

// ForceOfflineMode overrides connectivity detection and goes offline.
func (m *Manager) ForceOfflineMode() {
	v := false
	m.mu.Lock()
	m.forced = &v
	m.mu.Unlock()
	m.setOnline(false)
}

// ForceOnlineMode overrides connectivity detection and goes online.
func (m *Manager) ForceOnlineMode() {
	v := true
	m.mu.Lock()
	m.forced = &v
	m.mu.Unlock()
	m.setOnline(true)
}

// ClearAutoMode drops a forced mode and follows the network monitor again.
func (m *Manager) ClearAutoMode() {
	m.mu.Lock()
	m.forced = nil
	m.mu.Unlock()
	m.setOnline(m.network.Online())
}

// ClearLocalData deletes the document's local durable copy.
func (m *Manager) ClearLocalData(ctx context.Context) error {
	if err := m.local.ClearData(ctx); err != nil {
		err = fmt.Errorf("failed to clear local data: %w", err)
		m.update(func(*SyncStatus) {}, err)
		return err
	}
	return nil
}

// Destroy stops both timers, detaches every listener and closes the local
// store and the remote connection. Only the first call has any effect.
func (m *Manager) Destroy() error {
	var err error
	m.destroyOnce.Do(func() {
		m.mu.Lock()
		m.cancel()
		m.mu.Unlock()
		m.wg.Wait()

		for _, cancel := range m.cancels {
			cancel()
		}

		m.mu.Lock()
		m.statusFns = make(map[uint64]func(SyncStatus))
		m.errorFns = make(map[uint64]func(error))
		m.mu.Unlock()

		if cerr := m.remote.Close(); cerr != nil {
			err = fmt.Errorf("failed to close remote connection: %w", cerr)
		}
		if cerr := m.local.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close local store: %w", cerr)
		}
		m.logger.Println("Destroyed")
	})
	return err
}
