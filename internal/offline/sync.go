package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/docsync/internal/metrics"
	"github.com/mschirtzinger/docsync/internal/remote"
)

// TriggerSync pushes pending local changes to the remote end. It returns
// false without error if a sync is already in flight, and false with
// ErrOffline when offline. Otherwise it makes sure the remote link is open
// (bounded by ConnectTimeout), waits for every local update to be delivered
// and then resets PendingChanges and updates LastSync.
func (m *Manager) TriggerSync(ctx context.Context) (bool, error) {
	start := time.Now()

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return false, ErrDestroyed
	}
	if m.status.SyncInProgress {
		m.mu.Unlock()
		metrics.RecordRemoteSync("skipped", 0)
		return false, nil
	}
	if !m.status.IsOnline {
		m.mu.Unlock()
		metrics.RecordRemoteSync("offline", 0)
		m.update(func(*SyncStatus) {}, ErrOffline)
		return false, ErrOffline
	}
	m.status.SyncInProgress = true
	m.mu.Unlock()
	m.update(func(*SyncStatus) {}, nil)

	err := m.sync(ctx)
	if err != nil {
		metrics.RecordRemoteSync("error", time.Since(start))
		m.update(func(s *SyncStatus) { s.SyncInProgress = false }, err)
		return false, err
	}

	metrics.RecordRemoteSync("success", time.Since(start))
	m.update(func(s *SyncStatus) {
		s.SyncInProgress = false
		s.PendingChanges = 0
		s.LastSync = time.Now()
		s.Error = nil
	}, nil)
	m.logger.Println("Sync complete")
	return true, nil
}

func (m *Manager) sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	if m.remote.Status() != remote.StatusConnected {
		m.remote.Connect()
		if err := m.waitConnected(ctx); err != nil {
			return err
		}
	}

	if err := m.remote.Flush(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("flush: %w", ErrTimeout)
		}
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

// waitConnected blocks until the remote link reports connected.
func (m *Manager) waitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		changed := m.connected
		m.mu.Unlock()

		if m.remote.Status() == remote.StatusConnected {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("connect: %w", ErrTimeout)
			}
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrDestroyed
		}
	}
}

// goSync runs TriggerSync in the background.
func (m *Manager) goSync(reason string) {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if _, err := m.TriggerSync(m.ctx); err != nil && !errors.Is(err, ErrDestroyed) {
			m.logger.Printf("Sync after %s failed: %v", reason, err)
		}
	}()
}

// syncLoop syncs periodically while online with pending changes.
func (m *Manager) syncLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			st := m.Status()
			if st.IsOnline && st.PendingChanges > 0 && !st.SyncInProgress {
				if _, err := m.TriggerSync(m.ctx); err != nil && !errors.Is(err, ErrDestroyed) {
					m.logger.Printf("Periodic sync failed: %v", err)
				}
			}
		}
	}
}

// healthLoop probes the remote link while it is believed connected. A link
// it dropped gets one reconnect attempt on the following tick, unless the
// manager has gone offline in the meantime.
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	reconnect := false
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			st := m.Status()
			if !st.IsConnected {
				if reconnect && st.IsOnline {
					m.logger.Println("Reconnecting after failed health check")
					m.remote.Connect()
				}
				reconnect = false
				continue
			}
			reconnect = false
			ctx, cancel := context.WithTimeout(m.ctx, m.opts.ProbeTimeout)
			err := m.remote.Ping(ctx)
			cancel()
			if err == nil || m.ctx.Err() != nil {
				continue
			}

			m.logger.Printf("Health check failed, disconnecting: %v", err)
			m.remote.Disconnect()
			m.update(func(s *SyncStatus) { s.IsConnected = false },
				fmt.Errorf("health check failed: %w", err))
			reconnect = true
		}
	}
}
