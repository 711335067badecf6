package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/docsync/internal/wire"
)

// run keeps a session open while the client wants one.
func (c *Client) run() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if !c.want || c.closed {
			c.running = false
			c.mu.Unlock()
			return
		}
		sctx, cancel := context.WithCancel(c.ctx)
		c.cancelSession = cancel
		c.mu.Unlock()

		c.setStatus(StatusConnecting)
		err := c.connectOnce(sctx)
		cancel()

		c.mu.Lock()
		c.cancelSession = nil
		want := c.want && !c.closed
		c.mu.Unlock()
		c.setStatus(StatusDisconnected)

		if err != nil && sctx.Err() == nil {
			c.logger.Printf("Room %s: session ended: %v", c.room, err)
		}
		if !want {
			continue
		}

		timer := time.NewTimer(c.config.ReconnectDelay)
		select {
		case <-timer.C:
		case <-c.retry:
			timer.Stop()
		case <-c.ctx.Done():
			timer.Stop()
		}
	}
}

// connectOnce dials the relay and runs one session until it ends.
func (c *Client) connectOnce(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	conn, _, err := websocket.Dial(dctx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.lastSent = 0
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	return c.session(ctx, conn)
}

// session sends hello, then pumps outbox entries until the socket fails or
// ctx is cancelled. Incoming messages are handled on a reader goroutine.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	cursor, err := c.outbox.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}
	if err := c.write(ctx, conn, wire.Hello(c.ClientID(), cursor)); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx, conn)
	}()

	for {
		select {
		case <-ctx.Done():
			<-readErr
			return nil
		case err := <-readErr:
			return err
		case <-c.kick:
			if err := c.sendPending(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		m, err := wire.Decode(data)
		if err != nil {
			c.logger.Printf("Room %s: dropping message: %v", c.room, err)
			continue
		}
		if err := c.handleMessage(ctx, conn, m); err != nil {
			return err
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, conn *websocket.Conn, m wire.Message) error {
	switch m.Type {
	case wire.TypeUpdate:
		if err := c.doc.ApplyUpdate(m.Data, c); err != nil {
			// A bad update from a peer must not wedge the session.
			c.logger.Printf("Room %s: failed to apply update %d: %v", c.room, m.Seq, err)
		}
		if err := c.outbox.SetCursor(ctx, m.Seq); err != nil {
			return fmt.Errorf("failed to store cursor: %w", err)
		}

	case wire.TypeSynced:
		if err := c.outbox.SetCursor(ctx, m.Seq); err != nil {
			return fmt.Errorf("failed to store cursor: %w", err)
		}
		c.setStatus(StatusConnected)

		c.mu.Lock()
		awareness := c.awareness
		c.mu.Unlock()
		if awareness != nil {
			if err := c.write(ctx, conn, wire.Awareness(c.ClientID(), awareness)); err != nil {
				return err
			}
		}
		select {
		case c.kick <- struct{}{}:
		default:
		}

	case wire.TypeAck:
		if err := c.outbox.Remove(ctx, m.ID); err != nil {
			return fmt.Errorf("failed to remove acked update %d: %w", m.ID, err)
		}
		// The relay writes to each socket in sequence order, so everything up
		// to this ack has been received.
		if err := c.outbox.SetCursor(ctx, m.Seq); err != nil {
			return fmt.Errorf("failed to store cursor: %w", err)
		}
		c.mu.Lock()
		c.signalLocked()
		c.mu.Unlock()

	case wire.TypeAwareness:
		if c.config.OnAwareness != nil {
			c.config.OnAwareness(m.Client, m.Data)
		}

	case wire.TypeError:
		return fmt.Errorf("relay error: %s", m.Error)

	default:
		c.logger.Printf("Room %s: unexpected %s message", c.room, m.Type)
	}
	return nil
}

// sendPending sends outbox entries not yet sent in this session. Nothing is
// sent before the relay's replay has been applied.
func (c *Client) sendPending(ctx context.Context, conn *websocket.Conn) error {
	if c.Status() != StatusConnected {
		return nil
	}

	pending, err := c.outbox.Pending(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to read outbox: %w", err)
	}

	c.mu.Lock()
	lastSent := c.lastSent
	c.mu.Unlock()

	for _, e := range pending {
		if e.ID <= lastSent {
			continue
		}
		if err := c.write(ctx, conn, wire.Update(e.ID, e.Data)); err != nil {
			return err
		}
		lastSent = e.ID
		c.mu.Lock()
		c.lastSent = lastSent
		c.mu.Unlock()
	}
	return nil
}
