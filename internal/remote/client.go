// Package remote connects a collaborative document to a relay room.
//
// A Client sends local document updates to the relay and applies updates from
// other room members. Local updates go through an Outbox first and are only
// removed once the relay acknowledges them, so edits made while disconnected
// (or lost in flight) are resent on the next session. The relay deduplicates
// resends by (client id, update id).
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/docsync/internal/collab"
	"github.com/mschirtzinger/docsync/internal/wire"
)

// Status is the state of the relay connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var (
	// ErrNotConnected is returned by calls that need a live session.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

const readLimit = 16 << 20

// Config holds client configuration.
type Config struct {
	// Endpoint is the relay base URL (http, https, ws or wss). Required.
	Endpoint string

	// Room names the shared document on the relay. Required.
	Room string

	// Doc is the document kept in sync. Required.
	Doc collab.Document

	// Outbox holds unacknowledged local updates (default: NewMemoryOutbox()).
	Outbox Outbox

	// SkipOrigins lists update origins that are not sent to the relay, such as
	// a local store restoring state it already sent.
	SkipOrigins []any

	// OnAwareness receives presence state from other room members. A nil
	// state means the member left.
	OnAwareness func(client string, state []byte)

	// DialTimeout bounds each connection attempt (default: 10s).
	DialTimeout time.Duration

	// ReconnectDelay is the pause between connection attempts (default: 1s).
	ReconnectDelay time.Duration

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// Client is a relay connection for one document.
type Client struct {
	url    string
	room   string
	doc    collab.Document
	outbox Outbox
	config Config
	logger *log.Logger

	mu            sync.Mutex
	status        Status
	want          bool
	running       bool
	closed        bool
	conn          *websocket.Conn
	cancelSession context.CancelFunc
	lastSent      uint64
	awareness     []byte
	listeners     map[uint64]func(Status)
	nextListener  uint64
	changed       chan struct{}

	writeMu sync.Mutex
	kick    chan struct{}
	retry   chan struct{}
	stopDoc func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a disconnected client and starts capturing local document
// updates into the outbox. Call Connect to open the session.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.Room == "" {
		return nil, fmt.Errorf("room cannot be empty")
	}
	if cfg.Doc == nil {
		return nil, fmt.Errorf("doc cannot be nil")
	}
	if cfg.Outbox == nil {
		cfg.Outbox = NewMemoryOutbox()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	u, err := roomURL(cfg.Endpoint, cfg.Room)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:       u,
		room:      cfg.Room,
		doc:       cfg.Doc,
		outbox:    cfg.Outbox,
		config:    cfg,
		logger:    cfg.Logger,
		status:    StatusDisconnected,
		listeners: make(map[uint64]func(Status)),
		changed:   make(chan struct{}),
		kick:      make(chan struct{}, 1),
		retry:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.stopDoc = c.doc.Observe(c.handleUpdate)
	return c, nil
}

// roomURL builds <endpoint>/ws/<room>.
func roomURL(endpoint, room string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	u = u.JoinPath("ws", room)
	return u.String(), nil
}

// URL returns the room websocket URL.
func (c *Client) URL() string {
	return c.url
}

// Room returns the room name.
func (c *Client) Room() string {
	return c.room
}

// ClientID returns the id the relay knows this replica by.
func (c *Client) ClientID() string {
	return c.outbox.ClientID()
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatus registers fn for status changes and returns a function that
// removes it. fn is called without locks held.
func (c *Client) OnStatus(fn func(Status)) (cancel func()) {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	listeners := make([]func(Status), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.signalLocked()
	c.mu.Unlock()

	c.logger.Printf("Room %s: %s", c.room, s)
	for _, fn := range listeners {
		fn(s)
	}
}

// signalLocked wakes Flush waiters. c.mu must be held.
func (c *Client) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Connect starts connecting in the background and keeps reconnecting until
// Disconnect or Close. It returns immediately.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.want = true
	select {
	case c.retry <- struct{}{}:
	default:
	}
	if c.running {
		return
	}
	c.running = true
	c.wg.Add(1)
	go c.run()
}

// Disconnect closes the session and stops reconnecting. Queued updates stay
// in the outbox.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.want = false
	cancel := c.cancelSession
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Close disconnects and stops capturing document updates.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.stopDoc()
	c.cancel()
	c.wg.Wait()
	c.setStatus(StatusDisconnected)

	c.mu.Lock()
	c.listeners = make(map[uint64]func(Status))
	c.mu.Unlock()
	return nil
}

// Ping checks the session is alive with a websocket ping/pong.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Flush waits until every queued update has been acknowledged. It fails with
// ErrNotConnected if the session is or becomes unavailable first.
func (c *Client) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		changed := c.changed
		status := c.status
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return ErrClosed
		}
		pending, err := c.outbox.Pending(ctx)
		if err != nil {
			return fmt.Errorf("failed to read outbox: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}
		if status != StatusConnected {
			return ErrNotConnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetAwareness publishes this client's presence state to the room. The state
// is resent on every new session.
func (c *Client) SetAwareness(state []byte) error {
	c.mu.Lock()
	c.awareness = append([]byte(nil), state...)
	conn := c.conn
	status := c.status
	c.mu.Unlock()

	if conn == nil || status != StatusConnected {
		return nil
	}
	return c.write(c.ctx, conn, wire.Awareness(c.ClientID(), state))
}

// handleUpdate queues local document updates for the relay.
func (c *Client) handleUpdate(u collab.Update) {
	if u.Origin == any(c) {
		return
	}
	for _, o := range c.config.SkipOrigins {
		if u.Origin == o {
			return
		}
	}

	if _, err := c.outbox.Append(context.Background(), u.Data); err != nil {
		c.logger.Printf("Failed to queue update: %v", err)
		return
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Type, err)
	}
	return nil
}
