// Package relay provides the websocket endpoint remote clients collaborate
// through.
//
// Each room is an ordered log of opaque document updates. A client opens
// ws://<addr>/ws/<room>, says hello with the last sequence number it has
// applied, receives everything after that, and from then on exchanges updates
// with the other room members in real time. Logs can be kept durable in a
// store.DB, so a restarted relay still serves the full history.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/docsync/internal/metrics"
	"github.com/mschirtzinger/docsync/internal/store"
	"github.com/mschirtzinger/docsync/internal/wire"
)

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8787")
	Addr string

	// DB keeps room logs across restarts (optional)
	DB *store.DB

	// HelloTimeout bounds the wait for a client's hello (default: 10s)
	HelloTimeout time.Duration

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8787",
		HelloTimeout: 10 * time.Second,
		Logger:       log.New(os.Stderr, "[relay] ", log.LstdFlags),
	}
}

// Server manages rooms and their websocket members.
type Server struct {
	addr     string
	db       *store.DB
	config   *Config
	listener net.Listener
	server   *http.Server
	mux      *http.ServeMux

	rooms   map[string]*room
	roomsMu sync.Mutex

	peers   map[*peer]struct{}
	peersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a relay server. Start listens on Config.Addr; Handler can
// be mounted elsewhere instead (e.g. httptest).
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8787"
	}
	if config.HelloTimeout <= 0 {
		config.HelloTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:   config.Addr,
		db:     config.DB,
		config: config,
		rooms:  make(map[string]*room),
		peers:  make(map[*peer]struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: config.Logger,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /ws/{room}", s.handleWebSocket)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every connection and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping relay")
	s.cancel()

	s.peersMu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()
	for _, p := range peers {
		p.close(websocket.StatusGoingAway, "server shutting down")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Relay stopped")
	return nil
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	return len(s.peers)
}

// Rooms returns the names of the rooms held in memory, sorted.
func (s *Server) Rooms() []string {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// room returns the named room, loading its log on first use.
func (s *Server) room(ctx context.Context, name string) (*room, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	if r, ok := s.rooms[name]; ok {
		return r, nil
	}
	r := newRoom(name, s.db)
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	s.rooms[name] = r
	metrics.SetRelayRooms(len(s.rooms))
	return r, nil
}

// handleWebSocket runs one client session: hello, replay, then updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	if name == "" {
		http.Error(w, "room required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(16 << 20)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	hello, err := s.readHello(ctx, conn)
	if err != nil {
		s.logger.Printf("Room %s: handshake failed: %v", name, err)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}

	rm, err := s.room(ctx, name)
	if err != nil {
		s.logger.Printf("Room %s: %v", name, err)
		_ = conn.Close(websocket.StatusInternalError, "room unavailable")
		return
	}

	p := newPeer(conn, hello.Client, s.logger)
	s.addPeer(p)
	defer s.removePeer(p)

	go p.writeLoop(ctx)

	if err := rm.join(ctx, p, hello.Since); err != nil {
		s.logger.Printf("Room %s: client %s: %v", name, p.client, err)
		return
	}
	s.logger.Printf("Room %s: client %s joined (since %d)", name, p.client, hello.Since)

	defer func() {
		left := rm.leave(p)
		s.logger.Printf("Room %s: client %s left (%d remaining)", name, p.client, left)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		m, err := wire.Decode(data)
		if err != nil {
			p.send(wire.Error(err.Error()))
			continue
		}
		metrics.RecordRelayMessage(string(m.Type), "in")

		switch m.Type {
		case wire.TypeUpdate:
			if err := rm.update(ctx, p, m.ID, m.Data); err != nil {
				s.logger.Printf("Room %s: %v", name, err)
				p.send(wire.Error("failed to store update"))
			}
		case wire.TypeAwareness:
			rm.awareness(p, m.Data)
		default:
			p.send(wire.Error(fmt.Sprintf("unexpected %s message", m.Type)))
		}
	}
}

func (s *Server) readHello(ctx context.Context, conn *websocket.Conn) (wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.HelloTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return wire.Message{}, fmt.Errorf("failed to read hello: %w", err)
	}
	m, err := wire.Decode(data)
	if err != nil {
		return wire.Message{}, err
	}
	if m.Type != wire.TypeHello {
		return wire.Message{}, fmt.Errorf("expected hello, got %s", m.Type)
	}
	return m, nil
}

func (s *Server) addPeer(p *peer) {
	s.peersMu.Lock()
	s.peers[p] = struct{}{}
	n := len(s.peers)
	s.peersMu.Unlock()

	metrics.RelayConnectionOpened()
	s.logger.Printf("Client connected (total: %d)", n)
}

func (s *Server) removePeer(p *peer) {
	s.peersMu.Lock()
	_, ok := s.peers[p]
	delete(s.peers, p)
	s.peersMu.Unlock()

	if ok {
		metrics.RelayConnectionClosed()
	}
	p.close(websocket.StatusNormalClosure, "")
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.roomsMu.Lock()
	rooms := make(map[string]any, len(s.rooms))
	for name, rm := range s.rooms {
		rooms[name] = rm.stats()
	}
	s.roomsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
		"rooms":   rooms,
	})
}
