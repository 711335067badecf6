package relay

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/docsync/internal/store"
	"github.com/mschirtzinger/docsync/internal/wire"
)

func newTestServer(t *testing.T, db *store.DB) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(&Config{DB: db, Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, ts
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server, room string) *testConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + room
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(m wire.Message) {
	c.t.Helper()
	data, err := wire.Encode(m)
	if err != nil {
		c.t.Fatalf("Encode() failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("Write() failed: %v", err)
	}
}

func (c *testConn) read() wire.Message {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("Read() failed: %v", err)
	}
	m, err := wire.Decode(data)
	if err != nil {
		c.t.Fatalf("Decode() failed: %v", err)
	}
	return m
}

func (c *testConn) expect(typ wire.MessageType) wire.Message {
	c.t.Helper()
	m := c.read()
	if m.Type != typ {
		c.t.Fatalf("got %s message (%+v), want %s", m.Type, m, typ)
	}
	return m
}

// join says hello and consumes the replay, returning the replayed updates.
func (c *testConn) join(client string, since uint64) []wire.Message {
	c.t.Helper()
	c.send(wire.Hello(client, since))
	var replay []wire.Message
	for {
		m := c.read()
		if m.Type == wire.TypeSynced {
			return replay
		}
		if m.Type != wire.TypeUpdate {
			c.t.Fatalf("unexpected %s message during replay", m.Type)
		}
		replay = append(replay, m)
	}
}

func TestUpdateAckAndBroadcast(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dial(t, ts, "notes")
	b := dial(t, ts, "notes")
	other := dial(t, ts, "elsewhere")
	a.join("a", 0)
	b.join("b", 0)
	other.join("o", 0)

	a.send(wire.Update(1, []byte("first")))
	ack := a.expect(wire.TypeAck)
	if ack.ID != 1 || ack.Seq != 1 {
		t.Errorf("ack = %+v, want id 1 seq 1", ack)
	}

	got := b.expect(wire.TypeUpdate)
	if got.Client != "a" || got.Seq != 1 || string(got.Data) != "first" {
		t.Errorf("broadcast = %+v", got)
	}

	// Other rooms see nothing: the next message there is our own ack.
	other.send(wire.Update(1, []byte("x")))
	if m := other.expect(wire.TypeAck); m.Seq != 1 {
		t.Errorf("room sequences are not independent: %+v", m)
	}
}

func TestResendIsDeduplicated(t *testing.T) {
	s, ts := newTestServer(t, nil)

	a := dial(t, ts, "notes")
	a.join("a", 0)
	a.send(wire.Update(1, []byte("one")))
	a.expect(wire.TypeAck)
	a.send(wire.Update(1, []byte("one")))
	if ack := a.expect(wire.TypeAck); ack.Seq != 1 {
		t.Errorf("resend ack seq = %d, want 1", ack.Seq)
	}

	b := dial(t, ts, "notes")
	if replay := b.join("b", 0); len(replay) != 1 {
		t.Errorf("replay has %d updates, want 1", len(replay))
	}
	if rooms := s.Rooms(); len(rooms) != 1 || rooms[0] != "notes" {
		t.Errorf("Rooms() = %v", rooms)
	}
}

func TestReplaySinceCursorSkipsOwnUpdates(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dial(t, ts, "notes")
	a.join("a", 0)
	for i := uint64(1); i <= 3; i++ {
		a.send(wire.Update(i, []byte{byte('0' + i)}))
		a.expect(wire.TypeAck)
	}
	b := dial(t, ts, "notes")
	b.join("b", 0)
	b.send(wire.Update(1, []byte("b1")))
	b.expect(wire.TypeAck)

	// a reconnects having seen up to seq 2.
	a2 := dial(t, ts, "notes")
	replay := a2.join("a", 2)
	if len(replay) != 1 || replay[0].Client != "b" || replay[0].Seq != 4 {
		t.Errorf("replay = %+v, want only b's seq 4", replay)
	}
}

func TestDurableRoomLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}

	s := NewServer(&Config{DB: db, Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(s.Handler())
	a := dial(t, ts, "notes")
	a.join("a", 0)
	a.send(wire.Update(1, []byte("kept")))
	a.expect(wire.TypeAck)
	a.conn.Close(websocket.StatusNormalClosure, "")
	s.Stop()
	ts.Close()
	db.Close()

	db, err = store.Open(path)
	if err != nil {
		t.Fatalf("store.Open() reopen failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	_, ts2 := newTestServer(t, db)

	b := dial(t, ts2, "notes")
	replay := b.join("b", 0)
	if len(replay) != 1 || string(replay[0].Data) != "kept" {
		t.Fatalf("replay after restart = %+v", replay)
	}

	// Dedupe state survives too.
	a2 := dial(t, ts2, "notes")
	a2.join("a", 0)
	a2.send(wire.Update(1, []byte("kept")))
	if ack := a2.expect(wire.TypeAck); ack.Seq != 1 {
		t.Errorf("resend after restart acked as seq %d", ack.Seq)
	}
}

func TestReplayLongerThanSendBuffer(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	n := 3 * sendBuffer
	err = db.Update(ctx, func(tx *store.Tx) error {
		for seq := uint64(1); seq <= uint64(n); seq++ {
			value, err := json.Marshal(entry{Seq: seq, Client: "a", ID: seq, Data: []byte("u"), At: time.Now()})
			if err != nil {
				return err
			}
			if err := tx.Put(ctx, roomBucket("busy"), seqKey(seq), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding room log failed: %v", err)
	}
	_, ts := newTestServer(t, db)

	b := dial(t, ts, "busy")
	replay := b.join("b", 0)
	if len(replay) != n {
		t.Fatalf("replayed %d updates, want %d", len(replay), n)
	}
	for i, m := range replay {
		if m.Seq != uint64(i+1) {
			t.Fatalf("replay[%d].Seq = %d, want %d", i, m.Seq, i+1)
		}
	}

	// Live updates follow the replay.
	c := dial(t, ts, "busy")
	c.join("c", uint64(n))
	c.send(wire.Update(1, []byte("live")))
	c.expect(wire.TypeAck)
	if m := b.expect(wire.TypeUpdate); m.Seq != uint64(n+1) || string(m.Data) != "live" {
		t.Errorf("live update = %+v, want seq %d", m, n+1)
	}
}

func TestAwarenessForwardedAndClearedOnLeave(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dial(t, ts, "notes")
	b := dial(t, ts, "notes")
	a.join("a", 0)
	b.join("b", 0)

	a.send(wire.Awareness("ignored", []byte(`{"cursor":3}`)))
	m := b.expect(wire.TypeAwareness)
	if m.Client != "a" || string(m.Data) != `{"cursor":3}` {
		t.Errorf("awareness = %+v", m)
	}

	a.conn.Close(websocket.StatusNormalClosure, "")
	m = b.expect(wire.TypeAwareness)
	if m.Client != "a" || m.Data != nil {
		t.Errorf("leave awareness = %+v", m)
	}
}

func TestHelloRequired(t *testing.T) {
	_, ts := newTestServer(t, nil)

	c := dial(t, ts, "notes")
	c.send(wire.Update(1, []byte("too early")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := c.conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("Read() error = %v, want policy violation close", err)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dial(t, ts, "notes")
	a.join("a", 0)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string                    `json:"status"`
		Clients int                       `json:"clients"`
		Rooms   map[string]map[string]int `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body.Status != "ok" || body.Clients != 1 {
		t.Errorf("health = %+v", body)
	}
	if body.Rooms["notes"]["members"] != 1 {
		t.Errorf("room stats = %v", body.Rooms["notes"])
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}
