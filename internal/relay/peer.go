package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/docsync/internal/metrics"
	"github.com/mschirtzinger/docsync/internal/wire"
)

// sendBuffer is how many messages may wait for a slow member before it is
// disconnected. A dropped member catches up from its cursor on reconnect.
const sendBuffer = 1024

var errPeerClosed = errors.New("peer closed")

// peer is one connected client. Messages are written by writeLoop in the
// order send was called.
type peer struct {
	conn   *websocket.Conn
	client string
	logger *log.Logger

	out       chan wire.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, client string, logger *log.Logger) *peer {
	return &peer{
		conn:   conn,
		client: client,
		logger: logger,
		out:    make(chan wire.Message, sendBuffer),
		done:   make(chan struct{}),
	}
}

// send queues m without blocking.
func (p *peer) send(m wire.Message) {
	select {
	case <-p.done:
		return
	default:
	}

	select {
	case p.out <- m:
	default:
		p.logger.Printf("Client %s too slow, disconnecting", p.client)
		go p.close(websocket.StatusTryAgainLater, "too slow")
	}
}

// sendWait queues m, waiting while the buffer is full.
func (p *peer) sendWait(ctx context.Context, m wire.Message) error {
	select {
	case p.out <- m:
		return nil
	case <-p.done:
		return errPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *peer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case m := <-p.out:
			data, err := wire.Encode(m)
			if err != nil {
				p.logger.Printf("Failed to encode message: %v", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = p.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				p.logger.Printf("Failed to send to client %s: %v", p.client, err)
				p.close(websocket.StatusInternalError, "write failed")
				return
			}
			metrics.RecordRelayMessage(string(m.Type), "out")
		}
	}
}

func (p *peer) close(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close(code, reason)
	})
}
