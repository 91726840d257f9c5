package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tastyrock/negotiator/internal/domain"
)

// client is one participant connection inside a room. Outbound frames go
// through a bounded FIFO queue drained by writePump.
type client struct {
	room domain.RoomID
	role domain.Role
	ws   *websocket.Conn
	log  *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newClient(room domain.RoomID, role domain.Role, ws *websocket.Conn, queue int, log *slog.Logger) *client {
	return &client{
		room: room,
		role: role,
		ws:   ws,
		log:  log.With("buyer_id", room.BuyerID, "trader_id", room.TraderID, "role", role),
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. Frames for a stopped client are
// discarded. It reports false only when the queue is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// kick stops the client and closes its socket with code and reason.
// Queued frames that were not written yet are dropped.
func (c *client) kick(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() {
			if err := c.ws.Close(code, reason); err != nil {
				c.log.Debug("Failed to close websocket", "error", err)
			}
		}()
		c.log.Info("Participant disconnected by hub", "reason", reason)
	})
}

// stop ends writePump after the reader has gone away.
func (c *client) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) writePump(writeTimeout time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.log.Debug("WebSocket write error", "error", err)
				c.kick(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
