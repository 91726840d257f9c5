// Package hub implements the server side of negotiation room channels.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/protocol"
)

// ErrClosed is returned by join after Close.
var ErrClosed = errors.New("hub closed")

const (
	defaultSendQueue    = 64
	defaultWriteTimeout = 5 * time.Second
)

// Options configures a Hub.
type Options struct {
	// SendQueue bounds each connection's outbound queue. A connection that
	// falls this far behind is disconnected.
	SendQueue    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Hub tracks negotiation rooms and fans messages out to their participants.
// Every broadcast is queued under one lock, so both participants observe
// broadcasts in the same relative order.
type Hub struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	rooms  map[domain.RoomID]*room
	closed bool
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		opts:  opts,
		log:   logger,
		rooms: make(map[domain.RoomID]*room),
	}
}

// Presence returns the occupancy and offer id of a room.
func (h *Hub) Presence(id domain.RoomID) (domain.Presence, string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		return domain.Presence{}, "", false
	}
	return r.presence(), r.offerID, true
}

// RoomCount returns the number of rooms with at least one participant.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// join registers c in its room. An earlier connection for the same role is
// replaced. The joiner learns an existing offer id and the room's offer
// flags start over, then everyone in the room receives the new presence.
func (h *Hub) join(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	r, ok := h.rooms[c.room]
	if !ok {
		r = newRoom(c.room)
		h.rooms[c.room] = r
	}
	if existing, ok := r.byRole[c.role]; ok && existing != c {
		existing.kick(websocket.StatusNormalClosure, "session replaced")
	}
	r.byRole[c.role] = c
	c.log.Info("Participant joined", "count", r.presence().Count)

	if r.offerID != "" {
		h.sendLocked(c, protocol.Text{
			Header:  protocol.Header{Type: protocol.TypeOfferNote, FromRole: domain.RoleSystem},
			OfferID: r.offerID,
			Text:    r.offerID,
		})
	}
	if r.flags.Paid {
		h.sendLocked(c, r.stateMessage(protocol.Header{Type: protocol.TypePay, FromRole: domain.RoleSystem}))
	} else {
		h.resetFlagsLocked(r)
	}
	h.broadcastLocked(r, r.presenceMessage())
	return nil
}

// leave removes c if it is still the registered connection for its role.
func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[c.room]
	if !ok || r.byRole[c.role] != c {
		return
	}
	delete(r.byRole, c.role)
	if r.empty() {
		delete(h.rooms, c.room)
		c.log.Info("Room closed")
		return
	}
	c.log.Info("Participant left", "count", r.presence().Count)
	if !r.flags.Paid {
		h.resetFlagsLocked(r)
	}
	h.broadcastLocked(r, r.presenceMessage())
}

// resetFlagsLocked drops sent and accepted state when a participant comes or
// goes. Connecting clients start from an empty offer, so anything agreed
// before has to be sent again.
func (h *Hub) resetFlagsLocked(r *room) {
	if r.flags == (domain.Flags{}) {
		return
	}
	r.flags = domain.Flags{}
	h.broadcastLocked(r, r.stateMessage(protocol.Header{Type: protocol.TypeSetOffer, FromRole: domain.RoleSystem}))
}

// dispatch applies one inbound message from c to its room.
func (h *Hub) dispatch(c *client, msg protocol.Message) {
	head := msg.Head()
	head.FromRole = c.role
	msg = protocol.WithHeader(msg, head)

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[c.room]
	if !ok || r.byRole[c.role] != c {
		c.log.Debug("Message from detached participant dropped", "type", head.Type)
		return
	}

	v := r.apply(c.role, msg)
	if v.reject != "" {
		c.log.Info("Message rejected", "type", head.Type, "reason", v.reject)
		h.sendLocked(c, protocol.Text{
			Header:  protocol.Header{Type: protocol.TypeSystem, FromRole: domain.RoleSystem},
			OfferID: r.offerID,
			Text:    v.reject,
		})
		return
	}
	if len(v.broadcast) == 0 {
		c.log.Debug("Message ignored", "type", head.Type)
		return
	}
	for _, m := range v.broadcast {
		h.broadcastLocked(r, m)
	}
}

func (h *Hub) broadcastLocked(r *room, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		h.log.Error("Failed to encode broadcast", "type", m.Head().Type, "error", err)
		return
	}
	for _, c := range r.byRole {
		h.enqueueLocked(c, data)
	}
}

func (h *Hub) sendLocked(c *client, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		h.log.Error("Failed to encode message", "type", m.Head().Type, "error", err)
		return
	}
	h.enqueueLocked(c, data)
}

func (h *Hub) enqueueLocked(c *client, data []byte) {
	if c.enqueue(data) {
		return
	}
	c.log.Warn("Send queue overflow, dropping participant", "queue", h.opts.SendQueue)
	c.kick(websocket.StatusTryAgainLater, "send queue overflow")
}

// Close disconnects every participant and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, r := range h.rooms {
		for _, c := range r.byRole {
			c.kick(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.rooms, id)
	}
	h.log.Info("Hub closed")
}
