package hub

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/identity"
	"github.com/tastyrock/negotiator/internal/middleware"
	"github.com/tastyrock/negotiator/internal/protocol"
)

const defaultReadLimit = 1 << 20

// Handler upgrades participant requests to websocket room connections.
// It expects identity.Middleware to have resolved the participant.
type Handler struct {
	hub            *Hub
	allowedOrigins []string
	readLimit      int64
	isDev          bool
}

// NewHandler creates a websocket handler for h. An empty allowedOrigins list
// or a "*" entry accepts any origin.
func NewHandler(h *Hub, allowedOrigins []string, readLimit int64, isDev bool) *Handler {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	return &Handler{hub: h, allowedOrigins: allowedOrigins, readLimit: readLimit, isDev: isDev}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.ParticipantFromContext(r.Context())
	if !ok {
		http.Error(w, "participant required", http.StatusBadRequest)
		return
	}
	log := h.hub.log.With("buyer_id", p.Room.BuyerID, "trader_id", p.Room.TraderID, "role", p.Role)
	log.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(h.readLimit)

	c := newClient(p.Room, p.Role, ws, h.hub.opts.SendQueue, h.hub.log)
	if err := h.hub.join(c); err != nil {
		if errors.Is(err, ErrClosed) {
			_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		} else {
			_ = ws.Close(websocket.StatusInternalError, "join failed")
		}
		return
	}

	go c.writePump(h.hub.opts.WriteTimeout)
	h.readLoop(r.Context(), c)

	h.hub.leave(c)
	c.stop()
	if err := ws.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
		log.Debug("Failed to close websocket", "error", err)
	}
	log.Info("Participant session ended")
}

func (h *Handler) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.log.Debug("WebSocket closed by participant")
			case -1:
				c.log.Debug("WebSocket read stopped", "error", err)
			default:
				c.log.Warn("WebSocket closed abnormally", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			var pErr *domain.ProtocolError
			if errors.As(err, &pErr) {
				c.log.Warn("Dropping malformed message", "type", pErr.Type, "error", pErr.Err)
			}
			continue
		}
		h.hub.dispatch(c, msg)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	if middleware.OriginAllowed(h.allowedOrigins, origin) {
		return true
	}
	h.hub.log.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}
