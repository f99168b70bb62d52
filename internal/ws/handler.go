package ws

import (
	"context"
	"net/http"

	"github.com/christopherjohns/chatrelay/internal/ratelimit"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Limiter decides whether a client address may open another session.
type Limiter interface {
	Allow(ip string) bool
}

// Handler handles WebSocket upgrade requests and runs each session.
type Handler struct {
	hub      *Hub
	dispatch *Dispatcher
	limiter  Limiter
	log      zerolog.Logger
}

// NewHandler creates a new WebSocket Handler. limiter may be nil.
func NewHandler(hub *Hub, dispatch *Dispatcher, limiter Limiter, log zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		dispatch: dispatch,
		limiter:  limiter,
		log:      log.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// session until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		h.log.Warn().Str("ip", ip).Msg("upgrade rate limited")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		h.log.Debug().Err(err).Str("ip", ip).Msg("accept failed")
		return
	}

	s := h.hub.Connect(r.Context(), conn)
	if s == nil {
		return
	}
	h.log.Debug().Str("session", s.ID()).Str("ip", ip).Msg("session connected")

	if !h.hub.Ready(s) {
		return
	}
	s.readLoop(h.handle)
	s.wait()
}

func (h *Handler) handle(ctx context.Context, s *Session, payload []byte) {
	h.dispatch.Dispatch(ctx, s, payload)
}
