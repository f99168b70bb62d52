package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/christopherjohns/chatrelay/internal/metrics"
	"github.com/christopherjohns/chatrelay/internal/protocol"
	"github.com/christopherjohns/chatrelay/internal/store"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	// defaultReadyTimeout bounds history loading during the ready transition.
	defaultReadyTimeout = 10 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

// Stats holds point-in-time registry statistics.
type Stats struct {
	Active      int   `json:"active"`
	MaxSessions int   `json:"max_sessions"`
	Rejected    int64 `json:"rejected"`
	Broadcasts  int64 `json:"broadcasts"`
	Overflowed  int64 `json:"overflowed"`
	IdleReaped  int64 `json:"idle_reaped"`
}

// Hub is the session registry. It owns the set of live sessions and fans
// broadcasts out to them.
type Hub struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool

	store        store.Store
	log          zerolog.Logger
	metrics      *metrics.Metrics
	sessionCfg   SessionConfig
	readyTimeout time.Duration
	maxSessions  int
	idleTTL      time.Duration
	stopIdle     context.CancelFunc

	rejected   atomic.Int64
	broadcasts atomic.Int64
	overflowed atomic.Int64
	idleReaped atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Hub) {
		h.log = log
	}
}

// WithMetrics records hub activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithMaxSessions limits concurrent sessions. 0 means unlimited (default).
func WithMaxSessions(n int) Option {
	return func(h *Hub) {
		h.maxSessions = n
	}
}

// WithIdleTimeout closes sessions that have not sent anything for d.
// 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.idleTTL = d
	}
}

// WithSessionConfig sets per-session buffer limits and write timeout.
func WithSessionConfig(cfg SessionConfig) Option {
	return func(h *Hub) {
		h.sessionCfg = cfg
	}
}

// WithReadyTimeout bounds how long history loading may take for a new session.
func WithReadyTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.readyTimeout = d
	}
}

// NewHub creates a Hub that replays history from st.
func NewHub(st store.Store, opts ...Option) *Hub {
	h := &Hub{
		sessions:     make(map[*Session]struct{}),
		store:        st,
		log:          zerolog.Nop(),
		readyTimeout: defaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("component", "ws").Logger()
	if h.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		h.stopIdle = cancel
		go h.idleReapLoop(ctx)
	}
	return h
}

// Connect creates a session for an established connection and joins it to
// the live set in the connecting state. It returns nil if the hub is shut
// down or full; the connection is closed in that case.
func (h *Hub) Connect(ctx context.Context, conn Conn) *Session {
	s := newSession(ctx, conn, h.sessionCfg, h.log, h.sessionClosed)
	if !h.Join(s) {
		return nil
	}
	return s
}

// Join inserts s into the live set.
func (h *Hub) Join(s *Session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.closeWith(websocket.StatusGoingAway, "server shutting down", reasonShutdown)
		return false
	}
	if h.maxSessions > 0 && len(h.sessions) >= h.maxSessions {
		h.mu.Unlock()
		h.rejected.Add(1)
		s.closeWith(websocket.StatusTryAgainLater, "server at capacity", reasonCapacity)
		return false
	}
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	h.metrics.SessionJoined()
	return true
}

// Leave removes s from the live set. Removing an absent session is a no-op,
// so read and write failure paths may both call it.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()

	if ok {
		h.metrics.SessionLeft()
	}
}

func (h *Hub) sessionClosed(s *Session, reason string) {
	h.Leave(s)
	h.metrics.SessionClosed(reason)
	switch reason {
	case reasonOverflow:
		h.overflowed.Add(1)
	case reasonIdle:
		h.idleReaped.Add(1)
	}
	h.log.Debug().Str("session", s.ID()).Str("reason", reason).Msg("session closed")
}

// Broadcast enqueues payload on every live session. The set is copied so the
// lock is released before any session is touched.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	h.broadcasts.Add(1)
	h.metrics.Broadcast()
	for _, s := range targets {
		s.Enqueue(payload)
	}
}

// Ready replays the stored history to s and moves it to the ready state.
// A history load failure is logged and s becomes ready with whatever was
// loaded before the failure.
func (h *Hub) Ready(s *Session) bool {
	ctx, cancel := context.WithTimeout(s.ctx, h.readyTimeout)
	defer cancel()

	var replay [][]byte
	if h.store != nil {
		err := h.store.LoadMessages(ctx, func(r store.Record) error {
			replay = append(replay, protocol.HistoryFrame(r.UserID, r.Text, r.CreatedAt))
			return nil
		})
		if err != nil {
			h.metrics.StoreError()
			h.log.Error().Err(err).Str("session", s.ID()).Int("loaded", len(replay)).Msg("history replay incomplete")
		}
	}
	return s.markReady(replay)
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Stats returns point-in-time statistics.
func (h *Hub) Stats() Stats {
	return Stats{
		Active:      h.Count(),
		MaxSessions: h.maxSessions,
		Rejected:    h.rejected.Load(),
		Broadcasts:  h.broadcasts.Load(),
		Overflowed:  h.overflowed.Load(),
		IdleReaped:  h.idleReaped.Load(),
	}
}

// Shutdown closes every session with StatusGoingAway and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	if h.stopIdle != nil {
		h.stopIdle()
	}
	for _, s := range targets {
		s.closeWith(websocket.StatusGoingAway, "server shutting down", reasonShutdown)
	}
}

// idleReapLoop periodically closes idle sessions.
func (h *Hub) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapIdle(time.Now())
		}
	}
}

// reapIdle closes sessions that have been idle longer than idleTTL.
func (h *Hub) reapIdle(now time.Time) {
	h.mu.Lock()
	var stale []*Session
	for s := range h.sessions {
		if s.idleFor(now) > h.idleTTL {
			stale = append(stale, s)
		}
	}
	h.mu.Unlock()

	for _, s := range stale {
		s.closeWith(websocket.StatusPolicyViolation, "idle timeout", reasonIdle)
	}
}
