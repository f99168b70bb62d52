// Package server wires the relay's HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/christopherjohns/chatrelay/internal/ratelimit"
	"github.com/christopherjohns/chatrelay/internal/store"
	"github.com/christopherjohns/chatrelay/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	limiterSweepInterval   = time.Minute
)

// Server is the main HTTP server for the relay.
type Server struct {
	addr            string
	mux             *http.ServeMux
	hub             *ws.Hub
	store           store.Store
	limiter         *ratelimit.IPLimiter
	gatherer        prometheus.Gatherer
	log             zerolog.Logger
	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter rate limits WebSocket upgrades per client IP.
func WithLimiter(l *ratelimit.IPLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the server's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates a new Server listening on addr. dispatch executes inbound
// frames for sessions registered in hub.
func New(addr string, hub *ws.Hub, dispatch *ws.Dispatcher, st store.Store, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		mux:             http.NewServeMux(),
		hub:             hub,
		store:           st,
		gatherer:        prometheus.DefaultGatherer,
		log:             zerolog.Nop(),
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "server").Logger()

	var limiter ws.Limiter
	if s.limiter != nil {
		limiter = s.limiter
	}
	s.routes(ws.NewHandler(hub, dispatch, limiter, s.log))
	return s
}

func (s *Server) routes(wsHandler http.Handler) {
	s.mux.Handle("GET /ws", wsHandler)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on the configured address until ctx is cancelled, then closes
// every session and shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info().Int("sessions", s.hub.Count()).Msg("shutting down")

		// Hijacked WebSocket connections are not tracked by http.Server.
		s.hub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.limiter != nil {
		g.Go(func() error {
			s.sweepLimiter(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Sweep()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stats is the /api/stats response.
type Stats struct {
	Sessions ws.Stats `json:"sessions"`
	Users    int      `json:"users"`
	Messages int      `json:"messages"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.CountUsers(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("count users failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	messages, err := s.store.CountMessages(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("count messages failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, Stats{
		Sessions: s.hub.Stats(),
		Users:    users,
		Messages: messages,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("write response failed")
	}
}
