package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/christopherjohns/chatrelay/internal/auth"
	"github.com/christopherjohns/chatrelay/internal/config"
	"github.com/christopherjohns/chatrelay/internal/logging"
	"github.com/christopherjohns/chatrelay/internal/metrics"
	"github.com/christopherjohns/chatrelay/internal/ratelimit"
	"github.com/christopherjohns/chatrelay/internal/server"
	"github.com/christopherjohns/chatrelay/internal/store"
	"github.com/christopherjohns/chatrelay/internal/ws"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(os.Getenv(config.PathEnv), nil)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	st, err := openStore(cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gw := auth.New(auth.Config{
		Secret: cfg.Auth.Secret,
		Salt:   cfg.Auth.Salt,
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	})

	hub := ws.NewHub(st,
		ws.WithLogger(log),
		ws.WithMetrics(m),
		ws.WithMaxSessions(cfg.Server.MaxSessions),
		ws.WithIdleTimeout(cfg.Server.IdleTimeout),
		ws.WithReadyTimeout(cfg.Session.ReadyTimeout),
		ws.WithSessionConfig(ws.SessionConfig{
			WriteTimeout: cfg.Session.WriteTimeout,
			MaxPending:   cfg.Session.MaxPending,
			MaxQueue:     cfg.Session.MaxQueue,
		}),
	)
	dispatch := ws.NewDispatcher(gw, st, hub, log, m)

	opts := []server.Option{
		server.WithLogger(log),
		server.WithGatherer(reg),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	}
	if cfg.Server.RateLimit > 0 {
		opts = append(opts, server.WithLimiter(ratelimit.NewIPLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow)))
	}
	srv := server.New(cfg.Server.Addr, hub, dispatch, st, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Store.Driver).Msg("starting chatrelay")
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Info().Msg("stopped")
	return nil
}

func openStore(cfg config.Store, log zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
		return store.NewRedisStore(rdb, cfg.RedisPrefix, log), nil
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store; nothing will persist")
		return store.NewMemoryStore(), nil
	default:
		st, err := store.OpenSQLite(cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}
