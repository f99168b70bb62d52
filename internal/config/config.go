// Package config loads the relay configuration.
//
// Values are layered: Default, then an optional YAML file, then environment
// variables prefixed with CHATRELAY_. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CHATRELAY_"

// PathEnv names the variable holding the optional YAML config path.
const PathEnv = EnvPrefix + "CONFIG"

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config is the full relay configuration.
type Config struct {
	Server  Server  `yaml:"server" envPrefix:"SERVER_"`
	Auth    Auth    `yaml:"auth" envPrefix:"AUTH_"`
	Store   Store   `yaml:"store" envPrefix:"STORE_"`
	Session Session `yaml:"session" envPrefix:"SESSION_"`
	Log     Log     `yaml:"log" envPrefix:"LOG_"`
}

// Server configures the HTTP listener and connection limits.
type Server struct {
	Addr string `yaml:"addr" env:"ADDR" validate:"required"`
	// MaxSessions caps concurrent sessions. 0 is unlimited.
	MaxSessions int `yaml:"max_sessions" env:"MAX_SESSIONS" validate:"min=0"`
	// IdleTimeout closes sessions that send nothing for this long. 0 disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT" validate:"min=0"`
	// RateLimit is the most upgrades one IP may make per RateWindow. 0 disables it.
	RateLimit       int           `yaml:"rate_limit" env:"RATE_LIMIT" validate:"min=0"`
	RateWindow      time.Duration `yaml:"rate_window" env:"RATE_WINDOW" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"min=0"`
}

// Auth configures password digests and tokens.
type Auth struct {
	Secret   string        `yaml:"secret" env:"SECRET" validate:"required,min=16"`
	Salt     string        `yaml:"salt" env:"SALT" validate:"required"`
	Issuer   string        `yaml:"issuer" env:"ISSUER"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"TOKEN_TTL" validate:"min=0"`
}

// Store selects and configures the persistence backend.
type Store struct {
	Driver string `yaml:"driver" env:"DRIVER" validate:"oneof=sqlite redis memory"`
	// Path is the SQLite database file.
	Path          string `yaml:"path" env:"PATH" validate:"required_if=Driver sqlite"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR" validate:"required_if=Driver redis"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB" validate:"min=0"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

// Session bounds per-connection buffering.
type Session struct {
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"min=0"`
	ReadyTimeout time.Duration `yaml:"ready_timeout" env:"READY_TIMEOUT" validate:"min=0"`
	MaxPending   int           `yaml:"max_pending" env:"MAX_PENDING" validate:"min=0"`
	MaxQueue     int           `yaml:"max_queue" env:"MAX_QUEUE" validate:"min=0"`
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

// Default returns the built-in configuration. Auth secrets have no default.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			RateLimit:       30,
			RateWindow:      time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: Auth{
			Issuer:   "chatrelay",
			TokenTTL: 24 * time.Hour,
		},
		Store: Store{
			Driver:      DriverSQLite,
			Path:        "chat.db",
			RedisPrefix: "chatrelay:",
		},
		Session: Session{
			WriteTimeout: 5 * time.Second,
			ReadyTimeout: 10 * time.Second,
			MaxPending:   256,
			MaxQueue:     1024,
		},
		Log: Log{
			Level: "info",
		},
	}
}

var validate = validator.New()

// Load builds a Config from the defaults, the YAML file at path (skipped when
// path is empty) and the environment. A nil environ reads the process
// environment.
func Load(path string, environ map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
