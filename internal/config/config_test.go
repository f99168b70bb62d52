package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// baseEnv satisfies the fields that have no default.
func baseEnv() map[string]string {
	return map[string]string{
		"CHATRELAY_AUTH_SECRET": "0123456789abcdef",
		"CHATRELAY_AUTH_SALT":   "pepper",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", baseEnv())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "chat.db", cfg.Store.Path)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 256, cfg.Session.MaxPending)
	assert.Equal(t, 1024, cfg.Session.MaxQueue)
	assert.Zero(t, cfg.Server.IdleTimeout)
}

func TestLoadRequiresSecret(t *testing.T) {
	_, err := Load("", map[string]string{"CHATRELAY_AUTH_SALT": "pepper"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Secret")

	_, err = Load("", map[string]string{
		"CHATRELAY_AUTH_SECRET": "short",
		"CHATRELAY_AUTH_SALT":   "pepper",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min")
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  max_sessions: 100
  idle_timeout: 5m
store:
  driver: redis
  redis_addr: "localhost:6379"
session:
  max_queue: 64
log:
  level: debug
`), 0o600))

	environ := baseEnv()
	environ["CHATRELAY_SERVER_ADDR"] = ":9100"
	environ["CHATRELAY_SESSION_WRITE_TIMEOUT"] = "2s"

	cfg, err := Load(path, environ)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr, "env wins over file")
	assert.Equal(t, 100, cfg.Server.MaxSessions)
	assert.Equal(t, 5*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 64, cfg.Session.MaxQueue)
	assert.Equal(t, 256, cfg.Session.MaxPending, "unset keys keep defaults")
	assert.Equal(t, 2*time.Second, cfg.Session.WriteTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	environ := baseEnv()
	environ["CHATRELAY_STORE_DRIVER"] = "postgres"

	_, err := Load("", environ)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestLoadRedisNeedsAddr(t *testing.T) {
	environ := baseEnv()
	environ["CHATRELAY_STORE_DRIVER"] = "redis"

	_, err := Load("", environ)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RedisAddr")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), baseEnv())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadBadEnvValue(t *testing.T) {
	environ := baseEnv()
	environ["CHATRELAY_SERVER_MAX_SESSIONS"] = "lots"

	_, err := Load("", environ)
	require.Error(t, err)
}
