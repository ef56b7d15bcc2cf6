package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "fees.db", cfg.Database.Path)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, 5*time.Second, cfg.Lock.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, "log", cfg.Notify.Backend)
	assert.Equal(t, 3*time.Second, cfg.Notify.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Interval)
	assert.False(t, cfg.UsesRedis())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FEES_APP_PORT", "9000")
	t.Setenv("FEES_DATABASE_PATH", "/var/lib/fees.db")
	t.Setenv("FEES_LOCK_BACKEND", "redis")
	t.Setenv("FEES_LOCK_TIMEOUT", "2s")
	t.Setenv("FEES_REDIS_ADDR", "redis:6379")
	t.Setenv("FEES_SCHEDULER_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.App.Port)
	assert.Equal(t, "/var/lib/fees.db", cfg.Database.Path)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, 2*time.Second, cfg.Lock.Timeout)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.True(t, cfg.UsesRedis())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir+"/config.yaml", `
app:
  port: "7070"
notify:
  backend: asynq
  queue: critical
http:
  rate_limit_rps: 5
`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.App.Port)
	assert.Equal(t, "asynq", cfg.Notify.Backend)
	assert.Equal(t, "critical", cfg.Notify.Queue)
	assert.Equal(t, 5.0, cfg.HTTP.RateLimitRPS)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "etcd" }, "lock.backend"},
		{"unknown notify backend", func(c *Config) { c.Notify.Backend = "smtp" }, "notify.backend"},
		{"ttl shorter than timeout", func(c *Config) { c.Lock.TTL = time.Second }, "lock.ttl"},
		{"memory db in production", func(c *Config) {
			c.App.Env = "production"
			c.Database.Path = ":memory:"
		}, "database.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			tt.mutate(cfg)

			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
