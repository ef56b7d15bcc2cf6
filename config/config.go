package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Log       LogConfig
	Lock      LockConfig
	Redis     RedisConfig
	Notify    NotifyConfig
	Scheduler SchedulerConfig
	HTTP      HTTPConfig
}

type AppConfig struct {
	Env  string
	Port string
}

type DatabaseConfig struct {
	Path string // sqlite file, or ":memory:"
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// LockConfig selects the per-discount lock backend
type LockConfig struct {
	Backend string // memory, redis
	Timeout time.Duration
	TTL     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NotifyConfig selects where discount notifications go
type NotifyConfig struct {
	Backend string // log, asynq
	Timeout time.Duration
	Queue   string
}

// SchedulerConfig controls the outbox sweep and reconciliation loop
type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	RateLimitRPS     float64
	RateLimitBurst   int
	CORSAllowOrigins []string
}

// Load loads configuration from a YAML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with FEES_ prefix (e.g., FEES_DATABASE_PATH)
// 2. config.yaml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fee-engine")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("FEES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Lock: LockConfig{
			Backend: v.GetString("lock.backend"),
			Timeout: v.GetDuration("lock.timeout"),
			TTL:     v.GetDuration("lock.ttl"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Notify: NotifyConfig{
			Backend: v.GetString("notify.backend"),
			Timeout: v.GetDuration("notify.timeout"),
			Queue:   v.GetString("notify.queue"),
		},
		Scheduler: SchedulerConfig{
			Enabled:  v.GetBool("scheduler.enabled"),
			Interval: v.GetDuration("scheduler.interval"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			RateLimitRPS:     v.GetFloat64("http.rate_limit_rps"),
			RateLimitBurst:   v.GetInt("http.rate_limit_burst"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "fees.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "memory"
	}
	if cfg.Lock.Timeout == 0 {
		cfg.Lock.Timeout = 5 * time.Second
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 30 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Notify.Backend == "" {
		cfg.Notify.Backend = "log"
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 3 * time.Second
	}
	if cfg.Notify.Queue == "" {
		cfg.Notify.Queue = "notifications"
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = 10 * time.Minute
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.RateLimitRPS == 0 {
		cfg.HTTP.RateLimitRPS = 20
	}
	if cfg.HTTP.RateLimitBurst == 0 {
		cfg.HTTP.RateLimitBurst = 40
	}
	if len(cfg.HTTP.CORSAllowOrigins) == 0 {
		cfg.HTTP.CORSAllowOrigins = []string{"*"}
	}
}

func (c *Config) validate() error {
	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("lock.backend must be memory or redis, got %q", c.Lock.Backend)
	}
	switch c.Notify.Backend {
	case "log", "asynq":
	default:
		return fmt.Errorf("notify.backend must be log or asynq, got %q", c.Notify.Backend)
	}
	if c.Lock.TTL < c.Lock.Timeout {
		return fmt.Errorf("lock.ttl (%s) must not be shorter than lock.timeout (%s)", c.Lock.TTL, c.Lock.Timeout)
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 {
		return fmt.Errorf("http rate limit must not be negative")
	}
	if c.IsProduction() && c.Database.Path == ":memory:" {
		return fmt.Errorf("database.path must be a file in production")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// UsesRedis reports whether any backend needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Lock.Backend == "redis" || c.Notify.Backend == "asynq"
}
