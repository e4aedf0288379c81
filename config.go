package redelivery

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory      = "memory"
	StoreSerializing = "serializing"
	StoreBadger      = "badger"
	StorePostgres    = "postgres"
	StoreRedis       = "redis"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config holds all configuration for a redelivery deployment.
type Config struct {
	Policy   PolicyConfig   `yaml:"policy"`
	Store    StoreConfig    `yaml:"store"`
	Lock     LockConfig     `yaml:"lock"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig selects the attempt store backend.
type StoreConfig struct {
	Type      string `yaml:"type"`
	BadgerDir string `yaml:"badger_dir"`
}

// LockConfig selects the key locker backend.
type LockConfig struct {
	Type          string        `yaml:"type"`
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// PostgresConfig holds the connection string for the Postgres backends.
// When URL is set the dead-letter store is enabled.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// NATSConfig holds NATS settings for dead-letter publishing and replay.
type NATSConfig struct {
	URL                   string `yaml:"url"`
	DeadLetterRecoverable bool   `yaml:"dead_letter_recoverable"`
	IngestDeadLetters     bool   `yaml:"ingest_dead_letters"`
}

// HTTPConfig holds the admin API listener settings.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns a configuration using in-process backends.
func DefaultConfig() *Config {
	return &Config{
		Policy: DefaultPolicyConfig("default"),
		Store: StoreConfig{
			Type:      StoreMemory,
			BadgerDir: "/tmp/redelivery/data",
		},
		Lock: LockConfig{
			Type:          LockLocal,
			TTL:           DefaultLockTTL,
			RetryInterval: DefaultLockRetryInterval,
		},
		Redis: RedisConfig{
			Network: "tcp",
			Address: "localhost:6379",
		},
		HTTP: HTTPConfig{
			Addr:            ":8089",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Environment variables that override secrets and endpoints from the file.
const (
	EnvDatabaseURL   = "REDELIVERY_DATABASE_URL"
	EnvRedisAddress  = "REDELIVERY_REDIS_ADDR"
	EnvRedisPassword = "REDELIVERY_REDIS_PASSWORD"
	EnvNATSURL       = "REDELIVERY_NATS_URL"
)

// LoadConfig loads configuration from a YAML file, then applies environment
// overrides. If the file doesn't exist, the defaults are used.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabaseURL); ok {
		c.Postgres.URL = v
	}
	if v, ok := lookup(EnvRedisAddress); ok {
		c.Redis.Address = v
	}
	if v, ok := lookup(EnvRedisPassword); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup(EnvNATSURL); ok {
		c.NATS.URL = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	switch c.Store.Type {
	case StoreMemory, StoreSerializing:
	case StoreBadger:
		if c.Store.BadgerDir == "" {
			return errors.New("store.badger_dir cannot be empty for badger store")
		}
	case StorePostgres:
		if c.Postgres.URL == "" {
			return errors.New("postgres.url cannot be empty for postgres store")
		}
	case StoreRedis:
		if c.Redis.Address == "" {
			return errors.New("redis.address cannot be empty for redis store")
		}
	default:
		return fmt.Errorf("store.type must be one of memory, serializing, badger, postgres, redis: %q", c.Store.Type)
	}

	switch c.Lock.Type {
	case LockLocal:
	case LockRedis:
		if c.Redis.Address == "" {
			return errors.New("redis.address cannot be empty for redis lock")
		}
		if c.Lock.TTL < 0 || c.Lock.RetryInterval < 0 {
			return errors.New("lock.ttl and lock.retry_interval cannot be negative")
		}
	default:
		return fmt.Errorf("lock.type must be local or redis: %q", c.Lock.Type)
	}

	if c.HTTP.Addr == "" {
		return errors.New("http.addr cannot be empty")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json: %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds a slog logger writing to w.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// UsesRedis reports whether the store or the lock needs a Redis pool.
func (c *Config) UsesRedis() bool {
	return c.Store.Type == StoreRedis || c.Lock.Type == LockRedis
}

// ReplayPolicy is the config of the policy that bounds admin replays of dead
// letters. Replays are keyed by their message ID, so each dead letter gets its
// own budget and concurrent retries of one entry are serialized.
func (c *Config) ReplayPolicy() PolicyConfig {
	return PolicyConfig{
		Name:               c.Policy.Name + ".replay",
		MaxRedeliveryCount: c.Policy.MaxRedeliveryCount,
		UseSecureHash:      false,
		Region:             c.Policy.Region,
	}
}

// NewKeyLocker builds the locker selected by cfg. pool is required for the
// redis locker and ignored otherwise.
func NewKeyLocker(cfg LockConfig, pool *redis.Pool, logger *slog.Logger) (KeyLocker, error) {
	switch cfg.Type {
	case "", LockLocal:
		return NewLocalLocker(), nil
	case LockRedis:
		if pool == nil {
			return nil, errors.New("redis lock requires a redis pool")
		}
		return NewRedisLocker(pool, cfg.TTL, cfg.RetryInterval, logger), nil
	default:
		return nil, fmt.Errorf("unknown lock type %q", cfg.Type)
	}
}
