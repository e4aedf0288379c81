package redelivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
)

var (
	_ AttemptStore  = (*RedisStore)(nil)
	_ StoreProvider = (*RedisProvider)(nil)
)

// Redis pool defaults.
const (
	DefaultRedisIdleTimeout = 10 * time.Second
	DefaultRedisMaxActive   = 100
	DefaultRedisMaxIdle     = 20
)

// RedisConfig describes how to reach Redis.
type RedisConfig struct {
	Network     string        `yaml:"network"`
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	MaxIdle     int           `yaml:"max_idle"`
	MaxActive   int           `yaml:"max_active"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// NewRedisPool builds a connection pool for cfg.
func NewRedisPool(cfg RedisConfig) *redis.Pool {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultRedisMaxIdle
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultRedisMaxActive
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRedisIdleTimeout
	}

	return &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: cfg.IdleTimeout,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			var opts []redis.DialOption
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			return redis.DialContext(ctx, cfg.Network, cfg.Address, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// RedisStore persists attempt records as Redis strings.
//
// Key format: redelivery:{query-escaped region}:{identity key}
type RedisStore struct {
	pool   *redis.Pool
	region string
	opts   RegionOptions
}

// NewRedisStore creates a region-scoped store over pool.
func NewRedisStore(pool *redis.Pool, region string, opts RegionOptions) *RedisStore {
	return &RedisStore{pool: pool, region: region, opts: opts}
}

func (s *RedisStore) prefix() string {
	return "redelivery:" + regionPrefix(s.region, ":")
}

// pattern matches every key of this region in SCAN.
func (s *RedisStore) pattern() string {
	return escapeGlob(s.prefix()) + "*"
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes the characters Redis MATCH patterns treat specially.
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

func (s *RedisStore) key(key string) string {
	return s.prefix() + key
}

func (s *RedisStore) Contains(ctx context.Context, key string) (bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	n, err := redis.Int(conn.Do("EXISTS", s.key(key)))
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Attempt, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return Attempt{}, fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	raw, err := redis.Bytes(conn.Do("GET", s.key(key)))
	if errors.Is(err, redis.ErrNil) {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("redis GET %s: %w", key, err)
	}

	var a Attempt
	if err := a.UnmarshalBinary(raw); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, a Attempt) error {
	raw, err := a.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode attempt %s: %w", key, err)
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	args := []any{s.key(key), raw}
	if s.opts.EntryTTL > 0 {
		args = append(args, "PX", s.opts.EntryTTL.Milliseconds())
	}
	if _, err := conn.Do("SET", args...); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Do("DEL", s.key(key)); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

// Clear deletes every key of this region, walking the keyspace with SCAN.
func (s *RedisStore) Clear(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	cursor := int64(0)
	for {
		reply, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", s.pattern(), "COUNT", 200))
		if err != nil {
			return fmt.Errorf("redis SCAN: %w", err)
		}
		if len(reply) != 2 {
			return errors.New("redis SCAN: invalid reply format")
		}
		cursor, err = redis.Int64(reply[0], nil)
		if err != nil {
			return fmt.Errorf("redis SCAN cursor: %w", err)
		}
		keys, err := redis.Strings(reply[1], nil)
		if err != nil {
			return fmt.Errorf("redis SCAN keys: %w", err)
		}
		if len(keys) > 0 {
			args := make([]any, len(keys))
			for i, k := range keys {
				args[i] = k
			}
			if _, err := conn.Do("DEL", args...); err != nil {
				return fmt.Errorf("redis DEL: %w", err)
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

// RedisProvider opens regions as key prefixes in one Redis database.
type RedisProvider struct {
	pool *redis.Pool
}

// NewRedisProvider creates a provider over pool.
func NewRedisProvider(pool *redis.Pool) *RedisProvider {
	return &RedisProvider{pool: pool}
}

func (p *RedisProvider) Region(_ context.Context, name string, opts RegionOptions) (AttemptStore, error) {
	return NewRedisStore(p.pool, name, opts), nil
}
