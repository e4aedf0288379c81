package redelivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
)

var _ KeyLocker = (*RedisLocker)(nil)

// Redis lock defaults.
const (
	DefaultLockTTL           = 30 * time.Second
	DefaultLockRetryInterval = 50 * time.Millisecond
)

// Deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Extends the lock only if it still carries our token.
var renewScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a KeyLocker shared by every process using the same Redis.
//
// A held lock is renewed every TTL/3 until the callback returns, so TTL only
// bounds how long a crashed holder blocks the key. If a renewal finds the lock
// gone, the callback's context is cancelled with ErrLockLost.
type RedisLocker struct {
	pool          *redis.Pool
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewRedisLocker creates a locker; zero durations select the defaults and a
// nil logger selects slog.Default().
func NewRedisLocker(pool *redis.Pool, ttl, retryInterval time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if retryInterval <= 0 {
		retryInterval = DefaultLockRetryInterval
	}
	return &RedisLocker{pool: pool, ttl: ttl, retryInterval: retryInterval, logger: loggerOrDefault(logger)}
}

func lockKey(key string) string {
	return "redelivery:lock:" + key
}

func (l *RedisLocker) tryAcquire(ctx context.Context, key, token string) (bool, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	_, err = redis.String(conn.Do("SET", lockKey(key), token, "NX", "PX", l.ttl.Milliseconds()))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *RedisLocker) release(key, token string) error {
	// The caller's ctx may already be cancelled; release must still happen.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = releaseScript.Do(conn, lockKey(key), token)
	return err
}

func (l *RedisLocker) renew(ctx context.Context, key, token string) (bool, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	n, err := redis.Int(renewScript.Do(conn, lockKey(key), token, l.ttl.Milliseconds()))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// keepAlive renews the lock until ctx is done. A failed renewal is retried on
// the next tick; a lock held by someone else cancels the holder via lost.
func (l *RedisLocker) keepAlive(ctx context.Context, key, token string, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := l.renew(ctx, key, token)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Warn("redelivery: failed to renew redis lock", "key", key, "error", err)
			continue
		}
		if !ok {
			l.logger.Error("redelivery: redis lock lost before release", "key", key)
			lost(fmt.Errorf("%w: key %s", ErrLockLost, key))
			return
		}
	}
}

// WithLock polls for the lock every retry interval until it is acquired or ctx is done.
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.tryAcquire(ctx, key, token)
		if err != nil {
			return &LockError{Key: key, Err: err}
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return &LockError{Key: key, Err: ctx.Err()}
		}
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	renewCtx, stopRenew := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(renewCtx, key, token, cancel)
	}()

	defer func() {
		stopRenew()
		wg.Wait()
		cancel(nil)
		if err := l.release(key, token); err != nil {
			l.logger.Error("redelivery: failed to release redis lock",
				"key", key,
				"error", err,
			)
		}
	}()

	return fn(fnCtx)
}
