package discount

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// REDIS LOCKER - Per-discount lock shared by every instance
// =============================================================================

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds each lock as a lease of ttl, renewed every ttl/3 until
// unlock. A lease that cannot be renewed is logged as lost.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	timeout   time.Duration
	retry     time.Duration
	logger    *zap.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker waits at most timeout to acquire a lock. A nil logger
// discards lease failures.
func NewRedisLocker(client redis.UniversalClient, keyPrefix string, ttl, timeout time.Duration, logger *zap.Logger) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "fees:lock:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		timeout:   timeout,
		retry:     25 * time.Millisecond,
		logger:    logger,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.keyPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.timeout)

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return r.hold(redisKey, token), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s after %s: %w", key, r.timeout, generic.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}
}

// hold starts renewing the lease and returns its unlock.
func (r *RedisLocker) hold(redisKey, token string) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.renew(redisKey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()

			// Background context: the caller's ctx may already be done.
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Error("release lock", zap.String("key", redisKey), zap.Error(err))
			}
		})
	}
}

func (r *RedisLocker) renew(redisKey, token string, stop <-chan struct{}) {
	interval := r.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := renewScript.Run(renewCtx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				r.logger.Warn("renew lock", zap.String("key", redisKey), zap.Error(err))
				continue
			}
			if n == 0 {
				r.logger.Error("lock lease lost", zap.String("key", redisKey))
				return
			}
		}
	}
}
